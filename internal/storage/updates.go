package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/blankon/irgsh-composer/internal/entity"
)

const updateColumns = `
	alias, title, release_name, content_type, type, severity, status, request,
	notes, locked, COALESCE(compose_id, ''), date_submitted, date_pushed
`

func scanUpdate(scan func(dest ...interface{}) error) (entity.Update, error) {
	var u entity.Update
	var pushed sql.NullTime
	err := scan(
		&u.Alias, &u.Title, &u.Release, &u.ContentType, &u.Type, &u.Severity, &u.Status, &u.Request,
		&u.Notes, &u.Locked, &u.ComposeID, &u.DateSubmitted, &pushed,
	)
	if pushed.Valid {
		t := pushed.Time
		u.DatePushed = &t
	}
	return u, err
}

// SaveUpdate inserts or replaces an update together with its builds and references.
func (s *Store) SaveUpdate(ctx context.Context, u entity.Update) error {
	if u.DateSubmitted.IsZero() {
		u.DateSubmitted = time.Now().UTC().Truncate(time.Second)
	}
	if u.ContentType == "" {
		u.ContentType = entity.ContentRPM
	}
	if u.Type == "" {
		u.Type = entity.UpdateTypeBugfix
	}
	if u.Status == "" {
		u.Status = entity.UpdateStatusPending
	}
	if u.Severity == "" {
		u.Severity = "unspecified"
	}

	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		var composeID interface{}
		if u.ComposeID != "" {
			composeID = u.ComposeID
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO updates (
				alias, title, release_name, content_type, type, severity, status, request,
				notes, locked, compose_id, date_submitted, date_pushed
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(alias) DO UPDATE SET
				title = excluded.title,
				release_name = excluded.release_name,
				content_type = excluded.content_type,
				type = excluded.type,
				severity = excluded.severity,
				status = excluded.status,
				request = excluded.request,
				notes = excluded.notes,
				locked = excluded.locked,
				compose_id = excluded.compose_id,
				date_pushed = excluded.date_pushed
		`,
			u.Alias, u.Title, u.Release, u.ContentType, u.Type, u.Severity, u.Status, u.Request,
			u.Notes, u.Locked, composeID, u.DateSubmitted, u.DatePushed,
		)
		if err != nil {
			return fmt.Errorf("failed to save update %s: %w", u.Alias, err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM builds WHERE update_alias = ?`, u.Alias); err != nil {
			return fmt.Errorf("failed to replace builds: %w", err)
		}
		for _, b := range u.Builds {
			_, err := tx.ExecContext(ctx, `INSERT INTO builds (nvr, update_alias, signed) VALUES (?, ?, ?)`,
				b.NVR, u.Alias, b.Signed)
			if err != nil {
				return fmt.Errorf("failed to save build %s: %w", b.NVR, err)
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM update_references WHERE update_alias = ?`, u.Alias); err != nil {
			return fmt.Errorf("failed to replace references: %w", err)
		}
		for _, r := range u.References {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO update_references (update_alias, type, ref_id, title, url) VALUES (?, ?, ?, ?, ?)
			`, u.Alias, r.Type, r.ID, r.Title, r.URL)
			if err != nil {
				return fmt.Errorf("failed to save reference %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

func (s *Store) GetUpdate(ctx context.Context, alias string) (*entity.Update, error) {
	u, err := scanUpdate(s.db.QueryRowContext(ctx, `SELECT `+updateColumns+` FROM updates WHERE alias = ?`, alias).Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("update %s: %w", alias, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get update: %w", err)
	}
	updates := []entity.Update{u}
	if err := s.loadDetails(ctx, updates); err != nil {
		return nil, err
	}
	return &updates[0], nil
}

// ComposeUpdates returns the updates associated with a compose, with builds
// and references.
func (s *Store) ComposeUpdates(ctx context.Context, composeID string) ([]entity.Update, error) {
	return s.listUpdates(ctx, `WHERE compose_id = ? ORDER BY alias`, composeID)
}

// PendingUpdates lists updates a push of release to request would pick up.
func (s *Store) PendingUpdates(ctx context.Context, release string, request entity.RequestType) ([]entity.Update, error) {
	return s.listUpdates(ctx, `
		WHERE release_name = ? AND request = ? AND locked = 0 AND compose_id IS NULL
		ORDER BY content_type, alias
	`, release, request)
}

func (s *Store) listUpdates(ctx context.Context, clause string, args ...interface{}) ([]entity.Update, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+updateColumns+` FROM updates `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list updates: %w", err)
	}
	var updates []entity.Update
	for rows.Next() {
		u, err := scanUpdate(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan update: %w", err)
		}
		updates = append(updates, u)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating updates: %w", err)
	}
	rows.Close()

	if err := s.loadDetails(ctx, updates); err != nil {
		return nil, err
	}
	return updates, nil
}

func (s *Store) loadDetails(ctx context.Context, updates []entity.Update) error {
	for i := range updates {
		builds, err := s.db.QueryContext(ctx, `SELECT nvr, signed FROM builds WHERE update_alias = ? ORDER BY nvr`, updates[i].Alias)
		if err != nil {
			return fmt.Errorf("failed to list builds: %w", err)
		}
		for builds.Next() {
			var b entity.Build
			if err := builds.Scan(&b.NVR, &b.Signed); err != nil {
				builds.Close()
				return fmt.Errorf("failed to scan build: %w", err)
			}
			updates[i].Builds = append(updates[i].Builds, b)
		}
		builds.Close()

		refs, err := s.db.QueryContext(ctx, `
			SELECT type, ref_id, title, url FROM update_references WHERE update_alias = ? ORDER BY type, ref_id
		`, updates[i].Alias)
		if err != nil {
			return fmt.Errorf("failed to list references: %w", err)
		}
		for refs.Next() {
			var r entity.Reference
			if err := refs.Scan(&r.Type, &r.ID, &r.Title, &r.URL); err != nil {
				refs.Close()
				return fmt.Errorf("failed to scan reference: %w", err)
			}
			updates[i].References = append(updates[i].References, r)
		}
		refs.Close()
	}
	return nil
}

// DetachUpdate unlocks an update and removes it from a compose.
func (s *Store) DetachUpdate(ctx context.Context, composeID, alias string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE updates SET locked = 0, compose_id = NULL WHERE alias = ? AND compose_id = ?
	`, alias, composeID)
	if err != nil {
		return fmt.Errorf("failed to detach update %s: %w", alias, err)
	}
	return nil
}

// UnlockUpdates releases the lock of every update in a compose. After a
// successful compose the association is dropped as well; a failed compose
// keeps it so a resume picks the same updates up again.
func (s *Store) UnlockUpdates(ctx context.Context, composeID string, success bool) error {
	query := `UPDATE updates SET locked = 0 WHERE compose_id = ?`
	if success {
		query = `UPDATE updates SET locked = 0, compose_id = NULL WHERE compose_id = ?`
	}
	if _, err := s.db.ExecContext(ctx, query, composeID); err != nil {
		return fmt.Errorf("failed to unlock updates: %w", err)
	}
	return nil
}

// CompletePush moves an update to its post-push status, clears its request
// and records a comment.
func (s *Store) CompletePush(ctx context.Context, alias string, status entity.UpdateStatus, comment entity.Comment) error {
	now := time.Now().UTC().Truncate(time.Second)
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = now
	}
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE updates SET status = ?, request = '', date_pushed = ? WHERE alias = ?
		`, status, now, alias)
		if err != nil {
			return fmt.Errorf("failed to update status of %s: %w", alias, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("update %s: %w", alias, ErrNotFound)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO comments (update_alias, author, text, created_at) VALUES (?, ?, ?, ?)
		`, alias, comment.Author, comment.Text, comment.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to comment on %s: %w", alias, err)
		}
		return nil
	})
}

func (s *Store) Comments(ctx context.Context, alias string) ([]entity.Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT author, text, created_at FROM comments WHERE update_alias = ? ORDER BY id
	`, alias)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()

	var comments []entity.Comment
	for rows.Next() {
		var c entity.Comment
		if err := rows.Scan(&c.Author, &c.Text, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

func (s *Store) MarkSigned(ctx context.Context, nvr string) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE builds SET signed = 1 WHERE nvr = ?`, nvr); err != nil {
		return fmt.Errorf("failed to mark %s signed: %w", nvr, err)
	}
	return nil
}

func (s *Store) SaveOverride(ctx context.Context, o entity.Override) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO buildroot_overrides (nvr, release_name, submitter, notes, expiration_date, expired_date)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(nvr) DO UPDATE SET
			submitter = excluded.submitter,
			notes = excluded.notes,
			expiration_date = excluded.expiration_date,
			expired_date = excluded.expired_date
	`, o.NVR, o.Release, o.Submitter, o.Notes, o.ExpirationDate, o.ExpiredDate)
	if err != nil {
		return fmt.Errorf("failed to save override %s: %w", o.NVR, err)
	}
	return nil
}

func (s *Store) GetOverride(ctx context.Context, nvr string) (*entity.Override, error) {
	var o entity.Override
	var expired sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT nvr, release_name, submitter, notes, expiration_date, expired_date
		FROM buildroot_overrides WHERE nvr = ?
	`, nvr).Scan(&o.NVR, &o.Release, &o.Submitter, &o.Notes, &o.ExpirationDate, &expired)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("override %s: %w", nvr, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get override: %w", err)
	}
	if expired.Valid {
		t := expired.Time
		o.ExpiredDate = &t
	}
	return &o, nil
}

// ExpireOverrides marks the active buildroot overrides of the given builds
// expired and returns how many were.
func (s *Store) ExpireOverrides(ctx context.Context, nvrs []string) (int, error) {
	now := time.Now().UTC().Truncate(time.Second)
	expired := 0
	for _, nvr := range nvrs {
		res, err := s.db.ExecContext(ctx, `
			UPDATE buildroot_overrides SET expired_date = ? WHERE nvr = ? AND expired_date IS NULL
		`, now, nvr)
		if err != nil {
			return expired, fmt.Errorf("failed to expire override %s: %w", nvr, err)
		}
		n, _ := res.RowsAffected()
		expired += int(n)
	}
	return expired, nil
}
