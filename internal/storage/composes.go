package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/blankon/irgsh-composer/internal/entity"
)

const composeColumns = `
	c.id, c.release_name, c.request, c.content_type, c.security, c.state,
	c.compose_dir, c.error_message, c.created_at, c.updated_at,
	(SELECT COUNT(*) FROM updates u WHERE u.compose_id = c.id)
`

func scanCompose(scan func(dest ...interface{}) error) (entity.ComposeJob, error) {
	var job entity.ComposeJob
	err := scan(
		&job.ID, &job.Release, &job.Request, &job.ContentType, &job.Security, &job.State,
		&job.ComposeDir, &job.Error, &job.CreatedAt, &job.UpdatedAt, &job.UpdateCount,
	)
	return job, err
}

type pushCandidate struct {
	alias    string
	security bool
}

// CreateComposes turns every unlocked update requesting a push of release to
// request into composes, one per content type. In a single transaction it
// skips content types that already have an unfinished compose, inserts the
// new composes and locks their updates. Updates that lose the lock race are
// left out of the compose.
func (s *Store) CreateComposes(ctx context.Context, release string, request entity.RequestType) ([]entity.ComposeJob, error) {
	log := logrus.WithFields(logrus.Fields{"release": release, "request": request})
	var jobs []entity.ComposeJob

	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		jobs = nil
		if _, err := getRelease(ctx, tx, release); err != nil {
			return err
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT alias, content_type, type FROM updates
			WHERE release_name = ? AND request = ? AND locked = 0 AND compose_id IS NULL
			ORDER BY content_type, alias
		`, release, request)
		if err != nil {
			return fmt.Errorf("failed to list updates to push: %w", err)
		}
		candidates := map[entity.ContentType][]pushCandidate{}
		for rows.Next() {
			var c pushCandidate
			var ct entity.ContentType
			var updateType entity.UpdateType
			if err := rows.Scan(&c.alias, &ct, &updateType); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan update: %w", err)
			}
			c.security = updateType == entity.UpdateTypeSecurity
			candidates[ct] = append(candidates[ct], c)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("error iterating updates: %w", err)
		}
		rows.Close()

		contentTypes := make([]string, 0, len(candidates))
		for ct := range candidates {
			contentTypes = append(contentTypes, string(ct))
		}
		sort.Strings(contentTypes)

		for _, name := range contentTypes {
			ct := entity.ContentType(name)
			key := entity.ComposeKey{Release: release, Request: request, ContentType: ct}
			if !ct.Valid() {
				log.WithField("compose", key.String()).Warnf("unknown content type, skipping %d updates", len(candidates[ct]))
				continue
			}

			var unfinished int
			err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM composes
				WHERE release_name = ? AND request = ? AND content_type = ? AND state != ?
			`, release, request, ct, entity.StateSuccess).Scan(&unfinished)
			if err != nil {
				return fmt.Errorf("failed to check running composes: %w", err)
			}
			if unfinished > 0 {
				log.WithField("compose", key.String()).Info("compose already in progress, skipping")
				continue
			}

			now := time.Now().UTC().Truncate(time.Second)
			job := entity.ComposeJob{
				ID:          uuid.New().String(),
				Release:     release,
				Request:     request,
				ContentType: ct,
				State:       entity.StateRequested,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			for _, c := range candidates[ct] {
				job.Security = job.Security || c.security
			}

			_, err = tx.ExecContext(ctx, `
				INSERT INTO composes (id, release_name, request, content_type, security, state, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, job.ID, job.Release, job.Request, job.ContentType, job.Security, job.State, job.CreatedAt, job.UpdatedAt)
			if err != nil {
				return fmt.Errorf("failed to insert compose: %w", err)
			}

			for _, c := range candidates[ct] {
				res, err := tx.ExecContext(ctx, `
					UPDATE updates SET locked = 1, compose_id = ?
					WHERE alias = ? AND locked = 0 AND compose_id IS NULL
				`, job.ID, c.alias)
				if err != nil {
					return fmt.Errorf("failed to lock update %s: %w", c.alias, err)
				}
				if n, _ := res.RowsAffected(); n == 0 {
					log.WithField("update", c.alias).Warn("update already locked, excluded from compose")
					continue
				}
				job.UpdateCount++
			}

			if job.UpdateCount == 0 {
				if _, err := tx.ExecContext(ctx, `DELETE FROM composes WHERE id = ?`, job.ID); err != nil {
					return fmt.Errorf("failed to drop empty compose: %w", err)
				}
				continue
			}
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// ResumableComposes lists composes that did not finish successfully, oldest first.
func (s *Store) ResumableComposes(ctx context.Context) ([]entity.ComposeJob, error) {
	return s.listComposes(ctx, `WHERE c.state != ? ORDER BY c.created_at ASC`, entity.StateSuccess)
}

// ResumeCompose re-arms an unfinished compose: the state goes back to
// requested, the error is cleared and its updates are locked again. Completed
// checkpoints are kept.
func (s *Store) ResumeCompose(ctx context.Context, id string) (entity.ComposeJob, error) {
	var job entity.ComposeJob
	err := s.db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		job, err = scanCompose(tx.QueryRowContext(ctx, `SELECT `+composeColumns+` FROM composes c WHERE c.id = ?`, id).Scan)
		if err == sql.ErrNoRows {
			return fmt.Errorf("compose %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to get compose: %w", err)
		}
		if job.State == entity.StateSuccess {
			return fmt.Errorf("compose %s already succeeded", id)
		}

		now := time.Now().UTC().Truncate(time.Second)
		_, err = tx.ExecContext(ctx, `
			UPDATE composes SET state = ?, error_message = '', updated_at = ? WHERE id = ?
		`, entity.StateRequested, now, id)
		if err != nil {
			return fmt.Errorf("failed to reset compose: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE updates SET locked = 1 WHERE compose_id = ?`, id); err != nil {
			return fmt.Errorf("failed to relock updates: %w", err)
		}
		job.State = entity.StateRequested
		job.Error = ""
		job.UpdatedAt = now
		return nil
	})
	if err != nil {
		return job, err
	}
	job.Checkpoints, err = s.Checkpoints(ctx, id)
	return job, err
}

func (s *Store) GetCompose(ctx context.Context, id string) (*entity.ComposeJob, error) {
	job, err := scanCompose(s.db.QueryRowContext(ctx, `SELECT `+composeColumns+` FROM composes c WHERE c.id = ?`, id).Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("compose %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get compose: %w", err)
	}
	job.Checkpoints, err = s.Checkpoints(ctx, id)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListComposes returns the most recent composes.
func (s *Store) ListComposes(ctx context.Context, limit int) ([]entity.ComposeJob, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.listComposes(ctx, `ORDER BY c.created_at DESC LIMIT ?`, limit)
}

func (s *Store) listComposes(ctx context.Context, clause string, args ...interface{}) ([]entity.ComposeJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+composeColumns+` FROM composes c `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list composes: %w", err)
	}
	defer rows.Close()

	var jobs []entity.ComposeJob
	for rows.Next() {
		job, err := scanCompose(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan compose: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating composes: %w", err)
	}
	return jobs, nil
}

// ErrComposeInProgress is returned when deleting a compose that has not
// reached a terminal state.
var ErrComposeInProgress = errors.New("compose has not finished")

// DeleteCompose removes a compose and its checkpoints, releasing its updates.
// Unfinished composes are only deleted when force is set.
func (s *Store) DeleteCompose(ctx context.Context, id string, force bool) error {
	return s.db.withTx(ctx, func(tx *sql.Tx) error {
		var state entity.ComposeState
		err := tx.QueryRowContext(ctx, `SELECT state FROM composes WHERE id = ?`, id).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("compose %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to get compose: %w", err)
		}
		if !state.Terminal() && !force {
			return fmt.Errorf("compose %s is %s: %w", id, state, ErrComposeInProgress)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE updates SET locked = 0, compose_id = NULL WHERE compose_id = ?`, id); err != nil {
			return fmt.Errorf("failed to release updates: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM composes WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete compose: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("compose %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// SetComposeState records a new state. Composes in a terminal state
// (success, failed) are never overwritten.
func (s *Store) SetComposeState(ctx context.Context, id string, state entity.ComposeState, errMsg string) error {
	query := `
		UPDATE composes
		SET state = ?, error_message = ?, updated_at = ?
		WHERE id = ?
		AND state NOT IN ('success', 'failed')
	`
	_, err := s.db.ExecContext(ctx, query, state, errMsg, time.Now().UTC().Truncate(time.Second), id)
	if err != nil {
		return fmt.Errorf("failed to update compose state: %w", err)
	}

	if state == entity.StateSuccess {
		if err := s.cleanupOldComposes(ctx); err != nil {
			logrus.WithError(err).Warn("failed to cleanup old composes")
		}
	}
	return nil
}

func (s *Store) SetComposeDir(ctx context.Context, id, dir string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE composes SET compose_dir = ?, updated_at = ? WHERE id = ?`,
		dir, time.Now().UTC().Truncate(time.Second), id)
	if err != nil {
		return fmt.Errorf("failed to update compose dir: %w", err)
	}
	return nil
}

// Checkpoints returns the steps already completed by a compose.
func (s *Store) Checkpoints(ctx context.Context, id string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT step FROM compose_checkpoints WHERE compose_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	done := map[string]bool{}
	for rows.Next() {
		var step string
		if err := rows.Scan(&step); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		done[step] = true
	}
	return done, rows.Err()
}

func (s *Store) MarkCheckpoint(ctx context.Context, id, step string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO compose_checkpoints (compose_id, step) VALUES (?, ?)
		ON CONFLICT(compose_id, step) DO NOTHING
	`, id, step)
	if err != nil {
		return fmt.Errorf("failed to mark checkpoint %s: %w", step, err)
	}
	return nil
}

// cleanupOldComposes removes successful composes beyond the history limit
func (s *Store) cleanupOldComposes(ctx context.Context) error {
	query := `
		DELETE FROM composes
		WHERE state = 'success'
		AND id NOT IN (
			SELECT id FROM composes
			WHERE state = 'success'
			ORDER BY created_at DESC
			LIMIT ?
		)
	`
	_, err := s.db.ExecContext(ctx, query, s.maxComposes)
	return err
}
