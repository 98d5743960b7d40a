package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/blankon/irgsh-composer/internal/entity"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("not found")

// Store persists releases, updates and composes in SQLite.
type Store struct {
	db          *DB
	maxComposes int
}

// NewStore creates a store keeping at most maxComposes successful composes
// as history.
func NewStore(db *DB, maxComposes int) *Store {
	if maxComposes <= 0 {
		maxComposes = 500
	}
	return &Store{
		db:          db,
		maxComposes: maxComposes,
	}
}

func (s *Store) SaveRelease(ctx context.Context, r entity.Release) error {
	query := `
		INSERT INTO releases (
			name, long_name, version, id_prefix, state, candidate_tag, testing_tag,
			stable_tag, pending_signing_tag, pending_testing_tag, pending_stable_tag, override_tag
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			long_name = excluded.long_name,
			version = excluded.version,
			id_prefix = excluded.id_prefix,
			state = excluded.state,
			candidate_tag = excluded.candidate_tag,
			testing_tag = excluded.testing_tag,
			stable_tag = excluded.stable_tag,
			pending_signing_tag = excluded.pending_signing_tag,
			pending_testing_tag = excluded.pending_testing_tag,
			pending_stable_tag = excluded.pending_stable_tag,
			override_tag = excluded.override_tag
	`
	_, err := s.db.ExecContext(ctx, query,
		r.Name, r.LongName, r.Version, r.IDPrefix, r.State, r.CandidateTag, r.TestingTag,
		r.StableTag, r.PendingSigningTag, r.PendingTestingTag, r.PendingStableTag, r.OverrideTag,
	)
	if err != nil {
		return fmt.Errorf("failed to save release: %w", err)
	}
	return nil
}

// Release returns the release called name.
func (s *Store) Release(ctx context.Context, name string) (entity.Release, error) {
	return getRelease(ctx, s.db, name)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getRelease(ctx context.Context, q queryer, name string) (entity.Release, error) {
	query := `
		SELECT name, long_name, version, id_prefix, state, candidate_tag, testing_tag,
			   stable_tag, pending_signing_tag, pending_testing_tag, pending_stable_tag, override_tag
		FROM releases
		WHERE name = ?
	`
	var r entity.Release
	err := q.QueryRowContext(ctx, query, name).Scan(
		&r.Name, &r.LongName, &r.Version, &r.IDPrefix, &r.State, &r.CandidateTag, &r.TestingTag,
		&r.StableTag, &r.PendingSigningTag, &r.PendingTestingTag, &r.PendingStableTag, &r.OverrideTag,
	)
	if err == sql.ErrNoRows {
		return r, fmt.Errorf("release %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return r, fmt.Errorf("failed to get release: %w", err)
	}
	return r, nil
}
