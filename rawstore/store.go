// Package rawstore implements the versioned raw catalog store on DuckDB.
//
// Every observation of a show is kept forever as its own row keyed by
// (id, version); exactly one row per id carries is_latest = TRUE and it
// is always the row with the highest version. Downstream phases only
// ever read the latest rows.
package rawstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"
)

// RawTable is the append-only history table. It is never replaced.
const RawTable = "raw_shows"

// ErrCatalogBusy reports that the catalog file is locked by another
// process. The store fails fast instead of blocking on the lock.
var ErrCatalogBusy = errors.New("catalog is locked by another process (close other readers/writers and retry)")

// Observation is one raw show document as observed from the source.
// The payload is the untouched JSON document; only the stable id is
// pulled out for staging.
type Observation struct {
	ID      int64
	Payload []byte
}

// VersionedRow is a single row of the raw history, used by tests and
// verification tooling. Normal pipeline flow only consumes Latest.
type VersionedRow struct {
	ID       int64
	Version  int
	IsLatest bool
	Payload  []byte
}

// Store owns the DuckDB catalog with single-writer discipline.
type Store struct {
	db *sql.DB
}

// Open opens the catalog at path and verifies exclusive access.
// DuckDB holds a file lock per writing process; if another process has
// the catalog open the Ping fails immediately and the error is mapped
// to ErrCatalogBusy so the operator gets actionable guidance.
func Open(path string) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog %s: %w", path, err)
	}

	// Single writer: one connection, no pooling surprises.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		if isLockError(err) {
			return nil, fmt.Errorf("%w: %s", ErrCatalogBusy, path)
		}
		return nil, fmt.Errorf("failed to ping catalog %s: %w", path, err)
	}

	return &Store{db: db}, nil
}

// isLockError reports whether err looks like DuckDB's held-file-lock
// failure.
func isLockError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "lock") && (strings.Contains(msg, "could not set") ||
		strings.Contains(msg, "conflicting") || strings.Contains(msg, "held"))
}

// DB exposes the underlying handle so the snapshot layer can share the
// single writer connection pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the catalog.
func (s *Store) Close() error {
	return s.db.Close()
}

// Absorb merges one batch of observations into the history.
//
// Duplicate ids within the batch collapse to the last occurrence. The
// flip of superseded is_latest rows and the insert of the new versions
// execute in a single transaction, so a crash mid-absorb can never
// leave an id with zero latest rows.
func (s *Store) Absorb(ctx context.Context, batch []Observation) error {
	staged := stage(batch)
	if len(staged) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	flip, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`UPDATE %s SET is_latest = FALSE WHERE id = ? AND is_latest`, RawTable))
	if err != nil {
		return fmt.Errorf("failed to prepare latest flip: %w", err)
	}
	defer flip.Close()

	insert, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, version, is_latest, payload)
		SELECT ?, COALESCE((SELECT MAX(version) FROM %s WHERE id = ?), 0) + 1, TRUE, ?
	`, RawTable, RawTable))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer insert.Close()

	for _, obs := range staged {
		if _, err := flip.ExecContext(ctx, obs.ID); err != nil {
			return fmt.Errorf("failed to supersede show %d: %w", obs.ID, err)
		}
		if _, err := insert.ExecContext(ctx, obs.ID, obs.ID, string(obs.Payload)); err != nil {
			return fmt.Errorf("failed to insert show %d: %w", obs.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// stage collapses a batch to one observation per id, last write wins,
// returned in ascending id order so absorption is deterministic.
func stage(batch []Observation) []Observation {
	byID := make(map[int64]Observation, len(batch))
	for _, obs := range batch {
		byID[obs.ID] = obs
	}

	staged := make([]Observation, 0, len(byID))
	for _, obs := range byID {
		staged = append(staged, obs)
	}
	sort.Slice(staged, func(i, j int) bool { return staged[i].ID < staged[j].ID })
	return staged
}

// Latest returns the current version of every show, ordered by id.
func (s *Store) Latest(ctx context.Context) ([]Observation, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, payload FROM %s WHERE is_latest ORDER BY id`, RawTable))
	if err != nil {
		return nil, fmt.Errorf("failed to query latest shows: %w", err)
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var obs Observation
		var payload string
		if err := rows.Scan(&obs.ID, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan latest row: %w", err)
		}
		obs.Payload = []byte(payload)
		out = append(out, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed reading latest rows: %w", err)
	}
	return out, nil
}

// History returns every stored version of one show, oldest first.
func (s *Store) History(ctx context.Context, id int64) ([]VersionedRow, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, version, is_latest, payload FROM %s WHERE id = ? ORDER BY version`, RawTable), id)
	if err != nil {
		return nil, fmt.Errorf("failed to query history for %d: %w", id, err)
	}
	defer rows.Close()

	var out []VersionedRow
	for rows.Next() {
		var row VersionedRow
		var payload string
		if err := rows.Scan(&row.ID, &row.Version, &row.IsLatest, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		row.Payload = []byte(payload)
		out = append(out, row)
	}
	return out, rows.Err()
}

// CountRows returns the total number of history rows.
func (s *Store) CountRows(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, RawTable)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count raw rows: %w", err)
	}
	return n, nil
}
