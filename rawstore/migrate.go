package rawstore

import (
	"context"
	"database/sql"
	"fmt"
)

// EnsureSchema brings the raw history table to the current shape.
//
// Three cases:
//   - table missing: created with versioning columns, nothing to migrate;
//   - table present but created before versioning existed: migrated in
//     place (add version, add is_latest, recompute latest markers);
//   - table current: no-op.
//
// Each step is guarded by a column-existence check, so running the
// migration twice leaves the catalog byte-for-byte unchanged.
func (s *Store) EnsureSchema(ctx context.Context) error {
	exists, err := s.tableExists(ctx, RawTable)
	if err != nil {
		return err
	}

	if !exists {
		_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
			CREATE TABLE %s (
				id BIGINT NOT NULL,
				version INTEGER NOT NULL,
				is_latest BOOLEAN NOT NULL,
				payload VARCHAR NOT NULL,
				ingested_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)
		`, RawTable))
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", RawTable, err)
		}
		return nil
	}

	return s.migrateLegacy(ctx)
}

// migrateLegacy upgrades a pre-versioning raw table in place. The
// whole upgrade runs in one transaction: a half-migrated table would be
// worse than a legacy one.
func (s *Store) migrateLegacy(ctx context.Context) error {
	hasVersion, err := s.columnExists(ctx, RawTable, "version")
	if err != nil {
		return err
	}
	hasLatest, err := s.columnExists(ctx, RawTable, "is_latest")
	if err != nil {
		return err
	}
	if hasVersion && hasLatest {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	defer tx.Rollback()

	if !hasVersion {
		// DEFAULT 1 backfills every pre-existing row.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`ALTER TABLE %s ADD COLUMN version INTEGER DEFAULT 1`, RawTable)); err != nil {
			return fmt.Errorf("failed to add version column: %w", err)
		}
	}

	if !hasLatest {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`ALTER TABLE %s ADD COLUMN is_latest BOOLEAN DEFAULT FALSE`, RawTable)); err != nil {
			return fmt.Errorf("failed to add is_latest column: %w", err)
		}
	}

	// Recompute latest markers: per id, the max-version row wins. A
	// legacy table can hold several rows for one id that all backfill
	// to version 1; the physical rowid breaks the tie so exactly one
	// row per id ends up marked latest.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET is_latest = (%s.rowid = w.latest_rowid)
		FROM (
			SELECT t.id, MAX(t.rowid) AS latest_rowid
			FROM %s t
			JOIN (SELECT id, MAX(version) AS max_version FROM %s GROUP BY id) m
				ON t.id = m.id AND t.version = m.max_version
			GROUP BY t.id
		) w
		WHERE %s.id = w.id
	`, RawTable, RawTable, RawTable, RawTable, RawTable)); err != nil {
		return fmt.Errorf("failed to recompute latest markers: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

func (s *Store) tableExists(ctx context.Context, table string) (bool, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_name = ?
	`, table).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check for table %s: %w", table, err)
	}
	return true, nil
}

func (s *Store) columnExists(ctx context.Context, table, column string) (bool, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_name = ? AND column_name = ?
	`, table, column).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check for column %s.%s: %w", table, column, err)
	}
	return true, nil
}
