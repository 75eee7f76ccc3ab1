package rawstore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

// openLegacyStore creates a catalog whose raw table predates the
// versioning columns, as written by the first revision of the pipeline.
func openLegacyStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "legacy.duckdb"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	_, err = s.db.Exec(fmt.Sprintf(`
		CREATE TABLE %s (
			id BIGINT NOT NULL,
			payload VARCHAR NOT NULL,
			ingested_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`, RawTable))
	if err != nil {
		t.Fatalf("failed to create legacy table: %v", err)
	}
	_, err = s.db.Exec(fmt.Sprintf(
		`INSERT INTO %s (id, payload) VALUES (1, '{"id":1}'), (2, '{"id":2}')`, RawTable))
	if err != nil {
		t.Fatalf("failed to seed legacy rows: %v", err)
	}
	return s
}

// dump renders the whole raw table deterministically for comparison.
func dump(t *testing.T, s *Store) string {
	t.Helper()
	rows, err := s.db.Query(fmt.Sprintf(
		`SELECT id, version, is_latest, payload FROM %s ORDER BY id, version`, RawTable))
	if err != nil {
		t.Fatalf("dump query failed: %v", err)
	}
	defer rows.Close()

	var out string
	for rows.Next() {
		var id int64
		var version int
		var isLatest bool
		var payload string
		if err := rows.Scan(&id, &version, &isLatest, &payload); err != nil {
			t.Fatalf("dump scan failed: %v", err)
		}
		out += fmt.Sprintf("%d|%d|%t|%s\n", id, version, isLatest, payload)
	}
	return out
}

func TestMigration_LegacyTableGainsVersioning(t *testing.T) {
	s := openLegacyStore(t)
	ctx := context.Background()

	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}

	for _, id := range []int64{1, 2} {
		history, err := s.History(ctx, id)
		if err != nil {
			t.Fatalf("History(%d) failed: %v", id, err)
		}
		if len(history) != 1 {
			t.Fatalf("id %d: expected 1 row after migration, got %d", id, len(history))
		}
		if history[0].Version != 1 {
			t.Errorf("id %d: expected backfilled version 1, got %d", id, history[0].Version)
		}
		if !history[0].IsLatest {
			t.Errorf("id %d: expected migrated row to be marked latest", id)
		}
	}
}

func TestMigration_DuplicateLegacyRowsKeepSingleLatest(t *testing.T) {
	s := openLegacyStore(t)
	ctx := context.Background()

	// The first pipeline revision could append the same show twice;
	// both rows backfill to version 1 during migration.
	_, err := s.db.Exec(fmt.Sprintf(
		`INSERT INTO %s (id, payload) VALUES (3, '{"id":3,"take":"first"}'), (3, '{"id":3,"take":"second"}')`, RawTable))
	if err != nil {
		t.Fatalf("failed to seed duplicate legacy rows: %v", err)
	}

	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}

	history, err := s.History(ctx, 3)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected both duplicate rows to survive migration, got %d", len(history))
	}

	latest := 0
	var latestPayload string
	for _, row := range history {
		if row.IsLatest {
			latest++
			latestPayload = string(row.Payload)
		}
	}
	if latest != 1 {
		t.Fatalf("expected exactly 1 latest row for duplicated id, got %d", latest)
	}
	if !strings.Contains(latestPayload, "second") {
		t.Errorf("expected the later row to win the tie, got %s", latestPayload)
	}
}

func TestMigration_IsIdempotent(t *testing.T) {
	s := openLegacyStore(t)
	ctx := context.Background()

	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("first EnsureSchema failed: %v", err)
	}
	once := dump(t, s)

	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("second EnsureSchema failed: %v", err)
	}
	twice := dump(t, s)

	if once != twice {
		t.Errorf("migration is not idempotent:\nafter once:\n%s\nafter twice:\n%s", once, twice)
	}
}

func TestMigration_AbsorbContinuesVersioningAfterUpgrade(t *testing.T) {
	s := openLegacyStore(t)
	ctx := context.Background()

	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	if err := s.Absorb(ctx, []Observation{obs(1, `{"id":1,"v":"new"}`)}); err != nil {
		t.Fatalf("Absorb failed: %v", err)
	}

	history, err := s.History(ctx, 1)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 versions after post-migration absorb, got %d", len(history))
	}
	if history[1].Version != 2 || !history[1].IsLatest {
		t.Errorf("expected version 2 latest, got version %d latest=%t", history[1].Version, history[1].IsLatest)
	}
	if history[0].IsLatest {
		t.Errorf("migrated version 1 should have been superseded")
	}
}
