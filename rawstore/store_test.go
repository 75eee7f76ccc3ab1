package rawstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "catalog.duckdb"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	return s
}

func obs(id int64, doc string) Observation {
	return Observation{ID: id, Payload: []byte(doc)}
}

func TestAbsorb_FirstBatchStartsAtVersionOne(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Absorb(ctx, []Observation{obs(1, `{"id":1}`), obs(2, `{"id":2}`)}); err != nil {
		t.Fatalf("Absorb failed: %v", err)
	}

	for _, id := range []int64{1, 2} {
		history, err := s.History(ctx, id)
		if err != nil {
			t.Fatalf("History(%d) failed: %v", id, err)
		}
		if len(history) != 1 {
			t.Fatalf("expected 1 row for id %d, got %d", id, len(history))
		}
		if history[0].Version != 1 {
			t.Errorf("expected version 1 for id %d, got %d", id, history[0].Version)
		}
		if !history[0].IsLatest {
			t.Errorf("expected id %d version 1 to be latest", id)
		}
	}
}

func TestAbsorb_VersionsAreMonotonicWithoutGaps(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// id 1 appears in 4 batches, so it must end at version 4.
	for i := 0; i < 4; i++ {
		doc := fmt.Sprintf(`{"id":1,"observation":%d}`, i)
		if err := s.Absorb(ctx, []Observation{obs(1, doc)}); err != nil {
			t.Fatalf("Absorb %d failed: %v", i, err)
		}
	}

	history, err := s.History(ctx, 1)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("expected 4 versions, got %d", len(history))
	}

	latestCount := 0
	for i, row := range history {
		if row.Version != i+1 {
			t.Errorf("expected version %d at position %d, got %d", i+1, i, row.Version)
		}
		if row.IsLatest {
			latestCount++
			if row.Version != 4 {
				t.Errorf("latest marker on version %d, want 4", row.Version)
			}
		}
	}
	if latestCount != 1 {
		t.Errorf("expected exactly 1 latest row, got %d", latestCount)
	}
}

func TestAbsorb_SubsetBatchLeavesOthersUntouched(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Absorb(ctx, []Observation{obs(1, `{"id":1,"v":"a"}`), obs(2, `{"id":2,"v":"a"}`)}); err != nil {
		t.Fatalf("first Absorb failed: %v", err)
	}
	// Second batch only re-observes id 2.
	if err := s.Absorb(ctx, []Observation{obs(2, `{"id":2,"v":"b"}`)}); err != nil {
		t.Fatalf("second Absorb failed: %v", err)
	}

	latest, err := s.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("expected 2 latest shows, got %d", len(latest))
	}
	if string(latest[0].Payload) != `{"id":1,"v":"a"}` {
		t.Errorf("id 1 latest payload changed: %s", latest[0].Payload)
	}
	if string(latest[1].Payload) != `{"id":2,"v":"b"}` {
		t.Errorf("id 2 latest payload not superseded: %s", latest[1].Payload)
	}

	history1, _ := s.History(ctx, 1)
	if len(history1) != 1 || history1[0].Version != 1 || !history1[0].IsLatest {
		t.Errorf("id 1 history disturbed by subset batch: %+v", history1)
	}
}

func TestAbsorb_DuplicateIDsInBatchLastWriteWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	batch := []Observation{
		obs(7, `{"id":7,"take":"first"}`),
		obs(7, `{"id":7,"take":"second"}`),
	}
	if err := s.Absorb(ctx, batch); err != nil {
		t.Fatalf("Absorb failed: %v", err)
	}

	history, err := s.History(ctx, 7)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected duplicate ids to collapse to 1 row, got %d", len(history))
	}
	if !strings.Contains(string(history[0].Payload), "second") {
		t.Errorf("expected last write to win, got %s", history[0].Payload)
	}
}

func TestAbsorb_EmptyBatchIsNoOp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Absorb(ctx, nil); err != nil {
		t.Fatalf("Absorb(nil) failed: %v", err)
	}
	n, err := s.CountRows(ctx)
	if err != nil {
		t.Fatalf("CountRows failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected empty store, got %d rows", n)
	}
}

func TestIsLockError(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"IO Error: Could not set lock on file \"/data/catalog.duckdb\"", true},
		{"Conflicting lock is held in PID 4242", true},
		{"Catalog Error: Table with name raw_shows does not exist", false},
		{"IO Error: No space left on device", false},
	}
	for _, tc := range cases {
		if got := isLockError(errors.New(tc.msg)); got != tc.want {
			t.Errorf("isLockError(%q) = %v, want %v", tc.msg, got, tc.want)
		}
	}
}

func TestAbsorb_VersionInvariantAcrossInterleavedBatches(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	batches := [][]Observation{
		{obs(1, `{"id":1}`), obs(2, `{"id":2}`), obs(3, `{"id":3}`)},
		{obs(2, `{"id":2}`)},
		{obs(1, `{"id":1}`), obs(3, `{"id":3}`)},
		{obs(2, `{"id":2}`), obs(4, `{"id":4}`)},
	}
	appearances := map[int64]int{1: 2, 2: 3, 3: 2, 4: 1}

	for i, b := range batches {
		if err := s.Absorb(ctx, b); err != nil {
			t.Fatalf("Absorb batch %d failed: %v", i, err)
		}
	}

	for id, want := range appearances {
		history, err := s.History(ctx, id)
		if err != nil {
			t.Fatalf("History(%d) failed: %v", id, err)
		}
		if len(history) != want {
			t.Errorf("id %d: expected %d versions, got %d", id, want, len(history))
		}

		latest := 0
		for _, row := range history {
			if row.IsLatest {
				latest++
				if row.Version != want {
					t.Errorf("id %d: latest marker on version %d, want %d", id, row.Version, want)
				}
			}
		}
		if latest != 1 {
			t.Errorf("id %d: expected exactly 1 latest row, got %d", id, latest)
		}
	}
}
