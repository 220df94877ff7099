package deadletter

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteStoreRecordsAndListsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "state", "dead_letters.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, id := range []string{"job-1", "job-2"} {
		err := store.Record(ctx, Letter{
			JobID:      id,
			Digest:     "abc",
			Attempts:   6,
			Error:      "hsm offline",
			EnqueuedAt: base,
			FailedAt:   base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	letters, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(letters) != 2 {
		t.Fatalf("expected 2 letters, got %d", len(letters))
	}
	if letters[0].JobID != "job-2" || letters[1].JobID != "job-1" {
		t.Fatalf("expected newest first, got %s, %s", letters[0].JobID, letters[1].JobID)
	}
	if !letters[1].FailedAt.Equal(base) || letters[1].Attempts != 6 {
		t.Fatalf("unexpected letter: %+v", letters[1])
	}
}
