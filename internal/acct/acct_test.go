package acct

import (
	"testing"

	"github.com/dgraph-io/badger/v3"

	"github.com/privatevod/tvafengine/internal/infohash"
)

func newTestGenerationCache(t *testing.T) *generationCache {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir()).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("badger.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &generationCache{db: db, present: make(map[infohash.T]bool)}
}

func testHash(b byte) infohash.T {
	var h infohash.T
	h[0] = b
	return h
}

func TestGenerationCacheCurrentDefaultsToZero(t *testing.T) {
	g := newTestGenerationCache(t)
	if got := g.current(testHash(1)); got != 0 {
		t.Errorf("current() on an unseen infohash = %d, want 0", got)
	}
}

func TestGenerationCacheSetAndGet(t *testing.T) {
	g := newTestGenerationCache(t)
	ih := testHash(2)
	g.setGeneration(ih, 5)
	if got := g.current(ih); got != 5 {
		t.Errorf("current() = %d, want 5", got)
	}
}

func TestGenerationCacheSnapshotBumpsOnAbsentToPresent(t *testing.T) {
	g := newTestGenerationCache(t)
	ih := testHash(3)

	bumped, gen := g.snapshot(ih, true)
	if !bumped {
		t.Fatal("first snapshot(present=true) should bump")
	}
	if gen != 1 {
		t.Errorf("generation = %d, want 1", gen)
	}
}

func TestGenerationCacheSnapshotNoBumpWhileStillPresent(t *testing.T) {
	g := newTestGenerationCache(t)
	ih := testHash(4)

	g.snapshot(ih, true)
	bumped, gen := g.snapshot(ih, true)
	if bumped {
		t.Error("snapshot(present=true) twice in a row should not bump again")
	}
	if gen != 1 {
		t.Errorf("generation = %d, want 1 (unchanged)", gen)
	}
}

func TestGenerationCacheSnapshotBumpsAgainAfterAbsence(t *testing.T) {
	g := newTestGenerationCache(t)
	ih := testHash(5)

	g.snapshot(ih, true)       // absent -> present, gen 1
	g.snapshot(ih, false)      // present -> absent, no bump
	bumped, gen := g.snapshot(ih, true) // absent -> present again, gen 2
	if !bumped {
		t.Fatal("re-appearing after absence should bump again")
	}
	if gen != 2 {
		t.Errorf("generation = %d, want 2", gen)
	}
}

func TestGenerationCacheSnapshotNoBumpWhenNeverPresent(t *testing.T) {
	g := newTestGenerationCache(t)
	ih := testHash(6)

	bumped, gen := g.snapshot(ih, false)
	if bumped {
		t.Error("snapshot(present=false) on a never-seen infohash should not bump")
	}
	if gen != 0 {
		t.Errorf("generation = %d, want 0", gen)
	}
}

func TestQuoteIdent(t *testing.T) {
	if got := quoteIdent("user"); got != `"user"` {
		t.Errorf("quoteIdent(%q) = %q, want %q", "user", got, `"user"`)
	}
}

func TestGroupableColumnsAllowlist(t *testing.T) {
	for _, want := range []string{"user", "tracker", "infohash", "generation"} {
		if _, ok := groupableColumns[want]; !ok {
			t.Errorf("groupableColumns missing %q", want)
		}
	}
	for _, bad := range []string{"num_bytes", "atime", "'; drop table acct; --"} {
		if _, ok := groupableColumns[bad]; ok {
			t.Errorf("groupableColumns unexpectedly allows %q", bad)
		}
	}
}
