package reqengine

import (
	"testing"
	"time"

	"github.com/privatevod/tvafengine/internal/infohash"
)

func newTestRequest(mode Mode, start, stop int64, priority int) *Request {
	return newRequest(Params{
		InfoHash: infohash.T{},
		Start:    start,
		Stop:     stop,
		Mode:     mode,
		Priority: priority,
	})
}

func TestComputeWantedPrioritiesBaseline(t *testing.T) {
	want := computeWantedPriorities(1024, nil, nil)
	if len(want) != 0 {
		t.Errorf("len(want) = %d, want 0", len(want))
	}
}

func TestComputeWantedPrioritiesFill(t *testing.T) {
	r := newTestRequest(ModeFill, 0, 1024, DefaultPriority)
	want := computeWantedPriorities(1024, []*Request{r}, nil)
	w, ok := want[0]
	if !ok {
		t.Fatal("piece 0 not wanted")
	}
	if w.priority != 1 {
		t.Errorf("priority = %d, want 1", w.priority)
	}
}

func TestComputeWantedPrioritiesRead(t *testing.T) {
	r := newTestRequest(ModeRead, 0, 3*1024, DefaultPriority)
	want := computeWantedPriorities(1024, []*Request{r}, nil)
	for i := 0; i < 3; i++ {
		w, ok := want[i]
		if !ok {
			t.Fatalf("piece %d not wanted", i)
		}
		if w.priority != 7 {
			t.Errorf("piece %d priority = %d, want 7", i, w.priority)
		}
		if w.seq != i {
			t.Errorf("piece %d seq = %d, want %d", i, w.seq, i)
		}
	}
}

func TestComputeWantedPrioritiesReadaheadOffsetByReadBase(t *testing.T) {
	read := newTestRequest(ModeRead, 0, 2*1024, DefaultPriority)
	readahead := newTestRequest(ModeReadahead, 2*1024, 4*1024, DefaultPriority)
	want := computeWantedPriorities(1024, []*Request{read, readahead}, nil)

	if w := want[0]; w.seq != 0 {
		t.Errorf("read piece 0 seq = %d, want 0", w.seq)
	}
	if w := want[1]; w.seq != 1 {
		t.Errorf("read piece 1 seq = %d, want 1", w.seq)
	}
	// readaheadBase is 2 (max position+1 across READ requests).
	if w := want[2]; w.seq != 2 {
		t.Errorf("readahead piece 2 seq = %d, want 2", w.seq)
	}
	if w := want[3]; w.seq != 3 {
		t.Errorf("readahead piece 3 seq = %d, want 3", w.seq)
	}
}

func TestComputeWantedPrioritiesReadOverridesFill(t *testing.T) {
	fill := newTestRequest(ModeFill, 0, 1024, DefaultPriority)
	read := newTestRequest(ModeRead, 0, 1024, DefaultPriority)
	want := computeWantedPriorities(1024, []*Request{fill, read}, nil)
	if w := want[0]; w.priority != 7 {
		t.Errorf("priority = %d, want 7 (READ should win over FILL)", w.priority)
	}
}

func TestComputeWantedPrioritiesDeactivatedIgnored(t *testing.T) {
	r := newTestRequest(ModeRead, 0, 1024, DefaultPriority)
	r.deactivate()
	want := computeWantedPriorities(1024, []*Request{r}, nil)
	if len(want) != 0 {
		t.Errorf("deactivated request should not contribute priorities, got %v", want)
	}
}

func TestComputeWantedPrioritiesAlertWhenAvailable(t *testing.T) {
	r := newTestRequest(ModeRead, 0, 1024, DefaultPriority)
	readerPieces := map[int]struct{}{0: {}}
	want := computeWantedPriorities(1024, []*Request{r}, readerPieces)
	if !want[0].alertWhenAvailable {
		t.Error("piece covered by an active READ request's reader should set alertWhenAvailable")
	}
}

func TestKeyForOrdering(t *testing.T) {
	older := newTestRequest(ModeRead, 0, 1024, DefaultPriority)
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := newTestRequest(ModeRead, 0, 1024, DefaultPriority)

	ka, kb := keyFor(older), keyFor(newer)
	// Newer requests sort before older ones (negCreated ascending => more
	// negative, i.e. more recent, first).
	if !lessKey(kb, ka) {
		t.Error("newer request should sort before older request")
	}
}

func TestLessKeyModePrecedence(t *testing.T) {
	read := newTestRequest(ModeRead, 0, 1024, DefaultPriority)
	fill := newTestRequest(ModeFill, 0, 1024, DefaultPriority)
	read.CreatedAt = fill.CreatedAt

	kr, kf := keyFor(read), keyFor(fill)
	if !lessKey(kr, kf) {
		t.Error("READ should sort before FILL regardless of creation time")
	}
}

func TestLessKeyActiveBeforeDeactivated(t *testing.T) {
	active := newTestRequest(ModeFill, 0, 1024, DefaultPriority)
	deactivated := newTestRequest(ModeRead, 0, 1024, DefaultPriority)
	deactivated.deactivate()

	ka, kd := keyFor(active), keyFor(deactivated)
	if !lessKey(ka, kd) {
		t.Error("an active request should sort before a deactivated one even with a lower-precedence mode")
	}
}

func TestPickBlamedNoCandidates(t *testing.T) {
	r := newTestRequest(ModeRead, 0, 1024, DefaultPriority)
	if got := pickBlamed([]*Request{r}, 1024, 5); got != nil {
		t.Errorf("pickBlamed() = %v, want nil", got)
	}
}

func TestPickBlamedPicksHigherPriority(t *testing.T) {
	low := newTestRequest(ModeFill, 0, 1024, 1)
	high := newTestRequest(ModeFill, 0, 1024, 100)
	got := pickBlamed([]*Request{low, high}, 1024, 0)
	if got != high {
		t.Error("pickBlamed should prefer the higher-priority request")
	}
}

func TestShuffleOrderIsPermutation(t *testing.T) {
	n := 10
	order := shuffleOrder(n)
	if len(order) != n {
		t.Fatalf("len(order) = %d, want %d", len(order), n)
	}
	seen := make(map[int]bool, n)
	for _, i := range order {
		if i < 0 || i >= n {
			t.Fatalf("index %d out of range [0,%d)", i, n)
		}
		if seen[i] {
			t.Fatalf("index %d appears more than once", i)
		}
		seen[i] = true
	}
}
