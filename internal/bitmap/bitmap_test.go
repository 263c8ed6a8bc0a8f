package bitmap

import "testing"

func TestRangeToPieces(t *testing.T) {
	tests := []struct {
		name              string
		pieceLength       int64
		start, stop       int64
		first, lastExcl   int
	}{
		{"single piece", 1024, 0, 100, 0, 1},
		{"spans two pieces", 1024, 1000, 1100, 0, 2},
		{"exact piece boundary", 1024, 1024, 2048, 1, 2},
		{"empty range", 1024, 500, 500, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, lastExcl := RangeToPieces(tt.pieceLength, tt.start, tt.stop)
			if first != tt.first || lastExcl != tt.lastExcl {
				t.Errorf("RangeToPieces() = (%d, %d), want (%d, %d)", first, lastExcl, tt.first, tt.lastExcl)
			}
		})
	}
}

func TestEnumeratePiecewise(t *testing.T) {
	var got []Range
	EnumeratePiecewise(1024, 500, 2500, func(r Range) bool {
		got = append(got, r)
		return true
	})

	want := []Range{
		{Piece: 0, Start: 500, Stop: 1024},
		{Piece: 1, Start: 0, Stop: 1024},
		{Piece: 2, Start: 0, Stop: 452},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d ranges, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("range[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestEnumeratePiecewiseStopsEarly(t *testing.T) {
	count := 0
	EnumeratePiecewise(1024, 0, 4096, func(r Range) bool {
		count++
		return count < 2
	})
	if count != 2 {
		t.Errorf("visit called %d times, want 2 (stopped after second call)", count)
	}
}

func TestEnumeratePiecewiseEmptyRange(t *testing.T) {
	called := false
	EnumeratePiecewise(1024, 100, 100, func(r Range) bool {
		called = true
		return true
	})
	if called {
		t.Error("visit should not be called for an empty range")
	}
}

func TestBitmapSetGetClear(t *testing.T) {
	b := New(17)
	if b.Len() != 17 {
		t.Errorf("Len() = %d, want 17", b.Len())
	}
	for i := 0; i < 17; i++ {
		if b.Get(i) {
			t.Errorf("piece %d should start clear", i)
		}
	}

	b.Set(0)
	b.Set(16)
	b.Set(9)
	if !b.Get(0) || !b.Get(16) || !b.Get(9) {
		t.Error("set pieces should read back as present")
	}
	if b.Get(1) || b.Get(15) {
		t.Error("unset pieces should read back as absent")
	}

	b.Clear(9)
	if b.Get(9) {
		t.Error("cleared piece should read back as absent")
	}
}

func TestBitmapOutOfRange(t *testing.T) {
	b := New(8)
	b.Set(-1)
	b.Set(100)
	if b.Get(-1) || b.Get(100) {
		t.Error("out-of-range Get should always return false")
	}
	// Clear on out-of-range indices must not panic.
	b.Clear(-1)
	b.Clear(100)
}

func TestBitmapCoversRange(t *testing.T) {
	b := New(5)
	b.Set(1)
	b.Set(2)
	b.Set(3)
	if !b.CoversRange(1, 4) {
		t.Error("CoversRange(1,4) should be true when pieces 1,2,3 are all set")
	}
	if b.CoversRange(0, 4) {
		t.Error("CoversRange(0,4) should be false because piece 0 is unset")
	}
}

func TestBitmapIter(t *testing.T) {
	b := New(10)
	b.Set(2)
	b.Set(5)
	b.Set(8)

	var got []int
	b.Iter(0, 10, func(i int) { got = append(got, i) })
	want := []int{2, 5, 8}
	if len(got) != len(want) {
		t.Fatalf("Iter visited %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestBitmapIterClampsStop(t *testing.T) {
	b := New(4)
	b.Set(3)
	var got []int
	b.Iter(0, 1000, func(i int) { got = append(got, i) })
	if len(got) != 1 || got[0] != 3 {
		t.Errorf("Iter(0,1000) on a 4-piece bitmap = %v, want [3]", got)
	}
}
