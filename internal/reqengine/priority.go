package reqengine

import (
	"math/rand"
	"sort"
)

// DeadlineGapMS is the millisecond gap between successive deadline
// sequence numbers, per spec.md §4.4.3.
const DeadlineGapMS = 10000

// pieceWant is the computed (priority, seq, alertWhenAvailable) for one
// piece before it's applied to the engine handle.
type pieceWant struct {
	priority           int
	seq                int
	alertWhenAvailable bool
}

// computeWantedPriorities implements the exact rule ordering from
// spec.md §4.4.3: baseline 0, FILL raises to 1, READ sets 7 with
// seq=min(position), READAHEAD sets 7 with seq=readaheadBase+position,
// and pieces covered by an active READ request's piece_to_readers get
// alert_when_available.
func computeWantedPriorities(pieceLength int64, requests []*Request, readerPieces map[int]struct{}) map[int]pieceWant {
	want := make(map[int]pieceWant)

	// FILL first (lowest precedence among the non-baseline rules).
	for _, r := range requests {
		if r.Mode != ModeFill || r.isDeactivated() {
			continue
		}
		for _, p := range r.coveredPieces(pieceLength) {
			if w, ok := want[p]; !ok || w.priority < 1 {
				want[p] = pieceWant{priority: 1}
			}
		}
	}

	readaheadBase := 0

	// READ: interleave position-in-request as seq, tracking the max
	// position+1 across all READ requests as the READAHEAD base.
	for _, r := range requests {
		if r.Mode != ModeRead || r.isDeactivated() {
			continue
		}
		for pos, p := range r.coveredPieces(pieceLength) {
			w, ok := want[p]
			if !ok || w.priority != 7 || pos < w.seq {
				w = pieceWant{priority: 7, seq: pos}
			}
			want[p] = w
			if pos+1 > readaheadBase {
				readaheadBase = pos + 1
			}
		}
	}

	// READAHEAD: same shape, offset by readaheadBase, never sets
	// alert_when_available.
	for _, r := range requests {
		if r.Mode != ModeReadahead || r.isDeactivated() {
			continue
		}
		for pos, p := range r.coveredPieces(pieceLength) {
			seq := readaheadBase + pos
			w, ok := want[p]
			if !ok || w.priority != 7 || seq < w.seq {
				if w.priority == 7 {
					w.seq = min(w.seq, seq)
				} else {
					w = pieceWant{priority: 7, seq: seq}
				}
			}
			want[p] = w
		}
	}

	for p := range readerPieces {
		if w, ok := want[p]; ok && w.priority == 7 {
			w.alertWhenAvailable = true
			want[p] = w
		}
	}

	return want
}

// reqKey is the exact tie-break used to pick a blamed request for
// accounting (spec.md §4.4.4); deadline re-issues within sync() are ordered
// by shuffleOrder instead. Sorted ascending, the key
// prefers: still-active over deactivated, READ over READAHEAD over FILL,
// higher priority, newer requests, and finally a random tiebreak so no
// request is starved by creation order alone.
type reqKey struct {
	notActive   bool // false (active) sorts before true
	notRead     bool
	notReadahead bool
	notFill     bool
	negPriority int
	negCreated  int64
	rand        float64
	req         *Request
}

func keyFor(r *Request) reqKey {
	return reqKey{
		notActive:    r.isDeactivated(),
		notRead:      r.Mode != ModeRead,
		notReadahead: r.Mode != ModeReadahead,
		notFill:      r.Mode != ModeFill,
		negPriority:  -r.Priority,
		negCreated:   -r.CreatedAt.UnixNano(),
		rand:         rand.Float64(),
		req:          r,
	}
}

func lessKey(a, b reqKey) bool {
	if a.notActive != b.notActive {
		return !a.notActive
	}
	if a.notRead != b.notRead {
		return !a.notRead
	}
	if a.notReadahead != b.notReadahead {
		return !a.notReadahead
	}
	if a.notFill != b.notFill {
		return !a.notFill
	}
	if a.negPriority != b.negPriority {
		return a.negPriority < b.negPriority
	}
	if a.negCreated != b.negCreated {
		return a.negCreated < b.negCreated
	}
	return a.rand < b.rand
}

// pickBlamed returns the request most likely to have caused piece p's
// completion, per spec.md §4.4.4's tie-break, or nil if none intersect p.
func pickBlamed(requests []*Request, pieceLength int64, piece int) *Request {
	var candidates []*Request
	for _, r := range requests {
		for _, p := range r.coveredPieces(pieceLength) {
			if p == piece {
				candidates = append(candidates, r)
				break
			}
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	keys := make([]reqKey, len(candidates))
	for i, r := range candidates {
		keys[i] = keyFor(r)
	}
	sort.Slice(keys, func(i, j int) bool { return lessKey(keys[i], keys[j]) })
	return keys[0].req
}

// shuffleOrder returns indices [0,n) in a random permutation, used to apply
// deadline updates in randomized order among equal seqs so no piece is
// systematically favored.
func shuffleOrder(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	rand.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	return order
}
