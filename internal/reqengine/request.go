// Package reqengine implements C4, the heart of the system: per active
// infohash it maintains the set of outstanding byte-range requests,
// computes piece priorities and read-deadlines, feeds piece data back to
// readers, adds/removes torrents on demand, and gracefully removes
// torrents that have no data and no requests.
//
// Grounded file-for-file on _examples/original_source/tvaf/io.py's
// _Torrent/Request classes (the _sync() five-step reconciliation,
// _update_priorities, _keep, _req_key, the bug-4604 workaround, graceful
// pause-before-delete) and on the teacher's internal/streaming/prioritizer.go
// for the Go piece-priority-mutation idiom, reworked against engine.Handle
// instead of a raw *torrent.Torrent.
package reqengine

import (
	"sync"
	"time"

	"github.com/privatevod/tvafengine/internal/engine"
	"github.com/privatevod/tvafengine/internal/infohash"
	"github.com/privatevod/tvafengine/internal/reqerr"
)

// Mode is a request's priority class, per spec.md §3/§4.4.3.
type Mode int

const (
	ModeRead Mode = iota
	ModeReadahead
	ModeFill
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeReadahead:
		return "readahead"
	case ModeFill:
		return "fill"
	default:
		return "unknown"
	}
}

// DefaultPriority is the default value of Request.Priority.
const DefaultPriority = 1000

// Chunk is one delivered byte range, keyed by its absolute offset within
// the torrent's linear data view. Chunks are not necessarily
// offset-monotonic within a request's queue; the reader reassembles.
type Chunk struct {
	Offset int64
	Data   []byte
}

// Params is the caller-supplied description of a new request, per
// spec.md §4.4.1 add_request(params).
type Params struct {
	InfoHash     infohash.T
	Start, Stop  int64
	Mode         Mode
	User         string
	Tracker      string
	ConfigureATP func(*engine.AddTorrentDescriptor)
	Priority     int // 0 means DefaultPriority
}

// Request is C4's unit of demand. Identity fields are immutable after
// creation; mutable state is guarded by mu.
type Request struct {
	// Identity fields.
	InfoHash     infohash.T
	Start, Stop  int64
	Mode         Mode
	User         string
	Tracker      string
	ConfigureATP func(*engine.AddTorrentDescriptor)
	Priority     int
	CreatedAt    time.Time

	mu            sync.Mutex
	deactivatedAt *time.Time
	exception     error
	readCursor    int64
	queue         []Chunk
	haveSet       map[int]struct{}

	wake chan struct{} // closed+replaced each time new data/an error arrives

	entry *torrentEntry // owner, set once by the entry that holds this request
}

func newRequest(p Params) *Request {
	pr := p.Priority
	if pr == 0 {
		pr = DefaultPriority
	}
	return &Request{
		InfoHash:     p.InfoHash,
		Start:        p.Start,
		Stop:         p.Stop,
		Mode:         p.Mode,
		User:         p.User,
		Tracker:      p.Tracker,
		ConfigureATP: p.ConfigureATP,
		Priority:     pr,
		CreatedAt:    time.Now(),
		readCursor:   p.Start,
		haveSet:      make(map[int]struct{}),
		wake:         make(chan struct{}),
	}
}

// IsActive reports whether the request is still being served.
func (r *Request) IsActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deactivatedAt == nil
}

// Err returns the terminal error attached to this request, if any.
func (r *Request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exception
}

// ReadCursor returns the current read cursor.
func (r *Request) ReadCursor() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readCursor
}

func (r *Request) setException(err error) {
	r.mu.Lock()
	if r.exception == nil {
		r.exception = err
	}
	r.mu.Unlock()
	r.wakeLocked()
}

func (r *Request) wakeLocked() {
	r.mu.Lock()
	close(r.wake)
	r.wake = make(chan struct{})
	r.mu.Unlock()
}

func (r *Request) waitChan() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.wake
}

// Cancel sets a terminal Cancelled exception, deactivates the request and
// wakes any consumer. The request is removed from its entry on the next
// sync().
func (r *Request) Cancel() {
	r.deactivate()
	r.setException(reqerr.Cancelled)
	if e := r.ownerEntry(); e != nil {
		e.touchSync()
	}
}

func (r *Request) ownerEntry() *torrentEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entry
}

// coveredPieces returns the sequential list of piece indices this request
// spans, given a piece length.
func (r *Request) coveredPieces(pieceLength int64) []int {
	if pieceLength <= 0 {
		return nil
	}
	first := int(r.Start / pieceLength)
	var last int
	if r.Stop <= r.Start {
		last = first
	} else {
		last = int((r.Stop - 1) / pieceLength)
	}
	out := make([]int, 0, last-first+1)
	for p := first; p <= last; p++ {
		out = append(out, p)
	}
	return out
}

// Dequeue drains chunks at or ahead of the read cursor, advancing it, up to
// n bytes total, for the Buffered Reader's read()/read1() use.
func (r *Request) Dequeue(maxBytes int) ([]Chunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.exception != nil {
		return nil, r.exception
	}

	var out []Chunk
	total := 0
	remaining := r.queue[:0:0]
	for _, c := range r.queue {
		if total >= maxBytes {
			remaining = append(remaining, c)
			continue
		}
		out = append(out, c)
		total += len(c.Data)
		if c.Offset+int64(len(c.Data)) > r.readCursor {
			r.readCursor = c.Offset + int64(len(c.Data))
		}
	}
	r.queue = remaining
	return out, nil
}

// Wait blocks until either new data/an error is available or ctx-style
// timeout elapses (timeout<=0 means block forever).
func (r *Request) Wait(timeout time.Duration) {
	ch := r.waitChan()
	if timeout <= 0 {
		<-ch
		return
	}
	select {
	case <-ch:
	case <-time.After(timeout):
	}
}

// HasData reports whether there is queued data or a terminal error ready
// to be dequeued without blocking.
func (r *Request) HasData() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue) > 0 || r.exception != nil
}

func (r *Request) appendChunk(c Chunk) {
	r.mu.Lock()
	r.queue = append(r.queue, c)
	r.mu.Unlock()
	r.wakeLocked()
}

func (r *Request) markHave(piece int) {
	r.mu.Lock()
	r.haveSet[piece] = struct{}{}
	r.mu.Unlock()
}

// coversFull reports whether haveSet covers every piece in [first,last].
func (r *Request) coversFull(pieces []int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range pieces {
		if _, ok := r.haveSet[p]; !ok {
			return false
		}
	}
	return true
}

func (r *Request) deactivate() {
	r.mu.Lock()
	if r.deactivatedAt == nil {
		now := time.Now()
		r.deactivatedAt = &now
	}
	r.mu.Unlock()
}

func (r *Request) isDeactivated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deactivatedAt != nil
}
