package reqengine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/privatevod/tvafengine/internal/alertbus"
	"github.com/privatevod/tvafengine/internal/engine"
	"github.com/privatevod/tvafengine/internal/infohash"
)

// AcctEvent is what C4 posts to C7 on each piece completion: the blamed
// request's attribution fields plus the byte count, per spec.md §4.4.4.
// User/Tracker are the sentinel "unknown" values when no request could be
// blamed (e.g. a piece completed with no intersecting request, which can
// happen transiently around cancellation). Generation is looked up by the
// sink itself (C7 owns the per-infohash generation table), not computed
// here.
type AcctEvent struct {
	User     string
	Tracker  string
	InfoHash infohash.T
	NumBytes int64
	At       time.Time
}

// UnknownUser/UnknownTracker are the sentinel attribution used when no
// request can be blamed for a completed piece.
const (
	UnknownUser    = "unknown"
	UnknownTracker = "unknown"
)

// AcctSink is C7's inbound face, as seen by the request engine: piece
// completions to record, and periodic presence snapshots to drive the
// generation counter, per spec.md §4.7.
type AcctSink interface {
	RecordPieceFinished(ev AcctEvent)
	Snapshot(ih infohash.T, present bool)
}

// Engine is C4: the session-wide table of per-infohash entries. The parent
// map has its own lock; lock order is always parent-then-child, per
// spec.md §5.
type Engine struct {
	sess engine.Session
	log  *slog.Logger

	mu      sync.Mutex
	entries map[infohash.T]*torrentEntry

	sub *alertbus.Subscription

	acctSink  AcctSink
	stuckHash *stuckHashWatcher

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs the request engine. acctSink's methods are called
// synchronously from the alert-processing and snapshot goroutines; a sink
// that needs to persist data should queue internally rather than block
// here.
func New(sess engine.Session, sub *alertbus.Subscription, acctSink AcctSink) *Engine {
	e := &Engine{
		sess:     sess,
		log:      slog.With("component", "request-engine"),
		entries:  make(map[infohash.T]*torrentEntry),
		sub:      sub,
		acctSink: acctSink,
		stopCh:   make(chan struct{}),
	}
	e.stuckHash = newStuckHashWatcher(engineVersion)
	return e
}

// Run starts the alert-processing loop and the 1-second currently-present
// snapshot poll (spec.md §9 Open Question, resolved in SPEC_FULL.md §6.2).
func (e *Engine) Run() {
	e.wg.Add(2)
	go e.alertLoop()
	go e.snapshotLoop()
}

// Stop halts the alert loop and snapshot poll.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	if e.sub != nil {
		e.sub.Close()
	}
	e.wg.Wait()
}

func (e *Engine) getOrCreateEntry(ih infohash.T) *torrentEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.entries[ih]
	if !ok {
		entry = newTorrentEntry(e, ih)
		e.entries[ih] = entry
	}
	return entry
}

func (e *Engine) deleteEntry(ih infohash.T) {
	e.mu.Lock()
	delete(e.entries, ih)
	e.mu.Unlock()
}

func (e *Engine) lookupEntry(ih infohash.T) (*torrentEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.entries[ih]
	return entry, ok
}

// AddRequest creates a Request, attaches it to the (possibly newly
// created) TorrentEntry, and triggers sync(), per spec.md §4.4.1.
func (e *Engine) AddRequest(p Params) *Request {
	entry := e.getOrCreateEntry(p.InfoHash)
	r := newRequest(p)
	entry.addRequest(r)
	return r
}

// RemoveTorrent implements spec.md §4.4.7: cancels the entry's current
// requests and marks it for removal. A future AddRequest against the same
// infohash is fine; a fresh entry is created and the session deduplicates
// handles.
func (e *Engine) RemoveTorrent(ih infohash.T, withData bool) {
	entry, ok := e.lookupEntry(ih)
	if !ok {
		return
	}
	entry.requestRemoval(withData, torrentRemovedErr())
}

// Handles returns the live engine.Handle set, for the resume store's
// periodic save_all.
func (e *Engine) Handles() []engine.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]engine.Handle, 0, len(e.entries))
	for _, entry := range e.entries {
		entry.mu.Lock()
		if entry.handle != nil {
			out = append(out, entry.handle)
		}
		entry.mu.Unlock()
	}
	return out
}

// FindHandle is wired to the resume store as its liveness check
// (find_torrent), and to the session wrapper's FindTorrent passthrough.
func (e *Engine) FindHandle(ih infohash.T) (engine.Handle, bool) {
	entry, ok := e.lookupEntry(ih)
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.handle == nil {
		return nil, false
	}
	return entry.handle, true
}

func (e *Engine) emitAcct(ih infohash.T, blamed *Request, numBytes int64) {
	if e.acctSink == nil {
		return
	}
	ev := AcctEvent{InfoHash: ih, NumBytes: numBytes, At: time.Now()}
	if blamed != nil {
		ev.User = blamed.User
		ev.Tracker = blamed.Tracker
		ev.At = blamed.CreatedAt
	} else {
		ev.User = UnknownUser
		ev.Tracker = UnknownTracker
	}
	e.acctSink.RecordPieceFinished(ev)
}

func (e *Engine) alertLoop() {
	defer e.wg.Done()
	for {
		a, ok := e.sub.Recv()
		if !ok {
			return
		}
		e.handleAlert(a)
		select {
		case <-e.stopCh:
			return
		default:
		}
	}
}

func (e *Engine) handleAlert(a engine.Alert) {
	entry, ok := e.lookupEntry(a.InfoHash)
	if !ok && a.Type != -1 {
		return
	}
	switch a.Type {
	case engine.AlertAddTorrent:
		if h, ok := e.sess.FindTorrent(a.InfoHash); ok {
			entry.onAddTorrent(h)
		}
	case engine.AlertMetadataReceived:
		if h, ok := e.sess.FindTorrent(a.InfoHash); ok {
			entry.onMetadataReceived(h)
		}
	case engine.AlertReadPiece:
		entry.onReadPiece(a.Piece, a.Data, a.Err, a.Cancelled)
	case engine.AlertPieceFinished:
		entry.onPieceFinished(a.Piece)
	case engine.AlertHashFailed:
		entry.onHashFailed(a.Piece)
	case engine.AlertTorrentError:
		entry.onTorrentError(a.Err)
	case engine.AlertStateChanged:
		entry.onStateChanged(a.PrevState, a.State)
	case engine.AlertTorrentRemoved:
		entry.onTorrentRemoved()
	case -1:
		e.log.Error("request engine's alert subscription overflowed")
	}
}

// snapshotLoop posts a currently-present snapshot every second for each
// live entry to the accounting sink, per the resolved Open Question in
// SPEC_FULL.md §6.2. The sink bumps its own generation counter on an
// absent-to-present transition.
func (e *Engine) snapshotLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if e.acctSink == nil {
				continue
			}
			e.mu.Lock()
			entries := make(map[infohash.T]*torrentEntry, len(e.entries))
			for ih, entry := range e.entries {
				entries[ih] = entry
			}
			e.mu.Unlock()
			for ih, entry := range entries {
				e.acctSink.Snapshot(ih, entry.snapshotPresent())
			}
		}
	}
}
