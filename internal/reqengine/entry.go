package reqengine

import (
	"context"
	"sync"

	"github.com/privatevod/tvafengine/internal/bitmap"
	"github.com/privatevod/tvafengine/internal/engine"
	"github.com/privatevod/tvafengine/internal/infohash"
)

// action is one of the pending async operations an entry may have
// outstanding, per spec.md §3's TorrentEntry.pending_actions.
type action int

const (
	actionFetch action = iota
	actionAdd
	actionRemove
	actionPause
)

// torrentEntry is C4's per-infohash state, spec.md §3's TorrentEntry.
type torrentEntry struct {
	infoHash infohash.T
	eng      *Engine

	mu sync.Mutex

	metadata   *engine.PieceInfo
	handle     engine.Handle
	requests   []*Request // FIFO order for equal-priority tie-breaks
	havePieces *bitmap.Bitmap

	piecePriorities map[int]pieceWant
	readerPieces    map[int]struct{} // pieces with at least one active READ reader
	reading         map[int]struct{} // pieces currently mid read_piece

	state           engine.TorrentState
	pendingActions  map[action]struct{}
	removalRequested     bool
	removeDataRequested  bool
	terminalError   error

	pausedDraining bool // graceful-pause-before-delete in progress
}

func newTorrentEntry(eng *Engine, ih infohash.T) *torrentEntry {
	return &torrentEntry{
		infoHash:        ih,
		eng:             eng,
		piecePriorities: make(map[int]pieceWant),
		readerPieces:    make(map[int]struct{}),
		reading:         make(map[int]struct{}),
		pendingActions:  make(map[action]struct{}),
		state:           engine.StateChecking,
	}
}

// pieceLength returns 0 if metadata is not yet known.
func (e *torrentEntry) pieceLength() int64 {
	if e.metadata == nil {
		return 0
	}
	return e.metadata.PieceLength
}

// addRequest attaches r to this entry, clears removalRequested, and
// triggers sync(). Caller must NOT hold e.mu.
func (e *torrentEntry) addRequest(r *Request) {
	e.mu.Lock()
	r.entry = e
	e.requests = append(e.requests, r)
	e.removalRequested = false
	e.removeDataRequested = false
	e.mu.Unlock()

	e.sync()
}

// touchSync re-enters sync(); used by Request.Cancel.
func (e *torrentEntry) touchSync() { e.sync() }

// sync is the single reconciliation function, per spec.md §4.4.2. It is
// re-entrant-safe and idempotent.
func (e *torrentEntry) sync() {
	e.mu.Lock()
	e.stepCleanup()
	e.rebuildReaderPieces()
	e.stepReadIssue()
	e.stepPriorityUpdate()
	e.stepFlagUpdate()
	selfDelete := e.stepAddRemove()
	e.mu.Unlock()

	// deleteEntry locks Engine.mu, the parent lock; it must run after
	// entry.mu is released to keep lock order parent-then-child and avoid
	// deadlocking against Handles(), which locks in that order.
	if selfDelete {
		e.eng.deleteEntry(e.infoHash)
	}
}

// stepCleanup drops requests that are errored or fully delivered.
func (e *torrentEntry) stepCleanup() {
	if e.havePieces == nil {
		return
	}
	kept := e.requests[:0:0]
	for _, r := range e.requests {
		if r.Err() != nil {
			r.deactivate()
			continue
		}
		pieces := r.coveredPieces(e.pieceLength())
		if e.havePieces.CoversRange(firstLast(pieces)) && r.coversFull(pieces) {
			r.deactivate()
			continue
		}
		kept = append(kept, r)
	}
	e.requests = kept
}

func firstLast(pieces []int) (int, int) {
	if len(pieces) == 0 {
		return 0, 0
	}
	return pieces[0], pieces[len(pieces)-1] + 1
}

// rebuildReaderPieces recomputes readerPieces from the live READ requests.
// It is rebuilt wholesale on every sync() rather than maintained
// incrementally: metadata (and so piece length) may still be unknown when a
// READ request first attaches — often the very request that triggers the
// torrent add — so there is no single point at which registering it once
// would be correct. Rebuilding after stepCleanup and before stepReadIssue
// picks up newly-known piece length and newly-attached readers alike.
func (e *torrentEntry) rebuildReaderPieces() {
	for p := range e.readerPieces {
		delete(e.readerPieces, p)
	}
	if e.pieceLength() == 0 {
		return
	}
	for _, r := range e.requests {
		if r.Mode != ModeRead {
			continue
		}
		for _, p := range r.coveredPieces(e.pieceLength()) {
			e.readerPieces[p] = struct{}{}
		}
	}
}

// stepReadIssue fires read_piece for every piece with a waiting reader
// that's present and not already being read.
func (e *torrentEntry) stepReadIssue() {
	if e.handle == nil || e.havePieces == nil {
		return
	}
	for piece := range e.readerPieces {
		if _, already := e.reading[piece]; already {
			continue
		}
		if !e.havePieces.Get(piece) {
			continue
		}
		e.reading[piece] = struct{}{}
		e.handle.ReadPiece(context.Background(), piece)
	}
}

// stepPriorityUpdate recomputes and re-applies piece priorities and
// deadlines, per spec.md §4.4.3.
func (e *torrentEntry) stepPriorityUpdate() {
	if e.handle == nil || e.pieceLength() == 0 {
		return
	}

	newWant := computeWantedPriorities(e.pieceLength(), e.requests, e.readerPieces)

	changed := make([]int, 0)
	for p, w := range newWant {
		old, existed := e.piecePriorities[p]
		if !existed || old != w {
			changed = append(changed, p)
		}
	}
	for p := range e.piecePriorities {
		if _, still := newWant[p]; !still {
			changed = append(changed, p)
		}
	}

	order := shuffleOrder(len(changed))
	for _, idx := range order {
		p := changed[idx]
		w, still := newWant[p]
		if !still {
			e.handle.ResetPieceDeadline(p)
			e.handle.SetPiecePriority(p, 0)
			continue
		}
		e.handle.SetPiecePriority(p, w.priority)
		if w.priority == 7 {
			e.handle.SetPieceDeadline(p, w.seq*DeadlineGapMS, w.alertWhenAvailable)
		} else {
			e.handle.ResetPieceDeadline(p)
		}
	}
	e.piecePriorities = newWant
}

// keep reports whether this entry should continue to exist: it has
// requests, or has downloaded data, or is still checking.
func (e *torrentEntry) keep() bool {
	if len(e.requests) > 0 {
		return true
	}
	if e.havePieces != nil {
		any := false
		e.havePieces.Iter(0, e.havePieces.Len(), func(int) { any = true })
		if any {
			return true
		}
	}
	if e.state == engine.StateChecking {
		return true
	}
	return false
}

// stepFlagUpdate sets auto_managed when kept; otherwise it begins (or
// continues) the graceful pause-before-delete drain.
func (e *torrentEntry) stepFlagUpdate() {
	if e.handle == nil {
		return
	}
	if e.keep() {
		e.pausedDraining = false
		e.handle.SetAutoManaged(true)
		return
	}
	e.gracefulPauseBeforeDelete()
}

// stepAddRemove starts fetch/add when the entry should be kept and isn't
// yet represented in the session, or starts remove once the graceful
// drain has completed for an entry that shouldn't be kept. Returns true if
// this entry should now self-delete.
func (e *torrentEntry) stepAddRemove() bool {
	keep := e.keep()

	if keep && e.handle == nil {
		if _, pending := e.pendingActions[actionFetch]; pending {
			return false
		}
		if _, pending := e.pendingActions[actionAdd]; pending {
			return false
		}
		e.startAddOrFetch()
		return false
	}

	if !keep && e.handle != nil {
		if _, pending := e.pendingActions[actionRemove]; !pending && e.gracefulPauseBeforeDelete() {
			e.pendingActions[actionRemove] = struct{}{}
			go func() {
				e.eng.sess.RemoveTorrent(e.handle, e.removeDataRequested)
			}()
		}
		return false
	}

	if !keep && e.handle == nil && len(e.pendingActions) == 0 && len(e.requests) == 0 {
		return true
	}
	return false
}

func (e *torrentEntry) startAddOrFetch() {
	desc := engine.AddTorrentDescriptor{InfoHash: e.infoHash}
	var configured bool
	for _, r := range e.requests {
		if r.ConfigureATP != nil {
			r.ConfigureATP(&desc)
			configured = true
			break
		}
	}
	if configured {
		e.pendingActions[actionFetch] = struct{}{}
	} else {
		e.pendingActions[actionAdd] = struct{}{}
	}
	go e.eng.sess.AddTorrentAsync(desc)
}

// onAddTorrent resolves the pending FETCH/ADD once the handle exists.
func (e *torrentEntry) onAddTorrent(h engine.Handle) {
	e.mu.Lock()
	e.handle = h
	delete(e.pendingActions, actionFetch)
	delete(e.pendingActions, actionAdd)
	if info, ok := h.Info(); ok {
		e.metadata = &info
		e.havePieces = bitmap.New(info.NumPieces)
		for i, have := range h.HavePieces() {
			if have {
				e.havePieces.Set(i)
			}
		}
	}
	e.mu.Unlock()
	e.sync()
}

func (e *torrentEntry) onMetadataReceived(h engine.Handle) {
	e.mu.Lock()
	if info, ok := h.Info(); ok {
		e.metadata = &info
		if e.havePieces == nil {
			e.havePieces = bitmap.New(info.NumPieces)
		}
	}
	e.mu.Unlock()
	e.sync()
}

func (e *torrentEntry) onPieceFinished(piece int) {
	e.mu.Lock()
	if e.havePieces != nil {
		e.havePieces.Set(piece)
	}
	delete(e.piecePriorities, piece)
	requests := append([]*Request(nil), e.requests...)
	pieceLength := e.pieceLength()
	e.mu.Unlock()

	for _, r := range requests {
		for _, p := range r.coveredPieces(pieceLength) {
			if p == piece {
				r.markHave(piece)
				break
			}
		}
	}

	blamed := pickBlamed(requests, pieceLength, piece)
	e.eng.emitAcct(e.infoHash, blamed, pieceSize(e.metadata, piece))

	e.sync()
}

func pieceSize(meta *engine.PieceInfo, piece int) int64 {
	if meta == nil {
		return 0
	}
	off := int64(piece) * meta.PieceLength
	if off+meta.PieceLength > meta.TotalLength {
		return meta.TotalLength - off
	}
	return meta.PieceLength
}

func (e *torrentEntry) onHashFailed(piece int) {
	e.mu.Lock()
	if e.havePieces != nil {
		e.havePieces.Clear(piece)
	}
	e.mu.Unlock()
	e.sync()
}

func (e *torrentEntry) onReadPiece(piece int, data []byte, err error, cancelled bool) {
	e.mu.Lock()
	delete(e.reading, piece)
	readers := append([]*Request(nil), e.requests...)
	pieceLength := e.pieceLength()
	e.mu.Unlock()

	if cancelled {
		e.sync()
		return
	}

	for _, r := range readers {
		if r.Mode != ModeRead {
			continue
		}
		covers := false
		for _, p := range r.coveredPieces(pieceLength) {
			if p == piece {
				covers = true
				break
			}
		}
		if !covers {
			continue
		}
		if err != nil {
			r.setException(err)
			continue
		}
		// Deliver the whole piece past r.Start, not clamped to r.Stop: a
		// read1 request narrows Stop to one byte purely to make the
		// scheduler fetch exactly one piece, not to bound what's handed
		// back. The caller's buffer size, not the request range, decides
		// how much of this lands in a single Read (bufreader trims it).
		pieceOff := int64(piece) * pieceLength
		lo := max64(r.Start, pieceOff)
		hi := pieceOff + int64(len(data))
		if hi <= lo {
			continue
		}
		chunk := Chunk{Offset: lo, Data: data[lo-pieceOff : hi-pieceOff]}
		r.appendChunk(chunk)
	}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func (e *torrentEntry) onTorrentError(err error) {
	e.mu.Lock()
	e.terminalError = err
	requests := append([]*Request(nil), e.requests...)
	e.mu.Unlock()

	for _, r := range requests {
		r.setException(err)
	}
	e.sync()
}

func (e *torrentEntry) onStateChanged(prev, cur engine.TorrentState) {
	e.mu.Lock()
	e.state = cur
	e.mu.Unlock()
	e.eng.stuckHash.onStateChanged(e, prev, cur)
}

func (e *torrentEntry) onTorrentRemoved() {
	e.mu.Lock()
	e.handle = nil
	delete(e.pendingActions, actionRemove)
	e.mu.Unlock()
	e.sync()
}

// requestRemoval implements remove_torrent(info_hash, with_data), per
// spec.md §4.4.7: cancels current requests with Cancelled, marks removal
// requested, and syncs.
func (e *torrentEntry) requestRemoval(withData bool, kind error) {
	e.mu.Lock()
	e.removalRequested = true
	e.removeDataRequested = withData
	requests := append([]*Request(nil), e.requests...)
	e.mu.Unlock()

	for _, r := range requests {
		r.setException(kind)
	}
	e.sync()
}

// snapshotPresent reports whether this entry currently has a live handle,
// for the C7 "currently-present" poll. Generation bookkeeping itself lives
// in the accounting package, which owns the per-infohash generation table.
func (e *torrentEntry) snapshotPresent() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handle != nil
}
