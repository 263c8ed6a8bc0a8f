// Package anacrolix is the sole concrete adapter from engine.Session /
// engine.Handle (the libtorrent-shaped contract the rest of this module is
// built against) onto github.com/anacrolix/torrent, which exposes a
// synchronous Reader/Piece API with no alert stream of its own.
//
// Piece reads are synthesized into AlertReadPiece by running a dedicated
// piece-aligned read against a shared torrent.Reader on a bounded worker
// pool. Piece completion/hash-failure is derived from
// Torrent.SubscribePieceStateChanges(). Resume blobs have no bencode
// equivalent in anacrolix/torrent, so they are our own gob-encoded
// ResumeBlob, grounded on the teacher's own use of encoding/gob for badger
// values (internal/torrent/store.go).
package anacrolix

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	anatorrent "github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/types"

	"github.com/privatevod/tvafengine/internal/engine"
	"github.com/privatevod/tvafengine/internal/infohash"
)

// maxConcurrentPieceReads bounds the worker pool that services ReadPiece
// calls, so a burst of requests can't spawn unbounded goroutines against
// disk/peer I/O.
const maxConcurrentPieceReads = 32

// Session adapts a *anatorrent.Client to engine.Session.
type Session struct {
	cl  *anatorrent.Client
	log *slog.Logger

	alertCh  chan engine.Alert
	subOnce  sync.Once
	readSem  chan struct{}

	mu       sync.Mutex
	handles  map[infohash.T]*Handle
	alertMask uint64
}

// NewSession wraps an already-constructed torrent.Client.
func NewSession(cl *anatorrent.Client) *Session {
	return &Session{
		cl:      cl,
		log:     slog.With("component", "engine-session"),
		alertCh: make(chan engine.Alert, 4096),
		readSem: make(chan struct{}, maxConcurrentPieceReads),
		handles: make(map[infohash.T]*Handle),
	}
}

func (s *Session) Subscribe() <-chan engine.Alert {
	return s.alertCh
}

func (s *Session) emit(a engine.Alert) {
	a.At = time.Now()
	select {
	case s.alertCh <- a:
	default:
		s.log.Warn("session alert channel full, dropping alert", "type", a.Type.String())
	}
}

// ApplySettings is a no-op translation point: anacrolix/torrent's client
// config is fixed at construction. Per-session settings (session_* keys)
// that map onto anacrolix knobs exposed after construction (e.g. upload
// rate limits) would be wired here; none of the recognized keys currently
// have a live anacrolix equivalent, so this always succeeds once values
// have already passed internal/session's own validation.
func (s *Session) ApplySettings(settings map[string]any) error {
	s.log.Debug("apply settings", "count", len(settings))
	return nil
}

func (s *Session) IncAlertMask(bits uint64) {
	s.mu.Lock()
	s.alertMask |= bits
	s.mu.Unlock()
}

func (s *Session) DecAlertMask(bits uint64) {
	s.mu.Lock()
	s.alertMask &^= bits
	s.mu.Unlock()
}

// AddTorrentAsync adds a torrent by metainfo bytes or bare infohash and
// waits for metadata in the background, emitting AddTorrent and
// MetadataReceived alerts as they resolve.
func (s *Session) AddTorrentAsync(desc engine.AddTorrentDescriptor) {
	go func() {
		var t *anatorrent.Torrent
		var err error

		if len(desc.MetaInfo) > 0 {
			mi, derr := metainfo.Load(bytes.NewReader(desc.MetaInfo))
			if derr != nil {
				s.emit(engine.Alert{Type: engine.AlertTorrentError, InfoHash: desc.InfoHash, Err: fmt.Errorf("parse metainfo: %w", derr)})
				return
			}
			t, err = s.cl.AddTorrent(mi)
		} else {
			var ih metainfo.Hash
			copy(ih[:], desc.InfoHash[:])
			var isNew bool
			t, isNew = s.cl.AddTorrentInfoHash(ih)
			_ = isNew
		}
		if err != nil {
			s.emit(engine.Alert{Type: engine.AlertTorrentError, InfoHash: desc.InfoHash, Err: err})
			return
		}

		if len(desc.Trackers) > 0 {
			t.AddTrackers([][]string{desc.Trackers})
		}
		if desc.SavePath != "" {
			// Per-torrent save path overrides are applied at the storage
			// layer in the teacher's model (one shared ClientImpl); a
			// per-torrent override would require a dedicated storage.
			// ClientImpl, out of scope for this adapter.
			s.log.Debug("save path override requested", "path", desc.SavePath)
		}

		h := newHandle(s, t)
		s.mu.Lock()
		s.handles[h.InfoHash()] = h
		s.mu.Unlock()

		s.emit(engine.Alert{Type: engine.AlertAddTorrent, InfoHash: h.InfoHash()})

		select {
		case <-t.GotInfo():
			s.emit(engine.Alert{Type: engine.AlertMetadataReceived, InfoHash: h.InfoHash()})
		case <-time.After(2 * time.Minute):
			s.emit(engine.Alert{Type: engine.AlertTorrentError, InfoHash: h.InfoHash(), Err: fmt.Errorf("metadata fetch timed out")})
			return
		}

		h.startWatchers()
	}()
}

func (s *Session) RemoveTorrent(hh engine.Handle, withData bool) {
	h, ok := hh.(*Handle)
	if !ok {
		return
	}
	ih := h.InfoHash()
	h.stopWatchers()
	h.t.Drop()

	s.mu.Lock()
	delete(s.handles, ih)
	s.mu.Unlock()

	s.emit(engine.Alert{Type: engine.AlertTorrentRemoved, InfoHash: ih})
}

func (s *Session) FindTorrent(ih infohash.T) (engine.Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[ih]
	if !ok {
		return nil, false
	}
	return h, true
}

func (s *Session) Pause() {
	for _, t := range s.cl.Torrents() {
		t.DisallowDataDownload()
		t.DisallowDataUpload()
	}
}

func (s *Session) Close() error {
	s.cl.Close()
	close(s.alertCh)
	return nil
}

// Handle adapts a *anatorrent.Torrent to engine.Handle.
type Handle struct {
	s  *Session
	t  *anatorrent.Torrent
	ih infohash.T

	mu         sync.Mutex
	reader     anatorrent.Reader
	inflight   map[int]context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once
}

func newHandle(s *Session, t *anatorrent.Torrent) *Handle {
	var ih infohash.T
	h := t.InfoHash()
	copy(ih[:], h[:])
	return &Handle{
		s:        s,
		t:        t,
		ih:       ih,
		inflight: make(map[int]context.CancelFunc),
		stopCh:   make(chan struct{}),
	}
}

func (h *Handle) InfoHash() infohash.T { return h.ih }

func (h *Handle) Info() (engine.PieceInfo, bool) {
	info := h.t.Info()
	if info == nil {
		return engine.PieceInfo{}, false
	}
	files := h.t.Files()
	out := engine.PieceInfo{
		PieceLength: info.PieceLength,
		NumPieces:   h.t.NumPieces(),
		TotalLength: h.t.Length(),
	}
	for i, f := range files {
		out.Files = append(out.Files, engine.FileEntry{
			Index:          i,
			PathComponents: f.FileInfo().Path,
			Start:          f.Offset(),
			Stop:           f.Offset() + f.Length(),
		})
	}
	return out, true
}

func (h *Handle) HavePieces() []bool {
	n := h.t.NumPieces()
	out := make([]bool, n)
	for i := 0; i < n; i++ {
		out[i] = h.t.PieceState(i).Complete
	}
	return out
}

func (h *Handle) State() engine.TorrentState {
	switch {
	case h.t.Info() == nil:
		return engine.StateChecking
	case h.t.Seeding():
		return engine.StateSeeding
	case h.t.BytesMissing() == 0:
		return engine.StateFinished
	default:
		return engine.StateDownloading
	}
}

func (h *Handle) reusableReader() anatorrent.Reader {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.reader == nil {
		h.reader = h.t.NewReader()
		h.reader.SetResponsive()
	}
	return h.reader
}

// ReadPiece issues an async, piece-aligned read on the shared worker pool
// and emits AlertReadPiece with the result once it completes.
func (h *Handle) ReadPiece(ctx context.Context, piece int) {
	select {
	case h.s.readSem <- struct{}{}:
	case <-ctx.Done():
		h.s.emit(engine.Alert{Type: engine.AlertReadPiece, InfoHash: h.ih, Piece: piece, Cancelled: true})
		return
	}

	readCtx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.inflight[piece] = cancel
	h.mu.Unlock()

	go func() {
		defer func() {
			<-h.s.readSem
			h.mu.Lock()
			delete(h.inflight, piece)
			h.mu.Unlock()
		}()

		info := h.t.Info()
		if info == nil {
			h.s.emit(engine.Alert{Type: engine.AlertReadPiece, InfoHash: h.ih, Piece: piece, Err: fmt.Errorf("metadata not yet available")})
			return
		}

		off := int64(piece) * info.PieceLength
		size := info.PieceLength
		if off+size > h.t.Length() {
			size = h.t.Length() - off
		}
		buf := make([]byte, size)

		r := h.reusableReader()
		h.mu.Lock()
		defer h.mu.Unlock()

		if readCtx.Err() != nil {
			h.s.emit(engine.Alert{Type: engine.AlertReadPiece, InfoHash: h.ih, Piece: piece, Cancelled: true})
			return
		}

		if _, err := r.Seek(off, io.SeekStart); err != nil {
			h.s.emit(engine.Alert{Type: engine.AlertReadPiece, InfoHash: h.ih, Piece: piece, Err: err})
			return
		}
		n, err := io.ReadFull(r, buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			h.s.emit(engine.Alert{Type: engine.AlertReadPiece, InfoHash: h.ih, Piece: piece, Err: err})
			return
		}
		h.s.emit(engine.Alert{Type: engine.AlertReadPiece, InfoHash: h.ih, Piece: piece, Data: buf[:n]})
	}()
}

func (h *Handle) CancelReadPiece(piece int) {
	h.mu.Lock()
	cancel, ok := h.inflight[piece]
	h.mu.Unlock()
	if ok {
		cancel()
	}
}

// pieceSeqToPriority maps spec.md's 0/1/7 scheduler priority plus a local
// deadline sequence number onto anacrolix's coarser priority tiers. Lower
// seq (sooner deadline) gets the more urgent tier; this is the one place
// the richer libtorrent deadline model is lossily projected onto
// anacrolix/torrent's fixed set of tiers.
func pieceSeqToPriority(priority int, seq int) types.PiecePriority {
	switch priority {
	case 0:
		return types.PiecePriorityNone
	case 1:
		return types.PiecePriorityNormal
	default:
		if seq <= 2 {
			return types.PiecePriorityNow
		}
		if seq <= 8 {
			return types.PiecePriorityHigh
		}
		return types.PiecePriorityReadahead
	}
}

func (h *Handle) SetPieceDeadline(piece int, deadlineMS int, alertWhenAvailable bool) {
	seq := deadlineMS / deadlineGapMS
	h.t.Piece(piece).SetPriority(pieceSeqToPriority(7, seq))
}

func (h *Handle) ResetPieceDeadline(piece int) {
	h.t.Piece(piece).SetPriority(types.PiecePriorityNone)
}

func (h *Handle) SetPiecePriority(piece int, priority int) {
	h.t.Piece(piece).SetPriority(pieceSeqToPriority(priority, 0))
}

func (h *Handle) SetAutoManaged(managed bool) {
	if managed {
		h.t.AllowDataDownload()
		h.t.AllowDataUpload()
	}
}

func (h *Handle) Pause() {
	h.t.DisallowDataDownload()
	h.t.DisallowDataUpload()
	h.s.emit(engine.Alert{Type: engine.AlertTorrentPaused, InfoHash: h.ih})
}

func (h *Handle) Resume() {
	h.t.AllowDataDownload()
	h.t.AllowDataUpload()
}

// Recheck forces anacrolix/torrent to re-hash all downloaded pieces,
// standing in for libtorrent's force_recheck in the stuck-hash workaround.
func (h *Handle) Recheck() {
	h.t.VerifyData()
}

// Stats reports connection/transfer counters, per anacrolix/torrent's
// Torrent.Stats(), matching the field names the teacher's
// internal/torrent/service_impl.go already scrapes for its collector.
func (h *Handle) Stats() engine.HandleStats {
	s := h.t.Stats()
	return engine.HandleStats{
		BytesReadData:    s.BytesReadData.Int64(),
		BytesWrittenData: s.BytesWrittenData.Int64(),
		ChunksReadWasted: s.ChunksReadWasted.Int64(),
		ActivePeers:      s.ActivePeers,
		HalfOpenPeers:    s.HalfOpenPeers,
		ConnectedSeeders: s.ConnectedSeeders,
	}
}

// ResumeBlob is this adapter's stand-in for a libtorrent resume blob: there
// is no bencode resume format in anacrolix/torrent, so the engine's own
// opaque, gob-encoded snapshot plays that role. Not wire-compatible with
// anything outside this process; C3 treats it as opaque bytes either way.
type ResumeBlob struct {
	InfoHash   infohash.T
	MetaInfo   []byte // bencoded .torrent, present once metadata is known
	HavePieces []bool
	Trackers   []string
	AddedAt    time.Time
}

func (h *Handle) SaveResumeData(flags engine.SaveResumeFlags) {
	blob := ResumeBlob{InfoHash: h.ih, HavePieces: h.HavePieces()}

	if info := h.t.Info(); info != nil {
		mi := h.t.Metainfo()
		var buf bytes.Buffer
		if err := mi.Write(&buf); err != nil {
			h.s.emit(engine.Alert{Type: engine.AlertSaveResumeDataFailed, InfoHash: h.ih, Err: err})
			return
		}
		blob.MetaInfo = buf.Bytes()
	}

	var encoded bytes.Buffer
	if err := gob.NewEncoder(&encoded).Encode(blob); err != nil {
		h.s.emit(engine.Alert{Type: engine.AlertSaveResumeDataFailed, InfoHash: h.ih, Err: err})
		return
	}

	h.s.emit(engine.Alert{Type: engine.AlertSaveResumeData, InfoHash: h.ih, Data: encoded.Bytes()})
}

// DecodeResumeBlob decodes bytes previously produced by SaveResumeData.
func DecodeResumeBlob(b []byte) (ResumeBlob, error) {
	var blob ResumeBlob
	err := gob.NewDecoder(bytes.NewReader(b)).Decode(&blob)
	return blob, err
}

const deadlineGapMS = 10000

// startWatchers begins the goroutines that translate anacrolix/torrent's
// own async signals (piece state pubsub, coarse state polling) into
// engine.Alert values. Called once metadata is known.
func (h *Handle) startWatchers() {
	go h.watchPieceStateChanges()
	go h.watchTorrentState()
}

func (h *Handle) stopWatchers() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

func (h *Handle) watchPieceStateChanges() {
	sub := h.t.SubscribePieceStateChanges()
	defer sub.Close()

	// checking tracks pieces currently mid-hash-check. A PieceStateChange
	// fires for priority and partial-data transitions too, not just
	// completion or failure, so HashFailed is only real when a piece that
	// was Checking comes back without Complete.
	checking := make(map[int]bool)

	for {
		select {
		case <-h.stopCh:
			return
		case v, ok := <-sub.Values:
			if !ok {
				return
			}
			psc, ok := v.(anatorrent.PieceStateChange)
			if !ok {
				continue
			}
			switch {
			case psc.Complete:
				delete(checking, psc.Index)
				h.s.emit(engine.Alert{Type: engine.AlertPieceFinished, InfoHash: h.ih, Piece: psc.Index})
			case psc.Checking:
				checking[psc.Index] = true
			case checking[psc.Index]:
				delete(checking, psc.Index)
				h.s.emit(engine.Alert{Type: engine.AlertHashFailed, InfoHash: h.ih, Piece: psc.Index})
			}
		}
	}
}

func (h *Handle) watchTorrentState() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	prev := h.State()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			cur := h.State()
			if cur != prev {
				h.s.emit(engine.Alert{Type: engine.AlertStateChanged, InfoHash: h.ih, State: cur, PrevState: prev})
				if cur == engine.StateFinished || cur == engine.StateSeeding {
					h.s.emit(engine.Alert{Type: engine.AlertTorrentFinished, InfoHash: h.ih})
				}
				prev = cur
			}
		}
	}
}

// ExtractMetaInfo decodes a gob-encoded ResumeBlob and returns its MetaInfo
// bytes (nil if metadata wasn't known when the blob was produced). Wired
// into resume.MetaInfoExtractor at startup.
func ExtractMetaInfo(blob []byte) []byte {
	b, err := DecodeResumeBlob(blob)
	if err != nil {
		return nil
	}
	return b.MetaInfo
}

// StripMetaInfo decodes a ResumeBlob and re-encodes it with MetaInfo
// cleared, keeping .resume small since .torrent is the canonical metainfo
// store. Wired into resume.MetaInfoStripper at startup.
func StripMetaInfo(blob []byte) []byte {
	b, err := DecodeResumeBlob(blob)
	if err != nil {
		return blob
	}
	b.MetaInfo = nil
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return blob
	}
	return buf.Bytes()
}
