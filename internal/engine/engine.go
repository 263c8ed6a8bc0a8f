// Package engine names the contract spec.md treats as an external
// collaborator: the embedded BitTorrent engine. It is written in the
// libtorrent-shaped vocabulary the rest of this module (alert bus, session
// wrapper, request engine, resume store) is designed against — alerts,
// read_piece, save_resume_data, set_piece_deadline, prioritize_pieces,
// add_torrent/remove_torrent, a settings map — so that C1 through C7 need
// not know which concrete BitTorrent library backs them.
//
// internal/engine/anacrolix is the sole concrete implementation, adapting
// github.com/anacrolix/torrent (which has no alert stream of its own) to
// this contract.
package engine

import (
	"context"
	"time"

	"github.com/privatevod/tvafengine/internal/infohash"
)

// AlertType names the alert variants the engine emits. Subscriptions filter
// by a set of these.
type AlertType int

const (
	AlertReadPiece AlertType = iota
	AlertPieceFinished
	AlertHashFailed
	AlertTorrentError
	AlertStateChanged
	AlertTorrentRemoved
	AlertAddTorrent
	AlertMetadataReceived
	AlertSaveResumeData
	AlertSaveResumeDataFailed
	AlertTorrentPaused
	AlertTorrentFinished
	AlertFileRenamed
	AlertStorageMoved
	AlertCacheFlushed
)

func (t AlertType) String() string {
	names := [...]string{
		"read_piece", "piece_finished", "hash_failed", "torrent_error",
		"state_changed", "torrent_removed", "add_torrent", "metadata_received",
		"save_resume_data", "save_resume_data_failed", "torrent_paused",
		"torrent_finished", "file_renamed", "storage_moved", "cache_flushed",
	}
	if t >= 0 && int(t) < len(names) {
		return names[t]
	}
	return "unknown"
}

// TorrentState mirrors the state machine the engine reports via
// state_changed_alert.
type TorrentState int

const (
	StateChecking TorrentState = iota
	StateDownloading
	StateFinished
	StateSeeding
	StatePaused
)

// Alert is the single event type flowing out of the Alert Bus. Only the
// fields relevant to Type are populated; callers switch on Type.
type Alert struct {
	Seq       int64 // assigned by the Alert Bus; used as a resume cursor
	Type      AlertType
	InfoHash  infohash.T
	Piece     int
	Data      []byte // AlertReadPiece
	Err       error  // AlertReadPiece, AlertTorrentError, AlertSaveResumeDataFailed
	State     TorrentState
	PrevState TorrentState
	Cancelled bool // AlertReadPiece: request was cancelled, not an error
	At        time.Time
}

// PieceInfo describes the static shape of a torrent's pieces and files,
// equivalent to spec.md's external TorrentMetadata.
type PieceInfo struct {
	PieceLength int64
	NumPieces   int
	TotalLength int64
	Files       []FileEntry
}

// FileEntry is one entry in a torrent's ordered file list.
type FileEntry struct {
	Index           int
	PathComponents  []string
	Start, Stop     int64
	IsPad           bool
	IsSymlink       bool
	SymlinkTarget   string
}

// AddTorrentDescriptor configures an add_torrent call: either full metainfo
// bytes (a .torrent blob) or a bare infohash relying on magnet/DHT fetch,
// plus tracker URLs and save-path overrides.
type AddTorrentDescriptor struct {
	InfoHash    infohash.T
	MetaInfo    []byte // optional, full bencoded .torrent
	Trackers    []string
	SavePath    string
	ResumeBlob  []byte // optional, opaque resume data to seed state from
}

// SaveResumeFlags mirrors the engine's save_resume_data flag bits.
type SaveResumeFlags int

const (
	FlagOnlyIfModified SaveResumeFlags = 1 << iota
	FlagFlushDiskCache
)

// Handle is a live reference to one torrent inside the session.
type Handle interface {
	InfoHash() infohash.T
	// Info returns piece/file metadata, or ok=false if not yet known.
	Info() (PieceInfo, bool)
	HavePieces() []bool
	State() TorrentState

	ReadPiece(ctx context.Context, piece int) // async; result arrives as AlertReadPiece
	CancelReadPiece(piece int)

	SetPieceDeadline(piece int, deadlineMS int, alertWhenAvailable bool)
	ResetPieceDeadline(piece int)
	SetPiecePriority(piece int, priority int) // 0..7, per spec.md §4.4.3

	SetAutoManaged(bool)
	Pause()
	Resume()
	// Recheck forces a full data re-verification, used only by the
	// stuck-hash workaround.
	Recheck()

	SaveResumeData(flags SaveResumeFlags)

	// Stats reports connection/transfer counters for metrics collection.
	Stats() HandleStats
}

// HandleStats is the per-torrent counter set the metrics collector scrapes,
// generalizing the teacher's torrent.Stats shape to engine vocabulary.
type HandleStats struct {
	BytesReadData     int64
	BytesWrittenData  int64
	ChunksReadWasted  int64
	ActivePeers       int
	HalfOpenPeers     int
	ConnectedSeeders  int
}

// Session owns the embedded engine: settings, the torrent handle table,
// and the reference-counted alert mask, per spec.md §4.2.
type Session interface {
	ApplySettings(map[string]any) error
	IncAlertMask(bits uint64)
	DecAlertMask(bits uint64)

	AddTorrentAsync(desc AddTorrentDescriptor)
	RemoveTorrent(h Handle, withData bool)
	FindTorrent(ih infohash.T) (Handle, bool)

	Pause()
	Close() error

	// Subscribe registers a raw alert sink; used only by the Alert Bus's
	// single consumer, never by other components directly.
	Subscribe() <-chan Alert
}
