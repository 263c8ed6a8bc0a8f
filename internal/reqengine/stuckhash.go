package reqengine

import (
	"sync"
	"time"

	"github.com/privatevod/tvafengine/internal/engine"
	"github.com/privatevod/tvafengine/internal/reqerr"
)

// engineVersion is passed to newStuckHashWatcher, which enables the
// workaround for any non-empty version string and disables it for "".
// anacrolix/torrent has never shipped the libtorrent bug this guards
// against, but this value is non-empty, so the watcher is permanently
// armed; the version plumbing is kept so a future engine swap can disable
// it without deleting the file.
const engineVersion = "anacrolix"

// stuckHashThreshold is how long a torrent may sit in StateDownloading
// with pieces marked as written but never hashed before the watcher forces
// a recheck, per tvaf's lt4604.py (libtorrent issue #4604).
const stuckHashThreshold = 3 * time.Second

// stuckHashWatcher implements the one-time, version-gated workaround for a
// libtorrent bug where a piece's blocks are all written but the piece is
// never queued for hashing while the torrent sits in the downloading
// state. Grounded on _examples/original_source/tvaf/lt4604.py: the fix is
// a single bounded force_recheck per stuck episode, never repeated for the
// same entry until it has left and re-entered the downloading state.
type stuckHashWatcher struct {
	enabled bool

	mu      sync.Mutex
	pending map[*torrentEntry]*time.Timer
}

func newStuckHashWatcher(version string) *stuckHashWatcher {
	return &stuckHashWatcher{
		enabled: version != "",
		pending: make(map[*torrentEntry]*time.Timer),
	}
}

// onStateChanged arms a one-shot timer when an entry enters
// StateDownloading, and disarms it on any other transition. If the timer
// fires it means the torrent has been stuck downloading past the
// threshold; the watcher issues a single forced recheck and does not
// re-arm until the next fresh entry into StateDownloading.
func (w *stuckHashWatcher) onStateChanged(e *torrentEntry, prev, cur engine.TorrentState) {
	if !w.enabled {
		return
	}

	w.mu.Lock()
	if t, ok := w.pending[e]; ok {
		t.Stop()
		delete(w.pending, e)
	}
	if cur == engine.StateDownloading {
		w.pending[e] = time.AfterFunc(stuckHashThreshold, func() { w.fire(e) })
	}
	w.mu.Unlock()
}

func (w *stuckHashWatcher) fire(e *torrentEntry) {
	w.mu.Lock()
	delete(w.pending, e)
	w.mu.Unlock()

	e.mu.Lock()
	h := e.handle
	stillStuck := e.state == engine.StateDownloading
	e.mu.Unlock()

	if h == nil || !stillStuck {
		return
	}
	h.Recheck()
}

func torrentRemovedErr() error {
	return reqerr.TorrentRemoved
}
