// Package bufreader implements C5: a seekable, piece-size-agnostic byte
// stream view over one torrent byte range, backed by C4's Request.
//
// Grounded on _examples/original_source/tvaf/torrent_io.go's
// BufferedTorrentIO (the leftover-buffer-then-new-request read loop,
// read()/read1() split) and on the teacher's
// internal/streaming/reader.go's PriorityReader for the Go io.Reader /
// io.ReaderAt / io.Seeker shape.
package bufreader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/privatevod/tvafengine/internal/engine"
	"github.com/privatevod/tvafengine/internal/infohash"
	"github.com/privatevod/tvafengine/internal/reqengine"
	"github.com/privatevod/tvafengine/internal/reqerr"
)

// chunk is one buffered, not-yet-consumed byte range, absolute-offset
// tagged so interleaved request delivery can be reassembled in order.
type chunk struct {
	offset int64
	data   []byte
}

// Reader is a seekable view over [start, stop) of one torrent's linear
// byte space. It is not safe for concurrent use by multiple goroutines,
// matching io.ReadSeeker's usual contract; the VFS layer serializes access
// per open file handle.
type Reader struct {
	eng          *reqengine.Engine
	infoHash     infohash.T
	start, stop  int64
	user         string
	tracker      string
	configureATP func(*engine.AddTorrentDescriptor)
	log          *slog.Logger

	mu       sync.Mutex
	pos      int64
	req      *reqengine.Request
	leftover []chunk
}

// New opens a reader over [start, stop) of infoHash's data. user/tracker
// attribute any resulting accounting; configureATP, if non-nil, is invoked
// the first time this range causes the torrent to be added to the
// session.
func New(eng *reqengine.Engine, ih infohash.T, start, stop int64, user, tracker string, configureATP func(*engine.AddTorrentDescriptor)) *Reader {
	return &Reader{
		eng:          eng,
		infoHash:     ih,
		start:        start,
		stop:         stop,
		user:         user,
		tracker:      tracker,
		configureATP: configureATP,
		pos:          start,
		log:          slog.With("component", "bufreader", "info_hash", ih.String()),
	}
}

// Len returns the size of the readable range.
func (r *Reader) Len() int64 { return r.stop - r.start }

// Seek implements io.Seeker. Any outstanding request is cancelled and
// buffered data discarded; the next Read issues a fresh request from the
// new position, mirroring torrent_io.py's seek().
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = r.start + offset
	case io.SeekCurrent:
		abs = r.pos + offset
	case io.SeekEnd:
		abs = r.stop + offset
	default:
		return 0, errors.New("bufreader: invalid whence")
	}
	if abs < r.start || abs > r.stop {
		return 0, errors.New("bufreader: seek out of range")
	}
	if abs != r.pos {
		r.dropRequestLocked()
		r.pos = abs
	}
	return r.pos - r.start, nil
}

func (r *Reader) dropRequestLocked() {
	if r.req != nil {
		r.req.Cancel()
		r.req = nil
	}
	r.leftover = nil
}

// Close cancels any outstanding request.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropRequestLocked()
	return nil
}

// Read implements io.Reader with read1-style semantics: it returns as soon
// as any data is available rather than blocking to fill p, which keeps
// streaming playback responsive per the teacher's PriorityReader and
// tvaf's BufferedTorrentIO.read1.
func (r *Reader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readLocked(p, true)
}

// ReadAt implements io.ReaderAt, which requires filling p completely (or
// returning a short read only at EOF). It seeks internally, then reads to
// exhaustion the way the teacher's PriorityReader.ReadAt wraps io.ReadFull.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	abs := r.start + off
	if abs != r.pos {
		r.dropRequestLocked()
		r.pos = abs
	}

	total := 0
	for total < len(p) {
		n, err := r.readLocked(p[total:], false)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrNoProgress
		}
	}
	return total, nil
}

// readLocked serves from leftover first, then issues (or reuses) a READ
// request covering the remainder of the caller's buffer. When read1 is
// true it returns as soon as any bytes are copied; otherwise it blocks
// until at least one byte lands even across request boundaries, letting
// ReadAt loop it to exhaustion.
func (r *Reader) readLocked(p []byte, read1 bool) (int, error) {
	if r.pos >= r.stop {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	n := r.drainLeftoverLocked(p)
	if n > 0 {
		return n, nil
	}

	for {
		if r.req == nil {
			stop := r.stop
			if read1 {
				// Request only a byte so the engine schedules exactly the
				// one piece this read needs; the entry delivers the whole
				// piece regardless (see onReadPiece), and it's drained here
				// across as many Read calls as the caller's buffers need.
				stop = r.pos + 1
			} else {
				want := r.pos + int64(len(p))
				if want < stop {
					stop = want
				}
			}
			r.req = r.eng.AddRequest(reqengine.Params{
				InfoHash:     r.infoHash,
				Start:        r.pos,
				Stop:         stop,
				Mode:         reqengine.ModeRead,
				User:         r.user,
				Tracker:      r.tracker,
				ConfigureATP: r.configureATP,
			})
		}

		chunks, err := r.req.Dequeue(len(p))
		if err != nil {
			r.req = nil
			if reqerr.Is(err, reqerr.KindCancelled) || reqerr.Is(err, reqerr.KindTorrentRemoved) {
				return 0, context.Canceled
			}
			return 0, err
		}
		if len(chunks) > 0 {
			r.mergeChunksLocked(chunks)
			n := r.drainLeftoverLocked(p)
			if n > 0 {
				return n, nil
			}
		}
		if !r.req.HasData() {
			if !r.req.IsActive() {
				// Retired by the entry once its covered pieces were fully
				// delivered; it will never wake again. Start a fresh
				// request for whatever range is still unread.
				r.req = nil
				continue
			}
			r.mu.Unlock()
			r.req.Wait(0)
			r.mu.Lock()
		}
	}
}

// mergeChunksLocked appends freshly dequeued chunks to leftover and keeps it
// sorted by absolute offset. Delivery across piece boundaries is not
// offset-monotonic: a contiguous chunk can arrive after one further ahead,
// so leftover can't be treated as a plain FIFO.
func (r *Reader) mergeChunksLocked(cs []reqengine.Chunk) {
	for _, c := range cs {
		r.leftover = append(r.leftover, chunk{offset: c.Offset, data: c.Data})
	}
	sort.Slice(r.leftover, func(i, j int) bool {
		return r.leftover[i].offset < r.leftover[j].offset
	})
}

// drainLeftoverLocked copies any leftover bytes that are contiguous with
// r.pos into p, advancing r.pos and trimming consumed leftover entries.
// leftover is kept sorted by offset, so the next contiguous chunk (if any
// has arrived) is always at index 0; anything below r.pos was already
// consumed and anything above is a gap still in flight.
func (r *Reader) drainLeftoverLocked(p []byte) int {
	total := 0
	for total < len(p) && len(r.leftover) > 0 {
		c := r.leftover[0]
		if c.offset != r.pos {
			// Not yet contiguous; wait for the missing predecessor chunk.
			break
		}
		n := copy(p[total:], c.data)
		total += n
		r.pos += int64(n)
		if n == len(c.data) {
			r.leftover = r.leftover[1:]
		} else {
			r.leftover[0] = chunk{offset: c.offset + int64(n), data: c.data[n:]}
		}
	}
	return total
}
