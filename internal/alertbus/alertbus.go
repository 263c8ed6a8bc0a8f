// Package alertbus implements C1: a single consumer of the engine's
// strictly ordered alert stream, fanned out to any number of filtered,
// independently-paced subscribers.
//
// Grounded on the single-producer-thread-with-fanout shape of
// _examples/original_source/tvaf/driver.py's AlertDriver, generalized with
// the per-subscriber type/handle filter, resume cursor, and bounded
// overflow-signalling queue that driver.py's plain handler set lacks and
// spec.md §4.1 requires.
package alertbus

import (
	"log/slog"
	"sync"

	"github.com/privatevod/tvafengine/internal/engine"
	"github.com/privatevod/tvafengine/internal/infohash"
)

// defaultQueueSize is the per-subscription buffered alert queue depth
// before a subscription is signalled Overflow and torn down.
const defaultQueueSize = 1024

// Bus multiplexes one engine.Session's alert stream to many Subscriptions.
type Bus struct {
	log *slog.Logger

	mu   sync.Mutex
	subs map[*Subscription]struct{}
	seq  int64

	// history is a short ring of recently posted alerts, enough to let a
	// subscription created with a cursor "catch up" without missing
	// anything posted between its creation and its first Subscribe call,
	// per spec.md §4.1(a)'s must-not-miss guarantee.
	history    []engine.Alert
	historyCap int

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Bus and starts its pump goroutine reading from sess.
func New(sess engine.Session) *Bus {
	b := &Bus{
		log:        slog.With("component", "alert-bus"),
		subs:       make(map[*Subscription]struct{}),
		historyCap: 256,
		done:       make(chan struct{}),
	}
	go b.pump(sess)
	return b
}

func (b *Bus) pump(sess engine.Session) {
	for {
		select {
		case <-b.done:
			return
		case a, ok := <-sess.Subscribe():
			if !ok {
				b.closeAll()
				return
			}
			b.dispatch(a)
		}
	}
}

func (b *Bus) dispatch(a engine.Alert) {
	b.mu.Lock()
	b.seq++
	a.Seq = b.seq

	b.history = append(b.history, a)
	if len(b.history) > b.historyCap {
		b.history = b.history[len(b.history)-b.historyCap:]
	}

	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.deliver(a)
	}
}

// Filter selects which alerts a Subscription receives.
type Filter struct {
	Types    []engine.AlertType // nil/empty means all types
	InfoHash *infohash.T        // nil means all torrents
	// Cursor, if > 0, replays buffered history with Seq > Cursor before
	// live delivery begins, so a subscriber created just after an action
	// doesn't miss the alert that action provoked.
	Cursor int64
}

func (f Filter) matches(a engine.Alert) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if t == a.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.InfoHash != nil && *f.InfoHash != a.InfoHash {
		return false
	}
	return true
}

// Subscription is one filtered view of the bus's alert stream.
type Subscription struct {
	b      *Bus
	filter Filter

	mu        sync.Mutex
	queue     chan engine.Alert
	overflow  bool
	closeOnce sync.Once
	closed    chan struct{}
}

// Subscribe creates a new filtered subscription. Per spec.md §4.1(a), no
// alert posted at or after this call that matches filter will be missed:
// any buffered history alert with Seq > filter.Cursor is replayed first.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	s := &Subscription{
		b:      b,
		filter: filter,
		queue:  make(chan engine.Alert, defaultQueueSize),
		closed: make(chan struct{}),
	}

	b.mu.Lock()
	var backlog []engine.Alert
	for _, a := range b.history {
		if a.Seq > filter.Cursor && filter.matches(a) {
			backlog = append(backlog, a)
		}
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	for _, a := range backlog {
		s.enqueue(a)
	}
	return s
}

func (s *Subscription) deliver(a engine.Alert) {
	if !s.filter.matches(a) {
		return
	}
	s.enqueue(a)
}

func (s *Subscription) enqueue(a engine.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overflow {
		return
	}
	select {
	case s.queue <- a:
	default:
		s.overflow = true
		overflowAlert := engine.Alert{Type: -1, Seq: a.Seq}
		select {
		case s.queue <- overflowAlert:
		default:
		}
		s.b.log.Warn("subscription overflowed, closing")
		s.Close()
	}
}

// Recv blocks for the next alert, or returns ok=false once the
// subscription is closed (explicitly, or via Overflow).
func (s *Subscription) Recv() (engine.Alert, bool) {
	select {
	case a, ok := <-s.queue:
		return a, ok
	case <-s.closed:
		select {
		case a, ok := <-s.queue:
			return a, ok
		default:
			return engine.Alert{}, false
		}
	}
}

// IsOverflow reports whether this subscription hit its buffer limit and is
// being torn down.
func (s *Subscription) IsOverflow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overflow
}

// Close is idempotent and unblocks any Recv waiting on this subscription.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.b.mu.Lock()
		delete(s.b.subs, s)
		s.b.mu.Unlock()
		close(s.closed)
	})
}

func (b *Bus) closeAll() {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

// Stop halts the bus's pump goroutine and closes every live subscription.
func (b *Bus) Stop() {
	b.closeOnce.Do(func() { close(b.done) })
	b.closeAll()
}
