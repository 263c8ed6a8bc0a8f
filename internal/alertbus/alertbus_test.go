package alertbus

import (
	"testing"
	"time"

	"github.com/privatevod/tvafengine/internal/engine"
	"github.com/privatevod/tvafengine/internal/infohash"
)

// fakeSession is a minimal engine.Session whose only exercised method is
// Subscribe; every other method is a no-op since the bus's pump goroutine
// never calls them.
type fakeSession struct {
	ch chan engine.Alert
}

func newFakeSession() *fakeSession {
	return &fakeSession{ch: make(chan engine.Alert, 16)}
}

func (f *fakeSession) ApplySettings(map[string]any) error                 { return nil }
func (f *fakeSession) IncAlertMask(bits uint64)                           {}
func (f *fakeSession) DecAlertMask(bits uint64)                           {}
func (f *fakeSession) AddTorrentAsync(desc engine.AddTorrentDescriptor)   {}
func (f *fakeSession) RemoveTorrent(h engine.Handle, withData bool)       {}
func (f *fakeSession) FindTorrent(ih infohash.T) (engine.Handle, bool)    { return nil, false }
func (f *fakeSession) Pause()                                            {}
func (f *fakeSession) Close() error                                      { return nil }
func (f *fakeSession) Subscribe() <-chan engine.Alert                    { return f.ch }

func recvWithTimeout(t *testing.T, s *Subscription) (engine.Alert, bool) {
	t.Helper()
	type result struct {
		a  engine.Alert
		ok bool
	}
	done := make(chan result, 1)
	go func() {
		a, ok := s.Recv()
		done <- result{a, ok}
	}()
	select {
	case r := <-done:
		return r.a, r.ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Recv()")
		return engine.Alert{}, false
	}
}

func TestBusDeliversMatchingAlert(t *testing.T) {
	sess := newFakeSession()
	bus := New(sess)
	defer bus.Stop()

	sub := bus.Subscribe(Filter{})
	defer sub.Close()

	sess.ch <- engine.Alert{Type: engine.AlertPieceFinished, Piece: 5}

	a, ok := recvWithTimeout(t, sub)
	if !ok {
		t.Fatal("Recv() ok = false, want true")
	}
	if a.Type != engine.AlertPieceFinished || a.Piece != 5 {
		t.Errorf("got %+v, want Type=AlertPieceFinished Piece=5", a)
	}
	if a.Seq != 1 {
		t.Errorf("Seq = %d, want 1 (first dispatched alert)", a.Seq)
	}
}

func TestFilterByType(t *testing.T) {
	sess := newFakeSession()
	bus := New(sess)
	defer bus.Stop()

	sub := bus.Subscribe(Filter{Types: []engine.AlertType{engine.AlertHashFailed}})
	defer sub.Close()

	sess.ch <- engine.Alert{Type: engine.AlertPieceFinished}
	sess.ch <- engine.Alert{Type: engine.AlertHashFailed}

	a, ok := recvWithTimeout(t, sub)
	if !ok {
		t.Fatal("Recv() ok = false, want true")
	}
	if a.Type != engine.AlertHashFailed {
		t.Errorf("got Type=%v, want AlertHashFailed (AlertPieceFinished should have been filtered out)", a.Type)
	}
}

func TestFilterByInfoHash(t *testing.T) {
	sess := newFakeSession()
	bus := New(sess)
	defer bus.Stop()

	want, _ := infohash.FromHexString("1111111111111111111111111111111111111111")
	other, _ := infohash.FromHexString("2222222222222222222222222222222222222222")

	sub := bus.Subscribe(Filter{InfoHash: &want})
	defer sub.Close()

	sess.ch <- engine.Alert{Type: engine.AlertStateChanged, InfoHash: other}
	sess.ch <- engine.Alert{Type: engine.AlertStateChanged, InfoHash: want}

	a, ok := recvWithTimeout(t, sub)
	if !ok {
		t.Fatal("Recv() ok = false, want true")
	}
	if a.InfoHash != want {
		t.Errorf("InfoHash = %v, want %v", a.InfoHash, want)
	}
}

func TestSubscribeReplaysHistoryPastCursor(t *testing.T) {
	sess := newFakeSession()
	bus := New(sess)
	defer bus.Stop()

	warm := bus.Subscribe(Filter{})
	sess.ch <- engine.Alert{Type: engine.AlertPieceFinished, Piece: 1}
	sess.ch <- engine.Alert{Type: engine.AlertPieceFinished, Piece: 2}
	first, _ := recvWithTimeout(t, warm)
	warm.Close()

	// A late subscriber with Cursor == first.Seq should only see the
	// second alert replayed, not the first.
	late := bus.Subscribe(Filter{Cursor: first.Seq})
	defer late.Close()

	a, ok := recvWithTimeout(t, late)
	if !ok {
		t.Fatal("Recv() ok = false, want true")
	}
	if a.Piece != 2 {
		t.Errorf("replayed alert piece = %d, want 2", a.Piece)
	}
}

func TestCloseUnblocksRecv(t *testing.T) {
	sess := newFakeSession()
	bus := New(sess)
	defer bus.Stop()

	sub := bus.Subscribe(Filter{})
	sub.Close()

	_, ok := recvWithTimeout(t, sub)
	if ok {
		t.Error("Recv() after Close() should return ok=false")
	}
}

func TestOverflowClosesSubscription(t *testing.T) {
	sess := newFakeSession()
	bus := New(sess)
	defer bus.Stop()

	sub := bus.Subscribe(Filter{})
	defer sub.Close()

	for i := 0; i < defaultQueueSize+10; i++ {
		sess.ch <- engine.Alert{Type: engine.AlertPieceFinished, Piece: i}
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("subscription never reported overflow")
		default:
		}
		if sub.IsOverflow() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFilterMatchesEmptyTypesMeansAll(t *testing.T) {
	f := Filter{}
	if !f.matches(engine.Alert{Type: engine.AlertTorrentFinished}) {
		t.Error("empty Filter.Types should match every alert type")
	}
}
