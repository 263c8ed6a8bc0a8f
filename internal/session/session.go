// Package session implements C2: it owns the embedded engine handle,
// applies a reconfigurable settings map with a blacklist/overrides policy,
// and maintains a reference-counted required-alert-mask.
//
// Grounded directly on _examples/original_source/tvaf/session.py's
// SessionService: the _OVERRIDES/_BLACKLIST maps, _parse_config validation,
// and set_config diff-before-apply behavior are carried over unchanged in
// meaning.
package session

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/privatevod/tvafengine/internal/engine"
	"github.com/privatevod/tvafengine/internal/infohash"
	"github.com/privatevod/tvafengine/internal/reqerr"
)

// requiredAlertMask is the bitwise-OR'd-in baseline every session needs
// regardless of subscriber demand: enough to drive C3/C4/C7.
const requiredAlertMask uint64 = 1<<0 | 1<<1 | 1<<2 | 1<<3

// overrides are forced regardless of what the config says, mirroring
// session.py's _OVERRIDES (announce_ip, handshake_client_version,
// enable_lsd, enable_dht, alert_queue_size).
var overrides = map[string]any{
	"announce_ip":             "",
	"handshake_client_version": "",
	"enable_lsd":               false,
	"enable_dht":               false,
	"alert_queue_size":         uint64(1<<32 - 1),
}

// blacklist is silently dropped from user input and forced to defaults,
// mirroring session.py's _BLACKLIST (user_agent, peer_fingerprint).
var blacklist = map[string]struct{}{
	"user_agent":       {},
	"peer_fingerprint": {},
}

// recognizedBases are the only accepted values for session_settings_base.
var recognizedBases = map[string]struct{}{
	"default_settings":      {},
	"high_performance_seed": {},
}

// Wrapper is C2: the reconfigurable façade over an engine.Session.
type Wrapper struct {
	eng engine.Session
	log *slog.Logger

	mu          sync.Mutex
	applied     map[string]any
	maskRefs    map[uint64]int
	liveMask    uint64
}

// New wraps an engine.Session, applying the baseline required alert mask.
func New(eng engine.Session) *Wrapper {
	w := &Wrapper{
		eng:      eng,
		log:      slog.With("component", "session"),
		applied:  make(map[string]any),
		maskRefs: make(map[uint64]int),
	}
	eng.IncAlertMask(requiredAlertMask)
	return w
}

// parseConfig validates a raw session settings map whose keys are engine
// setting names without any "session_" prefix (keys are used as given),
// rejecting unrecognized settings_base values, applying the blacklist, and
// forcing overrides. Mirrors session.py's _parse_config.
func parseConfig(raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if k == "settings_base" {
			base, ok := v.(string)
			if !ok {
				return nil, reqerr.New(reqerr.KindInvalidConfig, "session_settings_base must be a string")
			}
			if _, ok := recognizedBases[base]; !ok {
				return nil, reqerr.New(reqerr.KindInvalidConfig, fmt.Sprintf("unrecognized session_settings_base %q", base))
			}
			out[k] = v
			continue
		}
		if _, blocked := blacklist[k]; blocked {
			continue
		}
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out, nil
}

// SetConfig diffs the incoming settings against what's currently applied
// and only calls through to the engine if something actually changed,
// mirroring session.py's set_config.
func (w *Wrapper) SetConfig(raw map[string]any) error {
	parsed, err := parseConfig(raw)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	deltas := make(map[string]any)
	for k, v := range parsed {
		if existing, ok := w.applied[k]; !ok || existing != v {
			deltas[k] = v
		}
	}
	if len(deltas) == 0 {
		return nil
	}

	if err := w.eng.ApplySettings(deltas); err != nil {
		return reqerr.Wrap(reqerr.KindInvalidConfig, "apply settings", err)
	}
	for k, v := range deltas {
		w.applied[k] = v
	}
	w.log.Info("applied session settings", "changed_keys", len(deltas))
	return nil
}

// IncAlertMask adds a reference-counted contribution to the live alert
// mask; the engine's mask is the bitwise OR of requiredAlertMask and every
// live contribution.
func (w *Wrapper) IncAlertMask(bits uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.maskRefs[bits]++
	if w.maskRefs[bits] == 1 {
		w.liveMask |= bits
		w.eng.IncAlertMask(bits)
	}
}

// DecAlertMask releases a contribution previously added with IncAlertMask.
func (w *Wrapper) DecAlertMask(bits uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.maskRefs[bits] == 0 {
		return
	}
	w.maskRefs[bits]--
	if w.maskRefs[bits] == 0 {
		delete(w.maskRefs, bits)
		w.liveMask &^= bits
		w.eng.DecAlertMask(bits)
	}
}

func (w *Wrapper) AddTorrentAsync(desc engine.AddTorrentDescriptor) {
	w.eng.AddTorrentAsync(desc)
}

func (w *Wrapper) RemoveTorrent(h engine.Handle, withData bool) {
	w.eng.RemoveTorrent(h, withData)
}

func (w *Wrapper) FindTorrent(ih infohash.T) (engine.Handle, bool) {
	return w.eng.FindTorrent(ih)
}

func (w *Wrapper) Pause() { w.eng.Pause() }

func (w *Wrapper) Close() error { return w.eng.Close() }

// Underlying exposes the wrapped engine.Session for components (the Alert
// Bus) that need the raw alert channel.
func (w *Wrapper) Underlying() engine.Session { return w.eng }
