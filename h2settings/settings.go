// Package h2settings holds the connection's SETTINGS state: the local
// values this endpoint advertises and the peer's values as most recently
// updated by an inbound SETTINGS frame. A Stream only ever reads the peer
// side, through a read-only Snapshot.
package h2settings

import (
	"sync"

	"github.com/jakegut/h2stream/frame"
)

// Snapshot is the peer-settings handle the stream FSM is allowed to read.
type Snapshot struct {
	HeaderTableSize      uint32
	EnablePush           bool
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    *uint32 // nil means unlimited
}

// Settings is mutated only by the connection's inbound frame loop
// (applying the peer's SETTINGS updates) and read from any goroutine via
// Snapshot, which takes a copy under lock.
type Settings struct {
	mu    sync.RWMutex
	peer  Snapshot
	local Snapshot
}

// Default mirrors RFC 7540 §6.5.2's defaults, used as the initial peer
// view until the peer's own SETTINGS frame arrives. The one exception is
// MaxConcurrentStreams, which the RFC leaves unlimited and which is 64
// here.
func Default() *Settings {
	def := Snapshot{
		HeaderTableSize:      4096,
		EnablePush:           true,
		MaxConcurrentStreams: 64,
		InitialWindowSize:    65535,
		MaxFrameSize:         16384,
		MaxHeaderListSize:    nil,
	}
	return &Settings{peer: def, local: def}
}

// Snapshot returns a copy of the peer's current settings.
func (s *Settings) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peer
}

// Local returns a copy of the settings this endpoint advertises.
func (s *Settings) Local() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.local
}

// ApplyPeer folds one SETTINGS parameter/value pair from an inbound
// SETTINGS frame into the peer snapshot.
func (s *Settings) ApplyPeer(param frame.Param, value uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	applyTo(&s.peer, param, value)
}

// ApplyPeerFrame folds every argument of an inbound (non-ACK) SETTINGS
// frame into the peer snapshot in one locked pass.
func (s *Settings) ApplyPeerFrame(args []frame.SettingArg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range args {
		applyTo(&s.peer, a.Param, a.Value)
	}
}

func applyTo(snap *Snapshot, param frame.Param, value uint32) {
	switch param {
	case frame.SettingsHeaderTableSize:
		snap.HeaderTableSize = value
	case frame.SettingsEnablePush:
		snap.EnablePush = value == 1
	case frame.SettingsMaxConcurrentStreams:
		snap.MaxConcurrentStreams = value
	case frame.SettingsInitialWindowSize:
		snap.InitialWindowSize = value
	case frame.SettingsMaxFrameSize:
		snap.MaxFrameSize = value
	case frame.SettingsMaxHeaderListSize:
		v := value
		snap.MaxHeaderListSize = &v
	}
}
