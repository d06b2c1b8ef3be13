package relay

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/mirrorlink/server/internal/observability"
	"github.com/mirrorlink/server/internal/protocol"
	"github.com/mirrorlink/server/internal/session"
)

// ErrNotFound means no live relay instance exists for the session id,
// even if a closed session record is still retained.
var ErrNotFound = errors.New("relay instance not found")

// Engine owns one Relay per active session. A slow or flooded session
// only ever backs up its own instance.
type Engine struct {
	manager    *session.Manager
	metrics    *observability.Metrics
	controlCap int
	mediaCap   int

	mu     sync.RWMutex
	relays map[string]*Relay
}

func NewEngine(manager *session.Manager, controlCap, mediaCap int, metrics *observability.Metrics) *Engine {
	if controlCap <= 0 {
		controlCap = 100
	}
	if mediaCap <= 0 {
		mediaCap = 30
	}
	return &Engine{
		manager:    manager,
		metrics:    metrics,
		controlCap: controlCap,
		mediaCap:   mediaCap,
		relays:     make(map[string]*Relay),
	}
}

// RegisterDevicePeer attaches the device-side sink for a session,
// creating the relay instance on first use. Authorization happens in
// the gate before this call.
func (e *Engine) RegisterDevicePeer(ctx context.Context, sessionID string, sink Sink) error {
	return e.registerPeer(ctx, sessionID, RoleDevice, sink)
}

// RegisterViewerPeer attaches the viewer-side sink for a session.
func (e *Engine) RegisterViewerPeer(ctx context.Context, sessionID string, sink Sink) error {
	return e.registerPeer(ctx, sessionID, RoleViewer, sink)
}

func (e *Engine) registerPeer(ctx context.Context, sessionID string, role Role, sink Sink) error {
	r, err := e.ensureRelay(ctx, sessionID)
	if err != nil {
		return err
	}
	if r.RegisterPeer(role, sink) != OK {
		return ErrNotFound
	}
	return nil
}

// UnregisterPeer detaches a role's sink without tearing the relay
// down; queued traffic waits for a replacement registration.
func (e *Engine) UnregisterPeer(sessionID string, role Role) {
	e.mu.RLock()
	r := e.relays[sessionID]
	e.mu.RUnlock()
	if r != nil {
		r.UnregisterPeer(role)
	}
}

// ForwardControl relays one viewer input event toward the device and
// records the activity on success.
func (e *Engine) ForwardControl(ctx context.Context, sessionID string, msg protocol.ControlMessage) Outcome {
	e.mu.RLock()
	r := e.relays[sessionID]
	e.mu.RUnlock()
	if r == nil {
		return InvalidSession
	}
	out := r.ForwardControl(msg)
	switch out {
	case OK:
		e.countForwarded("control")
		// An activity failure means the session just went terminal and
		// the close hook tore the relay down; the accepted message
		// stands, later forwards report InvalidSession.
		_ = e.manager.RecordActivity(ctx, sessionID, session.OriginViewer)
	case Dropped:
		e.countDropped("control")
	}
	return out
}

// ForwardMedia relays one device frame toward the viewer and records
// the activity on success.
func (e *Engine) ForwardMedia(ctx context.Context, sessionID string, frame protocol.MediaFrame) Outcome {
	e.mu.RLock()
	r := e.relays[sessionID]
	e.mu.RUnlock()
	if r == nil {
		return InvalidSession
	}
	out := r.ForwardMedia(frame)
	switch out {
	case OK:
		e.countForwarded("media")
		_ = e.manager.RecordActivity(ctx, sessionID, session.OriginDevice)
	case Dropped:
		e.countDropped("media")
	}
	return out
}

// GetStats returns the live counters for a session's relay instance,
// or ErrNotFound once the instance has been torn down.
func (e *Engine) GetStats(sessionID string) (Stats, error) {
	e.mu.RLock()
	r := e.relays[sessionID]
	e.mu.RUnlock()
	if r == nil {
		return Stats{}, ErrNotFound
	}
	return r.Stats(), nil
}

// OnSessionClosed tears down the relay instance for a closed session.
// Wire it as the Manager's close hook.
func (e *Engine) OnSessionClosed(s *session.Session) {
	e.mu.Lock()
	r := e.relays[s.ID]
	delete(e.relays, s.ID)
	e.mu.Unlock()
	if r != nil {
		r.Close(string(s.StopReason))
		log.Printf("relay torn down for session %s (%s)", s.ID, s.StopReason)
	}
}

// Shutdown closes every live relay instance.
func (e *Engine) Shutdown(reason string) {
	e.mu.Lock()
	relays := e.relays
	e.relays = make(map[string]*Relay)
	e.mu.Unlock()
	for _, r := range relays {
		r.Close(reason)
	}
}

// ensureRelay returns the session's relay instance, creating it when
// the session is usable and none exists yet.
func (e *Engine) ensureRelay(ctx context.Context, sessionID string) (*Relay, error) {
	e.mu.RLock()
	r := e.relays[sessionID]
	e.mu.RUnlock()
	if r != nil {
		return r, nil
	}

	s, err := e.manager.Get(ctx, sessionID)
	if err != nil {
		return nil, ErrNotFound
	}
	if s.State.Terminal() || s.Expired(time.Now().UTC()) {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if r = e.relays[sessionID]; r != nil {
		return r, nil
	}
	r = newRelay(sessionID, e.controlCap, e.mediaCap)
	e.relays[sessionID] = r
	return r, nil
}

func (e *Engine) countForwarded(class string) {
	if e.metrics != nil {
		e.metrics.RelayForwarded.WithLabelValues(class).Inc()
	}
}

func (e *Engine) countDropped(class string) {
	if e.metrics != nil {
		e.metrics.RelayDropped.WithLabelValues(class).Inc()
	}
}
