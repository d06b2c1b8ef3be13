package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mirrorlink/server/internal/directory"
)

// StateChange is emitted to watchers whenever a session transitions.
type StateChange struct {
	SessionID string
	State     State
	Reason    StopReason
}

// Manager owns the session state machine and ownership checks. All
// lifecycle mutations go through it; relays and adapters only request
// transitions. Writes are serialized per session id, reads are
// concurrent.
type Manager struct {
	store       Store
	resolver    directory.Resolver
	idleTimeout time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	watchMu  sync.RWMutex
	watchers map[string][]chan StateChange

	closeMu sync.RWMutex
	onClose func(*Session)
}

func NewManager(store Store, resolver directory.Resolver, idleTimeout time.Duration) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	return &Manager{
		store:       store,
		resolver:    resolver,
		idleTimeout: idleTimeout,
		locks:       make(map[string]*sync.Mutex),
		watchers:    make(map[string][]chan StateChange),
	}
}

// SetCloseHook registers a callback invoked once per terminal
// transition, with a copy of the closed session.
func (m *Manager) SetCloseHook(hook func(*Session)) {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()
	m.onClose = hook
}

// Create validates both identities and persists a new session in
// StateCreated. Fails with ErrInvalidOwner when either id does not
// resolve.
func (m *Manager) Create(ctx context.Context, deviceID, userID string) (*Session, error) {
	if _, err := m.resolver.ResolveDevice(ctx, deviceID); err != nil {
		return nil, fmt.Errorf("%w: device %s", ErrInvalidOwner, deviceID)
	}
	if _, err := m.resolver.ResolveUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("%w: user %s", ErrInvalidOwner, userID)
	}

	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		DeviceID:       deviceID,
		UserID:         userID,
		State:          StateCreated,
		StartedAt:      now,
		LastActivityAt: now,
		TimeoutAt:      now.Add(m.idleTimeout),
	}
	if err := m.store.Create(ctx, s); err != nil {
		return nil, err
	}
	return clone(s), nil
}

func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	return m.store.Get(ctx, id)
}

// RecordActivity advances the idle deadline and opportunistically moves
// the session toward StateStreaming. Device traffic implies media is
// flowing; viewer-only traffic implies the session is starting.
// Returns ErrInvalidState on terminal or expired sessions.
func (m *Manager) RecordActivity(ctx context.Context, id string, origin Origin) error {
	l := m.sessionLock(id)
	l.Lock()
	defer l.Unlock()

	s, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.State.Terminal() {
		return ErrInvalidState
	}
	now := time.Now().UTC()
	if s.Expired(now) {
		if err := m.closeLocked(ctx, s, ReasonTimeout, now); err != nil {
			return err
		}
		return ErrInvalidState
	}

	s.LastActivityAt = now
	s.TimeoutAt = now.Add(m.idleTimeout)

	next := s.State
	switch origin {
	case OriginDevice:
		if s.State == StateCreated || s.State == StateStarting {
			next = StateStreaming
		}
	case OriginViewer:
		if s.State == StateCreated {
			next = StateStarting
		}
	}
	changed := next != s.State && CanTransition(s.State, next)
	if changed {
		s.State = next
	}
	if err := m.store.Update(ctx, s); err != nil {
		return err
	}
	if changed {
		m.notify(StateChange{SessionID: s.ID, State: s.State})
	}
	return nil
}

// Stop transitions the session to StateClosed regardless of its
// current non-terminal state. Stopping an already-closed session is ok
// and has no side effects.
func (m *Manager) Stop(ctx context.Context, id string, reason StopReason) error {
	l := m.sessionLock(id)
	l.Lock()
	defer l.Unlock()

	s, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.State.Terminal() {
		return nil
	}
	return m.closeLocked(ctx, s, reason, time.Now().UTC())
}

// Drain moves a session to StateStopping for a graceful teardown. The
// caller still has to Stop it to reach the terminal state.
func (m *Manager) Drain(ctx context.Context, id string) error {
	l := m.sessionLock(id)
	l.Lock()
	defer l.Unlock()

	s, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(s.State, StateStopping) {
		return ErrInvalidState
	}
	s.State = StateStopping
	if err := m.store.Update(ctx, s); err != nil {
		return err
	}
	m.notify(StateChange{SessionID: s.ID, State: s.State})
	return nil
}

// IsUsable reports whether the session exists, is non-terminal, has not
// idle-expired, and is owned by the requesting user. Observing an
// expired session closes it.
func (m *Manager) IsUsable(ctx context.Context, id, requestingUserID string) bool {
	s, err := m.store.Get(ctx, id)
	if err != nil {
		return false
	}
	if s.State.Terminal() {
		return false
	}
	if s.Expired(time.Now().UTC()) {
		_ = m.Stop(ctx, id, ReasonTimeout)
		return false
	}
	return s.UserID == requestingUserID
}

// Watch subscribes to state changes for one session id. The returned
// cancel function releases the subscription. Slow subscribers miss
// events rather than block transitions.
func (m *Manager) Watch(id string) (<-chan StateChange, func()) {
	ch := make(chan StateChange, 8)
	m.watchMu.Lock()
	m.watchers[id] = append(m.watchers[id], ch)
	m.watchMu.Unlock()

	cancel := func() {
		m.watchMu.Lock()
		defer m.watchMu.Unlock()
		chans := m.watchers[id]
		for i, c := range chans {
			if c == ch {
				m.watchers[id] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(m.watchers[id]) == 0 {
			delete(m.watchers, id)
		}
	}
	return ch, cancel
}

// StartJanitor periodically sweeps for idle-expired sessions so nothing
// lingers when an endpoint disappears without signaling.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepExpired(ctx)
			}
		}
	}()
}

func (m *Manager) sweepExpired(ctx context.Context) {
	ids, err := m.store.ListExpired(ctx, time.Now().UTC())
	if err != nil {
		log.Printf("session sweep failed: %v", err)
		return
	}
	for _, id := range ids {
		if err := m.Stop(ctx, id, ReasonTimeout); err != nil {
			log.Printf("session sweep stop %s failed: %v", id, err)
		}
	}
	if len(ids) > 0 {
		log.Printf("session sweep closed %d idle session(s)", len(ids))
	}
}

func (m *Manager) sessionLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// closeLocked performs the terminal transition. Callers hold the
// per-session lock and have verified the session is non-terminal.
func (m *Manager) closeLocked(ctx context.Context, s *Session, reason StopReason, now time.Time) error {
	s.State = StateClosed
	s.StopReason = reason
	s.StoppedAt = &now
	if err := m.store.Update(ctx, s); err != nil {
		return err
	}

	// Terminal sessions take no further writes; the lock entry can go.
	m.mu.Lock()
	delete(m.locks, s.ID)
	m.mu.Unlock()

	m.notify(StateChange{SessionID: s.ID, State: StateClosed, Reason: reason})

	m.closeMu.RLock()
	hook := m.onClose
	m.closeMu.RUnlock()
	if hook != nil {
		hook(clone(s))
	}
	return nil
}

func (m *Manager) notify(sc StateChange) {
	m.watchMu.RLock()
	chans := append([]chan StateChange(nil), m.watchers[sc.SessionID]...)
	m.watchMu.RUnlock()
	for _, ch := range chans {
		select {
		case ch <- sc:
		default:
		}
	}
}
