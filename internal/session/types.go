package session

import (
	"errors"
	"time"
)

// State is the lifecycle phase of a remote-control session. Transitions
// only ever move forward; StateClosed is terminal.
type State string

const (
	StateCreated   State = "created"
	StateStarting  State = "starting"
	StateStreaming State = "streaming"
	StateStopping  State = "stopping"
	StateClosed    State = "closed"
)

var stateRank = map[State]int{
	StateCreated:   0,
	StateStarting:  1,
	StateStreaming: 2,
	StateStopping:  3,
	StateClosed:    4,
}

// Terminal reports whether no further transitions are permitted.
func (s State) Terminal() bool {
	return s == StateClosed
}

// CanTransition reports whether the state machine permits moving from
// one state to another. Closing is allowed from any non-terminal state.
func CanTransition(from, to State) bool {
	fromRank, ok := stateRank[from]
	if !ok {
		return false
	}
	toRank, ok := stateRank[to]
	if !ok {
		return false
	}
	if from.Terminal() {
		return false
	}
	if to == StateClosed {
		return true
	}
	return toRank > fromRank
}

// StopReason records why a session reached its terminal state.
type StopReason string

const (
	ReasonUserRequested      StopReason = "user_requested"
	ReasonTimeout            StopReason = "timeout"
	ReasonDeviceDisconnected StopReason = "device_disconnected"
	ReasonViewerDisconnected StopReason = "viewer_disconnected"
	ReasonError              StopReason = "error"
)

// Origin identifies which peer produced traffic on a session.
type Origin string

const (
	OriginDevice Origin = "device"
	OriginViewer Origin = "viewer"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrInvalidState = errors.New("session not in a usable state")
	ErrInvalidOwner = errors.New("device or user could not be resolved")
)

// Session is the persisted record of a single remote-control engagement.
// DeviceID and UserID are immutable after creation.
type Session struct {
	ID             string     `json:"session_id"`
	DeviceID       string     `json:"device_id"`
	UserID         string     `json:"user_id"`
	State          State      `json:"state"`
	StopReason     StopReason `json:"stop_reason,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	TimeoutAt      time.Time  `json:"timeout_at"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`
}

// Expired reports whether the idle deadline has passed.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.TimeoutAt)
}
