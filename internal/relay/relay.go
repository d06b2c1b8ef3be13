package relay

import (
	"sync"

	"github.com/mirrorlink/server/internal/protocol"
)

// Outcome classifies the result of a forward call. Dropped is an
// expected backpressure outcome, not a fault.
type Outcome int

const (
	OK Outcome = iota
	Dropped
	InvalidSession
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Dropped:
		return "dropped"
	case InvalidSession:
		return "invalid_session"
	default:
		return "unknown"
	}
}

// Role names the two peer slots of a relay instance.
type Role string

const (
	RoleDevice Role = "device"
	RoleViewer Role = "viewer"
)

// Sink is the opaque handle through which the relay delivers forwarded
// messages to one peer's transport adapter. Deliver may block on the
// peer's socket; the relay only ever calls it from its pump goroutines.
type Sink interface {
	Deliver(msg any) error
	SessionClosed(reason string)
}

// Stats are the live per-session counters. They exist only while the
// relay instance does.
type Stats struct {
	ControlForwarded   uint64 `json:"control_forwarded"`
	ControlDropped     uint64 `json:"control_dropped"`
	ControlQueueDepth  int    `json:"control_queue_depth"`
	MediaForwarded     uint64 `json:"media_forwarded"`
	KeyFramesForwarded uint64 `json:"key_frames_forwarded"`
	DeltaFramesDropped uint64 `json:"delta_frames_dropped"`
}

// Relay shuttles control messages and media frames between the single
// device peer and the single viewer peer of one session. Callers never
// block on the opposite peer: forwards are bounded queue manipulation,
// delivery happens on the pump goroutines.
type Relay struct {
	sessionID  string
	controlCap int
	mediaCap   int

	mu          sync.Mutex
	controlQ    []protocol.ControlMessage
	mediaQ      []protocol.MediaFrame
	device      Sink
	viewer      Sink
	stats       Stats
	closed      bool
	closeReason string

	controlWake chan struct{}
	mediaWake   chan struct{}
	done        chan struct{}
}

func newRelay(sessionID string, controlCap, mediaCap int) *Relay {
	r := &Relay{
		sessionID:   sessionID,
		controlCap:  controlCap,
		mediaCap:    mediaCap,
		controlWake: make(chan struct{}, 1),
		mediaWake:   make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	go r.controlPump()
	go r.mediaPump()
	return r
}

// RegisterPeer sets the forwarding target for a role. A second
// registration for the same role replaces the previous one, matching
// reconnect-on-network-blip behavior.
func (r *Relay) RegisterPeer(role Role, sink Sink) Outcome {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return InvalidSession
	}
	switch role {
	case RoleDevice:
		r.device = sink
	case RoleViewer:
		r.viewer = sink
	}
	r.mu.Unlock()
	r.wake(r.controlWake)
	r.wake(r.mediaWake)
	return OK
}

func (r *Relay) UnregisterPeer(role Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch role {
	case RoleDevice:
		r.device = nil
	case RoleViewer:
		r.viewer = nil
	}
}

// ForwardControl queues one viewer input event for the device. The
// queue is a bounded FIFO with tail drop: input events supersede each
// other quickly, so losing the newest under load is acceptable.
func (r *Relay) ForwardControl(msg protocol.ControlMessage) Outcome {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return InvalidSession
	}
	if len(r.controlQ) >= r.controlCap {
		r.stats.ControlDropped++
		r.mu.Unlock()
		return Dropped
	}
	r.controlQ = append(r.controlQ, msg)
	r.stats.ControlForwarded++
	r.mu.Unlock()
	r.wake(r.controlWake)
	return OK
}

// ForwardMedia queues one device frame for the viewer. Key frames are
// never dropped: when the queue is full, queued delta frames are
// evicted to make room, keeping the stream decodable under sustained
// backpressure. Delta frames are dropped when the queue is full.
// Metadata frames jump ahead of queued frames and are exempt from
// capacity. The call never waits on the viewer's socket; delivery is
// the pump's job.
func (r *Relay) ForwardMedia(frame protocol.MediaFrame) Outcome {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return InvalidSession
	}

	switch frame.Kind {
	case protocol.FrameMetadata:
		// Insert after any metadata already at the head so metadata
		// keeps its relative order.
		i := 0
		for i < len(r.mediaQ) && r.mediaQ[i].Kind == protocol.FrameMetadata {
			i++
		}
		r.mediaQ = append(r.mediaQ, protocol.MediaFrame{})
		copy(r.mediaQ[i+1:], r.mediaQ[i:])
		r.mediaQ[i] = frame
		r.stats.MediaForwarded++
		r.mu.Unlock()
		r.wake(r.mediaWake)
		return OK

	case protocol.FrameKey:
		for len(r.mediaQ) >= r.mediaCap {
			if !r.evictOldestDelta() {
				break
			}
		}
		r.mediaQ = append(r.mediaQ, frame)
		r.stats.MediaForwarded++
		r.stats.KeyFramesForwarded++
		r.mu.Unlock()
		r.wake(r.mediaWake)
		return OK

	default: // delta
		if len(r.mediaQ) >= r.mediaCap {
			r.stats.DeltaFramesDropped++
			r.mu.Unlock()
			return Dropped
		}
		r.mediaQ = append(r.mediaQ, frame)
		r.stats.MediaForwarded++
		r.mu.Unlock()
		r.wake(r.mediaWake)
		return OK
	}
}

// evictOldestDelta removes the oldest queued delta frame. Holds r.mu.
func (r *Relay) evictOldestDelta() bool {
	for i, f := range r.mediaQ {
		if f.Kind == protocol.FrameDelta {
			r.mediaQ = append(r.mediaQ[:i], r.mediaQ[i+1:]...)
			r.stats.DeltaFramesDropped++
			return true
		}
	}
	return false
}

// Stats returns a snapshot of the live counters.
func (r *Relay) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.ControlQueueDepth = len(r.controlQ)
	return s
}

// Close tears the instance down: no further forwards are accepted,
// both registered peers are notified, and the queues are released.
func (r *Relay) Close(reason string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.closeReason = reason
	device, viewer := r.device, r.viewer
	r.device, r.viewer = nil, nil
	r.controlQ, r.mediaQ = nil, nil
	close(r.done)
	r.mu.Unlock()

	if device != nil {
		device.SessionClosed(reason)
	}
	if viewer != nil {
		viewer.SessionClosed(reason)
	}
}

func (r *Relay) controlPump() {
	for {
		select {
		case <-r.done:
			return
		case <-r.controlWake:
		}
		for {
			r.mu.Lock()
			if r.closed || len(r.controlQ) == 0 || r.device == nil {
				r.mu.Unlock()
				break
			}
			msg := r.controlQ[0]
			r.controlQ = r.controlQ[1:]
			sink := r.device
			r.mu.Unlock()

			if err := sink.Deliver(msg); err != nil {
				// Best effort: the message is lost, the adapter
				// reconnects and re-registers.
				r.evictPeer(RoleDevice, sink)
			}
		}
	}
}

func (r *Relay) mediaPump() {
	for {
		select {
		case <-r.done:
			return
		case <-r.mediaWake:
		}
		for {
			r.mu.Lock()
			if r.closed || len(r.mediaQ) == 0 || r.viewer == nil {
				r.mu.Unlock()
				break
			}
			frame := r.mediaQ[0]
			r.mediaQ = r.mediaQ[1:]
			sink := r.viewer
			r.mu.Unlock()

			if err := sink.Deliver(frame); err != nil {
				r.evictPeer(RoleViewer, sink)
			}
		}
	}
}

// evictPeer clears a role slot only if it still holds the failing
// sink; a replacement registered meanwhile stays.
func (r *Relay) evictPeer(role Role, failed Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch role {
	case RoleDevice:
		if r.device == failed {
			r.device = nil
		}
	case RoleViewer:
		if r.viewer == failed {
			r.viewer = nil
		}
	}
}

func (r *Relay) wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
