package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mirrorlink/server/internal/protocol"
)

// captureSink records deliveries and closure notifications.
type captureSink struct {
	delivered chan any
	closed    chan string

	mu   sync.Mutex
	fail bool
}

func newCaptureSink() *captureSink {
	return &captureSink{
		delivered: make(chan any, 256),
		closed:    make(chan string, 1),
	}
}

func (c *captureSink) Deliver(msg any) error {
	c.mu.Lock()
	fail := c.fail
	c.mu.Unlock()
	if fail {
		return errors.New("sink write failed")
	}
	c.delivered <- msg
	return nil
}

func (c *captureSink) SessionClosed(reason string) {
	c.closed <- reason
}

func (c *captureSink) setFailing(fail bool) {
	c.mu.Lock()
	c.fail = fail
	c.mu.Unlock()
}

func awaitDelivery(t *testing.T, sink *captureSink) any {
	t.Helper()
	select {
	case msg := <-sink.delivered:
		return msg
	case <-time.After(time.Second):
		t.Fatalf("no delivery within 1s")
		return nil
	}
}

func controlMsg(seq int64) protocol.ControlMessage {
	return protocol.ControlMessage{
		Type:      protocol.TypeControl,
		SessionID: "ses-1",
		Seq:       seq,
		Input:     json.RawMessage(`{"event":"click","x":10,"y":20}`),
	}
}

func mediaFrame(kind protocol.FrameKind, seq int64) protocol.MediaFrame {
	return protocol.MediaFrame{
		Type:      protocol.TypeMedia,
		SessionID: "ses-1",
		Kind:      kind,
		Seq:       seq,
		Payload:   json.RawMessage(`"b64frame"`),
	}
}

func TestControlForwardedInOrder(t *testing.T) {
	r := newRelay("ses-1", 100, 30)
	defer r.Close("test done")

	device := newCaptureSink()
	if r.RegisterPeer(RoleDevice, device) != OK {
		t.Fatalf("RegisterPeer failed")
	}

	for i := int64(1); i <= 3; i++ {
		if out := r.ForwardControl(controlMsg(i)); out != OK {
			t.Fatalf("ForwardControl(%d) = %v, want OK", i, out)
		}
	}
	for i := int64(1); i <= 3; i++ {
		msg, ok := awaitDelivery(t, device).(protocol.ControlMessage)
		if !ok {
			t.Fatalf("delivered message has wrong type")
		}
		if msg.Seq != i {
			t.Fatalf("delivery order broken: got seq %d, want %d", msg.Seq, i)
		}
	}

	stats := r.Stats()
	if stats.ControlForwarded != 3 || stats.ControlDropped != 0 {
		t.Fatalf("stats = %+v, want 3 forwarded, 0 dropped", stats)
	}
}

func TestControlQueueTailDrop(t *testing.T) {
	r := newRelay("ses-1", 100, 30)
	defer r.Close("test done")

	// No device peer: everything queues.
	for i := int64(0); i < 100; i++ {
		if out := r.ForwardControl(controlMsg(i)); out != OK {
			t.Fatalf("ForwardControl(%d) = %v, want OK", i, out)
		}
	}
	if out := r.ForwardControl(controlMsg(100)); out != Dropped {
		t.Fatalf("101st ForwardControl = %v, want Dropped", out)
	}

	stats := r.Stats()
	if stats.ControlQueueDepth != 100 {
		t.Fatalf("ControlQueueDepth = %d, want 100", stats.ControlQueueDepth)
	}
	if stats.ControlDropped != 1 {
		t.Fatalf("ControlDropped = %d, want 1", stats.ControlDropped)
	}
	if stats.ControlForwarded != 100 {
		t.Fatalf("ControlForwarded = %d, want 100", stats.ControlForwarded)
	}
}

func TestDeltaFramesDropWhenSaturated(t *testing.T) {
	r := newRelay("ses-1", 100, 30)
	defer r.Close("test done")

	// No viewer peer: the media queue saturates at capacity.
	for i := int64(0); i < 40; i++ {
		r.ForwardMedia(mediaFrame(protocol.FrameDelta, i))
	}

	stats := r.Stats()
	if stats.MediaForwarded != 30 {
		t.Fatalf("MediaForwarded = %d, want 30", stats.MediaForwarded)
	}
	if stats.DeltaFramesDropped != 10 {
		t.Fatalf("DeltaFramesDropped = %d, want 10", stats.DeltaFramesDropped)
	}
}

func TestKeyFrameEvictsQueuedDeltas(t *testing.T) {
	r := newRelay("ses-1", 100, 30)
	defer r.Close("test done")

	for i := int64(0); i < 30; i++ {
		r.ForwardMedia(mediaFrame(protocol.FrameDelta, i))
	}
	if out := r.ForwardMedia(mediaFrame(protocol.FrameKey, 1000)); out != OK {
		t.Fatalf("key frame on saturated queue = %v, want OK", out)
	}

	stats := r.Stats()
	if stats.KeyFramesForwarded != 1 {
		t.Fatalf("KeyFramesForwarded = %d, want 1", stats.KeyFramesForwarded)
	}
	if stats.DeltaFramesDropped != 1 {
		t.Fatalf("DeltaFramesDropped = %d, want 1 (evicted)", stats.DeltaFramesDropped)
	}

	// Drain: the key frame must come out even though the queue was full.
	viewer := newCaptureSink()
	r.RegisterPeer(RoleViewer, viewer)
	var sawKey bool
	for i := 0; i < 30; i++ {
		frame, ok := awaitDelivery(t, viewer).(protocol.MediaFrame)
		if !ok {
			t.Fatalf("delivered message has wrong type")
		}
		if frame.Kind == protocol.FrameKey {
			sawKey = true
		}
	}
	if !sawKey {
		t.Fatalf("key frame was never delivered")
	}
}

func TestKeyFramesNeverDropped(t *testing.T) {
	r := newRelay("ses-1", 10, 5)
	defer r.Close("test done")

	// All-key backlog: eviction has nothing to remove, the frames
	// still must not be lost.
	for i := int64(0); i < 8; i++ {
		if out := r.ForwardMedia(mediaFrame(protocol.FrameKey, i)); out != OK {
			t.Fatalf("key frame %d = %v, want OK", i, out)
		}
	}
	stats := r.Stats()
	if stats.KeyFramesForwarded != 8 || stats.DeltaFramesDropped != 0 {
		t.Fatalf("stats = %+v, want 8 keys forwarded and no drops", stats)
	}
}

func TestMetadataBypassesQueue(t *testing.T) {
	r := newRelay("ses-1", 100, 30)
	defer r.Close("test done")

	viewer := newCaptureSink()
	r.RegisterPeer(RoleViewer, viewer)

	// Saturate the queue, then send metadata: it must arrive without
	// waiting behind the backlog.
	for i := int64(0); i < 30; i++ {
		r.ForwardMedia(mediaFrame(protocol.FrameDelta, i))
	}
	if out := r.ForwardMedia(mediaFrame(protocol.FrameMetadata, 999)); out != OK {
		t.Fatalf("metadata frame = %v, want OK", out)
	}

	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-viewer.delivered:
			if frame, ok := msg.(protocol.MediaFrame); ok && frame.Kind == protocol.FrameMetadata {
				return
			}
		case <-deadline:
			t.Fatalf("metadata frame never delivered")
		}
	}
}

// stallSink blocks inside Deliver until released, simulating a peer
// whose socket has stopped draining.
type stallSink struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newStallSink() *stallSink {
	return &stallSink{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *stallSink) Deliver(any) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return nil
}

func (s *stallSink) SessionClosed(string) {}

func TestMetadataForwardDoesNotWaitOnStalledViewer(t *testing.T) {
	r := newRelay("ses-1", 100, 30)
	defer r.Close("test done")

	stalled := newStallSink()
	defer close(stalled.release)
	r.RegisterPeer(RoleViewer, stalled)

	// Park the pump inside a delivery that never finishes.
	r.ForwardMedia(mediaFrame(protocol.FrameDelta, 1))
	select {
	case <-stalled.entered:
	case <-time.After(time.Second):
		t.Fatalf("pump never started delivering")
	}

	done := make(chan Outcome, 1)
	go func() {
		done <- r.ForwardMedia(mediaFrame(protocol.FrameMetadata, 2))
	}()
	select {
	case out := <-done:
		if out != OK {
			t.Fatalf("ForwardMedia(metadata) = %v, want OK", out)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("ForwardMedia(metadata) waited on the viewer's consumption")
	}
}

func TestMetadataJumpsAheadOfBacklog(t *testing.T) {
	r := newRelay("ses-1", 100, 30)
	defer r.Close("test done")

	// Build a backlog with no viewer, then queue metadata: it must be
	// delivered before the older frames.
	for i := int64(0); i < 5; i++ {
		r.ForwardMedia(mediaFrame(protocol.FrameDelta, i))
	}
	if out := r.ForwardMedia(mediaFrame(protocol.FrameMetadata, 100)); out != OK {
		t.Fatalf("ForwardMedia(metadata) = %v, want OK", out)
	}

	viewer := newCaptureSink()
	r.RegisterPeer(RoleViewer, viewer)
	first, ok := awaitDelivery(t, viewer).(protocol.MediaFrame)
	if !ok {
		t.Fatalf("delivered message has wrong type")
	}
	if first.Kind != protocol.FrameMetadata {
		t.Fatalf("first delivered kind = %q, want %q", first.Kind, protocol.FrameMetadata)
	}
}

func TestPeerReplacement(t *testing.T) {
	r := newRelay("ses-1", 100, 30)
	defer r.Close("test done")

	old := newCaptureSink()
	r.RegisterPeer(RoleDevice, old)
	replacement := newCaptureSink()
	r.RegisterPeer(RoleDevice, replacement)

	r.ForwardControl(controlMsg(1))
	msg := awaitDelivery(t, replacement)
	if msg == nil {
		t.Fatalf("replacement sink got nothing")
	}
	select {
	case <-old.delivered:
		t.Fatalf("old sink should not receive after replacement")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeliverErrorEvictsPeer(t *testing.T) {
	r := newRelay("ses-1", 100, 30)
	defer r.Close("test done")

	failing := newCaptureSink()
	failing.setFailing(true)
	r.RegisterPeer(RoleDevice, failing)
	r.ForwardControl(controlMsg(1))

	// The failing sink gets evicted; a healthy replacement takes over.
	deadline := time.Now().Add(time.Second)
	for {
		r.mu.Lock()
		gone := r.device == nil
		r.mu.Unlock()
		if gone {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("failing sink was not evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	healthy := newCaptureSink()
	r.RegisterPeer(RoleDevice, healthy)
	if out := r.ForwardControl(controlMsg(2)); out != OK {
		t.Fatalf("ForwardControl after eviction = %v, want OK", out)
	}
	awaitDelivery(t, healthy)
}

func TestCloseNotifiesBothPeers(t *testing.T) {
	r := newRelay("ses-1", 100, 30)

	device := newCaptureSink()
	viewer := newCaptureSink()
	r.RegisterPeer(RoleDevice, device)
	r.RegisterPeer(RoleViewer, viewer)

	r.Close("timeout")

	for i, sink := range []*captureSink{device, viewer} {
		select {
		case reason := <-sink.closed:
			if reason != "timeout" {
				t.Fatalf("sink %d closed with %q, want %q", i, reason, "timeout")
			}
		case <-time.After(time.Second):
			t.Fatalf("sink %d never notified of closure", i)
		}
	}

	if out := r.ForwardControl(controlMsg(1)); out != InvalidSession {
		t.Fatalf("ForwardControl after close = %v, want InvalidSession", out)
	}
	if out := r.ForwardMedia(mediaFrame(protocol.FrameKey, 1)); out != InvalidSession {
		t.Fatalf("ForwardMedia after close = %v, want InvalidSession", out)
	}
	if r.RegisterPeer(RoleViewer, newCaptureSink()) != InvalidSession {
		t.Fatalf("RegisterPeer after close should be rejected")
	}
}

func TestOutcomeString(t *testing.T) {
	cases := map[Outcome]string{OK: "ok", Dropped: "dropped", InvalidSession: "invalid_session"}
	for out, want := range cases {
		if got := out.String(); got != want {
			t.Fatalf("Outcome(%d).String() = %q, want %q", out, got, want)
		}
	}
	if got := Outcome(99).String(); got != "unknown" {
		t.Fatalf("unknown outcome string = %q", got)
	}
}
