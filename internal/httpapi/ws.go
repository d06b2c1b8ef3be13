package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mirrorlink/server/internal/protocol"
	"github.com/mirrorlink/server/internal/relay"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsReadLimit    = 8 << 20
)

// wsSink adapts one websocket connection to the relay's Sink contract.
// Writes are single-threaded behind the mutex.
type wsSink struct {
	sessionID string
	mu        sync.Mutex
	conn      *websocket.Conn
}

func newWSSink(sessionID string, conn *websocket.Conn) *wsSink {
	return &wsSink{sessionID: sessionID, conn: conn}
}

func (s *wsSink) Deliver(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(msg)
}

func (s *wsSink) SessionClosed(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = s.conn.WriteJSON(protocol.NewSessionClosed(s.sessionID, reason))
	_ = s.conn.Close()
}

// handleViewerWS is the viewer-facing endpoint adapter: it attaches the
// browser peer and feeds its control messages into the relay.
func (s *Server) handleViewerWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if sessionID == "" || userID == "" {
		respondError(w, http.StatusBadRequest, "missing_params", "session_id and user_id are required")
		return
	}
	if err := s.gate.AuthorizeViewer(r.Context(), sessionID, userID); err != nil {
		respondError(w, http.StatusForbidden, "not_authorized", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sink := newWSSink(sessionID, conn)
	if err := s.engine.RegisterViewerPeer(r.Context(), sessionID, sink); err != nil {
		_ = conn.WriteJSON(protocol.NewSessionClosed(sessionID, "session ended"))
		return
	}
	defer s.engine.UnregisterPeer(sessionID, relay.RoleViewer)
	s.metrics.SessionEvents.WithLabelValues("viewer_connected").Inc()
	defer s.metrics.SessionEvents.WithLabelValues("viewer_disconnected").Inc()

	// No read deadline: a watch-only viewer may never send anything.
	// Session closure tears the socket down via the sink.
	conn.SetReadLimit(wsReadLimit)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := protocol.ParseViewerMessage(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnsupportedType) {
				continue
			}
			s.metrics.WSMessages.WithLabelValues("inbound", "invalid").Inc()
			continue
		}
		s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeControl)).Inc()

		// Dropped is expected backpressure, the viewer keeps sending.
		if s.engine.ForwardControl(r.Context(), sessionID, msg) == relay.InvalidSession {
			return
		}
	}
}

// handleDeviceWS is the device-facing endpoint adapter: it attaches the
// display device peer and feeds its media frames into the relay.
func (s *Server) handleDeviceWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	deviceID := strings.TrimSpace(r.URL.Query().Get("device_id"))
	if sessionID == "" || deviceID == "" {
		respondError(w, http.StatusBadRequest, "missing_params", "session_id and device_id are required")
		return
	}
	if err := s.gate.AuthorizeDevice(r.Context(), sessionID, deviceID); err != nil {
		respondError(w, http.StatusForbidden, "not_authorized", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sink := newWSSink(sessionID, conn)
	if err := s.engine.RegisterDevicePeer(r.Context(), sessionID, sink); err != nil {
		_ = conn.WriteJSON(protocol.NewSessionClosed(sessionID, "session ended"))
		return
	}
	defer s.engine.UnregisterPeer(sessionID, relay.RoleDevice)
	s.metrics.SessionEvents.WithLabelValues("device_connected").Inc()
	defer s.metrics.SessionEvents.WithLabelValues("device_disconnected").Inc()

	setupReadDeadlines(conn)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		frame, err := protocol.ParseDeviceMessage(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnsupportedType) {
				continue
			}
			s.metrics.WSMessages.WithLabelValues("inbound", "invalid").Inc()
			continue
		}
		s.metrics.WSMessages.WithLabelValues("inbound", string(protocol.TypeMedia)).Inc()

		if s.engine.ForwardMedia(r.Context(), sessionID, frame) == relay.InvalidSession {
			return
		}
	}
}

func setupReadDeadlines(conn *websocket.Conn) {
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})
}
