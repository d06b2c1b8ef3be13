package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/mirrorlink/server/internal/config"
	"github.com/mirrorlink/server/internal/gate"
	"github.com/mirrorlink/server/internal/observability"
	"github.com/mirrorlink/server/internal/relay"
	"github.com/mirrorlink/server/internal/session"
)

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	engine   *relay.Engine
	gate     *gate.Gate
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, engine *relay.Engine, g *gate.Gate, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		engine:   engine,
		gate:     g,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Devices are not browsers and omit Origin; browser
				// viewers must come from the same origin unless the
				// deployment opted out.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/remote/sessions", s.handleCreateSession)
	r.Get("/v1/remote/sessions/{id}", s.handleGetSession)
	r.Post("/v1/remote/sessions/{id}/stop", s.handleStopSession)
	r.Get("/v1/remote/sessions/{id}/stats", s.handleGetStats)
	r.Get("/v1/remote/ws/viewer", s.handleViewerWS)
	r.Get("/v1/remote/ws/device", s.handleDeviceWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type createSessionRequest struct {
	DeviceID string `json:"device_id"`
	UserID   string `json:"user_id"`
}

type createSessionResponse struct {
	*session.Session
	IdleTTLMS int64 `json:"idle_ttl_ms"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" || strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "device_id and user_id are required")
		return
	}

	sess, err := s.sessions.Create(r.Context(), req.DeviceID, req.UserID)
	if err != nil {
		if errors.Is(err, session.ErrInvalidOwner) {
			respondError(w, http.StatusUnprocessableEntity, "invalid_owner", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "create_failed", err.Error())
		return
	}
	s.metrics.ActiveSessions.Inc()
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, createSessionResponse{
		Session:   sess,
		IdleTTLMS: s.cfg.IdleTimeout.Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

type stopSessionRequest struct {
	Reason string `json:"reason"`
	// Drain requests a graceful wind-down: the session moves to
	// stopping instead of closing outright, and a later stop without
	// drain finishes it.
	Drain bool `json:"drain"`
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req stopSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	reason := session.StopReason(strings.TrimSpace(req.Reason))
	if reason == "" {
		reason = session.ReasonUserRequested
	}

	if req.Drain {
		if err := s.sessions.Drain(r.Context(), id); err != nil {
			if errors.Is(err, session.ErrNotFound) {
				respondError(w, http.StatusNotFound, "session_not_found", err.Error())
				return
			}
			respondError(w, http.StatusConflict, "invalid_state", err.Error())
			return
		}
		s.metrics.SessionEvents.WithLabelValues("draining").Inc()
	} else {
		if err := s.sessions.Stop(r.Context(), id, reason); err != nil {
			respondError(w, http.StatusNotFound, "session_not_found", err.Error())
			return
		}
		s.metrics.SessionEvents.WithLabelValues("stopped").Inc()
	}

	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stats, err := s.engine.GetStats(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "relay_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
