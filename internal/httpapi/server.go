package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hamza-roujdami/clinic-voice-agent/internal/config"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/observability"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/session"
	"github.com/hamza-roujdami/clinic-voice-agent/internal/triage"
)

const defaultListLimit = 50

// Triage is the turn service the API fronts.
type Triage interface {
	HandleMessage(ctx context.Context, sessionID, message string) (triage.Reply, error)
	EndSession(ctx context.Context, sessionID string) error
	Session(ctx context.Context, sessionID string) (*session.Session, error)
	History(ctx context.Context, sessionID string) ([]session.Turn, error)
	ListRecent(ctx context.Context, limit int) ([]session.Summary, error)
	Ready() bool
}

type Server struct {
	cfg      config.Config
	triage   Triage
	metrics  *observability.Metrics
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, svc Triage, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		triage:  svc,
		metrics: metrics,
		logger:  logger.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only connect from the same origin unless configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
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
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Get("/chat/ws", s.handleChatWS)
		r.Post("/voice/turn", s.handleVoiceTurn)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.Get("/sessions/{id}/history", s.handleSessionHistory)
		r.Delete("/sessions/{id}", s.handleEndSession)
		r.Get("/perf/turns", s.handlePerfTurns)
		r.Delete("/perf/turns", s.handleResetPerfTurns)
	})
	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"service": "clinic-voice-agent",
		"agent":   s.cfg.AgentName,
		"env":     s.cfg.Env,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"brain_mode": s.cfg.BrainMode,
		"store_mode": s.storeMode(),
		"memory":     s.cfg.MemoryEnabled,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.triage == nil || !s.triage.Ready() {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "agent not initialized")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "request body must be JSON with a message")
		return
	}
	reply, err := s.triage.HandleMessage(r.Context(), req.SessionID, req.Message)
	if err != nil {
		s.turnError(w, r, req.SessionID, err)
		return
	}
	respondJSON(w, http.StatusOK, reply)
}

func (s *Server) turnError(w http.ResponseWriter, r *http.Request, sessionID string, err error) {
	if errors.Is(err, triage.ErrEmptyMessage) {
		respondError(w, http.StatusBadRequest, "invalid_request", "message cannot be empty")
		return
	}
	s.logger.Error().
		Err(err).
		Str("session_id", sessionID).
		Str("request_id", middleware.GetReqID(r.Context())).
		Msg("chat turn failed")
	respondError(w, http.StatusInternalServerError, "turn_failed", "internal error")
}

func (s *Server) handleVoiceTurn(w http.ResponseWriter, _ *http.Request) {
	respondError(w, http.StatusNotImplemented, "not_implemented", "voice turns are not implemented")
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	items, err := s.triage.ListRecent(r.Context(), limit)
	if err != nil {
		s.internalError(w, r, "list sessions", err)
		return
	}
	if items == nil {
		items = []session.Summary{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": items})
}

type sessionView struct {
	SessionID       string                  `json:"session_id"`
	Active          bool                    `json:"active"`
	PatientMRN      string                  `json:"patient_mrn,omitempty"`
	PatientVerified bool                    `json:"patient_verified"`
	Patient         *session.PatientContext `json:"patient,omitempty"`
	TurnCount       int                     `json:"turn_count"`
	HandoffCount    int                     `json:"handoff_count"`
	LastAgent       string                  `json:"last_agent,omitempty"`
	CreatedAt       *time.Time              `json:"created_at,omitempty"`
	UpdatedAt       *time.Time              `json:"updated_at,omitempty"`
	ExpiresAt       *time.Time              `json:"expires_at,omitempty"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.triage.Session(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		respondJSON(w, http.StatusOK, sessionView{SessionID: id})
		return
	}
	if err != nil {
		s.internalError(w, r, "get session", err)
		return
	}
	view := sessionView{
		SessionID:       sess.ID,
		Active:          true,
		PatientVerified: sess.PatientVerified,
		Patient:         sess.Patient,
		TurnCount:       len(sess.Turns),
		HandoffCount:    sess.HandoffCount,
		LastAgent:       sess.LastAgent,
		CreatedAt:       &sess.CreatedAt,
		UpdatedAt:       &sess.UpdatedAt,
		ExpiresAt:       &sess.ExpiresAt,
	}
	if sess.Patient != nil {
		view.PatientMRN = sess.Patient.MRN
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	turns, err := s.triage.History(r.Context(), id)
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		s.internalError(w, r, "session history", err)
		return
	}
	if turns == nil {
		turns = []session.Turn{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "history": turns})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if err := s.triage.EndSession(r.Context(), id); err != nil {
		s.internalError(w, r, "end session", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "ended": true})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error().Err(err).Str("op", op).Str("request_id", middleware.GetReqID(r.Context())).Msg("request failed")
	respondError(w, http.StatusInternalServerError, "internal_error", "internal error")
}

func (s *Server) storeMode() string {
	if s.cfg.DatabaseURL != "" {
		return "postgres"
	}
	return "in-memory"
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
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
