// Package adminapi is the local HTTP control surface of the daemon.
package adminapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/ledgersync/internal/connectivity"
	"github.com/agentworkforce/ledgersync/internal/credentials"
	"github.com/agentworkforce/ledgersync/internal/envelope"
	"github.com/agentworkforce/ledgersync/internal/localstore"
	"github.com/agentworkforce/ledgersync/internal/logging"
	"github.com/agentworkforce/ledgersync/internal/syncengine"
)

type ServerConfig struct {
	// Token, when set, is required as a bearer token on /v1 routes.
	Token        string
	MaxBodyBytes int64
	// Retention is the prune age used when a prune request names none.
	Retention time.Duration
	Gatherer  prometheus.Gatherer
	// Cache enables the /v1/cache/{table}/... routes.
	Cache  *localstore.Cache
	Logger *zerolog.Logger
}

type Server struct {
	engine *syncengine.Engine
	signal *connectivity.Signal
	creds  credentials.Store
	cfg    ServerConfig
	logger zerolog.Logger
}

func NewServer(engine *syncengine.Engine, signal *connectivity.Signal, creds credentials.Store, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := logging.OrNop(cfg.Logger)
	return &Server{
		engine: engine,
		signal: signal,
		creds:  creds,
		cfg:    cfg,
		logger: logger.With().Str("component", "adminapi").Logger(),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/operations", s.handleListOperations)
		r.Post("/operations", s.handleEnqueue)
		r.Get("/operations/{id}", s.handleGetOperation)
		r.Post("/operations/{id}/reset", s.handleReset)
		r.Post("/submit", s.handleSubmit)
		r.Post("/sync/drain", s.handleDrain)
		r.Post("/sync/prune", s.handlePrune)
		r.Get("/connectivity", s.handleConnectivity)
		r.Delete("/cache", s.handleClearCache)
		r.Get("/session", s.handleSession)
		if s.cfg.Cache != nil {
			s.cacheRoutes(r)
		}
	})
	return r
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(s.cfg.Token)) != 1 {
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type enqueueRequest struct {
	Kind      syncengine.Kind `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	DependsOn string          `json:"dependsOn,omitempty"`
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	var status syncengine.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, err := syncengine.ParseStatus(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
		status = parsed
	}
	ops, err := s.engine.List(r.Context(), status)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	var opts []syncengine.EnqueueOption
	if dep := strings.TrimSpace(req.DependsOn); dep != "" {
		opts = append(opts, syncengine.WithDependsOn(dep))
	}
	op, err := s.engine.Enqueue(r.Context(), req.Kind, req.Payload, opts...)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, op)
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	op, err := s.engine.Reset(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	result, err := s.engine.Submit(r.Context(), req.Kind, req.Payload)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	status := http.StatusOK
	if result.Queued() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Drain(r.Context())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type pruneRequest struct {
	OlderThan string `json:"olderThan"`
}

func (s *Server) handlePrune(w http.ResponseWriter, r *http.Request) {
	olderThan := s.cfg.Retention
	raw := strings.TrimSpace(r.URL.Query().Get("olderThan"))
	if raw == "" && r.ContentLength != 0 {
		var req pruneRequest
		if !s.decodeBody(w, r, &req) {
			return
		}
		raw = strings.TrimSpace(req.OlderThan)
	}
	if raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "bad_request", "invalid olderThan duration")
			return
		}
		olderThan = d
	}
	if olderThan <= 0 {
		writeError(w, r, http.StatusBadRequest, "bad_request", "olderThan is required when no retention is configured")
		return
	}
	pruned, err := s.engine.Prune(r.Context(), olderThan)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"pruned": pruned})
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	online := true
	if s.signal != nil {
		online = s.signal.IsOnline()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"online": online})
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.ClearAll(r.Context()); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSession reports which credentials are present, never their values.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	var set credentials.Set
	if s.creds != nil {
		set = s.creds.Snapshot()
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"authenticated": set.AccessToken != "",
		"tenant":        set.TenantID != "",
		"agent":         set.AgentToken != "",
	})
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return false
		}
		writeError(w, r, http.StatusBadRequest, "bad_request", "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, syncengine.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, syncengine.ErrUnknownKind),
		errors.Is(err, syncengine.ErrInvalidPayload),
		errors.Is(err, syncengine.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, "invalid_operation", err.Error())
	case errors.Is(err, syncengine.ErrInvalidTransition),
		errors.Is(err, syncengine.ErrDrainInProgress):
		writeError(w, r, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, syncengine.ErrSessionLost), errors.Is(err, envelope.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, "session_lost", err.Error())
	case isBackendError(err):
		apiErr := envelope.ToAPIError(err)
		writeError(w, r, http.StatusBadGateway, "backend_error", apiErr.Error())
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("admin request failed")
		writeError(w, r, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func isBackendError(err error) bool {
	var apiErr *envelope.APIError
	var respErr envelope.ResponseError
	return errors.As(err, &apiErr) || errors.As(err, &respErr)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": middleware.GetReqID(r.Context()),
	})
}
