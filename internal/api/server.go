// Package api serves the session manager over HTTP. Turns are driven by
// plain JSON requests; turn updates and other session events stream
// over a WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nugget/knotwright/internal/agent"
	"github.com/nugget/knotwright/internal/buildinfo"
	"github.com/nugget/knotwright/internal/connwatch"
	"github.com/nugget/knotwright/internal/events"
	"github.com/nugget/knotwright/internal/usage"
)

// Sessions is the session manager surface the API drives.
// *agent.Manager implements it.
type Sessions interface {
	StartSession(ctx context.Context, goal string, maxIterations int, cfg agent.LLMConfig) (string, error)
	ContinueTurn(ctx context.Context, id string) (agent.TurnResult, error)
	SendUserMessage(ctx context.Context, id, text string) (agent.TurnResult, error)
	Run(ctx context.Context, id string) (agent.TurnResult, error)
	CancelSession(id string) bool
	GetState(id string) (*agent.Snapshot, bool)
	EndSession(id string) bool
	ListSessions() []agent.Snapshot
	Models(ctx context.Context, server string) ([]string, error)
}

// UsageReporter answers token-usage queries. *usage.Store implements it.
type UsageReporter interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SessionSummary(ctx context.Context, sessionID string) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByPath(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// HealthReporter lists the readiness of watched inference servers.
type HealthReporter interface {
	Status() []connwatch.Status
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	sessions Sessions
	bus      *events.Bus
	usage    UsageReporter
	health   HealthReporter
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, sessions Sessions, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  address,
		port:     port,
		sessions: sessions,
		bus:      bus,
		logger:   logger.With("component", "api"),
	}
}

// SetUsage enables the usage endpoint.
func (s *Server) SetUsage(u UsageReporter) {
	s.usage = u
}

// SetHealth adds inference server readiness to the health endpoint.
func (s *Server) SetHealth(h HealthReporter) {
	s.health = h
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.withLogging)

	r.Get("/health", s.handleHealth)
	r.Get("/v1/version", s.handleVersion)
	r.Get("/v1/models", s.handleModels)
	r.Get("/v1/usage", s.handleUsage)
	r.Get("/v1/events", s.handleEvents)

	r.Route("/v1/sessions", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Post("/", s.handleStartSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleEndSession)
			r.Post("/continue", s.handleContinue)
			r.Post("/messages", s.handleMessage)
			r.Post("/run", s.handleRun)
			r.Post("/cancel", s.handleCancel)
		})
	})
	return r
}

// Start begins serving HTTP requests and blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Turns wait on local inference and /run chains several of
		// them, so there is no write timeout.
		IdleTimeout: 120 * time.Second,
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// handleHealth always answers 200; an unreachable inference server
// only downgrades the status to "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "healthy"}
	if s.health != nil {
		servers := s.health.Status()
		for _, st := range servers {
			if !st.Ready {
				resp["status"] = "degraded"
				break
			}
		}
		resp["servers"] = servers
	}
	writeJSON(w, http.StatusOK, resp, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.sessions.Models(r.Context(), r.URL.Query().Get("server"))
	if err != nil {
		s.logger.Warn("model list failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}
	if models == nil {
		models = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models}, s.logger)
}

// handleUsage reports token usage for one session (?session=) or for a
// time window (?hours=, default 24) broken down by model and path.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusNotFound, "usage tracking is disabled")
		return
	}
	ctx := r.Context()

	if id := r.URL.Query().Get("session"); id != "" {
		sum, err := s.usage.SessionSummary(ctx, id)
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "total": sum}, s.logger)
		return
	}

	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.errorResponse(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = n
	}
	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)

	total, err := s.usage.Summary(ctx, start, end)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	byModel, err := s.usage.SummaryByModel(ctx, start, end)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	byPath, err := s.usage.SummaryByPath(ctx, start, end)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"start":    start.UTC().Format(time.RFC3339),
		"end":      end.UTC().Format(time.RFC3339),
		"total":    total,
		"by_model": byModel,
		"by_path":  byPath,
	}, s.logger)
}
