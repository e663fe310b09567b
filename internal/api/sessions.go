package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nugget/knotwright/internal/agent"
)

// StartSessionRequest is the body of POST /v1/sessions.
type StartSessionRequest struct {
	Goal          string   `json:"goal"`
	MaxIterations int      `json:"max_iterations,omitempty"`
	Server        string   `json:"server,omitempty"`
	Model         string   `json:"model,omitempty"`
	Temperature   float64  `json:"temperature,omitempty"`
	NumPredict    int      `json:"num_predict,omitempty"`
	TimeoutSec    int      `json:"timeout_sec,omitempty"`
	Tools         []string `json:"tools,omitempty"`
}

// MessageRequest is the body of POST /v1/sessions/{id}/messages.
type MessageRequest struct {
	Text string `json:"text"`
}

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

// statusFor maps manager errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, agent.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrSessionNotActive):
		return http.StatusConflict
	case errors.Is(err, agent.ErrEmptyGoal):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	list := s.sessions.ListSessions()
	if list == nil {
		list = []agent.Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list}, s.logger)
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Goal) == "" {
		s.errorResponse(w, http.StatusBadRequest, agent.ErrEmptyGoal.Error())
		return
	}
	if req.MaxIterations < 0 {
		s.errorResponse(w, http.StatusBadRequest, "max_iterations must not be negative")
		return
	}

	cfg := agent.LLMConfig{
		Server:      req.Server,
		Model:       req.Model,
		Temperature: req.Temperature,
		NumPredict:  req.NumPredict,
		Timeout:     time.Duration(req.TimeoutSec) * time.Second,
		Tools:       req.Tools,
	}
	id, err := s.sessions.StartSession(r.Context(), req.Goal, req.MaxIterations, cfg)
	if err != nil {
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id}, s.logger)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.sessions.GetState(chi.URLParam(r, "id"))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, agent.ErrSessionNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap, s.logger)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.EndSession(chi.URLParam(r, "id")) {
		s.errorResponse(w, http.StatusNotFound, agent.ErrSessionNotFound.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.sessions.CancelSession(id) {
		s.errorResponse(w, http.StatusNotFound, agent.ErrSessionNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true}, s.logger)
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	s.turn(w, r, func(ctx context.Context, id string) (agent.TurnResult, error) {
		return s.sessions.ContinueTurn(ctx, id)
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	s.turn(w, r, s.sessions.Run)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.errorResponse(w, http.StatusBadRequest, "text is required")
		return
	}
	s.turn(w, r, func(ctx context.Context, id string) (agent.TurnResult, error) {
		return s.sessions.SendUserMessage(ctx, id, req.Text)
	})
}

// turn runs fn detached from the request's cancellation. Clients stop a
// session with /cancel, not by hanging up.
func (s *Server) turn(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (agent.TurnResult, error)) {
	id := chi.URLParam(r, "id")
	res, err := fn(context.WithoutCancel(r.Context()), id)
	if err != nil {
		s.errorResponse(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res, s.logger)
}
