// Package agent runs goal-directed sessions. Each session is a
// transcript plus a turn engine: call the model, recover tool calls,
// execute them, and decide whether to keep going. The Manager owns the
// session table and the per-server transport, negotiator, and
// summarizer.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/knotwright/internal/events"
	"github.com/nugget/knotwright/internal/llm"
	"github.com/nugget/knotwright/internal/summarizer"
	"github.com/nugget/knotwright/internal/tools"
)

// DefaultMaxIterations is the turn budget when neither the caller nor
// the configuration supplies one.
const DefaultMaxIterations = 25

// Config wires a Manager to its collaborators. Only Executor is
// required.
type Config struct {
	// NewClient builds the transport for a server address. Default:
	// llm.NewOllamaClient with the timeouts in Defaults.
	NewClient func(server string) llm.Chatter

	// Cache is shared by every server's negotiator.
	Cache *llm.CapabilityCache

	Executor Executor
	Prompts  SystemPromptBuilder

	// Compaction enables history summarization. Nil disables it.
	Compaction *summarizer.Config

	Usage UsageRecorder
	Bus   *events.Bus

	// OnUpdate receives every turn result, in order per session.
	OnUpdate func(TurnResult)

	Defaults             LLMConfig
	DefaultMaxIterations int

	// ManualStep stops SendUserMessage after one turn even when the
	// turn asked to continue.
	ManualStep bool

	Logger *slog.Logger
}

type backend struct {
	negotiator *llm.Negotiator
	compactor  *summarizer.Summarizer
}

// Manager owns all sessions. It is safe for concurrent use; turns on
// different sessions run in parallel, turns on one session serialize.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	backends map[string]*backend
}

// NewManager creates a session manager.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Cache == nil {
		cfg.Cache = llm.NewCapabilityCache()
	}
	if cfg.Prompts == nil {
		cfg.Prompts = DefaultPromptBuilder{}
	}
	if cfg.DefaultMaxIterations <= 0 {
		cfg.DefaultMaxIterations = DefaultMaxIterations
	}
	if cfg.Defaults.Server == "" {
		cfg.Defaults.Server = "http://localhost:11434"
	}
	if cfg.NewClient == nil {
		logger, timeout := cfg.Logger, cfg.Defaults.Timeout
		cfg.NewClient = func(server string) llm.Chatter {
			opts := []llm.OllamaOption{llm.WithLogger(logger)}
			if timeout > 0 {
				opts = append(opts, llm.WithChatTimeout(timeout))
			}
			return llm.NewOllamaClient(server, opts...)
		}
	}
	return &Manager{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "agent"),
		sessions: make(map[string]*Session),
		backends: make(map[string]*backend),
	}
}

// Cache returns the shared capability cache.
func (m *Manager) Cache() *llm.CapabilityCache {
	return m.cfg.Cache
}

func (m *Manager) backendFor(server string) *backend {
	key := strings.ToLower(strings.TrimRight(strings.TrimSpace(server), "/"))

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.backends[key]; ok {
		return b
	}
	client := m.cfg.NewClient(server)
	b := &backend{negotiator: llm.NewNegotiator(client, m.cfg.Cache, m.cfg.Logger)}
	if m.cfg.Compaction != nil {
		b.compactor = summarizer.New(client, m.cfg.Logger, *m.cfg.Compaction)
	}
	m.backends[key] = b
	return b
}

func (m *Manager) executorFor(names []string) Executor {
	if len(names) == 0 {
		return m.cfg.Executor
	}
	if reg, ok := m.cfg.Executor.(*tools.Registry); ok {
		return reg.FilteredCopy(names)
	}
	return m.cfg.Executor
}

// StartSession creates a session for goal and returns its ID. The
// transcript starts with the system prompt and the goal as the first
// user message. No model call is made.
func (m *Manager) StartSession(ctx context.Context, goal string, maxIterations int, cfg LLMConfig) (string, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return "", ErrEmptyGoal
	}
	if maxIterations <= 0 {
		maxIterations = m.cfg.DefaultMaxIterations
	}
	cfg = cfg.withDefaults(m.cfg.Defaults)
	if cfg.Model == "" {
		return "", fmt.Errorf("no model configured")
	}

	system, err := m.cfg.Prompts.BuildSystemPrompt(ctx, goal)
	if err != nil {
		return "", fmt.Errorf("build system prompt: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}

	b := m.backendFor(cfg.Server)
	now := time.Now()
	s := &Session{
		id:         id.String(),
		goal:       goal,
		llm:        cfg,
		negotiator: b.negotiator,
		compactor:  b.compactor,
		executor:   m.executorFor(cfg.Tools),
		usage:      m.cfg.Usage,
		bus:        m.cfg.Bus,
		logger:     m.logger.With("session", id.String()),
		transcript: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: goal},
		},
		maxIterations: maxIterations,
		status:        StatusActive,
		created:       []string{},
		modified:      []string{},
		createdAt:     now,
		updatedAt:     now,
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	s.logger.Info("session started",
		"model", cfg.Model,
		"server", cfg.Server,
		"max_iterations", maxIterations,
	)
	m.cfg.Bus.Emit(events.SourceAgent, events.KindSessionStart, s.id, map[string]any{
		"goal":           goal,
		"model":          cfg.Model,
		"max_iterations": maxIterations,
	})
	return s.id, nil
}

func (m *Manager) get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// ContinueTurn advances the session by exactly one turn.
func (m *Manager) ContinueTurn(ctx context.Context, id string) (TurnResult, error) {
	s, err := m.get(id)
	if err != nil {
		return TurnResult{}, err
	}
	return m.turn(ctx, s, nil)
}

// SendUserMessage appends text as a user message and advances. Unless
// the manager is in manual-step mode it keeps advancing while the turn
// result says to continue, and returns the last result.
func (m *Manager) SendUserMessage(ctx context.Context, id, text string) (TurnResult, error) {
	s, err := m.get(id)
	if err != nil {
		return TurnResult{}, err
	}
	res, err := m.turn(ctx, s, &text)
	if err != nil || m.cfg.ManualStep {
		return res, err
	}
	return m.drive(ctx, s, res)
}

// Run advances the session until it stops asking to continue: it ends,
// waits for the user, or produces a turn with no tool calls. A nil
// error with an active status means the caller may resume with
// SendUserMessage or ContinueTurn.
func (m *Manager) Run(ctx context.Context, id string) (TurnResult, error) {
	s, err := m.get(id)
	if err != nil {
		return TurnResult{}, err
	}
	res, err := m.turn(ctx, s, nil)
	if err != nil {
		return res, err
	}
	return m.drive(ctx, s, res)
}

func (m *Manager) drive(ctx context.Context, s *Session, res TurnResult) (TurnResult, error) {
	for res.Continue {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		next, err := m.turn(ctx, s, nil)
		if err != nil {
			return res, err
		}
		res = next
	}
	return res, nil
}

func (m *Manager) turn(ctx context.Context, s *Session, userText *string) (TurnResult, error) {
	res, err := s.advance(ctx, userText)
	if err != nil {
		return res, err
	}
	m.publish(res)
	return res, nil
}

func (m *Manager) publish(res TurnResult) {
	if m.cfg.OnUpdate != nil {
		m.cfg.OnUpdate(res)
	}
	m.cfg.Bus.Emit(events.SourceAgent, events.KindTurnUpdate, res.SessionID, map[string]any{
		"update": res,
	})
}

// CancelSession requests cancellation. A session with no turn in flight
// is cancelled at once; otherwise the running turn finishes and the
// session ends as cancelled. Returns false for unknown sessions.
func (m *Manager) CancelSession(id string) bool {
	s, err := m.get(id)
	if err != nil {
		return false
	}
	s.logger.Info("cancellation requested")
	if res, done := s.requestCancel(); done {
		m.publish(res)
	}
	return true
}

// GetState returns a snapshot of the session.
func (m *Manager) GetState(id string) (*Snapshot, bool) {
	s, err := m.get(id)
	if err != nil {
		return nil, false
	}
	snap := s.Snapshot()
	return &snap, true
}

// EndSession cancels the session and removes it from the table.
func (m *Manager) EndSession(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.cancelled.Store(true)
	snap := s.Snapshot()
	s.logger.Info("session ended", "status", snap.Status, "iterations", snap.Iteration)
	m.cfg.Bus.Emit(events.SourceAgent, events.KindSessionEnd, id, map[string]any{
		"status": string(snap.Status),
	})
	return true
}

// ListSessions returns snapshots of all sessions, oldest first.
func (m *Manager) ListSessions() []Snapshot {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, len(list))
	for i, s := range list {
		out[i] = s.Snapshot()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Models lists the models available on server, or on the default
// server when empty.
func (m *Manager) Models(ctx context.Context, server string) ([]string, error) {
	if server == "" {
		server = m.cfg.Defaults.Server
	}
	lister, ok := m.backendFor(server).negotiator.Client().(interface {
		ListModels(ctx context.Context) ([]string, error)
	})
	if !ok {
		return nil, fmt.Errorf("server %s does not support listing models", server)
	}
	return lister.ListModels(ctx)
}

// ActiveSessions counts sessions that can still take turns.
func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	n := 0
	for _, s := range list {
		s.mu.RLock()
		if s.status == StatusActive {
			n++
		}
		s.mu.RUnlock()
	}
	return n
}

// DefaultModel returns the model new sessions use when none is given.
func (m *Manager) DefaultModel() string {
	return m.cfg.Defaults.Model
}
