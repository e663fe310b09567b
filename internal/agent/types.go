package agent

import (
	"errors"
	"time"

	"github.com/nugget/knotwright/internal/llm"
	"github.com/nugget/knotwright/internal/summarizer"
	"github.com/nugget/knotwright/internal/toolcall"
)

// Errors returned by Manager operations. LLM and tool failures are not
// errors at this level; they are reported in the TurnResult.
var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionNotActive = errors.New("session is not active")
	ErrEmptyGoal        = errors.New("goal is required")
)

// Status is the lifecycle state of a session.
type Status string

// Session states. Every state but active is terminal.
const (
	StatusActive        Status = "active"
	StatusCompleted     Status = "completed"
	StatusError         Status = "error"
	StatusMaxIterations Status = "max_iterations"
	StatusCancelled     Status = "cancelled"
)

// Terminal reports whether no further turns are possible.
func (s Status) Terminal() bool {
	return s != StatusActive
}

// Warning texts surfaced in TurnResult.Warning.
const (
	WarnNoToolCalls = "model responded without calling any tools"
)

// LLMConfig selects the server, model, and sampling for a session.
// Zero fields take the manager's defaults.
type LLMConfig struct {
	Server      string        `json:"server,omitempty"`
	Model       string        `json:"model,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	NumPredict  int           `json:"num_predict,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`

	// Tools restricts the catalog to these names. Control tools are
	// always offered.
	Tools []string `json:"tools,omitempty"`
}

func (c LLMConfig) withDefaults(d LLMConfig) LLMConfig {
	if c.Server == "" {
		c.Server = d.Server
	}
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.Temperature == 0 {
		c.Temperature = d.Temperature
	}
	if c.NumPredict == 0 {
		c.NumPredict = d.NumPredict
	}
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if len(c.Tools) == 0 {
		c.Tools = d.Tools
	}
	return c
}

// ToolResult is one executed call and its output as shown to the model.
type ToolResult struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Result    string         `json:"result"`
	Failed    bool           `json:"failed,omitempty"`
}

// TurnResult describes one completed turn. The same value is pushed to
// update subscribers.
type TurnResult struct {
	SessionID string `json:"session_id"`

	// Message is the assistant reply, nil when the turn failed or was
	// cancelled before reaching the model.
	Message     *llm.Message   `json:"message,omitempty"`
	ToolCalls   []llm.ToolCall `json:"tool_calls"`
	ToolResults []ToolResult   `json:"tool_results,omitempty"`

	Iteration     int      `json:"iteration"`
	MaxIterations int      `json:"max_iterations"`
	Status        Status   `json:"status"`
	Path          llm.Path `json:"path,omitempty"`

	// Created and Modified are cumulative for the session.
	Created  []string `json:"created"`
	Modified []string `json:"modified"`

	CompletionSummary string `json:"completion_summary,omitempty"`
	AwaitingUser      bool   `json:"awaiting_user,omitempty"`
	Question          string `json:"question,omitempty"`

	Error       string                `json:"error,omitempty"`
	Warning     string                `json:"warning,omitempty"`
	ParseErrors []toolcall.ParseError `json:"parse_errors,omitempty"`

	HistoryCompaction *summarizer.Record `json:"history_compaction,omitempty"`

	// Continue is true when the session should advance again without
	// outside input.
	Continue bool `json:"continue"`
}

// Snapshot is a point-in-time copy of a session's state.
type Snapshot struct {
	ID                string        `json:"id"`
	Goal              string        `json:"goal"`
	Status            Status        `json:"status"`
	Iteration         int           `json:"iteration"`
	MaxIterations     int           `json:"max_iterations"`
	LLM               LLMConfig     `json:"llm"`
	Path              llm.Path      `json:"path"`
	Transcript        []llm.Message `json:"transcript"`
	Created           []string      `json:"created"`
	Modified          []string      `json:"modified"`
	LastError         string        `json:"last_error,omitempty"`
	CompletionSummary string        `json:"completion_summary,omitempty"`
	AwaitingUser      bool          `json:"awaiting_user,omitempty"`
	Question          string        `json:"question,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}
