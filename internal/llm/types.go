package llm

import (
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Role identifies the author of a transcript message.
type Role string

// The closed set of message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Message is one transcript entry.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolName names the tool whose output this is (tool role only).
	ToolName string `json:"tool_name,omitempty"`
}

// ToolCall is a single tool invocation, either returned natively by the
// server or recovered from assistant text. Treat as immutable.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Tool describes one entry of the tool catalog offered to the model.
// Parameters is a JSON-schema object.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Options are sampling parameters. Zero values are omitted so the
// server's model defaults apply.
type Options struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// ChatRequest is a provider-neutral chat call.
type ChatRequest struct {
	Model    string
	Messages []Message
	Tools    []Tool
	Options  Options

	// Format is the response-format hint: "json" or empty for free text.
	Format string

	// Timeout overrides the client's chat timeout for this call.
	Timeout time.Duration
}

// ChatResult is the normalized outcome of a chat call. When Success is
// false, Error holds a human-readable reason; for HTTP errors it embeds
// the (truncated) raw server body so callers can pattern-match on it.
type ChatResult struct {
	Success bool
	Message Message
	Done    bool
	Error   string

	// StatusCode is the HTTP status, or 0 for transport-level failures.
	StatusCode int

	// ServerError is the "error" field of a JSON error body, if any.
	ServerError string

	Model        string
	CreatedAt    time.Time
	InputTokens  int
	OutputTokens int

	TotalDuration time.Duration
	LoadDuration  time.Duration
	EvalDuration  time.Duration
}

// GenerateRequest is a single-prompt completion.
type GenerateRequest struct {
	Model   string
	Prompt  string
	System  string
	Options Options
	Format  string
	Timeout time.Duration
}

// GenerateResult is the normalized outcome of a generate call.
type GenerateResult struct {
	Success    bool
	Response   string
	Done       bool
	Error      string
	StatusCode int

	ServerError string

	Model        string
	InputTokens  int
	OutputTokens int

	TotalDuration time.Duration
}
