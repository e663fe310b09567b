package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/nugget/knotwright/internal/prompts"
)

// Path identifies how tool calls are exchanged with the model.
type Path string

const (
	// PathNative sends a tools array and expects tool_calls back.
	PathNative Path = "native"
	// PathFallback describes tools in the system prompt and recovers
	// calls from the assistant's text.
	PathFallback Path = "fallback"
)

// toolsUnsupportedPhrases are substrings of server errors that mean the
// model rejected native tool-calling. The wording comes from Ollama and
// OpenAI-compatible servers and is not guaranteed stable across
// versions; keep this list the single place that knows about it.
var toolsUnsupportedPhrases = []string{
	"does not support tools",
	"tools are not supported",
	"tool use is not supported",
	"does not support tool",
}

// IsToolsUnsupported reports whether an error string indicates that the
// model cannot do native tool-calling. Matching is case-insensitive.
func IsToolsUnsupported(errMsg string) bool {
	msg := strings.ToLower(errMsg)
	for _, p := range toolsUnsupportedPhrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return strings.Contains(msg, "unknown field") && strings.Contains(msg, "tool")
}

// NegotiatedResult is a ChatResult annotated with the path that
// produced it.
type NegotiatedResult struct {
	ChatResult

	// Path is the protocol used for the call whose result this is.
	Path Path

	// Retried is true when a native attempt was rejected and this result
	// comes from the immediate fallback retry.
	Retried bool

	// NativeError holds the rejected native attempt's error, if any.
	NativeError string
}

// Negotiator chooses between native and fallback tool-calling per
// (server, model) pair and performs the one-time fallback retry.
type Negotiator struct {
	client Chatter
	cache  *CapabilityCache
	logger *slog.Logger
}

// NewNegotiator creates a negotiator. A nil cache gets a private one.
func NewNegotiator(client Chatter, cache *CapabilityCache, logger *slog.Logger) *Negotiator {
	if cache == nil {
		cache = NewCapabilityCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiator{
		client: client,
		cache:  cache,
		logger: logger.With("component", "negotiator"),
	}
}

// Client returns the underlying transport.
func (n *Negotiator) Client() Chatter {
	return n.client
}

// Cache returns the capability cache in use.
func (n *Negotiator) Cache() *CapabilityCache {
	return n.cache
}

// PathFor returns the path the next call for model will start on.
func (n *Negotiator) PathFor(model string) Path {
	if n.cache.LacksTools(n.client.BaseURL(), model) {
		return PathFallback
	}
	return PathNative
}

// Chat sends req with the tool catalog over the appropriate path. Any
// tools already set on req are ignored in favor of catalog.
func (n *Negotiator) Chat(ctx context.Context, req ChatRequest, catalog []Tool) NegotiatedResult {
	if len(catalog) == 0 {
		req.Tools = nil
		return NegotiatedResult{ChatResult: n.client.Chat(ctx, req), Path: PathNative}
	}

	server := n.client.BaseURL()
	if n.cache.LacksTools(server, req.Model) {
		return n.fallback(ctx, req, catalog)
	}

	native := req
	native.Tools = catalog
	result := n.client.Chat(ctx, native)
	if result.Success || !IsToolsUnsupported(result.Error) {
		return NegotiatedResult{ChatResult: result, Path: PathNative}
	}

	n.cache.MarkLacksTools(server, req.Model)
	n.logger.Info("model rejected native tool-calling, switching to text fallback",
		"model", req.Model,
		"error", result.Error,
	)

	out := n.fallback(ctx, req, catalog)
	out.Retried = true
	out.NativeError = result.Error
	return out
}

func (n *Negotiator) fallback(ctx context.Context, req ChatRequest, catalog []Tool) NegotiatedResult {
	req.Tools = nil
	req.Messages = FallbackMessages(req.Messages, catalog)
	return NegotiatedResult{ChatResult: n.client.Chat(ctx, req), Path: PathFallback}
}

// FallbackMessages rewrites a transcript for a model without native
// tool-calling: tool instructions are appended to the first system
// message (or prepended as one), and tool-role results are presented as
// user messages since such models typically have no template for them.
// The input slice is not modified.
func FallbackMessages(msgs []Message, catalog []Tool) []Message {
	instructions := prompts.FallbackToolInstructions(RenderToolListing(catalog))

	out := make([]Message, 0, len(msgs)+1)
	injected := false
	for _, m := range msgs {
		switch {
		case m.Role == RoleSystem && !injected:
			m.Content = strings.TrimRight(m.Content, "\n") + "\n\n" + instructions
			injected = true
		case m.Role == RoleTool:
			name := m.ToolName
			if name == "" {
				name = "tool"
			}
			m = Message{
				Role:    RoleUser,
				Content: fmt.Sprintf("[Result of %s]\n%s", name, m.Content),
			}
		case m.Role == RoleAssistant && len(m.ToolCalls) > 0 && strings.TrimSpace(m.Content) == "":
			// A natively issued call carried no text; show the model its
			// own call in the format it is now expected to use.
			m = Message{Role: RoleAssistant, Content: renderCallsAsText(m.ToolCalls)}
		default:
			m.ToolCalls = nil
		}
		out = append(out, m)
	}
	if !injected {
		out = append([]Message{{Role: RoleSystem, Content: instructions}}, out...)
	}
	return out
}

// RenderToolListing renders the catalog as one bullet per tool with its
// parameters, marking required ones.
func RenderToolListing(catalog []Tool) string {
	var sb strings.Builder
	for _, t := range catalog {
		sb.WriteString("- ")
		sb.WriteString(t.Name)
		if t.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(t.Description)
		}
		sb.WriteString("\n")

		props, _ := t.Parameters["properties"].(map[string]any)
		if len(props) == 0 {
			sb.WriteString("    (no parameters)\n")
			continue
		}
		required := requiredSet(t.Parameters["required"])
		names := make([]string, 0, len(props))
		for name := range props {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			schema, _ := props[name].(map[string]any)
			typ, _ := schema["type"].(string)
			desc, _ := schema["description"].(string)
			sb.WriteString("    - ")
			sb.WriteString(name)
			if typ != "" {
				sb.WriteString(" (")
				sb.WriteString(typ)
				if required[name] {
					sb.WriteString(", required")
				}
				sb.WriteString(")")
			} else if required[name] {
				sb.WriteString(" (required)")
			}
			if desc != "" {
				sb.WriteString(": ")
				sb.WriteString(desc)
			}
			sb.WriteString("\n")
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func requiredSet(v any) map[string]bool {
	out := make(map[string]bool)
	switch req := v.(type) {
	case []string:
		for _, s := range req {
			out[s] = true
		}
	case []any:
		for _, s := range req {
			if str, ok := s.(string); ok {
				out[str] = true
			}
		}
	}
	return out
}

func renderCallsAsText(calls []ToolCall) string {
	var sb strings.Builder
	for i, tc := range calls {
		if i > 0 {
			sb.WriteString("\n")
		}
		args := tc.Arguments
		if args == nil {
			args = map[string]any{}
		}
		body, err := marshalCall(tc.Name, args)
		if err != nil {
			continue
		}
		sb.WriteString("```json\n")
		sb.WriteString(body)
		sb.WriteString("\n```")
	}
	return sb.String()
}

func marshalCall(name string, args map[string]any) (string, error) {
	body, err := json.Marshal(struct {
		Function  string         `json:"function"`
		Arguments map[string]any `json:"arguments"`
	}{name, args})
	if err != nil {
		return "", err
	}
	return string(body), nil
}
