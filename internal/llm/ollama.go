package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nugget/knotwright/internal/httpkit"
)

// Default per-call timeouts. Connectivity checks should answer quickly;
// local inference on a large model can legitimately take minutes.
const (
	DefaultShortTimeout = 10 * time.Second
	DefaultChatTimeout  = 5 * time.Minute
)

// OllamaClient is the transport adapter for the Ollama HTTP API.
type OllamaClient struct {
	baseURL      string
	httpClient   *http.Client
	shortTimeout time.Duration
	chatTimeout  time.Duration
	logger       *slog.Logger
}

// OllamaOption configures an OllamaClient.
type OllamaOption func(*OllamaClient)

// WithShortTimeout sets the timeout for Ping and ListModels.
func WithShortTimeout(d time.Duration) OllamaOption {
	return func(c *OllamaClient) {
		if d > 0 {
			c.shortTimeout = d
		}
	}
}

// WithChatTimeout sets the default timeout for Chat and Generate.
func WithChatTimeout(d time.Duration) OllamaOption {
	return func(c *OllamaClient) {
		if d > 0 {
			c.chatTimeout = d
		}
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(l *slog.Logger) OllamaOption {
	return func(c *OllamaClient) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithHTTPClient replaces the shared HTTP client (tests).
func WithHTTPClient(hc *http.Client) OllamaOption {
	return func(c *OllamaClient) { c.httpClient = hc }
}

// NewOllamaClient creates a new Ollama client. Trailing slashes on
// baseURL are ignored.
func NewOllamaClient(baseURL string, opts ...OllamaOption) *OllamaClient {
	baseURL = httpkit.NormalizeBaseURL(baseURL)
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	c := &OllamaClient{
		baseURL:      baseURL,
		shortTimeout: DefaultShortTimeout,
		chatTimeout:  DefaultChatTimeout,
		logger:       slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.httpClient == nil {
		// Timeouts are applied per call through the request context, and
		// non-streaming chat only sends headers once generation finishes.
		c.httpClient = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithResponseHeaderTimeout(0),
		)
	}
	c.logger = c.logger.With("component", "ollama", "server", baseURL)
	return c
}

// BaseURL returns the normalized server address.
func (c *OllamaClient) BaseURL() string {
	return c.baseURL
}

// Wire types. These mirror the Ollama JSON API; conversion to the
// provider-neutral types happens in this file only.

type ollamaWireToolCall struct {
	Function struct {
		Name string `json:"name"`
		// Ollama returns an object; some compatible servers return a
		// JSON-encoded string instead.
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaWireMessage struct {
	Role      string               `json:"role"`
	Content   string               `json:"content"`
	ToolCalls []ollamaWireToolCall `json:"tool_calls,omitempty"`
	ToolName  string               `json:"tool_name,omitempty"`
}

type ollamaWireTool struct {
	Type     string `json:"type"`
	Function Tool   `json:"function"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaWireMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Tools    []ollamaWireTool    `json:"tools,omitempty"`
	Options  *Options            `json:"options,omitempty"`
	Format   string              `json:"format,omitempty"`
}

type ollamaWireResponse struct {
	Model      string            `json:"model"`
	CreatedAt  string            `json:"created_at"`
	Message    ollamaWireMessage `json:"message"`
	Done       bool              `json:"done"`
	DoneReason string            `json:"done_reason,omitempty"`

	TotalDuration      int64 `json:"total_duration,omitempty"`
	LoadDuration       int64 `json:"load_duration,omitempty"`
	PromptEvalCount    int   `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64 `json:"prompt_eval_duration,omitempty"`
	EvalCount          int   `json:"eval_count,omitempty"`
	EvalDuration       int64 `json:"eval_duration,omitempty"`
}

type ollamaGenerateRequest struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	System  string   `json:"system,omitempty"`
	Stream  bool     `json:"stream"`
	Options *Options `json:"options,omitempty"`
	Format  string   `json:"format,omitempty"`
}

type ollamaGenerateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	TotalDuration   int64  `json:"total_duration,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
}

func toWireMessages(msgs []Message) []ollamaWireMessage {
	out := make([]ollamaWireMessage, len(msgs))
	for i, m := range msgs {
		wm := ollamaWireMessage{
			Role:     string(m.Role),
			Content:  m.Content,
			ToolName: m.ToolName,
		}
		for _, tc := range m.ToolCalls {
			var wtc ollamaWireToolCall
			wtc.Function.Name = tc.Name
			args := tc.Arguments
			if args == nil {
				args = map[string]any{}
			}
			raw, err := json.Marshal(args)
			if err != nil {
				raw = []byte("{}")
			}
			wtc.Function.Arguments = raw
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		out[i] = wm
	}
	return out
}

func toWireTools(tools []Tool) []ollamaWireTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]ollamaWireTool, len(tools))
	for i, t := range tools {
		out[i] = ollamaWireTool{Type: "function", Function: t}
	}
	return out
}

func (w ollamaWireMessage) toMessage() Message {
	m := Message{
		Role:     Role(w.Role),
		Content:  w.Content,
		ToolName: w.ToolName,
	}
	for _, tc := range w.ToolCalls {
		if tc.Function.Name == "" {
			continue
		}
		m.ToolCalls = append(m.ToolCalls, ToolCall{
			Name:      tc.Function.Name,
			Arguments: decodeArguments(tc.Function.Arguments),
		})
	}
	return m
}

// decodeArguments accepts either a JSON object or a JSON string that
// itself contains an object. Anything unparseable is preserved under
// "_raw" so the tool sees what the model actually sent.
func decodeArguments(raw json.RawMessage) map[string]any {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]any{}
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return map[string]any{"_raw": string(raw)}
		}
		if s == "" {
			return map[string]any{}
		}
		raw = json.RawMessage(s)
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil || args == nil {
		return map[string]any{"_raw": string(raw)}
	}
	return args
}

func (w ollamaWireResponse) toChatResult() ChatResult {
	r := ChatResult{
		Success:       true,
		Message:       w.Message.toMessage(),
		Done:          w.Done,
		Model:         w.Model,
		InputTokens:   w.PromptEvalCount,
		OutputTokens:  w.EvalCount,
		TotalDuration: time.Duration(w.TotalDuration),
		LoadDuration:  time.Duration(w.LoadDuration),
		EvalDuration:  time.Duration(w.EvalDuration),
	}
	if r.Message.Role == "" {
		r.Message.Role = RoleAssistant
	}
	if t, err := time.Parse(time.RFC3339Nano, w.CreatedAt); err == nil {
		r.CreatedAt = t
	}
	return r
}

func optionsPtr(o Options) *Options {
	if o == (Options{}) {
		return nil
	}
	return &o
}

// callOutcome carries the failure details of a single HTTP exchange.
type callOutcome struct {
	status      int
	errMsg      string
	serverError string
}

// postJSON sends payload to path and decodes a 2xx body into out. It
// never returns a Go error; the outcome's errMsg is empty on success.
func (c *OllamaClient) postJSON(ctx context.Context, path string, payload any, timeout time.Duration, out any) callOutcome {
	body, err := json.Marshal(payload)
	if err != nil {
		return callOutcome{errMsg: fmt.Sprintf("marshal request: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.logger.Log(ctx, LevelTrace, "request payload", "path", path, "body", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return callOutcome{errMsg: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return callOutcome{errMsg: transportMessage(ctx, err, timeout)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw := httpkit.ReadErrorBody(resp.Body, httpkit.DefaultErrorBodyLimit)
		failed := callOutcome{
			status: resp.StatusCode,
			errMsg: fmt.Sprintf("API error %d: %s", resp.StatusCode, raw),
		}
		if gjson.Valid(raw) {
			failed.serverError = gjson.Get(raw, "error").String()
		}
		c.logger.Debug("server returned error",
			"path", path,
			"status", resp.StatusCode,
			"error", failed.errMsg,
		)
		return failed
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return callOutcome{status: resp.StatusCode, errMsg: transportMessage(ctx, ctx.Err(), timeout)}
		}
		return callOutcome{status: resp.StatusCode, errMsg: fmt.Sprintf("decode response: %v", err)}
	}

	if c.logger.Enabled(ctx, LevelTrace) {
		if echoed, err := json.Marshal(out); err == nil {
			c.logger.Log(ctx, LevelTrace, "response payload", "path", path, "body", string(echoed))
		}
	}
	c.logger.Debug("request complete", "path", path, "elapsed", time.Since(start).Round(time.Millisecond))

	return callOutcome{status: resp.StatusCode}
}

func transportMessage(ctx context.Context, err error, timeout time.Duration) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("request timed out after %s", timeout)
	case errors.Is(ctx.Err(), context.Canceled), errors.Is(err, context.Canceled):
		return "request cancelled"
	default:
		return fmt.Sprintf("request failed: %v", err)
	}
}

// Chat sends a non-streaming chat request to /api/chat.
func (c *OllamaClient) Chat(ctx context.Context, req ChatRequest) ChatResult {
	if req.Model == "" {
		return ChatResult{Error: "model is required"}
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.chatTimeout
	}

	wireReq := ollamaChatRequest{
		Model:    req.Model,
		Messages: toWireMessages(req.Messages),
		Stream:   false,
		Tools:    toWireTools(req.Tools),
		Options:  optionsPtr(req.Options),
		Format:   req.Format,
	}

	c.logger.Debug("chat request",
		"model", req.Model,
		"messages", len(req.Messages),
		"tools", len(req.Tools),
		"format", req.Format,
	)

	var wire ollamaWireResponse
	outcome := c.postJSON(ctx, "/api/chat", wireReq, timeout, &wire)
	if outcome.errMsg != "" {
		return ChatResult{
			Error:       outcome.errMsg,
			StatusCode:  outcome.status,
			ServerError: outcome.serverError,
			Model:       req.Model,
		}
	}

	result := wire.toChatResult()
	result.StatusCode = outcome.status
	if result.Model == "" {
		result.Model = req.Model
	}
	return result
}

// Generate sends a non-streaming completion request to /api/generate.
func (c *OllamaClient) Generate(ctx context.Context, req GenerateRequest) GenerateResult {
	if req.Model == "" {
		return GenerateResult{Error: "model is required"}
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.chatTimeout
	}

	wireReq := ollamaGenerateRequest{
		Model:   req.Model,
		Prompt:  req.Prompt,
		System:  req.System,
		Stream:  false,
		Options: optionsPtr(req.Options),
		Format:  req.Format,
	}

	var wire ollamaGenerateResponse
	outcome := c.postJSON(ctx, "/api/generate", wireReq, timeout, &wire)
	if outcome.errMsg != "" {
		return GenerateResult{
			Error:       outcome.errMsg,
			StatusCode:  outcome.status,
			ServerError: outcome.serverError,
			Model:       req.Model,
		}
	}

	model := wire.Model
	if model == "" {
		model = req.Model
	}
	return GenerateResult{
		Success:       true,
		Response:      wire.Response,
		Done:          wire.Done,
		StatusCode:    outcome.status,
		Model:         model,
		InputTokens:   wire.PromptEvalCount,
		OutputTokens:  wire.EvalCount,
		TotalDuration: time.Duration(wire.TotalDuration),
	}
}

// Ping checks if the server is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.shortTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}

	return nil
}

// ListModels returns the names of the models installed on the server.
func (c *OllamaClient) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.shortTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, httpkit.DefaultErrorBodyLimit)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	names := make([]string, len(result.Models))
	for i, m := range result.Models {
		names[i] = m.Name
	}
	return names, nil
}
