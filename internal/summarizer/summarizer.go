// Package summarizer compacts long session transcripts. When a
// transcript grows past a threshold, the older messages are rendered as
// condensed text, summarized by the model, and replaced with a single
// synopsis message so the conversation fits the context window.
package summarizer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/knotwright/internal/llm"
	"github.com/nugget/knotwright/internal/prompts"
	"github.com/nugget/knotwright/internal/toolcall"
)

// Config controls when and how transcripts are compacted.
type Config struct {
	// Threshold is the number of non-system messages above which a
	// transcript is compacted. Default: 30.
	Threshold int

	// KeepRecent is the number of most recent messages kept verbatim.
	// Default: 10.
	KeepRecent int

	// MaxFieldChars bounds each rendered message or argument list in
	// the summarization prompt. Default: 300.
	MaxFieldChars int

	// Timeout for the summarization call. Default: 2 minutes.
	Timeout time.Duration

	// Model overrides the session's model for summarization.
	Model string
}

// DefaultConfig returns the default compaction settings.
func DefaultConfig() Config {
	return Config{
		Threshold:     30,
		KeepRecent:    10,
		MaxFieldChars: 300,
		Timeout:       2 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.KeepRecent <= 0 {
		c.KeepRecent = d.KeepRecent
	}
	if c.KeepRecent >= c.Threshold {
		c.KeepRecent = c.Threshold - 1
	}
	if c.MaxFieldChars <= 0 {
		c.MaxFieldChars = d.MaxFieldChars
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
}

// Record describes one compaction. It is reported with the turn that
// triggered it and not kept afterwards.
type Record struct {
	MessagesSummarized int    `json:"messages_summarized"`
	MessagesKept       int    `json:"messages_kept"`
	SummaryText        string `json:"summary"`
}

// Generator is the plain-text completion call used for summaries.
type Generator interface {
	Generate(ctx context.Context, req llm.GenerateRequest) llm.GenerateResult
}

// Summarizer compacts transcripts. It holds no per-session state and is
// safe for concurrent use.
type Summarizer struct {
	gen    Generator
	logger *slog.Logger
	config Config
}

// New creates a summarizer.
func New(gen Generator, logger *slog.Logger, cfg Config) *Summarizer {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{
		gen:    gen,
		logger: logger.With("component", "summarizer"),
		config: cfg,
	}
}

// Config returns the effective configuration.
func (s *Summarizer) Config() Config {
	return s.config
}

// NeedsCompaction reports whether the transcript, not counting system
// messages, is longer than the threshold.
func (s *Summarizer) NeedsCompaction(transcript []llm.Message) bool {
	n := 0
	for _, m := range transcript {
		if m.Role != llm.RoleSystem {
			n++
		}
	}
	return n > s.config.Threshold
}

// Compact summarizes the older part of transcript. The result is the
// leading system messages, one synthetic summary message, and at most
// KeepRecent recent messages. Below the threshold it returns the
// transcript unchanged and a nil Record. On failure the transcript is
// returned unchanged along with the error; callers should carry on and
// try again at the next turn.
func (s *Summarizer) Compact(ctx context.Context, model string, transcript []llm.Message) ([]llm.Message, *Record, error) {
	if !s.NeedsCompaction(transcript) {
		return transcript, nil, nil
	}

	head := 0
	for head < len(transcript) && transcript[head].Role == llm.RoleSystem {
		head++
	}
	body := transcript[head:]

	cut := splitPoint(body, s.config.KeepRecent)
	if cut <= 0 {
		return transcript, nil, nil
	}
	older, recent := body[:cut], body[cut:]

	if s.config.Model != "" {
		model = s.config.Model
	}

	start := time.Now()
	res := s.gen.Generate(ctx, llm.GenerateRequest{
		Model:   model,
		System:  prompts.SummarizerSystemPrompt,
		Prompt:  prompts.CompactionPrompt(s.Render(older)),
		Timeout: s.config.Timeout,
	})
	if !res.Success {
		return transcript, nil, fmt.Errorf("summarize %d messages: %s", len(older), res.Error)
	}
	synopsis := strings.TrimSpace(toolcall.StripThinking(res.Response))
	if synopsis == "" {
		return transcript, nil, errors.New("summarize: model returned an empty summary")
	}

	out := make([]llm.Message, 0, head+1+len(recent))
	out = append(out, transcript[:head]...)
	out = append(out, llm.Message{
		Role:    llm.RoleUser,
		Content: prompts.SummaryMessage(len(older), synopsis),
	})
	out = append(out, recent...)

	s.logger.Info("transcript compacted",
		"model", model,
		"summarized", len(older),
		"kept", len(recent),
		"summary_chars", len(synopsis),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	return out, &Record{
		MessagesSummarized: len(older),
		MessagesKept:       len(recent),
		SummaryText:        synopsis,
	}, nil
}

// splitPoint returns the index in body where the kept window begins. A
// window must not open with tool results whose call was summarized away,
// so the cut moves later past them.
func splitPoint(body []llm.Message, keep int) int {
	cut := len(body) - keep
	if cut < 0 {
		cut = 0
	}
	for cut < len(body) && body[cut].Role == llm.RoleTool {
		cut++
	}
	return cut
}

// Render formats messages as the condensed text sent for summarization.
func (s *Summarizer) Render(msgs []llm.Message) string {
	limit := s.config.MaxFieldChars
	var sb strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			continue
		case llm.RoleAssistant:
			for _, tc := range m.ToolCalls {
				args, err := json.Marshal(tc.Arguments)
				if err != nil {
					args = []byte("{}")
				}
				fmt.Fprintf(&sb, "[ASSISTANT called %s: %s]\n", tc.Name, truncate(string(args), limit))
			}
			if text := strings.TrimSpace(m.Content); text != "" {
				fmt.Fprintf(&sb, "[ASSISTANT]: %s\n", truncate(text, limit))
			}
		default:
			fmt.Fprintf(&sb, "[USER/TOOL RESULT]: %s\n", truncate(strings.TrimSpace(m.Content), limit))
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// truncate collapses whitespace and limits s to max runes.
func truncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
