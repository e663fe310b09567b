package summarizer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/knotwright/internal/llm"
	"github.com/nugget/knotwright/internal/prompts"
)

type mockGenerator struct {
	mu       sync.Mutex
	response string
	errMsg   string
	requests []llm.GenerateRequest
}

func (m *mockGenerator) Generate(_ context.Context, req llm.GenerateRequest) llm.GenerateResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.errMsg != "" {
		return llm.GenerateResult{Error: m.errMsg}
	}
	return llm.GenerateResult{Success: true, Response: m.response, Done: true}
}

// transcript builds a system message followed by n alternating
// user/assistant messages.
func transcript(n int) []llm.Message {
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: "You write interactive fiction."}}
	for i := 0; i < n; i++ {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: fmt.Sprintf("message %d", i)})
	}
	return msgs
}

func TestConfig_Defaults(t *testing.T) {
	s := New(&mockGenerator{}, nil, Config{})
	got := s.Config()
	want := Config{Threshold: 30, KeepRecent: 10, MaxFieldChars: 300, Timeout: 2 * time.Minute}
	if got != want {
		t.Errorf("Config() = %+v, want %+v", got, want)
	}

	s = New(&mockGenerator{}, nil, Config{Threshold: 5, KeepRecent: 9})
	if s.Config().KeepRecent != 4 {
		t.Errorf("KeepRecent = %d, want clamped to 4", s.Config().KeepRecent)
	}
}

func TestNeedsCompaction(t *testing.T) {
	s := New(&mockGenerator{}, nil, Config{})
	if s.NeedsCompaction(transcript(30)) {
		t.Error("30 messages is not above the threshold")
	}
	if !s.NeedsCompaction(transcript(31)) {
		t.Error("31 messages should need compaction")
	}
}

func TestCompact_BelowThresholdIsNoop(t *testing.T) {
	gen := &mockGenerator{response: "summary"}
	s := New(gen, nil, Config{})

	in := transcript(12)
	out, rec, err := s.Compact(context.Background(), "qwen3:4b", in)
	if err != nil || rec != nil {
		t.Fatalf("Compact() = %v, %v; want no-op", rec, err)
	}
	if len(out) != len(in) {
		t.Errorf("len = %d, want %d", len(out), len(in))
	}
	if len(gen.requests) != 0 {
		t.Error("no model call expected below threshold")
	}
}

func TestCompact(t *testing.T) {
	gen := &mockGenerator{response: "<think>hmm</think>\n- Goal: add a knot\n- Created intro\n"}
	s := New(gen, nil, Config{})

	in := transcript(35)
	out, rec, err := s.Compact(context.Background(), "qwen3:4b", in)
	if err != nil {
		t.Fatal(err)
	}
	if rec == nil {
		t.Fatal("expected a record")
	}

	if len(out) != 1+1+10 {
		t.Fatalf("len = %d, want system + summary + 10", len(out))
	}
	if rec.MessagesSummarized != 25 || rec.MessagesKept != 10 {
		t.Errorf("record = %+v", rec)
	}
	if rec.SummaryText != "- Goal: add a knot\n- Created intro" {
		t.Errorf("SummaryText = %q", rec.SummaryText)
	}

	if out[0].Role != llm.RoleSystem || out[0].Content != in[0].Content {
		t.Error("system message should be preserved")
	}
	if out[1].Role != llm.RoleUser || !strings.HasPrefix(out[1].Content, "[Conversation Summary]") {
		t.Errorf("summary message = %+v", out[1])
	}
	if !strings.Contains(out[1].Content, "25 earlier messages") {
		t.Errorf("summary message should count compacted messages: %q", out[1].Content)
	}
	if out[2].Content != "message 25" || out[len(out)-1].Content != "message 34" {
		t.Errorf("kept window = %q..%q", out[2].Content, out[len(out)-1].Content)
	}

	// The input slice is not modified.
	if len(in) != 36 || in[1].Content != "message 0" {
		t.Error("input transcript was modified")
	}

	req := gen.requests[0]
	if req.Model != "qwen3:4b" || req.System != prompts.SummarizerSystemPrompt {
		t.Errorf("request model/system = %q / %q", req.Model, req.System)
	}
	if req.Timeout != 2*time.Minute {
		t.Errorf("Timeout = %v", req.Timeout)
	}
	if !strings.Contains(req.Prompt, "[USER/TOOL RESULT]: message 0") ||
		strings.Contains(req.Prompt, "message 25") {
		t.Errorf("prompt should cover exactly the compacted range:\n%s", req.Prompt)
	}

	// Compacting the result again is a no-op.
	again, rec2, err := s.Compact(context.Background(), "qwen3:4b", out)
	if err != nil || rec2 != nil || len(again) != len(out) {
		t.Error("compacting a short transcript should be a no-op")
	}
}

func TestCompact_ModelOverride(t *testing.T) {
	gen := &mockGenerator{response: "ok"}
	s := New(gen, nil, Config{Model: "llama3.2:3b"})
	if _, _, err := s.Compact(context.Background(), "qwen3:4b", transcript(31)); err != nil {
		t.Fatal(err)
	}
	if gen.requests[0].Model != "llama3.2:3b" {
		t.Errorf("Model = %q, want override", gen.requests[0].Model)
	}
}

func TestCompact_FailureLeavesTranscript(t *testing.T) {
	tests := []struct {
		name string
		gen  *mockGenerator
	}{
		{"transport error", &mockGenerator{errMsg: "request timed out after 2m0s"}},
		{"empty summary", &mockGenerator{response: "  <think>only thinking</think> "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.gen, nil, Config{})
			in := transcript(31)
			out, rec, err := s.Compact(context.Background(), "m", in)
			if err == nil {
				t.Fatal("expected error")
			}
			if rec != nil || len(out) != len(in) {
				t.Error("transcript should be unchanged on failure")
			}
		})
	}
}

func TestCompact_DoesNotOrphanToolResults(t *testing.T) {
	gen := &mockGenerator{response: "summary"}
	s := New(gen, nil, Config{Threshold: 6, KeepRecent: 3})

	in := []llm.Message{
		{Role: llm.RoleSystem, Content: "sys"},
		{Role: llm.RoleUser, Content: "goal"},
		{Role: llm.RoleAssistant, Content: "one"},
		{Role: llm.RoleUser, Content: "go on"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{
			{Name: "read_knot", Arguments: map[string]any{"name": "a"}},
			{Name: "read_knot", Arguments: map[string]any{"name": "b"}},
		}},
		{Role: llm.RoleTool, ToolName: "read_knot", Content: "A"},
		{Role: llm.RoleTool, ToolName: "read_knot", Content: "B"},
		{Role: llm.RoleAssistant, Content: "both read"},
	}
	out, rec, err := s.Compact(context.Background(), "m", in)
	if err != nil {
		t.Fatal(err)
	}
	if rec.MessagesKept != 1 || len(out) != 3 {
		t.Fatalf("kept %d, len %d; want tool results folded into the summary", rec.MessagesKept, len(out))
	}
	if out[2].Role == llm.RoleTool {
		t.Error("kept window starts with an orphaned tool result")
	}
	if !strings.Contains(gen.requests[0].Prompt, `[ASSISTANT called read_knot: {"name":"b"}]`) {
		t.Errorf("prompt missing tool call rendering:\n%s", gen.requests[0].Prompt)
	}
}

func TestRender(t *testing.T) {
	s := New(&mockGenerator{}, nil, Config{MaxFieldChars: 10})
	got := s.Render([]llm.Message{
		{Role: llm.RoleSystem, Content: "hidden"},
		{Role: llm.RoleUser, Content: "Write   a\nstory please"},
		{Role: llm.RoleAssistant, Content: "Sure.", ToolCalls: []llm.ToolCall{
			{Name: "create_knot", Arguments: map[string]any{"name": "intro", "content": "long text"}},
		}},
		{Role: llm.RoleTool, Content: "Created knot intro."},
	})
	want := strings.Join([]string{
		"[USER/TOOL RESULT]: Write a st...",
		`[ASSISTANT called create_knot: {"content"...]`,
		"[ASSISTANT]: Sure.",
		"[USER/TOOL RESULT]: Created kn...",
	}, "\n")
	if got != want {
		t.Errorf("Render() =\n%s\nwant\n%s", got, want)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"héllo wörld", 5, "héllo..."},
		{"a\n\n b", 10, "a b"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}
