package toolcall

import (
	"reflect"
	"strings"
	"testing"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		allowed   []string
		wantNames []string
	}{
		{name: "empty content", content: ""},
		{name: "whitespace only", content: "   \n\t  "},
		{name: "plain text no JSON", content: "The storm knot is finished."},
		{name: "prose with braces", content: "Use {curly} braces for {emphasis}."},
		{
			name:      "function shape",
			content:   `{"function": "create_knot", "arguments": {"name": "storm"}}`,
			wantNames: []string{"create_knot"},
		},
		{
			name:      "name shape",
			content:   `{"name": "list_knots", "arguments": {}}`,
			wantNames: []string{"list_knots"},
		},
		{
			name:      "tool shape",
			content:   `{"tool": "read_knot", "args": {"name": "intro"}}`,
			wantNames: []string{"read_knot"},
		},
		{
			name:    "name without arguments is data",
			content: `{"name": "Alice", "age": 30}`,
		},
		{name: "empty name", content: `{"name": "", "arguments": {}}`},
		{name: "no name field", content: `{"foo": "bar", "arguments": {}}`},
		{
			name:      "array of calls",
			content:   `[{"name": "read_knot", "arguments": {"name": "intro"}}, {"name": "list_knots", "arguments": {}}]`,
			wantNames: []string{"read_knot", "list_knots"},
		},
		{
			name:      "tagged call",
			content:   `<tool_call>{"name": "edit_knot", "arguments": {"name": "intro", "content": "Hi"}}</tool_call>`,
			wantNames: []string{"edit_knot"},
		},
		{
			name:      "tagged call without closing tag",
			content:   `Let me look. <tool_call>{"name": "list_knots", "arguments": {}}`,
			wantNames: []string{"list_knots"},
		},
		{
			name:      "concatenated objects with trailing prose",
			content:   `{"name": "read_knot", "arguments": {"name": "a"}}{"name": "read_knot", "arguments": {"name": "b"}}Done reading.`,
			wantNames: []string{"read_knot", "read_knot"},
		},
		{
			name:      "fenced with language tag",
			content:   "I'll create it.\n```json\n{\"function\": \"create_knot\", \"arguments\": {\"name\": \"storm\"}}\n```\n",
			wantNames: []string{"create_knot"},
		},
		{
			name:      "fenced without language tag",
			content:   "```\n{\"function\": \"list_knots\", \"arguments\": {}}\n```",
			wantNames: []string{"list_knots"},
		},
		{
			name:      "inline fence",
			content:   "```{\"function\": \"list_knots\", \"arguments\": {}}```",
			wantNames: []string{"list_knots"},
		},
		{
			name:      "unclosed fence",
			content:   "```json\n{\"function\": \"list_knots\", \"arguments\": {}}",
			wantNames: []string{"list_knots"},
		},
		{
			name:      "fence with two objects",
			content:   "```json\n{\"function\": \"read_knot\", \"arguments\": {\"name\": \"a\"}}\n{\"function\": \"read_knot\", \"arguments\": {\"name\": \"b\"}}\n```",
			wantNames: []string{"read_knot", "read_knot"},
		},
		{
			name:      "fenced array",
			content:   "```json\n[{\"function\": \"list_knots\", \"arguments\": {}}, {\"function\": \"mark_goal_complete\", \"arguments\": {\"summary\": \"ok\"}}]\n```",
			wantNames: []string{"list_knots", "mark_goal_complete"},
		},
		{
			name:      "fenced and bare in document order",
			content:   "{\"function\": \"list_knots\", \"arguments\": {}}\n```json\n{\"function\": \"create_knot\", \"arguments\": {\"name\": \"x\"}}\n```\n{\"function\": \"mark_goal_complete\", \"arguments\": {}}",
			wantNames: []string{"list_knots", "create_knot", "mark_goal_complete"},
		},
		{
			name:      "repaired fenced block",
			content:   "```json\n{function: 'create_knot', arguments: {name: 'storm',},} // make it\n```",
			wantNames: []string{"create_knot"},
		},
		{
			name:      "braces inside strings",
			content:   `{"function": "edit_knot", "arguments": {"content": "a } tricky { value \" with quote"}}`,
			wantNames: []string{"edit_knot"},
		},
		{
			name:      "openai function object",
			content:   `{"function": {"name": "read_knot", "arguments": "{\"name\": \"intro\"}"}}`,
			wantNames: []string{"read_knot"},
		},
		{
			name:      "tool_calls wrapper",
			content:   `{"tool_calls": [{"function": {"name": "list_knots", "arguments": {}}}]}`,
			wantNames: []string{"list_knots"},
		},
		{
			name:      "stray open brace does not hide later call",
			content:   `Thinking about {the plot... {"function": "list_knots", "arguments": {}}`,
			wantNames: []string{"list_knots"},
		},
		{
			name:      "reasoning block removed",
			content:   `<think>maybe {"function": "delete_all", "arguments": {}}</think>{"function": "list_knots", "arguments": {}}`,
			wantNames: []string{"list_knots"},
		},
		// Allow-list behavior.
		{
			name:      "allowed tool kept",
			content:   `{"name": "read_knot", "arguments": {"name": "intro"}}`,
			allowed:   []string{"read_knot", "list_knots"},
			wantNames: []string{"read_knot"},
		},
		{
			name:    "unknown tool rejected",
			content: `{"name": "hack_the_planet", "arguments": {}}`,
			allowed: []string{"read_knot"},
		},
		{
			name:      "mixed known and unknown",
			content:   `[{"name": "read_knot", "arguments": {}}, {"name": "invalid_tool", "arguments": {}}]`,
			allowed:   []string{"read_knot"},
			wantNames: []string{"read_knot"},
		},
		{
			name:      "tool name prefix form",
			content:   `create_knot {"name": "storm", "content": "Rain."} I will add it.`,
			allowed:   []string{"create_knot"},
			wantNames: []string{"create_knot"},
		},
		{
			name:    "prefix form needs allow-list",
			content: `create_knot {"name": "storm"}`,
		},
		{
			name:    "unknown prefix ignored",
			content: `unknown_tool {"foo": "bar"}`,
			allowed: []string{"create_knot"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Extract(tt.content, WithAllowedNames(tt.allowed...))
			var names []string
			for _, c := range got.Calls {
				names = append(names, c.Name)
			}
			if !reflect.DeepEqual(names, tt.wantNames) {
				t.Errorf("Extract() names = %v, want %v", names, tt.wantNames)
			}
			for _, c := range got.Calls {
				if c.Arguments == nil {
					t.Errorf("call %s has nil arguments", c.Name)
				}
			}
		})
	}
}

func TestExtract_Arguments(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    map[string]any
	}{
		{
			name:    "object arguments",
			content: `{"function": "create_knot", "arguments": {"name": "storm", "content": "Rain.", "weight": 2}}`,
			want:    map[string]any{"name": "storm", "content": "Rain.", "weight": float64(2)},
		},
		{
			name:    "missing arguments",
			content: `{"function": "list_knots"}`,
			want:    map[string]any{},
		},
		{
			name:    "array args wrapped",
			content: `{"tool": "roll", "args": [1, "d6"]}`,
			want:    map[string]any{"_args": []any{float64(1), "d6"}},
		},
		{
			name:    "string-encoded arguments",
			content: `{"name": "read_knot", "arguments": "{\"name\": \"intro\"}"}`,
			want:    map[string]any{"name": "intro"},
		},
		{
			name:    "unparseable string arguments kept raw",
			content: `{"name": "read_knot", "arguments": "intro"}`,
			want:    map[string]any{"_raw": "intro"},
		},
		{
			name:    "prefix form arguments",
			content: `read_knot {"name": "intro"}`,
			want:    map[string]any{"name": "intro"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Extract(tt.content, WithAllowedNames("create_knot", "list_knots", "roll", "read_knot"))
			if len(got.Calls) != 1 {
				t.Fatalf("got %d calls, want 1", len(got.Calls))
			}
			if !reflect.DeepEqual(got.Calls[0].Arguments, tt.want) {
				t.Errorf("arguments = %#v, want %#v", got.Calls[0].Arguments, tt.want)
			}
		})
	}
}

func TestExtract_TwoFencedBlocks(t *testing.T) {
	a := "```json\n{\"function\":\"create_knot\",\"arguments\":{\"name\":\"a\"}}\n```"
	b := "```json\n{\"function\":\"create_knot\",\"arguments\":{\"name\":\"b\"}}\n```"

	got := Extract("First:\n" + a + "\nSecond:\n" + b)
	if len(got.Calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(got.Calls))
	}
	if got.Calls[0].Arguments["name"] != "a" || got.Calls[1].Arguments["name"] != "b" {
		t.Errorf("calls out of document order: %+v", got.Calls)
	}

	got = Extract(a + "\n" + a)
	if len(got.Calls) != 1 {
		t.Errorf("identical blocks should collapse, got %d calls", len(got.Calls))
	}
}

func TestExtract_Dedup(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{"identical calls", `{"function":"f","arguments":{"a":1}} {"function":"f","arguments":{"a":1}}`, 1},
		{"key order ignored", `{"function":"f","arguments":{"a":1,"b":2}} {"function":"f","arguments":{"b":2,"a":1}}`, 1},
		{"different shapes same call", `{"function":"f","arguments":{"a":1}} {"name":"f","arguments":{"a":1}}`, 1},
		{"different arguments", `{"function":"f","arguments":{"a":1}} {"function":"f","arguments":{"a":2}}`, 2},
		{"different names", `{"function":"f","arguments":{}} {"function":"g","arguments":{}}`, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Extract(tt.content); len(got.Calls) != tt.want {
				t.Errorf("got %d calls, want %d", len(got.Calls), tt.want)
			}
		})
	}
}

func TestExtract_ParseErrors(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		wantCalls  int
		wantErrors int
	}{
		{
			name:       "missing comma in call",
			content:    `{"function": "create_knot", "arguments": {"name": "a" "content": "b"}}`,
			wantErrors: 1,
		},
		{
			name:       "unterminated call",
			content:    `{"name": "read_knot", "arguments": {`,
			wantErrors: 1,
		},
		{
			name:    "prose braces not reported",
			content: `The set {a, b, c} is {not JSON}.`,
		},
		{
			name:       "bad fragment does not block good one",
			content:    "```json\n{\"function\": \"broken\" \"arguments\": {}}\n```\n```json\n{\"function\": \"list_knots\", \"arguments\": {}}\n```",
			wantCalls:  1,
			wantErrors: 1,
		},
		{
			name:       "unquoted tool key still reported",
			content:    `{tool: read_knot, args: {}}`,
			wantErrors: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Extract(tt.content)
			if len(got.Calls) != tt.wantCalls {
				t.Errorf("calls = %d, want %d", len(got.Calls), tt.wantCalls)
			}
			if len(got.ParseErrors) != tt.wantErrors {
				t.Errorf("parse errors = %d (%v), want %d", len(got.ParseErrors), got.ParseErrors, tt.wantErrors)
			}
			for _, pe := range got.ParseErrors {
				if pe.Err == "" || pe.Fragment == "" {
					t.Errorf("incomplete parse error %+v", pe)
				}
				if !strings.Contains(pe.Error(), "offset") {
					t.Errorf("Error() = %q", pe.Error())
				}
			}
		})
	}
}

func TestExtract_ParseErrorFragmentTruncated(t *testing.T) {
	long := `{"function": "edit_knot" "arguments": {"content": "` + strings.Repeat("x", 500) + `"}}`
	got := Extract(long)
	if len(got.ParseErrors) != 1 {
		t.Fatalf("parse errors = %d, want 1", len(got.ParseErrors))
	}
	if len(got.ParseErrors[0].Fragment) > maxFragmentLen+3 {
		t.Errorf("fragment length %d not truncated", len(got.ParseErrors[0].Fragment))
	}
}

func TestExtract_Rejected(t *testing.T) {
	got := Extract(`{"function": "rm_rf", "arguments": {}} {"function": "list_knots", "arguments": {}}`,
		WithAllowedNames("list_knots"))
	if len(got.Calls) != 1 || got.Calls[0].Name != "list_knots" {
		t.Errorf("calls = %+v", got.Calls)
	}
	if !reflect.DeepEqual(got.Rejected, []string{"rm_rf"}) {
		t.Errorf("Rejected = %v", got.Rejected)
	}
}

func TestExtract_KeepThinking(t *testing.T) {
	content := `<think>{"function": "list_knots", "arguments": {}}</think>`
	if got := Extract(content); len(got.Calls) != 0 {
		t.Errorf("reasoning should be ignored by default, got %d calls", len(got.Calls))
	}
	if got := Extract(content, WithKeepThinking()); len(got.Calls) != 1 {
		t.Errorf("WithKeepThinking should scan reasoning, got %d calls", len(got.Calls))
	}
}

func TestExtract_CompletionScenario(t *testing.T) {
	content := "I've added the knot.\n\n```json\n{\"function\":\"mark_goal_complete\",\"arguments\":{\"summary\":\"done\"}}\n```"
	got := Extract(content)
	if len(got.Calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(got.Calls))
	}
	if got.Calls[0].Name != "mark_goal_complete" || got.Calls[0].Arguments["summary"] != "done" {
		t.Errorf("call = %+v", got.Calls[0])
	}
}

func TestStripThinking(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"no tags", "no tags"},
		{"<think>hmm</think>answer", "answer"},
		{"<THINK>\nmulti\nline\n</THINK>answer", "answer"},
		{"stray</think>answer", "strayanswer"},
	}
	for _, tt := range tests {
		if got := StripThinking(tt.in); got != tt.want {
			t.Errorf("StripThinking(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
