package tools

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func newTestRegistry() *Registry {
	r := NewRegistry()
	for _, name := range []string{"alpha", "beta", "gamma"} {
		result := name + "-result"
		r.Register(&Tool{
			Name:        name,
			Description: "Tool " + name,
			Handler: func(ctx context.Context, args map[string]any) (Result, error) {
				return Text("%s", result), nil
			},
		})
	}
	return r
}

func TestNewRegistry_ControlTools(t *testing.T) {
	r := NewRegistry()
	want := []string{AskUser, MarkGoalComplete}
	if got := r.AllToolNames(); !reflect.DeepEqual(got, want) {
		t.Errorf("AllToolNames() = %v, want %v", got, want)
	}
}

func TestCatalog(t *testing.T) {
	r := newTestRegistry()
	catalog := r.Catalog()

	var names []string
	for _, tool := range catalog {
		names = append(names, tool.Name)
		if tool.Parameters == nil {
			t.Errorf("%s: nil parameters should default to an empty object schema", tool.Name)
		}
	}
	want := []string{"alpha", "ask_user", "beta", "gamma", "mark_goal_complete"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("Catalog() names = %v, want %v", names, want)
	}
}

func TestFilteredCopy(t *testing.T) {
	r := newTestRegistry()

	tests := []struct {
		name      string
		include   []string
		wantNames []string
	}{
		{"subset", []string{"alpha", "gamma"}, []string{"alpha", "ask_user", "gamma", "mark_goal_complete"}},
		{"empty list keeps control tools", []string{}, []string{"ask_user", "mark_goal_complete"}},
		{"nonexistent tools skipped", []string{"alpha", "nonexistent"}, []string{"alpha", "ask_user", "mark_goal_complete"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			filtered := r.FilteredCopy(tt.include)
			if got := filtered.AllToolNames(); !reflect.DeepEqual(got, tt.wantNames) {
				t.Errorf("FilteredCopy(%v) = %v, want %v", tt.include, got, tt.wantNames)
			}
		})
	}

	filtered := r.FilteredCopy([]string{"alpha"})
	res, err := filtered.Execute(context.Background(), "alpha", nil)
	if err != nil || res.Content != "alpha-result" {
		t.Errorf("Execute(alpha) = %q, %v", res.Content, err)
	}
	if _, err := filtered.Execute(context.Background(), "beta", nil); err == nil {
		t.Error("expected error executing excluded tool")
	}
}

func TestFilteredCopyExcluding(t *testing.T) {
	r := newTestRegistry()
	got := r.FilteredCopyExcluding([]string{"beta", MarkGoalComplete}).AllToolNames()
	want := []string{"alpha", "ask_user", "gamma", "mark_goal_complete"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FilteredCopyExcluding = %v, want %v", got, want)
	}
}

func TestFilteredCopy_DoesNotMutateSource(t *testing.T) {
	r := newTestRegistry()
	before := len(r.AllToolNames())

	filtered := r.FilteredCopy([]string{"alpha"})
	filtered.Register(&Tool{Name: "new_tool", Handler: func(context.Context, map[string]any) (Result, error) {
		return Result{}, nil
	}})

	if len(r.AllToolNames()) != before {
		t.Error("FilteredCopy mutated the source registry")
	}
}

func TestExecute_Unknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), "hack_the_planet", nil)

	var unavailable *ErrToolUnavailable
	if !errors.As(fmt.Errorf("wrapped: %w", err), &unavailable) {
		t.Fatalf("error = %v, want *ErrToolUnavailable", err)
	}
	if unavailable.ToolName != "hack_the_planet" {
		t.Errorf("ToolName = %q", unavailable.ToolName)
	}
	if got := err.Error(); got != `tool "hack_the_planet" is not available` {
		t.Errorf("Error() = %q", got)
	}
}

func TestExecute_Panic(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{Name: "boom", Handler: func(context.Context, map[string]any) (Result, error) {
		panic("kaboom")
	}})
	_, err := r.Execute(context.Background(), "boom", nil)
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Errorf("error = %v, want panic reported", err)
	}
}

func TestExecute_NilArgs(t *testing.T) {
	r := NewRegistry()
	var got map[string]any
	r.Register(&Tool{Name: "probe", Handler: func(_ context.Context, args map[string]any) (Result, error) {
		got = args
		return Result{}, nil
	}})
	if _, err := r.Execute(context.Background(), "probe", nil); err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Error("handler received nil args")
	}
}

func TestControlTools(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	res, err := r.Execute(ctx, MarkGoalComplete, map[string]any{"summary": " done "})
	if err != nil || res.Content != "Goal marked complete: done" {
		t.Errorf("mark_goal_complete = %q, %v", res.Content, err)
	}
	res, err = r.Execute(ctx, MarkGoalComplete, nil)
	if err != nil || res.Content != "Goal marked complete." {
		t.Errorf("mark_goal_complete without summary = %q, %v", res.Content, err)
	}

	if _, err := r.Execute(ctx, AskUser, map[string]any{}); err == nil {
		t.Error("ask_user without question should fail")
	}
	if _, err := r.Execute(ctx, AskUser, map[string]any{"question": "Which ending?"}); err != nil {
		t.Errorf("ask_user: %v", err)
	}

	if !IsControlTool(AskUser) || !IsControlTool(MarkGoalComplete) || IsControlTool("create_knot") {
		t.Error("IsControlTool misclassifies")
	}
	if got := Question(map[string]any{"question": "  Why?  "}); got != "Why?" {
		t.Errorf("Question() = %q", got)
	}
	if got := CompletionSummary(map[string]any{"summary": 42.0}); got != "42" {
		t.Errorf("CompletionSummary(number) = %q", got)
	}
}
