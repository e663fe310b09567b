package tools

import (
	"context"
	"strings"
)

// Control tool names. The session treats calls to these specially: a
// completion ends the session, a question pauses auto-continue.
const (
	MarkGoalComplete = "mark_goal_complete"
	AskUser          = "ask_user"
)

// IsControlTool reports whether name is one of the session control tools.
func IsControlTool(name string) bool {
	return name == MarkGoalComplete || name == AskUser
}

// CompletionSummary returns the summary argument of a mark_goal_complete
// call.
func CompletionSummary(args map[string]any) string {
	return strings.TrimSpace(stringArg(args, "summary"))
}

// Question returns the question argument of an ask_user call.
func Question(args map[string]any) string {
	return strings.TrimSpace(stringArg(args, "question"))
}

func (r *Registry) registerControlTools() {
	r.Register(&Tool{
		Name:        MarkGoalComplete,
		Description: "Call this once the goal has been fully achieved. Ends the session.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"summary": map[string]any{
					"type":        "string",
					"description": "One or two sentences describing what was done",
				},
			},
			"required": []string{"summary"},
		},
		Handler: func(_ context.Context, args map[string]any) (Result, error) {
			summary := CompletionSummary(args)
			if summary == "" {
				return Text("Goal marked complete."), nil
			}
			return Text("Goal marked complete: %s", summary), nil
		},
	})

	r.Register(&Tool{
		Name:        AskUser,
		Description: "Ask the user a question when you cannot proceed without their input. The session pauses until they reply.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{
					"type":        "string",
					"description": "The question to ask",
				},
			},
			"required": []string{"question"},
		},
		Handler: func(_ context.Context, args map[string]any) (Result, error) {
			q := Question(args)
			if q == "" {
				return Result{}, errMissing("question")
			}
			return Text("Question sent to the user. Wait for their reply."), nil
		},
	})
}
