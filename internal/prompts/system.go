package prompts

import (
	"fmt"
	"strings"
)

// systemTemplate seeds a new session. Format verbs: goal, context block.
const systemTemplate = `You are Knotwright, an autonomous assistant that edits interactive stories made of knots.
A knot is a named section of the story. You work toward the user's goal by calling tools, one step at a time.

Goal:
%s
%s
Work methodically:
- Inspect before you change things.
- Make the smallest change that moves the goal forward.
- If you need information only the user has, call ask_user.
- When the goal is achieved, call mark_goal_complete with a one-sentence summary.`

// SystemPrompt returns the default system message for a session. The
// optional context lines (story title, existing knots, ...) are listed
// under a "Context" heading.
func SystemPrompt(goal string, context []string) string {
	var ctx string
	if len(context) > 0 {
		var sb strings.Builder
		sb.WriteString("\nContext:\n")
		for _, line := range context {
			sb.WriteString("- ")
			sb.WriteString(line)
			sb.WriteString("\n")
		}
		ctx = sb.String()
	}
	return fmt.Sprintf(systemTemplate, strings.TrimSpace(goal), ctx)
}
