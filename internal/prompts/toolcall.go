package prompts

import "fmt"

// fallbackToolTemplate teaches a model without native tool-calling how
// to request a tool in plain text. The single format verb is the
// per-tool parameter listing.
const fallbackToolTemplate = `## Tools

You can call tools. To call a tool, reply with a JSON object inside a fenced code block, exactly like this:

` + "```json" + `
{"function": "tool_name", "arguments": {"param": "value"}}
` + "```" + `

Rules:
- Use one code block per tool call. You may include several blocks in one reply.
- Arguments must be valid JSON: double-quoted keys and strings, no comments, no trailing commas.
- Only call tools from the list below.
- When the goal is achieved, call mark_goal_complete with a short summary.

Available tools:
%s`

// FallbackToolInstructions returns the tool-calling instructions appended
// to the system prompt when the model cannot use native tool-calling.
func FallbackToolInstructions(toolListing string) string {
	return fmt.Sprintf(fallbackToolTemplate, toolListing)
}
