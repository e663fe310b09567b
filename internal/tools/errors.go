package tools

import "fmt"

// ErrToolUnavailable is returned when a call names a tool that is not in
// the registry, usually because the model invented it or the session's
// catalog was filtered.
type ErrToolUnavailable struct {
	ToolName string
}

func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}
