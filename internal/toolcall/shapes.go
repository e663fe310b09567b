package toolcall

import (
	"encoding/json"
	"strings"

	"github.com/nugget/knotwright/internal/llm"
)

// canonicalize maps the accepted call shapes onto llm.ToolCall:
//
//	{"function": "<name>", "arguments": {...}}
//	{"function": {"name": "<name>", "arguments": {...}}}
//	{"tool": "<name>", "args": [...] | {...}}
//	{"name": "<name>", "arguments": {...}}
//
// The name shape requires an arguments key; without it the object is
// indistinguishable from ordinary data.
func canonicalize(obj map[string]any) (llm.ToolCall, bool) {
	switch fn := obj["function"].(type) {
	case string:
		return build(fn, obj["arguments"])
	case map[string]any:
		name, _ := fn["name"].(string)
		args, ok := fn["arguments"]
		if !ok {
			args = obj["arguments"]
		}
		return build(name, args)
	}

	if tool, ok := obj["tool"].(string); ok {
		args, present := obj["args"]
		if !present {
			args = obj["arguments"]
		}
		return build(tool, args)
	}

	if name, ok := obj["name"].(string); ok {
		if args, present := obj["arguments"]; present {
			return build(name, args)
		}
	}
	return llm.ToolCall{}, false
}

func build(name string, raw any) (llm.ToolCall, bool) {
	name = strings.TrimSpace(name)
	if name == "" {
		return llm.ToolCall{}, false
	}
	return llm.ToolCall{Name: name, Arguments: arguments(raw)}, true
}

// arguments normalizes an arguments value to a map. Arrays are wrapped
// as {"_args": [...]}; JSON-encoded strings are decoded; any other
// scalar is kept under "_raw".
func arguments(raw any) map[string]any {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	case []any:
		return map[string]any{"_args": v}
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return map[string]any{}
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(s), &m); err == nil {
			if m == nil {
				m = map[string]any{}
			}
			return m
		}
		if err := json.Unmarshal([]byte(Repair(s)), &m); err == nil && m != nil {
			return m
		}
		return map[string]any{"_raw": v}
	default:
		return map[string]any{"_raw": v}
	}
}
