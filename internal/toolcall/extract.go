// Package toolcall recovers tool invocations from free-form model text.
//
// Models without native tool-calling are asked to emit calls as JSON in
// fenced code blocks, but in practice they also write bare objects,
// wrap calls in <tool_call> tags, concatenate several objects, and get
// the JSON subtly wrong. [Extract] finds candidate objects in fenced
// blocks and by brace-balanced scanning, repairs them with [Repair] when
// they do not parse, and normalizes the accepted shapes to llm.ToolCall.
// The package performs no I/O.
package toolcall

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/nugget/knotwright/internal/llm"
)

// maxFragmentLen bounds the fragment text kept in a ParseError.
const maxFragmentLen = 200

// ParseError describes a tool-call-shaped fragment that could not be
// parsed even after repair.
type ParseError struct {
	// Offset is the byte offset of the fragment in the scanned text
	// (after reasoning blocks are removed).
	Offset int `json:"offset"`

	// Fragment is the offending text, truncated.
	Fragment string `json:"fragment"`

	// Err is the decoder's complaint about the repaired fragment.
	Err string `json:"error"`
}

func (e ParseError) Error() string {
	return fmt.Sprintf("tool call at offset %d: %s", e.Offset, e.Err)
}

// Result is the outcome of one extraction.
type Result struct {
	// Calls are the recovered invocations in document order with exact
	// repeats removed.
	Calls []llm.ToolCall

	// ParseErrors lists tool-call-shaped fragments that failed to parse.
	ParseErrors []ParseError

	// Rejected lists names of calls dropped by [WithAllowedNames].
	Rejected []string
}

// Option configures an extraction.
type Option func(*extractor)

// WithAllowedNames restricts results to the named tools. Calls for any
// other name are dropped and reported in Result.Rejected. It also
// enables the `tool_name {json}` form, which is only unambiguous against
// a known catalog. No names means no restriction.
func WithAllowedNames(names ...string) Option {
	return func(e *extractor) {
		if len(names) == 0 {
			return
		}
		e.allowed = make(map[string]bool, len(names))
		for _, n := range names {
			e.allowed[n] = true
		}
	}
}

// WithKeepThinking disables removal of <think> reasoning blocks.
func WithKeepThinking() Option {
	return func(e *extractor) { e.keepThinking = true }
}

type extractor struct {
	allowed      map[string]bool
	keepThinking bool

	candidates []candidate
	errors     []ParseError
}

type candidate struct {
	offset int
	seq    int
	call   llm.ToolCall
}

// Extract recovers tool calls from text.
func Extract(text string, opts ...Option) Result {
	e := &extractor{}
	for _, o := range opts {
		o(e)
	}
	if !e.keepThinking {
		text = StripThinking(text)
	}
	if strings.TrimSpace(text) == "" {
		return Result{}
	}

	f := findFences(text)
	for _, b := range f.blocks {
		e.fenced(text, b.body)
	}

	spans, open := scanObjects(text)
	for _, sp := range spans {
		if f.inside(sp.start) {
			continue
		}
		e.object(text, sp, 0)
	}
	if open >= 0 && !f.inside(open) {
		e.unterminated(text, open, 0)
	}

	return e.result()
}

// fenced handles one fenced block: the whole body first (an object or an
// array of objects), then the objects inside it when that fails.
func (e *extractor) fenced(text string, body span) {
	content := text[body.start:body.end]
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return
	}
	lead := body.start + strings.Index(content, trimmed)

	if v, err := decode(trimmed); err == nil {
		e.value(v, lead, "")
		return
	}

	spans, open := scanObjects(content)
	for _, sp := range spans {
		e.object(content, sp, body.start)
	}
	if open >= 0 {
		e.unterminated(content, open, body.start)
	}
	if len(spans) == 0 && open < 0 && looksLikeCall(trimmed) {
		e.fail(lead, trimmed, errors.New("no JSON object found"))
	}
}

// object handles one balanced literal of src; base is the offset of src
// in the scanned text.
func (e *extractor) object(src string, sp span, base int) {
	fragment := src[sp.start:sp.end]
	v, err := decode(fragment)
	if err != nil {
		if looksLikeCall(fragment) {
			e.fail(base+sp.start, fragment, err)
		}
		return
	}
	e.value(v, base+sp.start, identifierBefore(src, sp.start))
}

func (e *extractor) unterminated(src string, open, base int) {
	fragment := src[open:]
	if looksLikeCall(fragment) {
		e.fail(base+open, fragment, errors.New("unterminated object"))
	}
}

// value accepts a decoded object, an array of objects, or a
// {"tool_calls": [...]} wrapper. prefix is an identifier written just
// before the object in the source text.
func (e *extractor) value(v any, offset int, prefix string) {
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			e.value(item, offset, "")
		}
	case map[string]any:
		if call, ok := canonicalize(t); ok {
			e.add(offset, call)
			return
		}
		if list, ok := t["tool_calls"].([]any); ok {
			for _, item := range list {
				e.value(item, offset, "")
			}
			return
		}
		if prefix != "" && e.allowed[prefix] {
			e.add(offset, llm.ToolCall{Name: prefix, Arguments: t})
		}
	}
}

func (e *extractor) add(offset int, call llm.ToolCall) {
	e.candidates = append(e.candidates, candidate{
		offset: offset,
		seq:    len(e.candidates),
		call:   call,
	})
}

func (e *extractor) fail(offset int, fragment string, err error) {
	if len(fragment) > maxFragmentLen {
		fragment = fragment[:maxFragmentLen] + "..."
	}
	e.errors = append(e.errors, ParseError{Offset: offset, Fragment: fragment, Err: err.Error()})
}

func (e *extractor) result() Result {
	sort.Slice(e.candidates, func(i, j int) bool {
		if e.candidates[i].offset != e.candidates[j].offset {
			return e.candidates[i].offset < e.candidates[j].offset
		}
		return e.candidates[i].seq < e.candidates[j].seq
	})

	var res Result
	seen := make(map[string]bool, len(e.candidates))
	for _, c := range e.candidates {
		if e.allowed != nil && !e.allowed[c.call.Name] {
			res.Rejected = append(res.Rejected, c.call.Name)
			continue
		}
		key := dedupKey(c.call)
		if seen[key] {
			continue
		}
		seen[key] = true
		res.Calls = append(res.Calls, c.call)
	}
	sort.SliceStable(e.errors, func(i, j int) bool { return e.errors[i].Offset < e.errors[j].Offset })
	res.ParseErrors = e.errors
	return res
}

// dedupKey identifies a call by name and canonical arguments. Map keys
// are emitted sorted, so argument order does not matter.
func dedupKey(call llm.ToolCall) string {
	args, err := json.Marshal(call.Arguments)
	if err != nil {
		args = []byte(fmt.Sprint(call.Arguments))
	}
	return call.Name + "\x00" + string(args)
}

// decode parses fragment as JSON, falling back to the repaired text.
func decode(fragment string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(fragment), &v); err == nil {
		return v, nil
	}
	if err := json.Unmarshal([]byte(Repair(fragment)), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// looksLikeCall reports whether an unparseable fragment was probably
// meant as a tool call, so prose with braces is not reported.
func looksLikeCall(fragment string) bool {
	repaired := Repair(fragment)
	for _, key := range []string{`"function"`, `"tool"`, `"name"`} {
		if strings.Contains(repaired, key) {
			return true
		}
	}
	return false
}

var (
	thinkBlock  = regexp.MustCompile(`(?is)<think>.*?</think>`)
	thinkMarker = regexp.MustCompile(`(?i)</?think>`)
)

// StripThinking removes <think>...</think> reasoning blocks and stray
// think tags.
func StripThinking(s string) string {
	if !strings.Contains(strings.ToLower(s), "think>") {
		return s
	}
	s = thinkBlock.ReplaceAllString(s, "")
	return thinkMarker.ReplaceAllString(s, "")
}
