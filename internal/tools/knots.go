package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
)

// Knot is one named section of a branching story.
type Knot struct {
	Name    string    `json:"name"`
	Content string    `json:"content"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// Workspace errors.
var (
	ErrKnotExists   = errors.New("knot already exists")
	ErrKnotNotFound = errors.New("knot not found")
)

// Workspace is an in-memory set of knots. Safe for concurrent use.
type Workspace struct {
	mu    sync.RWMutex
	knots map[string]*Knot
	now   func() time.Time
}

// NewWorkspace returns an empty workspace.
func NewWorkspace() *Workspace {
	return &Workspace{knots: make(map[string]*Knot), now: time.Now}
}

// ValidKnotName reports whether name is usable as a knot identifier:
// letters, digits and underscores, not starting with a digit.
func ValidKnotName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_' || unicode.IsLetter(r):
		case unicode.IsDigit(r) && i > 0:
		default:
			return false
		}
	}
	return true
}

// Create adds a new knot.
func (w *Workspace) Create(name, content string) error {
	if !ValidKnotName(name) {
		return fmt.Errorf("invalid knot name %q", name)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.knots[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrKnotExists)
	}
	now := w.now()
	w.knots[name] = &Knot{Name: name, Content: content, Created: now, Updated: now}
	return nil
}

// Update replaces a knot's content, or appends to it.
func (w *Workspace) Update(name, content string, appendContent bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	k, ok := w.knots[name]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrKnotNotFound)
	}
	if appendContent && k.Content != "" {
		k.Content = strings.TrimRight(k.Content, "\n") + "\n" + content
	} else {
		k.Content = content
	}
	k.Updated = w.now()
	return nil
}

// Get returns a copy of the named knot.
func (w *Workspace) Get(name string) (Knot, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	k, ok := w.knots[name]
	if !ok {
		return Knot{}, false
	}
	return *k, true
}

// List returns copies of all knots sorted by name.
func (w *Workspace) List() []Knot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Knot, 0, len(w.knots))
	for _, k := range w.knots {
		out = append(out, *k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RegisterKnotTools adds the knot editing tools backed by ws.
func (r *Registry) RegisterKnotTools(ws *Workspace) {
	nameParam := map[string]any{
		"type":        "string",
		"description": "Knot name: letters, digits and underscores (e.g. storm_at_sea)",
	}

	r.Register(&Tool{
		Name:        "create_knot",
		Description: "Create a new knot with the given name and story text.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": nameParam,
				"content": map[string]any{
					"type":        "string",
					"description": "The knot's text",
				},
			},
			"required": []string{"name", "content"},
		},
		Handler: func(_ context.Context, args map[string]any) (Result, error) {
			name := strings.TrimSpace(stringArg(args, "name"))
			if name == "" {
				return Result{}, errMissing("name")
			}
			if err := ws.Create(name, stringArg(args, "content")); err != nil {
				return Result{}, err
			}
			return Result{Content: fmt.Sprintf("Created knot %s.", name), Created: []string{name}}, nil
		},
	})

	r.Register(&Tool{
		Name:        "edit_knot",
		Description: "Replace the text of an existing knot, or append to it.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": nameParam,
				"content": map[string]any{
					"type":        "string",
					"description": "New text",
				},
				"mode": map[string]any{
					"type":        "string",
					"enum":        []string{"replace", "append"},
					"description": "replace (default) or append",
				},
			},
			"required": []string{"name", "content"},
		},
		Handler: func(_ context.Context, args map[string]any) (Result, error) {
			name := strings.TrimSpace(stringArg(args, "name"))
			if name == "" {
				return Result{}, errMissing("name")
			}
			mode := strings.ToLower(strings.TrimSpace(stringArg(args, "mode")))
			if mode != "" && mode != "replace" && mode != "append" {
				return Result{}, fmt.Errorf("mode must be replace or append, got %q", mode)
			}
			if err := ws.Update(name, stringArg(args, "content"), mode == "append"); err != nil {
				return Result{}, err
			}
			return Result{Content: fmt.Sprintf("Updated knot %s.", name), Modified: []string{name}}, nil
		},
	})

	r.Register(&Tool{
		Name:        "read_knot",
		Description: "Read the text of a knot.",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"name": nameParam},
			"required":   []string{"name"},
		},
		Handler: func(_ context.Context, args map[string]any) (Result, error) {
			name := strings.TrimSpace(stringArg(args, "name"))
			k, ok := ws.Get(name)
			if !ok {
				return Result{}, fmt.Errorf("%s: %w", name, ErrKnotNotFound)
			}
			if k.Content == "" {
				return Text("Knot %s is empty.", name), nil
			}
			return Text("=== %s ===\n%s", name, k.Content), nil
		},
	})

	r.Register(&Tool{
		Name:        "list_knots",
		Description: "List all knots in the story.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		Handler: func(_ context.Context, _ map[string]any) (Result, error) {
			knots := ws.List()
			if len(knots) == 0 {
				return Text("The story has no knots yet."), nil
			}
			var sb strings.Builder
			fmt.Fprintf(&sb, "%d knots:\n", len(knots))
			for _, k := range knots {
				fmt.Fprintf(&sb, "- %s (%d chars)\n", k.Name, len(k.Content))
			}
			return Text("%s", strings.TrimRight(sb.String(), "\n")), nil
		},
	})
}

func errMissing(param string) error {
	return fmt.Errorf("%s is required", param)
}
