package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/knotwright/internal/prompts"
	"github.com/nugget/knotwright/internal/tools"
)

// SystemPromptBuilder produces the system message that seeds a session.
type SystemPromptBuilder interface {
	BuildSystemPrompt(ctx context.Context, goal string) (string, error)
}

// ContextProvider contributes lines of background context to the
// system prompt.
type ContextProvider interface {
	GetContext(ctx context.Context, goal string) ([]string, error)
}

// CompositeContextProvider combines multiple context providers. A
// failing provider is logged and skipped.
type CompositeContextProvider struct {
	providers []ContextProvider
	logger    *slog.Logger
}

// NewCompositeContextProvider creates a composite from multiple providers.
func NewCompositeContextProvider(logger *slog.Logger, providers ...ContextProvider) *CompositeContextProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompositeContextProvider{providers: providers, logger: logger}
}

// Add appends a provider to the composite.
func (c *CompositeContextProvider) Add(provider ContextProvider) {
	if provider != nil {
		c.providers = append(c.providers, provider)
	}
}

// GetContext calls all providers and concatenates their lines.
func (c *CompositeContextProvider) GetContext(ctx context.Context, goal string) ([]string, error) {
	var lines []string
	for _, p := range c.providers {
		got, err := p.GetContext(ctx, goal)
		if err != nil {
			c.logger.Warn("context provider failed", "provider", fmt.Sprintf("%T", p), "error", err)
			continue
		}
		lines = append(lines, got...)
	}
	return lines, nil
}

// WorkspaceContextProvider lists the knots that already exist so the
// model does not recreate them.
type WorkspaceContextProvider struct {
	ws *tools.Workspace
}

// NewWorkspaceContextProvider creates a provider backed by ws.
func NewWorkspaceContextProvider(ws *tools.Workspace) *WorkspaceContextProvider {
	return &WorkspaceContextProvider{ws: ws}
}

// GetContext returns one line naming the existing knots.
func (p *WorkspaceContextProvider) GetContext(context.Context, string) ([]string, error) {
	knots := p.ws.List()
	if len(knots) == 0 {
		return []string{"The story has no knots yet."}, nil
	}
	names := make([]string, len(knots))
	for i, k := range knots {
		names[i] = k.Name
	}
	return []string{"Existing knots: " + strings.Join(names, ", ")}, nil
}

// DefaultPromptBuilder renders prompts.SystemPrompt with context from
// an optional provider.
type DefaultPromptBuilder struct {
	Context ContextProvider
}

// BuildSystemPrompt implements SystemPromptBuilder.
func (b DefaultPromptBuilder) BuildSystemPrompt(ctx context.Context, goal string) (string, error) {
	var lines []string
	if b.Context != nil {
		var err error
		if lines, err = b.Context.GetContext(ctx, goal); err != nil {
			return "", fmt.Errorf("gather context: %w", err)
		}
	}
	return prompts.SystemPrompt(goal, lines), nil
}
