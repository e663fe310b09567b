package llm

import (
	"strings"
	"sync"

	"github.com/nugget/knotwright/internal/httpkit"
)

// CapabilityCache remembers which (server, model) pairs have rejected
// native tool-calling. It lives for the process lifetime and is never
// persisted: a stale "supports tools" answer corrects itself on the next
// failed call. Safe for concurrent use.
type CapabilityCache struct {
	mu         sync.RWMutex
	lacksTools map[capabilityKey]bool
}

type capabilityKey struct {
	server string
	model  string
}

// NewCapabilityCache returns an empty cache.
func NewCapabilityCache() *CapabilityCache {
	return &CapabilityCache{lacksTools: make(map[capabilityKey]bool)}
}

func newCapabilityKey(server, model string) capabilityKey {
	return capabilityKey{
		server: strings.ToLower(httpkit.NormalizeBaseURL(server)),
		model:  strings.TrimSpace(model),
	}
}

// LacksTools reports whether the pair has been observed to reject
// native tool-calling.
func (c *CapabilityCache) LacksTools(server, model string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lacksTools[newCapabilityKey(server, model)]
}

// MarkLacksTools records that the pair rejected native tool-calling.
// Promotion is one-way; there is no unmark short of [CapabilityCache.Reset].
func (c *CapabilityCache) MarkLacksTools(server, model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lacksTools[newCapabilityKey(server, model)] = true
}

// Len returns the number of pairs marked as lacking tools.
func (c *CapabilityCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.lacksTools)
}

// Reset forgets everything.
func (c *CapabilityCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lacksTools = make(map[capabilityKey]bool)
}
