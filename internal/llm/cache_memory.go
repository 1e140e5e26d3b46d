package llm

import (
	"context"
	"fmt"
	"sync"

	"intake/pkg/sentinel"
)

// InMemoryCache is the in-process inference cache; tests also use it to seed
// replay fixtures.
type InMemoryCache struct {
	mu      sync.RWMutex
	entries map[string]InferenceArtifact
}

func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{entries: make(map[string]InferenceArtifact)}
}

func (c *InMemoryCache) Get(_ context.Context, key CacheKey) (*InferenceArtifact, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if art, ok := c.entries[key.StableID()]; ok {
		out := art
		return &out, nil
	}
	return nil, fmt.Errorf("inference %s: %w", key.StableID(), sentinel.ErrNotFound)
}

func (c *InMemoryCache) Put(_ context.Context, key CacheKey, artifact InferenceArtifact) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := key.StableID()
	if existing, ok := c.entries[id]; ok {
		if existing.OutputSHA256 != artifact.OutputSHA256 {
			return fmt.Errorf("inference %s: %w", id, sentinel.ErrImmutability)
		}
		return nil
	}
	c.entries[id] = artifact
	return nil
}

// UnlimitedBudget never throttles; used in tests.
type UnlimitedBudget struct{}

func (UnlimitedBudget) Allow(context.Context) (bool, error) { return true, nil }
func (UnlimitedBudget) Consume(context.Context) error       { return nil }

// InMemoryBudget caps calls per process; the Redis budget caps per day
// across workers.
type InMemoryBudget struct {
	mu    sync.Mutex
	max   int
	spent int
}

func NewInMemoryBudget(max int) *InMemoryBudget { return &InMemoryBudget{max: max} }

func (b *InMemoryBudget) Allow(context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.max <= 0 || b.spent < b.max, nil
}

func (b *InMemoryBudget) Consume(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spent++
	return nil
}
