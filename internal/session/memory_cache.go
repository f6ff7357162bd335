package session

import (
	"context"
	"sync"

	"github.com/alanyoungcy/marketapi/internal/domain"
)

// MemoryCache is an in-process domain.TokenCache.
type MemoryCache struct {
	mu     sync.RWMutex
	tokens map[string]domain.Token
}

// NewMemoryCache returns an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{tokens: make(map[string]domain.Token)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (domain.Token, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tok, ok := c.tokens[key]
	if !ok {
		return domain.Token{}, domain.ErrNotFound
	}
	return tok, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, tok domain.Token) error {
	c.mu.Lock()
	c.tokens[key] = tok
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.tokens, key)
	c.mu.Unlock()
	return nil
}

// Len returns the number of cached entries, expired ones included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tokens)
}

var _ domain.TokenCache = (*MemoryCache)(nil)
