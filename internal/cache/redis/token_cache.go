package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/marketapi/internal/domain"
)

// TokenCache implements domain.TokenCache with one JSON string per session.
// Entries expire in Redis when the token does, so gateway processes sharing
// the cache never hand out a stale session.
type TokenCache struct {
	c   *Client
	now func() time.Time
}

// NewTokenCache creates a TokenCache backed by the given Client.
func NewTokenCache(c *Client) *TokenCache {
	return &TokenCache{c: c, now: time.Now}
}

func (tc *TokenCache) tokenKey(key string) string {
	return tc.c.key("token:", key)
}

// Get returns the cached token, or domain.ErrNotFound.
func (tc *TokenCache) Get(ctx context.Context, key string) (domain.Token, error) {
	data, err := tc.c.rdb.Get(ctx, tc.tokenKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Token{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Token{}, fmt.Errorf("redis: get token: %w", err)
	}
	var tok domain.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return domain.Token{}, fmt.Errorf("redis: decode token: %w", err)
	}
	return tok, nil
}

// Set stores tok until it expires. An already expired token is not stored.
func (tc *TokenCache) Set(ctx context.Context, key string, tok domain.Token) error {
	ttl := tok.ExpiresAt().Sub(tc.now())
	if ttl <= 0 {
		return tc.Delete(ctx, key)
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("redis: encode token: %w", err)
	}
	if err := tc.c.rdb.Set(ctx, tc.tokenKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set token: %w", err)
	}
	return nil
}

// Delete removes the token.
func (tc *TokenCache) Delete(ctx context.Context, key string) error {
	if err := tc.c.rdb.Del(ctx, tc.tokenKey(key)).Err(); err != nil {
		return fmt.Errorf("redis: delete token: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.TokenCache = (*TokenCache)(nil)
