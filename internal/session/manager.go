// Package session caches authenticated broker sessions and makes sure at most
// one login or refresh per account is in flight at any time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/marketapi/internal/domain"
)

const defaultLoginTimeout = 30 * time.Second

// Authenticator performs the broker-specific login handshake. Refresh returns
// domain.ErrRefreshUnsupported when the broker has no refresh flow.
type Authenticator interface {
	Login(ctx context.Context, creds domain.Credentials) (domain.Token, error)
	Refresh(ctx context.Context, creds domain.Credentials, refreshToken string) (domain.Token, error)
}

// Manager hands out valid tokens for one broker. Tokens are cached per
// credentials; concurrent misses for the same account share a single login.
type Manager struct {
	broker       string
	auth         Authenticator
	cache        domain.TokenCache
	now          func() time.Time
	loginTimeout time.Duration
	logger       *slog.Logger

	group singleflight.Group

	mu            sync.Mutex
	refreshTokens map[string]string // cache key -> refresh token
	gens          map[string]uint64 // cache key -> invalidation count
}

// Option configures a Manager.
type Option func(*Manager)

// WithCache replaces the in-process token cache.
func WithCache(c domain.TokenCache) Option {
	return func(m *Manager) { m.cache = c }
}

// WithClock injects the time source used for expiry checks and IssuedAt.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLoginTimeout bounds a single login or refresh round trip.
func WithLoginTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.loginTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager for the named broker.
func NewManager(broker string, auth Authenticator, opts ...Option) *Manager {
	m := &Manager{
		broker:        broker,
		auth:          auth,
		cache:         NewMemoryCache(),
		now:           time.Now,
		loginTimeout:  defaultLoginTimeout,
		logger:        slog.Default(),
		refreshTokens: make(map[string]string),
		gens:          make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", "session"), slog.String("broker", broker))
	return m
}

// Token returns a valid token for creds, logging in or refreshing when the
// cached one is missing or expired. Callers waiting on another caller's login
// give up when their own ctx ends; the login itself keeps running.
func (m *Manager) Token(ctx context.Context, creds domain.Credentials) (domain.Token, error) {
	key := m.cacheKey(creds)
	if tok, ok := m.cached(ctx, key); ok {
		return tok, nil
	}

	ch := m.group.DoChan(key, func() (any, error) {
		return m.acquire(context.WithoutCancel(ctx), key, creds)
	})

	select {
	case <-ctx.Done():
		return domain.Token{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.Token{}, res.Err
		}
		return res.Val.(domain.Token), nil
	}
}

// Invalidate drops the cached token and refresh token for creds. The next
// Token call performs a full login. A login already in flight still answers
// its waiters but its token is not cached.
func (m *Manager) Invalidate(ctx context.Context, creds domain.Credentials) {
	key := m.cacheKey(creds)
	m.mu.Lock()
	m.gens[key]++
	delete(m.refreshTokens, key)
	m.mu.Unlock()
	if err := m.cache.Delete(ctx, key); err != nil {
		m.logger.WarnContext(ctx, "token cache delete failed", slog.String("error", err.Error()))
	}
	m.group.Forget(key)
}

// Peek returns the cached token without triggering a login.
func (m *Manager) Peek(ctx context.Context, creds domain.Credentials) (domain.Token, bool) {
	return m.cached(ctx, m.cacheKey(creds))
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

func (m *Manager) cacheKey(creds domain.Credentials) string {
	return m.broker + ":" + creds.Key()
}

// cached returns a still-valid token. Expired entries are evicted here.
func (m *Manager) cached(ctx context.Context, key string) (domain.Token, bool) {
	tok, err := m.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			m.logger.WarnContext(ctx, "token cache read failed", slog.String("error", err.Error()))
		}
		return domain.Token{}, false
	}
	if !tok.Valid(m.now()) {
		if err := m.cache.Delete(ctx, key); err != nil {
			m.logger.WarnContext(ctx, "token cache evict failed", slog.String("error", err.Error()))
		}
		return domain.Token{}, false
	}
	return tok, true
}

// acquire runs inside the single flight for key.
func (m *Manager) acquire(parent context.Context, key string, creds domain.Credentials) (domain.Token, error) {
	ctx, cancel := context.WithTimeout(parent, m.loginTimeout)
	defer cancel()

	// Another flight may have finished between the miss and this call.
	if tok, ok := m.cached(ctx, key); ok {
		return tok, nil
	}

	m.mu.Lock()
	refreshToken := m.refreshTokens[key]
	gen := m.gens[key]
	m.mu.Unlock()

	if refreshToken != "" {
		tok, err := m.auth.Refresh(ctx, creds, refreshToken)
		if err == nil {
			m.logger.DebugContext(ctx, "session refreshed")
			return m.store(ctx, key, gen, tok), nil
		}
		if !errors.Is(err, domain.ErrRefreshUnsupported) {
			m.logger.WarnContext(ctx, "token refresh failed, logging in again",
				slog.String("error", err.Error()),
			)
		}
		m.mu.Lock()
		delete(m.refreshTokens, key)
		m.mu.Unlock()
	}

	tok, err := m.auth.Login(ctx, creds)
	if err != nil {
		m.logger.ErrorContext(ctx, "login failed", slog.String("error", err.Error()))
		return domain.Token{}, fmt.Errorf("session: login %s: %w", m.broker, err)
	}
	m.logger.InfoContext(ctx, "session established",
		slog.String("account", creds.AccountID),
		slog.Duration("ttl", tok.TTL),
	)
	return m.store(ctx, key, gen, tok), nil
}

// store caches tok unless key was invalidated after the flight that produced
// it started (gen no longer current).
func (m *Manager) store(ctx context.Context, key string, gen uint64, tok domain.Token) domain.Token {
	tok.IssuedAt = m.now()

	m.mu.Lock()
	if m.gens[key] != gen {
		m.mu.Unlock()
		m.logger.DebugContext(ctx, "session invalidated during login, not caching")
		return tok
	}
	if tok.RefreshToken != "" {
		m.refreshTokens[key] = tok.RefreshToken
	}
	m.mu.Unlock()

	if err := m.cache.Set(ctx, key, tok); err != nil {
		m.logger.WarnContext(ctx, "token cache write failed", slog.String("error", err.Error()))
	}

	// Invalidate may have run while the write was in progress.
	m.mu.Lock()
	stale := m.gens[key] != gen
	m.mu.Unlock()
	if stale {
		if err := m.cache.Delete(ctx, key); err != nil {
			m.logger.WarnContext(ctx, "token cache delete failed", slog.String("error", err.Error()))
		}
	}
	return tok
}
