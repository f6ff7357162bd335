package domain

import (
	"context"
	"time"
)

// TokenCache stores broker session tokens by credential key. Get returns
// ErrNotFound for missing entries.
type TokenCache interface {
	Get(ctx context.Context, key string) (Token, error)
	Set(ctx context.Context, key string, token Token) error
	Delete(ctx context.Context, key string) error
}

// PriceCache provides fast access to the latest tick per instrument.
type PriceCache interface {
	SetTick(ctx context.Context, tick Tick) error
	GetTick(ctx context.Context, epic string) (Tick, error)
	GetTicks(ctx context.Context, epics []string) (map[string]Tick, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus relays raw payloads between processes.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan Signal, error)
}

// Signal is one message received from a SignalBus channel.
type Signal struct {
	Channel string
	Payload []byte
}
