package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/marketapi/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. The latest tick
// of an instrument lives at "tick:{epic}" with fields bid, ask and ts (Unix
// nanoseconds).
type PriceCache struct {
	c   *Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache. Entries older than ttl expire; a zero
// ttl keeps them until overwritten.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{c: c, ttl: ttl}
}

func (pc *PriceCache) tickKey(epic string) string {
	return pc.c.key("tick:", epic)
}

// SetTick stores tick as the latest for its instrument.
func (pc *PriceCache) SetTick(ctx context.Context, tick domain.Tick) error {
	key := pc.tickKey(tick.Epic)
	fields := map[string]interface{}{
		"bid": strconv.FormatFloat(tick.Bid, 'f', -1, 64),
		"ask": strconv.FormatFloat(tick.Ask, 'f', -1, 64),
		"ts":  strconv.FormatInt(tick.Timestamp.UnixNano(), 10),
	}

	pipe := pc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if pc.ttl > 0 {
		pipe.PExpire(ctx, key, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set tick %s: %w", tick.Epic, err)
	}
	return nil
}

// GetTick returns the latest tick for epic, or domain.ErrNotFound.
func (pc *PriceCache) GetTick(ctx context.Context, epic string) (domain.Tick, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.tickKey(epic)).Result()
	if err != nil {
		return domain.Tick{}, fmt.Errorf("redis: get tick %s: %w", epic, err)
	}
	if len(vals) == 0 {
		return domain.Tick{}, domain.ErrNotFound
	}
	tick, err := parseTick(epic, vals)
	if err != nil {
		return domain.Tick{}, fmt.Errorf("redis: get tick %s: %w", epic, err)
	}
	return tick, nil
}

// GetTicks returns the latest ticks for epics in one round trip. Missing or
// unreadable entries are omitted.
func (pc *PriceCache) GetTicks(ctx context.Context, epics []string) (map[string]domain.Tick, error) {
	if len(epics) == 0 {
		return map[string]domain.Tick{}, nil
	}

	pipe := pc.c.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(epics))
	for _, epic := range epics {
		cmds[epic] = pipe.HGetAll(ctx, pc.tickKey(epic))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get ticks pipeline: %w", err)
	}

	out := make(map[string]domain.Tick, len(epics))
	for epic, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		tick, err := parseTick(epic, vals)
		if err != nil {
			continue
		}
		out[epic] = tick
	}
	return out, nil
}

func parseTick(epic string, vals map[string]string) (domain.Tick, error) {
	bid, err := strconv.ParseFloat(vals["bid"], 64)
	if err != nil {
		return domain.Tick{}, fmt.Errorf("parse bid: %w", err)
	}
	ask, err := strconv.ParseFloat(vals["ask"], 64)
	if err != nil {
		return domain.Tick{}, fmt.Errorf("parse ask: %w", err)
	}
	ts, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.Tick{}, fmt.Errorf("parse ts: %w", err)
	}
	return domain.Tick{Epic: epic, Bid: bid, Ask: ask, Timestamp: time.Unix(0, ts).UTC()}, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
