package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketapi/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), ClientConfig{Addr: mr.Addr(), KeyPrefix: "mapi:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestTokenCache(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tc := NewTokenCache(c)
	tc.now = func() time.Time { return now }

	_, err := tc.Get(ctx, "capital:abc")
	require.ErrorIs(t, err, domain.ErrNotFound)

	tok := domain.Token{AccessToken: "cst", SecurityToken: "xst", IssuedAt: now.Add(-4 * time.Minute), TTL: 10 * time.Minute}
	require.NoError(t, tc.Set(ctx, "capital:abc", tok))
	assert.Equal(t, 6*time.Minute, mr.TTL("mapi:token:capital:abc"), "expires with the token")

	got, err := tc.Get(ctx, "capital:abc")
	require.NoError(t, err)
	assert.Equal(t, "cst", got.AccessToken)
	assert.Equal(t, "xst", got.SecurityToken)
	assert.True(t, got.IssuedAt.Equal(tok.IssuedAt))
	assert.Equal(t, tok.TTL, got.TTL)

	require.NoError(t, tc.Delete(ctx, "capital:abc"))
	_, err = tc.Get(ctx, "capital:abc")
	require.ErrorIs(t, err, domain.ErrNotFound)

	expired := domain.Token{AccessToken: "old", IssuedAt: now.Add(-time.Hour), TTL: time.Minute}
	require.NoError(t, tc.Set(ctx, "ig:x", expired))
	assert.False(t, mr.Exists("mapi:token:ig:x"))
}

func TestLockAcquire(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	lm := NewLockManager(c, nil)

	unlock, err := lm.Acquire(ctx, "stream", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "stream", time.Minute)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()

	unlock2, err := lm.Acquire(ctx, "stream", time.Minute)
	require.NoError(t, err)
	unlock2()
}

func TestLockReleaseKeepsForeignLock(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	lm := NewLockManager(c, nil)

	unlock, err := lm.Acquire(ctx, "stream", time.Minute)
	require.NoError(t, err)
	require.NoError(t, mr.Set("mapi:lock:stream", "someone-else"))

	unlock()
	v, err := mr.Get("mapi:lock:stream")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", v)
}

func TestLockHold(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	lm := NewLockManager(c, nil)

	release, lost, err := lm.Hold(ctx, "stream", 150*time.Millisecond)
	require.NoError(t, err)

	_, _, err = lm.Hold(ctx, "stream", time.Minute)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	require.NoError(t, mr.Set("mapi:lock:stream", "usurper"))
	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("lost was not signalled")
	}
	release()
	assert.True(t, mr.Exists("mapi:lock:stream"), "release leaves the new owner's lock")
}

func TestLockHoldRelease(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c, nil)

	release, lost, err := lm.Hold(context.Background(), "stream", 150*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(120 * time.Millisecond)

	release()
	release()
	assert.False(t, mr.Exists("mapi:lock:stream"))
	select {
	case <-lost:
		t.Fatal("lock reported lost after a clean release")
	default:
	}
}

func TestSignalBusPattern(t *testing.T) {
	c, _ := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sb := NewSignalBus(c)

	signals, err := sb.Subscribe(ctx, "ticks:*")
	require.NoError(t, err)

	require.NoError(t, sb.Publish(ctx, "ticks:EURUSD", []byte(`{"epic":"EURUSD"}`)))
	select {
	case sig := <-signals:
		assert.Equal(t, "ticks:EURUSD", sig.Channel)
		assert.JSONEq(t, `{"epic":"EURUSD"}`, string(sig.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("no signal received")
	}

	cancel()
	select {
	case _, ok := <-signals:
		for ok {
			_, ok = <-signals
		}
	case <-time.After(2 * time.Second):
		t.Fatal("signal channel not closed after cancel")
	}
}

func TestPriceCache(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	pc := NewPriceCache(c, time.Hour)
	ts := time.Date(2024, 3, 1, 12, 0, 1, 500, time.UTC)

	_, err := pc.GetTick(ctx, "EURUSD")
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, pc.SetTick(ctx, domain.Tick{Epic: "EURUSD", Bid: 1.0841, Ask: 1.0843, Timestamp: ts}))
	require.NoError(t, pc.SetTick(ctx, domain.Tick{Epic: "TSLA", Bid: 180.1, Ask: 180.3, Timestamp: ts}))
	assert.Equal(t, time.Hour, mr.TTL("mapi:tick:EURUSD"))

	tick, err := pc.GetTick(ctx, "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, domain.Tick{Epic: "EURUSD", Bid: 1.0841, Ask: 1.0843, Timestamp: ts}, tick)

	ticks, err := pc.GetTicks(ctx, []string{"EURUSD", "TSLA", "GOLD"})
	require.NoError(t, err)
	assert.Len(t, ticks, 2)
	assert.Equal(t, 180.3, ticks["TSLA"].Ask)
}

func TestRateLimiter(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(c)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "client-a", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i+1)
	}
	ok, err := rl.Allow(ctx, "client-a", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "client-b", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "keys are limited independently")

	now = now.Add(61 * time.Second)
	ok, err = rl.Allow(ctx, "client-a", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "window slides")
}
