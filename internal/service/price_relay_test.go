package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rediscache "github.com/alanyoungcy/marketapi/internal/cache/redis"
	"github.com/alanyoungcy/marketapi/internal/domain"
	"github.com/alanyoungcy/marketapi/internal/stream"
)

type fakeStreamer struct {
	mu      sync.Mutex
	streams []*stream.Adapter[domain.Tick]
}

func (f *fakeStreamer) StreamPrices(context.Context, []string) (domain.TickStream, error) {
	a := stream.New(func(t domain.Tick) (domain.Tick, error) { return t, nil })
	f.mu.Lock()
	f.streams = append(f.streams, a)
	f.mu.Unlock()
	return a, nil
}

func (f *fakeStreamer) stream(i int) *stream.Adapter[domain.Tick] {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.streams) {
		return nil
	}
	return f.streams[i]
}

func (f *fakeStreamer) opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

type recordingBus struct {
	mu   sync.Mutex
	msgs map[string][]string
}

func (b *recordingBus) Broadcast(_ context.Context, topic, msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.msgs == nil {
		b.msgs = make(map[string][]string)
	}
	b.msgs[topic] = append(b.msgs[topic], msg)
}

func (b *recordingBus) get(topic string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.msgs[topic]...)
}

type fakeLock struct {
	err  error
	lost chan struct{}

	mu       sync.Mutex
	released int
}

func (l *fakeLock) Hold(context.Context, string, time.Duration) (func(), <-chan struct{}, error) {
	if l.err != nil {
		return nil, nil, l.err
	}
	return func() {
		l.mu.Lock()
		l.released++
		l.mu.Unlock()
	}, l.lost, nil
}

func (l *fakeLock) releases() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

func runRelay(t *testing.T, r *PriceRelay, run func(*PriceRelay, context.Context) error) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(r, ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("relay did not stop")
		}
	})
	return cancel
}

func testRelayConfig() RelayConfig {
	return RelayConfig{Broker: "ig", Epics: []string{"EURUSD"}, MinBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond, LockTTL: 20 * time.Millisecond}
}

func TestPriceRelayBroadcastsTicks(t *testing.T) {
	fs := &fakeStreamer{}
	b := &recordingBus{}
	r := NewPriceRelay(testRelayConfig(), fs, b, nil)
	runRelay(t, r, (*PriceRelay).RunListener)

	require.Eventually(t, func() bool { return fs.opened() == 1 }, time.Second, 5*time.Millisecond)
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	fs.stream(0).Handle(domain.Tick{Epic: "EURUSD", Bid: 1.1, Ask: 1.2, Timestamp: ts})
	fs.stream(0).Handle(domain.Tick{Epic: "EURUSD", Bid: 1.15, Ask: 1.25, Timestamp: ts})

	require.Eventually(t, func() bool { return len(b.get("EURUSD")) == 2 }, time.Second, 5*time.Millisecond)
	var first domain.Tick
	require.NoError(t, json.Unmarshal([]byte(b.get("EURUSD")[0]), &first))
	assert.Equal(t, 1.1, first.Bid)
	assert.Equal(t, uint64(2), r.Stats().Ticks)
}

func TestPriceRelayRestartsEndedStream(t *testing.T) {
	fs := &fakeStreamer{}
	r := NewPriceRelay(testRelayConfig(), fs, &recordingBus{}, nil)
	runRelay(t, r, (*PriceRelay).RunListener)

	require.Eventually(t, func() bool { return fs.opened() == 1 }, time.Second, 5*time.Millisecond)
	fs.stream(0).End()

	require.Eventually(t, func() bool { return fs.opened() == 2 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, r.Stats().Restarts, uint64(1))
}

func TestPriceRelayWaitsForLock(t *testing.T) {
	fs := &fakeStreamer{}
	r := NewPriceRelay(testRelayConfig(), fs, &recordingBus{}, nil, WithLock(&fakeLock{err: domain.ErrLockHeld}))
	runRelay(t, r, (*PriceRelay).RunListener)

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, fs.opened())
	assert.False(t, r.Stats().Leader)
}

func TestPriceRelayStopsOnLostLock(t *testing.T) {
	fs := &fakeStreamer{}
	lock := &fakeLock{lost: make(chan struct{})}
	r := NewPriceRelay(testRelayConfig(), fs, &recordingBus{}, nil, WithLock(lock))
	runRelay(t, r, (*PriceRelay).RunListener)

	require.Eventually(t, func() bool { return fs.opened() == 1 && r.Stats().Leader }, time.Second, 5*time.Millisecond)
	close(lock.lost)

	select {
	case <-fs.stream(0).Done():
	case <-time.After(time.Second):
		t.Fatal("stream was not closed after losing the lock")
	}
	require.Eventually(t, func() bool { return lock.releases() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestPriceRelayThroughSignalBus(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := rediscache.New(context.Background(), rediscache.ClientConfig{Addr: mr.Addr(), KeyPrefix: "mapi:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	signals := rediscache.NewSignalBus(c)
	prices := rediscache.NewPriceCache(c, time.Minute)
	fs := &fakeStreamer{}
	b := &recordingBus{}

	listener := NewPriceRelay(testRelayConfig(), fs, &recordingBus{}, nil, WithSignalBus(signals), WithPriceCache(prices))
	subscriber := NewPriceRelay(RelayConfig{}, nil, b, nil, WithSignalBus(signals))
	runRelay(t, subscriber, (*PriceRelay).RunSubscriber)
	runRelay(t, listener, (*PriceRelay).RunListener)

	require.Eventually(t, func() bool { return fs.opened() == 1 }, time.Second, 5*time.Millisecond)
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// The subscriber may still be connecting, so keep feeding until one lands.
	require.Eventually(t, func() bool {
		fs.stream(0).Handle(domain.Tick{Epic: "EURUSD", Bid: 1.1, Ask: 1.2, Timestamp: ts})
		return len(b.get("EURUSD")) > 0
	}, 2*time.Second, 20*time.Millisecond)

	var got domain.Tick
	require.NoError(t, json.Unmarshal([]byte(b.get("EURUSD")[0]), &got))
	assert.Equal(t, "EURUSD", got.Epic)
	assert.Equal(t, 1.2, got.Ask)

	cached, err := prices.GetTick(context.Background(), "EURUSD")
	require.NoError(t, err)
	assert.Equal(t, 1.1, cached.Bid)
}

func TestPriceRelayRequiresStreamer(t *testing.T) {
	r := NewPriceRelay(RelayConfig{Broker: "capital", Epics: []string{"X"}}, nil, &recordingBus{}, nil)
	assert.ErrorIs(t, r.RunListener(context.Background()), domain.ErrUnsupported)
	assert.Error(t, r.RunSubscriber(context.Background()))
}
