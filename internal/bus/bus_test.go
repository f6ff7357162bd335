package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu    sync.Mutex
	msgs  []string
	err   error
	delay time.Duration
}

func (s *recordingSink) Send(_ context.Context, msg string) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return s.err
}

func (s *recordingSink) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

func TestBroadcastToUnknownTopicIsNoop(t *testing.T) {
	b := New(nil)
	b.Broadcast(context.Background(), "NOPE", "x")
	assert.Empty(t, b.Topics())
}

func TestEURUSDAndTSLAScenario(t *testing.T) {
	b := New(nil)
	a, c := &recordingSink{}, &recordingSink{}

	b.SubscribeTopics([]string{"EURUSD", "TSLA"}, a)
	b.Subscribe("EURUSD", c)

	ctx := context.Background()
	b.Broadcast(ctx, "EURUSD", "e1")
	b.Broadcast(ctx, "TSLA", "t1")

	assert.Equal(t, []string{"e1", "t1"}, a.received())
	assert.Equal(t, []string{"e1"}, c.received())
	assert.Equal(t, []string{"EURUSD", "TSLA"}, b.Topics())

	b.Unsubscribe("TSLA", a)
	assert.Equal(t, []string{"EURUSD"}, b.Topics())
	b.Broadcast(ctx, "TSLA", "t2")
	assert.Equal(t, []string{"e1", "t1"}, a.received())
}

func TestSubscribeIsIdempotent(t *testing.T) {
	b := New(nil)
	s := &recordingSink{}
	b.Subscribe("EURUSD", s)
	b.Subscribe("EURUSD", s)
	assert.Equal(t, 1, b.Subscribers("EURUSD"))

	b.Broadcast(context.Background(), "EURUSD", "once")
	assert.Equal(t, []string{"once"}, s.received())
}

func TestFanOutPreservesPerSinkOrder(t *testing.T) {
	b := New(nil)
	const k = 8
	sinks := make([]*recordingSink, k)
	for i := range sinks {
		sinks[i] = &recordingSink{}
		b.Subscribe("EURUSD", sinks[i])
	}

	ctx := context.Background()
	b.Broadcast(ctx, "EURUSD", "m1")
	b.Broadcast(ctx, "EURUSD", "m2")

	for _, s := range sinks {
		assert.Equal(t, []string{"m1", "m2"}, s.received())
	}
}

func TestFailingSinkDoesNotAffectOthers(t *testing.T) {
	b := New(nil)
	bad := &recordingSink{err: errors.New("connection closed")}
	good := &recordingSink{}
	b.Subscribe("TSLA", bad)
	b.Subscribe("TSLA", good)

	b.Broadcast(context.Background(), "TSLA", "tick")
	assert.Equal(t, []string{"tick"}, good.received())
}

func TestBroadcastSendsConcurrently(t *testing.T) {
	b := New(nil)
	for i := 0; i < 5; i++ {
		b.Subscribe("EURUSD", &recordingSink{delay: 50 * time.Millisecond})
	}

	start := time.Now()
	b.Broadcast(context.Background(), "EURUSD", "tick")
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestUnsubscribeAllRemovesEmptyTopics(t *testing.T) {
	b := New(nil)
	s, other := &recordingSink{}, &recordingSink{}
	b.SubscribeTopics([]string{"EURUSD", "TSLA"}, s)
	b.Subscribe("TSLA", other)

	b.UnsubscribeAll(s)
	assert.Equal(t, []string{"TSLA"}, b.Topics())
	assert.Equal(t, 1, b.Subscribers("TSLA"))

	b.Unsubscribe("TSLA", other)
	require.Empty(t, b.Topics())
}
