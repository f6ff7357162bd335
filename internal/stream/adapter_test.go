package stream

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketapi/internal/domain"
)

// parseBid treats the raw update as a bid price for EURUSD.
func parseBid(raw string) (domain.Tick, error) {
	bid, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return domain.Tick{}, err
	}
	return domain.Tick{Epic: "EURUSD", Bid: bid, Ask: bid + 0.0001}, nil
}

func TestNextReturnsTicksInOrder(t *testing.T) {
	a := New(parseBid)
	a.Handle("1.1")
	a.Handle("1.2")

	ctx := context.Background()
	first, err := a.Next(ctx)
	require.NoError(t, err)
	second, err := a.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.1, first.Bid)
	assert.Equal(t, 1.2, second.Bid)
}

func TestNextWaitsForPush(t *testing.T) {
	a := New(parseBid)
	go func() {
		time.Sleep(10 * time.Millisecond)
		a.Handle("1.5")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tick, err := a.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.5, tick.Bid)
}

func TestMalformedUpdatesAreSkipped(t *testing.T) {
	a := New(parseBid)
	a.Handle("garbage")
	a.Handle("1.3")

	tick, err := a.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.3, tick.Bid)
	assert.Equal(t, uint64(1), a.Malformed())
}

func TestOverflowDropsOldest(t *testing.T) {
	a := New(parseBid, WithQueueSize(2))
	a.Handle("1")
	a.Handle("2")
	a.Handle("3")

	ctx := context.Background()
	first, _ := a.Next(ctx)
	second, _ := a.Next(ctx)
	assert.Equal(t, 2.0, first.Bid)
	assert.Equal(t, 3.0, second.Bid)
	assert.Equal(t, uint64(1), a.Dropped())
}

func TestCloseUnsubscribesOnceAndDrains(t *testing.T) {
	var unsubscribes atomic.Int32
	a := New(parseBid, OnClose(func() error {
		unsubscribes.Add(1)
		return nil
	}))
	a.Handle("1.1")

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, int32(1), unsubscribes.Load())

	a.Handle("9.9")

	tick, err := a.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.1, tick.Bid)

	_, err = a.Next(context.Background())
	assert.True(t, errors.Is(err, domain.ErrStreamClosed))
}

func TestCloseWakesBlockedConsumer(t *testing.T) {
	a := New(parseBid)
	errCh := make(chan error, 1)
	go func() {
		_, err := a.Next(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, domain.ErrStreamClosed)
	case <-time.After(time.Second):
		t.Fatal("consumer was not woken by Close")
	}
}

func TestEndDoesNotUnsubscribe(t *testing.T) {
	var unsubscribes atomic.Int32
	a := New(parseBid, OnClose(func() error {
		unsubscribes.Add(1)
		return nil
	}))
	a.End()
	_ = a.Close()

	_, err := a.Next(context.Background())
	assert.ErrorIs(t, err, domain.ErrStreamClosed)
	assert.Equal(t, int32(0), unsubscribes.Load())
}

func TestNextHonoursContext(t *testing.T) {
	a := New(parseBid)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := a.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
