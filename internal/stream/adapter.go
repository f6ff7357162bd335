// Package stream turns callback-style broker price feeds into pull-based tick
// sequences with a bounded buffer.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/alanyoungcy/marketapi/internal/domain"
)

const defaultQueueSize = 1024

// Adapter buffers ticks pushed by a feed callback until a consumer pulls them
// with Next. When the buffer is full the oldest tick is dropped.
type Adapter[R any] struct {
	parse  func(R) (domain.Tick, error)
	size   int
	logger *slog.Logger

	mu      sync.Mutex
	queue   []domain.Tick
	closed  bool
	onClose func() error

	ready     chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error

	dropped   atomic.Uint64
	malformed atomic.Uint64
}

// Option configures an Adapter.
type Option func(*options)

type options struct {
	queueSize int
	logger    *slog.Logger
	onClose   func() error
}

// WithQueueSize bounds the number of buffered ticks.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// OnClose registers the upstream unsubscribe, called once when the consumer
// closes the adapter.
func OnClose(fn func() error) Option {
	return func(o *options) { o.onClose = fn }
}

// New creates an Adapter that converts raw feed updates with parse.
func New[R any](parse func(R) (domain.Tick, error), opts ...Option) *Adapter[R] {
	o := options{queueSize: defaultQueueSize, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Adapter[R]{
		parse:   parse,
		size:    o.queueSize,
		logger:  o.logger.With(slog.String("component", "stream")),
		queue:   make([]domain.Tick, 0, o.queueSize),
		onClose: o.onClose,
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// SetOnClose registers the upstream unsubscribe after construction, for
// feeds that only know their subscription handle once the adapter exists.
func (a *Adapter[R]) SetOnClose(fn func() error) {
	a.mu.Lock()
	a.onClose = fn
	a.mu.Unlock()
}

// Handle is the feed callback. Updates that fail to parse are logged and
// skipped; updates after close are ignored.
func (a *Adapter[R]) Handle(raw R) {
	tick, err := a.parse(raw)
	if err != nil {
		a.malformed.Add(1)
		a.logger.Warn("skipping malformed price update", slog.String("error", err.Error()))
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	if len(a.queue) >= a.size {
		a.queue = a.queue[1:]
		if n := a.dropped.Add(1); n == 1 || n%1000 == 0 {
			a.logger.Warn("price queue full, dropping oldest tick", slog.Uint64("dropped", n))
		}
	}
	a.queue = append(a.queue, tick)
	a.mu.Unlock()

	select {
	case a.ready <- struct{}{}:
	default:
	}
}

// Next blocks until a tick is available. Once the adapter is closed it keeps
// returning buffered ticks, then domain.ErrStreamClosed.
func (a *Adapter[R]) Next(ctx context.Context) (domain.Tick, error) {
	for {
		a.mu.Lock()
		if len(a.queue) > 0 {
			tick := a.queue[0]
			a.queue = a.queue[1:]
			a.mu.Unlock()
			return tick, nil
		}
		closed := a.closed
		a.mu.Unlock()

		if closed {
			return domain.Tick{}, domain.ErrStreamClosed
		}

		select {
		case <-ctx.Done():
			return domain.Tick{}, ctx.Err()
		case <-a.ready:
		case <-a.done:
		}
	}
}

// Close ends the sequence and unsubscribes upstream. Safe to call repeatedly.
func (a *Adapter[R]) Close() error {
	a.finish(true)
	return a.closeErr
}

// End marks the sequence finished from the feed side, e.g. when the
// connection drops. The upstream unsubscribe is not called.
func (a *Adapter[R]) End() {
	a.finish(false)
}

// Done is closed once the adapter has been closed or ended.
func (a *Adapter[R]) Done() <-chan struct{} { return a.done }

// Dropped returns how many ticks were discarded because the queue was full.
func (a *Adapter[R]) Dropped() uint64 { return a.dropped.Load() }

// Malformed returns how many updates failed to parse.
func (a *Adapter[R]) Malformed() uint64 { return a.malformed.Load() }

func (a *Adapter[R]) finish(unsubscribe bool) {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		onClose := a.onClose
		a.mu.Unlock()
		close(a.done)

		if unsubscribe && onClose != nil {
			if err := onClose(); err != nil {
				a.closeErr = err
				a.logger.Warn("upstream unsubscribe failed", slog.String("error", err.Error()))
			}
		}
	})
}

var _ domain.TickStream = (*Adapter[string])(nil)
