package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/marketapi/internal/domain"
	"github.com/alanyoungcy/marketapi/internal/notify"
)

const (
	// tickChannelPrefix namespaces ticks on the SignalBus: "ticks:<epic>".
	tickChannelPrefix = "ticks:"

	defaultLockTTL    = 15 * time.Second
	defaultMinBackoff = 2 * time.Second
	defaultMaxBackoff = 60 * time.Second
)

var errLockLost = errors.New("price_relay: stream lock lost")

// Broadcaster delivers a message to every subscriber of a topic.
type Broadcaster interface {
	Broadcast(ctx context.Context, topic, msg string)
}

// LockHolder keeps a distributed lock alive until released. lost is closed
// when another holder takes the lock over.
type LockHolder interface {
	Hold(ctx context.Context, key string, ttl time.Duration) (release func(), lost <-chan struct{}, err error)
}

// RelayConfig selects what the PriceRelay listens to.
type RelayConfig struct {
	Broker     string
	Epics      []string
	LockTTL    time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// RelayStats is a snapshot of PriceRelay counters.
type RelayStats struct {
	Leader   bool   `json:"leader"`
	Ticks    uint64 `json:"ticks"`
	Relayed  uint64 `json:"relayed"`
	Restarts uint64 `json:"restarts"`
}

// PriceRelay moves streamed ticks to MessageBus subscribers. In a single
// process the listener broadcasts directly. With a SignalBus configured the
// listener publishes instead and every process relays the SignalBus into its
// own MessageBus.
type PriceRelay struct {
	cfg      RelayConfig
	streamer domain.PriceStreamer
	bus      Broadcaster
	prices   domain.PriceCache
	signals  domain.SignalBus
	lock     LockHolder
	notifier *notify.Notifier
	logger   *slog.Logger

	leader   atomic.Bool
	ticks    atomic.Uint64
	relayed  atomic.Uint64
	restarts atomic.Uint64
}

// RelayOption configures a PriceRelay.
type RelayOption func(*PriceRelay)

// WithPriceCache stores the latest tick per epic in pc.
func WithPriceCache(pc domain.PriceCache) RelayOption {
	return func(r *PriceRelay) { r.prices = pc }
}

// WithSignalBus routes ticks through sb so other processes receive them.
func WithSignalBus(sb domain.SignalBus) RelayOption {
	return func(r *PriceRelay) { r.signals = sb }
}

// WithLock makes the listener run only while it holds the stream lock.
func WithLock(l LockHolder) RelayOption {
	return func(r *PriceRelay) { r.lock = l }
}

// WithRelayNotifier reports stream outages through n.
func WithRelayNotifier(n *notify.Notifier) RelayOption {
	return func(r *PriceRelay) { r.notifier = n }
}

// NewPriceRelay creates a PriceRelay. streamer may be nil for a process that
// only runs the subscriber side.
func NewPriceRelay(cfg RelayConfig, streamer domain.PriceStreamer, b Broadcaster, logger *slog.Logger, opts ...RelayOption) *PriceRelay {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = defaultMaxBackoff
		if cfg.MaxBackoff < cfg.MinBackoff {
			cfg.MaxBackoff = cfg.MinBackoff
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &PriceRelay{
		cfg:      cfg,
		streamer: streamer,
		bus:      b,
		logger:   logger.With(slog.String("component", "price_relay")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunListener streams the configured epics until ctx is cancelled,
// restarting the stream with exponential backoff after failures.
func (r *PriceRelay) RunListener(ctx context.Context) error {
	if r.streamer == nil {
		return fmt.Errorf("price_relay: %s: %w", r.cfg.Broker, domain.ErrUnsupported)
	}
	if len(r.cfg.Epics) == 0 {
		return fmt.Errorf("price_relay: no epics configured")
	}

	backoff := r.cfg.MinBackoff
	for {
		started := time.Now()
		err := r.listenOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		wait := backoff
		switch {
		case errors.Is(err, domain.ErrLockHeld):
			wait = r.cfg.LockTTL
		case err != nil:
			r.logger.WarnContext(ctx, "price stream failed",
				slog.String("broker", r.cfg.Broker),
				slog.String("error", err.Error()),
				slog.Duration("retry_in", wait),
			)
			r.notifyDown(ctx, err)
		}
		// A stream that stayed up for a while starts the backoff over.
		if time.Since(started) > r.cfg.MaxBackoff {
			backoff = r.cfg.MinBackoff
		} else if !errors.Is(err, domain.ErrLockHeld) {
			backoff = min(backoff*2, r.cfg.MaxBackoff)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		r.restarts.Add(1)
	}
}

// RunSubscriber relays ticks published on the SignalBus into the local
// MessageBus until ctx is cancelled.
func (r *PriceRelay) RunSubscriber(ctx context.Context) error {
	if r.signals == nil {
		return fmt.Errorf("price_relay: subscriber needs a signal bus")
	}
	ch, err := r.signals.Subscribe(ctx, tickChannelPrefix+"*")
	if err != nil {
		return fmt.Errorf("price_relay: subscribe: %w", err)
	}
	r.logger.InfoContext(ctx, "relaying ticks from signal bus")

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("price_relay: signal bus: %w", domain.ErrStreamClosed)
			}
			epic := strings.TrimPrefix(sig.Channel, tickChannelPrefix)
			r.bus.Broadcast(ctx, epic, string(sig.Payload))
			r.relayed.Add(1)
		}
	}
}

// Stats returns the current counters.
func (r *PriceRelay) Stats() RelayStats {
	return RelayStats{
		Leader:   r.leader.Load(),
		Ticks:    r.ticks.Load(),
		Relayed:  r.relayed.Load(),
		Restarts: r.restarts.Load(),
	}
}

// ----- Internal helpers -----

// listenOnce runs one stream session until it fails or ctx ends.
func (r *PriceRelay) listenOnce(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if r.lock != nil {
		release, lost, err := r.lock.Hold(ctx, "stream:"+r.cfg.Broker, r.cfg.LockTTL)
		if err != nil {
			return err
		}
		defer release()
		r.leader.Store(true)
		defer r.leader.Store(false)

		go func() {
			select {
			case <-lost:
				r.logger.WarnContext(ctx, "stream lock lost", slog.String("broker", r.cfg.Broker))
				cancel(errLockLost)
			case <-ctx.Done():
			}
		}()
	}

	ts, err := r.streamer.StreamPrices(ctx, r.cfg.Epics)
	if err != nil {
		return fmt.Errorf("price_relay: open stream: %w", err)
	}
	defer ts.Close()

	r.logger.InfoContext(ctx, "price stream started",
		slog.String("broker", r.cfg.Broker),
		slog.Any("epics", r.cfg.Epics),
	)

	for {
		tick, err := ts.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			return err
		}
		r.ticks.Add(1)
		r.dispatch(ctx, tick)
	}
}

// dispatch caches tick and hands it to subscribers, either directly or via
// the SignalBus.
func (r *PriceRelay) dispatch(ctx context.Context, tick domain.Tick) {
	if r.prices != nil {
		if err := r.prices.SetTick(ctx, tick); err != nil {
			r.logger.WarnContext(ctx, "price cache write failed",
				slog.String("epic", tick.Epic),
				slog.String("error", err.Error()),
			)
		}
	}

	payload, err := json.Marshal(tick)
	if err != nil {
		r.logger.ErrorContext(ctx, "encode tick", slog.String("error", err.Error()))
		return
	}

	if r.signals != nil {
		if err := r.signals.Publish(ctx, tickChannelPrefix+tick.Epic, payload); err != nil {
			r.logger.WarnContext(ctx, "tick publish failed",
				slog.String("epic", tick.Epic),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	r.bus.Broadcast(ctx, tick.Epic, string(payload))
	r.relayed.Add(1)
}

func (r *PriceRelay) notifyDown(ctx context.Context, cause error) {
	if !r.notifier.Enabled() {
		return
	}
	title := fmt.Sprintf("%s price stream down", strings.ToUpper(r.cfg.Broker))
	if err := r.notifier.Notify(ctx, notify.EventStreamDown, title, cause.Error()); err != nil {
		r.logger.WarnContext(ctx, "stream notification failed", slog.String("error", err.Error()))
	}
}
