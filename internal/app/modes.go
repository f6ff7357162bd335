package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketapi/internal/bus"
	"github.com/alanyoungcy/marketapi/internal/domain"
	"github.com/alanyoungcy/marketapi/internal/server"
	"github.com/alanyoungcy/marketapi/internal/server/handler"
	"github.com/alanyoungcy/marketapi/internal/server/ws"
	"github.com/alanyoungcy/marketapi/internal/service"
)

// shutdownTimeout bounds graceful HTTP shutdown and broker logout.
const shutdownTimeout = 10 * time.Second

// ServerMode serves the HTTP API and the /subscribe WebSocket. When Redis is
// wired, ticks published by a stream-mode process are relayed to local
// subscribers.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	trades := a.newTradeService(deps)
	msgBus := bus.New(a.logger)

	var relay *service.PriceRelay
	if deps.SignalBus != nil {
		relay = a.newPriceRelay(deps, nil, msgBus)
		g.Go(func() error {
			return relay.RunSubscriber(ctx)
		})
	}

	a.startHTTPServer(ctx, g, deps, trades, msgBus, relay)

	err := g.Wait()
	a.shutdownTrades(trades)
	return err
}

// StreamMode runs only the price listener. Ticks go to the Redis tick cache
// and are published for server-mode processes to relay.
func (a *App) StreamMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting stream mode",
		slog.String("broker", a.cfg.Stream.Broker),
		slog.Any("epics", a.cfg.Stream.Epics),
	)

	streamer, err := a.streamer(deps)
	if err != nil {
		return fmt.Errorf("stream mode: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	relay := a.newPriceRelay(deps, streamer, bus.New(a.logger))
	g.Go(func() error {
		return relay.RunListener(ctx)
	})
	return g.Wait()
}

// FullMode runs the HTTP API and the price listener in one process. Without
// Redis the listener broadcasts straight into the local bus.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	trades := a.newTradeService(deps)
	msgBus := bus.New(a.logger)

	var relay *service.PriceRelay
	if a.cfg.Stream.Enabled {
		streamer, err := a.streamer(deps)
		if err != nil {
			return fmt.Errorf("full mode: %w", err)
		}
		relay = a.newPriceRelay(deps, streamer, msgBus)
		g.Go(func() error {
			return relay.RunListener(ctx)
		})
	} else if deps.SignalBus != nil {
		relay = a.newPriceRelay(deps, nil, msgBus)
	}
	if relay != nil && deps.SignalBus != nil {
		g.Go(func() error {
			return relay.RunSubscriber(ctx)
		})
	}

	a.startHTTPServer(ctx, g, deps, trades, msgBus, relay)

	err := g.Wait()
	a.shutdownTrades(trades)
	return err
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled. relay is optional and feeds the health check.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	trades *service.TradeService,
	msgBus *bus.MessageBus,
	relay *service.PriceRelay,
) {
	hub := ws.NewHub(msgBus, a.cfg.Server.CORSOrigins, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	stats := func() any {
		out := map[string]any{
			"clients": hub.Clients(),
			"topics":  len(msgBus.Topics()),
		}
		if relay != nil {
			out["relay"] = relay.Stats()
		}
		return out
	}

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(a.cfg.Mode, trades.Brokers(), deps.Pingers, stats, a.logger),
		Positions: handler.NewPositionHandler(trades, a.logger),
		Markets:   handler.NewMarketHandler(trades, deps.PriceCache, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// newTradeService builds the TradeService over every wired broker.
func (a *App) newTradeService(deps *Dependencies) *service.TradeService {
	opts := []service.TradeOption{service.WithNotifier(deps.Notifier)}
	if deps.Journal != nil {
		opts = append(opts, service.WithJournal(deps.Journal))
	}
	for broker, epics := range a.cfg.Instruments {
		opts = append(opts, service.WithAllowlist(broker, epics))
	}
	return service.NewTradeService(deps.Brokers, a.logger, opts...)
}

// newPriceRelay builds a PriceRelay. streamer is nil on the subscriber-only
// side.
func (a *App) newPriceRelay(deps *Dependencies, streamer domain.PriceStreamer, msgBus *bus.MessageBus) *service.PriceRelay {
	opts := []service.RelayOption{service.WithRelayNotifier(deps.Notifier)}
	if deps.PriceCache != nil {
		opts = append(opts, service.WithPriceCache(deps.PriceCache))
	}
	if deps.SignalBus != nil {
		opts = append(opts, service.WithSignalBus(deps.SignalBus))
	}
	if deps.Lock != nil {
		opts = append(opts, service.WithLock(deps.Lock))
	}
	return service.NewPriceRelay(service.RelayConfig{
		Broker:  a.cfg.Stream.Broker,
		Epics:   a.cfg.Stream.Epics,
		LockTTL: a.cfg.Stream.LockTTL.Duration,
	}, streamer, msgBus, a.logger, opts...)
}

// streamer returns the configured streaming broker.
func (a *App) streamer(deps *Dependencies) (domain.PriceStreamer, error) {
	s, ok := deps.Streamers[a.cfg.Stream.Broker]
	if !ok {
		return nil, fmt.Errorf("broker %q cannot stream prices: %w", a.cfg.Stream.Broker, domain.ErrUnsupported)
	}
	return s, nil
}

// shutdownTrades waits for in-flight journal writes and ends broker sessions.
func (a *App) shutdownTrades(trades *service.TradeService) {
	trades.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := trades.Logout(ctx); err != nil {
		a.logger.Warn("broker logout failed", slog.String("error", err.Error()))
	}
}
