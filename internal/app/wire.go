package app

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/alanyoungcy/marketapi/internal/cache/redis"
	"github.com/alanyoungcy/marketapi/internal/config"
	"github.com/alanyoungcy/marketapi/internal/confirm"
	"github.com/alanyoungcy/marketapi/internal/domain"
	"github.com/alanyoungcy/marketapi/internal/notify"
	"github.com/alanyoungcy/marketapi/internal/platform/capital"
	"github.com/alanyoungcy/marketapi/internal/platform/ig"
	"github.com/alanyoungcy/marketapi/internal/server/handler"
	"github.com/alanyoungcy/marketapi/internal/session"
	"github.com/alanyoungcy/marketapi/internal/store/postgres"
)

// Dependencies bundles every concrete dependency the application modes need.
// It is constructed by Wire and torn down by the returned cleanup function.
// Redis- and Postgres-backed fields are nil when those backends are disabled.
type Dependencies struct {
	// Brokers
	Brokers   []domain.Broker
	Streamers map[string]domain.PriceStreamer

	// Caches
	TokenCache  domain.TokenCache
	PriceCache  domain.PriceCache
	SignalBus   domain.SignalBus
	RateLimiter domain.RateLimiter
	Lock        *redis.LockManager

	// Persistence
	Journal domain.DealJournal

	// Notifications
	Notifier *notify.Notifier

	// Pingers are reported by the health check.
	Pingers map[string]handler.Pinger
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	if logger == nil {
		logger = slog.Default()
	}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Streamers: make(map[string]domain.PriceStreamer),
		Pingers:   make(map[string]handler.Pinger),
	}

	// --- Secrets ---
	if err := config.ApplySecrets(cfg); err != nil {
		return nil, nil, fmt.Errorf("wire: %w", err)
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Redis.TickTTL.Duration)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Lock = redis.NewLockManager(redisClient, logger)
		deps.Pingers["redis"] = redisClient
		if strings.EqualFold(cfg.Session.Cache, "redis") {
			deps.TokenCache = redis.NewTokenCache(redisClient)
		}
	}
	if deps.TokenCache == nil {
		deps.TokenCache = session.NewMemoryCache()
	}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:            cfg.Postgres.DSN,
			Host:           cfg.Postgres.Host,
			Port:           cfg.Postgres.Port,
			Database:       cfg.Postgres.Database,
			User:           cfg.Postgres.User,
			Password:       cfg.Postgres.Password,
			SSLMode:        cfg.Postgres.SSLMode,
			MaxConns:       cfg.Postgres.PoolMaxConns,
			MinConns:       cfg.Postgres.PoolMinConns,
			ConnectTimeout: cfg.Postgres.ConnTimeout.Duration,
		}, logger)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		// Run migrations if enabled.
		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		deps.Journal = postgres.NewDealStore(pgClient.Pool())
		deps.Pingers["postgres"] = pgClient
	}

	// --- Brokers ---
	policy := confirm.Policy{
		MaxAttempts:    cfg.Confirm.MaxAttempts,
		InitialBackoff: cfg.Confirm.InitialBackoff.Duration,
		MaxBackoff:     cfg.Confirm.MaxBackoff.Duration,
		Multiplier:     cfg.Confirm.Multiplier,
	}
	if cfg.Capital.Enabled {
		deps.Brokers = append(deps.Brokers, capital.New(capital.Config{
			Credentials:  cfg.Capital.Credentials(),
			BaseURL:      cfg.Capital.BaseURL,
			Confirm:      policy,
			TokenCache:   deps.TokenCache,
			LoginTimeout: cfg.Session.LoginTimeout.Duration,
		}, logger))
	}
	if cfg.IG.Enabled {
		igClient := ig.New(ig.Config{
			Credentials:     cfg.IG.Credentials(),
			BaseURL:         cfg.IG.BaseURL,
			Confirm:         policy,
			TokenCache:      deps.TokenCache,
			LoginTimeout:    cfg.Session.LoginTimeout.Duration,
			StreamEndpoint:  cfg.Stream.Endpoint,
			StreamQueueSize: cfg.Stream.QueueSize,
		}, logger)
		deps.Brokers = append(deps.Brokers, igClient)
		deps.Streamers[igClient.Name()] = igClient
	}
	if len(deps.Brokers) == 0 {
		cleanup()
		return nil, nil, fmt.Errorf("wire: no broker enabled")
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	logger.InfoContext(ctx, "dependencies wired",
		slog.Any("brokers", brokerNames(deps.Brokers)),
		slog.Bool("redis", cfg.Redis.Enabled),
		slog.Bool("postgres", cfg.Postgres.Enabled),
		slog.Bool("notify", deps.Notifier.Enabled()),
	)
	return deps, cleanup, nil
}

func brokerNames(brokers []domain.Broker) []string {
	names := make([]string, 0, len(brokers))
	for _, b := range brokers {
		names = append(names, b.Name())
	}
	slices.Sort(names)
	return names
}
