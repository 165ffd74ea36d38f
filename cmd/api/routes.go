package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	"github.com/inaiurai/creditcore/internal/config"
	"github.com/inaiurai/creditcore/internal/identity"
	"github.com/inaiurai/creditcore/internal/jobs"
	"github.com/inaiurai/creditcore/internal/ledger"
	"github.com/inaiurai/creditcore/internal/notify"
	"github.com/inaiurai/creditcore/internal/pricing"
	"github.com/inaiurai/creditcore/internal/provider"
	"github.com/inaiurai/creditcore/internal/router"
	"github.com/inaiurai/creditcore/internal/webhook"
)

func newAPIHandler(
	cfg *config.Config,
	ledgerSvc ledger.Service,
	orch *jobs.Orchestrator,
	catalog *pricing.Catalog,
	registry *provider.Registry,
	resolver identity.Resolver,
	health func(context.Context) error,
	log *slog.Logger,
) http.Handler {
	return router.New(router.Handlers{
		Ledger:  ledger.NewHandler(ledgerSvc, log),
		Jobs:    jobs.NewHandler(orch, catalog, log),
		Webhook: webhook.NewHandler(orch, registry, log.With("component", "webhook")),
	}, router.Options{
		Identity:       resolver,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Logger:         log.With("component", "http"),
		Health:         health,
	})
}

func buildProviders(providers []config.ProviderConfig, log *slog.Logger) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	for _, p := range providers {
		gw := provider.NewHTTPGateway(provider.HTTPConfig{
			Name:        p.Name,
			BaseURL:     p.BaseURL,
			APIKey:      p.APIKey,
			CallbackURL: p.CallbackURL,
			Timeout:     p.Timeout,
		}, log.With("provider", p.Name))
		if err := reg.Register(provider.Entry{Name: p.Name, Gateway: gw, Kinds: p.Kinds, WebhookSecret: p.WebhookSecret}); err != nil {
			return nil, err
		}
	}
	log.Info("providers registered", "count", len(providers), "kinds", reg.Kinds())
	return reg, nil
}

func buildPricing(ctx context.Context, cfg *config.Config, cleanups *cleanupStack, log *slog.Logger) (*pricing.Catalog, error) {
	var cache pricing.Cache = pricing.NewMemoryCache()
	if cfg.Pricing.Cache == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		cleanups.push(func() { _ = rdb.Close() })
		cache = pricing.NewRedisCache(rdb, cfg.Pricing.KeyPrefix)
	}
	catalog, err := pricing.NewCatalog(cfg.Pricing.Costs, cache, log.With("component", "pricing"))
	if err != nil {
		return nil, err
	}
	if err := catalog.Warm(ctx); err != nil {
		log.Warn("warm price cache", "error", err)
	}
	return catalog, nil
}

func buildNotifier(cfg config.NotifyConfig, cleanups *cleanupStack, log *slog.Logger) (jobs.Notifier, error) {
	logNotifier := notify.NewLogNotifier(log.With("component", "notify"))
	switch cfg.Driver {
	case "nats":
		nc, err := notify.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			return nil, err
		}
		cleanups.push(nc.Close)
		return notify.Multi{logNotifier, notify.NewNATSNotifier(nc, cfg.NATS.SubjectPrefix)}, nil
	case "rabbitmq":
		rn, err := notify.DialRabbit(notify.RabbitConfig{
			URL:               cfg.RabbitMQ.URL,
			Exchange:          cfg.RabbitMQ.Exchange,
			RetryAttempts:     cfg.RabbitMQ.RetryAttempts,
			RetryInterval:     cfg.RabbitMQ.RetryInterval,
			Heartbeat:         cfg.RabbitMQ.Heartbeat,
			PublishRetries:    cfg.RabbitMQ.PublishRetries,
			PublishRetryDelay: cfg.RabbitMQ.PublishRetryDelay,
		}, log.With("component", "notify"))
		if err != nil {
			return nil, err
		}
		cleanups.push(func() { _ = rn.Close() })
		return notify.Multi{logNotifier, rn}, nil
	default:
		return logNotifier, nil
	}
}

func buildIdentity(cfg config.IdentityConfig) (identity.Resolver, error) {
	switch cfg.Mode {
	case "jwt":
		return identity.NewJWT(cfg.JWTSecret), nil
	case "header":
		return identity.Header{Name: cfg.Header}, nil
	}
	return nil, fmt.Errorf("unknown identity mode %q", cfg.Mode)
}
