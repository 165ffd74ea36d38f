package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/inaiurai/creditcore/internal/app"
	"github.com/inaiurai/creditcore/internal/config"
	"github.com/inaiurai/creditcore/internal/database"
	"github.com/inaiurai/creditcore/internal/jobs"
	"github.com/inaiurai/creditcore/internal/ledger"
	"github.com/inaiurai/creditcore/internal/logger"
	"github.com/inaiurai/creditcore/internal/pricing"
	"github.com/inaiurai/creditcore/internal/reconcile"
)

func main() {
	configFlag := flag.String("config", "", "config file (default $CREDITCORE_CONFIG or ./config.yaml)")
	flag.Parse()
	configPath := config.ResolvePath(*configFlag)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.NewDefault().Error("load config", "path", configPath, "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.NewDefault().Error("invalid config", "path", configPath, "error", err)
		os.Exit(1)
	}

	log, logCloser, err := logger.New(cfg.Logging)
	if err != nil {
		logger.NewDefault().Error("init logger", "error", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, configPath, log); err != nil {
		log.Error("creditcore stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("creditcore stopped")
}

func run(ctx context.Context, cfg *config.Config, configPath string, log *slog.Logger) error {
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(ctx, cfg.Database.URL, "up", log); err != nil {
			return err
		}
	}
	pool, err := database.Connect(ctx, cfg.Database.URL, database.PoolConfig{
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return err
	}
	defer pool.Close()
	log.Info("connected to PostgreSQL")

	var cleanups cleanupStack
	defer cleanups.run()

	ledgerSvc := ledger.NewService(ledger.NewRepository(pool),
		ledger.WithLogger(log.With("component", "ledger")),
		ledger.WithDefaultCredits(cfg.Ledger.DefaultCredits),
		ledger.WithMaxAttempts(cfg.Ledger.MaxAttempts),
	)

	registry, err := buildProviders(cfg.Providers, log)
	if err != nil {
		return err
	}
	catalog, err := buildPricing(ctx, cfg, &cleanups, log)
	if err != nil {
		return err
	}
	notifier, err := buildNotifier(cfg.Notify, &cleanups, log)
	if err != nil {
		return err
	}
	validator, err := jobs.NewValidator(jobs.DefaultSchemas())
	if err != nil {
		return fmt.Errorf("load job schemas: %w", err)
	}

	orch := jobs.NewOrchestrator(jobs.NewRepository(pool), ledgerSvc, registry,
		jobs.WithLogger(log.With("component", "jobs")),
		jobs.WithValidator(validator),
		jobs.WithNotifier(notifier),
		jobs.WithTimeouts(cfg.Jobs.SubmitTimeout, cfg.Jobs.GracePeriod, cfg.Jobs.PendingCeiling),
		jobs.WithPolling(cfg.Jobs.PollConcurrency, cfg.Jobs.PollBatch),
	)

	resolver, err := buildIdentity(cfg.Identity)
	if err != nil {
		return err
	}
	handler := newAPIHandler(cfg, ledgerSvc, orch, catalog, registry, resolver, pool.Ping, log)

	servers := []app.Server{
		app.NewHTTPServer(&http.Server{
			Addr:         cfg.Addr(),
			Handler:      handler,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		}, log),
	}
	switch cfg.Reconcile.Scheduler {
	case "river":
		sched, err := reconcile.NewScheduler(ctx, pool, orch, cfg.Jobs.PollInterval, log.With("component", "river"))
		if err != nil {
			return err
		}
		servers = append(servers, sched)
	default:
		servers = append(servers, reconcile.NewPoller(orch, cfg.Jobs.PollInterval, log.With("component", "reconcile")))
	}

	go reloadPricesOnHangup(ctx, configPath, catalog, log)

	return app.New(cfg.Server.ShutdownTimeout, log, servers...).Run(ctx)
}

// reloadPricesOnHangup re-reads the config file on SIGHUP and swaps in its
// price table. Other settings need a restart.
func reloadPricesOnHangup(ctx context.Context, configPath string, catalog *pricing.Catalog, log *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := config.Load(configPath)
			if err == nil {
				err = cfg.Validate()
			}
			if err != nil {
				log.Error("reload config", "error", err)
				continue
			}
			if err := catalog.Reload(ctx, cfg.Pricing.Costs); err != nil {
				log.Error("reload prices", "error", err)
			}
		}
	}
}

type cleanupStack []func()

func (c *cleanupStack) push(fn func()) { *c = append(*c, fn) }

func (c cleanupStack) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}
