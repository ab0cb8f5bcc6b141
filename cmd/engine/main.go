package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/davemott/paperledger/internal/api"
	"github.com/davemott/paperledger/internal/broker"
	"github.com/davemott/paperledger/internal/config"
	"github.com/davemott/paperledger/internal/engine"
	"github.com/davemott/paperledger/internal/models"
	"github.com/davemott/paperledger/internal/quotes"
	"github.com/davemott/paperledger/internal/scheduler"
	"github.com/davemott/paperledger/internal/storage"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// .env is optional; real deployments set environment variables directly.
	_ = godotenv.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to load config")
	}
	if level, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	logger.WithField("mode", cfg.Environment.Mode).Info("starting paper position lifecycle engine")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := storage.New(ctx, storage.Config{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Name,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to database")
	}
	defer store.Close()

	if err := store.RunMigrations(ctx); err != nil {
		logger.WithError(err).Fatal("failed to run migrations")
	}

	var quoteProvider quotes.Provider = quotes.NewSimProvider()
	if cfg.Redis.Addr != "" {
		client, err := quotes.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to redis")
		}
		defer func() { _ = client.Close() }()
		quoteProvider = quotes.NewCachedProvider(quoteProvider, client,
			config.Interval(cfg.Redis.QuoteTTL, quotes.DefaultQuoteTTL), logger)
		logger.WithField("addr", cfg.Redis.Addr).Info("quote cache enabled")
	}

	paper := broker.NewPaperBroker()
	factory := brokerFactory(paper, logger)

	eng := engine.New(store, factory, quoteProvider, engine.Config{
		BracketTolerancePct: cfg.Engine.BracketTolerancePct,
		BracketToleranceMin: cfg.Engine.BracketToleranceMin,
		StalePriceFactor:    cfg.Engine.StalePriceFactor,
		ExpiryWorthlessMark: cfg.Engine.ExpiryWorthlessMark,
		CallTimeout:         config.Interval(cfg.Engine.CallTimeout, 10*time.Second),
		TradingHours:        cfg.IsWithinTradingHours,
		Location:            cfg.Location(),
	}, logger)

	sched := scheduler.New(logger)
	sched.Add(scheduler.Job{
		Name:     "sync_broker_orders",
		Interval: config.Interval(cfg.Schedule.OrderSyncInterval, time.Minute),
		Run:      eng.SyncBrokerOrders,
	})
	sched.Add(scheduler.Job{
		Name:     "update_price_snapshots",
		Interval: config.Interval(cfg.Schedule.SnapshotInterval, 5*time.Minute),
		Run:      eng.UpdatePriceSnapshots,
	})
	sched.Add(scheduler.Job{
		Name:     "lifecycle_sync",
		Interval: config.Interval(cfg.Schedule.LifecycleInterval, 15*time.Minute),
		Run:      eng.LifecycleSync,
	})
	if cfg.Schedule.BookendOpen != "" {
		sched.AddDaily(scheduler.DailyJob{
			Name:     "bookend_market_open",
			At:       cfg.Schedule.BookendOpen,
			Location: cfg.Location(),
			Run: func(ctx context.Context) error {
				return eng.CaptureBookendSnapshot(ctx, models.SnapshotMarketOpen)
			},
		})
	}
	if cfg.Schedule.BookendClose != "" {
		sched.AddDaily(scheduler.DailyJob{
			Name:     "bookend_market_close",
			At:       cfg.Schedule.BookendClose,
			Location: cfg.Location(),
			Run: func(ctx context.Context) error {
				return eng.CaptureBookendSnapshot(ctx, models.SnapshotMarketClose)
			},
		})
	}

	server := api.NewServer(eng, store, cfg.API.Tokens,
		config.Interval(cfg.API.RequestTimeout, 30*time.Second), logger)
	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := sched.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		logger.WithField("addr", cfg.API.Addr).Info("http server listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Fatal("engine exited with error")
	}
	logger.Info("shutdown complete")
}

// brokerFactory routes paper tenants to the shared simulator and wraps every
// real provider in a circuit breaker.
func brokerFactory(paper *broker.PaperBroker, logger *logrus.Logger) broker.Factory {
	base := broker.NewFactory(paper)
	return func(creds models.BrokerCredentials) (broker.Broker, error) {
		b, err := base(creds)
		if err != nil {
			return nil, err
		}
		if creds.Provider == "" || creds.Provider == "paper" {
			return b, nil
		}
		return broker.NewCircuitBreakerBroker(b, logger), nil
	}
}
