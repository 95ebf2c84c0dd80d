package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"offerflow/auth"
	"offerflow/config"
	"offerflow/db"
	"offerflow/logging"
	"offerflow/metrics"
	"offerflow/migrations"
	"offerflow/notify"
	"offerflow/offer"
	"offerflow/order"
	"offerflow/profile"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "offerflow: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.Parse(nil)
	}
	return config.Load(path)
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		AppName:         cfg.App.Name,
	})
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	if cfg.Database.Migrate {
		if err := migrations.Apply(ctx, pool); err != nil {
			return err
		}
		logger.Info("migrations applied")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	engineMetrics := metrics.NewEngine(reg)

	sinks := []notify.Sink{notify.NewLogSink(logger)}
	if cfg.Notifications.Outbox {
		sinks = append(sinks, notify.NewOutboxSink(pool))
	}
	dispatcher := notify.NewDispatcher(notify.Config{
		Workers:       cfg.Notifications.Workers,
		Capacity:      cfg.Notifications.Capacity,
		RatePerSecond: cfg.Notifications.RatePerSecond,
		Burst:         cfg.Notifications.Burst,
		MaxRetries:    cfg.Notifications.MaxRetries,
	}, logger, sinks...)
	defer dispatcher.Close()

	store := offer.NewPGStore(pool, cfg.Rules.TxMaxRetries, logger)
	offers := offer.NewService(store, order.NewSpawner(),
		offer.WithLogger(logger),
		offer.WithNotifier(dispatcher),
		offer.WithMetrics(engineMetrics),
		offer.WithRules(rulesFrom(cfg.Rules)),
	)

	server := &Server{
		authService:    auth.NewService(auth.NewRepository(pool), cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		offerService:   offers,
		profileService: profile.NewService(profile.NewRepository(pool)),
		metrics:        engineMetrics.Handler(),
		logger:         logger,
	}
	httpServer := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", zap.String("addr", cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sweepExpired(gctx, offers, cfg.Expiry.SweepInterval, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

type expirer interface {
	ExpireStale(ctx context.Context) offer.Result[offer.ExpirySummary]
}

// sweepExpired runs the expiry sweep every interval until ctx ends.
func sweepExpired(ctx context.Context, svc expirer, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := svc.ExpireStale(ctx)
			if !res.Success {
				logger.Warn("expiry sweep failed", zap.String("code", string(res.Error.Code)))
				continue
			}
			if res.Data.Negotiations > 0 || len(res.Data.Offers) > 0 {
				logger.Info("expiry sweep",
					zap.Int("negotiations", res.Data.Negotiations),
					zap.Int("offers", len(res.Data.Offers)))
			}
		}
	}
}

func rulesFrom(c config.RulesConfig) offer.Rules {
	return offer.Rules{
		MaxItems:       c.MaxItems,
		MaxUnitPrice:   c.MaxUnitPrice,
		MinRetailRatio: c.MinRetailRatio,
		MaxExpiry:      time.Duration(c.MaxExpiryDays) * 24 * time.Hour,
		RiskThreshold:  c.RiskThreshold,
		ReopenWindow:   c.ReopenWindow,
	}
}
