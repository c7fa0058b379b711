package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/channel"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/sweeper"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// closer collects shutdown hooks and runs them in reverse order.
type closer []func()

func (c *closer) add(f func()) { *c = append(*c, f) }

func (c closer) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var cleanup closer
	defer cleanup.run()
	ready := map[string]httpapi.ReadyCheck{}

	store, err := openStore(ctx, cfg, logger, &cleanup, ready)
	if err != nil {
		return err
	}

	var registry geo.Registry
	var ledger geo.OfferLedger
	switch cfg.GeoBackend {
	case config.BackendRedis:
		rc := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.RedisAddr}, Password: cfg.RedisPassword})
		cleanup.add(func() { _ = rc.Close() })
		rg := geo.NewRedisGeo(rc, cfg.RedisGeoKey, cfg.OpTimeout)
		if err := rg.Ping(ctx); err != nil {
			return &models.FatalConfigError{Dependency: "redis", Err: err}
		}
		registry = rg
		ledger = geo.NewRedisLedger(rc, cfg.RedisLedgerPrefix, cfg.RideTTL+time.Minute, cfg.OpTimeout)
		ready["redis"] = rg.Ping
	default:
		registry = geo.NewIndex()
		ledger = geo.NewMemoryLedgerWithTTL(cfg.RideTTL + time.Minute)
	}

	var publisher channel.LocationPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		cleanup.add(func() { _ = kp.Close() })
		publisher = kp
	}

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, 0)
	hub := channel.NewHub(verifier, registry, publisher, logger)

	chain := &notify.Chain{Local: hub, Relay: &notify.Log{Logger: logger}}
	if cfg.AMQPURL != "" {
		relay, err := notify.DialAMQPRelay(ctx, cfg.AMQPURL, cfg.AMQPExchange, 5, logger)
		if err != nil {
			return &models.FatalConfigError{Dependency: "amqp", Err: err}
		}
		cleanup.add(func() { _ = relay.Close() })
		chain.Relay = relay
	}

	m := &matcher.Service{
		DefaultSpeedMps: cfg.DefaultSpeedMps,
		TopN:            cfg.MatcherTopN,
		StaleAfter:      cfg.StaleAfter,
		ETACache:        eta.NewCache(cfg.ETACacheTTL),
	}
	if cfg.OSRMURL != "" {
		m.ETAClient = eta.NewOSRMClient(cfg.OSRMURL)
	}

	svc := dispatch.NewService(dispatch.Deps{
		Store:    store,
		Registry: registry,
		Ledger:   ledger,
		Matcher:  m,
		Notifier: chain,
		Logger:   logger,
	}, dispatch.Config{
		RideTTL:           cfg.RideTTL,
		DistanceTolerance: cfg.DistanceTolerance,
		SearchRadiiKm:     cfg.SearchRadiiKm,
		RetryDelay:        cfg.SearchRetryDelay,
		MaxAttempts:       cfg.SearchMaxAttempts,
		Workers:           cfg.SearchWorkers,
		QueueSize:         cfg.SearchQueueSize,
	})
	sw := sweeper.New(store, registry, ledger, chain, logger, sweeper.Config{
		Interval:   cfg.SweepInterval,
		BatchSize:  cfg.SweepBatch,
		StaleAfter: cfg.StaleAfter,
	})

	api := httpapi.NewServer(httpapi.Deps{
		Dispatch:  svc,
		Registry:  registry,
		Verifier:  verifier,
		Channel:   hub,
		Publisher: publisher,
		Ready:     ready,
		Logger:    logger,
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	workCtx, cancelWork := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); svc.Run(workCtx) }()
	go func() { defer wg.Done(); sw.Run(workCtx) }()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr, "store", cfg.StoreBackend, "geo", cfg.GeoBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		cancelWork()
		wg.Wait()
		return err
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	hub.Close()
	err = srv.Shutdown(shutdownCtx)
	cancelWork()
	wg.Wait()
	return err
}

func openStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger, cleanup *closer, ready map[string]httpapi.ReadyCheck) (storage.RideStore, error) {
	switch cfg.StoreBackend {
	case config.BackendMongo:
		client, err := storage.ConnectMongo(ctx, cfg.MongoURI, 10*time.Second)
		if err != nil {
			return nil, &models.FatalConfigError{Dependency: "mongo", Err: err}
		}
		cleanup.add(func() { _ = client.Disconnect(context.Background()) })
		ms := storage.NewMongoStore(client, cfg.MongoDatabase, cfg.OpTimeout)
		if err := ms.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		ready["mongo"] = ms.Ping
		return ms, nil
	case config.BackendPostgres:
		ps, err := storage.NewPostgresStore(cfg.PGDSN, cfg.OpTimeout)
		if err != nil {
			return nil, &models.FatalConfigError{Dependency: "postgres", Err: err}
		}
		cleanup.add(func() { _ = ps.Close() })
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				return nil, err
			}
			logger.Info("migration applied", "file", "001_create_rides.sql")
		}
		ready["postgres"] = ps.Ping
		return ps, nil
	default:
		logger.Warn("using in-memory ride store; rides are lost on restart")
		return storage.NewMemoryStore(), nil
	}
}
