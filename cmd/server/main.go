package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"posledger/internal/alert"
	"posledger/internal/archive"
	"posledger/internal/cache"
	"posledger/internal/config"
	"posledger/internal/httpapi"
	"posledger/internal/ledger"
	"posledger/internal/metrics"
	"posledger/internal/service"
	"posledger/internal/store"
	"posledger/internal/store/memory"
	pgstore "posledger/internal/store/postgres"
	"posledger/internal/syncx"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("server stopped with error", zap.Error(err))
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 4)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close error", zap.Error(err))
			}
		}
	}()

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(startCtx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback: %w", err)
		}
		closers = append(closers, pg.Close)
		if err := pg.Migrate(startCtx); err != nil {
			return err
		}
		repo = pg
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.New(registry)

	opts := service.Options{
		Ledger: ledger.Config{
			Oversell: cfg.OversellPolicy,
			Lease:    cfg.ReservationLease(),
			Retry: syncx.RetryPolicy{
				Attempts:     cfg.LedgerRetryAttempts,
				InitialDelay: syncx.DefaultRetryPolicy().InitialDelay,
				MaxDelay:     syncx.DefaultRetryPolicy().MaxDelay,
			},
		},
		Thresholds: alert.Thresholds{LowStock: cfg.LowStockThreshold},
		Sinks:      []alert.Sink{alert.NewLogSink(logger.Named("alert"))},
		Metrics:    recorder,
		Logger:     logger,
	}

	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := client.Ping(startCtx).Err(); err != nil {
			logger.Warn("redis unavailable, balance cache and redis alerts disabled", zap.Error(err))
			_ = client.Close()
		} else {
			closers = append(closers, client.Close)
			opts.BalanceCache = cache.NewRedisBalanceCache(client, cfg.BalanceCacheTTL())
			opts.Sinks = append(opts.Sinks, alert.NewRedisSink(client, cfg.AlertRedisChannel, 500))
			logger.Info("cache: redis", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		logger.Info("cache: none")
	}

	if len(cfg.KafkaBrokers) > 0 {
		sink := alert.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaAlertTopic)
		closers = append(closers, sink.Close)
		opts.Sinks = append(opts.Sinks, sink)
		logger.Info("alerts: kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaAlertTopic))
	}

	if cfg.ImportArchiveBucket != "" {
		s3Archive, err := archive.NewS3Archive(startCtx, archive.S3Config{
			Bucket:    cfg.ImportArchiveBucket,
			Region:    cfg.ImportArchiveRegion,
			Endpoint:  cfg.ImportArchiveEndpoint,
			PathStyle: cfg.ImportArchivePathStyle,
		})
		if err != nil {
			logger.Warn("import archive unavailable, documents will not be archived", zap.Error(err))
		} else {
			opts.Archive = s3Archive
			logger.Info("import archive: s3", zap.String("bucket", cfg.ImportArchiveBucket))
		}
	}

	svc := service.Build(repo, opts)
	auth := httpapi.NewAuthManager(startCtx, cfg.AuthSecret, cfg.AccessTokenTTL(), repo, logger.Named("auth"))
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, registry, logger.Named("http"))

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("posledger listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return svc.Sweeper(cfg.SweepInterval()).Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	if cfg.Production() {
		zcfg = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	zcfg.Level = level
	return zcfg.Build()
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.Production() && cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required when APP_ENV is production")
	}
	if cfg.Production() && cfg.AllowedOrigin == "*" {
		return fmt.Errorf("ALLOWED_ORIGIN must not be a wildcard in production")
	}
	return nil
}
