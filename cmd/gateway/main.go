// Command gateway runs the mcpay payment-gated MCP reverse proxy.
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

	"github.com/glebarez/sqlite"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mcpay/gateway/internal/auth"
	"github.com/mcpay/gateway/internal/cache"
	"github.com/mcpay/gateway/internal/catalog"
	"github.com/mcpay/gateway/internal/config"
	"github.com/mcpay/gateway/internal/fetch"
	"github.com/mcpay/gateway/internal/ledger"
	"github.com/mcpay/gateway/internal/monitoring"
	"github.com/mcpay/gateway/internal/payments"
	"github.com/mcpay/gateway/internal/proxy"
	"github.com/mcpay/gateway/internal/ratelimit"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to YAML config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	setupLogging(*debug)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("failed to open database")
	}
	if err := catalog.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("catalog migration failed")
	}
	if err := ledger.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("ledger migration failed")
	}

	responseCache, cacheBackend := openCache(cfg)

	tracker, err := monitoring.NewTracker(monitoring.TelemetryConfig{
		Enabled: cfg.Monitoring.Enabled,
		LogPath: cfg.Monitoring.LogPath,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}

	metrics := monitoring.NewMetrics()
	store := catalog.NewStore(db)
	gw := proxy.NewGateway(cfg, proxy.Deps{
		Catalog:  store,
		Ledger:   ledger.NewStore(db),
		Resolver: auth.NewStoreResolver(store, cfg.Auth.JWTSecret, cfg.Auth.SessionCookie),
		Limiter: ratelimit.NewRegistry(ratelimit.Config{
			Capacity:     cfg.RateLimit.Capacity,
			RefillPerSec: cfg.RateLimit.RefillPerSec,
			MinDelay:     cfg.RateLimit.MinDelay,
			MaxHosts:     cfg.RateLimit.MaxHosts,
		}),
		Fetcher: fetch.NewClient(
			&http.Client{Timeout: config.DefaultUpstreamTimeout},
			fetch.Options{
				MaxRetries: cfg.Retry.MaxRetries,
				BaseDelay:  cfg.Retry.BaseDelay,
				MaxJitter:  config.DefaultRetryMaxJitter,
				OnRetry:    metrics.UpstreamRetries.Inc,
			}),
		Cache:   responseCache,
		Settler: payments.NewSettler(cfg.Facilitator.URL, cfg.Facilitator.Timeout),
		Metrics: metrics,
		Tracker: tracker,
	})

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	gw.Register(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	tracker.RecordInit(&monitoring.InitEvent{
		Timestamp:         time.Now(),
		Event:             "gateway_start",
		ServerPort:        cfg.Server.Port,
		DatabaseDriver:    cfg.Database.Driver,
		CacheBackend:      cacheBackend,
		FacilitatorURL:    cfg.Facilitator.URL,
		RateLimitCapacity: cfg.RateLimit.Capacity,
		RateLimitMinDelay: cfg.RateLimit.MinDelay.Milliseconds(),
		RetryMax:          cfg.Retry.MaxRetries,
		TelemetryPath:     cfg.Monitoring.LogPath,
	})

	log.Info().
		Int("port", cfg.Server.Port).
		Str("database", cfg.Database.Driver).
		Str("cache", cacheBackend).
		Str("facilitator", cfg.Facilitator.URL).
		Msg("gateway starting")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("shutdown incomplete")
		}
	}
}

func setupLogging(debug bool) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

// openDatabase opens the catalog/ledger database for the configured driver.
func openDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}
	switch cfg.Driver {
	case "postgres":
		return gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	default:
		return gorm.Open(sqlite.Open(cfg.DSN), gormCfg)
	}
}

// openCache returns the Redis response cache when configured and reachable,
// otherwise the in-process memory cache.
func openCache(cfg *config.Config) (cache.Store, string) {
	if cfg.Redis.Addr == "" {
		return cache.NewMemoryStore(cfg.Cache.TTL, config.DefaultCacheCleanupInterval), "memory"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).
			Msg("redis unreachable, falling back to memory cache")
		return cache.NewMemoryStore(cfg.Cache.TTL, config.DefaultCacheCleanupInterval), "memory"
	}
	return cache.NewRedisStore(client, cfg.Cache.TTL), "redis"
}
