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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/groviaus/jewellery-software-app/internal/cache"
	"github.com/groviaus/jewellery-software-app/internal/config"
	"github.com/groviaus/jewellery-software-app/internal/events"
	"github.com/groviaus/jewellery-software-app/internal/httpapi"
	"github.com/groviaus/jewellery-software-app/internal/obs"
	"github.com/groviaus/jewellery-software-app/internal/service"
	"github.com/groviaus/jewellery-software-app/internal/store"
	"github.com/groviaus/jewellery-software-app/internal/store/memory"
	pgstore "github.com/groviaus/jewellery-software-app/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid security configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shutdownTracer, err := obs.InitTracer(ctx, obs.TracingConfig{
		ServiceName:   "jewelpos",
		Endpoint:      cfg.OTLPEndpoint,
		SamplingRatio: cfg.SamplingRatio,
		Environment:   cfg.AppEnv,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("tracer init")
	}

	var repo store.Repository
	closers := make([]func() error, 0, 3)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, pgstore.Options{
			MaxOpenConns: cfg.DBMaxOpenConns,
			MaxIdleConns: cfg.DBMaxIdleConns,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		if cfg.MigrateOnStart {
			if err := pg.Migrate(); err != nil {
				logger.Fatal().Err(err).Msg("migrations")
			}
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info().Msg("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info().Msg("repository: in-memory")
	}

	probes := map[string]httpapi.Pinger{}
	settingsCache := cache.SettingsCache(cache.NoopSettingsCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisSettingsCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.InstrumentTracing(); err != nil {
			logger.Error().Err(err).Msg("instrument redis tracing")
		}
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, using noop settings cache")
			_ = redisCache.Close()
		} else {
			settingsCache = redisCache
			probes["redis"] = redisCache
			closers = append(closers, redisCache.Close)
			logger.Info().Msg("settings cache: redis")
		}
	} else {
		logger.Info().Msg("settings cache: noop")
	}

	publisher := events.Publisher(events.NoopPublisher{})
	if cfg.KafkaBrokers != "" {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaInvoiceTopic)
		publisher = kp
		closers = append(closers, kp.Close)
		logger.Info().Str("topic", cfg.KafkaInvoiceTopic).Msg("events: kafka")
	} else {
		logger.Info().Msg("events: noop")
	}

	svc := service.New(repo, service.Options{
		Settings:        settingsCache,
		SettingsTTL:     cfg.SettingsCacheTTL,
		Publisher:       publisher,
		Metrics:         obs.NewCheckoutMetrics(cfg.MetricsNamespace, prometheus.DefaultRegisterer),
		Logger:          logger,
		DiscountPolicy:  cfg.DiscountPolicy,
		CheckoutTimeout: cfg.CheckoutTimeout,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AuthIssuer)
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
		Metrics:        obs.NewHTTPMetrics(cfg.MetricsNamespace, prometheus.DefaultRegisterer),
		Gatherer:       prometheus.DefaultGatherer,
		Probes:         probes,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Address()).Msg("jewellery POS backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Error().Err(err).Msg("close error")
		}
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracer shutdown error")
	}

	logger.Info().Msg("server stopped")
}

func validateSecurityConfig(cfg *config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.IsProduction() && cfg.AuthIssuer == "" {
		return fmt.Errorf("AUTH_ISSUER must be set in production")
	}
	return nil
}
