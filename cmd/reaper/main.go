// reaper runs the expiry sweep and the retention purge on an interval.
// Configure via DATABASE_URL or REDIS_ADDR, REAPER_INTERVAL, and
// RETENTION_DAYS.
package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tokenkin/tokenkin/config"
	"github.com/tokenkin/tokenkin/reaper"
	"github.com/tokenkin/tokenkin/store"
	"github.com/tokenkin/tokenkin/store/postgres"
	redisstore "github.com/tokenkin/tokenkin/store/redis"
	"github.com/tokenkin/tokenkin/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := zerolog.New(os.Stderr)
		l.Fatal().Err(err).Msg("config")
	}
	logger := newLogger(cfg.Env, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		logger.Info().Msg("shutting down")
		cancel()
	}()

	providers, err := telemetry.New(ctx, cfg.OTLPEndpoint, "tokenkin-reaper", cfg.OTLPInsecure)
	if err != nil {
		logger.Fatal().Err(err).Msg("telemetry")
	}
	providers.SetGlobal()
	defer func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = providers.Shutdown(shutdownCtx)
	}()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("store")
	}
	defer closeStore()

	r := reaper.New(reaper.Config{
		Interval:  cfg.SweepInterval(),
		Retention: cfg.Retention(),
	}, st, logger, nil)

	logger.Info().
		Dur("interval", cfg.SweepInterval()).
		Dur("retention", cfg.Retention()).
		Msg("reaper started")

	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("reaper stopped")
	}
	logger.Info().Msg("reaper stopped")
}

func newLogger(env, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var out io.Writer = os.Stderr
	if env == "development" {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Str("component", "reaper").Logger()
}

func openStore(ctx context.Context, cfg *config.Config) (store.Repository, func(), error) {
	if cfg.DatabaseURL != "" {
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return postgres.New(db), func() { _ = db.Close() }, nil
	}
	if cfg.RedisAddr != "" {
		s, err := redisstore.Open(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	return nil, nil, errors.New("set DATABASE_URL or REDIS_ADDR")
}
