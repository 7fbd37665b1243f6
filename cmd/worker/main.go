package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/corpsite/cache"
	"github.com/briangreenhill/corpsite/internal/config"
	"github.com/briangreenhill/corpsite/internal/jobs"
	"github.com/briangreenhill/corpsite/internal/listing"
	"github.com/briangreenhill/corpsite/internal/worker"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("process", "jobs").Logger()
	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("worker stopped")
	}
}

func run(logger zerolog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if cfg.RedisAddr == "" {
		return errors.New("REDIS_ADDR is required")
	}

	// same cache files as cmd/site
	if err := os.MkdirAll(cfg.CacheDir, 0o700); err != nil {
		return fmt.Errorf("cache dir: %w", err)
	}
	storage, err := worker.OpenSQLite(cfg.ResponseCachePath())
	if err != nil {
		return err
	}
	defer func() { _ = storage.Close() }()

	base := cfg.ListingBaseURL()
	sw, err := worker.New(worker.Options{
		CacheName: cfg.CacheName,
		Origin:    base,
		Storage:   storage,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	if err := sw.Start(context.Background()); err != nil {
		return err
	}
	defer func() { _ = sw.Close() }()

	client := listing.NewClient(base, listing.WithHTTPClient(&http.Client{Transport: sw}))
	files, err := cache.NewFileStore(cfg.ListingCacheDir())
	if err != nil {
		return err
	}
	fresh := cache.New(files, client, cache.WithLogger(logger))

	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, asynq.Config{
		Concurrency: 4,
		Queues: map[string]int{
			jobs.QueuePrefetch: 10,
			"default":          5,
		},
		Logger: asynqLogger{logger},
	})
	mux := asynq.NewServeMux()
	mux.Handle(jobs.TaskWarmListing, &jobs.WarmListingHandler{
		Cache:   fresh,
		Worker:  sw,
		BaseURL: base,
		Logger:  logger,
	})

	logger.Info().Str("redis", cfg.RedisAddr).Str("listing_base", base).Msg("worker running")
	if err := srv.Run(mux); err != nil {
		return err
	}
	sw.Wait()
	return nil
}

// asynqLogger routes asynq's own logging through zerolog.
type asynqLogger struct{ l zerolog.Logger }

func (a asynqLogger) Debug(args ...any) { a.l.Debug().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...any)  { a.l.Info().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...any)  { a.l.Warn().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...any) { a.l.Error().Msg(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...any) { a.l.Fatal().Msg(fmt.Sprint(args...)) }
