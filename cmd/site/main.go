// cmd/site/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	scs "github.com/alexedwards/scs/v2"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/briangreenhill/corpsite/cache"
	"github.com/briangreenhill/corpsite/internal/auth"
	"github.com/briangreenhill/corpsite/internal/config"
	"github.com/briangreenhill/corpsite/internal/http/routes"
	"github.com/briangreenhill/corpsite/internal/jobs"
	"github.com/briangreenhill/corpsite/internal/listing"
	"github.com/briangreenhill/corpsite/internal/metrics"
	"github.com/briangreenhill/corpsite/internal/posts"
	"github.com/briangreenhill/corpsite/internal/prefetch"
	"github.com/briangreenhill/corpsite/internal/worker"
	"github.com/briangreenhill/corpsite/web"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("site stopped")
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Content
	var store posts.Store
	if cfg.LocalContent() {
		if cfg.DatabaseURL != "" {
			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("db: %w", err)
			}
			defer pool.Close()
			pg := posts.NewPGStore(pool)
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			store = pg
		} else {
			logger.Warn().Msg("DATABASE_URL not set, serving sample news from memory")
			store = posts.NewSampleStore()
		}
	}

	// Response cache worker
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
	if err := sw.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sw.Close() }()

	// Local freshness cache
	client := listing.NewClient(base, listing.WithHTTPClient(&http.Client{Transport: sw}))
	files, err := cache.NewFileStore(cfg.ListingCacheDir())
	if err != nil {
		return err
	}
	fresh := cache.New(files, client, cache.WithLogger(logger))

	// Prefetch
	idle := prefetch.NewIdleTracker(cfg.PrefetchIdleTimeout)
	var sched prefetch.Scheduler = idle
	if cfg.PrefetchIdleTimeout == 0 {
		sched = prefetch.AfterScheduler{Delay: cfg.PrefetchFallbackDelay}
	}
	ctrl := prefetch.New(prefetch.Options{
		Cache:     fresh,
		Worker:    sw,
		Scheduler: sched,
		BaseURL:   base,
		Logger:    logger,
	})

	// Jobs
	var enq jobs.Enqueuer
	if cfg.RedisAddr != "" {
		ac := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
		defer func() {
			if err := ac.Close(); err != nil {
				logger.Error().Err(err).Msg("close asynq client")
			}
		}()
		enq = ac
	}

	var proxy http.Handler
	if !cfg.LocalContent() && cfg.SameOriginAPI {
		target, err := url.Parse(cfg.ContentAPIURL)
		if err != nil {
			return fmt.Errorf("content api url: %w", err)
		}
		proxy = routes.NewAPIProxy(target, http.DefaultTransport, logger)
	}

	// Sessions
	sess := scs.New()
	sess.Lifetime = cfg.SessionLifetime
	sess.Cookie.HttpOnly = true
	sess.Cookie.SameSite = http.SameSiteLaxMode
	sess.Cookie.Secure = cfg.CookieSecure

	tmpl, err := web.Templates()
	if err != nil {
		return fmt.Errorf("templates: %w", err)
	}

	admin := auth.NewAdmin(cfg.AdminPasswordHash)
	if !admin.Enabled() {
		logger.Warn().Msg("ADMIN_PASSWORD_HASH not set, admin sign-in disabled")
	}

	reg := metrics.NewRegistry(metrics.Sources{
		Cache:    fresh,
		Worker:   sw,
		Prefetch: ctrl,
		InFlight: idle.InFlight,
	})

	s := routes.New(routes.ServerOptions{
		Sess:     sess,
		Tmpl:     tmpl,
		Posts:    store,
		Client:   client,
		Cache:    fresh,
		Worker:   sw,
		Prefetch: ctrl,
		Idle:     idle,
		Admin:    admin,
		Jobs:     enq,
		APIProxy: proxy,
		Metrics:  metrics.Handler(reg),
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown")
		}
	}()

	logger.Info().
		Str("port", cfg.Port).
		Str("listing_base", base).
		Str("cache", sw.CacheName()).
		Bool("local_content", cfg.LocalContent()).
		Msg("starting site")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	ctrl.Wait()
	fresh.Wait()
	return nil
}
