package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/umairusmat/cagr-api/internal/api"
	"github.com/umairusmat/cagr-api/internal/archive"
	"github.com/umairusmat/cagr-api/internal/config"
	"github.com/umairusmat/cagr-api/internal/ratelimit"
	"github.com/umairusmat/cagr-api/internal/scheduler"
	"github.com/umairusmat/cagr-api/internal/scraper"
	"github.com/umairusmat/cagr-api/internal/store"
)

func main() {
	cfg := config.Load()

	log := newLogger(cfg.Env)
	defer func() { _ = log.Sync() }()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	var st scheduler.Store
	var dataStore api.DataStore
	if cfg.PostgresDSN != "" {
		pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatal("connect postgres", zap.Error(err))
		}
		defer pg.Close()
		if err := pg.RunMigrations(ctx); err != nil {
			log.Fatal("migrations", zap.Error(err))
		}
		st = pg
		dataStore = pg
	} else {
		log.Warn("no POSTGRES_DSN set, using in-memory store")
		mem := store.NewMemory()
		st = mem
		dataStore = mem
	}

	extractor := scraper.New(cfg.ScrapeBaseURL, cfg.ScrapeSpacing, log.Named("scraper"))

	var opts []scheduler.Option
	if cfg.ArchiveS3Bucket != "" {
		archiver, err := archive.NewS3Archiver(ctx, cfg, log.Named("archive"))
		if err != nil {
			log.Fatal("init archiver", zap.Error(err))
		}
		opts = append(opts, scheduler.WithArchiver(archiver))
	}

	orch, err := scheduler.New(cfg, st, extractor, log.Named("scheduler"), opts...)
	if err != nil {
		log.Fatal("init orchestrator", zap.Error(err))
	}
	orch.Start()
	defer orch.Stop()

	var limiter *ratelimit.TokenBucket
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		limiter = ratelimit.NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	server := api.New(cfg, orch, dataStore, limiter, log.Named("api"))
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Info("api listening", zap.String("port", cfg.HTTPPort))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func newLogger(env string) *zap.Logger {
	if env == "dev" {
		log, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		return log
	}
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return log
}
