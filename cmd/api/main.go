package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	api "github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/api"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/archive"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/config"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/datasource"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/download"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/export"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/progress"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/ratelimit"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/render"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/store"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/token"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/worker"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := cfg.NewLogger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var (
		st  store.Store
		src datasource.DataSource
	)
	switch cfg.StoreDriver {
	case "memory":
		st = store.NewMemory(nil)
		src = datasource.NewStatic(nil)
		logger.Warn("exports.api.memory_store", "note", "jobs are lost on restart and the sweep runs in-process")
	default:
		pg, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		defer pg.Close()
		if err := pg.RunMigrations(ctx); err != nil {
			log.Fatalf("migrations: %v", err)
		}
		st = pg
		src = datasource.NewPostgres(pg.Pool())
	}

	var bus progress.Bus = progress.NewLocalBus()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		bus = progress.NewRedisBus(rdb)
	}
	broadcaster := progress.NewBroadcaster(bus, cfg.ExportDir, logger)

	hub := progress.NewHub(logger)
	events, unsubscribe, err := bus.Subscribe(ctx)
	if err != nil {
		log.Fatalf("subscribe progress: %v", err)
	}
	defer unsubscribe()
	go hub.Run(ctx, events)

	pipeline := export.NewPipeline(st, src, render.Default(), broadcaster, cfg.ExportDir, cfg.LivenessWindow, logger)
	s3, err := archive.NewS3(ctx, cfg)
	if err != nil {
		log.Fatalf("init archive: %v", err)
	}
	if s3 != nil {
		pipeline.WithArchive(s3)
	}

	codec := token.NewCodec(cfg.Secret())
	coordinator := export.NewCoordinator(st, src, pipeline, broadcaster, codec, export.Options{
		SyncThreshold: cfg.SyncThreshold,
		Lease:         cfg.LivenessWindow,
		TokenTTL:      cfg.TokenTTL,
		PublicBaseURL: cfg.PublicBaseURL,
	}, logger)

	limiter := ratelimit.NewWindow(st, cfg.DownloadRateLimit, cfg.DownloadRateWindow)
	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	gateway := download.NewGateway(codec, limiter, cfg.ExportDir, download.ContentTypes(cfg.DownloadExtensions), logger).
		WithTrustedProxies(proxies)

	if cfg.StoreDriver == "memory" {
		proc := worker.NewProcessor(worker.Options{
			MaxConcurrent: cfg.MaxConcurrentJobs,
			Workers:       cfg.SweepWorkers,
			Lease:         cfg.LivenessWindow,
			Retention:     cfg.RetentionWindow,
			ExportDir:     cfg.ExportDir,
			WorkerID:      "api",
		}, st, pipeline, logger)
		go func() { _ = proc.Run(ctx, cfg.SweepInterval) }()
	}

	server := api.New(coordinator, gateway, hub, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("exports.api.listening", "addr", httpServer.Addr, "store", cfg.StoreDriver, "redis", cfg.RedisAddr != "")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
