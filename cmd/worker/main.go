package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"

	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/archive"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/config"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/datasource"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/export"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/lock"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/progress"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/render"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/store"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/telemetry"
	workerproc "github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/worker"
)

func main() {
	cfg := config.Load()

	once := flag.Bool("once", false, "run a single sweep and exit")
	interval := flag.Duration("interval", cfg.SweepInterval, "time between sweeps")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.StoreDriver != "postgres" {
		log.Fatalf("worker needs STORE_DRIVER=postgres; the memory store sweeps inside the api process")
	}
	logger := cfg.NewLogger()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	// Generate a unique worker ID from hostname or env var
	workerID := cfg.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	var (
		bus    progress.Bus
		locker lock.Locker
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		bus = progress.NewRedisBus(rdb)
		locker = lock.NewRedis(rdb, "exports:sweep:lock", cfg.SweepLockTTL)
	}
	// Without Redis nobody in this process listens, so progress goes to snapshot files.
	broadcaster := progress.NewBroadcaster(bus, cfg.ExportDir, logger)

	pipeline := export.NewPipeline(st, datasource.NewPostgres(st.Pool()), render.Default(), broadcaster, cfg.ExportDir, cfg.LivenessWindow, logger)
	s3, err := archive.NewS3(ctx, cfg)
	if err != nil {
		log.Fatalf("init archive: %v", err)
	}
	if s3 != nil {
		pipeline.WithArchive(s3)
	}

	processor := workerproc.NewProcessor(workerproc.Options{
		MaxConcurrent: cfg.MaxConcurrentJobs,
		Workers:       cfg.SweepWorkers,
		Lease:         cfg.LivenessWindow,
		Retention:     cfg.RetentionWindow,
		ExportDir:     cfg.ExportDir,
		WorkerID:      workerID,
	}, st, pipeline, logger)
	if locker != nil {
		processor.WithLocker(locker)
	}

	if *once {
		if err := processor.Sweep(ctx); err != nil {
			logger.Error("exports.sweep.failed", "error", err.Error())
			st.Close()
			os.Exit(1)
		}
		return
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	logger.Info("exports.worker.started",
		"worker_id", workerID,
		"interval", interval.String(),
		"max_concurrent", cfg.MaxConcurrentJobs,
		"liveness", cfg.LivenessWindow.String())
	if err := processor.Run(ctx, *interval); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("worker stopped: %v", err)
	}
}
