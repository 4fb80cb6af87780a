package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/export"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/lock"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/models"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/store"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/telemetry"
)

// Options bound one sweep.
type Options struct {
	// MaxConcurrent caps processing jobs holding a live lease, across all workers.
	MaxConcurrent int
	// Workers is how many claimed jobs one sweep runs at once.
	Workers int
	// Lease is the liveness window granted by a claim and by every progress write.
	Lease     time.Duration
	Retention time.Duration
	ExportDir string
	WorkerID  string
}

// Processor claims queued exports and drives them through the pipeline.
type Processor struct {
	cfg      Options
	store    store.Store
	pipeline *export.Pipeline
	locker   lock.Locker
	log      *slog.Logger
	now      func() time.Time
}

func NewProcessor(cfg Options, st store.Store, pipeline *export.Pipeline, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker"
	}
	return &Processor{
		cfg:      cfg,
		store:    st,
		pipeline: pipeline,
		log:      logger.With(slog.String("worker_id", cfg.WorkerID)),
		now:      time.Now,
	}
}

// WithLocker makes sweeps skip while another process holds the lock.
func (p *Processor) WithLocker(l lock.Locker) *Processor {
	p.locker = l
	return p
}

// Run sweeps once immediately and then on every tick until ctx is cancelled.
func (p *Processor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := p.Sweep(ctx); err != nil {
			p.log.Error("exports.sweep.failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep claims up to the free concurrency slots, runs them, then applies
// retention. Individual job failures are recorded on the job and never
// returned; only failures to read the queue or take the lock are.
func (p *Processor) Sweep(ctx context.Context) error {
	start := time.Now()
	defer func() { telemetry.SweepDuration.Observe(time.Since(start).Seconds()) }()

	if p.locker != nil {
		release, acquired, err := p.locker.TryAcquire(ctx)
		if err != nil {
			return fmt.Errorf("sweep lock: %w", err)
		}
		if !acquired {
			p.log.Debug("exports.sweep.lock_held")
			return nil
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				p.log.Warn("exports.sweep.unlock_failed", slog.String("error", err.Error()))
			}
		}()
	}

	err := p.dispatch(ctx)
	p.cleanup(ctx)
	return err
}

func (p *Processor) dispatch(ctx context.Context) error {
	active, err := p.store.CountActive(ctx)
	if err != nil {
		return fmt.Errorf("count active exports: %w", err)
	}
	telemetry.ActiveExportsGauge.Set(float64(active))

	slots := p.cfg.MaxConcurrent - active
	if slots <= 0 {
		p.log.Debug("exports.sweep.saturated", slog.Int("active", active))
		return nil
	}

	// Over-read so a job cancelled between list and claim does not waste a slot.
	queued, err := p.store.ListQueued(ctx, slots*2)
	if err != nil {
		return fmt.Errorf("list queued exports: %w", err)
	}

	type claim struct {
		job   models.Job
		owner string
	}
	var claimed []claim
	for _, job := range queued {
		if len(claimed) == slots {
			break
		}
		owner := fmt.Sprintf("%s:%s", p.cfg.WorkerID, uuid.New().String())
		ok, err := p.store.ClaimJob(ctx, job.ExportID, owner, p.cfg.Lease)
		if err != nil {
			p.log.Warn("exports.sweep.claim_failed",
				slog.String("export_id", job.ExportID),
				slog.String("error", err.Error()))
			continue
		}
		if !ok {
			continue
		}
		telemetry.ExportsClaimed.Inc()
		if err := p.store.AppendAudit(ctx, job.ExportID, "claimed", "owner="+owner); err != nil {
			p.log.Warn("exports.sweep.audit_failed", slog.String("export_id", job.ExportID), slog.String("error", err.Error()))
		}
		job.Status = models.StatusProcessing
		job.Progress = 0
		claimed = append(claimed, claim{job: job, owner: owner})
	}

	if len(claimed) == 0 {
		return nil
	}
	p.log.Info("exports.sweep.claimed",
		slog.Int("claimed", len(claimed)),
		slog.Int("active", active),
		slog.Int("queued_seen", len(queued)))

	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for _, c := range claimed {
		c := c
		g.Go(func() error {
			if _, err := p.pipeline.Execute(ctx, c.job, c.owner, export.AsyncCheckpoints); err != nil {
				p.log.Warn("exports.sweep.job_failed",
					slog.String("export_id", c.job.ExportID),
					slog.String("error", err.Error()))
			}
			return nil
		})
	}
	_ = g.Wait()
	return nil
}
