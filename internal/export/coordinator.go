package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/apperr"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/datasource"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/models"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/progress"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/store"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/telemetry"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/token"
)

// Options tune the inline/deferred decision and the links handed to clients.
type Options struct {
	// SyncThreshold is the largest estimated record count run inline.
	SyncThreshold int64
	Lease         time.Duration
	TokenTTL      time.Duration
	PublicBaseURL string
}

// Coordinator is the entry point for export requests.
type Coordinator struct {
	store    store.Store
	source   datasource.DataSource
	pipeline *Pipeline
	progress Publisher
	tokens   *token.Codec
	opts     Options
	log      *slog.Logger
}

func NewCoordinator(st store.Store, src datasource.DataSource, pipeline *Pipeline, pub Publisher, tokens *token.Codec, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    st,
		source:   src,
		pipeline: pipeline,
		progress: pub,
		tokens:   tokens,
		opts:     opts,
		log:      logger,
	}
}

// Descriptor is a ready-to-use download link.
type Descriptor struct {
	URL         string    `json:"url"`
	FileName    string    `json:"file_name"`
	FileSize    int64     `json:"file_size"`
	GeneratedAt time.Time `json:"generated_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Result is the client's view of one export.
type Result struct {
	ExportID      string      `json:"export_id"`
	Status        string      `json:"status"`
	Progress      int         `json:"progress"`
	StatusMessage string      `json:"status_message"`
	ErrorMessage  string      `json:"error_message,omitempty"`
	Download      *Descriptor `json:"download,omitempty"`
	StatusURL     string      `json:"status_url"`
	ProgressURL   string      `json:"progress_url"`
	DownloadCount int         `json:"download_count"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
	Idempotent    bool        `json:"idempotent,omitempty"`
}

// Submit validates req, creates exactly one job and either runs it inline
// or leaves it queued for the sweep. An inline failure still leaves a
// failed job behind and is returned as EXPORT_FAILED.
func (c *Coordinator) Submit(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	params := req.Parameters()

	if c.deferred(ctx, params) {
		job, reused, err := c.store.CreateJob(ctx, store.CreateJobParams{
			Parameters:     params,
			IdempotencyKey: req.IdempotencyKey,
		})
		if err != nil {
			return Result{}, apperr.Internal().Wrap(fmt.Errorf("create export job: %w", err))
		}
		if reused {
			return c.describeReused(job)
		}
		telemetry.ExportsRequested.WithLabelValues("async").Inc()
		c.progress.Publish(ctx, job.ExportID, 0, models.StatusQueued, job.StatusMessage)
		c.log.Info("exports.submit.queued",
			slog.String("export_id", job.ExportID),
			slog.String("type", params.Type),
			slog.String("format", params.Format))
		return c.Describe(job)
	}

	owner := "sync:" + uuid.New().String()
	job, reused, err := c.store.CreateJob(ctx, store.CreateJobParams{
		Parameters:     params,
		IdempotencyKey: req.IdempotencyKey,
		Status:         models.StatusProcessing,
		LeaseOwner:     owner,
		Lease:          c.opts.Lease,
	})
	if err != nil {
		return Result{}, apperr.Internal().Wrap(fmt.Errorf("create export job: %w", err))
	}
	if reused {
		return c.describeReused(job)
	}
	telemetry.ExportsRequested.WithLabelValues("sync").Inc()

	result, err := c.pipeline.Execute(ctx, job, owner, SyncCheckpoints)
	if err != nil {
		failed := Result{ExportID: job.ExportID, Status: models.StatusFailed}
		if errors.Is(err, store.ErrLeaseLost) {
			// Cancelled while running; report whatever the ledger says.
			if current, getErr := c.store.GetJob(ctx, job.ExportID); getErr == nil {
				return c.Describe(current)
			}
		}
		return failed, apperr.ExportFailed().WithExport(job.ExportID).Wrap(err)
	}

	job.Status = models.StatusCompleted
	job.Progress = 100
	job.StatusMessage = "Export ready"
	job.Result = &result
	job.UpdatedAt = result.GeneratedAt
	return c.Describe(job)
}

// deferred estimates the record count. An estimate that cannot be taken
// sends the job to the queue rather than failing the request.
func (c *Coordinator) deferred(ctx context.Context, params models.Parameters) bool {
	n, err := c.source.Count(ctx, params)
	if err != nil {
		c.log.Warn("exports.submit.estimate_failed",
			slog.String("type", params.Type),
			slog.String("error", err.Error()))
		return true
	}
	return n > c.opts.SyncThreshold
}

func (c *Coordinator) describeReused(job models.Job) (Result, error) {
	res, err := c.Describe(job)
	res.Idempotent = true
	return res, err
}

// Describe renders a job for clients, minting a fresh download token when it is completed.
func (c *Coordinator) Describe(job models.Job) (Result, error) {
	base := c.opts.PublicBaseURL
	res := Result{
		ExportID:      job.ExportID,
		Status:        job.Status,
		Progress:      job.Progress,
		StatusMessage: job.StatusMessage,
		StatusURL:     base + "/exports/" + job.ExportID,
		ProgressURL:   base + "/exports/" + job.ExportID + "/progress",
		DownloadCount: job.DownloadCount,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	}
	if job.ErrorMessage != nil {
		res.ErrorMessage = *job.ErrorMessage
	}
	if job.Status != models.StatusCompleted || job.Result == nil {
		return res, nil
	}
	tok, expires, err := c.tokens.Encode(job.Result.FileName, job.ExportID, c.opts.TokenTTL)
	if err != nil {
		return res, apperr.Internal().Wrap(err)
	}
	res.Download = &Descriptor{
		URL:         base + job.Result.DownloadURL + "?token=" + url.QueryEscape(tok),
		FileName:    job.Result.FileName,
		FileSize:    job.Result.FileSize,
		GeneratedAt: job.Result.GeneratedAt,
		ExpiresAt:   expires,
	}
	return res, nil
}

// Status returns the current view of exportID.
func (c *Coordinator) Status(ctx context.Context, exportID string) (Result, error) {
	job, err := c.store.GetJob(ctx, exportID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, apperr.NotFound("export not found")
	}
	if err != nil {
		return Result{}, apperr.Internal().Wrap(err)
	}
	return c.Describe(job)
}

// Progress merges the ledger with the fallback snapshot file, whichever is fresher.
func (c *Coordinator) Progress(ctx context.Context, exportID string) (progress.Event, error) {
	job, err := c.store.GetJob(ctx, exportID)
	if errors.Is(err, store.ErrNotFound) {
		return progress.Event{}, apperr.NotFound("export not found")
	}
	if err != nil {
		return progress.Event{}, apperr.Internal().Wrap(err)
	}
	current := progress.Event{
		ExportID:  job.ExportID,
		Progress:  job.Progress,
		Status:    job.Status,
		Message:   job.StatusMessage,
		Timestamp: job.UpdatedAt,
	}
	snap, err := progress.ReadSnapshot(c.pipeline.Dir(), exportID)
	switch {
	case err == nil:
		if !models.IsSink(job.Status) {
			current = progress.Merge(current, snap)
		}
	case !errors.Is(err, os.ErrNotExist):
		c.log.Debug("exports.progress.snapshot_unreadable",
			slog.String("export_id", exportID),
			slog.String("error", err.Error()))
	}
	return current, nil
}

// Cancel marks a queued or processing export cancelled. Work already
// running is not interrupted; its terminal write is refused instead.
func (c *Coordinator) Cancel(ctx context.Context, exportID string) (Result, error) {
	err := c.store.CancelJob(ctx, exportID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return Result{}, apperr.NotFound("export not found")
	case errors.Is(err, store.ErrConflict):
		return Result{}, apperr.Conflict("export already finished")
	case err != nil:
		return Result{}, apperr.Internal().Wrap(err)
	}
	if err := c.store.AppendAudit(ctx, exportID, models.StatusCancelled, "cancel requested via API"); err != nil {
		c.log.Warn("exports.cancel.audit_failed", slog.String("export_id", exportID), slog.String("error", err.Error()))
	}
	job, err := c.store.GetJob(ctx, exportID)
	if err != nil {
		return Result{}, apperr.Internal().Wrap(err)
	}
	c.progress.Publish(ctx, exportID, job.Progress, models.StatusCancelled, job.StatusMessage)
	return c.Describe(job)
}
