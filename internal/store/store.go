package store

import (
	"context"
	"errors"
	"time"

	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/models"
)

var (
	// ErrNotFound is returned when no job matches the export id.
	ErrNotFound = errors.New("export job not found")
	// ErrLeaseLost is returned when a guarded write finds the job no longer
	// processing under the caller's lease.
	ErrLeaseLost = errors.New("export job lease lost")
	// ErrConflict is returned when a transition is not allowed from the current status.
	ErrConflict = errors.New("export job status conflict")
)

// Store is the export job ledger shared by the API, the sweep and the download gateway.
type Store interface {
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error)
	GetJob(ctx context.Context, exportID string) (models.Job, error)
	ListQueued(ctx context.Context, limit int) ([]models.Job, error)
	CountActive(ctx context.Context) (int, error)
	ClaimJob(ctx context.Context, exportID, owner string, lease time.Duration) (bool, error)
	UpdateProgress(ctx context.Context, exportID, owner string, progress int, message string, lease time.Duration) error
	MarkCompleted(ctx context.Context, exportID, owner string, result models.ResultMetadata) error
	MarkFailed(ctx context.Context, exportID, owner, message string) error
	CancelJob(ctx context.Context, exportID string) error
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	AppendAudit(ctx context.Context, exportID, event, detail string) error
	RecordDownload(ctx context.Context, entry models.DownloadLogEntry) error
	// RecordDownloadWithin appends entry only while the client has fewer than
	// limit entries after since; the check and the append are atomic.
	RecordDownloadWithin(ctx context.Context, entry models.DownloadLogEntry, since time.Time, limit int) (bool, error)
	CountDownloadsSince(ctx context.Context, clientIP string, since time.Time) (int, error)
	PruneDownloadsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Parameters     models.Parameters
	IdempotencyKey string
	// Status is queued for deferred runs. Synchronous runs insert the row
	// already processing under LeaseOwner so no sweep can claim it.
	Status        string
	StatusMessage string
	LeaseOwner    string
	Lease         time.Duration
}

func (p *CreateJobParams) normalize() {
	if p.Status == "" {
		p.Status = models.StatusQueued
	}
	if p.StatusMessage == "" {
		if p.Status == models.StatusQueued {
			p.StatusMessage = "Queued for background processing"
		} else {
			p.StatusMessage = "Processing started"
		}
	}
}

func clampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*Memory)(nil)
)
