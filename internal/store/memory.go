package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/models"
)

// Memory is an in-process Store with the same transition rules as Postgres.
// It backs STORE_DRIVER=memory and the orchestration tests.
type Memory struct {
	mu        sync.Mutex
	now       func() time.Time
	seq       int64
	jobs      map[string]*memJob
	idem      map[string]string
	audits    []models.AuditLog
	downloads []models.DownloadLogEntry
}

type memJob struct {
	seq int64
	job models.Job
}

// NewMemory returns an empty store. A nil clock uses time.Now.
func NewMemory(clock func() time.Time) *Memory {
	if clock == nil {
		clock = time.Now
	}
	return &Memory{
		now:  clock,
		jobs: make(map[string]*memJob),
		idem: make(map[string]string),
	}
}

func (m *Memory) CreateJob(_ context.Context, p CreateJobParams) (models.Job, bool, error) {
	p.normalize()
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.IdempotencyKey != "" {
		if id, ok := m.idem[p.IdempotencyKey]; ok {
			if j, ok := m.jobs[id]; ok {
				return copyJob(j.job), true, nil
			}
		}
	}

	now := m.now().UTC()
	m.seq++
	job := models.Job{
		ExportID:       uuid.New().String(),
		Status:         p.Status,
		StatusMessage:  p.StatusMessage,
		Parameters:     copyParameters(p.Parameters),
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		LeaseOwner:     emptyToNil(p.LeaseOwner),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if p.Status == models.StatusProcessing {
		t := now.Add(p.Lease)
		job.LeaseExpiresAt = &t
	}
	m.jobs[job.ExportID] = &memJob{seq: m.seq, job: job}
	if p.IdempotencyKey != "" {
		m.idem[p.IdempotencyKey] = job.ExportID
	}
	m.audits = append(m.audits, models.AuditLog{
		ExportID: job.ExportID,
		Event:    "created",
		Detail:   fmt.Sprintf("type=%s format=%s status=%s", p.Parameters.Type, p.Parameters.Format, p.Status),
		Recorded: now,
	})
	return copyJob(job), false, nil
}

func (m *Memory) GetJob(_ context.Context, exportID string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[exportID]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return copyJob(j.job), nil
}

func (m *Memory) ListQueued(_ context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var queued []*memJob
	for _, j := range m.jobs {
		if j.job.Status == models.StatusQueued {
			queued = append(queued, j)
		}
	}
	sort.Slice(queued, func(a, b int) bool {
		if !queued[a].job.CreatedAt.Equal(queued[b].job.CreatedAt) {
			return queued[a].job.CreatedAt.Before(queued[b].job.CreatedAt)
		}
		return queued[a].seq < queued[b].seq
	})
	if len(queued) > limit {
		queued = queued[:limit]
	}
	out := make([]models.Job, 0, len(queued))
	for _, j := range queued {
		out = append(out, copyJob(j.job))
	}
	return out, nil
}

func (m *Memory) CountActive(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for _, j := range m.jobs {
		if j.job.Status == models.StatusProcessing && j.job.LeaseExpiresAt != nil && j.job.LeaseExpiresAt.After(now) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) ClaimJob(_ context.Context, exportID, owner string, lease time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[exportID]
	if !ok || j.job.Status != models.StatusQueued {
		return false, nil
	}
	now := m.now().UTC()
	expires := now.Add(lease)
	j.job.Status = models.StatusProcessing
	j.job.Progress = 0
	j.job.StatusMessage = "Processing started"
	j.job.LeaseOwner = &owner
	j.job.LeaseExpiresAt = &expires
	j.job.UpdatedAt = now
	return true, nil
}

// owned returns the job when it is processing under owner; callers hold mu.
func (m *Memory) owned(exportID, owner string) (*memJob, error) {
	j, ok := m.jobs[exportID]
	if !ok || j.job.Status != models.StatusProcessing || j.job.LeaseOwner == nil || *j.job.LeaseOwner != owner {
		return nil, ErrLeaseLost
	}
	return j, nil
}

func (m *Memory) UpdateProgress(_ context.Context, exportID, owner string, progress int, message string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.owned(exportID, owner)
	if err != nil {
		return err
	}
	now := m.now().UTC()
	expires := now.Add(lease)
	if p := clampProgress(progress); p > j.job.Progress {
		j.job.Progress = p
	}
	j.job.StatusMessage = message
	j.job.LeaseExpiresAt = &expires
	j.job.UpdatedAt = now
	return nil
}

func (m *Memory) MarkCompleted(_ context.Context, exportID, owner string, result models.ResultMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.owned(exportID, owner)
	if err != nil {
		return err
	}
	now := m.now().UTC()
	j.job.Status = models.StatusCompleted
	j.job.Progress = 100
	j.job.StatusMessage = "Export ready"
	j.job.Result = &result
	j.job.ErrorMessage = nil
	j.job.LeaseExpiresAt = nil
	j.job.UpdatedAt = now
	m.audits = append(m.audits, models.AuditLog{ExportID: exportID, Event: models.StatusCompleted, Detail: "owner=" + owner, Recorded: now})
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, exportID, owner, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, err := m.owned(exportID, owner)
	if err != nil {
		return err
	}
	now := m.now().UTC()
	j.job.Status = models.StatusFailed
	j.job.StatusMessage = "Export failed"
	j.job.ErrorMessage = &message
	j.job.LeaseExpiresAt = nil
	j.job.UpdatedAt = now
	m.audits = append(m.audits, models.AuditLog{ExportID: exportID, Event: models.StatusFailed, Detail: "owner=" + owner, Recorded: now})
	return nil
}

func (m *Memory) CancelJob(_ context.Context, exportID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[exportID]
	if !ok {
		return ErrNotFound
	}
	if j.job.Status != models.StatusQueued && j.job.Status != models.StatusProcessing {
		return ErrConflict
	}
	j.job.Status = models.StatusCancelled
	j.job.StatusMessage = "Cancelled by request"
	j.job.LeaseExpiresAt = nil
	j.job.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, j := range m.jobs {
		if models.IsSink(j.job.Status) && j.job.UpdatedAt.Before(cutoff) {
			delete(m.jobs, id)
			if j.job.IdempotencyKey != nil {
				delete(m.idem, *j.job.IdempotencyKey)
			}
			n++
		}
	}
	kept := m.audits[:0]
	for _, a := range m.audits {
		if _, ok := m.jobs[a.ExportID]; ok {
			kept = append(kept, a)
		}
	}
	m.audits = kept
	return n, nil
}

func (m *Memory) AppendAudit(_ context.Context, exportID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[exportID]; !ok {
		return ErrNotFound
	}
	m.audits = append(m.audits, models.AuditLog{ExportID: exportID, Event: event, Detail: detail, Recorded: m.now().UTC()})
	return nil
}

// Audits returns the audit trail recorded for exportID.
func (m *Memory) Audits(exportID string) []models.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditLog
	for _, a := range m.audits {
		if a.ExportID == exportID {
			out = append(out, a)
		}
	}
	return out
}

func (m *Memory) RecordDownload(ctx context.Context, e models.DownloadLogEntry) error {
	_, err := m.RecordDownloadWithin(ctx, e, time.Time{}, 0)
	return err
}

func (m *Memory) RecordDownloadWithin(_ context.Context, e models.DownloadLogEntry, since time.Time, limit int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit > 0 && m.countSince(e.ClientIP, since) >= limit {
		return false, nil
	}
	if e.DownloadedAt.IsZero() {
		e.DownloadedAt = m.now()
	}
	m.downloads = append(m.downloads, e)
	if j, ok := m.jobs[e.ExportID]; ok {
		at := e.DownloadedAt.UTC()
		j.job.DownloadCount++
		j.job.LastDownloadedAt = &at
	}
	return true, nil
}

func (m *Memory) CountDownloadsSince(_ context.Context, clientIP string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countSince(clientIP, since), nil
}

// countSince needs mu held.
func (m *Memory) countSince(clientIP string, since time.Time) int {
	n := 0
	for _, e := range m.downloads {
		if e.ClientIP == clientIP && e.DownloadedAt.After(since) {
			n++
		}
	}
	return n
}

func (m *Memory) PruneDownloadsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.downloads[:0]
	var n int64
	for _, e := range m.downloads {
		if e.DownloadedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.downloads = kept
	return n, nil
}

func copyJob(j models.Job) models.Job {
	if j.Result != nil {
		r := *j.Result
		j.Result = &r
	}
	if j.LeaseExpiresAt != nil {
		t := *j.LeaseExpiresAt
		j.LeaseExpiresAt = &t
	}
	if j.LastDownloadedAt != nil {
		t := *j.LastDownloadedAt
		j.LastDownloadedAt = &t
	}
	j.Parameters = copyParameters(j.Parameters)
	return j
}

func copyParameters(p models.Parameters) models.Parameters {
	if p.Filters != nil {
		p.Filters = copyValue(p.Filters).(map[string]any)
	}
	return p
}

func copyValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = copyValue(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = copyValue(e)
		}
		return out
	}
	return v
}
