package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/models"
)

const jobColumns = `export_id, status, progress, status_message, parameters, result_metadata, error_message,
	idempotency_key, lease_owner, lease_expires_at, download_count, last_downloaded_at, created_at, updated_at`

// Postgres wraps pgxpool for export job persistence.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool, now: time.Now}, nil
}

// Pool exposes the shared pool so report queries reuse the same connections.
func (s *Postgres) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJob inserts a job row, honoring idempotency if provided.
// It returns the job, and a boolean indicating if an existing job was reused via idempotency.
func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	p.normalize()

	paramsJSON, err := json.Marshal(p.Parameters)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal parameters: %w", err)
	}

	if p.IdempotencyKey != "" {
		if existing, found, err := s.findByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Job{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	id := uuid.New().String()
	now := s.now().UTC()
	var leaseExpires *time.Time
	if p.Status == models.StatusProcessing {
		t := now.Add(p.Lease)
		leaseExpires = &t
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO export_jobs (export_id, status, progress, status_message, parameters, idempotency_key,
			lease_owner, lease_expires_at, created_at, updated_at)
		VALUES ($1, $2, 0, $3, $4, $5, $6, $7, $8, $8)
	`, id, p.Status, p.StatusMessage, paramsJSON, emptyToNil(p.IdempotencyKey), emptyToNil(p.LeaseOwner), leaseExpires, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && p.IdempotencyKey != "" {
			// Someone else claimed the key after our initial check; return existing job.
			if err := tx.Rollback(ctx); err != nil {
				return models.Job{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			existing, found, err := s.findByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return models.Job{}, false, err
			}
			if !found {
				return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
			}
			return existing, true, nil
		}
		return models.Job{}, false, fmt.Errorf("insert export job: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO export_events (export_id, event, detail, ts) VALUES ($1, 'created', $2, $3)
	`, id, fmt.Sprintf("type=%s format=%s status=%s", p.Parameters.Type, p.Parameters.Format, p.Status), now); err != nil {
		return models.Job{}, false, fmt.Errorf("insert created event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ExportID:       id,
		Status:         p.Status,
		StatusMessage:  p.StatusMessage,
		Parameters:     p.Parameters,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		LeaseOwner:     emptyToNil(p.LeaseOwner),
		LeaseExpiresAt: leaseExpires,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, false, nil
}

func (s *Postgres) findByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM export_jobs WHERE idempotency_key = $1`, key)
	job, err := scanJob(row)
	if errors.Is(err, ErrNotFound) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// GetJob fetches a job by export id.
func (s *Postgres) GetJob(ctx context.Context, exportID string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM export_jobs WHERE export_id = $1`, exportID)
	return scanJob(row)
}

// ListQueued returns queued jobs oldest first; seq breaks created_at ties in insertion order.
func (s *Postgres) ListQueued(ctx context.Context, limit int) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM export_jobs
		WHERE status = $1
		ORDER BY created_at ASC, seq ASC
		LIMIT $2
	`, models.StatusQueued, limit)
	if err != nil {
		return nil, fmt.Errorf("query queued jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queued jobs: %w", err)
	}
	return out, nil
}

// CountActive counts processing jobs whose lease has not expired.
func (s *Postgres) CountActive(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM export_jobs WHERE status = $1 AND lease_expires_at > $2
	`, models.StatusProcessing, s.now().UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return n, nil
}

// ClaimJob moves a queued job to processing under owner's lease in a single
// conditional update. It returns false when the job is no longer queued.
func (s *Postgres) ClaimJob(ctx context.Context, exportID, owner string, lease time.Duration) (bool, error) {
	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE export_jobs
		SET status = $2, progress = 0, status_message = $3, lease_owner = $4, lease_expires_at = $5, updated_at = $6
		WHERE export_id = $1 AND status = $7
	`, exportID, models.StatusProcessing, "Processing started", owner, now.Add(lease), now, models.StatusQueued)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateProgress raises progress and renews the lease. Progress never moves backwards.
func (s *Postgres) UpdateProgress(ctx context.Context, exportID, owner string, progress int, message string, lease time.Duration) error {
	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE export_jobs
		SET progress = GREATEST(progress, $3), status_message = $4, lease_expires_at = $5, updated_at = $6
		WHERE export_id = $1 AND lease_owner = $2 AND status = $7
	`, exportID, owner, clampProgress(progress), message, now.Add(lease), now, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

// MarkCompleted transitions an owned job to completed with its result metadata.
func (s *Postgres) MarkCompleted(ctx context.Context, exportID, owner string, result models.ResultMetadata) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result metadata: %w", err)
	}
	return s.finish(ctx, exportID, owner, `
		UPDATE export_jobs
		SET status = $3, progress = 100, status_message = 'Export ready', result_metadata = $4,
			error_message = NULL, lease_expires_at = NULL, updated_at = $5
		WHERE export_id = $1 AND lease_owner = $2 AND status = $6
	`, models.StatusCompleted, resultJSON)
}

// MarkFailed transitions an owned job to failed with message.
func (s *Postgres) MarkFailed(ctx context.Context, exportID, owner, message string) error {
	return s.finish(ctx, exportID, owner, `
		UPDATE export_jobs
		SET status = $3, status_message = 'Export failed', error_message = $4,
			lease_expires_at = NULL, updated_at = $5
		WHERE export_id = $1 AND lease_owner = $2 AND status = $6
	`, models.StatusFailed, message)
}

func (s *Postgres) finish(ctx context.Context, exportID, owner, sql, status string, detail any) error {
	now := s.now().UTC()
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, sql, exportID, owner, status, detail, now, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark %s: %w", status, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO export_events (export_id, event, detail, ts) VALUES ($1, $2, $3, $4)
	`, exportID, status, "owner="+owner, now); err != nil {
		return fmt.Errorf("insert %s event: %w", status, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// CancelJob marks a queued or processing job cancelled.
func (s *Postgres) CancelJob(ctx context.Context, exportID string) error {
	now := s.now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE export_jobs
		SET status = $2, status_message = 'Cancelled by request', lease_expires_at = NULL, updated_at = $3
		WHERE export_id = $1 AND status IN ($4, $5)
	`, exportID, models.StatusCancelled, now, models.StatusQueued, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetJob(ctx, exportID); err != nil {
		return err
	}
	return ErrConflict
}

// DeleteFinishedBefore removes sink-state jobs last updated before cutoff.
func (s *Postgres) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM export_jobs WHERE status IN ($1, $2, $3) AND updated_at < $4
	`, models.StatusCompleted, models.StatusFailed, models.StatusCancelled, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete finished jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AppendAudit adds an audit row.
func (s *Postgres) AppendAudit(ctx context.Context, exportID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO export_events (export_id, event, detail, ts)
		VALUES ($1, $2, $3, $4)
	`, exportID, event, detail, s.now().UTC())
	return err
}

// RecordDownload appends a download log row and bumps the job's counters in one transaction.
func (s *Postgres) RecordDownload(ctx context.Context, e models.DownloadLogEntry) error {
	_, err := s.RecordDownloadWithin(ctx, e, time.Time{}, 0)
	return err
}

// RecordDownloadWithin appends e only if the client has fewer than limit rows
// after since. A per-client advisory lock serializes the count and the insert,
// so concurrent requests cannot all pass at limit-1. limit <= 0 disables the check.
func (s *Postgres) RecordDownloadWithin(ctx context.Context, e models.DownloadLogEntry, since time.Time, limit int) (bool, error) {
	if e.DownloadedAt.IsZero() {
		e.DownloadedAt = s.now()
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if limit > 0 {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('download_log:' || $1))`, e.ClientIP); err != nil {
			return false, fmt.Errorf("lock client window: %w", err)
		}
		var n int
		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM download_log WHERE client_ip = $1 AND downloaded_at > $2
		`, e.ClientIP, since.UTC()).Scan(&n); err != nil {
			return false, fmt.Errorf("count downloads: %w", err)
		}
		if n >= limit {
			return false, nil
		}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO download_log (export_id, file_name, file_size, client_ip, user_agent, downloaded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ExportID, e.FileName, e.FileSize, e.ClientIP, e.UserAgent, e.DownloadedAt.UTC()); err != nil {
		return false, fmt.Errorf("insert download log: %w", err)
	}
	// The job row may already be gone to retention; the log entry still counts.
	if _, err := tx.Exec(ctx, `
		UPDATE export_jobs SET download_count = download_count + 1, last_downloaded_at = $2
		WHERE export_id = $1
	`, e.ExportID, e.DownloadedAt.UTC()); err != nil {
		return false, fmt.Errorf("bump download count: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// CountDownloadsSince counts log rows for clientIP strictly after since.
func (s *Postgres) CountDownloadsSince(ctx context.Context, clientIP string, since time.Time) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM download_log WHERE client_ip = $1 AND downloaded_at > $2
	`, clientIP, since.UTC()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count downloads: %w", err)
	}
	return n, nil
}

// PruneDownloadsBefore deletes log rows older than cutoff.
func (s *Postgres) PruneDownloadsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM download_log WHERE downloaded_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune download log: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var paramsJSON, resultJSON []byte
	var errMsg, idem, owner pgtype.Text
	var leaseExpires, lastDownload pgtype.Timestamptz

	if err := row.Scan(&job.ExportID, &job.Status, &job.Progress, &job.StatusMessage, &paramsJSON, &resultJSON,
		&errMsg, &idem, &owner, &leaseExpires, &job.DownloadCount, &lastDownload, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("scan export job: %w", err)
	}

	if err := json.Unmarshal(paramsJSON, &job.Parameters); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal parameters: %w", err)
	}
	if len(resultJSON) > 0 {
		var result models.ResultMetadata
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal result metadata: %w", err)
		}
		job.Result = &result
	}
	job.ErrorMessage = textPtr(errMsg)
	job.IdempotencyKey = textPtr(idem)
	job.LeaseOwner = textPtr(owner)
	job.LeaseExpiresAt = timePtr(leaseExpires)
	job.LastDownloadedAt = timePtr(lastDownload)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
