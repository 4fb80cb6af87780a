package models

import (
	"time"
)

// Export job lifecycle states persisted in Postgres.
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Output formats accepted by the export API.
const (
	FormatJSON = "json"
	FormatPDF  = "pdf"
	FormatXLSX = "xlsx"
)

// IsSink reports whether status is terminal.
func IsSink(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Parameters are fixed when a job is created and never change afterwards.
type Parameters struct {
	Type     string         `json:"type"`
	Format   string         `json:"format"`
	Template string         `json:"template,omitempty"`
	Filters  map[string]any `json:"filters,omitempty"`
}

// ResultMetadata describes the file produced by a completed export.
type ResultMetadata struct {
	FilePath    string    `json:"file_path"`
	FileName    string    `json:"file_name"`
	FileSize    int64     `json:"file_size"`
	DownloadURL string    `json:"download_url"`
	ArchiveURI  string    `json:"archive_uri,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Job is one export request and its lifecycle ledger.
type Job struct {
	ExportID         string          `json:"export_id"`
	Status           string          `json:"status"`
	Progress         int             `json:"progress"`
	StatusMessage    string          `json:"status_message"`
	Parameters       Parameters      `json:"parameters"`
	Result           *ResultMetadata `json:"result_metadata,omitempty"`
	ErrorMessage     *string         `json:"error_message,omitempty"`
	IdempotencyKey   *string         `json:"idempotency_key,omitempty"`
	LeaseOwner       *string         `json:"-"`
	LeaseExpiresAt   *time.Time      `json:"-"`
	DownloadCount    int             `json:"download_count"`
	LastDownloadedAt *time.Time      `json:"last_downloaded_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// DownloadLogEntry is an append-only record of one served file.
type DownloadLogEntry struct {
	ExportID     string    `json:"export_id"`
	FileName     string    `json:"file_name"`
	FileSize     int64     `json:"file_size"`
	ClientIP     string    `json:"client_ip"`
	UserAgent    string    `json:"user_agent"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	ExportID string    `json:"export_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

// Dataset is the tabular payload handed to renderers.
type Dataset struct {
	Kind        string         `json:"kind"`
	Title       string         `json:"title"`
	Columns     []string       `json:"columns"`
	Rows        [][]any        `json:"rows"`
	Filters     map[string]any `json:"filters,omitempty"`
	GeneratedAt time.Time      `json:"generated_at"`
}
