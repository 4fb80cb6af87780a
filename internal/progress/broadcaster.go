package progress

import (
	"context"
	"log/slog"
	"time"

	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/models"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/telemetry"
)

// Broadcaster pushes progress over the bus and, when the bus cannot take
// it, writes the same event as a snapshot file that pollers read.
type Broadcaster struct {
	bus Bus
	dir string
	log *slog.Logger
	now func() time.Time
}

// NewBroadcaster builds a broadcaster. A nil bus means snapshot files only.
func NewBroadcaster(bus Bus, dir string, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{bus: bus, dir: dir, log: logger, now: time.Now}
}

// Publish never fails the caller; delivery problems are logged.
// A terminal event removes the snapshot since the ledger now answers pollers.
func (b *Broadcaster) Publish(ctx context.Context, exportID string, progress int, status, message string) {
	ev := Event{
		ExportID:  exportID,
		Progress:  progress,
		Status:    status,
		Message:   message,
		Timestamp: b.now().UTC(),
	}
	var busErr error = ErrNoSubscribers
	if b.bus != nil {
		busErr = b.bus.Publish(ctx, ev)
	}
	if models.IsSink(status) {
		if err := RemoveSnapshot(b.dir, exportID); err != nil {
			b.log.Warn("exports.progress.snapshot_remove_failed",
				slog.String("export_id", exportID),
				slog.String("error", err.Error()))
		}
		return
	}
	if busErr == nil {
		return
	}
	if b.bus != nil {
		b.log.Debug("exports.progress.bus_unavailable",
			slog.String("export_id", exportID),
			slog.String("error", busErr.Error()))
	}
	telemetry.ProgressFallbackWrites.Inc()
	if err := WriteSnapshot(b.dir, ev); err != nil {
		b.log.Warn("exports.progress.snapshot_failed",
			slog.String("export_id", exportID),
			slog.String("error", err.Error()))
	}
}
