package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/telemetry"
)

// cleanup applies the retention window to job rows, the download log and
// the files in the export directory. Errors are logged and never returned.
func (p *Processor) cleanup(ctx context.Context) {
	if p.cfg.Retention <= 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	cutoff := p.now().Add(-p.cfg.Retention)

	if n, err := p.store.DeleteFinishedBefore(ctx, cutoff); err != nil {
		p.log.Error("exports.cleanup.jobs_failed", slog.String("error", err.Error()))
	} else if n > 0 {
		telemetry.CleanupRemoved.WithLabelValues("job").Add(float64(n))
		p.log.Info("exports.cleanup.jobs_removed", slog.Int64("count", n))
	}

	if n, err := p.store.PruneDownloadsBefore(ctx, cutoff); err != nil {
		p.log.Error("exports.cleanup.downloads_failed", slog.String("error", err.Error()))
	} else if n > 0 {
		telemetry.CleanupRemoved.WithLabelValues("download_log").Add(float64(n))
	}

	if p.cfg.ExportDir == "" {
		return
	}
	entries, err := os.ReadDir(p.cfg.ExportDir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			p.log.Error("exports.cleanup.read_dir_failed", slog.String("error", err.Error()))
		}
		return
	}
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(p.cfg.ExportDir, e.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.log.Warn("exports.cleanup.remove_failed",
				slog.String("file", e.Name()),
				slog.String("error", err.Error()))
			continue
		}
		removed++
	}
	if removed > 0 {
		telemetry.CleanupRemoved.WithLabelValues("file").Add(float64(removed))
		p.log.Info("exports.cleanup.files_removed", slog.Int("count", removed))
	}
}
