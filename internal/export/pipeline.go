package export

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/datasource"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/models"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/render"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/store"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/telemetry"
)

// Publisher receives progress notifications. It never fails the caller.
type Publisher interface {
	Publish(ctx context.Context, exportID string, progress int, status, message string)
}

// Archiver keeps an off-site copy of a finished file.
type Archiver interface {
	Store(ctx context.Context, name, localPath, contentType string) (string, error)
}

// Checkpoints are the progress values reported after start, fetch and render.
// Completion always reports 100.
type Checkpoints struct {
	Started  int
	Fetched  int
	Rendered int
}

var (
	SyncCheckpoints  = Checkpoints{Started: 10, Fetched: 50, Rendered: 90}
	AsyncCheckpoints = Checkpoints{Started: 10, Fetched: 40, Rendered: 90}
)

// Pipeline runs one owned job: fetch, render to the export directory,
// then record exactly one terminal state. Inline requests and the sweep share it.
type Pipeline struct {
	store     store.Store
	source    datasource.DataSource
	renderers *render.Registry
	progress  Publisher
	archive   Archiver
	dir       string
	lease     time.Duration
	log       *slog.Logger
	now       func() time.Time
}

func NewPipeline(st store.Store, src datasource.DataSource, renderers *render.Registry, progress Publisher, dir string, lease time.Duration, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		store:     st,
		source:    src,
		renderers: renderers,
		progress:  progress,
		dir:       dir,
		lease:     lease,
		log:       logger,
		now:       time.Now,
	}
}

// WithArchive enables off-site copies of finished files.
func (p *Pipeline) WithArchive(a Archiver) *Pipeline {
	p.archive = a
	return p
}

// Dir is the managed export directory.
func (p *Pipeline) Dir() string { return p.dir }

// FileName is the on-disk name of an export's output.
func FileName(reportType, exportID, ext string) string {
	return fmt.Sprintf("%s_%s.%s", reportType, exportID, ext)
}

// Execute drives job, which owner must already hold, to completed or failed.
// A job whose lease was lost is left untouched and store.ErrLeaseLost is returned.
func (p *Pipeline) Execute(ctx context.Context, job models.Job, owner string, cp Checkpoints) (models.ResultMetadata, error) {
	result, last, err := p.produce(ctx, job, owner, cp)
	// Terminal writes must land even if the caller's context is gone.
	finishCtx := context.WithoutCancel(ctx)

	if err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			p.log.Warn("exports.pipeline.lease_lost",
				slog.String("export_id", job.ExportID),
				slog.String("owner", owner))
			return models.ResultMetadata{}, err
		}
		p.fail(finishCtx, job.ExportID, owner, last, err)
		return models.ResultMetadata{}, err
	}

	if err := p.store.MarkCompleted(finishCtx, job.ExportID, owner, result); err != nil {
		if errors.Is(err, store.ErrLeaseLost) {
			p.log.Warn("exports.pipeline.lease_lost_on_complete",
				slog.String("export_id", job.ExportID),
				slog.String("owner", owner))
			return models.ResultMetadata{}, err
		}
		err = fmt.Errorf("record completion: %w", err)
		p.fail(finishCtx, job.ExportID, owner, last, err)
		return models.ResultMetadata{}, err
	}
	telemetry.ExportsCompleted.Inc()
	p.progress.Publish(finishCtx, job.ExportID, 100, models.StatusCompleted, "Export ready")
	p.log.Info("exports.pipeline.completed",
		slog.String("export_id", job.ExportID),
		slog.String("file", result.FileName),
		slog.Int64("bytes", result.FileSize))
	return result, nil
}

func (p *Pipeline) fail(ctx context.Context, exportID, owner string, last int, cause error) {
	telemetry.ExportsFailed.Inc()
	msg := cause.Error()
	p.log.Error("exports.pipeline.failed",
		slog.String("export_id", exportID),
		slog.String("error", msg))
	if err := p.store.MarkFailed(ctx, exportID, owner, msg); err != nil {
		p.log.Error("exports.pipeline.mark_failed_error",
			slog.String("export_id", exportID),
			slog.String("error", err.Error()))
		return
	}
	p.progress.Publish(ctx, exportID, last, models.StatusFailed, msg)
}

func (p *Pipeline) produce(ctx context.Context, job models.Job, owner string, cp Checkpoints) (result models.ResultMetadata, last int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("export panicked: %v", r)
		}
	}()

	params := job.Parameters
	renderer, err := p.renderers.Get(params.Format)
	if err != nil {
		return result, last, err
	}

	if err := p.checkpoint(ctx, job.ExportID, owner, cp.Started, "Collecting report data"); err != nil {
		return result, last, err
	}
	last = cp.Started

	ds, err := p.source.Fetch(ctx, params)
	if err != nil {
		return result, last, fmt.Errorf("fetch report data: %w", err)
	}
	if err := p.checkpoint(ctx, job.ExportID, owner, cp.Fetched, fmt.Sprintf("Rendering %d records as %s", len(ds.Rows), params.Format)); err != nil {
		return result, last, err
	}
	last = cp.Fetched

	name := FileName(params.Type, job.ExportID, renderer.Extension())
	path, size, err := p.write(ctx, renderer, ds, params.Template, name)
	if err != nil {
		return result, last, fmt.Errorf("render %s: %w", params.Format, err)
	}
	if err := p.checkpoint(ctx, job.ExportID, owner, cp.Rendered, "Finalizing export"); err != nil {
		return result, last, err
	}
	last = cp.Rendered

	result = models.ResultMetadata{
		FilePath:    path,
		FileName:    name,
		FileSize:    size,
		DownloadURL: "/download/" + url.PathEscape(name),
		GeneratedAt: p.now().UTC(),
	}
	if p.archive != nil {
		uri, err := p.archive.Store(ctx, name, path, renderer.ContentType())
		if err != nil {
			p.log.Warn("exports.pipeline.archive_failed",
				slog.String("export_id", job.ExportID),
				slog.String("error", err.Error()))
		} else {
			result.ArchiveURI = uri
		}
	}
	return result, last, nil
}

func (p *Pipeline) checkpoint(ctx context.Context, exportID, owner string, pct int, msg string) error {
	if err := p.store.UpdateProgress(ctx, exportID, owner, pct, msg, p.lease); err != nil {
		return err
	}
	p.progress.Publish(ctx, exportID, pct, models.StatusProcessing, msg)
	return nil
}

// write renders into name.part and renames it into place, so a reader never
// sees a half-written export.
func (p *Pipeline) write(ctx context.Context, rd render.Renderer, ds models.Dataset, template, name string) (string, int64, error) {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create export dir: %w", err)
	}
	final := filepath.Join(p.dir, name)
	tmp := final + ".part"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	bw := bufio.NewWriterSize(f, 64<<10)
	if err := rd.Render(ctx, ds, template, bw); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", 0, err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", 0, fmt.Errorf("flush export: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", 0, fmt.Errorf("close export: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", 0, fmt.Errorf("move export into place: %w", err)
	}
	info, err := os.Stat(final)
	if err != nil {
		return "", 0, fmt.Errorf("stat export: %w", err)
	}
	abs, err := filepath.Abs(final)
	if err != nil {
		abs = final
	}
	return abs, info.Size(), nil
}
