package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ExportsRequested       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "exports_requested_total", Help: "Export requests accepted, by execution mode"}, []string{"mode"})
	ExportsCompleted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "exports_completed_total", Help: "Exports that produced a file"})
	ExportsFailed          = prometheus.NewCounter(prometheus.CounterOpts{Name: "exports_failed_total", Help: "Exports marked failed"})
	ExportsClaimed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "exports_claimed_total", Help: "Queued exports claimed by a sweep"})
	ActiveExportsGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "exports_active", Help: "Processing exports holding a live lease at the last sweep"})
	SweepDuration          = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "export_sweep_duration_seconds", Help: "Wall time of one queue sweep", Buckets: prometheus.DefBuckets})
	CleanupRemoved         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "export_cleanup_removed_total", Help: "Items removed by retention"}, []string{"kind"})
	Downloads              = prometheus.NewCounter(prometheus.CounterOpts{Name: "downloads_total", Help: "Files streamed to clients"})
	DownloadRejects        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "download_rejects_total", Help: "Download attempts refused, by reason"}, []string{"reason"})
	ProgressFallbackWrites = prometheus.NewCounter(prometheus.CounterOpts{Name: "progress_fallback_writes_total", Help: "Progress events written to snapshot files"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ExportsRequested,
			ExportsCompleted,
			ExportsFailed,
			ExportsClaimed,
			ActiveExportsGauge,
			SweepDuration,
			CleanupRemoved,
			Downloads,
			DownloadRejects,
			ProgressFallbackWrites,
		)
	})
	return promhttp.Handler()
}
