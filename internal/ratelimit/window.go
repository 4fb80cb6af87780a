package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/models"
)

// Log is the append-only download log the window is computed from, so the
// log stays the only rate-limit state.
type Log interface {
	CountDownloadsSince(ctx context.Context, key string, since time.Time) (int, error)
	RecordDownloadWithin(ctx context.Context, entry models.DownloadLogEntry, since time.Time, limit int) (bool, error)
}

// Window is a trailing sliding-window limiter over an append-only log.
type Window struct {
	log    Log
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewWindow allows at most limit events per key within the trailing window.
func NewWindow(log Log, limit int, window time.Duration) *Window {
	return &Window{
		log:    log,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// WithClock returns a copy reading time from clock.
func (w *Window) WithClock(clock func() time.Time) *Window {
	c := *w
	c.now = clock
	return &c
}

// Allow reports whether one more event for key fits in the window.
// Returns allowed flag and the number of events already in the window.
// It records nothing and is only a cheap early rejection; Record decides.
func (w *Window) Allow(ctx context.Context, key string) (bool, int, error) {
	if w.limit <= 0 {
		return true, 0, nil
	}
	n, err := w.log.CountDownloadsSince(ctx, key, w.now().Add(-w.window))
	if err != nil {
		return false, 0, fmt.Errorf("count window: %w", err)
	}
	return n < w.limit, n, nil
}

// Record appends entry, keyed by its client IP, if the window still has room.
// The check and the append happen atomically in the log.
func (w *Window) Record(ctx context.Context, entry models.DownloadLogEntry) (bool, error) {
	now := w.now()
	if entry.DownloadedAt.IsZero() {
		entry.DownloadedAt = now.UTC()
	}
	ok, err := w.log.RecordDownloadWithin(ctx, entry, now.Add(-w.window), w.limit)
	if err != nil {
		return false, fmt.Errorf("record download: %w", err)
	}
	return ok, nil
}
