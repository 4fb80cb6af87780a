package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/models"
	"github.com/ceciliodaher/importaco-sistema-etl-dis-sub000/internal/store"
)

func TestWindowBoundaryAndSlide(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	log := store.NewMemory(clock)
	limiter := NewWindow(log, 50, time.Hour).WithClock(clock)

	for i := 1; i <= 50; i++ {
		allowed, _, err := limiter.Allow(ctx, "203.0.113.7")
		if err != nil || !allowed {
			t.Fatalf("download %d should be allowed got allowed=%v err=%v", i, allowed, err)
		}
		if err := log.RecordDownload(ctx, models.DownloadLogEntry{ExportID: "x", ClientIP: "203.0.113.7", DownloadedAt: now}); err != nil {
			t.Fatalf("record: %v", err)
		}
		now = now.Add(time.Second)
	}

	allowed, n, _ := limiter.Allow(ctx, "203.0.113.7")
	if allowed || n != 50 {
		t.Fatalf("expected 51st rejected with 50 in window, got allowed=%v n=%d", allowed, n)
	}

	allowed, _, _ = limiter.Allow(ctx, "198.51.100.1")
	if !allowed {
		t.Fatalf("other clients must not share the window")
	}

	// first entry was at 09:00:00; one hour later it slides out.
	now = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	allowed, n, _ = limiter.Allow(ctx, "203.0.113.7")
	if !allowed || n != 49 {
		t.Fatalf("expected slot after slide, got allowed=%v n=%d", allowed, n)
	}
}

func TestRecordIsAtomicAtTheCeiling(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	log := store.NewMemory(clock)
	limiter := NewWindow(log, 50, time.Hour).WithClock(clock)

	for i := 0; i < 49; i++ {
		if err := log.RecordDownload(ctx, models.DownloadLogEntry{ExportID: "x", ClientIP: "203.0.113.7", DownloadedAt: now}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	var wg sync.WaitGroup
	var recorded atomic.Int32
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := limiter.Record(ctx, models.DownloadLogEntry{ExportID: "x", ClientIP: "203.0.113.7"})
			if err != nil {
				t.Errorf("record: %v", err)
				return
			}
			if ok {
				recorded.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := recorded.Load(); got != 1 {
		t.Fatalf("expected exactly one download past 49, got %d", got)
	}
	n, err := log.CountDownloadsSince(ctx, "203.0.113.7", now.Add(-time.Hour))
	if err != nil || n != 50 {
		t.Fatalf("expected 50 log rows, got %d err=%v", n, err)
	}
}
