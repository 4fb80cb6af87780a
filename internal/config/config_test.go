package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SYNC_THRESHOLD", "")
	t.Setenv("MAX_CONCURRENT_JOBS", "")
	cfg := Load()
	if cfg.SyncThreshold != 1000 || cfg.MaxConcurrentJobs != 3 {
		t.Fatalf("unexpected defaults: threshold=%d max=%d", cfg.SyncThreshold, cfg.MaxConcurrentJobs)
	}
	if cfg.LivenessWindow != 10*time.Minute || cfg.DownloadRateWindow != time.Hour || cfg.DownloadRateLimit != 50 {
		t.Fatalf("unexpected window defaults: %+v", cfg)
	}
	if len(cfg.DownloadExtensions) != 4 {
		t.Fatalf("unexpected extensions: %v", cfg.DownloadExtensions)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_JOBS", "5")
	t.Setenv("RETENTION_WINDOW", "24h")
	t.Setenv("DOWNLOAD_EXTENSIONS", " pdf, json ,")
	t.Setenv("ARCHIVE_S3_PATH_STYLE", "true")
	t.Setenv("PUBLIC_BASE_URL", "https://reports.example.com/")
	cfg := Load()
	if cfg.MaxConcurrentJobs != 5 || cfg.RetentionWindow != 24*time.Hour {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if len(cfg.DownloadExtensions) != 2 || cfg.DownloadExtensions[1] != "json" {
		t.Fatalf("unexpected extensions: %v", cfg.DownloadExtensions)
	}
	if !cfg.ArchiveS3PathStyle || cfg.PublicBaseURL != "https://reports.example.com" {
		t.Fatalf("unexpected s3/base url: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	cfg := Load()
	cfg.StoreDriver = "memory"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	cfg.Env = "prod"
	cfg.TokenSecret = ""
	cfg.MaxConcurrentJobs = 0
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestTrustedProxyPrefixes(t *testing.T) {
	cfg := Config{TrustedProxies: []string{"10.0.0.0/8", "192.168.1.7"}}
	prefixes, err := cfg.TrustedProxyPrefixes()
	if err != nil || len(prefixes) != 2 {
		t.Fatalf("unexpected prefixes %v err=%v", prefixes, err)
	}
	if prefixes[1].Bits() != 32 {
		t.Fatalf("bare ip should be a /32, got %s", prefixes[1])
	}

	cfg.TrustedProxies = []string{"proxy.internal"}
	if _, err := cfg.TrustedProxyPrefixes(); err == nil {
		t.Fatalf("expected error for hostname")
	}
}
