package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CDPURL() != "http://127.0.0.1:9220" {
		t.Fatalf("CDPURL() = %q", cfg.CDPURL())
	}
	if cfg.SiteFilter != "chatgpt.com" {
		t.Fatalf("SiteFilter = %q", cfg.SiteFilter)
	}
	if cfg.StorePath == "" {
		t.Fatal("StorePath should default to a file")
	}
	if cfg.Debounce() != 300*time.Millisecond || cfg.PollInterval() != 30*time.Second || cfg.ClickDelay() != time.Second {
		t.Fatalf("observer timing = %s/%s/%s", cfg.Debounce(), cfg.PollInterval(), cfg.ClickDelay())
	}
	if cfg.LockExpiry() != 5*time.Second || cfg.LockRetry() != 100*time.Millisecond {
		t.Fatalf("lock timing = %s/%s", cfg.LockExpiry(), cfg.LockRetry())
	}
	if want := []string{"127.0.0.1:8191", "127.0.0.1:8192"}; !reflect.DeepEqual(cfg.PortCandidates, want) {
		t.Fatalf("PortCandidates = %v; want %v", cfg.PortCandidates, want)
	}
}

func TestLoadOverridesAndClamps(t *testing.T) {
	t.Setenv("CHROMIUM_CDP_PORT", "9333")
	t.Setenv("TRACKER_SITE_FILTER", "chat.openai.com")
	t.Setenv("TRACKER_EVAL_TIMEOUT_MS", "10")
	t.Setenv("TRACKER_DEBOUNCE_MS", "1")
	t.Setenv("TRACKER_PORT_CANDIDATES", " 127.0.0.1:9001 ,,127.0.0.1:9002")
	t.Setenv("TRACKER_LAUNCH_BROWSER", "true")
	t.Setenv("TRACKER_LOG_LEVEL", "DEBUG")
	t.Setenv("TRACKER_TAB_POLL_MS", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CDPPort != 9333 || cfg.SiteFilter != "chat.openai.com" || !cfg.LaunchBrowser {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.EvalTimeoutMS != 1000 {
		t.Fatalf("EvalTimeoutMS = %d; want clamped to 1000", cfg.EvalTimeoutMS)
	}
	if cfg.DebounceMS != 50 {
		t.Fatalf("DebounceMS = %d; want clamped to 50", cfg.DebounceMS)
	}
	if cfg.TabPollMS != 2000 {
		t.Fatalf("TabPollMS = %d; want default for unparsable value", cfg.TabPollMS)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q; want lowercased", cfg.LogLevel)
	}
	if want := []string{"127.0.0.1:9001", "127.0.0.1:9002"}; !reflect.DeepEqual(cfg.PortCandidates, want) {
		t.Fatalf("PortCandidates = %v; want %v", cfg.PortCandidates, want)
	}
}

func TestLoadEmptyStorePathMeansMemory(t *testing.T) {
	t.Setenv("TRACKER_STORE_PATH", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StorePath != "" {
		t.Fatalf("StorePath = %q; want empty", cfg.StorePath)
	}
}

func TestLoadRejectsLockExpiryBelowRetry(t *testing.T) {
	t.Setenv("TRACKER_LOCK_EXPIRY_MS", "50")
	t.Setenv("TRACKER_LOCK_RETRY_MS", "100")
	if _, err := Load(); err == nil {
		t.Fatal("Load() = nil error; want lock timing error")
	}
}
