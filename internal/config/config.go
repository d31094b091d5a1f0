package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the offset tracker daemon.
type Config struct {
	// CDP connection settings
	CDPAddress    string
	CDPPort       int
	EvalTimeoutMS int

	// API listener
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	// Tracked site and tab watching
	SiteFilter string
	TabPollMS  int

	// Observer timing
	DebounceMS     int
	PollIntervalMS int
	ClickDelayMS   int

	// Identity lock
	LockExpiryMS int
	LockRetryMS  int

	// Logging
	LogLevel string
	LogFile  string

	// Persistence. An empty StorePath keeps state in memory.
	StorePath  string
	JournalDir string

	// Remote session log
	SinkURL       string
	SinkTimeoutMS int

	DetectorsFile  string
	BrowserVersion string
	OffsetURL      string

	// Optional browser launch
	LaunchBrowser bool
	ProfileDir    string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:       getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:          getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		EvalTimeoutMS:    getEnvIntOrDefault("TRACKER_EVAL_TIMEOUT_MS", 5000),
		BindAddr:         getEnvOrDefault("TRACKER_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:   parseList(getEnvOrDefault("TRACKER_PORT_CANDIDATES", "127.0.0.1:8191,127.0.0.1:8192")),
		PortAutoFallback: getEnvBoolOrDefault("TRACKER_PORT_AUTO_FALLBACK", true),
		SiteFilter:       getEnvOrDefault("TRACKER_SITE_FILTER", "chatgpt.com"),
		TabPollMS:        getEnvIntOrDefault("TRACKER_TAB_POLL_MS", 2000),
		DebounceMS:       getEnvIntOrDefault("TRACKER_DEBOUNCE_MS", 300),
		PollIntervalMS:   getEnvIntOrDefault("TRACKER_POLL_INTERVAL_MS", 30000),
		ClickDelayMS:     getEnvIntOrDefault("TRACKER_CLICK_DELAY_MS", 1000),
		LockExpiryMS:     getEnvIntOrDefault("TRACKER_LOCK_EXPIRY_MS", 5000),
		LockRetryMS:      getEnvIntOrDefault("TRACKER_LOCK_RETRY_MS", 100),
		LogLevel:         strings.ToLower(getEnvOrDefault("TRACKER_LOG_LEVEL", "info")),
		LogFile:          getEnvOrDefault("TRACKER_LOG_FILE", "logs/offset_tracker.log"),
		StorePath:        getEnvOrEmpty("TRACKER_STORE_PATH", "./data/offset_tracker.db"),
		JournalDir:       getEnvOrDefault("TRACKER_JOURNAL_DIR", "./data/journal"),
		SinkURL:          os.Getenv("TRACKER_SINK_URL"),
		SinkTimeoutMS:    getEnvIntOrDefault("TRACKER_SINK_TIMEOUT_MS", 10000),
		DetectorsFile:    os.Getenv("TRACKER_DETECTORS_FILE"),
		BrowserVersion:   os.Getenv("TRACKER_BROWSER_VERSION"),
		OffsetURL:        getEnvOrDefault("TRACKER_OFFSET_URL", "https://www.pachama.com/marketplace"),
		LaunchBrowser:    getEnvBoolOrDefault("TRACKER_LAUNCH_BROWSER", false),
		ProfileDir:       getEnvOrDefault("TRACKER_PROFILE_DIR", "./data/chromium-profile"),
	}

	if cfg.EvalTimeoutMS < 1000 {
		cfg.EvalTimeoutMS = 1000
	}
	if cfg.TabPollMS < 250 {
		cfg.TabPollMS = 250
	}
	if cfg.DebounceMS < 50 {
		cfg.DebounceMS = 50
	}
	if cfg.PollIntervalMS < 1000 {
		cfg.PollIntervalMS = 1000
	}
	if cfg.ClickDelayMS < 0 {
		cfg.ClickDelayMS = 0
	}
	if cfg.LockRetryMS < 10 {
		cfg.LockRetryMS = 10
	}
	if cfg.LockExpiryMS <= cfg.LockRetryMS {
		return nil, fmt.Errorf("TRACKER_LOCK_EXPIRY_MS (%d) must exceed TRACKER_LOCK_RETRY_MS (%d)", cfg.LockExpiryMS, cfg.LockRetryMS)
	}
	return cfg, nil
}

// CDPURL returns the CDP HTTP endpoint.
func (c *Config) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

func (c *Config) EvalTimeout() time.Duration { return ms(c.EvalTimeoutMS) }

func (c *Config) TabPoll() time.Duration { return ms(c.TabPollMS) }

func (c *Config) Debounce() time.Duration { return ms(c.DebounceMS) }

func (c *Config) PollInterval() time.Duration { return ms(c.PollIntervalMS) }

func (c *Config) ClickDelay() time.Duration { return ms(c.ClickDelayMS) }

func (c *Config) LockExpiry() time.Duration { return ms(c.LockExpiryMS) }

func (c *Config) LockRetry() time.Duration { return ms(c.LockRetryMS) }

func (c *Config) SinkTimeout() time.Duration { return ms(c.SinkTimeoutMS) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvOrEmpty is getEnvOrDefault except that a variable set to "" wins
// over the default.
func getEnvOrEmpty(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(val)
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func parseList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
