package core

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the process-wide options the core recognises. It is written
// during initialisation and read-only thereafter.
type Config struct {
	// Worker-pool size for per-item platform fan-out.
	MaxConcurrentRegistrations int
	// Cap on per-platform retries.
	MaxRetryAttempts int
	// Backoff schedule between attempts.
	RetryBackoff []time.Duration
	// Per platform call timeout.
	PlatformCallTimeout time.Duration
	// Rate limits for snapshot writes: minimum interval and minimum items
	// completed since the last write.
	ProgressTickMinInterval time.Duration
	ProgressTickMinItems    int
	// Ephemeral lifetimes.
	SnapshotTTL     time.Duration
	CheckpointTTL   time.Duration
	ErrorContextTTL time.Duration
	// Minimum staleness before recovery considers an execution.
	RecoveryStaleThreshold time.Duration
	// How often a running execution is checked for bottleneck conditions.
	BottleneckCheckInterval time.Duration
	// Ring-buffer sizes in the progress tracker.
	ProgressHistoryPoints int
	ProgressRatePoints    int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentRegistrations: 10,
		MaxRetryAttempts:           4,
		RetryBackoff: []time.Duration{
			30 * time.Second,
			60 * time.Second,
			120 * time.Second,
			300 * time.Second,
		},
		PlatformCallTimeout:     30 * time.Second,
		ProgressTickMinInterval: 5 * time.Second,
		ProgressTickMinItems:    50,
		SnapshotTTL:             7 * 24 * time.Hour,
		CheckpointTTL:           3 * 24 * time.Hour,
		ErrorContextTTL:         7 * 24 * time.Hour,
		RecoveryStaleThreshold:  60 * time.Minute,
		BottleneckCheckInterval: 60 * time.Second,
		ProgressHistoryPoints:   100,
		ProgressRatePoints:      20,
	}
}

// LoadConfigFromEnv returns the defaults overridden by LISTFORGE_* environment
// variables. Unparseable values are ignored in favour of the default.
func LoadConfigFromEnv() *Config {
	cfg := DefaultConfig()

	if v, ok := envInt("LISTFORGE_MAX_CONCURRENT_REGISTRATIONS"); ok {
		cfg.MaxConcurrentRegistrations = v
	}
	if v, ok := envInt("LISTFORGE_MAX_RETRY_ATTEMPTS"); ok {
		cfg.MaxRetryAttempts = v
	}
	if schedule, ok := envBackoff("LISTFORGE_RETRY_BACKOFF_SECONDS"); ok {
		cfg.RetryBackoff = schedule
	}
	if v, ok := envSeconds("LISTFORGE_PLATFORM_CALL_TIMEOUT_SECONDS"); ok {
		cfg.PlatformCallTimeout = v
	}
	if v, ok := envSeconds("LISTFORGE_PROGRESS_TICK_MIN_INTERVAL_SECONDS"); ok {
		cfg.ProgressTickMinInterval = v
	}
	if v, ok := envInt("LISTFORGE_PROGRESS_TICK_MIN_ITEMS"); ok {
		cfg.ProgressTickMinItems = v
	}
	if v, ok := envDays("LISTFORGE_SNAPSHOT_TTL_DAYS"); ok {
		cfg.SnapshotTTL = v
	}
	if v, ok := envDays("LISTFORGE_CHECKPOINT_TTL_DAYS"); ok {
		cfg.CheckpointTTL = v
	}
	if v, ok := envInt("LISTFORGE_RECOVERY_STALE_THRESHOLD_MINUTES"); ok {
		cfg.RecoveryStaleThreshold = time.Duration(v) * time.Minute
	}
	if v, ok := envSeconds("LISTFORGE_BOTTLENECK_CHECK_INTERVAL_SECONDS"); ok {
		cfg.BottleneckCheckInterval = v
	}
	if v, ok := envInt("LISTFORGE_PROGRESS_HISTORY_POINTS"); ok {
		cfg.ProgressHistoryPoints = v
	}
	if v, ok := envInt("LISTFORGE_PROGRESS_RATE_POINTS"); ok {
		cfg.ProgressRatePoints = v
	}

	return cfg
}

func envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func envSeconds(name string) (time.Duration, bool) {
	v, ok := envInt(name)
	if !ok {
		return 0, false
	}
	return time.Duration(v) * time.Second, true
}

func envDays(name string) (time.Duration, bool) {
	v, ok := envInt(name)
	if !ok {
		return 0, false
	}
	return time.Duration(v) * 24 * time.Hour, true
}

// envBackoff parses a comma-separated list of seconds, e.g. "30,60,120,300".
func envBackoff(name string) ([]time.Duration, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return nil, false
	}
	var schedule []time.Duration
	for _, part := range strings.Split(raw, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || v <= 0 {
			return nil, false
		}
		schedule = append(schedule, time.Duration(v)*time.Second)
	}
	return schedule, len(schedule) > 0
}
