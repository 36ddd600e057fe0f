package runtime

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/oss-agent-tool/planq/runtime/plan/eventbus"
)

// Environment keys recognized by ConfigFromEnv.
const (
	EnvRetryMax         = "QUEUE_RETRY_MAX"
	EnvRetryBackoffMS   = "QUEUE_RETRY_BACKOFF_MS"
	EnvInitMaxAttempts  = "QUEUE_INIT_MAX_ATTEMPTS"
	EnvInitBackoffMS    = "QUEUE_INIT_BACKOFF_MS"
	EnvHistoryRetention = "HISTORY_RETENTION_MS"
	EnvStateDays        = "PLAN_STATE_DAYS"
	EnvContentCapture   = "CONTENT_CAPTURE_ENABLED"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultRetryMax        = 5
	DefaultInitMaxAttempts = 5
)

// Config holds the runtime tunables. The zero value plus withDefaults is a
// working development configuration.
type Config struct {
	// RetryMax is the number of retryable failures tolerated per step before
	// dead-lettering. Defaults to DefaultRetryMax.
	RetryMax int

	// RetryBackoff is the base of the exponential redelivery delay
	// (base * 2^attempt, saturating). Zero leaves the delay to the broker.
	RetryBackoff time.Duration

	// InitMaxAttempts bounds the Initialize retry loop. Defaults to
	// DefaultInitMaxAttempts.
	InitMaxAttempts int

	// InitBackoff is the base of the Initialize retry delay. Zero disables
	// the delay.
	InitBackoff time.Duration

	// HistoryRetention is how long retained subjects and event history
	// survive after the plan terminates. Defaults to the event bus default.
	HistoryRetention time.Duration

	// StateRetention purges persisted entries older than this window via the
	// background sweeper. Zero disables sweeping.
	StateRetention time.Duration

	// DisableContentCapture drops step output at write time: output is
	// neither persisted nor published. Capture is on by default.
	DisableContentCapture bool
}

// ConfigFromEnv builds a Config from the process environment. Unset keys take
// defaults; content capture defaults to enabled.
func ConfigFromEnv() (Config, error) {
	var cfg Config

	var err error
	if cfg.RetryMax, err = intEnv(EnvRetryMax, DefaultRetryMax); err != nil {
		return cfg, err
	}
	if cfg.RetryBackoff, err = msEnv(EnvRetryBackoffMS); err != nil {
		return cfg, err
	}
	if cfg.InitMaxAttempts, err = intEnv(EnvInitMaxAttempts, DefaultInitMaxAttempts); err != nil {
		return cfg, err
	}
	if cfg.InitBackoff, err = msEnv(EnvInitBackoffMS); err != nil {
		return cfg, err
	}
	if cfg.HistoryRetention, err = msEnv(EnvHistoryRetention); err != nil {
		return cfg, err
	}
	days, err := intEnv(EnvStateDays, 0)
	if err != nil {
		return cfg, err
	}
	cfg.StateRetention = time.Duration(days) * 24 * time.Hour
	if raw := os.Getenv(EnvContentCapture); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return cfg, fmt.Errorf("parse %s=%q: %w", EnvContentCapture, raw, err)
		}
		cfg.DisableContentCapture = !enabled
	}
	return cfg.withDefaults(), nil
}

// withDefaults fills zero fields with their documented defaults.
func (c Config) withDefaults() Config {
	if c.RetryMax <= 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.InitMaxAttempts < 1 {
		c.InitMaxAttempts = DefaultInitMaxAttempts
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = eventbus.DefaultRetention
	}
	return c
}

func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def, fmt.Errorf("parse %s=%q: %w", key, raw, err)
	}
	return v, nil
}

func msEnv(key string) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, nil
	}
	ms, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", key, raw, err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
