package config

import (
	"fmt"
	"strings"
	"time"
)

// SchedulerModes lists the accepted scheduler.mode values.
const (
	ModeFireOnce    = "fire_once"
	ModeWaitAndFire = "wait_and_fire"
)

// ParseDurationField parses an optional duration string. Empty means zero;
// negatives are rejected. path names the field in errors so validation
// failures point at the config entry to fix.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for an
// absent or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks everything that doesn't need the send window or durations
// parsed; those are verified when targets are resolved, so a bad value is
// still caught before the config is committed. Errors name the offending
// target entry.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}

	switch strings.TrimSpace(c.Scheduler.Mode) {
	case "", ModeFireOnce, ModeWaitAndFire:
	default:
		return fmt.Errorf("scheduler.mode: unknown %q (use %s or %s)", c.Scheduler.Mode, ModeFireOnce, ModeWaitAndFire)
	}

	if c.Defaults.MinIntervalHours < 0 {
		return fmt.Errorf("defaults.min_interval_hours must be >= 0")
	}
	if c.Defaults.MaxDailyRetries != nil && *c.Defaults.MaxDailyRetries < 0 {
		return fmt.Errorf("defaults.max_daily_retries must be >= 0")
	}

	if c.Alerts != nil && c.Alerts.Enabled && c.Alerts.ChatID == 0 {
		return fmt.Errorf("alerts.chat_id is required when alerts are enabled")
	}

	seen := make(map[string]struct{}, len(c.Targets))
	for i, t := range c.Targets {
		name := strings.TrimSpace(t.Target)
		if name == "" {
			return fmt.Errorf("targets[%d]: target is required", i)
		}
		if strings.TrimSpace(t.Text) == "" {
			return fmt.Errorf("target %q: text is required", name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("target %q: duplicate entry", name)
		}
		seen[name] = struct{}{}
		if t.MinIntervalHours < 0 {
			return fmt.Errorf("target %q: min_interval_hours must be >= 0", name)
		}
		if t.MaxDailyRetries != nil && *t.MaxDailyRetries < 0 {
			return fmt.Errorf("target %q: max_daily_retries must be >= 0", name)
		}
	}
	return nil
}
