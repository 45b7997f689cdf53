package config

import "time"

// Defaults mirror the long-standing behavior of the check-in tooling this
// daemon replaced; configs only need to state what differs.
const (
	DefaultWindow           = "09:00-23:00"
	DefaultMinIntervalHours = 24
	DefaultExpectTimeout    = 10 * time.Second
	DefaultMaxDailyRetries  = 3
	DefaultRetryBase        = 2 * time.Minute
	DefaultRetryMaxDelay    = 30 * time.Minute
	DefaultWaitHorizon      = 5 * time.Minute
	DefaultTickSpec         = "@every 5m"
	DefaultTickTimeout      = 10 * time.Minute
	DefaultStatePath        = "data/state.yaml"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Telegram  TelegramConfig  `json:"telegram"`
	Scheduler SchedulerConfig `json:"scheduler"`
	State     StateConfig     `json:"state"`

	// Storage enables the optional attempt journal. Omitted means disabled.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Alerts enables admin-chat notifications for exhausted/window-missed
	// outcomes. Omitted means disabled.
	Alerts *AlertsConfig `json:"alerts,omitempty"`

	// Defaults apply to every target that does not override the field.
	Defaults TargetDefaults `json:"defaults,omitempty"`

	Targets []TargetConfig `json:"targets"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the internal tick trigger (daemon mode only; the
// CLI invokes ticks directly).
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Spec is the tick schedule: a cron expression ("*/5 * * * *",
	// "@every 5m") or an interval ("5m", "00:05").
	Spec string `json:"spec,omitempty"`

	// Timezone is an IANA name ("Asia/Jakarta"). Empty means the system
	// local zone. It governs both the cron trigger and the send windows.
	Timezone string `json:"timezone,omitempty"`

	// TickTimeout bounds one whole tick invocation, including in-process
	// waits. Go duration string.
	TickTimeout string `json:"tick_timeout,omitempty"`

	// Mode is "fire_once" or "wait_and_fire".
	Mode string `json:"mode,omitempty"`

	// WaitHorizon is how close a due moment must be before wait_and_fire
	// blocks for it instead of deferring to the next tick. Go duration
	// string.
	WaitHorizon string `json:"wait_horizon,omitempty"`
}

type StateConfig struct {
	// Path of the persisted per-target state. Extension picks the codec:
	// .yaml/.yml is YAML, anything else JSON.
	Path string `json:"path,omitempty"`
}

// StorageConfig controls the optional attempt journal.
//
// Example:
//
//	"storage": { "driver": "file", "path": "data/attempts.jsonl" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type AlertsConfig struct {
	Enabled bool `json:"enabled"`
	// ChatID is the Telegram chat that receives alert messages.
	ChatID int64 `json:"chat_id"`
	// RatePerMin caps alert sends; bursts beyond it are dropped, not queued.
	RatePerMin int `json:"rate_per_min,omitempty"`
}

// TargetDefaults fills in target fields that individual entries leave unset.
//
// MaxDailyRetries is a pointer so an explicit 0 ("first failure is final")
// is distinguishable from omitted.
type TargetDefaults struct {
	Window           string `json:"window,omitempty"`
	MinIntervalHours int    `json:"min_interval_hours,omitempty"`
	ExpectTimeout    string `json:"expect_timeout,omitempty"` // Go duration string
	MaxDailyRetries  *int   `json:"max_daily_retries,omitempty"`
	RetryBase        string `json:"retry_base,omitempty"`      // Go duration string
	RetryMaxDelay    string `json:"retry_max_delay,omitempty"` // Go duration string
}

// TargetConfig is one tracked check-in target. Target accepts a numeric chat
// ID ("123456789", "-100123...") or a username ("@dailybot").
type TargetConfig struct {
	Target           string `json:"target"`
	Text             string `json:"text"`
	Window           string `json:"window,omitempty"`
	MinIntervalHours int    `json:"min_interval_hours,omitempty"`
	ExpectText       string `json:"expect_text,omitempty"`
	ExpectKeyword    string `json:"expect_keyword,omitempty"`
	ExpectTimeout    string `json:"expect_timeout,omitempty"` // Go duration string
	MaxDailyRetries  *int   `json:"max_daily_retries,omitempty"`
}

// StatePath returns the configured state file path or the default.
func (c *Config) StatePath() string {
	if c != nil && c.State.Path != "" {
		return c.State.Path
	}
	return DefaultStatePath
}

// WindowFor returns the effective window string for one target entry.
func (c *Config) WindowFor(t TargetConfig) string {
	if t.Window != "" {
		return t.Window
	}
	if c != nil && c.Defaults.Window != "" {
		return c.Defaults.Window
	}
	return DefaultWindow
}

// MinIntervalFor returns the effective minimum interval for one target.
func (c *Config) MinIntervalFor(t TargetConfig) time.Duration {
	hours := t.MinIntervalHours
	if hours == 0 && c != nil {
		hours = c.Defaults.MinIntervalHours
	}
	if hours == 0 {
		hours = DefaultMinIntervalHours
	}
	return time.Duration(hours) * time.Hour
}

// MaxRetriesFor returns the effective daily retry cap for one target.
func (c *Config) MaxRetriesFor(t TargetConfig) int {
	if t.MaxDailyRetries != nil {
		return *t.MaxDailyRetries
	}
	if c != nil && c.Defaults.MaxDailyRetries != nil {
		return *c.Defaults.MaxDailyRetries
	}
	return DefaultMaxDailyRetries
}
