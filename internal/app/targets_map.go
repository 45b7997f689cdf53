package app

import (
	"fmt"
	"strings"
	"time"

	"checkinbot/internal/alert"
	"checkinbot/internal/config"
	"checkinbot/internal/engine"
	"checkinbot/internal/plan"
	"checkinbot/internal/storage"
)

// runtimeConfig is everything one tick needs, resolved from the raw config.
type runtimeConfig struct {
	targets     []engine.Target
	mode        engine.Mode
	horizon     time.Duration
	tickTimeout time.Duration
	statePath   string
}

func mapRuntimeConfig(cfg *config.Config) (runtimeConfig, error) {
	rc := runtimeConfig{mode: engine.ModeFireOnce, statePath: cfg.StatePath()}

	targets, err := BuildTargets(cfg)
	if err != nil {
		return rc, err
	}
	rc.targets = targets

	switch strings.TrimSpace(cfg.Scheduler.Mode) {
	case "", config.ModeFireOnce:
		rc.mode = engine.ModeFireOnce
	case config.ModeWaitAndFire:
		rc.mode = engine.ModeWaitAndFire
	default:
		return rc, fmt.Errorf("scheduler.mode: unknown %q", cfg.Scheduler.Mode)
	}

	rc.horizon, err = config.ParseDurationOrDefault("scheduler.wait_horizon", cfg.Scheduler.WaitHorizon, config.DefaultWaitHorizon)
	if err != nil {
		return rc, err
	}
	rc.tickTimeout, err = config.ParseDurationOrDefault("scheduler.tick_timeout", cfg.Scheduler.TickTimeout, config.DefaultTickTimeout)
	if err != nil {
		return rc, err
	}
	return rc, nil
}

// BuildTargets resolves configured target entries against the defaults
// section into the engine's runtime form. Errors name the offending target
// so a rejected hot-reload tells the operator which entry to fix.
func BuildTargets(cfg *config.Config) ([]engine.Target, error) {
	if cfg == nil {
		return nil, nil
	}
	out := make([]engine.Target, 0, len(cfg.Targets))
	for _, tc := range cfg.Targets {
		name := strings.TrimSpace(tc.Target)

		w, err := plan.ParseWindow(cfg.WindowFor(tc))
		if err != nil {
			return nil, fmt.Errorf("target %q: %w", name, err)
		}

		expectTimeout, err := config.ParseDurationOrDefault(
			fmt.Sprintf("target %q: expect_timeout", name),
			firstNonEmpty(tc.ExpectTimeout, cfg.Defaults.ExpectTimeout),
			config.DefaultExpectTimeout)
		if err != nil {
			return nil, err
		}

		pol, err := retryPolicyFor(cfg, name, tc)
		if err != nil {
			return nil, err
		}

		out = append(out, engine.Target{
			Key:           name,
			Text:          tc.Text,
			Window:        w,
			MinInterval:   cfg.MinIntervalFor(tc),
			ExpectText:    tc.ExpectText,
			ExpectKeyword: tc.ExpectKeyword,
			ExpectTimeout: expectTimeout,
			Retry:         pol,
		})
	}
	return out, nil
}

func retryPolicyFor(cfg *config.Config, name string, tc config.TargetConfig) (engine.Policy, error) {
	base, err := config.ParseDurationOrDefault("defaults.retry_base", cfg.Defaults.RetryBase, config.DefaultRetryBase)
	if err != nil {
		return engine.Policy{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("defaults.retry_max_delay", cfg.Defaults.RetryMaxDelay, config.DefaultRetryMaxDelay)
	if err != nil {
		return engine.Policy{}, err
	}
	if maxDelay < base {
		return engine.Policy{}, fmt.Errorf("defaults.retry_max_delay must be >= defaults.retry_base")
	}
	return engine.Policy{
		MaxRetries: cfg.MaxRetriesFor(tc),
		Base:       base,
		MaxDelay:   maxDelay,
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// MapJournalConfig resolves the optional attempt journal section. A zero
// Config means disabled. Exported because the CLI opens the journal too.
func MapJournalConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "none":
		return storage.Config{}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapAlertConfig(cfg *config.Config) alert.Config {
	if cfg == nil || cfg.Alerts == nil {
		return alert.Config{}
	}
	return alert.Config{
		Enabled:    cfg.Alerts.Enabled,
		ChatID:     cfg.Alerts.ChatID,
		RatePerMin: cfg.Alerts.RatePerMin,
	}
}

func mapTickConfig(cfg *config.Config) (TickConfig, error) {
	tc := TickConfig{
		Enabled:  cfg.Scheduler.Enabled,
		Spec:     strings.TrimSpace(cfg.Scheduler.Spec),
		Timezone: strings.TrimSpace(cfg.Scheduler.Timezone),
	}
	if tc.Spec == "" {
		tc.Spec = config.DefaultTickSpec
	}
	if _, err := parseTickSpec(tc.Spec); err != nil {
		return tc, fmt.Errorf("scheduler.spec: %w", err)
	}
	if tc.Timezone != "" {
		if _, err := time.LoadLocation(tc.Timezone); err != nil {
			return tc, fmt.Errorf("scheduler.timezone: invalid %q: %w", tc.Timezone, err)
		}
	}
	return tc, nil
}

// ValidateConfig is the transactional reload hook: anything it rejects is
// never committed or published, so running components only ever see configs
// every mapping function accepts.
func ValidateConfig(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if _, err := mapRuntimeConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTickConfig(cfg); err != nil {
		return err
	}
	if _, err := MapJournalConfig(cfg); err != nil {
		return err
	}
	return nil
}
