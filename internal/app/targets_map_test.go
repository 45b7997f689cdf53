package app

import (
	"strings"
	"testing"
	"time"

	"checkinbot/internal/config"
	"checkinbot/internal/engine"
)

func intPtr(n int) *int { return &n }

func baseConfig() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{Token: "123:abc"},
		Targets: []config.TargetConfig{
			{Target: "@dailybot", Text: "/checkin"},
		},
	}
}

func TestBuildTargetsDefaults(t *testing.T) {
	t.Parallel()
	targets, err := BuildTargets(baseConfig())
	if err != nil {
		t.Fatalf("BuildTargets: %v", err)
	}
	if len(targets) != 1 {
		t.Fatalf("targets = %d, want 1", len(targets))
	}
	tg := targets[0]
	if tg.Key != "@dailybot" || tg.Text != "/checkin" {
		t.Fatalf("target = %+v", tg)
	}
	if got := tg.Window.String(); got != config.DefaultWindow {
		t.Errorf("window = %s, want %s", got, config.DefaultWindow)
	}
	if tg.MinInterval != 24*time.Hour {
		t.Errorf("min interval = %v, want 24h", tg.MinInterval)
	}
	if tg.ExpectTimeout != config.DefaultExpectTimeout {
		t.Errorf("expect timeout = %v", tg.ExpectTimeout)
	}
	if tg.Retry.MaxRetries != config.DefaultMaxDailyRetries {
		t.Errorf("max retries = %d", tg.Retry.MaxRetries)
	}
	if tg.Retry.Base != config.DefaultRetryBase {
		t.Errorf("retry base = %v", tg.Retry.Base)
	}
}

func TestBuildTargetsOverrides(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Defaults = config.TargetDefaults{
		Window:           "10:00-12:00",
		MinIntervalHours: 12,
		ExpectTimeout:    "30s",
		RetryBase:        "1m",
		RetryMaxDelay:    "5m",
	}
	cfg.Targets = []config.TargetConfig{
		{Target: "@a", Text: "hi"},
		{
			Target:           "77",
			Text:             "yo",
			Window:           "22:00-02:00",
			MinIntervalHours: 48,
			ExpectTimeout:    "5s",
			MaxDailyRetries:  intPtr(0),
		},
	}

	targets, err := BuildTargets(cfg)
	if err != nil {
		t.Fatalf("BuildTargets: %v", err)
	}

	a := targets[0]
	if a.Window.String() != "10:00-12:00" || a.MinInterval != 12*time.Hour || a.ExpectTimeout != 30*time.Second {
		t.Errorf("defaults not applied: %+v", a)
	}
	if a.Retry.Base != time.Minute || a.Retry.MaxDelay != 5*time.Minute {
		t.Errorf("retry policy = %+v", a.Retry)
	}

	b := targets[1]
	if !b.Window.CrossesMidnight() {
		t.Errorf("override window lost: %s", b.Window)
	}
	if b.MinInterval != 48*time.Hour || b.ExpectTimeout != 5*time.Second {
		t.Errorf("overrides not applied: %+v", b)
	}
	if b.Retry.MaxRetries != 0 {
		t.Errorf("explicit zero retries lost: %d", b.Retry.MaxRetries)
	}
}

func TestBuildTargetsErrorsNameTarget(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		mut  func(*config.Config)
		want string
	}{
		{"bad window", func(c *config.Config) { c.Targets[0].Window = "9-23" }, `target "@dailybot"`},
		{"bad expect timeout", func(c *config.Config) { c.Targets[0].ExpectTimeout = "soon" }, `target "@dailybot"`},
		{"bad default window", func(c *config.Config) { c.Defaults.Window = "25:00-26:00" }, `target "@dailybot"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig()
			tc.mut(cfg)
			_, err := BuildTargets(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestMapRuntimeConfig(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Scheduler.Mode = config.ModeWaitAndFire
	cfg.Scheduler.WaitHorizon = "2m"
	cfg.Scheduler.TickTimeout = "30s"
	cfg.State.Path = "custom/state.json"

	rc, err := mapRuntimeConfig(cfg)
	if err != nil {
		t.Fatalf("mapRuntimeConfig: %v", err)
	}
	if rc.mode != engine.ModeWaitAndFire {
		t.Errorf("mode = %s", rc.mode)
	}
	if rc.horizon != 2*time.Minute || rc.tickTimeout != 30*time.Second {
		t.Errorf("horizon = %v timeout = %v", rc.horizon, rc.tickTimeout)
	}
	if rc.statePath != "custom/state.json" {
		t.Errorf("state path = %s", rc.statePath)
	}

	rc, err = mapRuntimeConfig(baseConfig())
	if err != nil {
		t.Fatalf("mapRuntimeConfig defaults: %v", err)
	}
	if rc.mode != engine.ModeFireOnce || rc.horizon != config.DefaultWaitHorizon {
		t.Errorf("defaults: mode = %s horizon = %v", rc.mode, rc.horizon)
	}
	if rc.statePath != config.DefaultStatePath {
		t.Errorf("default state path = %s", rc.statePath)
	}
}

func TestMapJournalConfig(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	if jc, err := MapJournalConfig(cfg); err != nil || jc.Driver != "" {
		t.Fatalf("nil storage: jc = %+v err = %v", jc, err)
	}

	cfg.Storage = &config.StorageConfig{Driver: "file", Path: "data/attempts.jsonl"}
	jc, err := MapJournalConfig(cfg)
	if err != nil || jc.Driver != "file" || jc.Path != "data/attempts.jsonl" {
		t.Fatalf("file: jc = %+v err = %v", jc, err)
	}

	cfg.Storage = &config.StorageConfig{Driver: "sqlite", Path: "data/attempts.db", BusyTimeout: "3s"}
	jc, err = MapJournalConfig(cfg)
	if err != nil || jc.Driver != "sqlite" || jc.BusyTimeout != 3*time.Second {
		t.Fatalf("sqlite: jc = %+v err = %v", jc, err)
	}

	cfg.Storage = &config.StorageConfig{Driver: "sqlite"}
	if _, err := MapJournalConfig(cfg); err == nil {
		t.Fatal("missing path accepted")
	}

	cfg.Storage = &config.StorageConfig{Driver: "leveldb", Path: "x"}
	if _, err := MapJournalConfig(cfg); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestValidateConfigRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Scheduler.Enabled = true
	cfg.Scheduler.Spec = "not a schedule at all ***"
	if err := ValidateConfig(cfg); err == nil {
		t.Fatal("invalid cron spec accepted")
	}

	cfg.Scheduler.Spec = "@every 5m"
	cfg.Scheduler.Timezone = "Mars/Olympus"
	if err := ValidateConfig(cfg); err == nil {
		t.Fatal("invalid timezone accepted")
	}

	cfg.Scheduler.Timezone = "Asia/Jakarta"
	if err := ValidateConfig(cfg); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}
