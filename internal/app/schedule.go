package app

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "checkinbot/pkg/logx"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// TickConfig controls the daemon's internal tick trigger.
type TickConfig struct {
	Enabled  bool
	Spec     string
	Timezone string
}

// tickSpec is a parsed schedule: a cron expression or a fixed interval.
type tickSpec struct {
	cron  string
	every time.Duration
}

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

// parseTickSpec accepts cron expressions ("*/5 * * * *", "@every 5m",
// "@hourly"), Go durations ("5m", "1h30m"), and HH:MM intervals ("00:05").
func parseTickSpec(raw string) (tickSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return tickSpec{}, fmt.Errorf("schedule required")
	}

	// Anything with whitespace or a leading '@' is cron territory.
	if strings.ContainsAny(s, " \t") || strings.HasPrefix(s, "@") {
		if _, err := cronParser.Parse(s); err != nil {
			return tickSpec{}, fmt.Errorf("invalid cron spec %q: %w", raw, err)
		}
		return tickSpec{cron: s}, nil
	}

	if m := reHHMM.FindStringSubmatch(s); m != nil {
		hours, _ := strconv.Atoi(m[1])
		mins, _ := strconv.Atoi(m[2])
		if mins > 59 {
			return tickSpec{}, fmt.Errorf("invalid interval %q: minutes must be 00-59", raw)
		}
		d := time.Duration(hours)*time.Hour + time.Duration(mins)*time.Minute
		if d <= 0 {
			return tickSpec{}, fmt.Errorf("interval must be > 0")
		}
		return tickSpec{every: d}, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return tickSpec{}, fmt.Errorf("invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '00:05', or a duration like '5m')", raw)
	}
	if d <= 0 {
		return tickSpec{}, fmt.Errorf("interval must be > 0")
	}
	return tickSpec{every: d}, nil
}

// Ticker triggers engine ticks on a cron-or-interval schedule.
//
// Apply restarts the underlying cron when the spec or timezone changes, the
// same way a timezone change restarts a schedule service. Triggers use
// overlap skip: while one tick is still running, further triggers are
// dropped, so a slow wait-and-fire tick never runs concurrently with
// itself.
type Ticker struct {
	log logx.Logger
	run func(ctx context.Context)

	mu  sync.Mutex
	cfg TickConfig
	c   *cron.Cron
	ctx context.Context

	busy atomic.Bool
}

func NewTicker(cfg TickConfig, log logx.Logger, run func(ctx context.Context)) *Ticker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ticker{log: log, run: run, cfg: cfg}
}

func (t *Ticker) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg.Enabled
}

// Start begins triggering. ctx is the run context handed to every tick; the
// schedule itself stops via Stop or Apply, not ctx.
func (t *Ticker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ctx = ctx
	if !t.cfg.Enabled || t.c != nil {
		return nil
	}
	return t.startLocked()
}

func (t *Ticker) startLocked() error {
	spec, err := parseTickSpec(t.cfg.Spec)
	if err != nil {
		return fmt.Errorf("scheduler.spec: %w", err)
	}

	loc := time.Local
	if tz := strings.TrimSpace(t.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
		loc = l
	}

	runCtx := t.ctx
	job := cron.FuncJob(func() { t.fire(runCtx) })

	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(loc))
	if spec.cron != "" {
		if _, err := c.AddJob(spec.cron, job); err != nil {
			return err
		}
	} else {
		c.Schedule(cron.Every(spec.every), job)
	}
	c.Start()
	t.c = c
	t.log.Info("tick schedule started",
		logx.String("spec", t.cfg.Spec),
		logx.String("tz", loc.String()))
	return nil
}

func (t *Ticker) fire(ctx context.Context) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if !t.busy.CompareAndSwap(false, true) {
		t.log.Warn("previous tick still running, trigger skipped")
		return
	}
	defer t.busy.Store(false)
	t.run(ctx)
}

// Apply swaps the schedule config: restart on spec/timezone change, start
// or stop on an enabled flip. The old cron is told to stop without waiting
// for an in-flight tick; the busy flag keeps the new schedule from
// overlapping it.
func (t *Ticker) Apply(cfg TickConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.cfg
	t.cfg = cfg
	if cfg.Enabled == old.Enabled && cfg.Spec == old.Spec && cfg.Timezone == old.Timezone {
		return nil
	}

	if t.c != nil {
		t.c.Stop()
		t.c = nil
	}
	if !cfg.Enabled {
		if old.Enabled {
			t.log.Info("tick schedule disabled via config")
		}
		return nil
	}
	return t.startLocked()
}

// Stop halts triggering and waits for an in-flight tick, bounded by ctx.
func (t *Ticker) Stop(ctx context.Context) {
	t.mu.Lock()
	c := t.c
	t.c = nil
	t.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}
