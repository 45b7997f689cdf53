package engine

import (
	"context"
	"fmt"
	"time"

	"checkinbot/internal/state"
	logx "checkinbot/pkg/logx"
)

// Mode selects how Tick treats near-due targets.
type Mode string

const (
	// ModeFireOnce performs exactly one step per target and returns.
	ModeFireOnce Mode = "fire_once"
	// ModeWaitAndFire blocks inside the tick for targets due within the
	// horizon so send times are not quantized to the tick interval.
	ModeWaitAndFire Mode = "wait_and_fire"
)

// Driver is the engine's entry point: one Tick runs one step per
// configured target against the shared state file.
//
// Targets are stepped sequentially; at most one send is in flight at any
// moment. State is saved after every step that changed it, so a crash
// mid-tick loses at most the in-progress target's step. Steps that change
// nothing persist nothing, which keeps the state file's mtime meaningful.
//
// Stored records for targets no longer configured are left untouched.
type Driver struct {
	Store   *state.Store
	Engine  *Engine
	Targets []Target
	Mode    Mode
	Horizon time.Duration
	Log     logx.Logger
}

// Tick steps every target once. A corrupt or unreadable state file aborts
// the whole invocation with no mutation; per-target failures never do.
func (d *Driver) Tick(ctx context.Context) (Report, error) {
	started := d.Engine.now()
	rep := Report{At: started}

	m, err := d.Store.Load(ctx)
	if err != nil {
		return rep, fmt.Errorf("tick aborted: %w", err)
	}

	mode := StepMode{Horizon: d.Horizon}
	if d.Mode == ModeWaitAndFire {
		mode.Wait = true
	}

	for _, t := range d.Targets {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		res := d.Engine.Step(ctx, m.Get(t.Key), t, mode)
		rep.Results = append(rep.Results, res)
		if res.Changed {
			if err := d.Store.Save(ctx, m); err != nil {
				return rep, fmt.Errorf("save state after %s: %w", t.Key, err)
			}
		}
	}

	d.Log.Debug("tick finished",
		logx.String("summary", rep.Summary()),
		logx.Duration("took", d.Engine.now().Sub(started)))
	return rep, nil
}
