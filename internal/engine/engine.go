package engine

import (
	"context"
	"time"

	"checkinbot/internal/eventbus"
	"checkinbot/internal/plan"
	"checkinbot/internal/send"
	"checkinbot/internal/state"
	"checkinbot/internal/storage"
	logx "checkinbot/pkg/logx"
)

// Event types published on the bus. Data is a StepResult for per-target
// events and an error string for EventTickError (published by the caller
// when a whole tick aborts).
const (
	EventPlanned      = "checkin.planned"
	EventSent         = "checkin.sent"
	EventRetry        = "checkin.retry"
	EventFloodWait    = "checkin.flood_wait"
	EventExhausted    = "checkin.exhausted"
	EventWindowMissed = "checkin.window_missed"
	EventTickError    = "checkin.tick_error"
)

// Target is one resolved check-in target: who to message, what to say,
// when sends are allowed, and how failures are retried.
type Target struct {
	Key           string
	Text          string
	Window        plan.Window
	MinInterval   time.Duration
	ExpectText    string
	ExpectKeyword string
	ExpectTimeout time.Duration
	Retry         Policy
}

// StepOp says what a single engine step did for a target.
type StepOp string

const (
	OpNone         StepOp = "none"
	OpPlanned      StepOp = "planned"
	OpSent         StepOp = "sent"
	OpRetry        StepOp = "retry_scheduled"
	OpFloodWait    StepOp = "flood_wait"
	OpExhausted    StepOp = "exhausted"
	OpWindowMissed StepOp = "window_missed"
)

// StepResult is the per-target outcome of one step, reported to the caller
// for logging and to bus subscribers.
type StepResult struct {
	Target   string       `json:"target"`
	Op       StepOp       `json:"op"`
	Status   state.Status `json:"status"`
	DueAt    time.Time    `json:"due_at"`
	Attempts int          `json:"attempts"`
	Changed  bool         `json:"changed"`
	Err      string       `json:"err,omitempty"`
}

// StepMode controls the in-process wait behavior of a step.
//
// With Wait set, a pending target whose due moment is within Horizon blocks
// the step until due and then sends, so send times are not quantized to the
// tick interval. Flood waits are also served inline in this mode. Both
// kinds of wait stop early when ctx is done; the engine never mutates state
// while waiting, so an interrupted wait leaves the last-saved state valid.
type StepMode struct {
	Wait    bool
	Horizon time.Duration
}

// Engine advances one target's plan by one step. All timing flows through
// Now so tests can pin the clock; nil means the wall clock.
type Engine struct {
	Sender  send.Sender
	Log     logx.Logger
	Bus     *eventbus.Bus
	Journal storage.Journal
	Now     func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Step runs the per-target state machine once.
//
// Exactly one of these happens: nothing (waiting or terminal), a plan
// regeneration, or a send attempt with its retry/flood/exhaust accounting.
// A regeneration whose plan is already due continues into the send in the
// same step, which is how restart catch-up avoids waiting a full tick.
func (e *Engine) Step(ctx context.Context, st *state.TargetState, t Target, mode StepMode) StepResult {
	now := e.now()
	res := StepResult{Target: t.Key, Op: OpNone}

	// Day rollover or first sighting: regenerate regardless of prior status.
	day := t.Window.DayFor(now)
	if st.Plan == nil || st.Plan.Date != day {
		p := plan.Generate(plan.Input{
			Target:      t.Key,
			Window:      t.Window,
			MinInterval: t.MinInterval,
			LastSuccess: st.LastSuccessAt,
			Now:         now,
		})
		st.Plan = &p
		res.Changed = true
		if p.Status == state.StatusWindowMissed {
			res.Op = OpWindowMissed
			res.Status = p.Status
			e.Log.Warn("no feasible send time today",
				logx.String("target", t.Key),
				logx.String("day", p.Date),
				logx.String("window", t.Window.String()))
			e.publish(EventWindowMissed, res)
			e.journal(ctx, now, t.Key, res, "")
			return res
		}
		res.Op = OpPlanned
		e.Log.Info("send planned",
			logx.String("target", t.Key),
			logx.String("day", p.Date),
			logx.Time("planned_at", p.PlannedAt))
		e.publish(EventPlanned, res.withPlan(st.Plan))
	}

	pl := st.Plan
	if pl.Status != state.StatusPending {
		res.Status = pl.Status
		res.Attempts = pl.Attempts
		return res
	}

	// Waiting for the due moment.
	if now.Before(pl.DueAt) {
		wait := pl.DueAt.Sub(now)
		if !mode.Wait || mode.Horizon <= 0 || wait > mode.Horizon {
			return res.withPlan(pl)
		}
		e.Log.Debug("waiting for due moment",
			logx.String("target", t.Key),
			logx.Duration("wait", wait))
		if !sleepCtx(ctx, wait) {
			return res.withPlan(pl)
		}
		if n := e.now(); n.After(now) {
			now = n
		} else {
			now = pl.DueAt
		}
	}

	_, windowEnd, err := t.Window.BoundsFor(pl.Date, now.Location())
	if err != nil {
		res.Err = err.Error()
		return res.withPlan(pl)
	}

	// The retry budget is enforced before a send, not only after a failure,
	// so a cap lowered between ticks takes effect immediately.
	if pl.Attempts > 0 && pl.Attempts >= t.Retry.MaxRetries {
		pl.Status = state.StatusExhausted
		st.LastResult = string(state.StatusExhausted)
		res.Changed = true
		res.Op = OpExhausted
		res2 := res.withPlan(pl)
		e.Log.Warn("retry budget exhausted before send",
			logx.String("target", t.Key),
			logx.Int("attempts", pl.Attempts))
		e.publish(EventExhausted, res2)
		e.journal(ctx, now, t.Key, res2, "")
		return res2
	}

	return e.attempt(ctx, st, t, mode, now, windowEnd, res.Changed)
}

// attempt sends once and applies the retry verdict. In wait mode flood
// waits are served inline and the send repeats; everything else returns.
func (e *Engine) attempt(ctx context.Context, st *state.TargetState, t Target, mode StepMode, now time.Time, windowEnd time.Time, changed bool) StepResult {
	pl := st.Plan
	req := send.Request{
		Target:        t.Key,
		Text:          t.Text,
		ExpectText:    t.ExpectText,
		ExpectKeyword: t.ExpectKeyword,
		ExpectTimeout: t.ExpectTimeout,
	}

	for {
		if ctx.Err() != nil {
			res := StepResult{Target: t.Key, Op: OpNone, Changed: changed}
			return res.withPlan(pl)
		}

		attemptAt := now
		reply, err := e.Sender.Send(ctx, req)
		if n := e.now(); n.After(now) {
			now = n
		}
		pl.LastAttemptAt = &attemptAt
		changed = true

		if err == nil {
			sentAt := now
			pl.Status = state.StatusSent
			pl.LastError = ""
			st.LastSuccessAt = &sentAt
			st.LastResult = string(state.StatusSent)
			if reply.ReplyText != "" {
				st.LastReplyText = reply.ReplyText
				if !reply.ReplyAt.IsZero() {
					at := reply.ReplyAt
					st.LastReplyAt = &at
				}
			}
			res := StepResult{Target: t.Key, Op: OpSent, Changed: true}.withPlan(pl)
			e.Log.Info("check-in sent",
				logx.String("target", t.Key),
				logx.Int("attempts", pl.Attempts),
				logx.Bool("reply_checked", req.HasExpectation()))
			e.publish(EventSent, res)
			e.journal(ctx, attemptAt, t.Key, res, reply.ReplyText)
			return res
		}

		class := send.Classify(err)
		pl.LastError = shortErr(err)
		verdict := t.Retry.Decide(now, pl.Attempts, windowEnd, err)

		switch verdict.Kind {
		case VerdictFloodWait:
			pl.DueAt = verdict.NextAt
			st.LastResult = string(class)
			res := StepResult{Target: t.Key, Op: OpFloodWait, Changed: true, Err: pl.LastError}.withPlan(pl)
			e.Log.Warn("provider asked to wait",
				logx.String("target", t.Key),
				logx.Time("resume_at", verdict.NextAt),
				logx.Err(err))
			e.publish(EventFloodWait, res)
			e.journal(ctx, attemptAt, t.Key, res, "")
			if !mode.Wait {
				return res
			}
			if !sleepCtx(ctx, verdict.NextAt.Sub(now)) {
				return res
			}
			if n := e.now(); n.After(verdict.NextAt) {
				now = n
			} else {
				now = verdict.NextAt
			}
			continue

		case VerdictRetry:
			pl.Attempts = verdict.Attempts
			pl.DueAt = verdict.NextAt
			st.LastResult = string(class)
			res := StepResult{Target: t.Key, Op: OpRetry, Changed: true, Err: pl.LastError}.withPlan(pl)
			e.Log.Warn("send failed, retry scheduled",
				logx.String("target", t.Key),
				logx.String("class", string(class)),
				logx.Int("attempts", pl.Attempts),
				logx.Time("next_at", verdict.NextAt),
				logx.Err(err))
			e.publish(EventRetry, res)
			e.journal(ctx, attemptAt, t.Key, res, "")
			return res

		default: // VerdictExhausted
			pl.Attempts = verdict.Attempts
			pl.Status = state.StatusExhausted
			st.LastResult = string(class)
			res := StepResult{Target: t.Key, Op: OpExhausted, Changed: true, Err: pl.LastError}.withPlan(pl)
			e.Log.Warn("giving up for today",
				logx.String("target", t.Key),
				logx.String("class", string(class)),
				logx.Int("attempts", pl.Attempts),
				logx.Err(err))
			e.publish(EventExhausted, res)
			e.journal(ctx, attemptAt, t.Key, res, "")
			return res
		}
	}
}

func (r StepResult) withPlan(pl *state.Plan) StepResult {
	if pl == nil {
		return r
	}
	r.Status = pl.Status
	r.Attempts = pl.Attempts
	if pl.Status == state.StatusPending {
		r.DueAt = pl.DueAt
	}
	return r
}

func (e *Engine) publish(typ string, res StepResult) {
	if e.Bus == nil {
		return
	}
	e.Bus.Publish(eventbus.Event{Type: typ, Data: res})
}

func (e *Engine) journal(ctx context.Context, at time.Time, target string, res StepResult, replyText string) {
	if e.Journal == nil {
		return
	}
	err := e.Journal.Append(ctx, storage.Attempt{
		At:        at,
		Target:    target,
		Op:        string(res.Op),
		Status:    string(res.Status),
		Attempts:  res.Attempts,
		Error:     res.Err,
		ReplyText: replyText,
	})
	if err != nil {
		e.Log.Debug("journal append failed", logx.Err(err))
	}
}

func shortErr(err error) string {
	if err == nil {
		return ""
	}
	s := err.Error()
	if len(s) > 300 {
		s = s[:297] + "..."
	}
	return s
}

// sleepCtx sleeps for d unless ctx ends first. It reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	tmr := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !tmr.Stop() {
			<-tmr.C
		}
		return false
	case <-tmr.C:
		return true
	}
}
