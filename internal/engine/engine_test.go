package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"checkinbot/internal/plan"
	"checkinbot/internal/send"
	"checkinbot/internal/state"
	"checkinbot/internal/storage"
	logx "checkinbot/pkg/logx"
)

// fakeSender scripts one outcome per call; when the script runs out every
// further call succeeds.
type fakeSender struct {
	mu   sync.Mutex
	got  []send.Request
	errs []error
	res  send.Result
}

func (f *fakeSender) Send(_ context.Context, req send.Request) (send.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return send.Result{}, err
		}
	}
	return f.res, nil
}

func (f *fakeSender) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []storage.Attempt
}

func (j *fakeJournal) Append(_ context.Context, a storage.Attempt) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, a)
	return nil
}

func (j *fakeJournal) Recent(context.Context, string, int) ([]storage.Attempt, error) {
	return nil, nil
}

func (j *fakeJournal) Close() error { return nil }

func (j *fakeJournal) snapshot() []storage.Attempt {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]storage.Attempt(nil), j.entries...)
}

func mustWindow(t *testing.T, s string) plan.Window {
	t.Helper()
	w, err := plan.ParseWindow(s)
	if err != nil {
		t.Fatalf("parse window %q: %v", s, err)
	}
	return w
}

func stepTarget(t *testing.T, window string, p Policy) Target {
	t.Helper()
	return Target{
		Key:    "@daily",
		Text:   "/checkin",
		Window: mustWindow(t, window),
		Retry:  p,
	}
}

func newStepEngine(s send.Sender, clock *fakeClock) *Engine {
	return &Engine{Sender: s, Log: logx.Nop(), Now: clock.Now}
}

func pendingState(date string, due time.Time) *state.TargetState {
	return &state.TargetState{
		Target: "@daily",
		Plan: &state.Plan{
			Date:      date,
			PlannedAt: due,
			DueAt:     due,
			Status:    state.StatusPending,
		},
	}
}

func TestStepGeneratesPlanWhenAbsent(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)}
	f := &fakeSender{}
	e := newStepEngine(f, clock)
	tg := stepTarget(t, "09:00-18:00", testPolicy(3))
	st := &state.TargetState{Target: tg.Key}

	res := e.Step(context.Background(), st, tg, StepMode{})
	if res.Op != OpPlanned {
		t.Fatalf("op = %v, want planned", res.Op)
	}
	if !res.Changed {
		t.Fatal("plan generation must mark the state changed")
	}
	if res.Status != state.StatusPending {
		t.Fatalf("status = %v, want pending", res.Status)
	}
	if st.Plan == nil || st.Plan.Date != "2025-03-10" {
		t.Fatalf("plan = %+v, want a plan for 2025-03-10", st.Plan)
	}
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC)
	if st.Plan.PlannedAt.Before(start) || st.Plan.PlannedAt.After(end) {
		t.Fatalf("planned_at %v outside window [%v, %v]", st.Plan.PlannedAt, start, end)
	}
	if !res.DueAt.Equal(st.Plan.DueAt) {
		t.Fatalf("result due %v != plan due %v", res.DueAt, st.Plan.DueAt)
	}
	if f.calls() != 0 {
		t.Fatalf("sender called %d times before the due moment", f.calls())
	}
}

func TestStepSendsWhenDue(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: now}
	f := &fakeSender{res: send.Result{ReplyText: "done", ReplyAt: now}}
	j := &fakeJournal{}
	e := newStepEngine(f, clock)
	e.Journal = j
	tg := stepTarget(t, "09:00-18:00", testPolicy(3))
	st := pendingState("2025-03-10", now.Add(-30*time.Minute))

	res := e.Step(context.Background(), st, tg, StepMode{})
	if res.Op != OpSent || !res.Changed {
		t.Fatalf("result = %+v, want a changed sent op", res)
	}
	if st.Plan.Status != state.StatusSent {
		t.Fatalf("plan status = %v, want sent", st.Plan.Status)
	}
	if st.LastSuccessAt == nil || !st.LastSuccessAt.Equal(now) {
		t.Fatalf("last success = %v, want %v", st.LastSuccessAt, now)
	}
	if st.LastReplyText != "done" || st.LastReplyAt == nil {
		t.Fatalf("reply not recorded: text=%q at=%v", st.LastReplyText, st.LastReplyAt)
	}
	if st.LastResult != string(state.StatusSent) {
		t.Fatalf("last result = %q, want sent", st.LastResult)
	}
	entries := j.snapshot()
	if len(entries) != 1 || entries[0].Op != string(OpSent) || entries[0].ReplyText != "done" {
		t.Fatalf("journal = %+v, want one sent entry with the reply", entries)
	}
	if f.calls() != 1 {
		t.Fatalf("sender calls = %d, want 1", f.calls())
	}
}

func TestStepWaitsBeforeDue(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	due := now.Add(30 * time.Minute)
	clock := &fakeClock{t: now}
	f := &fakeSender{}
	e := newStepEngine(f, clock)
	tg := stepTarget(t, "09:00-18:00", testPolicy(3))
	st := pendingState("2025-03-10", due)

	res := e.Step(context.Background(), st, tg, StepMode{})
	if res.Op != OpNone || res.Changed {
		t.Fatalf("result = %+v, want an unchanged none op", res)
	}
	if !res.DueAt.Equal(due) {
		t.Fatalf("due = %v, want %v", res.DueAt, due)
	}
	if f.calls() != 0 {
		t.Fatalf("sender calls = %d, want 0", f.calls())
	}
}

func TestStepWaitAndFireWithinHorizon(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	due := now.Add(30 * time.Millisecond)
	clock := &fakeClock{t: now}
	f := &fakeSender{}
	e := newStepEngine(f, clock)
	tg := stepTarget(t, "09:00-18:00", testPolicy(3))
	st := pendingState("2025-03-10", due)

	res := e.Step(context.Background(), st, tg, StepMode{Wait: true, Horizon: 5 * time.Minute})
	if res.Op != OpSent {
		t.Fatalf("op = %v, want sent after the inline wait", res.Op)
	}
	if st.Plan.LastAttemptAt == nil || !st.Plan.LastAttemptAt.Equal(due) {
		t.Fatalf("attempt at %v, want exactly the due moment %v", st.Plan.LastAttemptAt, due)
	}
}

func TestStepWaitAndFireBeyondHorizon(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: now}
	f := &fakeSender{}
	e := newStepEngine(f, clock)
	tg := stepTarget(t, "09:00-18:00", testPolicy(3))
	st := pendingState("2025-03-10", now.Add(10*time.Minute))

	res := e.Step(context.Background(), st, tg, StepMode{Wait: true, Horizon: 5 * time.Minute})
	if res.Op != OpNone || f.calls() != 0 {
		t.Fatalf("op = %v calls = %d, want none/0 for a due moment past the horizon", res.Op, f.calls())
	}
}

func TestStepSchedulesRetryOnFailure(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: now}
	f := &fakeSender{errs: []error{errors.New("connection reset")}}
	e := newStepEngine(f, clock)
	tg := stepTarget(t, "09:00-18:00", testPolicy(3))
	st := pendingState("2025-03-10", now)

	res := e.Step(context.Background(), st, tg, StepMode{})
	if res.Op != OpRetry || !res.Changed {
		t.Fatalf("result = %+v, want a changed retry op", res)
	}
	if st.Plan.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", st.Plan.Attempts)
	}
	if st.Plan.Status != state.StatusPending {
		t.Fatalf("status = %v, want still pending", st.Plan.Status)
	}
	// Backoff is 2m with +/-20% jitter.
	delay := st.Plan.DueAt.Sub(now)
	if delay < 96*time.Second || delay > 144*time.Second {
		t.Fatalf("retry delay %v outside [96s, 144s]", delay)
	}
	if st.Plan.LastError == "" || res.Err == "" {
		t.Fatal("failure must be recorded on the plan and the result")
	}
	if st.LastResult != string(send.ClassSendError) {
		t.Fatalf("last result = %q, want send_error", st.LastResult)
	}
}

func TestStepExhaustsAfterFinalAttempt(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: now}
	f := &fakeSender{errs: []error{errors.New("still broken")}}
	j := &fakeJournal{}
	e := newStepEngine(f, clock)
	e.Journal = j
	tg := stepTarget(t, "09:00-18:00", testPolicy(3))
	st := pendingState("2025-03-10", now)
	st.Plan.Attempts = 2

	res := e.Step(context.Background(), st, tg, StepMode{})
	if res.Op != OpExhausted {
		t.Fatalf("op = %v, want exhausted", res.Op)
	}
	if st.Plan.Status != state.StatusExhausted || st.Plan.Attempts != 3 {
		t.Fatalf("plan = %+v, want exhausted with 3 attempts", st.Plan)
	}

	// The day is over for this target: later ticks must not send again.
	res = e.Step(context.Background(), st, tg, StepMode{})
	if res.Op != OpNone || res.Changed {
		t.Fatalf("result after exhaustion = %+v, want an unchanged none op", res)
	}
	if f.calls() != 1 {
		t.Fatalf("sender calls = %d, want 1 (no send after exhaustion)", f.calls())
	}
}

func TestStepEnforcesCapBeforeSend(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: now}
	f := &fakeSender{}
	e := newStepEngine(f, clock)
	// The cap was lowered below the attempts already spent.
	tg := stepTarget(t, "09:00-18:00", testPolicy(3))
	st := pendingState("2025-03-10", now)
	st.Plan.Attempts = 3

	res := e.Step(context.Background(), st, tg, StepMode{})
	if res.Op != OpExhausted || !res.Changed {
		t.Fatalf("result = %+v, want a changed exhausted op", res)
	}
	if f.calls() != 0 {
		t.Fatalf("sender calls = %d, want 0 (budget checked before sending)", f.calls())
	}
}

func TestStepFloodWaitDefersWithoutSpendingBudget(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: now}
	f := &fakeSender{errs: []error{send.FloodWait(errors.New("too many requests"), 2*time.Minute)}}
	e := newStepEngine(f, clock)
	tg := stepTarget(t, "09:00-18:00", testPolicy(3))
	st := pendingState("2025-03-10", now)

	res := e.Step(context.Background(), st, tg, StepMode{})
	if res.Op != OpFloodWait {
		t.Fatalf("op = %v, want flood_wait", res.Op)
	}
	if st.Plan.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0 (flood waits spend no budget)", st.Plan.Attempts)
	}
	if want := now.Add(2 * time.Minute); !st.Plan.DueAt.Equal(want) {
		t.Fatalf("due = %v, want %v", st.Plan.DueAt, want)
	}
	if st.Plan.Status != state.StatusPending {
		t.Fatalf("status = %v, want still pending", st.Plan.Status)
	}

	// Before the resume moment nothing happens.
	res = e.Step(context.Background(), st, tg, StepMode{})
	if res.Op != OpNone || f.calls() != 1 {
		t.Fatalf("op = %v calls = %d, want none/1 before resume", res.Op, f.calls())
	}

	// At the resume moment the send goes out, still attempt budget intact.
	clock.Set(now.Add(2 * time.Minute))
	res = e.Step(context.Background(), st, tg, StepMode{})
	if res.Op != OpSent || res.Attempts != 0 {
		t.Fatalf("result = %+v, want sent with 0 attempts", res)
	}
	if f.calls() != 2 {
		t.Fatalf("sender calls = %d, want 2", f.calls())
	}
}

func TestStepFloodWaitInlineResume(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: now}
	f := &fakeSender{errs: []error{send.FloodWait(errors.New("slow down"), time.Second)}}
	e := newStepEngine(f, clock)
	tg := stepTarget(t, "09:00-18:00", testPolicy(3))
	st := pendingState("2025-03-10", now)

	res := e.Step(context.Background(), st, tg, StepMode{Wait: true, Horizon: 5 * time.Minute})
	if res.Op != OpSent {
		t.Fatalf("op = %v, want sent after serving the flood wait inline", res.Op)
	}
	if res.Attempts != 0 {
		t.Fatalf("attempts = %d, want 0", res.Attempts)
	}
	if f.calls() != 2 {
		t.Fatalf("sender calls = %d, want 2 (retry after the wait)", f.calls())
	}
}

func TestStepFloodWaitInlineStopsOnContext(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: now}
	f := &fakeSender{errs: []error{send.FloodWait(errors.New("slow down"), 5*time.Second)}}
	e := newStepEngine(f, clock)
	tg := stepTarget(t, "09:00-18:00", testPolicy(3))
	st := pendingState("2025-03-10", now)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res := e.Step(ctx, st, tg, StepMode{Wait: true, Horizon: 5 * time.Minute})
	if res.Op != OpFloodWait {
		t.Fatalf("op = %v, want flood_wait when the wait is interrupted", res.Op)
	}
	if st.Plan.Status != state.StatusPending {
		t.Fatalf("status = %v, want pending so the next tick resumes", st.Plan.Status)
	}
	if f.calls() != 1 {
		t.Fatalf("sender calls = %d, want 1", f.calls())
	}
}

func TestStepWindowMissedWhenMinIntervalBlocksDay(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	lastSuccess := time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)
	clock := &fakeClock{t: now}
	f := &fakeSender{}
	j := &fakeJournal{}
	e := newStepEngine(f, clock)
	e.Journal = j
	tg := stepTarget(t, "09:00-10:00", testPolicy(3))
	tg.MinInterval = 24 * time.Hour
	st := &state.TargetState{Target: tg.Key, LastSuccessAt: &lastSuccess}

	res := e.Step(context.Background(), st, tg, StepMode{})
	if res.Op != OpWindowMissed || !res.Changed {
		t.Fatalf("result = %+v, want a changed window_missed op", res)
	}
	if st.Plan.Status != state.StatusWindowMissed {
		t.Fatalf("status = %v, want window_missed", st.Plan.Status)
	}
	if f.calls() != 0 {
		t.Fatalf("sender calls = %d, want 0", f.calls())
	}
	entries := j.snapshot()
	if len(entries) != 1 || entries[0].Op != string(OpWindowMissed) {
		t.Fatalf("journal = %+v, want one window_missed entry", entries)
	}

	// Repeat ticks on the same day stay quiet.
	res = e.Step(context.Background(), st, tg, StepMode{})
	if res.Op != OpNone || res.Changed {
		t.Fatalf("repeat result = %+v, want an unchanged none op", res)
	}
}

func TestStepDayRolloverRegenerates(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)}
	f := &fakeSender{}
	e := newStepEngine(f, clock)
	tg := stepTarget(t, "09:00-18:00", testPolicy(3))
	st := &state.TargetState{
		Target: tg.Key,
		Plan: &state.Plan{
			Date:      "2025-03-09",
			PlannedAt: time.Date(2025, 3, 9, 14, 0, 0, 0, time.UTC),
			DueAt:     time.Date(2025, 3, 9, 14, 0, 0, 0, time.UTC),
			Status:    state.StatusExhausted,
			Attempts:  3,
		},
	}

	res := e.Step(context.Background(), st, tg, StepMode{})
	if res.Op != OpPlanned || !res.Changed {
		t.Fatalf("result = %+v, want a changed planned op on the new day", res)
	}
	if st.Plan.Date != "2025-03-10" {
		t.Fatalf("plan date = %q, want 2025-03-10", st.Plan.Date)
	}
	if st.Plan.Status != state.StatusPending || st.Plan.Attempts != 0 {
		t.Fatalf("plan = %+v, want a fresh pending plan", st.Plan)
	}
}

func TestStepRestartCatchUpSendsInOneStep(t *testing.T) {
	t.Parallel()
	// No plan on record and the whole window already behind us: the freshly
	// generated moment is in the past, so the same step continues into the
	// send instead of waiting for another tick.
	now := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	clock := &fakeClock{t: now}
	f := &fakeSender{}
	e := newStepEngine(f, clock)
	tg := stepTarget(t, "09:00-10:00", testPolicy(3))
	st := &state.TargetState{Target: tg.Key}

	res := e.Step(context.Background(), st, tg, StepMode{})
	if res.Op != OpSent {
		t.Fatalf("op = %v, want sent", res.Op)
	}
	if f.calls() != 1 {
		t.Fatalf("sender calls = %d, want 1", f.calls())
	}
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	end := time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)
	if st.Plan.PlannedAt.Before(start) || st.Plan.PlannedAt.After(end) {
		t.Fatalf("planned_at %v outside window [%v, %v]", st.Plan.PlannedAt, start, end)
	}
	if st.LastSuccessAt == nil || !st.LastSuccessAt.Equal(now) {
		t.Fatalf("last success = %v, want %v", st.LastSuccessAt, now)
	}
}
