package plan

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"

	"checkinbot/internal/state"
)

// Input carries everything Generate needs to decide one target's day.
type Input struct {
	Target      string
	Window      Window
	MinInterval time.Duration
	LastSuccess *time.Time
	Now         time.Time

	// Rand overrides the PRNG. Nil means a fresh independently seeded
	// source per call, so targets sharing a window never draw in lockstep.
	Rand *rand.Rand
}

var genSeq uint64

// Generate computes the plan for the scheduling day that in.Now belongs to.
//
// planned_at is drawn uniformly from [earliest, window end] where earliest
// is the window start raised to last success + min interval. When earliest
// is past the window end the day is not feasible and the plan comes back
// window_missed with no send moment.
//
// The draw is not clamped to in.Now: a plan generated mid-window may land
// in the past and is then immediately due, which is what makes restart
// catch-up work.
func Generate(in Input) state.Plan {
	day := in.Window.DayFor(in.Now)
	start, end, err := in.Window.BoundsFor(day, in.Now.Location())
	if err != nil {
		// DayFor produced the day, so this is unreachable; fail closed.
		return state.Plan{Date: day, Status: state.StatusWindowMissed, LastError: err.Error()}
	}

	earliest := start
	if in.LastSuccess != nil && in.MinInterval > 0 {
		if e := in.LastSuccess.Add(in.MinInterval); e.After(earliest) {
			earliest = e
		}
	}
	if earliest.After(end) {
		return state.Plan{Date: day, Status: state.StatusWindowMissed}
	}

	rng := in.Rand
	if rng == nil {
		seed := time.Now().UnixNano() ^ int64(atomic.AddUint64(&genSeq, 1)) ^ int64(fnv64a(in.Target))
		rng = rand.New(rand.NewSource(seed))
	}

	at := earliest
	if span := end.Sub(earliest); span > 0 {
		// Truncate the offset, not the result, so at never drops below earliest.
		off := time.Duration(rng.Int63n(int64(span) + 1)).Truncate(time.Second)
		at = earliest.Add(off)
	}

	return state.Plan{
		Date:      day,
		PlannedAt: at,
		DueAt:     at,
		Status:    state.StatusPending,
	}
}

func fnv64a(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
