package engine

import (
	"errors"
	"math/rand"
	"sync/atomic"
	"time"

	"checkinbot/internal/send"
)

// VerdictKind tags the retry policy's decision so every failure-handling
// branch in the engine is an explicit switch case.
type VerdictKind int

const (
	// VerdictFloodWait defers the attempt without spending retry budget.
	VerdictFloodWait VerdictKind = iota
	// VerdictRetry schedules another attempt at Verdict.NextAt.
	VerdictRetry
	// VerdictExhausted ends the day for this target.
	VerdictExhausted
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictFloodWait:
		return "flood_wait"
	case VerdictRetry:
		return "retry"
	case VerdictExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Verdict is the policy's decision for one failed attempt. Attempts is the
// count after accounting for this failure; flood waits leave it unchanged.
type Verdict struct {
	Kind     VerdictKind
	NextAt   time.Time
	Attempts int
}

// Policy decides whether a failed attempt may be retried today and when.
//
// Flood waits are always honored verbatim: next attempt at now + wait, no
// budget spent, even when that lands past the window end. Everything else
// spends one attempt and backs off exponentially from Base, capped at
// MaxDelay, with jitter so multiple targets never retry in lockstep. A
// retry that would land past the window end exhausts the day instead.
type Policy struct {
	MaxRetries int           // failed attempts allowed per day; 0 means first failure is final
	Base       time.Duration // first retry delay
	MaxDelay   time.Duration // backoff growth cap
	Jitter     float64       // +/- fraction applied to the delay

	// Rand overrides the jitter PRNG; nil seeds one per decision.
	Rand *rand.Rand
}

const (
	defaultRetryBase     = 2 * time.Minute
	defaultRetryMaxDelay = 30 * time.Minute
	defaultRetryJitter   = 0.2
)

var policySeq uint64

// Decide maps one failure onto the next engine action.
func (p Policy) Decide(now time.Time, attempts int, windowEnd time.Time, err error) Verdict {
	var fw *send.FloodWaitError
	if errors.As(err, &fw) {
		wait := fw.RetryAfter
		if wait < time.Second {
			wait = time.Second
		}
		return Verdict{Kind: VerdictFloodWait, NextAt: now.Add(wait), Attempts: attempts}
	}

	attempts++
	if attempts >= p.MaxRetries {
		return Verdict{Kind: VerdictExhausted, Attempts: attempts}
	}
	next := now.Add(p.backoff(attempts))
	if next.After(windowEnd) {
		return Verdict{Kind: VerdictExhausted, Attempts: attempts}
	}
	return Verdict{Kind: VerdictRetry, NextAt: next, Attempts: attempts}
}

func (p Policy) backoff(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = defaultRetryBase
	}
	maxD := p.MaxDelay
	if maxD <= 0 {
		maxD = defaultRetryMaxDelay
	}
	j := p.Jitter
	if j <= 0 {
		j = defaultRetryJitter
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}

	rng := p.Rand
	if rng == nil {
		seed := time.Now().UnixNano() ^ int64(atomic.AddUint64(&policySeq, 1))
		rng = rand.New(rand.NewSource(seed))
	}
	r := (rng.Float64()*2 - 1) * j
	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
