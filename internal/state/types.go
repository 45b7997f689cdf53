package state

import "time"

// Status is the lifecycle of a single day's send plan.
//
// pending is the only non-terminal status. Terminal statuses never change
// until the next scheduling day replaces the plan.
type Status string

const (
	StatusPending      Status = "pending"
	StatusSent         Status = "sent"
	StatusExhausted    Status = "exhausted"
	StatusWindowMissed Status = "window_missed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusExhausted, StatusWindowMissed:
		return true
	}
	return false
}

// Terminal reports whether the plan can still produce a send attempt.
func (s Status) Terminal() bool { return s != StatusPending }

// Plan is one scheduling day's decision for one target.
//
// DueAt starts equal to PlannedAt and is pushed forward by retry backoff
// and flood waits. Attempts counts send attempts only; flood waits do not
// count.
type Plan struct {
	Date          string     `json:"date" yaml:"date"` // local day, YYYY-MM-DD
	PlannedAt     time.Time  `json:"planned_at" yaml:"planned_at"`
	DueAt         time.Time  `json:"due_at" yaml:"due_at"`
	Status        Status     `json:"status" yaml:"status"`
	Attempts      int        `json:"attempts" yaml:"attempts"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty" yaml:"last_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// TargetState is everything persisted about one target.
type TargetState struct {
	Target        string     `json:"target" yaml:"target"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty" yaml:"last_success_at,omitempty"`
	LastResult    string     `json:"last_result,omitempty" yaml:"last_result,omitempty"`
	LastReplyText string     `json:"last_reply_text,omitempty" yaml:"last_reply_text,omitempty"`
	LastReplyAt   *time.Time `json:"last_reply_at,omitempty" yaml:"last_reply_at,omitempty"`
	Plan          *Plan      `json:"plan,omitempty" yaml:"plan,omitempty"`
}

// Map holds the state of all tracked targets, keyed by target identifier.
type Map map[string]*TargetState

// Get returns the state for target, creating an empty record if absent.
func (m Map) Get(target string) *TargetState {
	st := m[target]
	if st == nil {
		st = &TargetState{Target: target}
		m[target] = st
	}
	return st
}

// document is the on-disk envelope. Version allows future migrations.
type document struct {
	Version int `json:"version" yaml:"version"`
	Targets Map `json:"targets" yaml:"targets"`
}

const documentVersion = 1
