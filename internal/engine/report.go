package engine

import (
	"fmt"
	"strings"
	"time"
)

// Report is what one Tick hands back to its caller: every target's step
// outcome plus the invocation time, ready for logging or CLI output.
type Report struct {
	At      time.Time    `json:"at"`
	Results []StepResult `json:"results"`
}

// Count returns how many targets finished the tick with the given op.
func (r Report) Count(op StepOp) int {
	n := 0
	for _, res := range r.Results {
		if res.Op == op {
			n++
		}
	}
	return n
}

var summaryOrder = []StepOp{OpSent, OpRetry, OpFloodWait, OpExhausted, OpWindowMissed, OpPlanned, OpNone}

// Summary renders a compact one-line digest ("targets=3 sent=1 none=2").
// Ops that did not occur are omitted.
func (r Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "targets=%d", len(r.Results))
	for _, op := range summaryOrder {
		if n := r.Count(op); n > 0 {
			fmt.Fprintf(&b, " %s=%d", op, n)
		}
	}
	return b.String()
}
