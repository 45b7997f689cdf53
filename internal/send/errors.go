package send

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Class is the failure classification the retry policy branches on.
type Class string

const (
	ClassFloodWait Class = "flood_wait"
	ClassExpect    Class = "expectation_failed"
	ClassTimeout   Class = "timeout"
	ClassSendError Class = "send_error"
)

// ErrReplyTimeout is returned when no matching reply arrived in time.
var ErrReplyTimeout = errors.New("no matching reply within timeout")

// FloodWaitError carries a provider-issued wait instruction. It is never a
// failure for retry accounting; the engine defers by RetryAfter and tries
// again.
type FloodWaitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait %s: %v", e.RetryAfter, e.Err)
}

func (e *FloodWaitError) Unwrap() error { return e.Err }

// FloodWait wraps err with a provider wait instruction. Waits shorter than
// a second are rounded up so a zero hint cannot busy-loop the engine.
func FloodWait(err error, after time.Duration) error {
	if err == nil {
		err = errors.New("rate limited")
	}
	if after < time.Second {
		after = time.Second
	}
	return &FloodWaitError{RetryAfter: after, Err: err}
}

// ExpectError reports a reply that arrived but did not satisfy the
// configured expectation.
type ExpectError struct {
	Want string
	Got  string
}

func (e *ExpectError) Error() string {
	return fmt.Sprintf("reply %q did not match expected %q", e.Got, e.Want)
}

// Classify maps an error from a Sender into the retry policy's taxonomy.
func Classify(err error) Class {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return ClassFloodWait
	}
	var ee *ExpectError
	if errors.As(err, &ee) {
		return ClassExpect
	}
	if errors.Is(err, ErrReplyTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	return ClassSendError
}
