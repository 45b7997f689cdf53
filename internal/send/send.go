// Package send defines the delivery port the check-in engine drives and
// the failure taxonomy the retry policy understands.
//
// Transport adapters (Telegram today) implement Sender and translate their
// provider errors into this package's types before they reach the engine.
package send

import (
	"context"
	"strings"
	"time"
)

// Request is one check-in delivery: a message plus an optional reply
// expectation.
type Request struct {
	Target        string
	Text          string
	ExpectText    string        // reply must equal this exactly (trimmed)
	ExpectKeyword string        // or contain this substring
	ExpectTimeout time.Duration // how long to wait for a matching reply
}

// HasExpectation reports whether the request wants a reply checked.
func (r Request) HasExpectation() bool {
	return strings.TrimSpace(r.ExpectText) != "" || strings.TrimSpace(r.ExpectKeyword) != ""
}

// Matches checks a reply against the expectation. When both ExpectText and
// ExpectKeyword are set the reply must satisfy both. No expectation matches
// anything.
func (r Request) Matches(reply string) bool {
	reply = strings.TrimSpace(reply)
	if want := strings.TrimSpace(r.ExpectText); want != "" && reply != want {
		return false
	}
	if kw := strings.TrimSpace(r.ExpectKeyword); kw != "" && !strings.Contains(reply, kw) {
		return false
	}
	return true
}

// Result reports a completed delivery. Reply fields are zero when the
// request carried no expectation.
type Result struct {
	ReplyText string
	ReplyAt   time.Time
}

// Sender delivers one message and, when an expectation is set, waits up to
// ExpectTimeout for a matching reply.
type Sender interface {
	Send(ctx context.Context, req Request) (Result, error)
}
