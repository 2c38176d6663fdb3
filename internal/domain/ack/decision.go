package ack

import (
	"fmt"
	"strings"
)

// Decision is the outcome a consumer produces for a delivered message.
type Decision uint8

const (
	// Commit removes the message from the queue permanently.
	Commit Decision = iota + 1
	// Retry asks the message source to redeliver the message later.
	Retry
)

// String returns the lowercase name of the decision.
func (d Decision) String() string {
	switch d {
	case Commit:
		return "commit"
	case Retry:
		return "retry"
	default:
		return fmt.Sprintf("decision(%d)", uint8(d))
	}
}

// Valid reports whether d is one of the two defined decisions.
func (d Decision) Valid() bool { return d == Commit || d == Retry }

// ParseDecision converts a textual decision into a Decision. Besides
// "commit" and "retry" it accepts the ONS action names "CommitMessage" and
// "ReconsumeLater".
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "commit", "commitmessage":
		return Commit, nil
	case "retry", "reconsumelater":
		return Retry, nil
	default:
		return 0, fmt.Errorf("unknown decision %q", s)
	}
}
