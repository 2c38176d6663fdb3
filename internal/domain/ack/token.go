// Package ack provides the per-message acknowledgment cell shared between a
// delivery goroutine and the single-goroutine decision host.
//
// A Token is created by the delivery goroutine for every message it hands to
// the host. The goroutine then blocks in Await until the host produces a
// decision through a Handle bound to that token:
//
//	tok := ack.NewToken(msg.ID)
//	h := ack.NewHandle()
//	h.Bind(tok)
//	post(func() { consume(msg, h) }) // h.Forward(ack.Commit) eventually
//	decision := tok.Await()
//
// The decision may be signaled before Await is entered; it is then returned
// without blocking. Only the first signal for a token has any effect.
package ack

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ahrav/ackbridge/pkg/common/logger"
)

// ErrWaitDeadlineExceeded is returned by AwaitContext when the context ends
// before a decision arrives.
var ErrWaitDeadlineExceeded = errors.New("ack wait deadline exceeded")

// Option configures a Token.
type Option func(*Token)

// WithTrace enables per-transition debug logging for the token.
func WithTrace(log *logger.Logger) Option {
	return func(t *Token) { t.trace = log }
}

// Token is a one-shot synchronization cell carrying a Decision from the
// decision host to the goroutine that delivered the message.
type Token struct {
	messageID string

	mu       sync.Mutex
	cond     *sync.Cond
	decided  bool
	decision Decision

	trace *logger.Logger
}

// NewToken returns a pending token for the given message.
func NewToken(messageID string, opts ...Option) *Token {
	t := &Token{messageID: messageID}
	t.cond = sync.NewCond(&t.mu)
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// MessageID returns the identifier of the message this token belongs to.
func (t *Token) MessageID() string { return t.messageID }

// String identifies the token in log output.
func (t *Token) String() string { return fmt.Sprintf("%s@%p", t.messageID, t) }

// Signal records d and wakes the waiting goroutine. It is safe to call from
// any goroutine. Calls after the first are ignored and wake nobody.
//
// A value that is neither Commit nor Retry, including the zero Decision, is
// recorded as Commit, the default action of a consumer that acknowledges
// without choosing.
func (t *Token) Signal(d Decision) {
	if !d.Valid() {
		d = Commit
	}

	t.mu.Lock()
	if t.decided {
		t.mu.Unlock()
		return
	}

	t.decision = d
	t.decided = true
	t.logTransition("ack")
	t.cond.Signal()
	t.mu.Unlock()
}

// Await blocks until the token is signaled and returns the decision. If the
// token was already signaled it returns immediately. Await must run on the
// delivering goroutine, never on the decision host.
func (t *Token) Await() Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.decided {
		return t.decision
	}

	for !t.decided {
		t.cond.Wait()
	}
	t.logTransition("finish wait")

	return t.decision
}

// AwaitContext is Await bounded by ctx. When ctx ends first it returns Retry
// together with an error wrapping both ErrWaitDeadlineExceeded and the
// context's error. A decision already present always wins.
func (t *Token) AwaitContext(ctx context.Context) (Decision, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.decided {
		return t.decision, nil
	}

	// Wake the waiter when ctx ends. Taking the lock before broadcasting
	// guarantees the waiter is either parked in Wait or has not yet
	// re-checked ctx, so the wakeup cannot be missed.
	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.cond.Broadcast()
	})
	defer stop()

	for !t.decided {
		if err := ctx.Err(); err != nil {
			return Retry, fmt.Errorf("%w: message %s: %w", ErrWaitDeadlineExceeded, t.messageID, err)
		}
		t.cond.Wait()
	}
	t.logTransition("finish wait")

	return t.decision, nil
}

// TryDecision returns the decision without blocking. While the token is
// pending it returns Retry and false.
func (t *Token) TryDecision() (Decision, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.decided {
		return Retry, false
	}
	return t.decision, true
}

// logTransition must be called with t.mu held.
func (t *Token) logTransition(msg string) {
	if t.trace == nil {
		return
	}
	t.trace.Debug(context.Background(), msg,
		"msg_id", t.messageID,
		"token", fmt.Sprintf("%p", t),
		"decision", t.decision.String(),
	)
}
