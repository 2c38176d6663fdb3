package ack

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ahrav/ackbridge/pkg/common/logger"
)

// Handle is the decision host's single-use reference to a Token. After the
// first Forward it drops the reference, so repeated calls never reach the
// token.
//
// Forward may be called from any goroutine; concurrent calls race for the
// reference and exactly one of them reaches the token. Bind is not safe for
// concurrent use and must happen before the handle is handed off.
type Handle struct {
	token     atomic.Pointer[Token]
	messageID string

	trace *logger.Logger
}

// HandleOption configures a Handle.
type HandleOption func(*Handle)

// WithHandleTrace enables debug logging when the handle releases its token.
func WithHandleTrace(log *logger.Logger) HandleOption {
	return func(h *Handle) { h.trace = log }
}

// NewHandle returns an unbound handle.
func NewHandle(opts ...HandleOption) *Handle {
	h := new(Handle)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Bind points the handle at t and copies its message ID. Binding nil clears
// the reference and keeps the previous ID for diagnostics.
func (h *Handle) Bind(t *Token) {
	h.token.Store(t)
	if t != nil {
		h.messageID = t.MessageID()
	}
}

// Forward signals d to the bound token and releases it. On an unbound or
// already forwarded handle it does nothing.
func (h *Handle) Forward(d Decision) {
	tok := h.token.Swap(nil)
	if tok == nil {
		return
	}

	tok.Signal(d)

	if h.trace != nil {
		h.trace.Debug(context.Background(), "inner unrefed",
			"msg_id", h.messageID,
			"token", fmt.Sprintf("%p", tok),
		)
	}
}

// Commit is shorthand for Forward(Commit).
func (h *Handle) Commit() { h.Forward(Commit) }

// Retry is shorthand for Forward(Retry).
func (h *Handle) Retry() { h.Forward(Retry) }

// Bound reports whether the handle still holds a token.
func (h *Handle) Bound() bool { return h.token.Load() != nil }

// MessageID returns the handle's own copy of the message identifier. It
// remains valid after the token has been released.
func (h *Handle) MessageID() string { return h.messageID }
