// Package messaging defines the broker-neutral message envelope and the ports
// that connect message sources to the decision host.
package messaging

import (
	"strconv"
	"time"
)

// AttemptHeader carries the delivery attempt across redeliveries on brokers
// that do not track it themselves.
const AttemptHeader = "x-ack-attempt"

// SourceType names the broker a message was received from.
type SourceType string

// Supported message sources.
const (
	SourceKafka     SourceType = "kafka"
	SourceAMQP      SourceType = "amqp"
	SourceJetStream SourceType = "jetstream"
	SourceMemory    SourceType = "memory"
)

// Message is a delivered message as seen by the decision host. It is a
// value; the host may keep it beyond the delivery callback.
type Message struct {
	// ID identifies the message for diagnostics and correlation.
	ID string
	// Source is the broker that delivered the message.
	Source SourceType
	// Topic is the topic, queue or subject the message arrived on.
	Topic string
	// Key is the partitioning or routing key, if any.
	Key string
	// Body is the raw payload. It is never deserialized here.
	Body []byte
	// Headers holds broker headers flattened to strings.
	Headers map[string]string

	// Partition and Offset are only meaningful for partitioned logs.
	Partition int32
	Offset    int64

	// Attempt starts at 1 for the first delivery.
	Attempt int
	// ReceivedAt is when the worker picked the message up.
	ReceivedAt time.Time
}

// Header returns the named header or "".
func (m Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// AttemptFromHeaders reads AttemptHeader, defaulting to the first attempt.
func AttemptFromHeaders(h map[string]string) int {
	if v, ok := h[AttemptHeader]; ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 1
}
