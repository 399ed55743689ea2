// Package messaging implements the at-least-once delivery substrate on Redis
// Streams: consumer groups for redelivery, bounded retries, and dead-letter
// parking for messages that keep failing.
package messaging

import "time"

// Stream identifies a Redis stream carrying JSON message bodies.
type Stream string

// DLQ returns the dead-letter stream paired with s.
func (s Stream) DLQ() string {
	return "dlq:" + string(s)
}

// Delivery is one message handed to a batch handler. RetryCount is the
// substrate's delivery counter, 1 on first delivery.
type Delivery struct {
	ID         string
	Body       []byte
	RetryCount int64
}

// BackoffConfig controls redelivery spacing for pending messages.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:    time.Second,
		Max:        time.Minute,
		Multiplier: 2,
	}
}

// Delay returns how long a message should stay pending before redelivery
// attempt retryCount+1.
func (c BackoffConfig) Delay(retryCount int64) time.Duration {
	backoff := c.Initial
	for i := int64(0); i < retryCount; i++ {
		backoff = time.Duration(float64(backoff) * c.Multiplier)
		if backoff > c.Max {
			return c.Max
		}
	}
	return backoff
}
