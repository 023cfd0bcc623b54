package worker

import (
	"context"
	"time"
)

// Handler processes one delivered message body. dequeueCount starts at 1
// and grows with every redelivery.
type Handler func(ctx context.Context, body []byte, dequeueCount int) error

// Delivery is one attempt at processing a message.
type Delivery struct {
	ID           string        // message id
	Body         []byte        // raw message body
	DequeueCount int           // attempt number, starting at 1
	Timeout      time.Duration // per-attempt deadline, zero means none
}

// Result is the outcome of a Delivery.
type Result struct {
	ID           string        // message id
	DequeueCount int           // attempt this result belongs to
	Success      bool          // handler returned nil
	Error        error         // handler error, if any
	Duration     time.Duration // wall time spent in the handler
}
