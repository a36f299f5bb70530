package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrQueueFull is returned when the bounded queue cannot accept more work.
	ErrQueueFull = errors.New("dispatch queue is full")
	// ErrShuttingDown is returned once a dispatcher has begun draining.
	ErrShuttingDown = errors.New("dispatcher is shutting down")
)

// Job is one unit of archiving work: the ticket to process plus the
// webhook context it arrived with.
type Job struct {
	TicketID   int64           `json:"ticket_id"`
	DeliveryID string          `json:"delivery_id"`
	RequestID  string          `json:"request_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempt    int             `json:"attempt"`
}

// Handler executes a job. A transient error asks the dispatcher to retry
// where the backend supports it; any other error is final.
type Handler func(ctx context.Context, job Job) error

// Dispatcher accepts jobs and runs them on a worker backend.
type Dispatcher interface {
	Submit(job Job) error
	Shutdown(ctx context.Context) error
}
