package history

import (
	"context"
	"strings"
	"time"

	"github.com/tms-tools/ticket-archiver/pkg/config"
)

// Event statuses.
const (
	StatusAccepted  = "accepted"
	StatusSkipped   = "skipped"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// maxMessageLength bounds the stored message text.
const maxMessageLength = 500

// Event is one entry in the processing history surfaced to operators.
type Event struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"`
	TicketID       int64     `json:"ticket_id"`
	Classification string    `json:"classification,omitempty"`
	Code           string    `json:"code,omitempty"`
	Message        string    `json:"message,omitempty"`
	DeliveryID     string    `json:"delivery_id,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store records processing events and serves the admin history view.
// Recording is best effort: a broken history backend must never fail a
// job.
type Store interface {
	Record(ctx context.Context, ev Event) error

	// Recent returns up to limit events, newest first. ticketID 0 means
	// no filter.
	Recent(ctx context.Context, limit int, ticketID int64) ([]Event, error)

	Close() error
}

// boundedMessage scrubs secrets out of the stored text and caps its
// length.
func boundedMessage(message string) string {
	cleaned := config.ScrubSecrets(strings.TrimSpace(message))
	if len(cleaned) > maxMessageLength {
		return cleaned[:maxMessageLength]
	}
	return cleaned
}

// clampLimit keeps admin queries within a sane window.
func clampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > 5000 {
		return 5000
	}
	return limit
}

// NopStore discards events; used when history is disabled.
type NopStore struct{}

func (NopStore) Record(context.Context, Event) error { return nil }

func (NopStore) Recent(context.Context, int, int64) ([]Event, error) { return nil, nil }

func (NopStore) Close() error { return nil }
