package history

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the processing history in a capped Redis stream so
// every replica of the service shares one view.
type RedisStore struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisStore wraps an existing client. maxLen caps the stream with
// approximate trimming.
func NewRedisStore(client redis.UniversalClient, stream string, maxLen int) *RedisStore {
	if stream == "" {
		stream = "archiver:history"
	}
	if maxLen <= 0 {
		maxLen = 1000
	}
	return &RedisStore{client: client, stream: stream, maxLen: int64(maxLen)}
}

// Close is a no-op; the client is owned by the caller.
func (s *RedisStore) Close() error { return nil }

// Record appends the event with MAXLEN ~ retention.
func (s *RedisStore) Record(ctx context.Context, ev Event) error {
	createdAt := ev.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"status":         ev.Status,
			"ticket_id":      strconv.FormatInt(ev.TicketID, 10),
			"classification": ev.Classification,
			"code":           ev.Code,
			"message":        boundedMessage(ev.Message),
			"delivery_id":    ev.DeliveryID,
			"request_id":     ev.RequestID,
			"created_at":     strconv.FormatInt(createdAt.UnixMilli(), 10),
		},
	}).Err()
}

// Recent reads newest-first. When filtering by ticket the read
// over-fetches so sparse streams still fill a page.
func (s *RedisStore) Recent(ctx context.Context, limit int, ticketID int64) ([]Event, error) {
	limit = clampLimit(limit)
	fetch := int64(limit)
	if ticketID != 0 {
		fetch = min(int64(limit)*8, 10_000)
	}

	messages, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", fetch).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Event, 0, limit)
	for _, msg := range messages {
		ev := eventFromStream(msg)
		if ticketID != 0 && ev.TicketID != ticketID {
			continue
		}
		out = append(out, ev)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func eventFromStream(msg redis.XMessage) Event {
	str := func(key string) string {
		if v, ok := msg.Values[key].(string); ok {
			return v
		}
		return ""
	}

	ticketID, _ := strconv.ParseInt(str("ticket_id"), 10, 64)
	var createdAt time.Time
	if ms, err := strconv.ParseInt(str("created_at"), 10, 64); err == nil && ms > 0 {
		createdAt = time.UnixMilli(ms).UTC()
	}

	return Event{
		ID:             msg.ID,
		Status:         str("status"),
		TicketID:       ticketID,
		Classification: str("classification"),
		Code:           str("code"),
		Message:        str("message"),
		DeliveryID:     str("delivery_id"),
		RequestID:      str("request_id"),
		CreatedAt:      createdAt,
	}
}
