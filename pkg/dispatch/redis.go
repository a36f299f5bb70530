package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tms-tools/ticket-archiver/pkg/log"
	"github.com/tms-tools/ticket-archiver/pkg/metrics"
	"github.com/tms-tools/ticket-archiver/pkg/retry"
)

const (
	claimMinIdle  = time.Minute
	claimInterval = 30 * time.Second
	readBlock     = 2 * time.Second
	maxBackoff    = 5 * time.Minute
)

// RedisQueueOptions configures the stream-backed dispatcher.
type RedisQueueOptions struct {
	Client      redis.UniversalClient
	Stream      string
	Group       string
	Consumer    string
	DLQStream   string
	MaxAttempts int
	Backoff     time.Duration
	Workers     int
}

// RedisQueue dispatches jobs through a Redis stream consumer group so
// multiple replicas can share the work. Transient handler failures are
// re-enqueued with exponential backoff; once the attempt budget is spent
// the envelope moves to a dead-letter stream.
type RedisQueue struct {
	client      redis.UniversalClient
	stream      string
	group       string
	consumer    string
	dlqStream   string
	maxAttempts int
	backoff     time.Duration
	workers     int
	handler     Handler
	logger      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	draining bool
}

// NewRedisQueue validates the options and prepares the queue. Start must
// be called before jobs are consumed.
func NewRedisQueue(opts RedisQueueOptions, handler Handler) (*RedisQueue, error) {
	if opts.Client == nil {
		return nil, errors.New("redis queue requires a client")
	}
	if handler == nil {
		return nil, errors.New("redis queue requires a handler")
	}
	if opts.Stream == "" {
		opts.Stream = "archiver:jobs"
	}
	if opts.Group == "" {
		opts.Group = opts.Stream + ":workers"
	}
	if opts.Consumer == "" {
		opts.Consumer = "consumer-" + uuid.NewString()[:8]
	}
	if opts.DLQStream == "" {
		opts.DLQStream = opts.Stream + ":dlq"
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 2 * time.Second
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RedisQueue{
		client:      opts.Client,
		stream:      opts.Stream,
		group:       opts.Group,
		consumer:    opts.Consumer,
		dlqStream:   opts.DLQStream,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		workers:     opts.Workers,
		handler:     handler,
		logger:      log.WithComponent("dispatch"),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start creates the consumer group and launches the workers.
func (q *RedisQueue) Start() error {
	err := q.client.XGroupCreateMkStream(q.ctx, q.stream, q.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.wg.Add(1)
	go q.claimer()
	return nil
}

// Submit appends the job envelope to the stream.
func (q *RedisQueue) Submit(job Job) error {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return ErrShuttingDown
	}
	q.mu.Unlock()

	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	if err := q.add(context.Background(), q.stream, job, time.Time{}, ""); err != nil {
		return err
	}
	metrics.QueueEnqueued.Inc()
	return nil
}

// Shutdown stops the workers. Messages mid-flight stay pending in the
// consumer group and are reclaimed by another consumer.
func (q *RedisQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return nil
	}
	q.draining = true
	q.mu.Unlock()

	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *RedisQueue) worker() {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		default:
		}

		streams, err := q.client.XReadGroup(q.ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    8,
			Block:    readBlock,
		}).Result()
		if err != nil {
			if q.ctx.Err() != nil {
				return
			}
			if !errors.Is(err, redis.Nil) {
				q.logger.Warn().Err(err).Msg("Queue read failed")
				if !sleepCtx(q.ctx, time.Second) {
					return
				}
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				q.process(msg)
			}
		}
	}
}

// claimer periodically takes over messages another consumer started but
// never acknowledged, so a crashed replica does not strand work.
func (q *RedisQueue) claimer() {
	defer q.wg.Done()

	ticker := time.NewTicker(claimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
		}

		messages, _, err := q.client.XAutoClaim(q.ctx, &redis.XAutoClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: q.consumer,
			MinIdle:  claimMinIdle,
			Start:    "0-0",
			Count:    16,
		}).Result()
		if err != nil {
			if q.ctx.Err() == nil {
				q.logger.Warn().Err(err).Msg("Stale delivery claim failed")
			}
			continue
		}

		for _, msg := range messages {
			q.process(msg)
		}
	}
}

func (q *RedisQueue) process(msg redis.XMessage) {
	job, notBefore, err := decodeEnvelope(msg)
	if err != nil {
		q.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Dropping malformed queue envelope")
		q.ack(msg.ID)
		return
	}

	if wait := time.Until(notBefore); wait > 0 {
		if !sleepCtx(q.ctx, wait) {
			// Leave the message pending; it is reclaimed after restart.
			return
		}
	}

	err = q.handler(q.ctx, job)
	switch {
	case err == nil:
		q.ack(msg.ID)
	case retry.IsCancelled(err) || q.ctx.Err() != nil:
		// Shutdown mid-job: keep the delivery pending.
	case retry.IsTransient(err):
		q.requeue(job, err)
		q.ack(msg.ID)
	default:
		// Permanent failures were already reported by the handler.
		q.ack(msg.ID)
	}
}

func (q *RedisQueue) requeue(job Job, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job.Attempt++
	if job.Attempt >= q.maxAttempts {
		if err := q.add(ctx, q.dlqStream, job, time.Time{}, cause.Error()); err != nil {
			q.logger.Error().Err(err).Int64("ticket_id", job.TicketID).Msg("Failed to dead-letter job")
			return
		}
		metrics.QueueDeadLettered.Inc()
		q.logger.Warn().
			Int64("ticket_id", job.TicketID).
			Int("attempts", job.Attempt).
			Msg("Job moved to dead-letter stream")
		return
	}

	notBefore := time.Now().Add(backoffDelay(q.backoff, job.Attempt))
	if err := q.add(ctx, q.stream, job, notBefore, cause.Error()); err != nil {
		q.logger.Error().Err(err).Int64("ticket_id", job.TicketID).Msg("Failed to re-enqueue job")
		return
	}
	metrics.QueueRetries.Inc()
}

func (q *RedisQueue) add(ctx context.Context, stream string, job Job, notBefore time.Time, lastError string) error {
	data, err := json.Marshal(&job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	values := map[string]interface{}{
		"job":       string(data),
		"ticket_id": strconv.FormatInt(job.TicketID, 10),
		"attempt":   strconv.Itoa(job.Attempt),
	}
	if !notBefore.IsZero() {
		values["not_before"] = strconv.FormatInt(notBefore.UnixMilli(), 10)
	}
	if lastError != "" {
		values["last_error"] = lastError
	}

	return q.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Err()
}

func (q *RedisQueue) ack(messageID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := q.client.XAck(ctx, q.stream, q.group, messageID).Err(); err != nil {
		q.logger.Warn().Err(err).Str("message_id", messageID).Msg("Failed to ack queue message")
		return
	}
	if err := q.client.XDel(ctx, q.stream, messageID).Err(); err != nil {
		q.logger.Warn().Err(err).Str("message_id", messageID).Msg("Failed to delete queue message")
	}
}

func decodeEnvelope(msg redis.XMessage) (Job, time.Time, error) {
	raw, ok := msg.Values["job"].(string)
	if !ok || raw == "" {
		return Job{}, time.Time{}, fmt.Errorf("envelope %s has no job payload", msg.ID)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return Job{}, time.Time{}, fmt.Errorf("envelope %s is malformed: %w", msg.ID, err)
	}

	var notBefore time.Time
	if v, ok := msg.Values["not_before"].(string); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil && ms > 0 {
			notBefore = time.UnixMilli(ms)
		}
	}
	return job, notBefore, nil
}

// backoffDelay doubles per attempt starting at base, capped at maxBackoff.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	if delay > maxBackoff {
		return maxBackoff
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
