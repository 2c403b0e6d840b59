package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"svontai_router/internal/entities"
	"svontai_router/internal/logger"
)

// JobHandler processes one async dispatch job. A returned error asks for redelivery.
type JobHandler func(ctx context.Context, job entities.DispatchJob) error

var (
	ErrQueueFull    = errors.New("dispatch queue is full")
	ErrQueueStopped = errors.New("dispatch queue is stopped")
)

// MemoryQueue is a bounded in-process worker pool.
type MemoryQueue struct {
	jobs    chan queuedJob
	handler JobHandler
	workers int
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type queuedJob struct {
	job     entities.DispatchJob
	carrier propagation.MapCarrier
}

func NewMemoryQueue(workers, buffer int, handler JobHandler) *MemoryQueue {
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = workers * 64
	}
	return &MemoryQueue{jobs: make(chan queuedJob, buffer), handler: handler, workers: workers}
}

// Enqueue does not block: a full buffer is reported so the caller can fall back.
func (q *MemoryQueue) Enqueue(ctx context.Context, job entities.DispatchJob) error {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueStopped
	}
	select {
	case q.jobs <- queuedJob{job: job, carrier: carrier}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the workers. They stop once Stop drains the buffer.
func (q *MemoryQueue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for qj := range q.jobs {
				jobCtx := otel.GetTextMapPropagator().Extract(context.WithoutCancel(ctx), qj.carrier)
				if err := q.handler(jobCtx, qj.job); err != nil {
					slog.ErrorContext(jobCtx, "async dispatch job failed",
						"event_id", qj.job.Event.ExternalEventID, "error", err)
				}
			}
		}()
	}
}

// Stop refuses further jobs and waits for the buffered ones to finish.
func (q *MemoryQueue) Stop() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

type StreamQueueConfig struct {
	Stream      string        // Redis stream name
	Group       string        // Redis consumer group name
	Consumer    string        // Redis consumer name
	DLQStream   string        // Dead letter stream for jobs out of attempts
	MaxAttempts int           // Deliveries before a job goes to the DLQ
	BatchSize   int64         // Messages per read
	Block       time.Duration // How long a read blocks for new messages
	Workers     int           // Jobs handled concurrently
	MinIdle     time.Duration // Pending age after which a delivery is reclaimed
	Reclaim     time.Duration // Interval between reclaim cycles
}

// StreamQueue publishes jobs to a Redis stream and consumes them through a consumer group.
type StreamQueue struct {
	client  *redis.Client
	cfg     StreamQueueConfig
	handler JobHandler
	wg      sync.WaitGroup
}

func NewStreamQueue(ctx context.Context, client *redis.Client, cfg StreamQueueConfig, handler JobHandler) (*StreamQueue, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = 2 * time.Minute
	}
	if cfg.Reclaim <= 0 {
		cfg.Reclaim = 30 * time.Second
	}
	q := &StreamQueue{client: client, cfg: cfg, handler: handler}
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *StreamQueue) ensureGroup(ctx context.Context) error {
	// Start from "0" so jobs added before the group existed are not lost.
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	return nil
}

func (q *StreamQueue) Enqueue(ctx context.Context, job entities.DispatchJob) error {
	return q.add(ctx, q.cfg.Stream, job, 1, "")
}

func (q *StreamQueue) add(ctx context.Context, stream string, job entities.DispatchJob, attempt int, lastErr string) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	values := map[string]any{
		"job":     string(payload),
		"attempt": attempt,
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range carrier {
		values["otel_"+k] = v
	}
	if lastErr != "" {
		values["last_error"] = lastErr
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Err(); err != nil {
		return fmt.Errorf("xadd (stream=%s): %w", stream, err)
	}
	return nil
}

type streamMessage struct {
	id      string
	job     entities.DispatchJob
	attempt int
	carrier propagation.MapCarrier
}

func parseStreamMessage(msg redis.XMessage) (streamMessage, error) {
	raw, ok := msg.Values["job"]
	if !ok {
		return streamMessage{}, fmt.Errorf("missing job")
	}
	var job entities.DispatchJob
	if err := json.Unmarshal([]byte(fmt.Sprint(raw)), &job); err != nil {
		return streamMessage{}, fmt.Errorf("parsing job: %w", err)
	}
	attempt := 1
	if v, ok := msg.Values["attempt"]; ok {
		n, err := strconv.Atoi(fmt.Sprint(v))
		if err != nil {
			return streamMessage{}, fmt.Errorf("parsing attempt: %w", err)
		}
		attempt = n
	}
	carrier := propagation.MapCarrier{}
	for k, v := range msg.Values {
		if strings.HasPrefix(k, "otel_") {
			carrier[strings.TrimPrefix(k, "otel_")] = fmt.Sprint(v)
		}
	}
	return streamMessage{id: msg.ID, job: job, attempt: attempt, carrier: carrier}, nil
}

// Start runs the read loop, the workers and the reclaimer until ctx is cancelled.
// Jobs already handed to a worker finish on a detached context.
func (q *StreamQueue) Start(ctx context.Context) {
	work := make(chan streamMessage, q.cfg.Workers)
	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for msg := range work {
				q.handle(context.WithoutCancel(ctx), msg)
			}
		}()
	}
	q.wg.Add(2)
	go func() {
		defer q.wg.Done()
		defer close(work)
		q.run(ctx, work)
	}()
	go func() {
		defer q.wg.Done()
		q.reclaimLoop(ctx)
	}()
}

// Stop waits for the goroutines started by Start; cancel its context first.
func (q *StreamQueue) Stop() {
	q.wg.Wait()
}

func (q *StreamQueue) run(ctx context.Context, work chan<- streamMessage) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "router.queue.consumer"})
	slog.InfoContext(ctx, "stream consumer started",
		"stream", q.cfg.Stream, "consumer", q.cfg.Consumer, "workers", q.cfg.Workers)
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := q.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.ErrorContext(ctx, "stream read failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			select {
			case work <- msg:
			case <-ctx.Done():
				// left pending; the reclaimer picks it up after MinIdle
				return
			}
		}
	}
}

// ReadOnce reads one batch, handles it inline and acknowledges every message.
// Failed jobs are re-added with attempt+1 or moved to the DLQ.
func (q *StreamQueue) ReadOnce(ctx context.Context) (int, error) {
	msgs, err := q.read(ctx)
	if err != nil {
		return 0, err
	}
	for _, msg := range msgs {
		q.handle(ctx, msg)
	}
	return len(msgs), nil
}

func (q *StreamQueue) read(ctx context.Context) ([]streamMessage, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    q.cfg.BatchSize,
		Block:    q.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading from stream: %w", err)
	}

	var msgs []streamMessage
	for _, stream := range streams {
		for _, raw := range stream.Messages {
			msg, parseErr := parseStreamMessage(raw)
			if parseErr != nil {
				slog.ErrorContext(ctx, "dropping unparseable job", "error", parseErr, "raw_message_id", raw.ID)
				_ = q.ack(ctx, raw.ID)
				continue
			}
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

func (q *StreamQueue) reclaimLoop(ctx context.Context) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "router.queue.reclaimer"})
	ticker := time.NewTicker(q.cfg.Reclaim)
	defer ticker.Stop()

	slog.InfoContext(ctx, "reclaimer started", "interval", q.cfg.Reclaim, "min_idle", q.cfg.MinIdle)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.ReclaimOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "reclaim cycle error", "error", err)
			}
		}
	}
}

// ReclaimOnce claims deliveries that sat unacknowledged for MinIdle, from any
// consumer in the group, and handles them. A delivery that keeps coming back
// past MaxAttempts goes straight to the DLQ.
func (q *StreamQueue) ReclaimOnce(ctx context.Context) (int, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.cfg.Stream,
		Group:  q.cfg.Group,
		Idle:   q.cfg.MinIdle,
		Start:  "-",
		End:    "+",
		Count:  q.cfg.BatchSize,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending: %w", err)
	}

	reclaimed := 0
	for _, p := range pending {
		ok, err := q.reclaim(ctx, p)
		if err != nil {
			slog.ErrorContext(ctx, "failed to reclaim job",
				"error", err, "message_id", p.ID, "original_consumer", p.Consumer, "idle_time", p.Idle)
			continue
		}
		if ok {
			reclaimed++
		}
	}
	return reclaimed, nil
}

func (q *StreamQueue) reclaim(ctx context.Context, p redis.XPendingExt) (bool, error) {
	claimed, err := q.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  q.cfg.MinIdle,
		Messages: []string{p.ID},
	}).Result()
	if err != nil {
		return false, fmt.Errorf("xclaim: %w", err)
	}
	if len(claimed) == 0 {
		// another consumer got there first
		return false, nil
	}

	msg, err := parseStreamMessage(claimed[0])
	if err != nil {
		slog.ErrorContext(ctx, "dropping unparseable reclaimed job", "error", err, "raw_message_id", p.ID)
		_ = q.ack(ctx, p.ID)
		return false, nil
	}

	slog.InfoContext(ctx, "reclaiming stale job",
		"event_id", msg.job.Event.ExternalEventID,
		"original_consumer", p.Consumer, "idle_time", p.Idle, "deliveries", p.RetryCount)

	if p.RetryCount > int64(q.cfg.MaxAttempts) {
		lastErr := fmt.Sprintf("abandoned after %d deliveries", p.RetryCount)
		if err := q.add(ctx, q.cfg.DLQStream, msg.job, msg.attempt, lastErr); err != nil {
			return false, fmt.Errorf("dead-letter reclaimed job: %w", err)
		}
		return true, q.ack(ctx, msg.id)
	}
	q.handle(ctx, msg)
	return true, nil
}

func (q *StreamQueue) handle(ctx context.Context, msg streamMessage) {
	jobCtx := otel.GetTextMapPropagator().Extract(ctx, msg.carrier)
	handlerErr := q.handler(jobCtx, msg.job)

	if err := q.ack(ctx, msg.id); err != nil {
		slog.ErrorContext(ctx, "failed to ack job", "error", err)
		return
	}
	if handlerErr == nil {
		return
	}

	if msg.attempt >= q.cfg.MaxAttempts {
		if err := q.add(jobCtx, q.cfg.DLQStream, msg.job, msg.attempt, handlerErr.Error()); err != nil {
			slog.ErrorContext(ctx, "failed to move job to DLQ", "error", err)
			return
		}
		slog.ErrorContext(ctx, "job sent to DLQ",
			"event_id", msg.job.Event.ExternalEventID, "final_error", handlerErr, "dlq_stream", q.cfg.DLQStream)
		return
	}
	if err := q.add(jobCtx, q.cfg.Stream, msg.job, msg.attempt+1, handlerErr.Error()); err != nil {
		slog.ErrorContext(ctx, "failed to requeue job", "error", err)
		return
	}
	slog.InfoContext(ctx, "job requeued", "next_attempt", msg.attempt+1, "reason", handlerErr)
}

func (q *StreamQueue) ack(ctx context.Context, id string) error {
	if err := q.client.XAck(ctx, q.cfg.Stream, q.cfg.Group, id).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", q.cfg.Stream, err)
	}
	return nil
}
