package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultStream    = "veil:deliver"
	defaultBatch     = int64(16)
	defaultBlock     = 5 * time.Second
	defaultMaxStream = int64(100_000)
)

// Redis is the durable queue over a Redis stream.
//
// Every instance consumes through its own consumer group, so each instance
// observes every job (recipients may be connected anywhere). Within a group,
// unacked entries are reclaimed after the backoff and retried up to the
// policy's attempt cap, then acked and dropped so a poison job cannot loop.
type Redis struct {
	log    *slog.Logger
	client *redis.Client
	policy Policy

	stream   string
	group    string
	consumer string

	batch     int64
	block     time.Duration
	maxStream int64
}

// RedisOption configures the Redis queue.
type RedisOption func(*Redis)

// WithStream overrides the stream key (default veil:deliver).
func WithStream(name string) RedisOption {
	return func(q *Redis) {
		name = strings.TrimSpace(name)
		if name != "" {
			q.stream = name
		}
	}
}

// WithPolicy overrides the retry policy.
func WithPolicy(p Policy) RedisOption {
	return func(q *Redis) {
		if p.Attempts > 0 && p.Backoff > 0 {
			q.policy = p
		}
	}
}

// NewRedis constructs the producer/consumer pair for this instance.
// instanceID scopes the consumer group; it must be stable for the process
// lifetime and unique across instances.
func NewRedis(log *slog.Logger, client *redis.Client, instanceID string, opts ...RedisOption) (*Redis, error) {
	if client == nil {
		return nil, errors.New("queue: nil redis client")
	}
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return nil, errors.New("queue: empty instance id")
	}
	if log == nil {
		log = slog.Default()
	}

	q := &Redis{
		log:       log,
		client:    client,
		policy:    DefaultPolicy(),
		stream:    defaultStream,
		group:     "veil:" + instanceID,
		consumer:  "worker-" + instanceID,
		batch:     defaultBatch,
		block:     defaultBlock,
		maxStream: defaultMaxStream,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q, nil
}

// Enqueue appends the job to the delivery stream.
func (q *Redis) Enqueue(ctx context.Context, job Job) error {
	if job.Kind == "" {
		job.Kind = JobKind
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job: %w", err)
	}

	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxStream,
		Approx: true,
		Values: map[string]any{"job": raw},
	}).Err(); err != nil {
		return fmt.Errorf("queue: xadd: %w", err)
	}
	return nil
}

// Run consumes jobs until ctx is done.
func (q *Redis) Run(ctx context.Context, deliver Deliverer) error {
	if deliver == nil {
		return errors.New("queue: nil deliverer")
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		q.reclaim(ctx, deliver)

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.batch,
			Block:    q.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			q.log.Error("queue.read.fail", "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(q.policy.Backoff):
			}
			continue
		}

		for _, s := range streams {
			for _, entry := range s.Messages {
				q.handle(ctx, entry, deliver, 1)
			}
		}
	}
}

func (q *Redis) ensureGroup(ctx context.Context) error {
	// "$" starts the group at the tail: an instance only delivers jobs
	// produced after it came up.
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("queue: create group: %w", err)
	}
	return nil
}

// reclaim retries entries left pending past the backoff window.
func (q *Redis) reclaim(ctx context.Context, deliver Deliverer) {
	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: q.consumer,
		MinIdle:  q.policy.Backoff,
		Start:    "0",
		Count:    q.batch,
	}).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			q.log.Error("queue.reclaim.fail", "err", err)
		}
		return
	}
	if len(claimed) == 0 {
		return
	}

	retries := q.retryCounts(ctx, claimed)
	for _, entry := range claimed {
		q.handle(ctx, entry, deliver, retries[entry.ID])
	}
}

func (q *Redis) retryCounts(ctx context.Context, entries []redis.XMessage) map[string]int64 {
	out := make(map[string]int64, len(entries))
	if len(entries) == 0 {
		return out
	}
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  entries[0].ID,
		End:    entries[len(entries)-1].ID,
		Count:  int64(len(entries)),
	}).Result()
	if err != nil {
		return out
	}
	for _, p := range pending {
		out[p.ID] = p.RetryCount
	}
	return out
}

func (q *Redis) handle(ctx context.Context, entry redis.XMessage, deliver Deliverer, attempt int64) {
	job, err := decodeJob(entry)
	if err != nil {
		// Malformed payloads can never succeed; ack and drop immediately.
		q.log.Error("queue.job.malformed", "entry_id", entry.ID, "err", err)
		q.ack(ctx, entry.ID)
		return
	}

	if err := deliver(job); err != nil {
		if attempt >= int64(q.policy.Attempts) {
			q.log.Error("queue.job.drop", "entry_id", entry.ID, "conversation", job.Conversation, "err", err)
			q.ack(ctx, entry.ID)
			return
		}
		// Leave pending; XAutoClaim retries it after the backoff.
		q.log.Warn("queue.job.retry", "entry_id", entry.ID, "attempt", attempt, "err", err)
		return
	}

	q.ack(ctx, entry.ID)
}

func (q *Redis) ack(ctx context.Context, entryID string) {
	if err := q.client.XAck(ctx, q.stream, q.group, entryID).Err(); err != nil && ctx.Err() == nil {
		q.log.Error("queue.ack.fail", "entry_id", entryID, "err", err)
	}
}

func decodeJob(entry redis.XMessage) (Job, error) {
	raw, ok := entry.Values["job"]
	if !ok {
		return Job{}, errors.New("missing job field")
	}
	var data []byte
	switch t := raw.(type) {
	case string:
		data = []byte(t)
	case []byte:
		data = t
	default:
		return Job{}, fmt.Errorf("unexpected job field type %T", raw)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}
