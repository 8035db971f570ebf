package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Memory is the in-process queue used for dev mode and tests. Jobs flow
// through a buffered channel to a single worker goroutine; the retry policy
// matches the Redis worker.
type Memory struct {
	log    *slog.Logger
	policy Policy
	jobs   chan Job
}

// NewMemory constructs an in-memory queue with a bounded buffer.
func NewMemory(log *slog.Logger, buffer int) *Memory {
	if log == nil {
		log = slog.Default()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &Memory{
		log:    log,
		policy: DefaultPolicy(),
		jobs:   make(chan Job, buffer),
	}
}

// Enqueue adds a job, blocking only when the buffer is full.
func (m *Memory) Enqueue(ctx context.Context, job Job) error {
	if job.Kind == "" {
		job.Kind = JobKind
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case m.jobs <- job:
		return nil
	}
}

// Run consumes jobs until ctx is done. One worker per instance.
func (m *Memory) Run(ctx context.Context, deliver Deliverer) {
	if deliver == nil {
		deliver = func(Job) error { return errors.New("nil deliverer") }
	}

	for {
		select {
		case <-ctx.Done():
			return
		case job := <-m.jobs:
			m.process(ctx, job, deliver)
		}
	}
}

func (m *Memory) process(ctx context.Context, job Job, deliver Deliverer) {
	for attempt := 1; ; attempt++ {
		err := deliver(job)
		if err == nil {
			return
		}
		if attempt >= m.policy.Attempts {
			m.log.Error("queue.job.drop", "job_id", job.ID, "conversation", job.Conversation, "err", err)
			return
		}
		m.log.Warn("queue.job.retry", "job_id", job.ID, "attempt", attempt, "err", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.policy.Backoff):
		}
	}
}
