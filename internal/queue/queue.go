// Package queue decouples same-instance topic publish from delivery to
// recipients connected elsewhere. Jobs are produced by the dispatcher and
// consumed by one worker per instance; delivery is at-least-once and
// recipients deduplicate by message id.
package queue

import (
	"context"
	"log/slog"
	"time"

	"veil/internal/hub"
	"veil/internal/registry"
	"veil/internal/wire"
)

// JobKind is the only job type the delivery stream carries today.
const JobKind = "worker"

// Job is the delivery work item: push Data to every recipient in To that is
// connected to the consuming instance. Absent recipients are not failures.
type Job struct {
	ID           string     `json:"id,omitempty"`
	To           []string   `json:"to"`
	Kind         string     `json:"kind"`
	Conversation string     `json:"conversation"`
	Data         wire.Frame `json:"data"`
}

// Policy is the retry contract for a job.
type Policy struct {
	Attempts         int
	Backoff          time.Duration
	RemoveOnComplete bool
}

// DefaultPolicy mirrors the producer contract: 3 attempts, 1s backoff.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Backoff: time.Second, RemoveOnComplete: true}
}

// Producer enqueues delivery jobs.
type Producer interface {
	Enqueue(ctx context.Context, job Job) error
}

// Deliverer pushes a job's payload to local recipients.
// It returns an error only when the job itself cannot be processed;
// an empty local recipient set completes the job.
type Deliverer func(job Job) error

// NewLocalDeliverer builds the standard Deliverer over the connection registry.
func NewLocalDeliverer(log *slog.Logger, reg *registry.Registry) Deliverer {
	if log == nil {
		log = slog.Default()
	}
	return func(job Job) error {
		for _, userHex := range job.To {
			handles := reg.Get(userHex)
			if len(handles) == 0 {
				continue
			}
			for _, h := range handles {
				if !h.TrySend(job.Data) {
					log.Debug("queue.deliver.drop",
						"user", userHex, "session_id", sessionID(h), "conversation", job.Conversation)
				}
			}
		}
		return nil
	}
}

func sessionID(c *hub.Client) string {
	if c == nil {
		return ""
	}
	return c.SessionID
}
