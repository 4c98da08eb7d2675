// Package audit implements the Audit Emitter: it accepts closed-session
// records off the Coordinator's hot path and forwards them to a durable
// persistence collaborator, retrying transient failures with exponential
// backoff and dropping (with a logged warning) once retries are
// exhausted. Audit loss never affects the realtime path.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"ptt/server/internal/transmission"
)

// MaxAttempts bounds how many times the emitter retries one record before
// giving up, per spec §4.F.
const MaxAttempts = 10

// Store is the persistence collaborator the emitter forwards records to.
// internal/store's sqlite adapter implements this.
type Store interface {
	AppendAudit(ctx context.Context, summary transmission.Summary) error
}

// Emitter runs one background worker draining a bounded queue of closed
// session summaries. Emit never blocks the caller beyond a full queue
// check; a full queue drops the record being emitted with a warning
// rather than applying backpressure to the Coordinator.
type Emitter struct {
	store      Store
	queue      chan transmission.Summary
	done       chan struct{}
	newBackoff func() backoff.BackOff
}

// New starts an Emitter with the given bounded queue depth
// (SPEC_FULL §6.5 AUDIT_QUEUE_SIZE).
func New(store Store, queueSize int) *Emitter {
	if queueSize <= 0 {
		queueSize = 1024
	}
	e := &Emitter{
		store: store,
		queue: make(chan transmission.Summary, queueSize),
		done:  make(chan struct{}),
		newBackoff: func() backoff.BackOff {
			policy := backoff.NewExponentialBackOff()
			policy.InitialInterval = 1 * time.Second
			policy.Multiplier = 2
			policy.MaxInterval = 60 * time.Second
			policy.MaxElapsedTime = 0 // bounded by MaxAttempts instead, not wall time
			return policy
		},
	}
	go e.run()
	return e
}

// Emit enqueues a summary for asynchronous persistence. Never blocks: if
// the queue is full, the record is dropped immediately with a logged
// warning — the Coordinator's hot path must never wait on audit I/O.
func (e *Emitter) Emit(summary transmission.Summary) {
	select {
	case e.queue <- summary:
	default:
		slog.Warn("audit: queue full, dropping record",
			"session_id", summary.SessionID, "channel_uuid", summary.ChannelUUID)
	}
}

// Stop closes the emitter's queue and waits for the worker to drain
// in-flight work. Safe to call once, at process shutdown.
func (e *Emitter) Stop() {
	close(e.queue)
	<-e.done
}

func (e *Emitter) run() {
	defer close(e.done)
	for summary := range e.queue {
		e.persistWithRetry(summary)
	}
}

func (e *Emitter) persistWithRetry(summary transmission.Summary) {
	policy := e.newBackoff()

	attempts := 0
	operation := func() error {
		attempts++
		err := e.store.AppendAudit(context.Background(), summary)
		if err != nil {
			slog.Debug("audit: persist attempt failed",
				"session_id", summary.SessionID, "attempt", attempts, "err", err)
		}
		return err
	}

	err := backoff.Retry(operation, backoff.WithMaxRetries(policy, MaxAttempts-1))
	if err != nil {
		slog.Warn("audit: dropping record after exhausting retries",
			"session_id", summary.SessionID, "channel_uuid", summary.ChannelUUID,
			"attempts", attempts, "err", err)
	}
}
