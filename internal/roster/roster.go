// Package roster implements an async emitter that keeps the sqlite
// roster_snapshot table (SPEC_FULL §4.I) eventually consistent with each
// Coordinator's in-memory Registry. It exists purely for operator
// visibility after a process crash — the Registry is always the source
// of truth while a channel is live — so it never sits on the
// Coordinator's hot path, mirroring internal/audit.Emitter's
// fire-and-forget bounded queue.
package roster

import (
	"context"
	"log/slog"

	"ptt/server/internal/store"
)

// Store is the persistence collaborator the emitter forwards roster
// mutations to. internal/store's sqlite adapter implements this.
type Store interface {
	PutRoster(ctx context.Context, e store.RosterEntry) error
	DeleteRoster(ctx context.Context, channelUUID, deviceToken string) error
}

type deleteKey struct {
	channelUUID string
	deviceToken string
}

type event struct {
	put *store.RosterEntry
	del *deleteKey
}

// Emitter runs one background worker draining a bounded queue of roster
// upserts and deletes.
type Emitter struct {
	store Store
	queue chan event
	done  chan struct{}
}

// New starts an Emitter with the given bounded queue depth
// (SPEC_FULL §6.5 ROSTER_QUEUE_SIZE).
func New(st Store, queueSize int) *Emitter {
	if queueSize <= 0 {
		queueSize = 1024
	}
	e := &Emitter{
		store: st,
		queue: make(chan event, queueSize),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

// Put enqueues an upsert of one participant's presence. Never blocks: a
// full queue drops the event with a logged warning — same tradeoff as
// internal/audit.Emitter.Emit, since roster visibility must never apply
// backpressure to the Coordinator.
func (e *Emitter) Put(channelUUID, userID, deviceToken, username string, lastSeenMS int64) {
	entry := store.RosterEntry{
		ChannelUUID: channelUUID,
		UserID:      userID,
		DeviceToken: deviceToken,
		Username:    username,
		LastSeenMS:  lastSeenMS,
	}
	select {
	case e.queue <- event{put: &entry}:
	default:
		slog.Warn("roster: queue full, dropping put", "channel_uuid", channelUUID, "device_token", deviceToken)
	}
}

// Delete enqueues removal of one participant's roster row.
func (e *Emitter) Delete(channelUUID, deviceToken string) {
	select {
	case e.queue <- event{del: &deleteKey{channelUUID: channelUUID, deviceToken: deviceToken}}:
	default:
		slog.Warn("roster: queue full, dropping delete", "channel_uuid", channelUUID, "device_token", deviceToken)
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
	for ev := range e.queue {
		e.apply(ev)
	}
}

func (e *Emitter) apply(ev event) {
	ctx := context.Background()
	switch {
	case ev.put != nil:
		if err := e.store.PutRoster(ctx, *ev.put); err != nil {
			slog.Warn("roster: put failed", "channel_uuid", ev.put.ChannelUUID, "device_token", ev.put.DeviceToken, "err", err)
		}
	case ev.del != nil:
		if err := e.store.DeleteRoster(ctx, ev.del.channelUUID, ev.del.deviceToken); err != nil {
			slog.Warn("roster: delete failed", "channel_uuid", ev.del.channelUUID, "device_token", ev.del.deviceToken, "err", err)
		}
	}
}
