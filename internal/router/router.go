// Package router implements the Router: it maps an incoming connection or
// REST request's channel_uuid to the Channel Coordinator instance
// responsible for it, lazily materializing one from the external channel
// catalog on first reference, and evicting idle Coordinators after a
// configurable grace period (spec §4.G).
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"ptt/server/internal/audit"
	"ptt/server/internal/catalog"
	"ptt/server/internal/clock"
	"ptt/server/internal/coordinator"
	"ptt/server/internal/fanout"
	"ptt/server/internal/roster"
)

// ErrChannelNotFound is returned when the catalog has no entry for the
// requested channel_uuid.
var ErrChannelNotFound = errors.New("router: channel not found")

// Config bundles the Router's construction-time dependencies and the
// ambient sweep/eviction intervals from SPEC_FULL §6.5.
type Config struct {
	Catalog       catalog.Catalog
	Clock         clock.Clock
	Engine        *fanout.Engine
	Audit         *audit.Emitter
	Roster        *roster.Emitter // nil disables crash-recovery roster snapshotting
	SweepInterval time.Duration   // default 30s (ROUTER_SWEEP_MS)
	IdleCutoffMS  int64         // default 120000 (IDLE_PARTICIPANT_MS)
	EvictGraceMS  int64         // default 300000 (COORDINATOR_EVICT_MS)
}

type entry struct {
	coord       *coordinator.Coordinator
	idle        bool  // IsIdle() was true on the previous sweep
	idleSinceMS int64 // when IsIdle() was first observed true; valid while idle
}

// Router owns every live Coordinator instance, keyed by channel_uuid.
type Router struct {
	cfg    Config
	mu     sync.Mutex
	byUUID map[string]*entry

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New constructs a Router and starts its idle-sweep ticker.
func New(cfg Config) *Router {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.IdleCutoffMS <= 0 {
		cfg.IdleCutoffMS = coordinator.DefaultIdleCutoffMS
	}
	if cfg.EvictGraceMS <= 0 {
		cfg.EvictGraceMS = 300_000
	}
	r := &Router{
		cfg:       cfg,
		byUUID:    make(map[string]*entry),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Resolve returns the Coordinator for channelUUID, materializing one from
// the catalog if none is currently live. Concurrent Resolve calls for the
// same never-before-seen channel_uuid each pay one catalog lookup; only
// one wins the race to install the Coordinator, matching the catalog
// lookup being "synchronous, cacheable" per spec §6.2.
func (r *Router) Resolve(ctx context.Context, channelUUID string) (*coordinator.Coordinator, error) {
	r.mu.Lock()
	if e, ok := r.byUUID[channelUUID]; ok {
		r.mu.Unlock()
		return e.coord, nil
	}
	r.mu.Unlock()

	ch, err := r.cfg.Catalog.GetChannel(ctx, channelUUID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, ErrChannelNotFound
		}
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byUUID[channelUUID]; ok {
		// Another goroutine won the race while we awaited the catalog.
		return e.coord, nil
	}

	// Pass nil interfaces, not typed nil pointers, so the Coordinator's own
	// nil checks skip unset sinks.
	var auditSink coordinator.AuditSink
	if r.cfg.Audit != nil {
		auditSink = r.cfg.Audit
	}
	var rosterSink coordinator.RosterSink
	if r.cfg.Roster != nil {
		rosterSink = r.cfg.Roster
	}
	coord := coordinator.New(coordinator.Config{
		ChannelUUID:     ch.UUID,
		ChannelType:     ch.Type,
		MaxParticipants: ch.MaxParticipants,
	}, r.cfg.Clock, r.cfg.Engine, auditSink, rosterSink)

	r.byUUID[channelUUID] = &entry{coord: coord}
	slog.Info("router: materialized coordinator", "channel_uuid", channelUUID)
	return coord, nil
}

// Peek returns the Coordinator for channelUUID only if it is already
// live, without consulting the catalog. Used by the REST leave, chunk and
// end handlers, which act only on channels already in memory.
func (r *Router) Peek(channelUUID string) (*coordinator.Coordinator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byUUID[channelUUID]
	if !ok {
		return nil, false
	}
	return e.coord, true
}

// Stats returns the number of currently live coordinators and the sum of
// their participant counts, for periodic metrics logging.
func (r *Router) Stats() (channels int, participants int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	channels = len(r.byUUID)
	for _, e := range r.byUUID {
		participants += len(e.coord.Snapshot())
	}
	return channels, participants
}

// Stop halts the idle-sweep ticker and shuts down every live Coordinator.
func (r *Router) Stop() {
	close(r.stopSweep)
	<-r.sweepDone

	r.mu.Lock()
	defer r.mu.Unlock()
	for uuid, e := range r.byUUID {
		e.coord.Shutdown()
		delete(r.byUUID, uuid)
	}
}

func (r *Router) sweepLoop() {
	defer close(r.sweepDone)
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopSweep:
			return
		case <-ticker.C:
			r.sweepOnce()
		}
	}
}

func (r *Router) sweepOnce() {
	now := r.cfg.Clock.NowMS()

	r.mu.Lock()
	coords := make([]*coordinator.Coordinator, 0, len(r.byUUID))
	for _, e := range r.byUUID {
		coords = append(coords, e.coord)
	}
	r.mu.Unlock()

	for _, c := range coords {
		c.IdleSweep(now, r.cfg.IdleCutoffMS)
		c.CheckDeadline(now)
	}

	r.evictIdle(now)
}

// evictIdle removes and shuts down Coordinators that have reported no
// participants and no active session for at least EvictGraceMS.
func (r *Router) evictIdle(now int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for uuid, e := range r.byUUID {
		if !e.coord.IsIdle() {
			e.idle = false
			continue
		}
		if !e.idle {
			e.idle = true
			e.idleSinceMS = now
			continue
		}
		if now-e.idleSinceMS >= r.cfg.EvictGraceMS {
			e.coord.Shutdown()
			delete(r.byUUID, uuid)
			slog.Info("router: evicted idle coordinator", "channel_uuid", uuid)
		}
	}
}
