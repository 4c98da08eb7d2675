// Package registry implements the Participant Registry: the in-memory set
// of listeners on one channel, keyed by device token, with stable-ordered
// snapshots for join/leave broadcasts. It holds no transport logic of its
// own — the Channel Coordinator attaches and detaches sockets through it.
package registry

import (
	"errors"
	"sort"
	"sync"

	"ptt/server/internal/clock"
)

// Errors returned by Registry operations.
var (
	ErrCapacity           = errors.New("registry: channel at capacity")
	ErrDuplicate          = errors.New("registry: (user_id, device_token) already joined")
	ErrInvalidToken       = errors.New("registry: invalid device_token")
	ErrUnknownParticipant = errors.New("registry: unknown device_token")
)

// Socket is the minimal write surface the registry needs from a transport
// connection. internal/ws and internal/wtapi connections satisfy this.
type Socket interface {
	Close() error
}

// Descriptor carries the opaque client/device metadata supplied on join.
type Descriptor struct {
	OS         string
	OSVersion  string
	AppVersion string
}

// Participant is the registry's public, copyable view of one joined device.
type Participant struct {
	UserID      string
	Username    string
	DeviceToken string
	Descriptor  Descriptor
	JoinedAt    int64
	LastSeen    int64
	HasSocket   bool
}

type entry struct {
	userID      string
	username    string
	deviceToken string
	descriptor  Descriptor
	joinedAt    int64
	lastSeen    int64
	socket      Socket
}

func (e *entry) toParticipant() Participant {
	return Participant{
		UserID:      e.userID,
		Username:    e.username,
		DeviceToken: e.deviceToken,
		Descriptor:  e.descriptor,
		JoinedAt:    e.joinedAt,
		LastSeen:    e.lastSeen,
		HasSocket:   e.socket != nil,
	}
}

// Registry is the participant set for one channel. Safe for concurrent use;
// callers outside the owning Coordinator should treat Snapshot as the only
// supported read path.
type Registry struct {
	mu              sync.RWMutex
	clock           clock.Clock
	maxParticipants int
	byToken         map[string]*entry
}

// New returns an empty Registry bounded at maxParticipants.
func New(clk clock.Clock, maxParticipants int) *Registry {
	return &Registry{
		clock:           clk,
		maxParticipants: maxParticipants,
		byToken:         make(map[string]*entry),
	}
}

// Join admits a new participant. Fails with ErrCapacity if admitting would
// exceed maxParticipants, or ErrDuplicate if (user_id, device_token) is
// already present.
func (r *Registry) Join(userID, username, deviceToken string, desc Descriptor) (Participant, error) {
	if err := clock.ValidateDeviceToken(deviceToken); err != nil {
		return Participant{}, ErrInvalidToken
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// device_token is required to be unique per device regardless of which
	// user presents it; a token already bound to anyone is a conflict, not
	// just a resubmission by its original owner.
	if _, ok := r.byToken[deviceToken]; ok {
		return Participant{}, ErrDuplicate
	}
	if len(r.byToken) >= r.maxParticipants {
		return Participant{}, ErrCapacity
	}

	now := r.clock.NowMS()
	e := &entry{
		userID:      userID,
		username:    username,
		deviceToken: deviceToken,
		descriptor:  desc,
		joinedAt:    now,
		lastSeen:    now,
	}
	r.byToken[deviceToken] = e
	return e.toParticipant(), nil
}

// Leave removes a participant by device token.
func (r *Registry) Leave(deviceToken string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byToken[deviceToken]
	if !ok {
		return ErrUnknownParticipant
	}
	delete(r.byToken, deviceToken)
	if e.socket != nil {
		_ = e.socket.Close()
	}
	return nil
}

// AttachSocket binds a transport socket to an already-joined device token.
// Idempotent: attaching over an existing socket replaces it without error.
func (r *Registry) AttachSocket(deviceToken string, sock Socket) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byToken[deviceToken]
	if !ok {
		return ErrUnknownParticipant
	}
	e.socket = sock
	return nil
}

// DetachSocket clears the socket for a device token. A no-op, returning no
// error, if the token is unknown or already detached.
func (r *Registry) DetachSocket(deviceToken string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byToken[deviceToken]; ok {
		e.socket = nil
	}
}

// Touch refreshes last_seen for a device token. No-op on unknown tokens —
// a stale heartbeat racing a concurrent leave should not resurrect state.
func (r *Registry) Touch(deviceToken string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.byToken[deviceToken]; ok {
		e.lastSeen = r.clock.NowMS()
	}
}

// Get returns one participant's current view.
func (r *Registry) Get(deviceToken string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byToken[deviceToken]
	if !ok {
		return Participant{}, false
	}
	return e.toParticipant(), true
}

// Count returns the current participant count.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byToken)
}

// Snapshot returns every participant, ordered stably by joined_at then
// device_token (to break ties deterministically for same-millisecond joins).
func (r *Registry) Snapshot() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() []Participant {
	out := make([]Participant, 0, len(r.byToken))
	for _, e := range r.byToken {
		out = append(out, e.toParticipant())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt != out[j].JoinedAt {
			return out[i].JoinedAt < out[j].JoinedAt
		}
		return out[i].DeviceToken < out[j].DeviceToken
	})
	return out
}

// SweepStale returns the Participants whose last_seen is older than
// now-idleCutoffMS, removing them from the registry. The caller (the
// Coordinator's idle sweep) is responsible for broadcasting
// participant_leave for each returned Participant.
func (r *Registry) SweepStale(now, idleCutoffMS int64) []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []string
	cutoff := now - idleCutoffMS
	for token, e := range r.byToken {
		if e.lastSeen < cutoff {
			stale = append(stale, token)
		}
	}
	sort.Strings(stale)

	removed := make([]Participant, 0, len(stale))
	for _, token := range stale {
		if e, ok := r.byToken[token]; ok {
			removed = append(removed, e.toParticipant())
			if e.socket != nil {
				_ = e.socket.Close()
			}
			delete(r.byToken, token)
		}
	}
	return removed
}

// Owner returns the participant matching userID and deviceToken, used by the
// Coordinator to verify an active session's owner still holds the token.
func (r *Registry) Owner(userID, deviceToken string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byToken[deviceToken]
	if !ok || e.userID != userID {
		return Participant{}, false
	}
	return e.toParticipant(), true
}
