// Package coordinator implements the Channel Coordinator: one instance per
// channel, owning the Participant Registry and the (at most one) active
// Transmission Session, serializing every mutating operation, and
// enforcing the single-transmitter invariant. It is the heart of the
// system (spec §4.D).
package coordinator

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"ptt/server/internal/catalog"
	"ptt/server/internal/clock"
	"ptt/server/internal/fanout"
	"ptt/server/internal/identity"
	"ptt/server/internal/protocol"
	"ptt/server/internal/registry"
	"ptt/server/internal/transmission"
)

// Defaults per spec §4.D/§4.G. StartTransmission always uses the two
// transmission deadlines below; the max-transmission flags of
// internal/config are not passed to the Coordinator. DefaultIdleCutoffMS is
// the Router's fallback when its Config leaves IdleCutoffMS unset.
const (
	DefaultMaxTransmissionMS          = 60_000
	DefaultMaxEmergencyTransmissionMS = 300_000
	DefaultIdleCutoffMS               = 120_000
)

// Typed sentinel errors, mapped to REST {success:false,error,code} and
// stream error frames by the transport layers via ErrorCode.
var (
	ErrBusy               = errors.New("coordinator: channel busy, another transmission in progress")
	ErrNoSession          = errors.New("coordinator: no active transmission session")
	ErrNotOwner           = errors.New("coordinator: caller does not own the active session")
	ErrCapacity           = errors.New("coordinator: channel at capacity")
	ErrDuplicateDevice    = errors.New("coordinator: (user_id, device_token) already joined")
	ErrInvalidParams      = errors.New("coordinator: invalid transmission parameters")
	ErrForbiddenEmergency = errors.New("coordinator: caller is not permitted to start an emergency transmission")
	ErrUnknownParticipant = errors.New("coordinator: unknown participant")
	ErrChannelFatal       = errors.New("coordinator: channel is shutting down")
)

// ErrorCode maps a typed coordinator error to the wire-level code used by
// both the REST error envelope and the stream error frame.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrBusy):
		return protocol.CodeBusy
	case errors.Is(err, ErrNoSession):
		return protocol.CodeNoSession
	case errors.Is(err, ErrNotOwner):
		return protocol.CodeNotOwner
	case errors.Is(err, ErrCapacity), errors.Is(err, ErrDuplicateDevice),
		errors.Is(err, ErrInvalidParams), errors.Is(err, ErrForbiddenEmergency),
		errors.Is(err, ErrUnknownParticipant):
		return protocol.CodeInvalidChunk
	case errors.Is(err, ErrChannelFatal):
		return protocol.CodeChannelClosing
	default:
		return "internal_error"
	}
}

// allowedAudioFormats is the closed set accepted by start_transmission.
var allowedAudioFormats = map[string]bool{
	"aac-lc": true,
	"opus":   true,
	"pcm":    true,
}

// AuditSink receives a closed session's summary for asynchronous
// persistence. internal/audit.Emitter implements this via Emit.
type AuditSink interface {
	Emit(summary transmission.Summary)
}

// RosterSink receives asynchronous crash-recovery roster updates,
// keeping the roster_snapshot table (SPEC_FULL §4.I) eventually
// consistent with the in-memory Registry. internal/roster.Emitter
// implements this; may be nil, in which case roster updates are skipped.
type RosterSink interface {
	Put(channelUUID, userID, deviceToken, username string, lastSeenMS int64)
	Delete(channelUUID, deviceToken string)
}

// StartParams mirrors the client's start_transmission request.
type StartParams struct {
	AudioFormat      string
	SampleRate       int
	Bitrate          int
	NetworkQuality   string
	IsEmergency      bool
	ExpectedDuration int
}

// JoinResult is returned from Join: the channel's current snapshot plus
// whether a transmission is in progress.
type JoinResult struct {
	Participant        registry.Participant
	Snapshot           []registry.Participant
	ActiveTransmission *transmission.Summary // non-nil only while in progress; EndedAt is zero
}

// Coordinator owns one channel's realtime state.
type Coordinator struct {
	channelUUID string
	channelType string

	clock      clock.Clock
	registry   *registry.Registry
	engine     *fanout.Engine
	audit      AuditSink
	roster     RosterSink
	identities identity.Resolver // handshake-time resolution only; may be nil if unused by caller

	mu           sync.Mutex
	active       *transmission.Session
	listeners    map[string]*fanout.Listener // device_token -> listener
	lastActivity int64
	shuttingDown bool
}

// Config bundles the construction-time parameters for a Coordinator,
// mirroring catalog.Channel.
type Config struct {
	ChannelUUID     string
	ChannelType     string
	MaxParticipants int
}

// New constructs a Coordinator for one channel. The Router is responsible
// for looking up cfg via the catalog and calling New exactly once per
// channel_uuid (lazy materialization, spec §4.G). roster may be nil to
// skip crash-recovery snapshotting entirely.
func New(cfg Config, clk clock.Clock, engine *fanout.Engine, audit AuditSink, roster RosterSink) *Coordinator {
	return &Coordinator{
		channelUUID:  cfg.ChannelUUID,
		channelType:  cfg.ChannelType,
		clock:        clk,
		registry:     registry.New(clk, cfg.MaxParticipants),
		engine:       engine,
		audit:        audit,
		roster:       roster,
		listeners:    make(map[string]*fanout.Listener),
		lastActivity: clk.NowMS(),
	}
}

// ChannelUUID returns the channel this Coordinator owns.
func (c *Coordinator) ChannelUUID() string { return c.channelUUID }

// ReportDisconnect implements fanout.DisconnectReporter: the Fan-out
// Engine calls this when a listener's queue forces a slow_consumer close
// or its socket write fails. The participant is removed immediately, as by
// Leave: its session (if it owns one) closes with owner_disconnect and
// participant_leave is broadcast.
func (c *Coordinator) ReportDisconnect(deviceToken, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detachLocked(deviceToken, reason)
}

// Join admits a participant and broadcasts participant_join to the rest of
// the channel.
func (c *Coordinator) Join(userID, username, deviceToken string, desc registry.Descriptor) (JoinResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shuttingDown {
		return JoinResult{}, ErrChannelFatal
	}

	p, err := c.registry.Join(userID, username, deviceToken, desc)
	if err != nil {
		return JoinResult{}, translateRegistryErr(err)
	}
	c.touchActivityLocked()

	c.broadcastExceptLocked(deviceToken, protocol.Frame{
		Type:      protocol.TypeParticipantJoin,
		Timestamp: c.clock.NowMS(),
		UserID:    userID,
		Username:  username,
	})
	if c.roster != nil {
		c.roster.Put(c.channelUUID, userID, deviceToken, username, c.clock.NowMS())
	}

	result := JoinResult{
		Participant: p,
		Snapshot:    c.registry.Snapshot(),
	}
	if c.active != nil {
		result.ActiveTransmission = &transmission.Summary{
			SessionID:            c.active.SessionID,
			ChannelUUID:          c.active.ChannelUUID,
			OwnerUserID:          c.active.OwnerUserID,
			AudioFormat:          c.active.Params.AudioFormat,
			IsEmergency:          c.active.Params.IsEmergency,
			NetworkQuality:       c.active.Params.NetworkQuality,
			StartedAt:            c.active.StartedAt,
			ListenerCountAtStart: c.active.Params.ListenerCountAtStart,
		}
	}
	return result, nil
}

// AttachSocket binds a transport connection to an already-joined device
// token and starts its Fan-out listener.
func (c *Coordinator) AttachSocket(deviceToken string, sender fanout.Sender) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.registry.Get(deviceToken); !ok {
		return ErrUnknownParticipant
	}
	listener := fanout.NewListener(deviceToken, sender, c)
	c.listeners[deviceToken] = listener
	_ = c.registry.AttachSocket(deviceToken, sockCloser{listener})
	return nil
}

// sockCloser adapts a *fanout.Listener to registry.Socket so the registry
// can close the transport without importing the fanout package's Sender
// type directly.
type sockCloser struct{ l *fanout.Listener }

func (s sockCloser) Close() error { s.l.Stop("registry_close"); return nil }

// Leave removes a participant and broadcasts participant_leave. If the
// leaver owned the active session, the session is torn down with reason
// owner_disconnect.
func (c *Coordinator) Leave(deviceToken string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaveLocked(deviceToken, "client_leave")
}

func (c *Coordinator) leaveLocked(deviceToken, _ string) error {
	p, ok := c.registry.Get(deviceToken)
	if !ok {
		return ErrUnknownParticipant
	}
	if err := c.registry.Leave(deviceToken); err != nil {
		return translateRegistryErr(err)
	}
	c.detachListenerLocked(deviceToken)
	c.touchActivityLocked()

	if c.active != nil && c.active.OwnerDeviceToken == deviceToken {
		c.closeActiveLocked(transmission.ReasonOwnerDisconnect)
	}

	c.broadcastExceptLocked("", protocol.Frame{
		Type:      protocol.TypeParticipantLeave,
		Timestamp: c.clock.NowMS(),
		UserID:    p.UserID,
		Username:  p.Username,
	})
	if c.roster != nil {
		c.roster.Delete(c.channelUUID, deviceToken)
	}
	return nil
}

func (c *Coordinator) detachLocked(deviceToken, reason string) {
	if _, ok := c.registry.Get(deviceToken); !ok {
		return
	}
	_ = c.leaveLocked(deviceToken, reason)
}

func (c *Coordinator) detachListenerLocked(deviceToken string) {
	if l, ok := c.listeners[deviceToken]; ok {
		delete(c.listeners, deviceToken)
		l.Stop("detach")
	}
	c.registry.DetachSocket(deviceToken)
}

// StartTransmission allocates a new Transmission Session if the channel is
// IDLE, transitioning it to TRANSMITTING.
func (c *Coordinator) StartTransmission(userID, deviceToken string, principal identity.Principal, params StartParams) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shuttingDown {
		return "", ErrChannelFatal
	}

	p, ok := c.registry.Owner(userID, deviceToken)
	if !ok {
		return "", ErrUnknownParticipant
	}
	if c.active != nil {
		return "", ErrBusy
	}
	if !allowedAudioFormats[params.AudioFormat] {
		return "", ErrInvalidParams
	}
	if params.IsEmergency && c.channelType != catalog.TypeEmergency && !principal.CanSetEmergency() {
		return "", ErrForbiddenEmergency
	}

	maxDuration := int64(DefaultMaxTransmissionMS)
	if params.IsEmergency {
		maxDuration = DefaultMaxEmergencyTransmissionMS
	}

	sessionID := clock.NewSessionID()
	session := transmission.New(c.clock, sessionID, c.channelUUID, userID, deviceToken, transmission.Params{
		AudioFormat:          params.AudioFormat,
		SampleRate:           params.SampleRate,
		Bitrate:              params.Bitrate,
		NetworkQuality:       params.NetworkQuality,
		IsEmergency:          params.IsEmergency,
		MaxDurationMS:        maxDuration,
		ListenerCountAtStart: c.registry.Count(),
	})
	c.active = session
	c.touchActivityLocked()

	c.broadcastExceptLocked(deviceToken, protocol.Frame{
		Type:        protocol.TypeTransmissionStarted,
		Timestamp:   c.clock.NowMS(),
		SessionID:   sessionID,
		UserID:      p.UserID,
		Username:    p.Username,
		AudioFormat: params.AudioFormat,
		IsEmergency: params.IsEmergency,
	})
	return sessionID, nil
}

// SubmitChunk delegates to the active session's ordering policy and fans
// out every drained chunk to the rest of the channel.
func (c *Coordinator) SubmitChunk(deviceToken string, sequence int, payloadB64 string, reportedSize int) (transmission.AcceptResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return transmission.AcceptResult{}, ErrNoSession
	}
	if c.active.OwnerDeviceToken != deviceToken {
		return transmission.AcceptResult{}, ErrNotOwner
	}

	result, err := c.active.AcceptChunk(sequence, payloadB64, reportedSize)
	if err != nil {
		return transmission.AcceptResult{}, err
	}
	c.touchActivityLocked()

	for _, chunk := range result.Drained {
		c.broadcastExceptLocked(deviceToken, protocol.Frame{
			Type:        protocol.TypeAudioChunk,
			Timestamp:   c.clock.NowMS(),
			SessionID:   c.active.SessionID,
			Sequence:    chunk.Sequence,
			AudioData:   payloadB64ForChunk(chunk),
			SizeBytes:   len(chunk.Payload),
			IsEmergency: c.active.Params.IsEmergency,
		})
	}
	return result, nil
}

func payloadB64ForChunk(ch transmission.Chunk) string {
	return base64.StdEncoding.EncodeToString(ch.Payload)
}

// EndTransmission closes the active session with reason client_end.
func (c *Coordinator) EndTransmission(deviceToken string, totalDurationMS int64) (transmission.Summary, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return transmission.Summary{}, ErrNoSession
	}
	if c.active.OwnerDeviceToken != deviceToken {
		return transmission.Summary{}, ErrNotOwner
	}
	_ = totalDurationMS // client-reported value is stored by the REST layer; authoritative duration comes from Close
	return c.closeActiveLocked(transmission.ReasonClientEnd), nil
}

// closeActiveLocked tears down the active session, broadcasts
// transmission_ended, and hands the summary to the audit sink. Must be
// called with c.mu held.
func (c *Coordinator) closeActiveLocked(reason string) transmission.Summary {
	session := c.active
	c.active = nil
	summary := session.Close(reason)

	c.broadcastExceptLocked("", protocol.Frame{
		Type:        protocol.TypeTransmissionEnded,
		Timestamp:   c.clock.NowMS(),
		SessionID:   summary.SessionID,
		UserID:      summary.OwnerUserID,
		Duration:    summary.DurationMS,
		TotalChunks: summary.ChunksCount,
		TotalBytes:  summary.TotalBytes,
		Reason:      reason,
	})
	if c.audit != nil {
		c.audit.Emit(summary)
	}
	slog.Debug("transmission closed",
		"channel_uuid", c.channelUUID,
		"session_id", summary.SessionID,
		"reason", reason,
		"duration", time.Duration(summary.DurationMS)*time.Millisecond,
		"size", humanize.Bytes(uint64(summary.TotalBytes)))
	return summary
}

// CheckDeadline closes the active session with reason deadline if now is
// at or beyond its deadline. Called by the Router's idle-sweep ticker.
func (c *Coordinator) CheckDeadline(now int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil && c.active.PastDeadline(now) {
		c.closeActiveLocked(transmission.ReasonDeadline)
	}
}

// IdleSweep expires stale chunks on the active session and removes
// participants whose last_seen exceeds idleCutoffMS, broadcasting
// participant_leave for each (spec §4.D.8).
func (c *Coordinator) IdleSweep(now int64, idleCutoffMS int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		c.active.ExpireOldChunks(now)
	}
	stale := c.registry.SweepStale(now, idleCutoffMS)
	for _, participant := range stale {
		deviceToken := participant.DeviceToken
		c.detachListenerLocked(deviceToken)
		if c.active != nil && c.active.OwnerDeviceToken == deviceToken {
			c.closeActiveLocked(transmission.ReasonOwnerDisconnect)
		}
		c.broadcastExceptLocked("", protocol.Frame{
			Type:      protocol.TypeParticipantLeave,
			Timestamp: now,
			UserID:    participant.UserID,
		})
		if c.roster != nil {
			c.roster.Delete(c.channelUUID, deviceToken)
		}
	}
}

// IsIdle reports whether the channel has no participants and no active
// session — the Router's eviction predicate (spec §4.G).
func (c *Coordinator) IsIdle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Count() == 0 && c.active == nil
}

// LastActivity returns the monotonic millisecond timestamp of the most
// recent mutating operation, used by the Router's eviction grace timer.
func (c *Coordinator) LastActivity() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// Shutdown closes the active session (if any) with reason
// channel_shutdown, broadcasts channel_closing, and disconnects every
// listener. The Coordinator must not be used afterward.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shuttingDown {
		return
	}
	c.shuttingDown = true

	if c.active != nil {
		c.closeActiveLocked(transmission.ReasonChannelShutdown)
	}
	c.broadcastExceptLocked("", protocol.Frame{
		Type:      protocol.TypeChannelClosing,
		Timestamp: c.clock.NowMS(),
	})
	for token, l := range c.listeners {
		delete(c.listeners, token)
		l.Stop("channel_shutdown")
	}
}

func (c *Coordinator) touchActivityLocked() {
	c.lastActivity = c.clock.NowMS()
}

// broadcastExceptLocked fans frame out to every listener except
// exceptDeviceToken (pass "" to include everyone). Must be called with
// c.mu held; the Fan-out Engine itself does the actual socket I/O off the
// lock via each listener's independent writer goroutine.
func (c *Coordinator) broadcastExceptLocked(exceptDeviceToken string, frame protocol.Frame) {
	if len(c.listeners) == 0 {
		return
	}
	targets := make([]*fanout.Listener, 0, len(c.listeners))
	for token, l := range c.listeners {
		if token == exceptDeviceToken {
			continue
		}
		targets = append(targets, l)
	}
	_ = c.engine.Broadcast(targets, frame)
}

// SendTo sends frame to a single participant's listener, if attached; used
// for replies that should not fan out (e.g. a pong).
func (c *Coordinator) SendTo(deviceToken string, frame protocol.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.listeners[deviceToken]; ok {
		_ = c.engine.SendTo(l, frame)
	}
}

// Touch refreshes a participant's last_seen, e.g. on an inbound ping.
func (c *Coordinator) Touch(deviceToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registry.Touch(deviceToken)
	c.touchActivityLocked()
}

// Snapshot returns the current participant list.
func (c *Coordinator) Snapshot() []registry.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.Snapshot()
}

func translateRegistryErr(err error) error {
	switch {
	case errors.Is(err, registry.ErrCapacity):
		return ErrCapacity
	case errors.Is(err, registry.ErrDuplicate):
		return ErrDuplicateDevice
	case errors.Is(err, registry.ErrInvalidToken):
		return ErrInvalidParams
	case errors.Is(err, registry.ErrUnknownParticipant):
		return ErrUnknownParticipant
	default:
		return err
	}
}
