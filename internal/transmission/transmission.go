// Package transmission implements the Transmission Session: the state of
// one active transmission on a channel — sequence tracking, an
// out-of-order chunk buffer with TTL, and the deadline that bounds its
// lifetime. A Session belongs to exactly one Channel Coordinator at a
// time; it performs no locking of its own because the Coordinator already
// serializes every call into it.
package transmission

import (
	"encoding/base64"
	"errors"

	"ptt/server/internal/clock"
)

// MaxChunkBytes is the hard cap on one chunk's decoded payload size.
const MaxChunkBytes = 64 * 1024

// MaxOutOfOrderChunks bounds how many future chunks may be buffered ahead
// of expected_sequence; once the buffer is full, further future chunks are
// acknowledged as late and dropped.
const MaxOutOfOrderChunks = 8

// ChunkTTLMS is the default time a buffered chunk may sit before
// ExpireOldChunks reclaims it.
const ChunkTTLMS = 30_000

// Reasons a session can close, per spec §4.C/§4.D.
const (
	ReasonClientEnd       = "client_end"
	ReasonDeadline        = "deadline"
	ReasonOwnerDisconnect = "owner_disconnect"
	ReasonChannelShutdown = "channel_shutdown"
	ReasonError           = "error"
)

// Errors returned by AcceptChunk.
var (
	ErrNegativeSequence = errors.New("transmission: sequence must be >= 0")
	ErrBadPayload       = errors.New("transmission: payload does not decode to reported size")
	ErrChunkTooLarge    = errors.New("transmission: reported_size exceeds MaxChunkBytes")
	ErrPastDeadline     = errors.New("transmission: session is past its deadline")
)

// AcceptStatus is the outcome reported back to the submitting client.
type AcceptStatus string

const (
	StatusAccepted AcceptStatus = "accepted"
	StatusBuffered AcceptStatus = "buffered" // out-of-order, held pending the gap
	StatusLate     AcceptStatus = "late"     // acknowledged but silently dropped
)

// Chunk is one accepted audio chunk, ready for fan-out.
type Chunk struct {
	Sequence   int
	Payload    []byte
	ReceivedAt int64
	ExpiresAt  int64
}

// AcceptResult is returned from AcceptChunk.
type AcceptResult struct {
	Status       AcceptStatus
	NextExpected int
	// Drained holds every chunk released in order by this call: the
	// submitted chunk itself (if in-order) plus any buffered successors
	// that became contiguous as a result.
	Drained []Chunk
}

// Params configures a new Session, mirroring the client's start_transmission
// request.
type Params struct {
	AudioFormat          string
	SampleRate           int
	Bitrate              int
	NetworkQuality       string
	IsEmergency          bool
	MaxDurationMS        int64
	ListenerCountAtStart int
}

// Summary is the post-hoc view of a closed session, shaped to become an
// audit record or a REST TransmissionSummary.
type Summary struct {
	SessionID            string
	ChannelUUID          string
	OwnerUserID          string
	OwnerDeviceToken     string
	AudioFormat          string
	IsEmergency          bool
	NetworkQuality       string
	StartedAt            int64
	EndedAt              int64
	DurationMS           int64
	ChunksCount          int
	TotalBytes           int64
	ListenerCountAtStart int
	TerminationReason    string
}

// Session is one active transmission. All methods assume external
// serialization by the owning Coordinator.
type Session struct {
	SessionID        string
	ChannelUUID      string
	OwnerUserID      string
	OwnerDeviceToken string
	StartedAt        int64
	Deadline         int64
	Params           Params

	clock clock.Clock

	expectedSequence int
	buffered         map[int]Chunk // out-of-order, keyed by sequence
	totalBytes       int64
	chunksCount      int
	closed           bool
}

// New allocates a fresh session starting now.
func New(clk clock.Clock, sessionID, channelUUID, ownerUserID, ownerDeviceToken string, params Params) *Session {
	now := clk.NowMS()
	return &Session{
		SessionID:        sessionID,
		ChannelUUID:      channelUUID,
		OwnerUserID:      ownerUserID,
		OwnerDeviceToken: ownerDeviceToken,
		StartedAt:        now,
		Deadline:         now + params.MaxDurationMS,
		Params:           params,
		clock:            clk,
		buffered:         make(map[int]Chunk),
	}
}

// PastDeadline reports whether now is at or beyond the session's deadline.
func (s *Session) PastDeadline(now int64) bool {
	return now >= s.Deadline
}

// AcceptChunk implements the ordering/gap/late-drop policy of spec §4.C.
func (s *Session) AcceptChunk(sequence int, payloadB64 string, reportedSize int) (AcceptResult, error) {
	if sequence < 0 {
		return AcceptResult{}, ErrNegativeSequence
	}
	if reportedSize > MaxChunkBytes {
		return AcceptResult{}, ErrChunkTooLarge
	}
	now := s.clock.NowMS()
	if s.PastDeadline(now) {
		return AcceptResult{}, ErrPastDeadline
	}
	payload, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil || len(payload) != reportedSize {
		return AcceptResult{}, ErrBadPayload
	}

	switch {
	case sequence < s.expectedSequence:
		// Late: acknowledged but silently dropped, counters untouched.
		return AcceptResult{Status: StatusLate, NextExpected: s.expectedSequence}, nil

	case sequence == s.expectedSequence:
		chunk := s.admit(sequence, payload, now)
		drained := []Chunk{chunk}
		drained = append(drained, s.drainContiguous(now)...)
		return AcceptResult{Status: StatusAccepted, NextExpected: s.expectedSequence, Drained: drained}, nil

	default:
		if len(s.buffered) >= MaxOutOfOrderChunks {
			// Buffer already full of future chunks; treat as late-drop
			// rather than growing unbounded ahead of the gap.
			return AcceptResult{Status: StatusLate, NextExpected: s.expectedSequence}, nil
		}
		s.buffered[sequence] = Chunk{
			Sequence:   sequence,
			Payload:    payload,
			ReceivedAt: now,
			ExpiresAt:  now + ChunkTTLMS,
		}
		return AcceptResult{Status: StatusBuffered, NextExpected: s.expectedSequence}, nil
	}
}

// admit records an in-order chunk and advances expected_sequence.
func (s *Session) admit(sequence int, payload []byte, now int64) Chunk {
	s.expectedSequence = sequence + 1
	s.totalBytes += int64(len(payload))
	s.chunksCount++
	return Chunk{
		Sequence:   sequence,
		Payload:    payload,
		ReceivedAt: now,
		ExpiresAt:  now + ChunkTTLMS,
	}
}

// drainContiguous releases buffered successors that became contiguous.
func (s *Session) drainContiguous(now int64) []Chunk {
	var drained []Chunk
	for {
		c, ok := s.buffered[s.expectedSequence]
		if !ok {
			break
		}
		delete(s.buffered, c.Sequence)
		drained = append(drained, s.admit(c.Sequence, c.Payload, now))
	}
	return drained
}

// ExpireOldChunks removes buffered (out-of-order) chunks whose TTL elapsed.
// It never touches ordering counters: expected_sequence advances only when
// the chunk carrying that sequence is accepted, so a chunk that expires
// while buffered is delivered only if the client submits it again.
func (s *Session) ExpireOldChunks(now int64) {
	for seq, c := range s.buffered {
		if c.ExpiresAt <= now {
			delete(s.buffered, seq)
		}
	}
}

// Close finalizes the session and returns its audit summary. Calling Close
// twice is a programmer error in the Coordinator; Session does not guard
// against it since the Coordinator alone owns the transition.
func (s *Session) Close(reason string) Summary {
	now := s.clock.NowMS()
	s.closed = true
	return Summary{
		SessionID:            s.SessionID,
		ChannelUUID:          s.ChannelUUID,
		OwnerUserID:          s.OwnerUserID,
		OwnerDeviceToken:     s.OwnerDeviceToken,
		AudioFormat:          s.Params.AudioFormat,
		IsEmergency:          s.Params.IsEmergency,
		NetworkQuality:       s.Params.NetworkQuality,
		StartedAt:            s.StartedAt,
		EndedAt:              now,
		DurationMS:           now - s.StartedAt,
		ChunksCount:          s.chunksCount,
		TotalBytes:           s.totalBytes,
		ListenerCountAtStart: s.Params.ListenerCountAtStart,
		TerminationReason:    reason,
	}
}

// Closed reports whether Close has already been called.
func (s *Session) Closed() bool { return s.closed }

// ExpectedSequence exposes the next expected sequence, e.g. for diagnostics.
func (s *Session) ExpectedSequence() int { return s.expectedSequence }

// ChunksCount exposes the running in-order chunk count.
func (s *Session) ChunksCount() int { return s.chunksCount }

// TotalBytes exposes the running accepted byte total.
func (s *Session) TotalBytes() int64 { return s.totalBytes }
