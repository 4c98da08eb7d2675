package protocol

// JoinRequest is the body of POST /channels/{uuid}/join. The wire name for
// device_token is ephemeral_push_token per spec §6.4/glossary ("Device
// token (ephemeral push token)") — the two terms name the same value.
type JoinRequest struct {
	Username    string     `json:"username"`
	DeviceToken string     `json:"ephemeral_push_token"`
	DeviceInfo  DeviceInfo `json:"device_info"`
}

// DeviceInfo is opaque client/device metadata carried on join.
type DeviceInfo struct {
	OS         string `json:"os"`
	OSVersion  string `json:"os_version"`
	AppVersion string `json:"app_version"`
}

// JoinResponse is returned from a successful join.
type JoinResponse struct {
	Participant        ParticipantInfo      `json:"participant"`
	ActiveTransmission *TransmissionSummary `json:"active_transmission,omitempty"`
}

// ParticipantInfo is the public snapshot of one participant.
type ParticipantInfo struct {
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	DeviceToken string `json:"device_token"`
	JoinedAt    int64  `json:"joined_at"`
}

// LeaveRequest is the body of POST /channels/{uuid}/leave. Same
// device_token/ephemeral_push_token wire-naming note as JoinRequest.
type LeaveRequest struct {
	DeviceToken string `json:"ephemeral_push_token"`
}

// StartTransmissionRequest is the body of POST /transmissions/start.
type StartTransmissionRequest struct {
	ChannelUUID      string  `json:"channel_uuid"`
	DeviceToken      string  `json:"device_token"`
	AudioFormat      string  `json:"audio_format"`
	SampleRate       int     `json:"sample_rate"`
	Bitrate          int     `json:"bitrate"`
	NetworkQuality   string  `json:"network_quality"`
	ExpectedDuration int     `json:"expected_duration"`
	IsEmergency      bool    `json:"is_emergency,omitempty"`
	Location         *string `json:"location,omitempty"`
}

// StartTransmissionResponse is returned from a successful start.
type StartTransmissionResponse struct {
	SessionID     string `json:"session_id"`
	MaxDurationMS int64  `json:"max_duration_ms"`
	WebSocketURL  string `json:"websocket_url"`
}

// ChunkRequest is the body of POST /transmissions/{session_id}/chunk.
type ChunkRequest struct {
	SessionID      string `json:"session_id"`
	DeviceToken    string `json:"device_token"`
	ChunkSequence  int    `json:"chunk_sequence"`
	AudioData      string `json:"audio_data"`
	ChunkSizeBytes int    `json:"chunk_size_bytes"`
	TimestampMS    int64  `json:"timestamp_ms"`
}

// ChunkResponse acknowledges one chunk.
type ChunkResponse struct {
	ChunkReceived        bool `json:"chunk_received"`
	NextExpectedSequence int  `json:"next_expected_sequence"`
}

// EndTransmissionRequest is the body of POST /transmissions/{session_id}/end.
type EndTransmissionRequest struct {
	SessionID       string  `json:"session_id"`
	DeviceToken     string  `json:"device_token"`
	TotalDurationMS int64   `json:"total_duration_ms"`
	FinalLocation   *string `json:"final_location,omitempty"`
}

// EndTransmissionResponse carries the closed session's summary.
type EndTransmissionResponse struct {
	SessionSummary TransmissionSummary `json:"session_summary"`
}

// TransmissionSummary is the post-hoc shape of a closed (or in-flight,
// when reported as "active") transmission, returned to REST callers.
type TransmissionSummary struct {
	SessionID         string `json:"session_id"`
	ChannelUUID       string `json:"channel_uuid"`
	OwnerUserID       string `json:"owner_user_id"`
	AudioFormat       string `json:"audio_format"`
	IsEmergency       bool   `json:"is_emergency"`
	StartedAt         int64  `json:"started_at"`
	EndedAt           int64  `json:"ended_at,omitempty"`
	DurationMS        int64  `json:"duration_ms,omitempty"`
	TotalChunks       int    `json:"total_chunks"`
	TotalBytes        int64  `json:"total_bytes"`
	TerminationReason string `json:"termination_reason,omitempty"`
}

// ErrorResponse is the uniform REST failure envelope.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}
