// Package config defines the process configuration surface, loaded from
// command-line flags in the teacher's own style (plain stdlib flag, no
// config file parser or env-var library — the pack carries none).
package config

import (
	"flag"
	"time"
)

// Config is every knob SPEC_FULL §6.5 names, both the spec's own keys and
// the ambient ones the expansion adds. ParseFlags accepts all of them, but
// cmd/pttserver passes on only the addresses, DBPath, the two queue sizes,
// RouterSweepMS, IdleParticipantMS, CoordinatorEvictMS and
// ControlRatePerSec. The other fields (transmission deadlines, chunk size,
// chunk TTL, out-of-order window, listener queue caps, IdleSweepMS,
// HeartbeatMS, IdleTimeout) are parsed but not used: the packages that
// enforce those limits use their own constants.
type Config struct {
	ListenAddr        string // LISTEN_ADDR
	WebTransportAddr  string // WEBTRANSPORT_ADDR, empty disables the transport
	DBPath            string // DB_PATH

	MaxTransmissionMS          int64 // MAX_TRANSMISSION_MS
	MaxTransmissionMSEmergency int64 // MAX_TRANSMISSION_MS_EMERGENCY
	MaxChunkBytes              int   // MAX_CHUNK_BYTES
	ChunkBufferTTLMS           int64 // CHUNK_BUFFER_TTL_MS
	OutOfOrderWindow           int   // OUT_OF_ORDER_WINDOW
	ListenerQueueMessages      int   // LISTENER_QUEUE_MSGS
	ListenerQueueBytes         int   // LISTENER_QUEUE_BYTES
	IdleParticipantMS          int64 // IDLE_PARTICIPANT_MS
	IdleSweepMS                int64 // IDLE_SWEEP_MS
	CoordinatorEvictMS         int64 // COORDINATOR_EVICT_MS
	HeartbeatMS                int64 // HEARTBEAT_MS

	AuditQueueSize    int   // AUDIT_QUEUE_SIZE
	RosterQueueSize   int   // ROSTER_QUEUE_SIZE
	RouterSweepMS     int64 // ROUTER_SWEEP_MS
	ControlRatePerSec int   // CONTROL_RATE_PER_SEC

	IdleTimeout time.Duration
}

// Default returns the configuration with every SPEC_FULL §6.5 default
// applied.
func Default() Config {
	return Config{
		ListenAddr:       ":8080",
		WebTransportAddr: "",
		DBPath:           "ptt.db",

		MaxTransmissionMS:          60_000,
		MaxTransmissionMSEmergency: 300_000,
		MaxChunkBytes:              65_536,
		ChunkBufferTTLMS:           30_000,
		OutOfOrderWindow:           8,
		ListenerQueueMessages:      64,
		ListenerQueueBytes:         1_048_576,
		IdleParticipantMS:          120_000,
		IdleSweepMS:                30_000,
		CoordinatorEvictMS:         300_000,
		HeartbeatMS:                30_000,

		AuditQueueSize:    1024,
		RosterQueueSize:   1024,
		RouterSweepMS:     30_000,
		ControlRatePerSec: 20,

		IdleTimeout: 30 * time.Second,
	}
}

// ParseFlags builds a Config from command-line flags layered over
// Default(). It does not call flag.Parse() itself so callers retain
// control over subcommand interception, matching the teacher's main.go
// (RunCLI runs before flag parsing for its subcommands).
func ParseFlags(args []string) (Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("pttserver", flag.ContinueOnError)
	fs.StringVar(&cfg.ListenAddr, "addr", cfg.ListenAddr, "HTTP/WebSocket listen address")
	fs.StringVar(&cfg.WebTransportAddr, "webtransport-addr", cfg.WebTransportAddr, "HTTP/3 WebTransport listen address (empty disables it)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")

	fs.Int64Var(&cfg.MaxTransmissionMS, "max-transmission-ms", cfg.MaxTransmissionMS, "deadline for a non-emergency transmission session")
	fs.Int64Var(&cfg.MaxTransmissionMSEmergency, "max-transmission-ms-emergency", cfg.MaxTransmissionMSEmergency, "deadline for an emergency transmission session")
	fs.IntVar(&cfg.MaxChunkBytes, "max-chunk-bytes", cfg.MaxChunkBytes, "per-chunk payload cap")
	fs.Int64Var(&cfg.ChunkBufferTTLMS, "chunk-buffer-ttl-ms", cfg.ChunkBufferTTLMS, "age beyond which buffered out-of-order chunks expire")
	fs.IntVar(&cfg.OutOfOrderWindow, "out-of-order-window", cfg.OutOfOrderWindow, "max future chunks buffered ahead of a gap")
	fs.IntVar(&cfg.ListenerQueueMessages, "listener-queue-msgs", cfg.ListenerQueueMessages, "per-listener outbound queue cap, in messages")
	fs.IntVar(&cfg.ListenerQueueBytes, "listener-queue-bytes", cfg.ListenerQueueBytes, "per-listener outbound queue cap, in bytes")
	fs.Int64Var(&cfg.IdleParticipantMS, "idle-participant-ms", cfg.IdleParticipantMS, "remove participants idle longer than this")
	fs.Int64Var(&cfg.IdleSweepMS, "idle-sweep-ms", cfg.IdleSweepMS, "idle sweep period")
	fs.Int64Var(&cfg.CoordinatorEvictMS, "coordinator-evict-ms", cfg.CoordinatorEvictMS, "evict an empty coordinator after this much idle time")
	fs.Int64Var(&cfg.HeartbeatMS, "heartbeat-ms", cfg.HeartbeatMS, "expected client ping interval")

	fs.IntVar(&cfg.AuditQueueSize, "audit-queue-size", cfg.AuditQueueSize, "bounded queue depth between the coordinator and the audit emitter")
	fs.IntVar(&cfg.RosterQueueSize, "roster-queue-size", cfg.RosterQueueSize, "bounded queue depth between the coordinator and the roster snapshot emitter")
	fs.Int64Var(&cfg.RouterSweepMS, "router-sweep-ms", cfg.RouterSweepMS, "interval the router ticks every live coordinator's idle sweep")
	fs.IntVar(&cfg.ControlRatePerSec, "control-rate-per-sec", cfg.ControlRatePerSec, "per-participant control-frame rate limit")

	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "HTTP idle timeout")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
