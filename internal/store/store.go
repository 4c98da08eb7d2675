// Package store is the Persistence Adapter: a sqlite-backed implementation
// of the channel catalog, audit, and roster-snapshot collaborators named
// in SPEC_FULL §4.I. It never sits on the Coordinator's hot path — the
// Coordinator only ever reads the catalog through the Router's cached
// lookup, and writes reach here asynchronously via internal/audit.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"ptt/server/internal/catalog"
	"ptt/server/internal/transmission"
)

// Store persists channel catalog rows, audit records, and a roster
// snapshot in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS channels (
	uuid TEXT PRIMARY KEY,
	max_participants INTEGER NOT NULL CHECK(max_participants > 0),
	type TEXT NOT NULL,
	created_at_unix_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_records (
	session_id TEXT PRIMARY KEY,
	channel_uuid TEXT NOT NULL,
	owner_user_id TEXT NOT NULL,
	started_at_unix_ms INTEGER NOT NULL,
	ended_at_unix_ms INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	audio_format TEXT NOT NULL,
	chunks_count INTEGER NOT NULL,
	total_bytes INTEGER NOT NULL,
	listener_count_at_start INTEGER NOT NULL,
	is_emergency INTEGER NOT NULL,
	network_quality TEXT NOT NULL,
	termination_reason TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_channel ON audit_records(channel_uuid, started_at_unix_ms);

CREATE TABLE IF NOT EXISTS roster_snapshot (
	channel_uuid TEXT NOT NULL,
	user_id TEXT NOT NULL,
	device_token TEXT NOT NULL,
	username TEXT NOT NULL,
	last_seen_unix_ms INTEGER NOT NULL,
	PRIMARY KEY (channel_uuid, device_token)
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// GetChannel implements catalog.Catalog.
func (s *Store) GetChannel(ctx context.Context, uuid string) (catalog.Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT uuid, max_participants, type, created_at_unix_ms FROM channels WHERE uuid = ?`, uuid)

	var ch catalog.Channel
	if err := row.Scan(&ch.UUID, &ch.MaxParticipants, &ch.Type, &ch.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Channel{}, catalog.ErrNotFound
		}
		return catalog.Channel{}, fmt.Errorf("query channel: %w", err)
	}
	return ch, nil
}

// PutChannel inserts or replaces a catalog row. Channel catalog CRUD is
// explicitly out of the realtime core's scope (spec §1); this exists so
// the ambient stack (the CLI, an admin endpoint) has somewhere to put
// channels the Router can then resolve.
func (s *Store) PutChannel(ctx context.Context, ch catalog.Channel) error {
	if ch.CreatedAt == 0 {
		ch.CreatedAt = time.Now().UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO channels (uuid, max_participants, type, created_at_unix_ms)
VALUES (?, ?, ?, ?)
ON CONFLICT(uuid) DO UPDATE SET max_participants = excluded.max_participants, type = excluded.type`,
		ch.UUID, ch.MaxParticipants, ch.Type, ch.CreatedAt)
	if err != nil {
		return fmt.Errorf("put channel: %w", err)
	}
	return nil
}

// AppendAudit implements audit.Store.
func (s *Store) AppendAudit(ctx context.Context, summary transmission.Summary) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO audit_records (
	session_id, channel_uuid, owner_user_id, started_at_unix_ms, ended_at_unix_ms,
	duration_ms, audio_format, chunks_count, total_bytes, listener_count_at_start,
	is_emergency, network_quality, termination_reason
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO NOTHING`,
		summary.SessionID, summary.ChannelUUID, summary.OwnerUserID, summary.StartedAt, summary.EndedAt,
		summary.DurationMS, summary.AudioFormat, summary.ChunksCount, summary.TotalBytes, summary.ListenerCountAtStart,
		boolToInt(summary.IsEmergency), summary.NetworkQuality, summary.TerminationReason)
	if err != nil {
		slog.Error("store: append audit failed", "session_id", summary.SessionID, "err", err)
		return fmt.Errorf("append audit: %w", err)
	}
	slog.Debug("store: audit record persisted", "session_id", summary.SessionID)
	return nil
}

// RosterEntry is one row of the crash-recovery roster snapshot.
type RosterEntry struct {
	ChannelUUID string
	UserID      string
	DeviceToken string
	Username    string
	LastSeenMS  int64
}

// PutRoster upserts one participant's last-known presence. Never consulted
// by the Coordinator's hot path — the in-memory Registry is always the
// source of truth while a channel is live; this exists purely for
// operator visibility after a process crash.
func (s *Store) PutRoster(ctx context.Context, e RosterEntry) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO roster_snapshot (channel_uuid, user_id, device_token, username, last_seen_unix_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(channel_uuid, device_token) DO UPDATE SET
	user_id = excluded.user_id, username = excluded.username, last_seen_unix_ms = excluded.last_seen_unix_ms`,
		e.ChannelUUID, e.UserID, e.DeviceToken, e.Username, e.LastSeenMS)
	if err != nil {
		return fmt.Errorf("put roster entry: %w", err)
	}
	return nil
}

// DeleteRoster removes one participant's roster row on leave.
func (s *Store) DeleteRoster(ctx context.Context, channelUUID, deviceToken string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM roster_snapshot WHERE channel_uuid = ? AND device_token = ?`, channelUUID, deviceToken)
	if err != nil {
		return fmt.Errorf("delete roster entry: %w", err)
	}
	return nil
}

// RosterForChannel returns the last-known roster snapshot for one channel,
// ordered by device_token for stable output.
func (s *Store) RosterForChannel(ctx context.Context, channelUUID string) ([]RosterEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT channel_uuid, user_id, device_token, username, last_seen_unix_ms
FROM roster_snapshot WHERE channel_uuid = ? ORDER BY device_token`, channelUUID)
	if err != nil {
		return nil, fmt.Errorf("query roster: %w", err)
	}
	defer rows.Close()

	var out []RosterEntry
	for rows.Next() {
		var e RosterEntry
		if err := rows.Scan(&e.ChannelUUID, &e.UserID, &e.DeviceToken, &e.Username, &e.LastSeenMS); err != nil {
			return nil, fmt.Errorf("scan roster row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
