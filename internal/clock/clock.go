// Package clock provides the monotonic millisecond clock and identifier
// generators shared by every other package in the core. Centralising them
// here keeps deadline arithmetic and audit timestamps consistent, and lets
// tests substitute a fake clock instead of sleeping in real time.
package clock

import (
	"fmt"
	"unicode"

	"github.com/google/uuid"
)

// MaxDeviceTokenLength is the shape limit enforced on client-supplied
// device tokens (spec §4.A — shape, not semantics, is validated).
const MaxDeviceTokenLength = 256

// Clock produces monotonic millisecond timestamps. The default
// implementation wraps time.Now; tests use a fake that advances
// deterministically.
type Clock interface {
	NowMS() int64
}

// System is the production Clock backed by the wall clock. Durations
// derived from NowMS are only ever compared against other NowMS values
// from the same process, so wall-clock adjustments during the life of a
// session are the only source of drift, matching the teacher's use of
// time.Now().UnixMilli() throughout bken/server.
type System struct{}

// NowMS returns the current time as Unix milliseconds.
func (System) NowMS() int64 { return nowMS() }

// NewSessionID returns a fresh collision-resistant session identifier.
// 16+ bytes base32 or UUIDv4 per spec §4.A; we use UUIDv4, matching the
// generator already used for blob/session IDs in the corpus.
func NewSessionID() string {
	return "sess_" + uuid.NewString()
}

// ValidateDeviceToken checks the shape contract only: non-empty, printable,
// length <= MaxDeviceTokenLength. It does not interpret the token's
// semantics — that remains a client/identity concern.
func ValidateDeviceToken(token string) error {
	if token == "" {
		return fmt.Errorf("device_token must not be empty")
	}
	if len(token) > MaxDeviceTokenLength {
		return fmt.Errorf("device_token exceeds %d bytes", MaxDeviceTokenLength)
	}
	for _, r := range token {
		if !unicode.IsPrint(r) {
			return fmt.Errorf("device_token must be printable")
		}
	}
	return nil
}
