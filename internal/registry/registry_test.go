package registry

import (
	"testing"

	"ptt/server/internal/clock"
)

func TestJoinLeave(t *testing.T) {
	r := New(clock.NewFake(1000), 4)

	p, err := r.Join("u1", "alice", "dev-1", Descriptor{OS: "ios"})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if p.JoinedAt != 1000 {
		t.Fatalf("expected joined_at 1000, got %d", p.JoinedAt)
	}
	if r.Count() != 1 {
		t.Fatalf("expected 1 participant, got %d", r.Count())
	}

	if err := r.Leave("dev-1"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if r.Count() != 0 {
		t.Fatalf("expected 0 participants after leave, got %d", r.Count())
	}
	if err := r.Leave("dev-1"); err != ErrUnknownParticipant {
		t.Fatalf("expected ErrUnknownParticipant, got %v", err)
	}
}

func TestJoinCapacity(t *testing.T) {
	r := New(clock.NewFake(0), 2)
	if _, err := r.Join("u1", "a", "d1", Descriptor{}); err != nil {
		t.Fatalf("join 1: %v", err)
	}
	if _, err := r.Join("u2", "b", "d2", Descriptor{}); err != nil {
		t.Fatalf("join 2: %v", err)
	}
	if _, err := r.Join("u3", "c", "d3", Descriptor{}); err != ErrCapacity {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
}

func TestJoinDuplicate(t *testing.T) {
	r := New(clock.NewFake(0), 4)
	if _, err := r.Join("u1", "a", "d1", Descriptor{}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := r.Join("u1", "a", "d1", Descriptor{}); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestJoinInvalidToken(t *testing.T) {
	r := New(clock.NewFake(0), 4)
	if _, err := r.Join("u1", "a", "", Descriptor{}); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

type fakeSocket struct{ closed bool }

func (f *fakeSocket) Close() error { f.closed = true; return nil }

func TestAttachDetachSocketIdempotent(t *testing.T) {
	r := New(clock.NewFake(0), 4)
	if _, err := r.Join("u1", "a", "d1", Descriptor{}); err != nil {
		t.Fatalf("join: %v", err)
	}
	sock := &fakeSocket{}
	if err := r.AttachSocket("d1", sock); err != nil {
		t.Fatalf("attach: %v", err)
	}
	p, _ := r.Get("d1")
	if !p.HasSocket {
		t.Fatalf("expected HasSocket true")
	}

	r.DetachSocket("d1")
	p, _ = r.Get("d1")
	if p.HasSocket {
		t.Fatalf("expected HasSocket false after detach")
	}

	// detaching unknown/already-detached token is a no-op
	r.DetachSocket("unknown")
	r.DetachSocket("d1")
}

func TestSnapshotStableOrdering(t *testing.T) {
	c := clock.NewFake(100)
	r := New(c, 10)

	if _, err := r.Join("u1", "a", "d1", Descriptor{}); err != nil {
		t.Fatalf("join 1: %v", err)
	}
	c.Advance(5)
	if _, err := r.Join("u2", "b", "d2", Descriptor{}); err != nil {
		t.Fatalf("join 2: %v", err)
	}
	c.Advance(5)
	if _, err := r.Join("u3", "c", "d3", Descriptor{}); err != nil {
		t.Fatalf("join 3: %v", err)
	}

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 participants, got %d", len(snap))
	}
	for i := 0; i < len(snap)-1; i++ {
		if snap[i].JoinedAt > snap[i+1].JoinedAt {
			t.Fatalf("snapshot not ordered by joined_at: %+v", snap)
		}
	}
	if snap[0].DeviceToken != "d1" || snap[2].DeviceToken != "d3" {
		t.Fatalf("unexpected ordering: %+v", snap)
	}
}

func TestTouchUpdatesLastSeen(t *testing.T) {
	c := clock.NewFake(0)
	r := New(c, 4)
	if _, err := r.Join("u1", "a", "d1", Descriptor{}); err != nil {
		t.Fatalf("join: %v", err)
	}
	c.Advance(500)
	r.Touch("d1")
	p, _ := r.Get("d1")
	if p.LastSeen != 500 {
		t.Fatalf("expected last_seen 500, got %d", p.LastSeen)
	}

	// touching an unknown token is a no-op, not an error
	r.Touch("unknown")
}

func TestSweepStale(t *testing.T) {
	c := clock.NewFake(0)
	r := New(c, 4)
	if _, err := r.Join("u1", "a", "d1", Descriptor{}); err != nil {
		t.Fatalf("join d1: %v", err)
	}
	c.Advance(200)
	if _, err := r.Join("u2", "b", "d2", Descriptor{}); err != nil {
		t.Fatalf("join d2: %v", err)
	}
	c.Advance(1000) // now = 1200; d1 last_seen=0, d2 last_seen=200

	stale := r.SweepStale(c.NowMS(), 1100) // cutoff = 100: only d1 is older
	if len(stale) != 1 || stale[0].DeviceToken != "d1" || stale[0].UserID != "u1" {
		t.Fatalf("expected [u1/d1] stale, got %+v", stale)
	}
	if r.Count() != 1 {
		t.Fatalf("expected 1 remaining participant, got %d", r.Count())
	}
}

func TestOwner(t *testing.T) {
	r := New(clock.NewFake(0), 4)
	if _, err := r.Join("u1", "a", "d1", Descriptor{}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, ok := r.Owner("u1", "d1"); !ok {
		t.Fatalf("expected owner match")
	}
	if _, ok := r.Owner("u2", "d1"); ok {
		t.Fatalf("expected owner mismatch for wrong user_id")
	}
}
