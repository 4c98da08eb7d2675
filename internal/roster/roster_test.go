package roster

import (
	"context"
	"sync"
	"testing"
	"time"

	"ptt/server/internal/store"
)

type recordingStore struct {
	mu      sync.Mutex
	puts    []store.RosterEntry
	deletes []deleteKey
}

func (s *recordingStore) PutRoster(_ context.Context, e store.RosterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts = append(s.puts, e)
	return nil
}

func (s *recordingStore) DeleteRoster(_ context.Context, channelUUID, deviceToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, deleteKey{channelUUID: channelUUID, deviceToken: deviceToken})
	return nil
}

func (s *recordingStore) putCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.puts)
}

func (s *recordingStore) deleteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deletes)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestPutPersistsAsynchronously(t *testing.T) {
	st := &recordingStore{}
	e := New(st, 16)
	defer e.Stop()

	e.Put("c1", "u1", "dev1", "alice", 1000)
	waitFor(t, func() bool { return st.putCount() == 1 })

	st.mu.Lock()
	got := st.puts[0]
	st.mu.Unlock()
	if got.ChannelUUID != "c1" || got.UserID != "u1" || got.DeviceToken != "dev1" || got.Username != "alice" || got.LastSeenMS != 1000 {
		t.Fatalf("unexpected roster entry: %+v", got)
	}
}

func TestDeletePersistsAsynchronously(t *testing.T) {
	st := &recordingStore{}
	e := New(st, 16)
	defer e.Stop()

	e.Delete("c1", "dev1")
	waitFor(t, func() bool { return st.deleteCount() == 1 })

	st.mu.Lock()
	got := st.deletes[0]
	st.mu.Unlock()
	if got.channelUUID != "c1" || got.deviceToken != "dev1" {
		t.Fatalf("unexpected delete key: %+v", got)
	}
}

func TestNeverBlocksOnFullQueue(t *testing.T) {
	st := &recordingStore{}
	e := New(st, 1)
	defer e.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			e.Put("c1", "u1", "dev1", "alice", int64(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatalf("Put blocked on a full queue")
	}
}
