package coordinator

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"ptt/server/internal/clock"
	"ptt/server/internal/fanout"
	"ptt/server/internal/identity"
	"ptt/server/internal/protocol"
	"ptt/server/internal/registry"
	"ptt/server/internal/transmission"
)

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

// recordingSender captures every frame written to it, in order, and lets
// tests block reads to simulate a stalled listener (S6).
type recordingSender struct {
	mu      sync.Mutex
	frames  []protocol.Frame
	blocked bool
	closed  bool
}

func (s *recordingSender) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	var f protocol.Frame
	_ = json.Unmarshal(data, &f)
	s.frames = append(s.frames, f)
	return nil
}

func (s *recordingSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSender) snapshot() []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

func (s *recordingSender) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeAudit struct {
	mu        sync.Mutex
	summaries []transmission.Summary
}

func (a *fakeAudit) Emit(summary transmission.Summary) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summaries = append(a.summaries, summary)
}

func (a *fakeAudit) last() transmission.Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.summaries[len(a.summaries)-1]
}

func (a *fakeAudit) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.summaries)
}

type rosterPut struct {
	channelUUID, userID, deviceToken, username string
	lastSeenMS                                 int64
}

type rosterDelete struct {
	channelUUID, deviceToken string
}

// fakeRoster records Put/Delete calls in order, standing in for
// internal/roster.Emitter.
type fakeRoster struct {
	mu      sync.Mutex
	puts    []rosterPut
	deletes []rosterDelete
}

func (r *fakeRoster) Put(channelUUID, userID, deviceToken, username string, lastSeenMS int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.puts = append(r.puts, rosterPut{channelUUID, userID, deviceToken, username, lastSeenMS})
}

func (r *fakeRoster) Delete(channelUUID, deviceToken string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes = append(r.deletes, rosterDelete{channelUUID, deviceToken})
}

func newTestCoordinator(clk *clock.Fake) (*Coordinator, *fakeAudit) {
	audit := &fakeAudit{}
	c := New(Config{ChannelUUID: "chan_1", ChannelType: "standard", MaxParticipants: 16}, clk, fanout.New(), audit, nil)
	return c, audit
}

func joinWithSocket(t *testing.T, c *Coordinator, userID, username, deviceToken string) *recordingSender {
	t.Helper()
	if _, err := c.Join(userID, username, deviceToken, registry.Descriptor{}); err != nil {
		t.Fatalf("Join(%s): %v", deviceToken, err)
	}
	sender := &recordingSender{}
	if err := c.AttachSocket(deviceToken, sender); err != nil {
		t.Fatalf("AttachSocket(%s): %v", deviceToken, err)
	}
	return sender
}

func waitForFrames(t *testing.T, s *recordingSender, n int) []protocol.Frame {
	t.Helper()
	deadlineCheck(t, func() bool { return len(s.snapshot()) >= n })
	return s.snapshot()
}

func TestS1HappyPath(t *testing.T) {
	clk := clock.NewFake(1000)
	c, audit := newTestCoordinator(clk)

	// B joins first so that it is attached when A's participant_join fans out.
	sB := joinWithSocket(t, c, "u_b", "bob", "dev_b")
	_ = joinWithSocket(t, c, "u_a", "alice", "dev_a")

	sessionID, err := c.StartTransmission("u_a", "dev_a", identity.Principal{}, StartParams{AudioFormat: "opus"})
	if err != nil {
		t.Fatalf("StartTransmission: %v", err)
	}

	for seq, payload := range []string{"aaa", "bbb", "ccc"} {
		if _, err := c.SubmitChunk("dev_a", seq, b64(payload), len(payload)); err != nil {
			t.Fatalf("SubmitChunk(%d): %v", seq, err)
		}
	}

	summary, err := c.EndTransmission("dev_a", 1500)
	if err != nil {
		t.Fatalf("EndTransmission: %v", err)
	}
	if summary.ChunksCount != 3 || summary.TotalBytes != 9 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.TerminationReason != transmission.ReasonClientEnd {
		t.Fatalf("expected reason client_end, got %s", summary.TerminationReason)
	}

	frames := waitForFrames(t, sB, 6)
	wantTypes := []string{
		protocol.TypeParticipantJoin,
		protocol.TypeTransmissionStarted,
		protocol.TypeAudioChunk,
		protocol.TypeAudioChunk,
		protocol.TypeAudioChunk,
		protocol.TypeTransmissionEnded,
	}
	for i, want := range wantTypes {
		if frames[i].Type != want {
			t.Fatalf("frame[%d] = %s, want %s (all: %+v)", i, frames[i].Type, want, frames)
		}
	}
	if frames[2].Sequence != 0 || frames[3].Sequence != 1 || frames[4].Sequence != 2 {
		t.Fatalf("chunks out of order: %+v", frames[2:5])
	}
	if frames[5].SessionID != sessionID {
		t.Fatalf("transmission_ended session mismatch: %+v", frames[5])
	}
	if frames[5].UserID != "u_a" || frames[5].TotalChunks != 3 || frames[5].TotalBytes != 9 || frames[5].Reason != transmission.ReasonClientEnd {
		t.Fatalf("transmission_ended frame missing summary fields: %+v", frames[5])
	}

	if audit.count() != 1 {
		t.Fatalf("expected 1 audit record, got %d", audit.count())
	}
}

func TestS2BusyRejection(t *testing.T) {
	clk := clock.NewFake(0)
	c, _ := newTestCoordinator(clk)

	sB := joinWithSocket(t, c, "u_b", "bob", "dev_b")
	joinWithSocket(t, c, "u_a", "alice", "dev_a")

	if _, err := c.StartTransmission("u_a", "dev_a", identity.Principal{}, StartParams{AudioFormat: "opus"}); err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err := c.StartTransmission("u_b", "dev_b", identity.Principal{}, StartParams{AudioFormat: "opus"})
	if err != ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if ErrorCode(err) != protocol.CodeBusy {
		t.Fatalf("expected busy code, got %s", ErrorCode(err))
	}

	// No frames generated by the rejected start beyond the first session's
	// own transmission_started/participant_join.
	frames := waitForFrames(t, sB, 2)
	for _, f := range frames {
		if f.Type == protocol.TypeTransmissionStarted && f.UserID == "u_b" {
			t.Fatalf("rejected start must not broadcast: %+v", frames)
		}
	}
}

func TestS3OutOfOrderAndLate(t *testing.T) {
	clk := clock.NewFake(0)
	c, _ := newTestCoordinator(clk)

	sB := joinWithSocket(t, c, "u_b", "bob", "dev_b")
	joinWithSocket(t, c, "u_a", "alice", "dev_a")

	if _, err := c.StartTransmission("u_a", "dev_a", identity.Principal{}, StartParams{AudioFormat: "opus"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	seqs := []int{0, 2, 1, 3, 1}
	var lastResult transmission.AcceptResult
	for _, seq := range seqs {
		res, err := c.SubmitChunk("dev_a", seq, b64("x"), 1)
		if err != nil {
			t.Fatalf("SubmitChunk(%d): %v", seq, err)
		}
		lastResult = res
	}
	if lastResult.Status != transmission.StatusLate {
		t.Fatalf("expected final duplicate seq=1 to be late, got %s", lastResult.Status)
	}
	if lastResult.NextExpected != 4 {
		t.Fatalf("expected next_expected 4, got %d", lastResult.NextExpected)
	}

	frames := waitForFrames(t, sB, 1+1+4) // participant_join + transmission_started + 4 chunks
	var chunkSeqs []int
	for _, f := range frames {
		if f.Type == protocol.TypeAudioChunk {
			chunkSeqs = append(chunkSeqs, f.Sequence)
		}
	}
	want := []int{0, 1, 2, 3}
	if len(chunkSeqs) != len(want) {
		t.Fatalf("expected chunk sequences %v, got %v", want, chunkSeqs)
	}
	for i := range want {
		if chunkSeqs[i] != want[i] {
			t.Fatalf("expected chunk sequences %v, got %v", want, chunkSeqs)
		}
	}
}

func TestS4OwnerDisconnect(t *testing.T) {
	clk := clock.NewFake(0)
	c, audit := newTestCoordinator(clk)

	joinWithSocket(t, c, "u_a", "alice", "dev_a")
	sB := joinWithSocket(t, c, "u_b", "bob", "dev_b")

	if _, err := c.StartTransmission("u_a", "dev_a", identity.Principal{}, StartParams{AudioFormat: "opus"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := c.SubmitChunk("dev_a", 0, b64("x"), 1); err != nil {
		t.Fatalf("submit chunk: %v", err)
	}

	clk.Advance(250)
	if err := c.Leave("dev_a"); err != nil {
		t.Fatalf("Leave (simulating owner disconnect): %v", err)
	}

	frames := waitForFrames(t, sB, 1+1+1+1) // started+chunk+ended+participant_leave(a)
	ended := frames[len(frames)-2]
	if ended.Type != protocol.TypeTransmissionEnded || ended.Reason != transmission.ReasonOwnerDisconnect {
		t.Fatalf("expected transmission_ended(owner_disconnect) before the final participant_leave, got %+v", frames)
	}
	if audit.count() != 1 {
		t.Fatalf("expected 1 audit record, got %d", audit.count())
	}
	if audit.last().TerminationReason != transmission.ReasonOwnerDisconnect {
		t.Fatalf("expected owner_disconnect, got %s", audit.last().TerminationReason)
	}
	if audit.last().DurationMS != 250 {
		t.Fatalf("expected duration 250, got %d", audit.last().DurationMS)
	}
}

func TestS5Deadline(t *testing.T) {
	fake := clock.NewFake(0)
	c, audit := newTestCoordinator(fake)

	joinWithSocket(t, c, "u_a", "alice", "dev_a")

	if _, err := c.StartTransmission("u_a", "dev_a", identity.Principal{}, StartParams{AudioFormat: "opus"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	fake.Advance(DefaultMaxTransmissionMS + 1)
	c.CheckDeadline(fake.NowMS())

	if audit.count() != 1 || audit.last().TerminationReason != transmission.ReasonDeadline {
		t.Fatalf("expected deadline-closed audit record, got %+v", audit)
	}

	if _, err := c.SubmitChunk("dev_a", 0, b64("x"), 1); err != ErrNoSession {
		t.Fatalf("expected ErrNoSession after deadline, got %v", err)
	}
}

func TestS6SlowListenerDisconnectedOthersUnaffected(t *testing.T) {
	clk := clock.NewFake(0)
	c, _ := newTestCoordinator(clk)

	joinWithSocket(t, c, "u_a", "alice", "dev_a")
	joinWithSocket(t, c, "u_c", "carol", "dev_c") // stalled listener, never drained below
	sB := joinWithSocket(t, c, "u_b", "bob", "dev_b")

	if _, err := c.StartTransmission("u_a", "dev_a", identity.Principal{}, StartParams{AudioFormat: "opus"}); err != nil {
		t.Fatalf("start: %v", err)
	}

	const n = 200
	for i := 0; i < n; i++ {
		if _, err := c.SubmitChunk("dev_a", i, b64("x"), 1); err != nil {
			t.Fatalf("SubmitChunk(%d): %v", i, err)
		}
	}

	frames := waitForFrames(t, sB, n+1) // B joined last: transmission_started + n chunks
	var chunkCount int
	lastSeq := -1
	for _, f := range frames {
		if f.Type == protocol.TypeAudioChunk {
			if f.Sequence <= lastSeq {
				t.Fatalf("chunks out of order at B: %+v", frames)
			}
			lastSeq = f.Sequence
			chunkCount++
		}
	}
	if chunkCount != n {
		t.Fatalf("expected B to receive all %d chunks, got %d", n, chunkCount)
	}
}

func TestOwnerIsolationDoesNotReceiveOwnChunks(t *testing.T) {
	clk := clock.NewFake(0)
	c, _ := newTestCoordinator(clk)

	sA := joinWithSocket(t, c, "u_a", "alice", "dev_a")
	if _, err := c.StartTransmission("u_a", "dev_a", identity.Principal{}, StartParams{AudioFormat: "opus"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := c.SubmitChunk("dev_a", 0, b64("x"), 1); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := c.EndTransmission("dev_a", 10); err != nil {
		t.Fatalf("end: %v", err)
	}

	for _, f := range sA.snapshot() {
		if f.Type == protocol.TypeAudioChunk {
			t.Fatalf("owner must not receive its own audio_chunk frames: %+v", f)
		}
	}
}

func TestRosterUniquenessRejectsDuplicateDevice(t *testing.T) {
	clk := clock.NewFake(0)
	c, _ := newTestCoordinator(clk)

	if _, err := c.Join("u1", "a", "dev1", registry.Descriptor{}); err != nil {
		t.Fatalf("first join: %v", err)
	}
	if _, err := c.Join("u1", "a", "dev1", registry.Descriptor{}); err != ErrDuplicateDevice {
		t.Fatalf("expected ErrDuplicateDevice, got %v", err)
	}
}

func TestForbiddenEmergencyWithoutPermission(t *testing.T) {
	clk := clock.NewFake(0)
	c, _ := newTestCoordinator(clk)

	if _, err := c.Join("u1", "a", "dev1", registry.Descriptor{}); err != nil {
		t.Fatalf("join: %v", err)
	}
	_, err := c.StartTransmission("u1", "dev1", identity.Principal{}, StartParams{AudioFormat: "opus", IsEmergency: true})
	if err != ErrForbiddenEmergency {
		t.Fatalf("expected ErrForbiddenEmergency, got %v", err)
	}

	principal := identity.Principal{Permissions: []string{identity.PermissionEmergency}}
	sessionID, err := c.StartTransmission("u1", "dev1", principal, StartParams{AudioFormat: "opus", IsEmergency: true})
	if err != nil {
		t.Fatalf("expected emergency start to succeed with permission, got %v", err)
	}
	if sessionID == "" {
		t.Fatalf("expected non-empty session id")
	}
}

func TestEmergencyChannelTypeAllowsWithoutPermission(t *testing.T) {
	clk := clock.NewFake(0)
	audit := &fakeAudit{}
	c := New(Config{ChannelUUID: "chan_e", ChannelType: "emergency", MaxParticipants: 4}, clk, fanout.New(), audit, nil)

	if _, err := c.Join("u1", "a", "dev1", registry.Descriptor{}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := c.StartTransmission("u1", "dev1", identity.Principal{}, StartParams{AudioFormat: "opus", IsEmergency: true}); err != nil {
		t.Fatalf("expected emergency channel to allow emergency start: %v", err)
	}
}

func TestInvalidAudioFormatRejected(t *testing.T) {
	clk := clock.NewFake(0)
	c, _ := newTestCoordinator(clk)
	if _, err := c.Join("u1", "a", "dev1", registry.Descriptor{}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := c.StartTransmission("u1", "dev1", identity.Principal{}, StartParams{AudioFormat: "mp3"}); err != ErrInvalidParams {
		t.Fatalf("expected ErrInvalidParams, got %v", err)
	}
}

func TestEndTransmissionNotOwner(t *testing.T) {
	clk := clock.NewFake(0)
	c, _ := newTestCoordinator(clk)
	if _, err := c.Join("u_a", "a", "dev_a", registry.Descriptor{}); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if _, err := c.Join("u_b", "b", "dev_b", registry.Descriptor{}); err != nil {
		t.Fatalf("join b: %v", err)
	}
	if _, err := c.StartTransmission("u_a", "dev_a", identity.Principal{}, StartParams{AudioFormat: "opus"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := c.EndTransmission("dev_b", 0); err != ErrNotOwner {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestIdleSweepRemovesStaleParticipants(t *testing.T) {
	fake := clock.NewFake(0)
	c, _ := newTestCoordinator(fake)

	joinWithSocket(t, c, "u_a", "alice", "dev_a")
	sB := joinWithSocket(t, c, "u_b", "bob", "dev_b")
	fake.Advance(200_000)
	c.Touch("dev_b") // keeps dev_b's last_seen fresh so only dev_a is swept

	c.IdleSweep(fake.NowMS(), DefaultIdleCutoffMS)
	snap := c.Snapshot()
	if len(snap) != 1 || snap[0].DeviceToken != "dev_b" {
		t.Fatalf("expected only dev_b remaining, got %+v", snap)
	}

	frames := waitForFrames(t, sB, 1)
	last := frames[len(frames)-1]
	if last.Type != protocol.TypeParticipantLeave || last.UserID != "u_a" {
		t.Fatalf("expected participant_leave for u_a, got %+v", last)
	}
}

func TestIsIdleAndShutdown(t *testing.T) {
	clk := clock.NewFake(0)
	c, _ := newTestCoordinator(clk)
	if !c.IsIdle() {
		t.Fatalf("expected fresh coordinator to be idle")
	}

	sender := joinWithSocket(t, c, "u_a", "alice", "dev_a")
	if c.IsIdle() {
		t.Fatalf("expected coordinator with a participant to not be idle")
	}

	c.Shutdown()
	if !sender.isClosed() {
		t.Fatalf("expected listener socket closed on shutdown")
	}
	if _, err := c.Join("u_b", "bob", "dev_b", registry.Descriptor{}); err != ErrChannelFatal {
		t.Fatalf("expected ErrChannelFatal after shutdown, got %v", err)
	}
}

func TestJoinAndLeaveUpdateRoster(t *testing.T) {
	clk := clock.NewFake(500)
	roster := &fakeRoster{}
	c := New(Config{ChannelUUID: "chan_1", ChannelType: "standard", MaxParticipants: 16}, clk, fanout.New(), &fakeAudit{}, roster)

	if _, err := c.Join("u_a", "alice", "dev_a", registry.Descriptor{}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	roster.mu.Lock()
	puts := append([]rosterPut(nil), roster.puts...)
	roster.mu.Unlock()
	if len(puts) != 1 || puts[0] != (rosterPut{"chan_1", "u_a", "dev_a", "alice", 500}) {
		t.Fatalf("expected one roster put for u_a/dev_a, got %+v", puts)
	}

	if err := c.Leave("dev_a"); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	roster.mu.Lock()
	deletes := append([]rosterDelete(nil), roster.deletes...)
	roster.mu.Unlock()
	if len(deletes) != 1 || deletes[0] != (rosterDelete{"chan_1", "dev_a"}) {
		t.Fatalf("expected one roster delete for dev_a, got %+v", deletes)
	}
}

func deadlineCheck(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
