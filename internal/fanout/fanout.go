// Package fanout implements the Fan-out Engine: given a snapshot of
// listener sockets and one outbound message, it serializes the message
// once and writes the same bytes to every listener, each through its own
// bounded queue and writer goroutine so a single slow consumer cannot
// delay the others.
package fanout

import (
	"encoding/json"
	"log/slog"
	"sync"

	"ptt/server/internal/protocol"
)

// Defaults per spec §4.E.
const (
	DefaultMaxQueuedMessages = 64
	DefaultMaxQueuedBytes    = 1 << 20 // 1 MiB
)

// Sender is the minimal write surface a transport connection exposes to
// the Fan-out Engine. internal/ws and internal/wtapi connections implement
// this directly.
type Sender interface {
	WriteMessage(data []byte) error
	Close() error
}

// DisconnectReporter receives device tokens whose listener was closed by
// the engine (slow_consumer) or whose send failed, so the Coordinator can
// detach them. It is called from its own goroutine, outside the
// listener's lock.
type DisconnectReporter interface {
	ReportDisconnect(deviceToken, reason string)
}

type queuedFrame struct {
	data    []byte
	isAudio bool
}

// Listener is one socket's outbound queue and writer goroutine.
type Listener struct {
	DeviceToken string

	mu          sync.Mutex
	sender      Sender
	queue       []queuedFrame
	queuedBytes int
	maxMessages int
	maxBytes    int
	closed      bool

	wake     chan struct{}
	done     chan struct{}
	reporter DisconnectReporter
}

// NewListener starts a writer goroutine bound to sender. Callers must call
// Stop when the listener is detached, even if the socket already closed.
func NewListener(deviceToken string, sender Sender, reporter DisconnectReporter) *Listener {
	l := &Listener{
		DeviceToken: deviceToken,
		sender:      sender,
		maxMessages: DefaultMaxQueuedMessages,
		maxBytes:    DefaultMaxQueuedBytes,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		reporter:    reporter,
	}
	go l.writeLoop()
	return l
}

// Enqueue appends a frame to the listener's queue, applying the
// drop-oldest-audio-first backpressure policy on overflow. Control frames
// are never dropped by this path; if the queue is still over capacity
// after dropping every droppable audio frame, the listener is closed with
// slow_consumer.
func (l *Listener) Enqueue(data []byte, isAudio bool) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, queuedFrame{data: data, isAudio: isAudio})
	l.queuedBytes += len(data)

	for l.overCapacityLocked() {
		idx := l.oldestAudioIndexLocked()
		if idx < 0 {
			// Nothing droppable left; capacity is exhausted by control
			// frames alone. Close rather than let memory grow unbounded.
			l.closeLocked("slow_consumer")
			l.mu.Unlock()
			return
		}
		dropped := l.queue[idx]
		l.queue = append(l.queue[:idx], l.queue[idx+1:]...)
		l.queuedBytes -= len(dropped.data)
	}
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Listener) overCapacityLocked() bool {
	return len(l.queue) > l.maxMessages || l.queuedBytes > l.maxBytes
}

func (l *Listener) oldestAudioIndexLocked() int {
	for i, f := range l.queue {
		if f.isAudio {
			return i
		}
	}
	return -1
}

func (l *Listener) writeLoop() {
	for {
		select {
		case <-l.done:
			return
		case <-l.wake:
		}
		for {
			frame, ok := l.dequeue()
			if !ok {
				break
			}
			if err := l.sender.WriteMessage(frame.data); err != nil {
				slog.Debug("fanout: write failed", "device_token", l.DeviceToken, "err", err)
				l.mu.Lock()
				l.closeLocked("write_error")
				l.mu.Unlock()
				return
			}
		}
	}
}

func (l *Listener) dequeue() (queuedFrame, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return queuedFrame{}, false
	}
	f := l.queue[0]
	l.queue = l.queue[1:]
	l.queuedBytes -= len(f.data)
	return f, true
}

// closeLocked must be called with l.mu held. It marks the listener closed,
// drops its queue, and schedules the socket close and disconnect report
// outside the lock.
func (l *Listener) closeLocked(reason string) {
	if l.closed {
		return
	}
	l.closed = true
	l.queue = nil
	l.queuedBytes = 0
	go l.finishClose(reason)
}

func (l *Listener) finishClose(reason string) {
	_ = l.sender.Close()
	close(l.done)
	if l.reporter != nil {
		l.reporter.ReportDisconnect(l.DeviceToken, reason)
	}
}

// Stop closes the listener from outside the write loop, e.g. when the
// Coordinator detaches the participant directly.
func (l *Listener) Stop(reason string) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.queue = nil
	l.queuedBytes = 0
	l.mu.Unlock()

	_ = l.sender.Close()
	select {
	case <-l.done:
	default:
		close(l.done)
	}
}

// Engine serializes one outbound Frame and writes it to a set of
// listeners. It holds no per-channel state of its own — the Coordinator
// owns the listener map and calls Broadcast with a snapshot.
type Engine struct{}

// New returns a ready-to-use Engine.
func New() *Engine { return &Engine{} }

// Broadcast encodes frame once and enqueues it on every listener. Audio
// chunk frames are tagged as droppable for backpressure purposes; every
// other frame type is treated as control and is never dropped.
func (e *Engine) Broadcast(listeners []*Listener, frame protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	isAudio := frame.Type == protocol.TypeAudioChunk
	for _, l := range listeners {
		l.Enqueue(data, isAudio)
	}
	return nil
}

// SendTo encodes and enqueues frame on a single listener, used for replies
// that should not fan out (e.g. a pong).
func (e *Engine) SendTo(l *Listener, frame protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	l.Enqueue(data, false)
	return nil
}
