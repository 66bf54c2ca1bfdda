package capture

import (
	"sync"
	"time"
)

// Memory is an in-process Interface. Frames injected with Inject are
// returned by Recv; frames passed to Send are kept for inspection. It
// backs tests and dry runs.
type Memory struct {
	inbound chan []byte
	timeout time.Duration
	done    chan struct{}

	mu   sync.Mutex
	sent [][]byte
	once sync.Once
}

// NewMemory creates a Memory interface with the given Recv timeout.
func NewMemory(timeout time.Duration) *Memory {
	if timeout <= 0 {
		timeout = DefaultRecvTimeout
	}
	return &Memory{
		inbound: make(chan []byte, 256),
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// Inject queues a frame for Recv. It reports false when the queue is full
// or the interface is closed.
func (m *Memory) Inject(frame []byte) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.inbound <- append([]byte(nil), frame...):
		return true
	default:
		return false
	}
}

// Send records frame.
func (m *Memory) Send(frame []byte) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	m.mu.Lock()
	m.sent = append(m.sent, append([]byte(nil), frame...))
	m.mu.Unlock()
	return nil
}

// Sent returns and clears the frames sent so far.
func (m *Memory) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sent
	m.sent = nil
	return out
}

// Recv returns the next injected frame.
func (m *Memory) Recv(buf []byte) (int, error) {
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case frame := <-m.inbound:
		return copy(buf, frame), nil
	case <-m.done:
		return 0, ErrClosed
	case <-timer.C:
		return 0, ErrTimeout
	}
}

// Close makes further calls fail with ErrClosed.
func (m *Memory) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}
