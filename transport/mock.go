package transport

// Public API to easy create transport stubs to test your code.

import (
	"sync"
	"time"
)

// Mock is a channel-backed Transport for tests. The test pushes inbound
// bytes with FeedBytes and receives everything the code under test wrote
// from WriteCh. Close unblocks a pending Read, like a dying socket.
type Mock struct {
	rx      chan []byte
	writes  chan []byte
	stop    chan struct{}
	once    sync.Once
	pending []byte

	// Timeout guards against deadlocked tests, not production use.
	Timeout time.Duration
}

func NewMock() *Mock {
	return &Mock{
		rx:      make(chan []byte, 32),
		writes:  make(chan []byte, 32),
		stop:    make(chan struct{}),
		Timeout: 10 * time.Second,
	}
}

func (m *Mock) FeedBytes(b []byte) {
	select {
	case m.rx <- b:
	case <-m.stop:
	}
}

func (m *Mock) WriteCh() <-chan []byte { return m.writes }

func (m *Mock) Read(p []byte) (int, error) {
	if len(m.pending) > 0 {
		n := copy(p, m.pending)
		m.pending = m.pending[n:]
		return n, nil
	}
	select {
	case b := <-m.rx:
		n := copy(p, b)
		m.pending = b[n:]
		return n, nil
	case <-m.stop:
		return 0, ErrClosed
	}
}

func (m *Mock) Write(p []byte) error {
	b := make([]byte, len(p))
	copy(b, p)
	select {
	case m.writes <- b:
		return nil
	case <-m.stop:
		return ErrClosed
	case <-time.After(m.Timeout):
		panic("transport mock Write timeout guard. code under test wrote without corresponding receive")
	}
}

func (m *Mock) Close() error {
	m.once.Do(func() { close(m.stop) })
	return nil
}
