package transport

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/mycosoft/mycobridge/helpers"
)

const DefaultNetworkTimeout = 30 * time.Second

// TCP is the direct-link binding: a serial-over-TCP bridge on the node
// side (ser2net or the ESP32 native stack) presents the raw MDP byte
// stream on a socket.
type TCP struct {
	conn         net.Conn
	writeTimeout time.Duration
	closed       uint32
}

func NewTCP(conn net.Conn, writeTimeout time.Duration) *TCP {
	if writeTimeout == 0 {
		writeTimeout = DefaultNetworkTimeout
	}
	return &TCP{conn: conn, writeTimeout: writeTimeout}
}

func DialTCP(addr string, timeout time.Duration) (*TCP, error) {
	if timeout == 0 {
		timeout = DefaultNetworkTimeout
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Annotatef(err, "dial %s", addr)
	}
	return NewTCP(conn, timeout), nil
}

func (t *TCP) Read(p []byte) (int, error) {
	if atomic.LoadUint32(&t.closed) != 0 {
		return 0, ErrClosed
	}
	return t.conn.Read(p)
}

func (t *TCP) Write(p []byte) error {
	if atomic.LoadUint32(&t.closed) != 0 {
		return ErrClosed
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(helpers.WriteAll(t.conn, p))
}

func (t *TCP) Close() error {
	if !atomic.CompareAndSwapUint32(&t.closed, 0, 1) {
		return nil
	}
	return t.conn.Close()
}

func (t *TCP) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }
