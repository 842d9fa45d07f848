package transport

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
)

// Relay is the relay-routed binding: nodes without a direct route reach
// the platform through a websocket tunnel (field gateway or cloudflared).
// Each binary websocket message carries a chunk of the raw byte stream;
// message boundaries carry no meaning, framing happens one layer up.
type Relay struct {
	c            *websocket.Conn
	r            io.Reader // current message reader
	wlk          sync.Mutex
	writeTimeout time.Duration
	closed       uint32
}

func NewRelay(c *websocket.Conn, writeTimeout time.Duration) *Relay {
	if writeTimeout == 0 {
		writeTimeout = DefaultNetworkTimeout
	}
	return &Relay{c: c, writeTimeout: writeTimeout}
}

func DialRelay(url string, timeout time.Duration) (*Relay, error) {
	if timeout == 0 {
		timeout = DefaultNetworkTimeout
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	c, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, errors.Annotatef(err, "relay dial %s", url)
	}
	return NewRelay(c, timeout), nil
}

func (r *Relay) Read(p []byte) (int, error) {
	for {
		if atomic.LoadUint32(&r.closed) != 0 {
			return 0, ErrClosed
		}
		if r.r == nil {
			mt, rd, err := r.c.NextReader()
			if err != nil {
				return 0, errors.Trace(err)
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			r.r = rd
		}
		n, err := r.r.Read(p)
		if err == io.EOF {
			r.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (r *Relay) Write(p []byte) error {
	if atomic.LoadUint32(&r.closed) != 0 {
		return ErrClosed
	}
	r.wlk.Lock()
	defer r.wlk.Unlock()
	if err := r.c.SetWriteDeadline(time.Now().Add(r.writeTimeout)); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(r.c.WriteMessage(websocket.BinaryMessage, p))
}

func (r *Relay) Close() error {
	if !atomic.CompareAndSwapUint32(&r.closed, 0, 1) {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	_ = r.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return r.c.Close()
}
