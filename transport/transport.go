// Package transport abstracts the physical delivery path to a MycoBrain
// node. The session layer only needs possibly-partial byte reads and
// whole-buffer writes; whether bytes travel a direct TCP link, a
// websocket relay or a test harness is invisible above this line.
package transport

import "fmt"

var ErrClosed = fmt.Errorf("transport closed")

type Transport interface {
	// Read blocks until at least one byte is available or the link dies.
	// Partial reads are normal.
	Read(p []byte) (int, error)

	// Write delivers the whole buffer or fails.
	Write(p []byte) error

	// Close tears the link down. Concurrent with Read: an in-flight
	// Read must return with an error after Close.
	Close() error
}
