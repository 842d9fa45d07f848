// Package mdp implements the Mycosoft Device Protocol v1 message model.
//
// A frame payload is a fixed 13-byte header followed by a JSON body:
//
//	type:1 seq:2 bodylen:2 timestamp:8  (big-endian, timestamp unix seconds)
//
// The header layout and the JSON field names are fixed by MycoBrain
// firmware; do not change them without a protocol version bump.
package mdp

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/juju/errors"
)

type Type byte

const (
	TypeInvalid   Type = 0x00
	TypeTelemetry Type = 0x01
	TypeCommand   Type = 0x02
	TypeEvent     Type = 0x03
	TypeAck       Type = 0x04
)

func (t Type) String() string {
	switch t {
	case TypeTelemetry:
		return "telemetry"
	case TypeCommand:
		return "command"
	case TypeEvent:
		return "event"
	case TypeAck:
		return "ack"
	}
	return fmt.Sprintf("invalid:%02x", byte(t))
}

const HeaderSize = 1 + 2 + 2 + 8

const MaxBody = 4096 - HeaderSize

var ErrParse = fmt.Errorf("mdp parse error")

func IsParse(e error) bool { return errors.Cause(e) == ErrParse }

// Message is the closed set of things that travel in a frame. Only the
// four variants in this package implement it; switches over MessageType
// can be exhaustive.
type Message interface {
	MessageType() Type
	validate() error
}

// Envelope pairs a message with its header bookkeeping.
type Envelope struct {
	Seq  uint16
	Time int64 // unix seconds
	Msg  Message
}

// Marshal produces a frame payload. Total for all valid messages and
// deterministic: encoding/json emits struct fields in declaration order
// and map keys sorted.
func Marshal(seq uint16, timestamp int64, m Message) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, errors.Annotate(err, "mdp marshal")
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Annotate(err, "mdp marshal body")
	}
	if len(body) > MaxBody {
		return nil, errors.Errorf("mdp marshal body len=%d max=%d", len(body), MaxBody)
	}
	b := make([]byte, HeaderSize+len(body))
	b[0] = byte(m.MessageType())
	binary.BigEndian.PutUint16(b[1:], seq)
	binary.BigEndian.PutUint16(b[3:], uint16(len(body)))
	binary.BigEndian.PutUint64(b[5:], uint64(timestamp))
	copy(b[HeaderSize:], body)
	return b, nil
}

// Parse fails closed: unknown type, header/body length mismatch, bad
// JSON or out-of-range field values never yield a partial message.
func Parse(b []byte) (*Envelope, error) {
	if len(b) < HeaderSize {
		return nil, errors.Annotatef(ErrParse, "short payload len=%d", len(b))
	}
	e := &Envelope{
		Seq:  binary.BigEndian.Uint16(b[1:]),
		Time: int64(binary.BigEndian.Uint64(b[5:])),
	}
	bodyLen := int(binary.BigEndian.Uint16(b[3:]))
	if HeaderSize+bodyLen != len(b) {
		return nil, errors.Annotatef(ErrParse, "bodylen declared=%d actual=%d", bodyLen, len(b)-HeaderSize)
	}
	body := b[HeaderSize:]

	var msg Message
	switch Type(b[0]) {
	case TypeTelemetry:
		msg = new(Telemetry)
	case TypeCommand:
		msg = new(Command)
	case TypeEvent:
		msg = new(Event)
	case TypeAck:
		msg = new(Ack)
	default:
		return nil, errors.Annotatef(ErrParse, "unknown type=%02x", b[0])
	}
	if err := json.Unmarshal(body, msg); err != nil {
		return nil, errors.Annotatef(ErrParse, "%s body=%s err=%v", Type(b[0]), body, err)
	}
	if err := msg.validate(); err != nil {
		return nil, errors.Annotatef(ErrParse, "%s %v", Type(b[0]), err)
	}
	e.Msg = msg
	return e, nil
}
