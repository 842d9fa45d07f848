// Package frame is the wire framing of the MycoBrain device link:
// COBS byte-stuffing so the 0x00 delimiter never appears inside a frame,
// CRC16 over the raw payload appended before stuffing.
//
// Wire layout: [cobs(payload ++ crc16be)] [0x00]
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/juju/errors"
	"github.com/mycosoft/mycobridge/crc16"
)

const Delimiter byte = 0x00

// COBS adds at most one byte per 254 bytes of payload, plus code byte.
const MaxPayload = 4096

var (
	ErrIncomplete = fmt.Errorf("frame incomplete")
	ErrCorrupt    = fmt.Errorf("frame corrupt")
	ErrTooLong    = fmt.Errorf("frame too long")
)

func IsCorrupt(e error) bool    { return errors.Cause(e) == ErrCorrupt }
func IsIncomplete(e error) bool { return errors.Cause(e) == ErrIncomplete }

// Encode appends crc16 to payload, stuffs the result and terminates with
// the delimiter. Output contains exactly one 0x00 byte, at the end.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, errors.Annotatef(ErrTooLong, "len=%d max=%d", len(payload), MaxPayload)
	}
	raw := make([]byte, len(payload)+2)
	copy(raw, payload)
	binary.BigEndian.PutUint16(raw[len(payload):], crc16.Checksum(payload))
	return stuff(raw), nil
}

// stuff implements COBS encoding with trailing delimiter.
func stuff(raw []byte) []byte {
	// worst case: one extra code byte per 254 bytes, plus final delimiter
	out := make([]byte, 0, len(raw)+len(raw)/254+2)
	codeAt := len(out)
	out = append(out, 0)
	code := byte(1)
	for _, b := range raw {
		if b == Delimiter {
			out[codeAt] = code
			codeAt = len(out)
			out = append(out, 0)
			code = 1
			continue
		}
		out = append(out, b)
		code++
		if code == 0xff {
			out[codeAt] = code
			codeAt = len(out)
			out = append(out, 0)
			code = 1
		}
	}
	out[codeAt] = code
	out = append(out, Delimiter)
	return out
}

// unstuff reverses stuff for one frame body (delimiter already removed).
func unstuff(in []byte) ([]byte, error) {
	out := make([]byte, 0, len(in))
	for i := 0; i < len(in); {
		code := in[i]
		if code == 0 {
			return nil, errors.Annotatef(ErrCorrupt, "cobs code=00 at=%d", i)
		}
		i++
		n := int(code) - 1
		if i+n > len(in) {
			return nil, errors.Annotatef(ErrCorrupt, "cobs truncated code=%02x at=%d", code, i)
		}
		out = append(out, in[i:i+n]...)
		i += n
		if code != 0xff && i < len(in) {
			out = append(out, 0)
		}
	}
	return out, nil
}
