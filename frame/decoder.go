package frame

import (
	"bytes"
	"encoding/binary"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/mycosoft/mycobridge/crc16"
)

// Decoder recovers payloads from a raw byte stream fed in arbitrary
// chunks. Corrupt frames are reported once and skipped; decoding always
// resynchronizes on the next delimiter, a bad frame never poisons the
// following ones.
type Decoder struct {
	buf  []byte
	stat DecoderStat
}

type DecoderStat struct {
	Payloads uint32
	Corrupt  uint32
	Dropped  uint32 // bytes discarded during resync
}

func NewDecoder() *Decoder {
	return &Decoder{buf: make([]byte, 0, 2*MaxPayload)}
}

// Feed appends raw bytes from the transport. Pure buffering, never blocks.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
	// garbage guard: no delimiter within maximum stuffed frame size means
	// the stream cannot contain a valid frame start in this region
	max := MaxPayload + MaxPayload/254 + 16
	for len(d.buf) > max && bytes.IndexByte(d.buf[:max], Delimiter) < 0 {
		atomic.AddUint32(&d.stat.Dropped, uint32(max))
		d.buf = d.buf[max:]
	}
}

// Next returns the next decoded payload.
// (nil, ErrIncomplete) means no complete frame is buffered yet.
// (nil, ErrCorrupt...) means one frame was discarded; call Next again.
func (d *Decoder) Next() ([]byte, error) {
	for {
		di := bytes.IndexByte(d.buf, Delimiter)
		if di < 0 {
			return nil, ErrIncomplete
		}
		body := d.buf[:di]
		d.buf = d.buf[di+1:]
		if len(body) == 0 {
			// delimiter run between frames, artifact of resync
			continue
		}
		payload, err := decodeBody(body)
		if err != nil {
			atomic.AddUint32(&d.stat.Corrupt, 1)
			return nil, err
		}
		atomic.AddUint32(&d.stat.Payloads, 1)
		return payload, nil
	}
}

func (d *Decoder) Stat() DecoderStat {
	return DecoderStat{
		Payloads: atomic.LoadUint32(&d.stat.Payloads),
		Corrupt:  atomic.LoadUint32(&d.stat.Corrupt),
		Dropped:  atomic.LoadUint32(&d.stat.Dropped),
	}
}

func decodeBody(body []byte) ([]byte, error) {
	raw, err := unstuff(body)
	if err != nil {
		return nil, err
	}
	if len(raw) < 2 {
		return nil, errors.Annotatef(ErrCorrupt, "frame=%x too short for checksum", raw)
	}
	payload := raw[:len(raw)-2]
	declared := binary.BigEndian.Uint16(raw[len(raw)-2:])
	actual := crc16.Checksum(payload)
	if declared != actual {
		return nil, errors.Annotatef(ErrCorrupt, "crc declared=%04x actual=%04x", declared, actual)
	}
	return payload, nil
}
