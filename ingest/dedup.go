package ingest

import (
	"fmt"
	"sync"
)

// Outcome of offering one telemetry reading to the ingestor.
type Outcome uint8

const (
	OutcomeInvalid Outcome = iota
	Accepted
	Duplicate
	Rejected // ingestor stopped, reading not taken
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("invalid:%d", uint8(o))
}

const DefaultDedupWindow = 64

// dedup tracks one device's sequence high-water mark plus the set of
// accepted sequences no further than window behind it, so a late
// reordered reading is still accepted once but a replay of an
// already-ingested sequence is not. Beyond the window a reading is
// indistinguishable from a stale replay and counts as duplicate.
// The sequence space is uint16 and wraps, all comparisons are serial.
// lk serializes offers for one device; devices never share a dedup, so
// telemetry from different devices never contends on the same lock.
type dedup struct {
	lk     sync.Mutex
	window int
	init   bool
	hwm    uint16
	recent map[uint16]struct{} // invariant: s in recent => hwm-s <= window
}

func newDedup(window int) *dedup {
	return &dedup{
		window: window,
		recent: make(map[uint16]struct{}, window+1),
	}
}

func (d *dedup) offer(seq uint16) Outcome {
	if !d.init {
		d.init = true
		d.hwm = seq
		d.recent[seq] = struct{}{}
		return Accepted
	}
	if _, ok := d.recent[seq]; ok {
		return Duplicate
	}
	if seqGreater(seq, d.hwm) {
		d.advance(seq)
		d.recent[seq] = struct{}{}
		return Accepted
	}
	if d.hwm-seq <= uint16(d.window) {
		d.recent[seq] = struct{}{}
		return Accepted
	}
	return Duplicate
}

// advance moves the high-water mark and prunes sequences that fell out
// of the window. Keeps recent bounded by window+1 entries.
func (d *dedup) advance(seq uint16) {
	if int(seq-d.hwm) >= d.window {
		d.recent = make(map[uint16]struct{}, d.window+1)
	} else {
		floor := seq - uint16(d.window)
		for s := d.hwm - uint16(d.window); s != floor; s++ {
			delete(d.recent, s)
		}
	}
	d.hwm = seq
}

// seqGreater is serial arithmetic: true when s1 is ahead of s2 on the
// wrapping uint16 circle.
func seqGreater(s1, s2 uint16) bool {
	return ((s1 > s2) && (s1-s2 <= 32768)) ||
		((s1 < s2) && (s2-s1 > 32768))
}
