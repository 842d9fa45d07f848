package crc16

import (
	"testing"
)

func check(t *testing.T, input []byte, expect uint16) {
	if x := Checksum(input); x != expect {
		t.Errorf("Checksum(%x) = %04x expected=%04x", input, x, expect)
	}
}

func TestKnown(t *testing.T) {
	check(t, nil, 0xffff)
	check(t, []byte{0x00}, 0xe1f0)
	check(t, []byte("123456789"), 0x29b1)
	check(t, []byte("A"), 0xb915)
}

func TestTableMatchesReference(t *testing.T) {
	inputs := [][]byte{
		{},
		{0x00},
		{0xff, 0xff, 0xff},
		{0x01, 0x00, 0x2a, 0x00, 0x05, 0xde, 0xad, 0xbe, 0xef},
		[]byte("mb-1 set_mosfet"),
	}
	for _, in := range inputs {
		tab := Checksum(in)
		ref := Reference(Init, in)
		if tab != ref {
			t.Errorf("input=%x table=%04x reference=%04x", in, tab, ref)
		}
	}
}

func BenchmarkUpdate(b *testing.B) {
	buf := make([]byte, 256)
	for i := range buf {
		buf[i] = byte(i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Update(Init, buf)
	}
}
