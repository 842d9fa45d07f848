// Package crc16 implements CRC16-CCITT as used by MycoBrain firmware:
// polynomial 0x1021, initial value 0xffff, no final xor, no reflection.
package crc16

const Poly uint16 = 0x1021
const Init uint16 = 0xffff

var table [256]uint16

func init() {
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ Poly
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
}

func Update(crc uint16, bs []byte) uint16 {
	for _, b := range bs {
		crc = (crc << 8) ^ table[byte(crc>>8)^b]
	}
	return crc
}

func Checksum(bs []byte) uint16 { return Update(Init, bs) }

// Bitwise form, matches firmware computeCRC16 byte for byte.
// Kept to cross-check the table in tests.
func Reference(crc uint16, bs []byte) uint16 {
	for _, b := range bs {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ Poly
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
