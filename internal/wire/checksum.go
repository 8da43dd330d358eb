package wire

import "fmt"

// ChecksumNotComputed marks a header whose payload checksum was intentionally
// skipped by the sender.
const ChecksumNotComputed uint32 = 0

// CRC-32 with polynomial 0x04C11DB7 (MPEG-2 variant, no reflection).
var crcTable [256]uint32

func init() {
	for i := 0; i < 256; i++ {
		crc := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if crc&0x80000000 != 0 {
				crc = (crc << 1) ^ 0x04C11DB7
			} else {
				crc <<= 1
			}
		}
		crcTable[i] = crc
	}
}

// Checksum computes the CRC-32 of payload.
func Checksum(payload []byte) uint32 {
	crc := uint32(0xFFFFFFFF)
	for _, b := range payload {
		crc = (crc << 8) ^ crcTable[byte(crc>>24)^b]
	}
	return crc
}

// ShouldValidate reports whether a receiver must check the checksum. An
// encrypted payload is already authenticated, so a zero checksum there means
// the sender skipped it. Plaintext payloads are always validated.
func ShouldValidate(encrypted bool, checksum uint32) bool {
	return !encrypted || checksum != ChecksumNotComputed
}

// VerifyChecksum compares the CRC of payload against want.
func VerifyChecksum(payload []byte, want uint32) error {
	if got := Checksum(payload); got != want {
		return fmt.Errorf("%w: computed 0x%08X, header 0x%08X", ErrChecksumMismatch, got, want)
	}
	return nil
}
