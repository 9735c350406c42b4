package osdp

import (
	"math/big"
	"strings"
)

// extractBitString renders the first bitLength bits of data (MSB-first,
// big-endian across bytes) as a string of '0'/'1' characters.
func extractBitString(data []byte, bitLength int) string {
	var sb strings.Builder
	sb.Grow(bitLength)
	for i := 0; i < bitLength; i++ {
		byteIndex := i / 8
		bitIndex := 7 - (i % 8)
		if byteIndex >= len(data) {
			break
		}
		if (data[byteIndex]>>bitIndex)&1 == 1 {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

// bitsToDecimal converts a big-endian bit string to its decimal
// representation. An all-zero (or empty) bit string yields "0".
func bitsToDecimal(bits string) string {
	if bits == "" {
		return "0"
	}
	n := new(big.Int)
	if _, ok := n.SetString(bits, 2); !ok {
		return "0"
	}
	return n.String()
}

// mapPinByte maps a raw keypad byte to its display character:
// 0x30-0x39 -> '0'-'9', 0x0D -> '#', 0x7F -> '*', else passthrough.
func mapPinByte(b byte) byte {
	switch {
	case b >= 0x30 && b <= 0x39:
		return b
	case b == 0x0D:
		return '#'
	case b == 0x7F:
		return '*'
	default:
		return b
	}
}
