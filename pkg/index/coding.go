// SPDX-License-Identifier: GPL-2.0-or-later

package index

// Varint and zigzag coding for the sample index. Same scheme as protocol
// buffers: base-128 with the high bit as continuation, least-significant
// 7 bits first. A 64-bit value uses at most 10 bytes.

// zigzag64 maps a signed integer to an unsigned one. The low bit
// indicates signedness, 1 = negative and 0 = non-negative.
func zigzag64(v int64) uint64 {
	return uint64(v<<1) ^ uint64(v>>63)
}

// unzigzag64 reverses zigzag64.
func unzigzag64(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

func appendUvarint(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// decodeUvarint decodes a single varint starting at data[pos] and returns
// the value and the position of the next byte.
func decodeUvarint(data []byte, pos int) (uint64, int, error) {
	var out uint64
	var shift uint
	for {
		if pos == len(data) {
			return 0, 0, ErrTruncated
		}
		b := data[pos]
		if shift == 63 && b > 1 {
			// Continuation past the tenth byte or payload
			// beyond 64 bits.
			return 0, 0, ErrBadVarint
		}
		out |= uint64(b&0x7f) << shift
		shift += 7
		pos++
		if b&0x80 == 0 {
			return out, pos, nil
		}
	}
}
