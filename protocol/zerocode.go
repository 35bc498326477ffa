package protocol

// Zero-coding replaces every run of 0x00 bytes with a 0x00 marker followed
// by the run length. Runs longer than 255 are split into several pairs, so
// a count byte is always in 1..255.

// maxZeroExpansion bounds the decoded size of a zero-coded body.
const maxZeroExpansion = 1 << 17

// ZeroEncode appends the zero-coded form of src to dst.
func ZeroEncode(dst, src []byte) []byte {
	for i := 0; i < len(src); {
		if src[i] != 0 {
			dst = append(dst, src[i])
			i++
			continue
		}
		run := 0
		for i < len(src) && src[i] == 0 && run < 255 {
			run++
			i++
		}
		dst = append(dst, 0, byte(run))
	}
	return dst
}

// ZeroDecode appends the expansion of the zero-coded src to dst.
func ZeroDecode(dst, src []byte) ([]byte, error) {
	for i := 0; i < len(src); i++ {
		c := src[i]
		if c != 0 {
			dst = append(dst, c)
			continue
		}
		if i+1 >= len(src) {
			return dst, ErrInvalidZeroCoding
		}
		i++
		n := int(src[i])
		if n == 0 {
			return dst, ErrInvalidZeroCoding
		}
		if len(dst)+n > maxZeroExpansion {
			return dst, ErrInvalidZeroCoding
		}
		for ; n > 0; n-- {
			dst = append(dst, 0)
		}
	}
	return dst, nil
}
