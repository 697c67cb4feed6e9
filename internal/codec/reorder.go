// internal/codec/reorder.go
package codec

import "math/bits"

// Reorder converts words as they came off the wire into the canonical
// big-endian byte sequence of the value, according to o.
// Every numeric decode path goes through here.
func Reorder(words []uint16, o Order) []byte {
	n := len(words)
	out := make([]byte, 2*n)
	for i, w := range words {
		j := i
		if o.swapsWords() {
			j = n - 1 - i
		}
		if o.swapsBytes() {
			w = bits.ReverseBytes16(w)
		}
		out[2*j] = byte(w >> 8)
		out[2*j+1] = byte(w)
	}
	return out
}

// Canonical is the inverse of Reorder: it lays canonical big-endian bytes
// out as wire words in order o. len(b) must be even.
func Canonical(b []byte, o Order) []uint16 {
	n := len(b) / 2
	out := make([]uint16, n)
	for j := 0; j < n; j++ {
		w := uint16(b[2*j])<<8 | uint16(b[2*j+1])
		if o.swapsBytes() {
			w = bits.ReverseBytes16(w)
		}
		i := j
		if o.swapsWords() {
			i = n - 1 - j
		}
		out[i] = w
	}
	return out
}
