// Package frame implements the fixed 3-byte frame exchanged with the slave
// controller: a start mark, one payload byte and an end mark. There is no
// length field, checksum or escaping; payload values are small enum codes
// that never collide with the marks.
package frame

const (
	Start  byte = 's'
	End    byte = 'e'
	Length      = 3
)

// Encode wraps payload in start and end marks.
func Encode(payload byte) [Length]byte {
	return [Length]byte{Start, payload, End}
}

// Valid reports whether buf is exactly one well-formed frame.
func Valid(buf []byte) bool {
	return len(buf) == Length && buf[0] == Start && buf[Length-1] == End
}

// Decode returns the payload of buf. ok is false when buf is not a frame,
// which is routine on a polled link (empty slave buffer, partial transfer).
func Decode(buf []byte) (payload byte, ok bool) {
	if !Valid(buf) {
		return 0, false
	}
	return buf[1], true
}

// Resync drops bytes ahead of the first start mark so that a stream reader
// can realign after a partial or corrupted frame.
func Resync(buf []byte) []byte {
	for i, b := range buf {
		if b == Start {
			return buf[i:]
		}
	}
	return buf[:0]
}
