package serialize

import (
	"fmt"
)

// Reader consumes a received frame. Every Read is bounds-checked; a short
// buffer surfaces as an error rather than a panic since frames arrive from
// the network.
type Reader struct {
	bytes []byte
	rpos  int
}

func NewReader(data []byte) *Reader {
	return &Reader{
		bytes: data,
	}
}

func (r *Reader) Read(n int) ([]byte, error) {
	if r.rpos+n > len(r.bytes) {
		return nil, fmt.Errorf("reader does not contain enough data, num bytes available: %d, num bytes needed: %d", len(r.bytes)-r.rpos, n)
	}
	slice := r.bytes[r.rpos : r.rpos+n]
	r.rpos += n
	return slice, nil
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.bytes) - r.rpos
}
