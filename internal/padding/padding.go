// Package padding implements the filler envelope that prefixes every tunnel
// message: one length byte n, then n random bytes, then the payload.
//
// A fresh n is drawn for every message so identical payloads produce
// messages of different sizes.
package padding

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	mrand "math/rand/v2"
)

// MaxLen is the largest filler length the one-byte prefix can describe.
const MaxLen = 255

// ErrTruncated is returned when the declared filler length runs past the
// end of the available bytes.
var ErrTruncated = errors.New("padding: declared length exceeds buffer")

// Add returns payload prefixed with a random-length envelope.
func Add(payload []byte) []byte {
	return AddN(payload, mrand.IntN(MaxLen+1))
}

// AddN is Add with a caller-chosen filler length. n must be in [0, MaxLen].
func AddN(payload []byte, n int) []byte {
	if n < 0 || n > MaxLen {
		panic(fmt.Sprintf("padding: length %d out of range", n))
	}
	b := make([]byte, 1+n+len(payload))
	b[0] = byte(n)
	_, _ = rand.Read(b[1 : 1+n])
	copy(b[1+n:], payload)
	return b
}

// Remove strips the envelope from framed. offset is where the payload starts.
func Remove(framed []byte) (offset int, payload []byte, err error) {
	if len(framed) == 0 {
		return 0, nil, ErrTruncated
	}
	offset = 1 + int(framed[0])
	if offset > len(framed) {
		return 0, nil, ErrTruncated
	}
	return offset, framed[offset:], nil
}

// Skip reads and discards one envelope from r, returning the number of
// bytes consumed. A stream that ends inside the envelope yields ErrTruncated.
func Skip(r io.Reader) (int, error) {
	var hdr [1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, fmt.Errorf("padding length: %w", err)
	}
	n, err := io.CopyN(io.Discard, r, int64(hdr[0]))
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = ErrTruncated
		}
		return 1 + int(n), fmt.Errorf("padding filler: %w", err)
	}
	return 1 + int(n), nil
}
