package encoder

import (
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// Encoder applies one Key's substitution in both directions. It is
// immutable after New and safe for concurrent use.
type Encoder struct {
	id  uuid.UUID
	enc [TableSize]byte
	dec [TableSize]byte
}

// New builds an Encoder from k. The table must be a permutation.
func New(k Key) (*Encoder, error) {
	if err := k.Validate(); err != nil {
		return nil, err
	}
	e := &Encoder{id: k.ID, enc: k.Table}
	for i, b := range k.Table {
		e.dec[b] = byte(i)
	}
	return e, nil
}

// ID returns the identifier of the key this encoder was built from.
func (e *Encoder) ID() uuid.UUID {
	return e.id
}

// Encode returns the obfuscated form of b.
func (e *Encoder) Encode(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[i] = e.enc[c]
	}
	return out
}

// Decode returns the plain form of b.
func (e *Encoder) Decode(b []byte) []byte {
	out := make([]byte, len(b))
	e.decodeInPlace(out, b)
	return out
}

func (e *Encoder) decodeInPlace(dst, src []byte) {
	for i, c := range src {
		dst[i] = e.dec[c]
	}
}

// Send encodes b and writes all of it to w.
func (e *Encoder) Send(w io.Writer, b []byte) error {
	out := e.Encode(b)
	for len(out) > 0 {
		n, err := w.Write(out)
		if err != nil {
			return fmt.Errorf("encoder send: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("encoder send: %w", io.ErrShortWrite)
		}
		out = out[n:]
	}
	return nil
}

// Receive reads up to len(buf) bytes from r into buf, decodes them in place,
// and returns the decoded slice. A clean close by the peer returns an empty
// slice and a nil error.
func (e *Encoder) Receive(r io.Reader, buf []byte) ([]byte, error) {
	for {
		n, err := r.Read(buf)
		if n > 0 {
			e.decodeInPlace(buf[:n], buf[:n])
			return buf[:n], nil
		}
		if errors.Is(err, io.EOF) {
			return buf[:0], nil
		}
		if err != nil {
			return buf[:0], fmt.Errorf("encoder receive: %w", err)
		}
		if len(buf) == 0 {
			return buf, nil
		}
	}
}

// Reader returns an io.Reader that decodes everything read from r.
func (e *Encoder) Reader(r io.Reader) io.Reader {
	return &decodingReader{e: e, r: r}
}

// Writer returns an io.Writer that encodes everything written to w.
func (e *Encoder) Writer(w io.Writer) io.Writer {
	return &encodingWriter{e: e, w: w}
}

type decodingReader struct {
	e *Encoder
	r io.Reader
}

func (d *decodingReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	d.e.decodeInPlace(p[:n], p[:n])
	return n, err
}

type encodingWriter struct {
	e *Encoder
	w io.Writer
}

func (w *encodingWriter) Write(p []byte) (int, error) {
	if err := w.e.Send(w.w, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
