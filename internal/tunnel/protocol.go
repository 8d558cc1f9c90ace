package tunnel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/die-net/veil/internal/encoder"
	"github.com/die-net/veil/internal/padding"
	"github.com/die-net/veil/internal/socks5"
)

// Setup reply status codes.
const (
	StatusOK              byte = 0x00
	StatusFailure         byte = 0x01
	StatusHostUnreachable byte = 0x04
	StatusRefused         byte = 0x05
	StatusAddressType     byte = 0x08
)

// PrefaceLen is the size of the clear-text encoder identifier.
const PrefaceLen = len(uuid.UUID{})

var errAddressType = errors.New("tunnel: unsupported address type")

// SetupError reports a tunnel that could not be set up, either because the
// relay answered with a non-zero status or because the exchange failed.
type SetupError struct {
	// Status is the relay's status, or StatusFailure when the relay never
	// answered.
	Status byte
	Err    error
}

func (e *SetupError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tunnel setup failed (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("tunnel setup failed (status %d)", e.Status)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// encodeRequest returns the setup request body without padding.
func encodeRequest(t socks5.Target) []byte {
	b := make([]byte, 0, 3+len(t.Addr))
	b = append(b, t.Atyp)
	b = binary.BigEndian.AppendUint16(b, t.Port)
	return append(b, t.Addr...)
}

// writeRequest sends the preface and the padded, encoded setup request in
// one write.
func writeRequest(w io.Writer, enc *encoder.Encoder, t socks5.Target) error {
	id := enc.ID()
	msg := append(id[:], enc.Encode(padding.Add(encodeRequest(t)))...)
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write setup request: %w", err)
	}
	return nil
}

// readRequest reads a setup request from an already-decoding reader.
func readRequest(r io.Reader) (socks5.Target, error) {
	if _, err := padding.Skip(r); err != nil {
		return socks5.Target{}, err
	}

	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return socks5.Target{}, fmt.Errorf("setup header: %w", err)
	}
	t := socks5.Target{Atyp: hdr[0], Port: binary.BigEndian.Uint16(hdr[1:])}

	switch t.Atyp {
	case socks5.ATYPIPv4:
		t.Addr = make([]byte, 4)
	case socks5.ATYPDomain:
		var n [1]byte
		if _, err := io.ReadFull(r, n[:]); err != nil {
			return socks5.Target{}, fmt.Errorf("setup domain length: %w", err)
		}
		if n[0] == 0 {
			return socks5.Target{}, fmt.Errorf("%w: empty domain", errAddressType)
		}
		t.Addr = make([]byte, 1+int(n[0]))
		t.Addr[0] = n[0]
		if _, err := io.ReadFull(r, t.Addr[1:]); err != nil {
			return socks5.Target{}, fmt.Errorf("setup domain: %w", err)
		}
		return t, nil
	default:
		return socks5.Target{}, fmt.Errorf("%w: %d", errAddressType, t.Atyp)
	}

	if _, err := io.ReadFull(r, t.Addr); err != nil {
		return socks5.Target{}, fmt.Errorf("setup address: %w", err)
	}
	return t, nil
}

func writeReply(w io.Writer, enc *encoder.Encoder, status byte) error {
	return enc.Send(w, padding.Add([]byte{status}))
}

// readReply reads the setup reply from an already-decoding reader.
func readReply(r io.Reader) (byte, error) {
	if _, err := padding.Skip(r); err != nil {
		return 0, err
	}
	var status [1]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return 0, fmt.Errorf("setup status: %w", err)
	}
	return status[0], nil
}
