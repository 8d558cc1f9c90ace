package tunnel

import (
	"context"
	"net"
	"time"

	"github.com/die-net/veil/internal/dialer"
	"github.com/die-net/veil/internal/encoder"
	"github.com/die-net/veil/internal/socks5"
)

// Dial opens a tunnel connection to relayAddr and asks the relay to connect
// to target. On success the returned connection carries encoded payload
// and is ready for relaying. Any failure closes the connection and returns
// a *SetupError.
//
// ctx bounds the dial and the setup exchange.
func Dial(ctx context.Context, d dialer.Dialer, relayAddr string, enc *encoder.Encoder, target socks5.Target) (net.Conn, error) {
	conn, err := d.DialContext(ctx, "tcp", relayAddr)
	if err != nil {
		return nil, &SetupError{Status: StatusFailure, Err: err}
	}

	status, err := setup(ctx, conn, enc, target)
	if err != nil {
		_ = conn.Close()
		return nil, &SetupError{Status: StatusFailure, Err: err}
	}
	if status != StatusOK {
		_ = conn.Close()
		return nil, &SetupError{Status: status}
	}
	return conn, nil
}

func setup(ctx context.Context, conn net.Conn, enc *encoder.Encoder, target socks5.Target) (byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	// Unblock the exchange if ctx ends without a deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if err := writeRequest(conn, enc, target); err != nil {
		return 0, err
	}

	status, err := readReply(enc.Reader(conn))
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, err
	}
	return status, nil
}
