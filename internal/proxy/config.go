package proxy

import (
	"context"
	"time"

	"github.com/die-net/veil/internal/dialer"
	"github.com/die-net/veil/internal/encoder"
)

// Encoders supplies one encoder per tunnel. *pool.Pool implements it.
type Encoders interface {
	Checkout(ctx context.Context) (*encoder.Encoder, error)
	Release(e *encoder.Encoder)
}

type Config struct {
	// NegotiationTimeout bounds the SOCKS5 handshake and the tunnel
	// setup, including the dial to the relay. Zero means no limit.
	NegotiationTimeout time.Duration

	// RelayAddr is the fixed relay endpoint every tunnel goes to.
	RelayAddr string

	Dialer   dialer.Dialer
	Encoders Encoders

	BufferSize int
}
