package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/die-net/veil/internal/dialer"
	"github.com/die-net/veil/internal/encoder"
	"github.com/die-net/veil/internal/relay"
)

// KeyResolver finds the key for an encoder identifier presented in a
// tunnel preface.
type KeyResolver interface {
	Lookup(id uuid.UUID) (encoder.Key, error)
}

type ServerConfig struct {
	// NegotiationTimeout bounds reading the preface and setup request
	// and dialing the target. Zero means no limit.
	NegotiationTimeout time.Duration

	BufferSize int
}

// Server is the relay end of the tunnel: it decodes setup requests, dials
// the requested targets, and relays payload.
type Server struct {
	ctx     context.Context
	keys    KeyResolver
	dialer  dialer.Dialer
	cfg     ServerConfig
	Verbose bool
}

func NewServer(ctx context.Context, keys KeyResolver, d dialer.Dialer, cfg ServerConfig, verbose bool) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Server{ctx: ctx, keys: keys, dialer: d, cfg: cfg, Verbose: verbose}
}

// Serve accepts tunnel connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) && s.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			if err := s.handle(c); err != nil && s.Verbose {
				log.Printf("relay: %s: %v", c.RemoteAddr(), err)
			}
		}()
	}
}

func (s *Server) handle(conn net.Conn) error {
	defer conn.Close()
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	var preface [PrefaceLen]byte
	if _, err := io.ReadFull(conn, preface[:]); err != nil {
		return fmt.Errorf("read preface: %w", err)
	}
	key, err := s.keys.Lookup(uuid.UUID(preface))
	if err != nil {
		// Without the key there is no way to answer.
		return err
	}
	enc, err := encoder.New(key)
	if err != nil {
		return err
	}

	target, err := readRequest(enc.Reader(conn))
	if err != nil {
		if errors.Is(err, errAddressType) {
			_ = writeReply(conn, enc, StatusAddressType)
			drain(conn)
		}
		return fmt.Errorf("read setup: %w", err)
	}

	dialCtx := ctx
	if s.cfg.NegotiationTimeout > 0 {
		var dialCancel context.CancelFunc
		dialCtx, dialCancel = context.WithTimeout(ctx, s.cfg.NegotiationTimeout)
		defer dialCancel()
	}
	up, err := s.dialer.DialContext(dialCtx, "tcp", target.String())
	if err != nil {
		_ = writeReply(conn, enc, dialStatus(err))
		return fmt.Errorf("connect %s: %w", target, err)
	}
	defer up.Close()

	if err := writeReply(conn, enc, StatusOK); err != nil {
		return fmt.Errorf("write setup reply: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	if err := relay.Pump(ctx, up, conn, enc, s.cfg.BufferSize); err != nil {
		return fmt.Errorf("relay %s: %w", target, err)
	}
	return nil
}

// drain half-closes conn and discards what the peer still sends, so the
// final reply is not lost to a reset caused by unread input.
func drain(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(conn, maxDrain))
}

const maxDrain = 64 << 10

func dialStatus(err error) byte {
	var dnsErr *net.DNSError
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return StatusRefused
	case errors.As(err, &dnsErr), errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return StatusHostUnreachable
	default:
		return StatusFailure
	}
}
