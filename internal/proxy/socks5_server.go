package proxy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/die-net/veil/internal/encoder"
	"github.com/die-net/veil/internal/relay"
	"github.com/die-net/veil/internal/socks5"
	"github.com/die-net/veil/internal/tunnel"
)

type SOCKS5Server struct {
	ctx     context.Context
	cfg     Config
	bound   *net.TCPAddr // relay address reported when setup fails
	Verbose bool
}

func NewSOCKS5Server(ctx context.Context, cfg Config, verbose bool) *SOCKS5Server {
	if ctx == nil {
		ctx = context.Background()
	}
	return &SOCKS5Server{ctx: ctx, cfg: cfg, bound: relayBound(cfg.RelayAddr), Verbose: verbose}
}

// relayBound returns the relay endpoint as a TCP address if it is an IP
// literal; otherwise nil, and failure replies carry a zero address.
func relayBound(addr string) *net.TCPAddr {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	return &net.TCPAddr{IP: ip}
}

// Serve accepts connections on ln and handles each in its own goroutine.
// It returns when ln is closed.
func (s *SOCKS5Server) Serve(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) && s.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go func() {
			if err := s.handleConn(c); err != nil && s.Verbose {
				log.Printf("socks5: %s: %v", c.RemoteAddr(), err)
			}
		}()
	}
}

func (s *SOCKS5Server) handleConn(conn net.Conn) error {
	defer conn.Close()
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}

	hs := socks5.NewHandshake(conn)
	if err := hs.Negotiate(); err != nil {
		return fmt.Errorf("negotiate: %w", err)
	}
	target, err := hs.ReadConnect()
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}

	up, enc, err := s.connect(ctx, target)
	// The reply is owed regardless of how much of the handshake deadline
	// the setup used up.
	s.extendDeadline(conn)
	if err != nil {
		if rerr := hs.Reply(socks5.Result{Bound: s.bound}); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return fmt.Errorf("connect %s: %w", target, err)
	}
	defer s.cfg.Encoders.Release(enc)
	defer up.Close()

	bound, _ := up.RemoteAddr().(*net.TCPAddr)
	if err := hs.Reply(socks5.Result{OK: true, Bound: bound}); err != nil {
		return err
	}
	_ = conn.SetDeadline(time.Time{})

	if err := relay.Pump(ctx, conn, up, enc, s.cfg.BufferSize); err != nil {
		return fmt.Errorf("relay %s: %w", target, err)
	}
	return nil
}

func (s *SOCKS5Server) extendDeadline(conn net.Conn) {
	if s.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))
	}
}

// connect checks out an encoder and sets up a tunnel to target through the
// relay. On failure the encoder has already been released.
func (s *SOCKS5Server) connect(ctx context.Context, target socks5.Target) (net.Conn, *encoder.Encoder, error) {
	if s.cfg.NegotiationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.NegotiationTimeout)
		defer cancel()
	}

	enc, err := s.cfg.Encoders.Checkout(ctx)
	if err != nil {
		return nil, nil, err
	}

	up, err := tunnel.Dial(ctx, s.cfg.Dialer, s.cfg.RelayAddr, enc, target)
	if err != nil {
		s.cfg.Encoders.Release(enc)
		return nil, nil, err
	}
	return up, enc, nil
}
