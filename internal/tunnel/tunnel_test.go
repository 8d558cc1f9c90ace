package tunnel

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/die-net/veil/internal/authority"
	"github.com/die-net/veil/internal/dialer"
	"github.com/die-net/veil/internal/encoder"
	"github.com/die-net/veil/internal/padding"
	"github.com/die-net/veil/internal/socks5"
	"github.com/die-net/veil/internal/testutil"
)

type relayFixture struct {
	store *authority.Store
	addr  string
	d     dialer.Dialer
}

func startRelay(t *testing.T, ctx context.Context) *relayFixture {
	t.Helper()

	store := authority.NewStore()
	if err := store.Generate(ctx, 4, false); err != nil {
		t.Fatal(err)
	}

	d := dialer.NewDirectDialer(dialer.Config{DialTimeout: 2 * time.Second})

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	srv := NewServer(ctx, store, d, ServerConfig{NegotiationTimeout: 2 * time.Second}, false)
	go func() { _ = srv.Serve(ln) }()

	return &relayFixture{store: store, addr: ln.Addr().String(), d: d}
}

func (f *relayFixture) encoder(t *testing.T) *encoder.Encoder {
	t.Helper()

	keys, err := f.store.Allocate(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	enc, err := encoder.New(keys[0])
	if err != nil {
		t.Fatal(err)
	}
	return enc
}

func targetFor(t *testing.T, addr string) socks5.Target {
	t.Helper()

	ta, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	target, err := socks5.NewTarget(ta.IP.String(), uint16(ta.Port))
	if err != nil {
		t.Fatal(err)
	}
	return target
}

func TestDialRelaysThroughEncoder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	relay := startRelay(t, ctx)
	echoLn := testutil.StartStreamEchoTCPServer(t, ctx)
	enc := relay.encoder(t)

	conn, err := Dial(ctx, relay.d, relay.addr, enc, targetFor(t, echoLn.Addr().String()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// The tunnel carries encoded bytes; the echo target sees plaintext.
	testutil.AssertEcho(t, enc.Writer(conn), enc.Reader(conn), []byte("hello through the tunnel"))
}

func TestDialDomainTarget(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	relay := startRelay(t, ctx)
	echoLn := testutil.StartStreamEchoTCPServer(t, ctx)
	enc := relay.encoder(t)

	port := uint16(echoLn.Addr().(*net.TCPAddr).Port)
	target, err := socks5.NewTarget("localhost", port)
	if err != nil {
		t.Fatal(err)
	}

	conn, err := Dial(ctx, relay.d, relay.addr, enc, target)
	if err != nil {
		t.Skipf("localhost not resolvable to the echo server: %v", err)
	}
	defer conn.Close()

	testutil.AssertEcho(t, enc.Writer(conn), enc.Reader(conn), []byte("by name"))
}

func TestDialFailures(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	relay := startRelay(t, ctx)

	// A port nothing listens on.
	closedLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	refused := closedLn.Addr().String()
	_ = closedLn.Close()

	unknown, err := encoder.New(encoder.NewKey())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		enc        *encoder.Encoder
		target     socks5.Target
		relayAddr  string
		wantStatus byte
	}{
		{
			name:       "target_refused",
			enc:        relay.encoder(t),
			target:     targetFor(t, refused),
			relayAddr:  relay.addr,
			wantStatus: StatusRefused,
		},
		{
			name:       "unsupported_atyp",
			enc:        relay.encoder(t),
			target:     socks5.Target{Atyp: 0x04, Addr: net.IPv6loopback, Port: 80},
			relayAddr:  relay.addr,
			wantStatus: StatusAddressType,
		},
		{
			name:       "unknown_key",
			enc:        unknown,
			target:     targetFor(t, refused),
			relayAddr:  relay.addr,
			wantStatus: StatusFailure,
		},
		{
			name:       "relay_down",
			enc:        relay.encoder(t),
			target:     targetFor(t, refused),
			relayAddr:  refused,
			wantStatus: StatusFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := Dial(ctx, relay.d, tt.relayAddr, tt.enc, tt.target)
			if err == nil {
				_ = conn.Close()
				t.Fatal("expected error")
			}
			var se *SetupError
			if !errors.As(err, &se) {
				t.Fatalf("err = %T %v, want *SetupError", err, err)
			}
			if se.Status != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%v)", se.Status, tt.wantStatus, err)
			}
		})
	}
}

func TestRequestWireFormat(t *testing.T) {
	enc, err := encoder.New(encoder.NewKey())
	if err != nil {
		t.Fatal(err)
	}

	targets := []socks5.Target{
		{Atyp: socks5.ATYPIPv4, Addr: []byte{93, 184, 216, 34}, Port: 80},
		{Atyp: socks5.ATYPDomain, Addr: append([]byte{11}, "example.com"...), Port: 443},
	}

	for _, target := range targets {
		var wire bytes.Buffer
		if err := writeRequest(&wire, enc, target); err != nil {
			t.Fatal(err)
		}

		id := enc.ID()
		if !bytes.Equal(wire.Bytes()[:PrefaceLen], id[:]) {
			t.Fatal("preface is not the encoder id")
		}

		body := enc.Decode(wire.Bytes()[PrefaceLen:])
		_, payload, err := padding.Remove(body)
		if err != nil {
			t.Fatal(err)
		}
		want := append([]byte{target.Atyp, byte(target.Port >> 8), byte(target.Port)}, target.Addr...)
		if !bytes.Equal(payload, want) {
			t.Fatalf("payload = %v, want %v", payload, want)
		}

		got, err := readRequest(enc.Reader(bytes.NewReader(wire.Bytes()[PrefaceLen:])))
		if err != nil {
			t.Fatal(err)
		}
		if got.String() != target.String() {
			t.Fatalf("read %s, want %s", got, target)
		}
	}
}

func TestReplyWireFormat(t *testing.T) {
	enc, err := encoder.New(encoder.NewKey())
	if err != nil {
		t.Fatal(err)
	}

	for _, status := range []byte{StatusOK, StatusRefused} {
		var wire bytes.Buffer
		if err := writeReply(&wire, enc, status); err != nil {
			t.Fatal(err)
		}

		_, payload, err := padding.Remove(enc.Decode(wire.Bytes()))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(payload, []byte{status}) {
			t.Fatalf("payload = %v", payload)
		}

		got, err := readReply(enc.Reader(&wire))
		if err != nil {
			t.Fatal(err)
		}
		if got != status {
			t.Fatalf("status = %d, want %d", got, status)
		}
	}
}

func TestReadReplyTruncated(t *testing.T) {
	enc, err := encoder.New(encoder.NewKey())
	if err != nil {
		t.Fatal(err)
	}

	// Declares 10 filler bytes but carries 2.
	wire := enc.Encode([]byte{10, 1, 2})
	if _, err := readReply(enc.Reader(bytes.NewReader(wire))); !errors.Is(err, padding.ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
}
