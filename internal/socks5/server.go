package socks5

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"

	txsocks5 "github.com/txthinking/socks5"
)

var (
	ErrVersion         = errors.New("socks5: unsupported protocol version")
	ErrNoMethod        = errors.New("socks5: no acceptable authentication method")
	ErrCommand         = errors.New("socks5: unsupported command")
	ErrAddressType     = errors.New("socks5: unsupported address type")
	ErrAddress         = errors.New("socks5: malformed address")
	ErrState           = errors.New("socks5: operation not valid in current state")
	errAlreadyReplied  = errors.New("socks5: reply already sent")
	errNoConnectParsed = errors.New("socks5: no CONNECT request parsed")
)

// State is a position in the server-side handshake.
type State int

const (
	StateAwaitMethods State = iota
	StateAwaitConnect
	StateAwaitResult
	StateConnected
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateAwaitMethods:
		return "await-methods"
	case StateAwaitConnect:
		return "await-connect"
	case StateAwaitResult:
		return "await-result"
	case StateConnected:
		return "connected"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handshake drives one client connection through negotiation and CONNECT.
// It is not safe for concurrent use.
type Handshake struct {
	conn   net.Conn
	state  State
	method byte
	target Target
}

func NewHandshake(conn net.Conn) *Handshake {
	return &Handshake{conn: conn, state: StateAwaitMethods}
}

func (h *Handshake) State() State {
	return h.state
}

// Method returns the negotiated authentication method.
func (h *Handshake) Method() byte {
	return h.method
}

// Negotiate reads the client's greeting and selects the first method in its
// list that the server implements. A bad version terminates without a
// reply.
func (h *Handshake) Negotiate() error {
	if h.state != StateAwaitMethods {
		return fmt.Errorf("%w: negotiate in %s", ErrState, h.state)
	}
	h.state = StateTerminated

	neg, err := txsocks5.NewNegotiationRequestFrom(h.conn)
	if err != nil {
		if errors.Is(err, txsocks5.ErrVersion) {
			return ErrVersion
		}
		return fmt.Errorf("negotiation request: %w", err)
	}

	i := slices.IndexFunc(neg.Methods, func(m byte) bool {
		return slices.Contains(implementedMethods, m)
	})
	if i < 0 {
		_, _ = txsocks5.NewNegotiationReply(methodNoAcceptable).WriteTo(h.conn)
		return ErrNoMethod
	}
	h.method = neg.Methods[i]

	if _, err := txsocks5.NewNegotiationReply(h.method).WriteTo(h.conn); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}

	if h.method == MethodUserPass {
		if _, err := txsocks5.NewUserPassNegotiationRequestFrom(h.conn); err != nil {
			return fmt.Errorf("read userpass: %w", err)
		}
		if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(h.conn); err != nil {
			return fmt.Errorf("write userpass: %w", err)
		}
	}

	h.state = StateAwaitConnect
	return nil
}

// ReadConnect reads the request that follows negotiation. The command is
// checked before the address type, and both before the address itself:
// anything but CONNECT gets reply 7, an address type other than IPv4 or
// domain gets reply 8, and a malformed address (such as an empty domain)
// gets reply 1. Each of these terminates the handshake.
func (h *Handshake) ReadConnect() (Target, error) {
	if h.state != StateAwaitConnect {
		return Target{}, fmt.Errorf("%w: read connect in %s", ErrState, h.state)
	}
	h.state = StateTerminated

	// ver, cmd, rsv, atyp
	var hdr [4]byte
	if _, err := io.ReadFull(h.conn, hdr[:]); err != nil {
		return Target{}, fmt.Errorf("request: %w", err)
	}
	if hdr[0] != socksVersion {
		return Target{}, ErrVersion
	}
	if hdr[1] != CmdConnect {
		_ = writeReply(h.conn, repCommandNotSupported, nil)
		return Target{}, fmt.Errorf("%w: %d", ErrCommand, hdr[1])
	}
	if hdr[3] != ATYPIPv4 && hdr[3] != ATYPDomain {
		_ = writeReply(h.conn, repAddressNotSupported, nil)
		return Target{}, fmt.Errorf("%w: %d", ErrAddressType, hdr[3])
	}

	req, err := txsocks5.NewRequestFrom(io.MultiReader(bytes.NewReader(hdr[:]), h.conn))
	if err != nil {
		if errors.Is(err, txsocks5.ErrBadRequest) {
			_ = writeReply(h.conn, repGeneralFailure, nil)
			return Target{}, fmt.Errorf("%w: %w", ErrAddress, err)
		}
		return Target{}, fmt.Errorf("request: %w", err)
	}

	h.target = Target{
		Atyp: req.Atyp,
		Addr: req.DstAddr,
		Port: uint16(req.DstPort[0])<<8 | uint16(req.DstPort[1]),
	}
	h.state = StateAwaitResult
	return h.target, nil
}

// Result is the outcome of setting up the upstream for a CONNECT.
type Result struct {
	OK bool

	// Bound is the relay endpoint traffic is routed through. Its port is
	// replaced by the requested target port in the reply.
	Bound *net.TCPAddr
}

// Reply sends the CONNECT reply for res. On success the handshake moves to
// StateConnected; on failure it terminates.
func (h *Handshake) Reply(res Result) error {
	switch h.state {
	case StateAwaitResult:
	case StateConnected:
		return errAlreadyReplied
	default:
		return fmt.Errorf("%w: %w", ErrState, errNoConnectParsed)
	}

	var bound *net.TCPAddr
	if res.Bound != nil {
		bound = &net.TCPAddr{IP: res.Bound.IP, Port: int(h.target.Port)}
	}

	rep := byte(RepFailure)
	if res.OK {
		rep = RepSuccess
	}
	if err := writeReply(h.conn, rep, bound); err != nil {
		h.state = StateTerminated
		return err
	}

	if !res.OK {
		h.state = StateTerminated
		return nil
	}
	h.state = StateConnected
	return nil
}
