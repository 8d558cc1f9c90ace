package socks5

import (
	"encoding/binary"
	"fmt"
	"net"

	txsocks5 "github.com/txthinking/socks5"
)

const (
	// MethodNone is the "no authentication required" method.
	MethodNone = txsocks5.MethodNone

	// MethodUserPass is the username/password method. Credentials are
	// read and acknowledged but not checked.
	MethodUserPass = txsocks5.MethodUsernamePassword

	// CmdConnect is the SOCKS5 CONNECT command value.
	CmdConnect = txsocks5.CmdConnect

	ATYPIPv4   = txsocks5.ATYPIPv4
	ATYPDomain = txsocks5.ATYPDomain

	// RepSuccess and RepFailure are the only reply codes sent after a
	// CONNECT was accepted for processing.
	RepSuccess = txsocks5.RepSuccess
	RepFailure = txsocks5.RepConnectionRefused

	repGeneralFailure      = txsocks5.RepServerFailure
	repCommandNotSupported = txsocks5.RepCommandNotSupported
	repAddressNotSupported = txsocks5.RepAddressNotSupported

	methodNoAcceptable = 0xff

	socksVersion = 5
)

// implementedMethods are the methods the server can select, matched in the
// order the client lists them.
var implementedMethods = []byte{MethodNone, MethodUserPass}

// Target is the destination from a CONNECT request.
type Target struct {
	Atyp byte

	// Addr is the address in SOCKS wire form: 4 bytes for IPv4, a length
	// byte followed by the name for a domain.
	Addr []byte

	Port uint16
}

// Host returns the target host as text.
func (t Target) Host() string {
	if t.Atyp == ATYPIPv4 && len(t.Addr) == net.IPv4len {
		return net.IP(t.Addr).String()
	}
	if t.Atyp == ATYPDomain && len(t.Addr) > 0 {
		return string(t.Addr[1:])
	}
	return ""
}

// String returns host:port.
func (t Target) String() string {
	return net.JoinHostPort(t.Host(), fmt.Sprint(t.Port))
}

// NewTarget builds a Target from host and port. host must be an IPv4
// literal or a domain name of at most 255 bytes.
func NewTarget(host string, port uint16) (Target, error) {
	if ip := net.ParseIP(host); ip != nil {
		ip4 := ip.To4()
		if ip4 == nil {
			return Target{}, fmt.Errorf("unsupported address %q: only IPv4 and domain names", host)
		}
		return Target{Atyp: ATYPIPv4, Addr: []byte(ip4), Port: port}, nil
	}
	if host == "" || len(host) > 255 {
		return Target{}, fmt.Errorf("invalid domain name length %d", len(host))
	}
	addr := append([]byte{byte(len(host))}, host...)
	return Target{Atyp: ATYPDomain, Addr: addr, Port: port}, nil
}

// PortBytes returns the port in network byte order.
func (t Target) PortBytes() []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, t.Port)
	return b
}

func writeReply(conn net.Conn, rep byte, bound *net.TCPAddr) error {
	ip := []byte{0x00, 0x00, 0x00, 0x00}
	port := []byte{0x00, 0x00}
	if bound != nil {
		if ip4 := bound.IP.To4(); ip4 != nil {
			ip = ip4
		}
		binary.BigEndian.PutUint16(port, uint16(bound.Port))
	}
	if _, err := txsocks5.NewReply(rep, ATYPIPv4, ip, port).WriteTo(conn); err != nil {
		return fmt.Errorf("reply: %w", err)
	}
	return nil
}
