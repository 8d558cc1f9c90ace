package dialer

import (
	"net"
	"time"
)

type Config struct {
	DialTimeout time.Duration
	KeepAlive   net.KeepAliveConfig

	// HandshakeTimeout bounds the SSH handshake of an ssh:// upstream.
	HandshakeTimeout time.Duration
	// SSHKeyPath is an OpenSSH private key file, or "agent".
	SSHKeyPath string
	// SSHKnownHostsPath enables host key checking with trust on first use.
	SSHKnownHostsPath string
}
