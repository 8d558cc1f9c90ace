package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"
)

// SSHUpstreamDialer reaches targets through "direct-tcpip" channels on one
// shared SSH connection, like ssh -D. The connection is made on first use
// and remade once if opening a channel fails at the transport level.
type SSHUpstreamDialer struct {
	addr   string
	config *ssh.ClientConfig
	tcp    Dialer

	handshakeTimeout time.Duration

	mu     sync.Mutex
	client *ssh.Client
	sf     singleflight.Group
}

// NewSSHUpstreamDialer builds a dialer for the SSH server at addr. At
// least one of password and cfg.SSHKeyPath must be given.
func NewSSHUpstreamDialer(cfg Config, addr, user, password string) (*SSHUpstreamDialer, error) {
	if user == "" {
		return nil, errors.New("ssh upstream: missing username")
	}
	signers, err := loadSSHSigners(cfg.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh upstream: %w", err)
	}
	if password == "" && len(signers) == 0 {
		return nil, errors.New("ssh upstream: missing password or key")
	}
	hostKeys, err := sshHostKeyCallback(cfg.SSHKnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("ssh upstream: %w", err)
	}

	var auth []ssh.AuthMethod
	if len(signers) > 0 {
		auth = append(auth, ssh.PublicKeys(signers...))
	}
	if password != "" {
		auth = append(auth, ssh.Password(password))
	}

	return &SSHUpstreamDialer{
		addr: addr,
		config: &ssh.ClientConfig{
			User:            user,
			Auth:            auth,
			HostKeyCallback: hostKeys,
			Timeout:         cfg.DialTimeout,
		},
		tcp:              NewDirectDialer(cfg),
		handshakeTimeout: cfg.HandshakeTimeout,
	}, nil
}

func (d *SSHUpstreamDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("ssh upstream dial %s %s: unsupported network", network, address)
	}

	client, err := d.shared(ctx)
	if err != nil {
		return nil, err
	}

	c, err := client.DialContext(ctx, "tcp", address)
	if err != nil {
		// The server refused the channel; the transport is fine.
		var openErr *ssh.OpenChannelError
		if errors.As(err, &openErr) {
			return nil, fmt.Errorf("ssh upstream dial %s: %w", address, err)
		}

		d.drop(client)
		if client, err = d.shared(ctx); err != nil {
			return nil, err
		}
		if c, err = client.DialContext(ctx, "tcp", address); err != nil {
			return nil, fmt.Errorf("ssh upstream dial %s: %w", address, err)
		}
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	return &sshChannel{Conn: c, stop: stop}, nil
}

// shared returns the current SSH client, connecting if there is none.
// Concurrent callers share one connection attempt, which outlives any
// single caller's ctx.
func (d *SSHUpstreamDialer) shared(ctx context.Context) (*ssh.Client, error) {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client != nil {
		return client, nil
	}

	ch := d.sf.DoChan(d.addr, func() (any, error) {
		d.mu.Lock()
		existing := d.client
		d.mu.Unlock()
		if existing != nil {
			return existing, nil
		}

		c, err := d.connect(context.Background())
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.client = c
		d.mu.Unlock()
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*ssh.Client), nil
	}
}

func (d *SSHUpstreamDialer) connect(ctx context.Context) (*ssh.Client, error) {
	conn, err := d.tcp.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, fmt.Errorf("ssh transport: %w", err)
	}

	if d.handshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(d.handshakeTimeout))
	}
	cc, chans, reqs, err := ssh.NewClientConn(conn, d.addr, d.config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", d.addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(cc, chans, reqs), nil
}

// drop forgets client if it is still the shared one, and closes it.
func (d *SSHUpstreamDialer) drop(client *ssh.Client) {
	d.mu.Lock()
	if d.client == client {
		d.client = nil
	}
	d.mu.Unlock()
	_ = client.Close()
}

// Close shuts down the shared SSH connection, if any.
func (d *SSHUpstreamDialer) Close() error {
	d.mu.Lock()
	client := d.client
	d.client = nil
	d.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

type sshChannel struct {
	net.Conn
	stop func() bool
}

func (c *sshChannel) Close() error {
	c.stop()
	return c.Conn.Close()
}
