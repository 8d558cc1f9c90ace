package dialer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// sshAgentKey is the --ssh-key value that selects the running ssh-agent.
const sshAgentKey = "agent"

// loadSSHSigners returns the signers for keyPath: none when empty, every
// agent key for "agent", otherwise the single OpenSSH private key file.
func loadSSHSigners(keyPath string) ([]ssh.Signer, error) {
	switch keyPath {
	case "":
		return nil, nil
	case sshAgentKey:
		socket := os.Getenv("SSH_AUTH_SOCK")
		if socket == "" {
			return nil, errors.New("ssh agent: SSH_AUTH_SOCK not set")
		}
		var d net.Dialer
		conn, err := d.DialContext(context.Background(), "unix", socket)
		if err != nil {
			return nil, fmt.Errorf("ssh agent: %w", err)
		}
		// conn stays open for the life of the signers.
		signers, err := agent.NewClient(conn).Signers()
		if err == nil && len(signers) == 0 {
			err = errors.New("no keys loaded")
		}
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("ssh agent: %w", err)
		}
		return signers, nil
	default:
		b, err := os.ReadFile(keyPath) //nolint:gosec // Path is from user config.
		if err != nil {
			return nil, fmt.Errorf("ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("ssh key %s: %w", keyPath, err)
		}
		return []ssh.Signer{signer}, nil
	}
}

// sshHostKeyCallback verifies host keys against the known_hosts file at
// path, recording hosts it has never seen. A changed key is rejected. An
// empty path disables checking.
func sshHostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // User explicitly disabled host key checking.
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}
	_ = f.Close()

	check, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("known_hosts: %w", err)
	}

	var mu sync.Mutex
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := check(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if err == nil || !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			return fmt.Errorf("host key for %s changed: %w", hostname, err)
		}

		mu.Lock()
		defer mu.Unlock()

		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // Path is from user config.
		if err != nil {
			return fmt.Errorf("known_hosts: %w", err)
		}
		defer f.Close()

		line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
		if _, err := f.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("known_hosts: %w", err)
		}
		log.Printf("ssh: recorded host key for %s in %s", hostname, path)
		return nil
	}, nil
}
