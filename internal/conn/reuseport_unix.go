//go:build linux || freebsd || openbsd || darwin

package conn

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// SupportsReusePort is true where SO_REUSEPORT can be set on listeners.
const SupportsReusePort = true

func reusePortControl(_, _ string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}
