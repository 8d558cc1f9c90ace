//go:build !linux && !freebsd && !openbsd && !darwin

package conn

import (
	"errors"
	"syscall"
)

// SupportsReusePort is true where SO_REUSEPORT can be set on listeners.
const SupportsReusePort = false

func reusePortControl(_, _ string, _ syscall.RawConn) error {
	return errors.New("SO_REUSEPORT is not supported on this platform")
}
