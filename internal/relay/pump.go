// Package relay shuttles bytes between a plaintext connection and an
// obfuscated one once a tunnel is set up.
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/die-net/veil/internal/encoder"
)

// DefaultBufferSize is the largest chunk read from either side at once.
const DefaultBufferSize = 4096

// Pump copies plain -> obfuscated through enc.Send and obfuscated -> plain
// through enc.Receive until either side closes or fails, or ctx is done.
// Both connections are closed before Pump returns. A clean close by either
// peer returns nil.
func Pump(ctx context.Context, plain, obfuscated net.Conn, enc *encoder.Encoder, bufSize int) error {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}

	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = plain.Close()
			_ = obfuscated.Close()
		})
	}
	defer closeBoth()

	// Each direction returns errDone on a clean close so the group cancels
	// and the other direction is unblocked by closeBoth.
	g.Go(func() error {
		buf, put := getBuffer(bufSize)
		defer put()
		for {
			n, err := plain.Read(buf)
			if n > 0 {
				if werr := enc.Send(obfuscated, buf[:n]); werr != nil {
					return werr
				}
			}
			if errors.Is(err, io.EOF) {
				return errDone
			}
			if err != nil {
				return err
			}
		}
	})

	g.Go(func() error {
		buf, put := getBuffer(bufSize)
		defer put()
		for {
			b, err := enc.Receive(obfuscated, buf)
			if err != nil {
				return err
			}
			if len(b) == 0 {
				return errDone
			}
			if _, err := plain.Write(b); err != nil {
				return err
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		closeBoth()
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, errDone) {
		return nil
	}
	return err
}

var errDone = errors.New("relay: peer closed")
