package socks5d

import (
	"context"
	"io"
	"net"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// RelayStats counts the bytes moved by one relay.
type RelayStats struct {
	// Upstream is client to destination.
	Upstream int64
	// Downstream is destination to client.
	Downstream int64
}

// relay copies between client and upstream until either direction hits EOF
// or an error, then closes both connections. Both copy goroutines have
// returned by the time relay does. Cancelling ctx tears the relay down too.
func relay(ctx context.Context, client, upstream net.Conn) (RelayStats, error) {
	var (
		stats RelayStats
		once  sync.Once
	)
	closeBoth := func() {
		once.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()
	defer closeBoth()

	g := errgroup.Group{}
	g.Go(func() error {
		n, err := io.Copy(upstream, client)
		stats.Upstream = n
		closeBoth()
		return errors.Wrap(ignoreClosed(err), "client -> upstream")
	})
	g.Go(func() error {
		n, err := io.Copy(client, upstream)
		stats.Downstream = n
		closeBoth()
		return errors.Wrap(ignoreClosed(err), "upstream -> client")
	})

	err := g.Wait()
	return stats, err
}

// ignoreClosed drops the error a copy gets when the other direction has
// already closed both connections.
func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}
	return err
}

// isBenignRelayError reports errors that are an ordinary way for a peer to
// go away; they are logged at debug level only.
func isBenignRelayError(err error) bool {
	if err == nil {
		return true
	}
	for _, target := range []error{io.EOF, net.ErrClosed, io.ErrClosedPipe, syscall.ECONNRESET, syscall.EPIPE, syscall.ECONNABORTED} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
