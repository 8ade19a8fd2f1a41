package socks5d

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Supervisor owns the listeners for every configured address. Binding is
// all or nothing, and a fatal error on one listener stops all of them.
//
// Cancelling the context passed to Serve stops accepting, aborts handshakes
// in progress and closes established relays on every listener alike.
type Supervisor struct {
	server    *Server
	addrs     []string
	listeners []net.Listener
}

func NewSupervisor(cfg Config) (*Supervisor, error) {
	server, err := NewServer(cfg)
	if err != nil {
		return nil, err
	}
	return &Supervisor{server: server, addrs: server.cfg.ListenAddrs}, nil
}

// Listen binds every address. If any bind fails the ones already bound are
// closed and the error is returned.
func (s *Supervisor) Listen() error {
	if s.listeners != nil {
		return errors.New("supervisor is already listening")
	}
	listeners := make([]net.Listener, 0, len(s.addrs))
	for _, addr := range s.addrs {
		listener, err := s.server.Listen(addr)
		if err != nil {
			for _, l := range listeners {
				_ = l.Close()
			}
			return err
		}
		listeners = append(listeners, listener)
	}
	s.listeners = listeners
	return nil
}

// Addrs returns the bound listener addresses, in configuration order.
func (s *Supervisor) Addrs() []net.Addr {
	addrs := make([]net.Addr, len(s.listeners))
	for i, l := range s.listeners {
		addrs[i] = l.Addr()
	}
	return addrs
}

// Serve runs every listener until ctx is done or one of them fails, then
// waits for all connections to finish. It returns nil on a clean shutdown.
func (s *Supervisor) Serve(ctx context.Context) error {
	if s.listeners == nil {
		return errors.New("supervisor is not listening")
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, listener := range s.listeners {
		g.Go(func() error {
			return s.server.Serve(gctx, listener)
		})
	}
	err := g.Wait()
	s.server.Wait()
	return err
}

// Run is Listen followed by Serve.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// ListenAndServe runs a Supervisor for cfg until ctx is done.
func ListenAndServe(ctx context.Context, cfg Config) error {
	supervisor, err := NewSupervisor(cfg)
	if err != nil {
		return err
	}
	return supervisor.Run(ctx)
}
