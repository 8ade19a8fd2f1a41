package socks5d

import (
	"context"
	"net"
	"net/netip"
	"os"
	"runtime/debug"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pires/go-proxyproto"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ContextDialer opens upstream connections. *net.Dialer satisfies it.
type ContextDialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type Config struct {
	// ListenAddrs are the tcp addresses to accept clients on. Defaults to :1080.
	ListenAddrs []string
	// HandshakeTimeout bounds everything from the greeting up to the success
	// reply, including DNS and the upstream connect. Defaults to 10s.
	HandshakeTimeout time.Duration
	// ProxyProtocol accepts an optional PROXY protocol v1/v2 header on
	// every client connection, so the logged client address is the real one.
	ProxyProtocol bool

	Logger   zerolog.Logger
	Resolver Resolver
	Dialer   ContextDialer
	// Metrics may be nil.
	Metrics *Metrics
}

func (c Config) withDefaults() Config {
	if len(c.ListenAddrs) == 0 {
		c.ListenAddrs = []string{":" + strconv.Itoa(defaultPort)}
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.Resolver == nil {
		c.Resolver = net.DefaultResolver
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
	return c
}

func (c Config) Validate() error {
	if c.HandshakeTimeout < 0 {
		return errors.Errorf("negative handshake timeout %s", c.HandshakeTimeout)
	}
	for _, addr := range c.ListenAddrs {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return errors.Wrapf(err, "invalid listen address %q", addr)
		}
	}
	return nil
}

// Server runs the socks handshake and relay for connections accepted on
// any number of listeners.
type Server struct {
	cfg Config
	wg  sync.WaitGroup
}

func NewServer(cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Server{cfg: cfg}, nil
}

// Listen binds one tcp address, wrapped for the PROXY protocol when configured.
func (s *Server) Listen(addr string) (net.Listener, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", addr)
	}
	if s.cfg.ProxyProtocol {
		listener = &proxyproto.Listener{
			Listener:          listener,
			ReadHeaderTimeout: s.cfg.HandshakeTimeout,
		}
	}
	return listener, nil
}

// Serve accepts new connections and creates a new goroutine for handling
// each. It returns nil once ctx is done and the listener is closed, or the
// first accept error that is not transient.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	defer listener.Close()
	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	name := listener.Addr().String()
	log := s.cfg.Logger.With().Str("listener", name).Logger()
	log.Info().Msg("listening")
	defer log.Info().Msg("stopped listening")

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !isTransientAcceptError(err) {
				log.Error().Err(err).Msg("accept failed")
				return errors.Wrapf(err, "failed to accept on %s", name)
			}
			backoff = nextBackoff(backoff)
			log.Warn().Err(err).Dur("retry_in", backoff).Msg("accept failed, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0

		s.cfg.Metrics.connAccepted(name)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Handle(ctx, conn, log)
		}()
	}
}

// Wait blocks until every connection accepted by Serve has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func isTransientAcceptError(err error) bool {
	for _, errno := range []error{syscall.EMFILE, syscall.ENFILE, syscall.ENOBUFS, syscall.ENOMEM, syscall.ECONNABORTED} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

// Handle runs one client connection to completion: handshake, then relay.
// The connection is always closed on return.
func (s *Server) Handle(ctx context.Context, conn net.Conn, log zerolog.Logger) {
	defer conn.Close()

	log = log.With().Str("conn", uuid.NewString()).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("connection handler panicked")
		}
	}()

	// The timer starts before RemoteAddr, which reads the PROXY protocol
	// header when that is enabled.
	hs := s.startHandshake(ctx, conn)
	defer hs.cancel()

	log = log.With().Str("client", conn.RemoteAddr().String()).Logger()
	log.Debug().Msg("accepted")

	upstream, req, err := s.handshake(ctx, hs, conn)
	if err != nil {
		s.logHandshakeError(log, err)
		return
	}

	log = log.With().Str("dst", req.Dst.String()).Logger()
	log.Info().Str("bind", upstream.LocalAddr().String()).Msg("upstream established")

	start := time.Now()
	s.cfg.Metrics.relayStarted()
	stats, err := relay(ctx, conn, upstream)
	s.cfg.Metrics.relayFinished(stats)

	event := log.Info()
	switch {
	case err == nil:
	case isBenignRelayError(err):
		log.Debug().Err(err).Msg("relay ended by peer")
	default:
		event = log.Error().Err(err)
	}
	event.
		Int64("up_bytes", stats.Upstream).
		Int64("down_bytes", stats.Downstream).
		Dur("duration", time.Since(start)).
		Msg("relay finished")
}

// handshakeError records the step a handshake stopped at.
type handshakeError struct {
	stage string
	err   error
}

func (e *handshakeError) Error() string { return e.stage + ": " + e.err.Error() }

func (e *handshakeError) Unwrap() error { return e.err }

func (s *Server) logHandshakeError(log zerolog.Logger, err error) {
	stage := "unknown"
	var hsErr *handshakeError
	if errors.As(err, &hsErr) {
		stage = hsErr.stage
	}
	s.cfg.Metrics.handshakeFailed(stage)

	var replyErr *ReplyError
	switch {
	case errors.As(err, &replyErr):
		log.Info().Err(err).Str("stage", stage).Stringer("reply", replyErr.Reply).Msg("request rejected")
	case errors.Is(err, ErrNoAcceptableMethods):
		log.Info().Err(err).Str("stage", stage).Msg("request rejected")
	case errors.Is(err, ErrHandshakeTimeout):
		log.Warn().Err(err).Str("stage", stage).Msg("handshake failed")
	case isBenignRelayError(err), errors.Is(err, context.Canceled):
		log.Debug().Err(err).Str("stage", stage).Msg("handshake failed")
	default:
		log.Warn().Err(err).Str("stage", stage).Msg("handshake failed")
	}
}

// aLongTimeAgo is a non-zero time far in the past, used to unblock pending I/O.
var aLongTimeAgo = time.Unix(1, 0)

// handshakeTimer bounds one connection's handshake. When ctx expires the
// client connection gets a deadline in the past, unblocking any pending I/O.
type handshakeTimer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stop   func() bool
}

func (s *Server) startHandshake(ctx context.Context, conn net.Conn) *handshakeTimer {
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	stop := context.AfterFunc(hctx, func() { _ = conn.SetDeadline(aLongTimeAgo) })
	return &handshakeTimer{ctx: hctx, cancel: cancel, stop: stop}
}

// handshake negotiates the method, reads the request and connects upstream,
// all within hs. On success the success reply has been written and the
// caller owns upstream. When the timeout or ctx fires nothing further is
// written to conn.
func (s *Server) handshake(ctx context.Context, hs *handshakeTimer, conn net.Conn) (net.Conn, *Request, error) {
	defer hs.cancel()

	upstream, req, err := s.negotiate(hs.ctx, conn)
	if !hs.stop() {
		// the deadline was forced; whatever happened, the handshake is over
		if upstream != nil {
			_ = upstream.Close()
		}
		return nil, nil, abortError(ctx, err)
	}
	if err != nil {
		if hs.ctx.Err() != nil {
			return nil, nil, abortError(ctx, err)
		}
		return nil, nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = upstream.Close()
		return nil, nil, errors.Wrap(err, "failed to clear handshake deadline")
	}
	return upstream, req, nil
}

func abortError(ctx context.Context, cause error) error {
	stage := "timeout"
	var hsErr *handshakeError
	if errors.As(cause, &hsErr) {
		stage = hsErr.stage
	}
	if ctx.Err() != nil {
		return &handshakeError{stage: stage, err: errors.Wrap(ctx.Err(), "server shutting down")}
	}
	if cause == nil {
		return &handshakeError{stage: stage, err: ErrHandshakeTimeout}
	}
	return &handshakeError{stage: stage, err: errors.Wrap(ErrHandshakeTimeout, cause.Error())}
}

func (s *Server) negotiate(ctx context.Context, conn net.Conn) (net.Conn, *Request, error) {
	if _, err := negotiateMethod(conn); err != nil {
		return nil, nil, &handshakeError{stage: "method", err: err}
	}

	req, err := ReadRequest(conn)
	if err != nil {
		return nil, nil, &handshakeError{stage: "request", err: err}
	}

	if req.Command != CmdConnect {
		return nil, req, s.reject(ctx, conn, "command", req, &ReplyError{
			Reply: ReplyCommandNotSupported,
			Err:   errors.Errorf("%s is not supported", req.Command),
		})
	}

	endpoints, err := resolveAddr(ctx, s.cfg.Resolver, req.Dst)
	if err != nil {
		return nil, req, s.reject(ctx, conn, "resolve", req, err)
	}

	upstream, err := s.dialFirst(ctx, endpoints)
	if err != nil {
		return nil, req, s.reject(ctx, conn, "connect", req, &ReplyError{
			Reply: connectFailureReply(err),
			Err:   err,
		})
	}

	// BND.ADDR/BND.PORT carry the local address of the upstream socket.
	// RFC 1928 leaves this open for CONNECT; some servers send 0.0.0.0:0.
	bnd, err := localAddrPort(upstream)
	if err != nil {
		_ = upstream.Close()
		return nil, req, s.reject(ctx, conn, "connect", req, &ReplyError{
			Reply: ReplyGeneralSOCKSServerFailure,
			Err:   err,
		})
	}

	if err := s.writeResponse(conn, &Response{Reply: ReplySucceeded, Bnd: addrFromAddrPort(bnd)}); err != nil {
		_ = upstream.Close()
		return nil, req, &handshakeError{stage: "reply", err: err}
	}
	return upstream, req, nil
}

// reject answers req with the reply carried by err, echoing the requested
// destination, unless the handshake has already been aborted.
func (s *Server) reject(ctx context.Context, conn net.Conn, stage string, req *Request, err error) error {
	if ctx.Err() != nil {
		return &handshakeError{stage: stage, err: err}
	}
	rep := ReplyGeneralSOCKSServerFailure
	var replyErr *ReplyError
	if errors.As(err, &replyErr) {
		rep = replyErr.Reply
	}
	if werr := s.writeResponse(conn, &Response{Reply: rep, Bnd: req.Dst}); werr != nil {
		return &handshakeError{stage: "reply", err: werr}
	}
	return &handshakeError{stage: stage, err: err}
}

func (s *Server) writeResponse(conn net.Conn, resp *Response) error {
	if _, err := resp.WriteTo(conn); err != nil {
		return errors.Wrap(err, "failed to write reply")
	}
	s.cfg.Metrics.replyWritten(resp.Reply)
	return nil
}

// dialFirst tries endpoints in order and returns the first connection that
// succeeds, or the last error.
func (s *Server) dialFirst(ctx context.Context, endpoints []netip.AddrPort) (net.Conn, error) {
	var lastErr error
	for _, endpoint := range endpoints {
		conn, err := s.cfg.Dialer.DialContext(ctx, "tcp", endpoint.String())
		if err == nil {
			return conn, nil
		}
		lastErr = errors.Wrapf(err, "failed to dial %s", endpoint)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func connectFailureReply(err error) Reply {
	switch {
	case errors.Is(err, os.ErrPermission):
		return ReplyConnectionNotAllowedByRuleset
	case errors.Is(err, syscall.ECONNREFUSED):
		return ReplyConnectionRefused
	}
	return ReplyGeneralSOCKSServerFailure
}

func localAddrPort(conn net.Conn) (netip.AddrPort, error) {
	switch addr := conn.LocalAddr().(type) {
	case *net.TCPAddr:
		if addr != nil {
			if ap := addr.AddrPort(); ap.IsValid() {
				return ap, nil
			}
		}
	case nil:
		return netip.AddrPort{}, errors.New("upstream connection has no local address")
	}
	return netip.AddrPort{}, errors.Errorf("unexpected upstream local address %v", conn.LocalAddr())
}
