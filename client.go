package socks5d

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Dialer opens tcp connections through a socks5 server using CONNECT.
type Dialer struct {
	proxyAddr string

	// socks5h delegates DNS resolution to proxy server but
	// socks5 does that locally
	// https://superuser.com/a/1762355/956392
	localResolve bool
}

// NewDialer accepts socks5://host[:port] and socks5h://host[:port] URLs.
func NewDialer(addr string) (*Dialer, error) {
	dialer := &Dialer{}
	parsedUrl, err := url.Parse(addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse proxy url")
	}

	switch parsedUrl.Scheme {
	case "socks5h":
	case "socks5":
		dialer.localResolve = true
	default:
		return nil, errors.Errorf("invalid url scheme %s", parsedUrl.Scheme)
	}

	if parsedUrl.User != nil {
		return nil, errors.New("proxy authentication is not supported")
	}

	dialer.proxyAddr = parsedUrl.Host
	if parsedUrl.Port() == "" {
		dialer.proxyAddr = net.JoinHostPort(parsedUrl.Hostname(), strconv.Itoa(defaultPort))
	}

	return dialer, nil
}

// DialContext connects to addr through the proxy. A rejected request is
// reported as *ReplyError.
func (d *Dialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, errors.Errorf("unsupported network %q", network)
	}

	conn, _, err := d.request(ctx, CmdConnect, addr)
	return conn, err
}

// request performs the whole client side of the handshake for cmd and
// returns the connection along with the server's response.
func (d *Dialer) request(ctx context.Context, cmd Command, addr string) (net.Conn, *Response, error) {
	dst, err := parseAddr(addr, d.localResolve)
	if err != nil {
		return nil, nil, err
	}

	var netDialer net.Dialer
	conn, err := netDialer.DialContext(ctx, "tcp", d.proxyAddr)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to dial proxy server")
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	resp, err := d.negotiate(conn, cmd, dst)
	if err == nil && !stop() {
		err = ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, resp, err
	}
	_ = conn.SetDeadline(time.Time{})
	return conn, resp, nil
}

func (d *Dialer) negotiate(conn net.Conn, cmd Command, dst *SocksAddr) (*Response, error) {
	greeting := &MethodSelectionRequest{Methods: []Method{MethodNoAuth}}
	if _, err := greeting.WriteTo(conn); err != nil {
		return nil, errors.Wrap(err, "failed to write greeting")
	}
	selected, err := ReadMethodSelectionResponse(conn)
	if err != nil {
		return nil, err
	}
	if selected.Method != MethodNoAuth {
		return nil, errors.Wrapf(ErrNoAcceptableMethods, "server selected %s", selected.Method)
	}

	req := &Request{Command: cmd, Dst: dst}
	if _, err := req.WriteTo(conn); err != nil {
		return nil, errors.Wrap(err, "failed to write request")
	}
	resp, err := ReadResponse(conn)
	if err != nil {
		return nil, err
	}
	if resp.Reply != ReplySucceeded {
		return resp, &ReplyError{Reply: resp.Reply}
	}
	return resp, nil
}
