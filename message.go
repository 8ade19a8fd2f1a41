package socks5d

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
)

// MethodSelectionRequest is the client greeting:
//
//	+----+----------+----------+
//	|VER | NMETHODS | METHODS  |
//	+----+----------+----------+
//	| 1  |    1     | 1 to 255 |
//	+----+----------+----------+
type MethodSelectionRequest struct {
	Methods []Method
}

// Contains reports whether the client offered m.
func (req *MethodSelectionRequest) Contains(m Method) bool {
	for _, offered := range req.Methods {
		if offered == m {
			return true
		}
	}
	return false
}

func (req *MethodSelectionRequest) WriteTo(w io.Writer) (int64, error) {
	if len(req.Methods) == 0 || len(req.Methods) > 255 {
		return 0, errors.Errorf("invalid number of methods %d", len(req.Methods))
	}
	b := make([]byte, 0, 2+len(req.Methods))
	b = append(b, socks5Version, byte(len(req.Methods)))
	for _, m := range req.Methods {
		b = append(b, byte(m))
	}
	n, err := w.Write(b)
	return int64(n), err
}

// ReadMethodSelectionRequest reads exactly one greeting from r.
func ReadMethodSelectionRequest(r io.Reader) (*MethodSelectionRequest, error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(err, "failed to read method selection header")
	}
	if header[0] != socks5Version {
		return nil, errors.Wrapf(ErrInvalidVersion, "got version %d", header[0])
	}

	nMethods := int(header[1])
	if nMethods == 0 {
		return nil, errors.Wrap(ErrLengthMismatch, "no methods offered")
	}

	methodsBuf := make([]byte, nMethods)
	if _, err := io.ReadFull(r, methodsBuf); err != nil {
		return nil, errors.Wrap(err, "failed to read methods")
	}

	methods := make([]Method, nMethods)
	for i, b := range methodsBuf {
		methods[i] = Method(b)
	}
	return &MethodSelectionRequest{Methods: methods}, nil
}

// ParseMethodSelectionRequest decodes a greeting that must occupy all of b.
func ParseMethodSelectionRequest(b []byte) (*MethodSelectionRequest, error) {
	return decodeExact(b, ReadMethodSelectionRequest)
}

// MethodSelectionResponse is the server's VER | METHOD answer.
type MethodSelectionResponse struct {
	Method Method
}

func (resp MethodSelectionResponse) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write([]byte{socks5Version, byte(resp.Method)})
	return int64(n), err
}

func ReadMethodSelectionResponse(r io.Reader) (MethodSelectionResponse, error) {
	buf := make([]byte, 2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return MethodSelectionResponse{}, errors.Wrap(err, "failed to read method selection response")
	}
	if buf[0] != socks5Version {
		return MethodSelectionResponse{}, errors.Wrapf(ErrInvalidVersion, "got version %d", buf[0])
	}
	return MethodSelectionResponse{Method: Method(buf[1])}, nil
}

// Request is a socks request:
//
//	+----+-----+-------+------+----------+----------+
//	|VER | CMD |  RSV  | ATYP | DST.ADDR | DST.PORT |
//	+----+-----+-------+------+----------+----------+
//	| 1  |  1  | X'00' |  1   | Variable |    2     |
//	+----+-----+-------+------+----------+----------+
type Request struct {
	Command Command
	Dst     *SocksAddr
}

func (req *Request) WriteTo(w io.Writer) (int64, error) {
	b, err := appendAddrPort([]byte{socks5Version, byte(req.Command), reservedByte}, req.Dst)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// ReadRequest reads exactly one socks request from r.
func ReadRequest(r io.Reader) (*Request, error) {
	header := make([]byte, 3)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(err, "failed to read request header")
	}
	if header[0] != socks5Version {
		return nil, errors.Wrapf(ErrInvalidVersion, "got version %d", header[0])
	}
	cmd, err := ParseCommand(header[1])
	if err != nil {
		return nil, err
	}
	if header[2] != reservedByte {
		return nil, ErrMissingReserved
	}

	dst, err := readAddrPort(r)
	if err != nil {
		return nil, err
	}
	return &Request{Command: cmd, Dst: dst}, nil
}

// ParseRequest decodes a request that must occupy all of b.
func ParseRequest(b []byte) (*Request, error) {
	return decodeExact(b, ReadRequest)
}

// Response is a socks reply:
//
//	+----+-----+-------+------+----------+----------+
//	|VER | REP |  RSV  | ATYP | BND.ADDR | BND.PORT |
//	+----+-----+-------+------+----------+----------+
//	| 1  |  1  | X'00' |  1   | Variable |    2     |
//	+----+-----+-------+------+----------+----------+
type Response struct {
	Reply Reply
	Bnd   *SocksAddr
}

// WriteTo writes the whole response with a single Write.
func (resp *Response) WriteTo(w io.Writer) (int64, error) {
	bnd := resp.Bnd
	if bnd == nil {
		bnd = zeroAddr()
	}
	b, err := appendAddrPort([]byte{socks5Version, byte(resp.Reply), reservedByte}, bnd)
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

func ReadResponse(r io.Reader) (*Response, error) {
	header := make([]byte, 3)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, errors.Wrap(err, "failed to read response header")
	}
	if header[0] != socks5Version {
		return nil, errors.Wrapf(ErrInvalidVersion, "got version %d", header[0])
	}
	if header[2] != reservedByte {
		return nil, ErrMissingReserved
	}
	bnd, err := readAddrPort(r)
	if err != nil {
		return nil, err
	}
	return &Response{Reply: Reply(header[1]), Bnd: bnd}, nil
}

func decodeExact[T any](b []byte, read func(io.Reader) (T, error)) (T, error) {
	var zero T
	r := bytes.NewReader(b)
	v, err := read(r)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return zero, errors.Wrap(ErrLengthMismatch, err.Error())
		}
		return zero, err
	}
	if r.Len() != 0 {
		return zero, errors.Wrapf(ErrLengthMismatch, "%d trailing bytes", r.Len())
	}
	return v, nil
}
