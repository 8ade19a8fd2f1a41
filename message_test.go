package socks5d

import (
	"bytes"
	"io"
	"net/netip"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

func TestMethodByteRoundTrip(t *testing.T) {
	for i := 0; i <= 0xff; i++ {
		req, err := ParseMethodSelectionRequest([]byte{socks5Version, 1, byte(i)})
		if err != nil {
			t.Fatalf("ParseMethodSelectionRequest(%#02x) error = %v", i, err)
		}

		var buf bytes.Buffer
		if _, err := (MethodSelectionResponse{Method: req.Methods[0]}).WriteTo(&buf); err != nil {
			t.Fatalf("WriteTo() error = %v", err)
		}
		if got := buf.Bytes(); !bytes.Equal(got, []byte{socks5Version, byte(i)}) {
			t.Errorf("method %#02x encoded as %v", i, got)
		}
	}
}

func TestMethodClasses(t *testing.T) {
	tests := []struct {
		method  Method
		iana    bool
		private bool
		name    string
	}{
		{MethodNoAuth, false, false, "no authentication required"},
		{MethodGSSAPI, false, false, "GSSAPI"},
		{MethodUserPass, false, false, "username/password"},
		{0x03, true, false, "IANA assigned(0x03)"},
		{0x7f, true, false, "IANA assigned(0x7f)"},
		{0x80, false, true, "private(0x80)"},
		{0xfe, false, true, "private(0xfe)"},
		{MethodNoAcceptableMethods, false, false, "no acceptable methods"},
	}
	for _, tt := range tests {
		if got := tt.method.IsIANAAssigned(); got != tt.iana {
			t.Errorf("%#02x IsIANAAssigned() = %v", byte(tt.method), got)
		}
		if got := tt.method.IsPrivate(); got != tt.private {
			t.Errorf("%#02x IsPrivate() = %v", byte(tt.method), got)
		}
		if got := tt.method.String(); got != tt.name {
			t.Errorf("%#02x String() = %q, want %q", byte(tt.method), got, tt.name)
		}
	}
}

func TestParseMethodSelectionRequest(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		want    []Method
		wantErr error
	}{
		{
			name:  "single method",
			input: []byte{5, 1, 0},
			want:  []Method{MethodNoAuth},
		},
		{
			name:  "several methods keep order",
			input: []byte{5, 3, 2, 0, 0x80},
			want:  []Method{MethodUserPass, MethodNoAuth, 0x80},
		},
		{
			name:    "fewer methods than declared",
			input:   []byte{5, 3, 0, 2},
			wantErr: ErrLengthMismatch,
		},
		{
			name:    "more methods than declared",
			input:   []byte{5, 1, 0, 2},
			wantErr: ErrLengthMismatch,
		},
		{
			name:    "zero methods",
			input:   []byte{5, 0},
			wantErr: ErrLengthMismatch,
		},
		{
			name:    "wrong version",
			input:   []byte{4, 1, 0},
			wantErr: ErrInvalidVersion,
		},
		{
			name:    "empty",
			input:   nil,
			wantErr: ErrLengthMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseMethodSelectionRequest(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(req.Methods) != len(tt.want) {
				t.Fatalf("methods = %v, want %v", req.Methods, tt.want)
			}
			for i := range tt.want {
				if req.Methods[i] != tt.want[i] {
					t.Errorf("methods[%d] = %v, want %v", i, req.Methods[i], tt.want[i])
				}
			}
		})
	}
}

func TestReadMethodSelectionRequestShortStream(t *testing.T) {
	_, err := ReadMethodSelectionRequest(bytes.NewReader([]byte{5, 2, 0}))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("error = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		want    *Request
		wantErr error
	}{
		{
			name:  "connect ipv4",
			input: []byte{5, 1, 0, 1, 127, 0, 0, 1, 0x1f, 0x90},
			want: &Request{Command: CmdConnect, Dst: &SocksAddr{
				Type: AddrTypeIPv4, IP: netip.MustParseAddr("127.0.0.1"), Port: 8080,
			}},
		},
		{
			name:  "bind domain",
			input: append(append([]byte{5, 2, 0, 3, 11}, "example.com"...), 0, 80),
			want: &Request{Command: CmdBind, Dst: &SocksAddr{
				Type: AddrTypeFQDN, Name: "example.com", Port: 80,
			}},
		},
		{
			name: "udp associate ipv6",
			input: []byte{5, 3, 0, 4,
				0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1,
				0x01, 0xbb},
			want: &Request{Command: CmdUDPAssociate, Dst: &SocksAddr{
				Type: AddrTypeIPv6, IP: netip.MustParseAddr("2001:db8::1"), Port: 443,
			}},
		},
		{
			name:    "invalid version",
			input:   []byte{4, 1, 0, 1, 127, 0, 0, 1, 0, 80},
			wantErr: ErrInvalidVersion,
		},
		{
			name:    "invalid command",
			input:   []byte{5, 9, 0, 1, 127, 0, 0, 1, 0, 80},
			wantErr: InvalidCommandError(9),
		},
		{
			name:    "reserved byte set",
			input:   []byte{5, 1, 1, 1, 127, 0, 0, 1, 0, 80},
			wantErr: ErrMissingReserved,
		},
		{
			name:    "invalid address type",
			input:   []byte{5, 1, 0, 2, 127, 0, 0, 1, 0, 80},
			wantErr: InvalidAddrTypeError(2),
		},
		{
			name:    "domain shorter than declared",
			input:   append(append([]byte{5, 1, 0, 3, 20}, "example.com"...), 0, 80),
			wantErr: ErrLengthMismatch,
		},
		{
			name:    "domain longer than declared",
			input:   append(append([]byte{5, 1, 0, 3, 4}, "example.com"...), 0, 80),
			wantErr: ErrLengthMismatch,
		},
		{
			name:    "truncated port",
			input:   []byte{5, 1, 0, 1, 127, 0, 0, 1, 0},
			wantErr: ErrLengthMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := ParseRequest(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if req.Command != tt.want.Command || *req.Dst != *tt.want.Dst {
				t.Errorf("request = %+v %+v, want %+v %+v", req, req.Dst, tt.want, tt.want.Dst)
			}
		})
	}
}

func TestRequestWriteToReadRequest(t *testing.T) {
	var buf bytes.Buffer
	req := &Request{Command: CmdConnect, Dst: &SocksAddr{Type: AddrTypeFQDN, Name: "example.com", Port: 443}}
	if _, err := req.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	want := append(append([]byte{5, 1, 0, 3, 11}, "example.com"...), 1, 0xbb)
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("encoded = %v, want %v", buf.Bytes(), want)
	}
}

func TestResponseWriteTo(t *testing.T) {
	tests := []struct {
		name string
		resp *Response
		want []byte
	}{
		{
			name: "ipv4",
			resp: &Response{Reply: ReplySucceeded, Bnd: &SocksAddr{
				Type: AddrTypeIPv4, IP: netip.MustParseAddr("10.0.0.2"), Port: 0x1234,
			}},
			want: []byte{5, 0, 0, 1, 10, 0, 0, 2, 0x12, 0x34},
		},
		{
			name: "ipv6",
			resp: &Response{Reply: ReplyConnectionRefused, Bnd: &SocksAddr{
				Type: AddrTypeIPv6, IP: netip.MustParseAddr("::1"), Port: 80,
			}},
			want: []byte{5, 5, 0, 4, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 80},
		},
		{
			name: "domain",
			resp: &Response{Reply: ReplyGeneralSOCKSServerFailure, Bnd: &SocksAddr{
				Type: AddrTypeFQDN, Name: "a.b", Port: 1,
			}},
			want: []byte{5, 1, 0, 3, 3, 'a', '.', 'b', 0, 1},
		},
		{
			name: "unassigned reply and no address",
			resp: &Response{Reply: 0x42},
			want: []byte{5, 0x42, 0, 1, 0, 0, 0, 0, 0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			n, err := tt.resp.WriteTo(&buf)
			if err != nil {
				t.Fatalf("WriteTo() error = %v", err)
			}
			if int(n) != len(tt.want) || !bytes.Equal(buf.Bytes(), tt.want) {
				t.Fatalf("encoded = %v, want %v", buf.Bytes(), tt.want)
			}

			got, err := ReadResponse(&buf)
			if err != nil {
				t.Fatalf("ReadResponse() error = %v", err)
			}
			if got.Reply != tt.resp.Reply {
				t.Errorf("reply = %v, want %v", got.Reply, tt.resp.Reply)
			}
		})
	}
}

func TestResponseWriteToRejectsLongDomain(t *testing.T) {
	resp := &Response{Bnd: &SocksAddr{Type: AddrTypeFQDN, Name: strings.Repeat("a", 256)}}
	if _, err := resp.WriteTo(io.Discard); err == nil {
		t.Fatal("expected an error for a 256 byte domain")
	}
}

func TestReplyString(t *testing.T) {
	if got := ReplyTTLExpired.String(); got != "TTL expired" {
		t.Errorf("String() = %q", got)
	}
	if got := Reply(0x09).String(); got != "unassigned(0x09)" {
		t.Errorf("String() = %q", got)
	}
}

func TestParseCommand(t *testing.T) {
	for _, b := range []byte{1, 2, 3} {
		if _, err := ParseCommand(b); err != nil {
			t.Errorf("ParseCommand(%d) error = %v", b, err)
		}
	}
	for _, b := range []byte{0, 4, 0xff} {
		_, err := ParseCommand(b)
		var cmdErr InvalidCommandError
		if !errors.As(err, &cmdErr) || byte(cmdErr) != b {
			t.Errorf("ParseCommand(%d) error = %v", b, err)
		}
	}
}
