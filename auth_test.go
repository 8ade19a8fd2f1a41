package socks5d

import (
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/pkg/errors"
)

func TestSelectMethod(t *testing.T) {
	tests := []struct {
		name    string
		offered []Method
		want    Method
	}{
		{"no auth only", []Method{MethodNoAuth}, MethodNoAuth},
		{"user pass and no auth", []Method{MethodUserPass, MethodNoAuth}, MethodNoAuth},
		{"user pass only", []Method{MethodUserPass}, MethodNoAcceptableMethods},
		{"gssapi and private", []Method{MethodGSSAPI, 0x80}, MethodNoAcceptableMethods},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := selectMethod(&MethodSelectionRequest{Methods: tt.offered})
			if got.Method != tt.want {
				t.Errorf("selectMethod(%v) = %v, want %v", tt.offered, got.Method, tt.want)
			}
		})
	}
}

func TestNegotiateMethod(t *testing.T) {
	tests := []struct {
		name      string
		input     []byte
		wantReply []byte
		wantErr   error
	}{
		{
			name:      "no auth accepted",
			input:     []byte{5, 2, 2, 0},
			wantReply: []byte{5, 0},
		},
		{
			name:      "nothing acceptable still answered",
			input:     []byte{5, 1, 2},
			wantReply: []byte{5, 0xff},
			wantErr:   ErrNoAcceptableMethods,
		},
		{
			name:    "malformed greeting gets no answer",
			input:   []byte{4, 1, 0},
			wantErr: ErrInvalidVersion,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := net.Pipe()
			defer client.Close()

			replies := make(chan []byte, 1)
			go func() {
				_, _ = client.Write(tt.input)
				reply, _ := io.ReadAll(client)
				replies <- reply
			}()

			_, err := negotiateMethod(server)
			server.Close()

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if got := <-replies; !bytes.Equal(got, tt.wantReply) {
				t.Errorf("reply = %v, want %v", got, tt.wantReply)
			}
		})
	}
}
