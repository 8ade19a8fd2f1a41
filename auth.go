package socks5d

import (
	"io"

	"github.com/pkg/errors"
)

// selectMethod picks no-authentication when the client offers it and
// no-acceptable-methods otherwise. Username/password and GSSAPI are never selected.
func selectMethod(req *MethodSelectionRequest) MethodSelectionResponse {
	if req.Contains(MethodNoAuth) {
		return MethodSelectionResponse{Method: MethodNoAuth}
	}
	return MethodSelectionResponse{Method: MethodNoAcceptableMethods}
}

// negotiateMethod reads the greeting and writes the selected method.
// A malformed greeting gets no answer. When nothing acceptable was offered the
// response is still written and ErrNoAcceptableMethods is returned.
func negotiateMethod(rw io.ReadWriter) (*MethodSelectionRequest, error) {
	req, err := ReadMethodSelectionRequest(rw)
	if err != nil {
		return nil, err
	}

	resp := selectMethod(req)
	if _, err := resp.WriteTo(rw); err != nil {
		return req, errors.Wrap(err, "failed to write selected method")
	}
	if resp.Method == MethodNoAcceptableMethods {
		return req, ErrNoAcceptableMethods
	}
	return req, nil
}
