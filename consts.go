package socks5d

import (
	"fmt"
	"time"
)

type Error string

func (e Error) Error() string {
	return string(e)
}

const (
	ErrInvalidVersion      = Error("invalid socks version")
	ErrMissingReserved     = Error("reserved byte is not zero")
	ErrLengthMismatch      = Error("declared length does not match the bytes present")
	ErrNoAcceptableMethods = Error("no acceptable authentication method")
	ErrHandshakeTimeout    = Error("handshake timed out")
)

// InvalidCommandError is returned when a request carries an unknown CMD byte.
type InvalidCommandError byte

func (e InvalidCommandError) Error() string {
	return fmt.Sprintf("invalid command %#02x", byte(e))
}

// InvalidAddrTypeError is returned when a request carries an unknown ATYP byte.
type InvalidAddrTypeError byte

func (e InvalidAddrTypeError) Error() string {
	return fmt.Sprintf("invalid address type %#02x", byte(e))
}

const (
	defaultPort             = 1080
	defaultHandshakeTimeout = 10 * time.Second
	socks5Version           = 5

	reservedByte = 0

	addrLenIPv4 = 4
	addrLenIPv6 = 16
)

// Method is an authentication method identifier. Every byte value is a
// valid Method, so conversion in both directions is lossless.
type Method byte

const (
	MethodNoAuth              Method = 0x00
	MethodGSSAPI              Method = 0x01
	MethodUserPass            Method = 0x02
	MethodNoAcceptableMethods Method = 0xff
)

// IsIANAAssigned reports whether m lies in X'03' to X'7F'.
func (m Method) IsIANAAssigned() bool { return m >= 0x03 && m <= 0x7f }

// IsPrivate reports whether m lies in X'80' to X'FE'.
func (m Method) IsPrivate() bool { return m >= 0x80 && m <= 0xfe }

func (m Method) String() string {
	switch {
	case m == MethodNoAuth:
		return "no authentication required"
	case m == MethodGSSAPI:
		return "GSSAPI"
	case m == MethodUserPass:
		return "username/password"
	case m.IsIANAAssigned():
		return fmt.Sprintf("IANA assigned(%#02x)", byte(m))
	case m.IsPrivate():
		return fmt.Sprintf("private(%#02x)", byte(m))
	default:
		return "no acceptable methods"
	}
}

type Command byte

const (
	CmdConnect      Command = 1
	CmdBind         Command = 2
	CmdUDPAssociate Command = 3
)

// ParseCommand validates a CMD byte.
func ParseCommand(b byte) (Command, error) {
	switch c := Command(b); c {
	case CmdConnect, CmdBind, CmdUDPAssociate:
		return c, nil
	}
	return 0, InvalidCommandError(b)
}

func (c Command) String() string {
	switch c {
	case CmdConnect:
		return "CONNECT"
	case CmdBind:
		return "BIND"
	case CmdUDPAssociate:
		return "UDP ASSOCIATE"
	}
	return fmt.Sprintf("command(%#02x)", byte(c))
}

type AddrType uint8

const (
	AddrTypeIPv4 AddrType = 1
	AddrTypeFQDN AddrType = 3
	AddrTypeIPv6 AddrType = 4
)

// Reply is the REP field of a socks response. Values from X'09' upwards are
// unassigned but still encodable.
type Reply byte

const (
	ReplySucceeded                     Reply = 0
	ReplyGeneralSOCKSServerFailure     Reply = 1
	ReplyConnectionNotAllowedByRuleset Reply = 2
	ReplyNetworkUnreachable            Reply = 3
	ReplyHostUnreachable               Reply = 4
	ReplyConnectionRefused             Reply = 5
	ReplyTTLExpired                    Reply = 6
	ReplyCommandNotSupported           Reply = 7
	ReplyAddressTypeNotSupported       Reply = 8
)

func (r Reply) String() string {
	switch r {
	case ReplySucceeded:
		return "succeeded"
	case ReplyGeneralSOCKSServerFailure:
		return "general SOCKS server failure"
	case ReplyConnectionNotAllowedByRuleset:
		return "connection not allowed by ruleset"
	case ReplyNetworkUnreachable:
		return "network unreachable"
	case ReplyHostUnreachable:
		return "host unreachable"
	case ReplyConnectionRefused:
		return "connection refused"
	case ReplyTTLExpired:
		return "TTL expired"
	case ReplyCommandNotSupported:
		return "command not supported"
	case ReplyAddressTypeNotSupported:
		return "address type not supported"
	}
	return fmt.Sprintf("unassigned(%#02x)", byte(r))
}

// ReplyError reports a request that was, or is to be, answered with a
// non-success reply. Err is the local cause when there is one.
type ReplyError struct {
	Reply Reply
	Err   error
}

func (e *ReplyError) Error() string {
	if e.Err != nil {
		return "socks request failed: " + e.Reply.String() + ": " + e.Err.Error()
	}
	return "socks request failed: " + e.Reply.String()
}

func (e *ReplyError) Unwrap() error { return e.Err }
