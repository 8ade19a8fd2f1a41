package socks5d

import (
	"context"
	"net"
	"net/netip"
	"unicode/utf8"

	"github.com/pkg/errors"
	"golang.org/x/net/idna"
)

// Resolver looks up the addresses of a host name. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// resolveAddr maps a request destination onto the endpoints to try, in
// resolver order. Failures come back as *ReplyError.
//
// A domain that is not valid UTF-8 is answered with address-type-not-supported.
// RFC 1928 says nothing about malformed names, so that reply is a choice.
func resolveAddr(ctx context.Context, resolver Resolver, dst *SocksAddr) ([]netip.AddrPort, error) {
	switch dst.Type {
	case AddrTypeIPv4, AddrTypeIPv6:
		return []netip.AddrPort{netip.AddrPortFrom(dst.IP, dst.Port)}, nil
	case AddrTypeFQDN:
	default:
		return nil, &ReplyError{Reply: ReplyAddressTypeNotSupported, Err: InvalidAddrTypeError(dst.Type)}
	}

	if !utf8.ValidString(dst.Name) {
		return nil, &ReplyError{
			Reply: ReplyAddressTypeNotSupported,
			Err:   errors.Errorf("domain name %q is not valid utf-8", dst.Name),
		}
	}

	host, err := lookupName(dst.Name)
	if err != nil {
		return nil, &ReplyError{Reply: ReplyGeneralSOCKSServerFailure, Err: err}
	}

	ipAddrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, &ReplyError{
			Reply: ReplyGeneralSOCKSServerFailure,
			Err:   errors.Wrapf(err, "failed to resolve %s", host),
		}
	}

	endpoints := make([]netip.AddrPort, 0, len(ipAddrs))
	for _, ipAddr := range ipAddrs {
		ip, ok := netip.AddrFromSlice(ipAddr.IP)
		if !ok {
			continue
		}
		endpoints = append(endpoints, netip.AddrPortFrom(ip.Unmap().WithZone(ipAddr.Zone), dst.Port))
	}
	if len(endpoints) == 0 {
		return nil, &ReplyError{
			Reply: ReplyGeneralSOCKSServerFailure,
			Err:   errors.Errorf("no addresses found for %s", host),
		}
	}
	return endpoints, nil
}

// lookupName returns the ASCII form of an internationalised name. Plain ASCII
// names are passed through untouched so labels such as "_srv" keep working.
func lookupName(name string) (string, error) {
	for i := 0; i < len(name); i++ {
		if name[i] >= utf8.RuneSelf {
			ascii, err := idna.Lookup.ToASCII(name)
			if err != nil {
				return "", errors.Wrapf(err, "invalid internationalised domain name %q", name)
			}
			return ascii, nil
		}
	}
	return name, nil
}
