package socks5d

import (
	"encoding/binary"
	"io"
	"math"
	"net"
	"net/netip"
	"strconv"

	"github.com/pkg/errors"
)

// SocksAddr is the ATYP | ADDR | PORT triple of a request or response.
// Exactly one of IP and Name is meaningful, selected by Type.
type SocksAddr struct {
	Type AddrType
	IP   netip.Addr
	// Name holds the raw domain bytes as received; it is not guaranteed to be valid UTF-8.
	Name string
	Port uint16
}

func (sa *SocksAddr) Network() string { return "socks5" }

func (sa *SocksAddr) String() string {
	if sa == nil {
		return "<nil>"
	}
	return sa.Address()
}

func (sa *SocksAddr) Address() string {
	port := strconv.FormatUint(uint64(sa.Port), 10)
	if sa.Type == AddrTypeFQDN {
		return net.JoinHostPort(sa.Name, port)
	}
	return net.JoinHostPort(sa.IP.String(), port)
}

// addrFromAddrPort builds an IPv4 or IPv6 SocksAddr, unmapping IPv4-in-IPv6.
func addrFromAddrPort(ap netip.AddrPort) *SocksAddr {
	ip := ap.Addr().Unmap()
	addrType := AddrTypeIPv6
	if ip.Is4() {
		addrType = AddrTypeIPv4
	}
	return &SocksAddr{Type: addrType, IP: ip, Port: ap.Port()}
}

// zeroAddr is 0.0.0.0:0, used where no address is known.
func zeroAddr() *SocksAddr {
	return &SocksAddr{Type: AddrTypeIPv4, IP: netip.IPv4Unspecified()}
}

func readAddrPort(r io.Reader) (*SocksAddr, error) {
	socksAddr := &SocksAddr{}

	addrTypeBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, addrTypeBuf); err != nil {
		return nil, errors.Wrap(err, "failed to read address type")
	}

	switch AddrType(addrTypeBuf[0]) {
	case AddrTypeIPv4:
		var ip [addrLenIPv4]byte
		if _, err := io.ReadFull(r, ip[:]); err != nil {
			return nil, errors.Wrap(err, "failed to read ipv4 address")
		}
		socksAddr.IP = netip.AddrFrom4(ip)
	case AddrTypeFQDN:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return nil, errors.Wrap(err, "failed to read domain length")
		}
		name := make([]byte, int(lenBuf[0]))
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, errors.Wrap(err, "failed to read domain name")
		}
		socksAddr.Name = string(name)
	case AddrTypeIPv6:
		var ip [addrLenIPv6]byte
		if _, err := io.ReadFull(r, ip[:]); err != nil {
			return nil, errors.Wrap(err, "failed to read ipv6 address")
		}
		socksAddr.IP = netip.AddrFrom16(ip)
	default:
		return nil, InvalidAddrTypeError(addrTypeBuf[0])
	}

	socksAddr.Type = AddrType(addrTypeBuf[0])

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(r, portBuf); err != nil {
		return nil, errors.Wrap(err, "failed to read port")
	}
	socksAddr.Port = binary.BigEndian.Uint16(portBuf)

	return socksAddr, nil
}

// appendAddrPort encodes ATYP | ADDR | PORT onto b.
func appendAddrPort(b []byte, sa *SocksAddr) ([]byte, error) {
	b = append(b, byte(sa.Type))
	switch sa.Type {
	case AddrTypeIPv4:
		if !sa.IP.Unmap().Is4() {
			return nil, errors.Errorf("%s is not an ipv4 address", sa.IP)
		}
		ip := sa.IP.Unmap().As4()
		b = append(b, ip[:]...)
	case AddrTypeFQDN:
		if len(sa.Name) > math.MaxUint8 {
			return nil, errors.Errorf("domain name too long: %d bytes", len(sa.Name))
		}
		b = append(b, byte(len(sa.Name)))
		b = append(b, sa.Name...)
	case AddrTypeIPv6:
		if !sa.IP.IsValid() {
			return nil, errors.New("missing ipv6 address")
		}
		ip := sa.IP.As16()
		b = append(b, ip[:]...)
	default:
		return nil, InvalidAddrTypeError(sa.Type)
	}
	return binary.BigEndian.AppendUint16(b, sa.Port), nil
}

func writeAddrPort(w io.Writer, sa *SocksAddr) error {
	b, err := appendAddrPort(make([]byte, 0, 1+1+math.MaxUint8+2), sa)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// parseAddr turns a host:port string into a SocksAddr. With resolve set,
// domain names are looked up locally and sent as IP addresses.
func parseAddr(addr string, resolve bool) (*SocksAddr, error) {
	// We expect the caller to have parsed the address.
	// it should be in `host:port` format.
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to split host,port")
	}

	value, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse port to uint")
	}

	if host == "" {
		sa := zeroAddr()
		sa.Port = uint16(value)
		return sa, nil
	}

	if resolve {
		if _, err := netip.ParseAddr(host); err != nil {
			ipAddr, err := net.ResolveIPAddr("ip", host)
			if err != nil {
				return nil, errors.Wrap(err, "failed to resolve addr")
			}
			host = ipAddr.IP.String()
		}
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		return addrFromAddrPort(netip.AddrPortFrom(ip, uint16(value))), nil
	}

	if len(host) > math.MaxUint8 {
		return nil, errors.Errorf("domain name too long: %d bytes", len(host))
	}
	return &SocksAddr{Type: AddrTypeFQDN, Name: host, Port: uint16(value)}, nil
}
