package socks

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
)

// https://www.ietf.org/rfc/rfc1928.txt

const Version5 = 0x05

const (
	AuthNone         = 0x00
	AuthNoAcceptable = 0xFF
)

const (
	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03
)

const (
	ATypIP4    = 0x01
	ATypDomain = 0x03
	ATypIP6    = 0x04
)

// Reply codes
const (
	RepSuccess              = 0x00
	RepGeneralFailure       = 0x01
	RepNotAllowed           = 0x02
	RepCommandNotSupported  = 0x07
	RepAddrTypeNotSupported = 0x08
)

// udpHeaderIPv4Size is rsv(2) + frag(1) + atyp(1) + ipv4(4) + port(2).
const udpHeaderIPv4Size = 10

var (
	ErrVersion            = errors.New("unsupported socks version")
	ErrNoAcceptableMethod = errors.New("no acceptable authentication method")
	ErrUnsupportedCommand = errors.New("unsupported command")
	ErrUnsupportedAddress = errors.New("unsupported address type")
	ErrFragmented         = errors.New("udp fragment is not supported")
	ErrShortDatagram      = errors.New("short udp datagram")
	ErrNotAllowed         = errors.New("destination not allowed")
)

// ProtocolError reports a malformed or unsupported exchange on one control
// connection or datagram.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return "socks " + e.Op + ": " + e.Err.Error()
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func protoErr(op string, err error) error {
	return &ProtocolError{Op: op, Err: err}
}

// Addr is a SOCKS destination. Exactly one of IP or Domain is set.
type Addr struct {
	IP     netip.Addr
	Domain string
	Port   uint16
}

// AddrPort returns the numeric form. Domain addresses report false.
func (a Addr) AddrPort() (netip.AddrPort, bool) {
	if !a.IP.IsValid() {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(a.IP, a.Port), true
}

func (a Addr) String() string {
	if a.IP.IsValid() {
		return netip.AddrPortFrom(a.IP, a.Port).String()
	}
	return a.Domain + ":" + strconv.Itoa(int(a.Port))
}

// Datagram is one SOCKS5 UDP request. Payload aliases the parsed buffer.
type Datagram struct {
	Addr    Addr
	Payload []byte
}

// ParseDatagram strips the SOCKS5 UDP header from b.
func ParseDatagram(b []byte) (Datagram, error) {
	if len(b) < 4 {
		return Datagram{}, protoErr("datagram", ErrShortDatagram)
	}
	if b[2] != 0 {
		return Datagram{}, protoErr("datagram", ErrFragmented)
	}
	addr, n, err := parseAddr(b[3], b[4:])
	if err != nil {
		return Datagram{}, protoErr("datagram", err)
	}
	return Datagram{Addr: addr, Payload: b[4+n:]}, nil
}

// parseAddr decodes an address of type atyp followed by a big-endian port.
// It returns the number of bytes consumed from b.
func parseAddr(atyp byte, b []byte) (Addr, int, error) {
	var a Addr
	switch atyp {
	case ATypIP4:
		if len(b) < 6 {
			return a, 0, ErrShortDatagram
		}
		a.IP = netip.AddrFrom4([4]byte(b[:4]))
		a.Port = binary.BigEndian.Uint16(b[4:6])
		return a, 6, nil
	case ATypDomain:
		if len(b) < 1 {
			return a, 0, ErrShortDatagram
		}
		l := int(b[0])
		if l == 0 || len(b) < 1+l+2 {
			return a, 0, ErrShortDatagram
		}
		a.Domain = string(b[1 : 1+l])
		a.Port = binary.BigEndian.Uint16(b[1+l:])
		return a, 1 + l + 2, nil
	case ATypIP6:
		return a, 0, ErrUnsupportedAddress
	default:
		return a, 0, fmt.Errorf("%w: 0x%02x", ErrUnsupportedAddress, atyp)
	}
}

// AppendHeader appends the SOCKS5 UDP header for an IPv4 source address.
func AppendHeader(dst []byte, addr netip.AddrPort) []byte {
	ip := addr.Addr().Unmap().As4()
	dst = append(dst, 0, 0, 0, ATypIP4)
	dst = append(dst, ip[:]...)
	return binary.BigEndian.AppendUint16(dst, addr.Port())
}
