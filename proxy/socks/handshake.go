package socks

import (
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
	"slices"
)

// Request is the command sent after method negotiation.
type Request struct {
	Cmd  byte
	Addr Addr
}

// readGreeting consumes the client's method list and answers it. Only
// AuthNone is accepted.
func readGreeting(rw io.ReadWriter) error {
	var hdr [2]byte
	if _, err := io.ReadFull(rw, hdr[:]); err != nil {
		return protoErr("greeting", err)
	}
	if hdr[0] != Version5 {
		return protoErr("greeting", fmt.Errorf("%w: %d", ErrVersion, hdr[0]))
	}
	methods := make([]byte, hdr[1])
	if _, err := io.ReadFull(rw, methods); err != nil {
		return protoErr("greeting", err)
	}
	if !slices.Contains(methods, AuthNone) {
		_, _ = rw.Write([]byte{Version5, AuthNoAcceptable})
		return protoErr("greeting", ErrNoAcceptableMethod)
	}
	if _, err := rw.Write([]byte{Version5, AuthNone}); err != nil {
		return protoErr("greeting", err)
	}
	return nil
}

// readRequest reads VER CMD RSV ATYP DST.ADDR DST.PORT. On an address type
// it cannot parse, the matching failure reply is written before returning.
func readRequest(rw io.ReadWriter) (Request, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(rw, hdr[:]); err != nil {
		return Request{}, protoErr("request", err)
	}
	if hdr[0] != Version5 {
		return Request{}, protoErr("request", fmt.Errorf("%w: %d", ErrVersion, hdr[0]))
	}
	req := Request{Cmd: hdr[1]}

	var rest []byte
	switch hdr[3] {
	case ATypIP4:
		rest = make([]byte, 6)
		if _, err := io.ReadFull(rw, rest); err != nil {
			return Request{}, protoErr("request", err)
		}
	case ATypDomain:
		var l [1]byte
		if _, err := io.ReadFull(rw, l[:]); err != nil {
			return Request{}, protoErr("request", err)
		}
		rest = make([]byte, 1+int(l[0])+2)
		rest[0] = l[0]
		if _, err := io.ReadFull(rw, rest[1:]); err != nil {
			return Request{}, protoErr("request", err)
		}
	default:
		_ = writeReply(rw, RepAddrTypeNotSupported, netip.AddrPort{})
		return Request{}, protoErr("request", fmt.Errorf("%w: 0x%02x", ErrUnsupportedAddress, hdr[3]))
	}
	addr, _, err := parseAddr(hdr[3], rest)
	if err != nil {
		_ = writeReply(rw, RepGeneralFailure, netip.AddrPort{})
		return Request{}, protoErr("request", err)
	}
	req.Addr = addr
	return req, nil
}

// writeReply sends VER REP RSV ATYP BND.ADDR BND.PORT with an IPv4 bound
// address.
func writeReply(w io.Writer, rep byte, bound netip.AddrPort) error {
	ip := [4]byte{}
	if bound.Addr().Unmap().Is4() {
		ip = bound.Addr().Unmap().As4()
	}
	b := make([]byte, 0, 10)
	b = append(b, Version5, rep, 0, ATypIP4)
	b = append(b, ip[:]...)
	b = binary.BigEndian.AppendUint16(b, bound.Port())
	if _, err := w.Write(b); err != nil {
		return protoErr("reply", err)
	}
	return nil
}
