package capture

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const snapLen = 65536

var ErrMixedFamily = errors.New("source and destination address families differ")

// Writer records datagrams as IPv4/UDP (or IPv6/UDP) packets in a pcap file
// with raw IP link type.
type Writer struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	closer io.Closer
	ipID   uint16
	buf    gopacket.SerializeBuffer
}

// NewWriter writes the pcap file header to w.
func NewWriter(w io.Writer) (*Writer, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &Writer{w: pw, buf: gopacket.NewSerializeBuffer()}, nil
}

// Create truncates path and starts a capture file there.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// WriteDatagram records one UDP datagram from src to dst.
func (w *Writer) WriteDatagram(src, dst netip.AddrPort, payload []byte, ts time.Time) error {
	srcIP, dstIP := src.Addr().Unmap(), dst.Addr().Unmap()
	if srcIP.Is4() != dstIP.Is4() {
		return ErrMixedFamily
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	udp := &layers.UDP{SrcPort: layers.UDPPort(src.Port()), DstPort: layers.UDPPort(dst.Port())}
	var ip gopacket.SerializableLayer
	if srcIP.Is4() {
		w.ipID++
		v4 := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Id:       w.ipID,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IP(srcIP.AsSlice()),
			DstIP:    net.IP(dstIP.AsSlice()),
		}
		_ = udp.SetNetworkLayerForChecksum(v4)
		ip = v4
	} else {
		v6 := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      net.IP(srcIP.AsSlice()),
			DstIP:      net.IP(dstIP.AsSlice()),
		}
		_ = udp.SetNetworkLayerForChecksum(v6)
		ip = v6
	}

	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(w.buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("serialize packet: %w", err)
	}
	data := w.buf.Bytes()
	ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
	return w.w.WritePacket(ci, data)
}

// Close closes the file opened by Create. It is a no-op for NewWriter.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closer == nil {
		return nil
	}
	err := w.closer.Close()
	w.closer = nil
	return err
}

// Record is one UDP datagram read back from a capture.
type Record struct {
	Time    time.Time
	Src     netip.AddrPort
	Dst     netip.AddrPort
	Payload []byte
}

type packetSource interface {
	LinkType() layers.LinkType
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// Reader yields the UDP datagrams of a pcap or pcapng file. Packets that
// are not UDP over IP are skipped.
type Reader struct {
	src    packetSource
	closer io.Closer
}

const pcapngMagic = 0x0A0D0D0A

// NewReader detects pcap or pcapng from the leading magic number.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read capture magic: %w", err)
	}
	var src packetSource
	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		src, err = pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	} else {
		src, err = pcapgo.NewReader(br)
	}
	if err != nil {
		return nil, err
	}
	return &Reader{src: src}, nil
}

func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("open capture %s: %w", path, err)
	}
	r.closer = f
	return r, nil
}

// Next returns the next UDP datagram, or io.EOF.
func (r *Reader) Next() (Record, error) {
	for {
		data, ci, err := r.src.ReadPacketData()
		if err != nil {
			return Record{}, err
		}
		packet := gopacket.NewPacket(data, r.src.LinkType(), gopacket.NoCopy)
		udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			continue
		}
		var srcIP, dstIP net.IP
		switch ip := packet.NetworkLayer().(type) {
		case *layers.IPv4:
			srcIP, dstIP = ip.SrcIP, ip.DstIP
		case *layers.IPv6:
			srcIP, dstIP = ip.SrcIP, ip.DstIP
		default:
			continue
		}
		src, _ := netip.AddrFromSlice(srcIP)
		dst, _ := netip.AddrFromSlice(dstIP)
		return Record{
			Time:    ci.Timestamp,
			Src:     netip.AddrPortFrom(src.Unmap(), uint16(udp.SrcPort)),
			Dst:     netip.AddrPortFrom(dst.Unmap(), uint16(udp.DstPort)),
			Payload: append([]byte(nil), udp.Payload...),
		}, nil
	}
}

func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
