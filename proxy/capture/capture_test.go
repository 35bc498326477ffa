package capture

import (
	"bytes"
	"io"
	"net"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var (
	viewer = netip.MustParseAddrPort("127.0.0.1:5000")
	sim    = netip.MustParseAddrPort("1.2.3.4:9000")
)

func TestWriter_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)

	ts := time.Unix(1700000000, 123000).UTC()
	require.NoError(t, w.WriteDatagram(viewer, sim, []byte("hello"), ts))
	require.NoError(t, w.WriteDatagram(sim, viewer, nil, ts.Add(time.Second)))
	require.NoError(t, w.Close())

	r, err := NewReader(&buf)
	require.NoError(t, err)
	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, viewer, rec.Src)
	assert.Equal(t, sim, rec.Dst)
	assert.Equal(t, []byte("hello"), rec.Payload)
	assert.True(t, ts.Equal(rec.Time))

	rec, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, sim, rec.Src)
	assert.Empty(t, rec.Payload)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriter_IPv6AndMixedFamilies(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)

	a := netip.MustParseAddrPort("[2001:db8::1]:13000")
	b := netip.MustParseAddrPort("[2001:db8::2]:12035")
	require.NoError(t, w.WriteDatagram(a, b, []byte{1, 2, 3}, time.Now()))
	assert.ErrorIs(t, w.WriteDatagram(a, sim, nil, time.Now()), ErrMixedFamily)

	r, err := NewReader(&buf)
	require.NoError(t, err)
	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, a, rec.Src)
	assert.Equal(t, b, rec.Dst)
	assert.Equal(t, []byte{1, 2, 3}, rec.Payload)
}

func TestCreateAndOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.pcap")
	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.WriteDatagram(viewer, sim, []byte("x"), time.Now()))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	r, err := OpenReader(path)
	require.NoError(t, err)
	defer r.Close()
	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), rec.Payload)

	_, err = OpenReader(filepath.Join(t.TempDir(), "missing.pcap"))
	assert.Error(t, err)
}

func TestReader_PcapngSkipsNonUDP(t *testing.T) {
	var buf bytes.Buffer
	ng, err := pcapgo.NewNgWriter(&buf, layers.LinkTypeRaw)
	require.NoError(t, err)

	write := func(l ...gopacket.SerializableLayer) {
		sb := gopacket.NewSerializeBuffer()
		require.NoError(t, gopacket.SerializeLayers(sb, gopacket.SerializeOptions{FixLengths: true}, l...))
		data := sb.Bytes()
		require.NoError(t, ng.WritePacket(gopacket.CaptureInfo{
			Timestamp: time.Now(), CaptureLength: len(data), Length: len(data),
		}, data))
	}
	ip := func(proto layers.IPProtocol) *layers.IPv4 {
		return &layers.IPv4{Version: 4, TTL: 64, Protocol: proto, SrcIP: net.IPv4(127, 0, 0, 1), DstIP: net.IPv4(1, 2, 3, 4)}
	}
	write(ip(layers.IPProtocolTCP), &layers.TCP{SrcPort: 1, DstPort: 2}, gopacket.Payload("tcp"))
	write(ip(layers.IPProtocolUDP), &layers.UDP{SrcPort: 5000, DstPort: 9000}, gopacket.Payload("udp"))
	require.NoError(t, ng.Flush())

	r, err := NewReader(&buf)
	require.NoError(t, err)
	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, viewer, rec.Src)
	assert.Equal(t, sim, rec.Dst)
	assert.Equal(t, []byte("udp"), rec.Payload)
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestNewReader_RejectsGarbage(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte{1, 2}))
	assert.Error(t, err)
	_, err = NewReader(bytes.NewReader(bytes.Repeat([]byte{0x42}, 64)))
	assert.Error(t, err)
}

// Feature: capture, Property: any payload written is read back unchanged
// with its addresses.
func TestWriter_PayloadProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		payload := rapid.SliceOfN(rapid.Byte(), 0, 1400).Draw(t, "payload")
		src := netip.AddrPortFrom(netip.AddrFrom4([4]byte(rapid.SliceOfN(rapid.Byte(), 4, 4).Draw(t, "src"))),
			rapid.Uint16().Draw(t, "sport"))
		dst := netip.AddrPortFrom(netip.AddrFrom4([4]byte(rapid.SliceOfN(rapid.Byte(), 4, 4).Draw(t, "dst"))),
			rapid.Uint16().Draw(t, "dport"))

		var buf bytes.Buffer
		w, err := NewWriter(&buf)
		if err != nil {
			t.Fatal(err)
		}
		if err := w.WriteDatagram(src, dst, payload, time.Now()); err != nil {
			t.Fatal(err)
		}
		r, err := NewReader(&buf)
		if err != nil {
			t.Fatal(err)
		}
		rec, err := r.Next()
		if err != nil {
			t.Fatal(err)
		}
		if rec.Src != src || rec.Dst != dst || !bytes.Equal(rec.Payload, payload) {
			t.Fatalf("got %v -> %v %x", rec.Src, rec.Dst, rec.Payload)
		}
	})
}
