package proxy

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/Mmx233/llproxy/config"
	"github.com/Mmx233/llproxy/protocol"
	"github.com/Mmx233/llproxy/protocol/template"
	"github.com/Mmx233/llproxy/proxy/circuit"
	"github.com/Mmx233/llproxy/proxy/socks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const readTimeout = 2 * time.Second

type harness struct {
	t      *testing.T
	p      *Proxy
	codec  *protocol.Codec
	ctrl   net.Conn
	relay  netip.AddrPort
	viewer *net.UDPConn
	sim    *net.UDPConn

	viewerAddr netip.AddrPort
	simAddr    netip.AddrPort
}

func testConfig() *config.Proxy {
	return &config.Proxy{
		Socks: config.Socks{Listen: "127.0.0.1:0", HandshakeTimeout: config.Duration(time.Second)},
		Circuit: config.Circuit{
			RetryInterval:    config.Duration(time.Second),
			MaxRetries:       3,
			AckFlushInterval: config.Duration(10 * time.Millisecond),
		},
	}
}

func newHarness(t *testing.T, conf *config.Proxy, opts ...Option) *harness {
	t.Helper()
	p, err := New(conf, template.MustDefault(), append([]Option{WithLogger(zerolog.Nop())}, opts...)...)
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Serve(ctx, ln) }()
	require.Eventually(t, func() bool { return p.Addr() != nil }, time.Second, 5*time.Millisecond)

	h := &harness{t: t, p: p, codec: p.Codec()}
	h.ctrl, h.relay = socksAssociate(t, p.Addr())
	h.viewer, h.viewerAddr = listenLoopback(t)
	h.sim, h.simAddr = listenLoopback(t)

	t.Cleanup(func() {
		sessions := p.Sessions()
		_ = h.ctrl.Close()
		cancel()
		assert.NoError(t, <-done)
		for _, s := range sessions {
			<-s.Done()
		}
		_ = h.viewer.Close()
		_ = h.sim.Close()
	})
	return h
}

func listenLoopback(t *testing.T) (*net.UDPConn, netip.AddrPort) {
	t.Helper()
	c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	return c, c.LocalAddr().(*net.UDPAddr).AddrPort()
}

func socksAssociate(t *testing.T, addr net.Addr) (net.Conn, netip.AddrPort) {
	t.Helper()
	ctrl, err := net.Dial("tcp4", addr.String())
	require.NoError(t, err)
	_, err = ctrl.Write([]byte{socks.Version5, 1, socks.AuthNone})
	require.NoError(t, err)
	method := make([]byte, 2)
	_, err = io.ReadFull(ctrl, method)
	require.NoError(t, err)

	_, err = ctrl.Write([]byte{socks.Version5, socks.CmdUDPAssociate, 0, socks.ATypIP4, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	reply := make([]byte, 10)
	_, err = io.ReadFull(ctrl, reply)
	require.NoError(t, err)
	require.Equal(t, byte(socks.RepSuccess), reply[1])
	return ctrl, netip.AddrPortFrom(netip.AddrFrom4([4]byte(reply[4:8])), binary.BigEndian.Uint16(reply[8:]))
}

func (h *harness) message(name string, seq uint32, reliable bool) *protocol.Message {
	h.t.Helper()
	m, err := h.codec.NewMessage(name)
	require.NoError(h.t, err)
	m.Sequence = seq
	m.SetReliable(reliable)
	return m
}

func (h *harness) ping(seq uint32, id uint8, reliable bool) *protocol.Message {
	h.t.Helper()
	m := h.message("StartPingCheck", seq, reliable)
	_, err := m.NewBlock("PingID")
	require.NoError(h.t, err)
	require.NoError(h.t, m.Set("PingID", 0, "PingID", id))
	return m
}

func (h *harness) completePing(seq uint32, id uint8) *protocol.Message {
	h.t.Helper()
	m := h.message("CompletePingCheck", seq, false)
	_, err := m.NewBlock("PingID")
	require.NoError(h.t, err)
	require.NoError(h.t, m.Set("PingID", 0, "PingID", id))
	return m
}

func (h *harness) packetAck(seq uint32, ids ...uint32) *protocol.Message {
	h.t.Helper()
	m := h.message("PacketAck", seq, false)
	for _, id := range ids {
		require.NoError(h.t, m.AddBlock(protocol.NewBlock("Packets").Set("ID", id)))
	}
	return m
}

func (h *harness) encode(m *protocol.Message) []byte {
	h.t.Helper()
	data, err := h.codec.Serialize(m)
	require.NoError(h.t, err)
	return data
}

func (h *harness) viewerSendRaw(data []byte) {
	h.t.Helper()
	_, err := h.viewer.WriteToUDPAddrPort(append(socks.AppendHeader(nil, h.simAddr), data...), h.relay)
	require.NoError(h.t, err)
}

func (h *harness) viewerSend(m *protocol.Message) {
	h.t.Helper()
	h.viewerSendRaw(h.encode(m))
}

func (h *harness) simSend(m *protocol.Message) {
	h.t.Helper()
	_, err := h.sim.WriteToUDPAddrPort(h.encode(m), h.relay)
	require.NoError(h.t, err)
}

func (h *harness) simReadRaw() []byte {
	h.t.Helper()
	buf := make([]byte, 4096)
	require.NoError(h.t, h.sim.SetReadDeadline(time.Now().Add(readTimeout)))
	n, from, err := h.sim.ReadFromUDPAddrPort(buf)
	require.NoError(h.t, err)
	require.Equal(h.t, h.relay.Port(), from.Port())
	return buf[:n]
}

// simRead returns the next message named name the simulator receives.
func (h *harness) simRead(name string) *protocol.Message {
	h.t.Helper()
	for {
		m, err := h.codec.Deserialize(h.simReadRaw(), protocol.DirectionOut)
		require.NoError(h.t, err)
		if m.Name == name {
			return m
		}
	}
}

// viewerRead returns the next message named name the viewer receives.
func (h *harness) viewerRead(name string) *protocol.Message {
	h.t.Helper()
	buf := make([]byte, 4096)
	for {
		require.NoError(h.t, h.viewer.SetReadDeadline(time.Now().Add(readTimeout)))
		n, err := h.viewer.Read(buf)
		require.NoError(h.t, err)
		d, err := socks.ParseDatagram(buf[:n])
		require.NoError(h.t, err)
		require.Equal(h.t, h.simAddr.String(), d.Addr.String())
		m, err := h.codec.Deserialize(d.Payload, protocol.DirectionIn)
		require.NoError(h.t, err)
		if m.Name == name {
			return m
		}
	}
}

func (h *harness) session() *Session {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return len(h.p.Sessions()) == 1 }, time.Second, 5*time.Millisecond)
	return h.p.Sessions()[0]
}

func (h *harness) region() *Region {
	h.t.Helper()
	s := h.session()
	var r *Region
	require.Eventually(h.t, func() bool {
		var ok bool
		r, ok = s.Region(h.simAddr)
		return ok
	}, time.Second, 5*time.Millisecond)
	return r
}

func ackIDs(m *protocol.Message) []uint32 {
	var ids []uint32
	for _, b := range m.Blocks("Packets") {
		ids = append(ids, b.Uint32("ID"))
	}
	return ids
}

func pingID(t *testing.T, m *protocol.Message) uint8 {
	t.Helper()
	v, err := m.Get("PingID", 0, "PingID")
	require.NoError(t, err)
	return v.(uint8)
}

func TestProxy_RelaysBothDirections(t *testing.T) {
	h := newHarness(t, testConfig())

	h.viewerSend(h.ping(1, 7, false))
	got := h.simRead("StartPingCheck")
	assert.Equal(t, uint32(1), got.Sequence)
	assert.Equal(t, uint8(7), pingID(t, got))

	h.simSend(h.completePing(1, 7))
	back := h.viewerRead("CompletePingCheck")
	assert.Equal(t, uint32(1), back.Sequence)
	assert.Equal(t, uint8(7), pingID(t, back))

	r := h.region()
	assert.Equal(t, h.viewerAddr, r.Client)
	handle, ok := h.p.Registry().Lookup(h.viewerAddr, h.simAddr)
	require.True(t, ok)
	assert.Same(t, r, handle.Region)
	assert.Same(t, h.session(), handle.Session)
}

func TestProxy_ControlCloseEndsSession(t *testing.T) {
	h := newHarness(t, testConfig())
	h.viewerSend(h.ping(1, 1, false))
	h.simRead("StartPingCheck")
	s := h.session()

	require.NoError(t, h.ctrl.Close())
	select {
	case <-s.Done():
	case <-time.After(readTimeout):
		t.Fatal("session loop did not exit")
	}
	assert.Eventually(t, func() bool { return len(h.p.Sessions()) == 0 }, time.Second, 5*time.Millisecond)
	_, ok := h.p.Registry().Lookup(h.viewerAddr, h.simAddr)
	assert.False(t, ok)
}

func TestProxy_HookMutatesMessage(t *testing.T) {
	h := newHarness(t, testConfig(), WithHooks(HookFunc(func(_ *Session, _ *Region, m *protocol.Message) Verdict {
		if m.Name == "StartPingCheck" {
			_ = m.Set("PingID", 0, "PingID", uint8(42))
		}
		return Forward
	})))

	h.viewerSend(h.ping(1, 7, false))
	assert.Equal(t, uint8(42), pingID(t, h.simRead("StartPingCheck")))
}

func TestProxy_DroppedReliableMessageIsAcked(t *testing.T) {
	h := newHarness(t, testConfig(), WithHooks(HookFunc(func(_ *Session, _ *Region, m *protocol.Message) Verdict {
		if m.Name == "StartPingCheck" {
			return Drop
		}
		return Forward
	})))

	h.viewerSend(h.ping(5, 1, true))
	ack := h.viewerRead("PacketAck")
	assert.Equal(t, []uint32{5}, ackIDs(ack))

	// A resend of the dropped packet is acked again and still not relayed.
	resend := h.ping(5, 1, true)
	resend.Flags |= protocol.FlagResent
	h.viewerSend(resend)
	assert.Equal(t, []uint32{5}, ackIDs(h.viewerRead("PacketAck")))

	h.viewerSend(h.completePing(6, 1))
	got := h.simRead("CompletePingCheck")
	assert.Equal(t, uint32(6), got.Sequence)
}

func TestProxy_DroppedMessageKeepsItsAcks(t *testing.T) {
	h := newHarness(t, testConfig(), WithHooks(HookFunc(func(_ *Session, _ *Region, m *protocol.Message) Verdict {
		if m.Name == "StartPingCheck" {
			return Drop
		}
		return Forward
	})))

	h.viewerSend(h.completePing(1, 1))
	h.simRead("CompletePingCheck")

	m := h.ping(2, 1, false)
	m.Acks = []uint32{11, 12}
	h.viewerSend(m)
	assert.Equal(t, []uint32{11, 12}, ackIDs(h.simRead("PacketAck")))
}

func TestProxy_InjectionRemapsSequences(t *testing.T) {
	h := newHarness(t, testConfig())

	h.viewerSend(h.ping(1, 1, false))
	require.Equal(t, uint32(1), h.simRead("StartPingCheck").Sequence)
	r := h.region()

	require.NoError(t, r.Inject(protocol.DirectionOut, h.ping(0, 99, false), true))
	injected := h.simRead("StartPingCheck")
	assert.Equal(t, uint32(2), injected.Sequence)
	assert.True(t, injected.Reliable())
	assert.Equal(t, uint8(99), pingID(t, injected))
	assert.Equal(t, 1, r.Far.Unacked())

	h.viewerSend(h.ping(2, 2, false))
	assert.Equal(t, uint32(3), h.simRead("StartPingCheck").Sequence)

	// The simulator acks the injected packet and the relayed one.
	h.simSend(h.packetAck(1, 2, 3))
	assert.Equal(t, []uint32{2}, ackIDs(h.viewerRead("PacketAck")))
	assert.Eventually(t, func() bool { return r.Far.Unacked() == 0 }, time.Second, 5*time.Millisecond)
}

func TestProxy_AckOnlyForInjectedIsConsumed(t *testing.T) {
	h := newHarness(t, testConfig())

	h.viewerSend(h.ping(1, 1, false))
	h.simRead("StartPingCheck")
	r := h.region()
	require.NoError(t, r.Inject(protocol.DirectionOut, h.ping(0, 9, false), true))
	require.Equal(t, uint32(2), h.simRead("StartPingCheck").Sequence)

	h.simSend(h.packetAck(1, 2))
	reply := h.completePing(2, 9)
	reply.Acks = []uint32{2}
	h.simSend(reply)

	got := h.viewerRead("CompletePingCheck")
	assert.Empty(t, got.Acks)
	assert.Equal(t, uint32(2), got.Sequence)
	assert.Equal(t, 0, r.Far.Unacked())
}

func TestProxy_InjectTowardViewer(t *testing.T) {
	h := newHarness(t, testConfig())

	h.viewerSend(h.ping(1, 1, false))
	h.simRead("StartPingCheck")
	h.simSend(h.completePing(1, 1))
	require.Equal(t, uint32(1), h.viewerRead("CompletePingCheck").Sequence)

	r := h.region()
	require.NoError(t, r.Inject(protocol.DirectionIn, h.completePing(0, 50), false))
	got := h.viewerRead("CompletePingCheck")
	assert.Equal(t, uint32(2), got.Sequence)
	assert.Equal(t, uint8(50), pingID(t, got))

	h.simSend(h.completePing(2, 2))
	assert.Equal(t, uint32(3), h.viewerRead("CompletePingCheck").Sequence)
}

func TestProxy_RetransmitsThenAbandons(t *testing.T) {
	conf := testConfig()
	conf.Circuit.RetryInterval = config.Duration(30 * time.Millisecond)
	conf.Circuit.MaxRetries = 2

	abandoned := make(chan circuit.Abandoned, 1)
	h := newHarness(t, conf, WithAbandonHandler(func(_ *Session, _ *Region, a circuit.Abandoned) {
		abandoned <- a
	}))

	h.viewerSend(h.ping(1, 1, false))
	h.simRead("StartPingCheck")
	r := h.region()
	require.NoError(t, r.Inject(protocol.DirectionOut, h.ping(0, 3, false), true))

	first := h.simRead("StartPingCheck")
	assert.False(t, first.Resent())
	for i := 0; i < 2; i++ {
		again := h.simRead("StartPingCheck")
		assert.True(t, again.Resent())
		assert.Equal(t, first.Sequence, again.Sequence)
	}

	select {
	case a := <-abandoned:
		assert.Equal(t, "StartPingCheck", a.Message)
		assert.Equal(t, first.Sequence, a.Sequence)
		assert.ErrorIs(t, a, circuit.ErrRetransmissionExhausted)
	case <-time.After(readTimeout):
		t.Fatal("packet was never abandoned")
	}
	assert.Equal(t, 0, r.Far.Unacked())
}

func TestProxy_UnknownMessagePassesThrough(t *testing.T) {
	h := newHarness(t, testConfig())

	raw := []byte{byte(protocol.FlagReliable), 0, 0, 0, 7, 0, 0xFF, 0xFF, 0xEA, 0x60, 'a', 'b', 'c'}
	h.viewerSendRaw(raw)
	assert.Equal(t, raw, h.simReadRaw())
}

func TestProxy_UnknownMessageFollowsInjections(t *testing.T) {
	h := newHarness(t, testConfig())
	body := []byte{0xFF, 0xFF, 0xEA, 0x60, 'a', 'b', 'c'}
	unknown := func(seq uint32) []byte {
		return append([]byte{0, byte(seq >> 24), byte(seq >> 16), byte(seq >> 8), byte(seq), 0}, body...)
	}
	readUnknown := func() protocol.Header {
		hdr, rest, err := protocol.PeekHeader(h.simReadRaw())
		require.NoError(t, err)
		assert.Equal(t, body, rest)
		return hdr
	}

	h.viewerSend(h.ping(1, 1, false))
	require.Equal(t, uint32(1), h.simRead("StartPingCheck").Sequence)
	r := h.region()

	require.NoError(t, r.Inject(protocol.DirectionOut, h.ping(0, 99, false), false))
	require.Equal(t, uint32(2), h.simRead("StartPingCheck").Sequence)

	h.viewerSendRaw(unknown(2))
	assert.Equal(t, uint32(3), readUnknown().Sequence, "unknown packet is shifted past the injection")

	h.viewerSendRaw(unknown(3))
	assert.Equal(t, uint32(4), readUnknown().Sequence)
	require.NoError(t, r.Inject(protocol.DirectionOut, h.ping(0, 98, false), false))
	assert.Equal(t, uint32(5), h.simRead("StartPingCheck").Sequence, "injection follows the unknown packet")
}

func TestProxy_UnknownMessageAcksTranslated(t *testing.T) {
	h := newHarness(t, testConfig())

	h.viewerSend(h.ping(1, 1, false))
	h.simRead("StartPingCheck")
	h.simSend(h.completePing(1, 1))
	require.Equal(t, uint32(1), h.viewerRead("CompletePingCheck").Sequence)
	r := h.region()
	require.NoError(t, r.Inject(protocol.DirectionIn, h.completePing(0, 50), true))
	require.Equal(t, uint32(2), h.viewerRead("CompletePingCheck").Sequence)
	h.simSend(h.completePing(2, 2))
	require.Equal(t, uint32(3), h.viewerRead("CompletePingCheck").Sequence)

	// The viewer acks the injected packet and the relayed one on a packet
	// the schema does not describe.
	raw := []byte{byte(protocol.FlagAcks), 0, 0, 0, 2, 0, 0xFF, 0xFF, 0xEA, 0x60, 'x'}
	raw = binary.LittleEndian.AppendUint32(raw, 2)
	raw = binary.LittleEndian.AppendUint32(raw, 3)
	h.viewerSendRaw(append(raw, 2))

	hdr, body, err := protocol.PeekHeader(h.simReadRaw())
	require.NoError(t, err)
	assert.Equal(t, uint32(2), hdr.Sequence)
	assert.Equal(t, []uint32{2}, hdr.Acks)
	assert.Equal(t, []byte{0xFF, 0xFF, 0xEA, 0x60, 'x'}, body)
	assert.Eventually(t, func() bool { return r.Near.Unacked() == 0 }, time.Second, 5*time.Millisecond)
}

func TestProxy_TrustedMessageFromViewerDropped(t *testing.T) {
	h := newHarness(t, testConfig())

	kill := h.message("KillObject", 1, true)
	h.viewerSend(kill)
	assert.Equal(t, []uint32{1}, ackIDs(h.viewerRead("PacketAck")), "the proxy acks what it drops")

	h.viewerSend(h.ping(2, 1, false))
	got := h.simRead("StartPingCheck")
	assert.Equal(t, uint32(2), got.Sequence)

	h.simSend(h.message("KillObject", 1, false))
	assert.Equal(t, "KillObject", h.viewerRead("KillObject").Name, "the simulator side is trusted")
}

func TestProxy_UnknownMessageDropped(t *testing.T) {
	conf := testConfig()
	conf.Proxy.DropUnknown = true
	h := newHarness(t, conf)

	h.viewerSendRaw([]byte{0, 0, 0, 0, 7, 0, 0xFF, 0xFF, 0xEA, 0x60})
	h.viewerSend(h.ping(8, 1, false))
	m, err := h.codec.Deserialize(h.simReadRaw(), protocol.DirectionOut)
	require.NoError(t, err)
	assert.Equal(t, "StartPingCheck", m.Name)
}

func TestProxy_WaitFor(t *testing.T) {
	h := newHarness(t, testConfig())
	h.viewerSend(h.ping(1, 1, false))
	h.simRead("StartPingCheck")
	s := h.session()

	type result struct {
		m   *protocol.Message
		err error
	}
	res := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), readTimeout)
		defer cancel()
		m, err := s.WaitFor(ctx, func(m *protocol.Message) bool { return m.Name == "CompletePingCheck" })
		res <- result{m, err}
	}()
	require.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return len(s.waiters) == 1
	}, time.Second, 5*time.Millisecond)

	h.simSend(h.completePing(1, 77))
	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, uint8(77), pingID(t, r.m))
	assert.Equal(t, protocol.DirectionIn, r.m.Direction)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.WaitFor(ctx, func(*protocol.Message) bool { return false })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProxy_CloseCircuitRemovesRegion(t *testing.T) {
	h := newHarness(t, testConfig())
	h.viewerSend(h.ping(1, 1, false))
	h.simRead("StartPingCheck")
	s := h.session()
	r := h.region()

	h.viewerSend(h.message("CloseCircuit", 2, false))
	h.simRead("CloseCircuit")
	assert.Eventually(t, func() bool {
		_, ok := s.Region(h.simAddr)
		return !ok
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, circuit.StateDead, r.Far.State())
	_, ok := h.p.Registry().Lookup(h.viewerAddr, h.simAddr)
	assert.False(t, ok)
}

type memRecorder struct {
	mu      sync.Mutex
	records []recorded
}

type recorded struct {
	src, dst netip.AddrPort
	payload  []byte
}

func (m *memRecorder) WriteDatagram(src, dst netip.AddrPort, payload []byte, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, recorded{src, dst, append([]byte(nil), payload...)})
	return nil
}

func (m *memRecorder) snapshot() []recorded {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]recorded(nil), m.records...)
}

func TestProxy_RecordsSentDatagrams(t *testing.T) {
	rec := &memRecorder{}
	h := newHarness(t, testConfig(), WithRecorder(rec))

	h.viewerSend(h.ping(1, 1, false))
	out := h.simReadRaw()
	h.simSend(h.completePing(1, 1))
	h.viewerRead("CompletePingCheck")

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	records := rec.snapshot()
	assert.Equal(t, recorded{h.viewerAddr, h.simAddr, out}, records[0])
	assert.Equal(t, h.simAddr, records[1].src)
	assert.Equal(t, h.viewerAddr, records[1].dst)
}

func TestProxy_PanickingHookForwards(t *testing.T) {
	h := newHarness(t, testConfig(), WithHooks(HookFunc(func(*Session, *Region, *protocol.Message) Verdict {
		panic("boom")
	})))
	h.viewerSend(h.ping(1, 4, false))
	assert.Equal(t, uint8(4), pingID(t, h.simRead("StartPingCheck")))
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	conf := testConfig()
	conf.Socks.AllowedNetworks = []string{"not-a-cidr"}
	_, err := New(conf, template.MustDefault())
	assert.Error(t, err)
}
