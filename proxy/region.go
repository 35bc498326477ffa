package proxy

import (
	"net/netip"
	"time"

	"github.com/Mmx233/llproxy/protocol"
	"github.com/Mmx233/llproxy/proxy/circuit"
)

// Region is one simulator a session talks to. Near carries the stream the
// proxy sends to the viewer, Far the stream it sends to the simulator. Only
// the simulator side is trusted.
type Region struct {
	Addr   netip.AddrPort // simulator
	Client netip.AddrPort // viewer, as seen by the relay

	Near *circuit.Circuit
	Far  *circuit.Circuit

	session *Session
}

func newRegion(s *Session, client, sim netip.AddrPort) *Region {
	r := &Region{Addr: sim, Client: client, session: s}
	r.Near = circuit.New(circuit.Key{Client: client, Sim: sim, Side: circuit.SideClient}, s.circuitOptions(r, false))
	r.Far = circuit.New(circuit.Key{Client: client, Sim: sim, Side: circuit.SideSimulator}, s.circuitOptions(r, true))
	return r
}

func (r *Region) Session() *Session {
	return r.session
}

// Handle pairs the region with its session.
func (r *Region) Handle() RegionHandle {
	return RegionHandle{Session: r.session, Region: r}
}

// circuits returns the circuit whose peer sent a packet travelling in dir
// and the circuit that relays it onward.
func (r *Region) circuits(dir protocol.Direction) (from, to *circuit.Circuit) {
	if dir == protocol.DirectionOut {
		return r.Near, r.Far
	}
	return r.Far, r.Near
}

// Inject sends a message the proxy originates. DirectionOut goes to the
// simulator, DirectionIn to the viewer. Reliable messages are resent until
// acked.
func (r *Region) Inject(dir protocol.Direction, msg *protocol.Message, reliable bool) error {
	_, to := r.circuits(dir)
	msg.Direction = dir
	data, err := to.Send(r.session.proxy.codec, msg, reliable)
	if err != nil {
		return err
	}
	r.session.logger.Debug().Stringer("region", r.Addr).Stringer("dir", dir).Str("message", msg.Name).
		Uint32("seq", msg.Sequence).Bool("reliable", reliable).Msg("injected message")
	return r.session.send(r, dir, data)
}

// tick flushes owed acks and resends overdue injected packets on both
// circuits. State is read fresh under each circuit's lock.
func (r *Region) tick(now time.Time) {
	r.flush(r.Near, protocol.DirectionIn, now)
	r.flush(r.Far, protocol.DirectionOut, now)
}

func (r *Region) flush(c *circuit.Circuit, dir protocol.Direction, now time.Time) {
	if c.State() == circuit.StateDead {
		return
	}
	var packets [][]byte
	if c.PendingAckCount() > 0 {
		acks, err := c.FlushAcks(r.session.proxy.codec)
		if err != nil {
			r.session.logger.Warn().Err(err).Stringer("circuit", c.Key).Msg("flush acks failed")
		}
		packets = append(packets, acks...)
	}
	packets = append(packets, c.Retransmit(now)...)
	for _, p := range packets {
		if err := r.session.send(r, dir, p); err != nil {
			r.session.logger.Debug().Err(err).Stringer("circuit", c.Key).Msg("send failed")
		}
	}
}

func (r *Region) close() {
	r.Near.Close()
	r.Far.Close()
}
