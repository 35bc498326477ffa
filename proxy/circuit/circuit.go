package circuit

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/Mmx233/llproxy/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// MaxAcksPerPacketAck is how many IDs go in one PacketAck message.
	MaxAcksPerPacketAck = 250
	// MaxPiggybackAcks is how many acks fit behind a single packet.
	MaxPiggybackAcks = protocol.MaxAppendedAcks

	maxInjections = 4096
	seenWindow    = 4096
	abandonedKeep = 128
)

var (
	ErrCircuitClosed           = errors.New("circuit closed")
	ErrRetransmissionExhausted = errors.New("retransmission exhausted")
)

type State int32

const (
	StatePending State = iota
	StateOpen
	StateDead
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateOpen:
		return "open"
	default:
		return "dead"
	}
}

// Side names the peer a circuit talks to.
type Side uint8

const (
	SideClient Side = iota
	SideSimulator
)

func (s Side) String() string {
	if s == SideSimulator {
		return "simulator"
	}
	return "client"
}

// Key identifies a circuit within a session.
type Key struct {
	Client netip.AddrPort
	Sim    netip.AddrPort
	Side   Side
}

func (k Key) String() string {
	return fmt.Sprintf("%s<->%s/%s", k.Client, k.Sim, k.Side)
}

// Abandoned describes a reliable packet that ran out of retries.
type Abandoned struct {
	Key      Key
	Sequence uint32
	Message  string
	Attempts int
	At       time.Time
}

func (a Abandoned) Error() string {
	return fmt.Sprintf("%s: seq %d (%s) after %d attempts", ErrRetransmissionExhausted, a.Sequence, a.Message, a.Attempts)
}

func (a Abandoned) Unwrap() error {
	return ErrRetransmissionExhausted
}

type Options struct {
	RetryInterval time.Duration
	MaxRetries    int
	// OnAbandon is called without the circuit lock held.
	OnAbandon func(Abandoned)
	Now       func() time.Time
	Logger    *zerolog.Logger
	// Trusted marks a circuit whose peer may send messages the schema
	// flags as Trusted.
	Trusted bool
}

type unacked struct {
	seq      uint32
	message  string
	data     []byte
	sentAt   time.Time
	attempts int
}

type injection struct {
	afterOrig uint32
	fwd       uint32
}

// Circuit is the reliability state for the stream the proxy sends to one
// peer, plus the acks the proxy owes that peer.
//
// Packets relayed from the other side keep their original numbering shifted
// by the number of packets the proxy injected before them, so the peer sees
// one contiguous stream. Acks coming back are mapped the other way.
type Circuit struct {
	Key Key

	mu    sync.Mutex
	opts  Options
	log   zerolog.Logger
	state State

	lastOrig  uint32
	base      uint32 // injections pruned from the list below
	injected  []injection
	injectFwd map[uint32]struct{}

	unacked   map[uint32]*unacked
	abandoned []Abandoned

	pendingAcks []uint32
	seen        map[uint32]bool // inbound seq -> proxy owns the ack
	seenOrder   []uint32
}

func New(key Key, opts Options) *Circuit {
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 2 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Circuit{
		Key:       key,
		opts:      opts,
		log:       logger.With().Str("com", "circuit").Stringer("circuit", key).Logger(),
		injectFwd: make(map[uint32]struct{}),
		unacked:   make(map[uint32]*unacked),
		seen:      make(map[uint32]bool),
	}
}

// Trusted reports whether messages flagged Trusted are accepted from the
// peer of this circuit.
func (c *Circuit) Trusted() bool {
	return c.opts.Trusted
}

func (c *Circuit) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open moves a pending circuit to open. It has no effect on a dead one.
func (c *Circuit) Open() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StatePending {
		c.state = StateOpen
	}
}

// Close marks the circuit dead and drops everything waiting on it.
func (c *Circuit) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDead
	c.unacked = make(map[uint32]*unacked)
	c.pendingAcks = nil
}

// NextOutboundSequence allocates a sequence number for a packet the proxy
// originates. On a fresh circuit it yields 1, 2, 3, ...
func (c *Circuit) NextOutboundSequence() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := c.peekInjectSeq()
	c.commitInjection(seq)
	return seq
}

func (c *Circuit) peekInjectSeq() uint32 {
	return c.lastOrig + c.base + uint32(len(c.injected)) + 1
}

func (c *Circuit) commitInjection(seq uint32) {
	c.injected = append(c.injected, injection{afterOrig: c.lastOrig, fwd: seq})
	c.injectFwd[seq] = struct{}{}
	if len(c.injected) > maxInjections {
		drop := len(c.injected) / 2
		for _, inj := range c.injected[:drop] {
			delete(c.injectFwd, inj.fwd)
		}
		c.injected = append([]injection(nil), c.injected[drop:]...)
		c.base += uint32(drop)
	}
}

// ForwardSequence maps a relayed packet's original sequence number onto
// this circuit's stream. Original numbers are compared as plain integers, so
// the mapping is only exact until the sender's sequence wraps past 2^32.
func (c *Circuit) ForwardSequence(orig uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forwardSeq(orig)
}

func (c *Circuit) forwardSeq(orig uint32) uint32 {
	n := sort.Search(len(c.injected), func(i int) bool { return c.injected[i].afterOrig >= orig })
	return orig + c.base + uint32(n)
}

// ResolveAck maps an ack received from the peer back to the sequence number
// the original sender used. injected reports an ack for a packet the proxy
// sent itself, which must not be relayed.
func (c *Circuit) ResolveAck(seq uint32) (orig uint32, injected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.injectFwd[seq]; ok {
		return seq, true
	}
	n := sort.Search(len(c.injected), func(i int) bool { return c.injected[i].fwd >= seq })
	return seq - c.base - uint32(n), false
}

// NoteReliableSent records a packet for retransmission until it is acked.
func (c *Circuit) NoteReliableSent(seq uint32, message string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noteReliable(seq, message, data)
}

func (c *Circuit) noteReliable(seq uint32, message string, data []byte) {
	if c.state == StateDead {
		return
	}
	c.unacked[seq] = &unacked{seq: seq, message: message, data: append([]byte(nil), data...), sentAt: c.opts.Now()}
}

// NoteAckReceived clears a packet from the retransmission set. Unknown
// sequence numbers are ignored.
func (c *Circuit) NoteAckReceived(seq uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.unacked, seq)
}

// NoteInbound records a packet received from the peer and reports whether
// the sequence number was seen before. reliable means the proxy itself must
// acknowledge the packet; duplicates of such packets are acknowledged again.
func (c *Circuit) NoteInbound(seq uint32, reliable bool) (dup bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StatePending {
		c.state = StateOpen
	}
	owned, dup := c.seen[seq]
	if !dup {
		c.seenOrder = append(c.seenOrder, seq)
		if len(c.seenOrder) > seenWindow {
			delete(c.seen, c.seenOrder[0])
			c.seenOrder = c.seenOrder[1:]
		}
	}
	owned = owned || reliable
	c.seen[seq] = owned
	if owned && c.state != StateDead {
		c.pendingAcks = append(c.pendingAcks, seq)
	}
	return dup
}

// QueueAcks queues acks owed to the peer that arrived on a packet from the
// other side which is not being relayed.
func (c *Circuit) QueueAcks(seqs ...uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDead {
		return
	}
	c.pendingAcks = append(c.pendingAcks, seqs...)
}

// Owned reports whether the proxy took over acknowledging seq.
func (c *Circuit) Owned(seq uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seen[seq]
}

func (c *Circuit) PendingAckCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingAcks)
}

// TakeAcks removes and returns up to max queued acks, oldest first.
func (c *Circuit) TakeAcks(max int) []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.takeAcks(max)
}

func (c *Circuit) takeAcks(max int) []uint32 {
	n := min(max, len(c.pendingAcks))
	if n <= 0 {
		return nil
	}
	out := append([]uint32(nil), c.pendingAcks[:n]...)
	c.pendingAcks = c.pendingAcks[n:]
	if len(c.pendingAcks) == 0 {
		c.pendingAcks = nil
	}
	return out
}

// Send serializes a message the proxy originates. The sequence number,
// reliable flag and piggybacked acks are filled in; circuit state is only
// updated when serialization succeeds.
func (c *Circuit) Send(codec *protocol.Codec, msg *protocol.Message, reliable bool) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDead {
		return nil, ErrCircuitClosed
	}
	seq := c.peekInjectSeq()
	msg.Sequence = seq
	msg.SetReliable(reliable)
	data, nAcks, err := c.serialize(codec, msg)
	if err != nil {
		return nil, err
	}
	c.commitInjection(seq)
	c.takeAcks(nAcks)
	if reliable {
		c.noteReliable(seq, msg.Name, data)
	}
	return data, nil
}

// Forward serializes a message relayed from the other side. msg.Sequence
// holds the original sequence number and is rewritten onto this stream;
// msg.Acks must already be translated. Queued acks are piggybacked.
func (c *Circuit) Forward(codec *protocol.Codec, msg *protocol.Message) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDead {
		return nil, ErrCircuitClosed
	}
	orig := msg.Sequence
	msg.Sequence = c.forwardSeq(orig)
	data, nAcks, err := c.serialize(codec, msg)
	msg.Sequence = orig
	if err != nil {
		return nil, err
	}
	c.takeAcks(nAcks)
	c.advance(orig)
	return data, nil
}

// ForwardRaw renumbers a relayed packet the schema does not describe. Only
// the header is rewritten: h.Sequence is mapped like Forward does, h.Acks
// must already be translated and queued acks are appended after them. body
// is copied verbatim.
func (c *Circuit) ForwardRaw(h protocol.Header, body []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDead {
		return nil, ErrCircuitClosed
	}
	orig := h.Sequence
	h.Sequence = c.forwardSeq(orig)
	own := min(len(c.pendingAcks), MaxPiggybackAcks-len(h.Acks))
	if own > 0 {
		h.Acks = append(append(make([]uint32, 0, len(h.Acks)+own), h.Acks...), c.pendingAcks[:own]...)
	} else {
		own = 0
	}
	data, err := protocol.Repack(h, body)
	if err != nil {
		return nil, err
	}
	c.takeAcks(own)
	c.advance(orig)
	return data, nil
}

func (c *Circuit) advance(orig uint32) {
	if orig > c.lastOrig {
		c.lastOrig = orig
	}
}

// serialize appends queued acks to msg for the duration of the encode and
// reports how many of them made it in.
func (c *Circuit) serialize(codec *protocol.Codec, msg *protocol.Message) ([]byte, int, error) {
	own := 0
	if msg.Name != "PacketAck" {
		own = min(len(c.pendingAcks), MaxPiggybackAcks-len(msg.Acks))
	}
	if own <= 0 {
		data, err := codec.Serialize(msg)
		return data, 0, err
	}
	prev := msg.Acks
	msg.Acks = append(append(make([]uint32, 0, len(prev)+own), prev...), c.pendingAcks[:own]...)
	data, err := codec.Serialize(msg)
	msg.Acks = prev
	return data, own, err
}

// FlushAcks packs every queued ack into PacketAck messages of at most
// MaxAcksPerPacketAck IDs each.
func (c *Circuit) FlushAcks(codec *protocol.Codec) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDead {
		return nil, ErrCircuitClosed
	}
	var out [][]byte
	for len(c.pendingAcks) > 0 {
		msg, err := codec.NewMessage("PacketAck")
		if err != nil {
			return out, err
		}
		n := min(len(c.pendingAcks), MaxAcksPerPacketAck)
		for _, id := range c.pendingAcks[:n] {
			if err := msg.AddBlock(protocol.NewBlock("Packets").Set("ID", id)); err != nil {
				return out, err
			}
		}
		seq := c.peekInjectSeq()
		msg.Sequence = seq
		data, err := codec.Serialize(msg)
		if err != nil {
			return out, err
		}
		c.commitInjection(seq)
		c.takeAcks(n)
		out = append(out, data)
	}
	return out, nil
}

// Retransmit returns copies of reliable packets whose retry interval has
// elapsed, with the resent flag set. Packets out of retries are abandoned
// and reported through OnAbandon.
func (c *Circuit) Retransmit(now time.Time) [][]byte {
	c.mu.Lock()
	if c.state == StateDead {
		c.mu.Unlock()
		return nil
	}
	var (
		resend [][]byte
		gone   []Abandoned
	)
	for seq, p := range c.unacked {
		if now.Sub(p.sentAt) < c.opts.RetryInterval {
			continue
		}
		if p.attempts >= c.opts.MaxRetries {
			delete(c.unacked, seq)
			a := Abandoned{Key: c.Key, Sequence: seq, Message: p.message, Attempts: p.attempts, At: now}
			c.abandoned = append(c.abandoned, a)
			if len(c.abandoned) > abandonedKeep {
				c.abandoned = c.abandoned[len(c.abandoned)-abandonedKeep:]
			}
			gone = append(gone, a)
			continue
		}
		p.attempts++
		p.sentAt = now
		p.data[0] |= byte(protocol.FlagResent)
		resend = append(resend, append([]byte(nil), p.data...))
	}
	c.mu.Unlock()

	for _, a := range gone {
		c.log.Warn().Uint32("seq", a.Sequence).Str("message", a.Message).Int("attempts", a.Attempts).
			Msg("reliable packet abandoned")
		if c.opts.OnAbandon != nil {
			c.opts.OnAbandon(a)
		}
	}
	return resend
}

// Unacked returns the number of reliable packets awaiting an ack.
func (c *Circuit) Unacked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.unacked)
}

// Abandoned returns the most recently abandoned packets.
func (c *Circuit) Abandoned() []Abandoned {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Abandoned(nil), c.abandoned...)
}
