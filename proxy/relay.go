package proxy

import (
	"errors"
	"net/netip"

	"github.com/Mmx233/llproxy/protocol"
	"github.com/Mmx233/llproxy/protocol/template"
	"github.com/Mmx233/llproxy/proxy/circuit"
)

// relay decodes one datagram, runs hooks over it and sends it on with its
// sequence number and acks mapped onto the receiving stream.
func (s *Session) relay(dir protocol.Direction, far netip.AddrPort, payload []byte) {
	r, err := s.regionFor(far)
	if err != nil {
		return
	}
	from, to := r.circuits(dir)
	logger := s.logger.With().Stringer("region", far).Stringer("dir", dir).Logger()

	msg, err := s.proxy.codec.Deserialize(payload, dir)
	if err != nil {
		var unknown *protocol.UnknownMessageError
		if errors.As(err, &unknown) && !s.proxy.config.Proxy.DropUnknown {
			logger.Debug().Stringer("id", unknown.ID).Uint32("seq", unknown.Header.Sequence).
				Msg("relaying unknown message")
			s.relayRaw(r, dir, from, to, payload)
			return
		}
		logger.Debug().Err(err).Int("size", len(payload)).Msg("dropped undecodable packet")
		return
	}
	seq := msg.Sequence

	if from.NoteInbound(seq, false) && from.Owned(seq) {
		logger.Trace().Uint32("seq", seq).Str("message", msg.Name).Msg("duplicate of a packet the proxy acknowledged")
		return
	}

	msg.Acks = resolveAcks(from, msg.Acks)
	if msg.Name == "PacketAck" && !rewritePacketAck(from, msg) {
		return
	}

	if msg.Template.Trust == template.Trusted && !from.Trusted() {
		logger.Warn().Uint32("seq", seq).Str("message", msg.Name).Msg("trusted message from untrusted side dropped")
		s.swallow(from, to, msg, seq)
		return
	}

	if s.proxy.config.Proxy.LogMessages {
		logger.Trace().Uint32("seq", seq).Str("flags", msg.Flags.String()).Msg(msg.String())
	}

	verdict := s.proxy.runHooks(s, r, msg)
	s.notifyWaiters(msg)
	if verdict == Drop {
		logger.Debug().Uint32("seq", seq).Str("message", msg.Name).Msg("message dropped by hook")
		s.swallow(from, to, msg, seq)
		return
	}

	data, err := to.Forward(s.proxy.codec, msg)
	if err != nil {
		logger.Warn().Err(err).Uint32("seq", seq).Str("message", msg.Name).Msg("re-encode failed, message dropped")
		s.swallow(from, to, msg, seq)
		return
	}
	if err := s.send(r, dir, data); err != nil {
		logger.Debug().Err(err).Msg("send failed")
	}

	if msg.Name == "CloseCircuit" {
		s.removeRegion(r)
	}
}

// relayRaw sends on a packet the schema does not describe. The header is
// renumbered onto the receiving stream and its acks translated; the body
// goes out as it came in. The sender's circuit does not record the packet.
func (s *Session) relayRaw(r *Region, dir protocol.Direction, from, to *circuit.Circuit, payload []byte) {
	h, body, err := protocol.PeekHeader(payload)
	if err != nil {
		return
	}
	h.Acks = resolveAcks(from, h.Acks)
	data, err := to.ForwardRaw(h, body)
	if err != nil {
		s.logger.Debug().Err(err).Stringer("region", r.Addr).Msg("unknown message dropped")
		return
	}
	if err := s.send(r, dir, data); err != nil {
		s.logger.Debug().Err(err).Msg("send failed")
	}
}

// swallow takes over the obligations of a message that is not relayed: the
// sender gets its ack from the proxy and the acks it carried still reach
// the receiver.
func (s *Session) swallow(from, to *circuit.Circuit, msg *protocol.Message, seq uint32) {
	if msg.Reliable() {
		from.NoteInbound(seq, true)
	}
	if len(msg.Acks) > 0 {
		to.QueueAcks(msg.Acks...)
	}
}

// resolveAcks maps acks received from the peer of from back to the
// numbering of the original sender. Acks for packets the proxy injected are
// consumed.
func resolveAcks(from *circuit.Circuit, acks []uint32) []uint32 {
	if len(acks) == 0 {
		return acks
	}
	out := acks[:0]
	for _, a := range acks {
		orig, injected := from.ResolveAck(a)
		if injected {
			from.NoteAckReceived(a)
			continue
		}
		out = append(out, orig)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// rewritePacketAck applies resolveAcks to the IDs of a PacketAck message.
// It reports false when nothing is left to relay.
func rewritePacketAck(from *circuit.Circuit, msg *protocol.Message) bool {
	blocks := msg.Blocks("Packets")
	ids := make([]uint32, 0, len(blocks))
	for _, b := range blocks {
		ids = append(ids, b.Uint32("ID"))
	}
	ids = resolveAcks(from, ids)
	if len(ids) == 0 && len(msg.Acks) == 0 {
		return false
	}
	msg.ClearBlocks("Packets")
	for _, id := range ids {
		if err := msg.AddBlock(protocol.NewBlock("Packets").Set("ID", id)); err != nil {
			return false
		}
	}
	return true
}
