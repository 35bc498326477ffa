package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/Mmx233/llproxy/protocol/template"
)

// Packet layout:
//
//	[flags:u8][sequence:u32 BE][extra_len:u8][extra][body][acks:u32 LE * n][n:u8]
//
// body is [message number][blocks] and is zero-coded when the flag says so.
// Appended acks are never zero-coded.
const (
	PacketHeaderSize = 6
	// MaxAppendedAcks is the most acks that fit the trailing count byte.
	MaxAppendedAcks = 255
)

// Header is the fixed part of a packet plus its appended acks.
type Header struct {
	Flags    PacketFlags
	Sequence uint32
	Extra    []byte
	Acks     []uint32
}

// PeekHeader parses the packet header and strips appended acks. The
// returned body still carries any zero-coding.
func PeekHeader(data []byte) (Header, []byte, error) {
	var h Header
	if len(data) < PacketHeaderSize {
		return h, nil, decodeErr("", "", "", len(data), ErrTruncated)
	}
	h.Flags = PacketFlags(data[0])
	h.Sequence = binary.BigEndian.Uint32(data[1:5])
	extraLen := int(data[5])
	if len(data) < PacketHeaderSize+extraLen {
		return h, nil, decodeErr("", "", "", len(data), ErrTruncated)
	}
	if extraLen > 0 {
		h.Extra = append([]byte(nil), data[PacketHeaderSize:PacketHeaderSize+extraLen]...)
	}
	body := data[PacketHeaderSize+extraLen:]
	if !h.Flags.Has(FlagAcks) {
		return h, body, nil
	}
	if len(body) < 1 {
		return h, nil, decodeErr("", "", "", len(data), ErrBadAcks)
	}
	n := int(body[len(body)-1])
	need := n*4 + 1
	if len(body) < need {
		return h, nil, decodeErr("", "", "", len(data)-len(body), ErrBadAcks)
	}
	ackBytes := body[len(body)-need : len(body)-1]
	h.Acks = make([]uint32, n)
	for i := range h.Acks {
		h.Acks[i] = binary.LittleEndian.Uint32(ackBytes[i*4:])
	}
	return h, body[:len(body)-need], nil
}

// Codec serializes and deserializes messages for one schema. It holds no
// mutable state and is safe for concurrent use.
type Codec struct {
	schema *template.Schema
}

func NewCodec(schema *template.Schema) *Codec {
	return &Codec{schema: schema}
}

func (c *Codec) Schema() *template.Schema {
	return c.schema
}

// NewMessage creates an empty message by template name.
func (c *Codec) NewMessage(name string) (*Message, error) {
	t, ok := c.schema.ByName(name)
	if !ok {
		return nil, fmt.Errorf("no template for message %q", name)
	}
	return NewMessage(t), nil
}

// Deserialize parses one datagram. A packet whose message number is not in
// the schema yields *UnknownMessageError; any other parse failure is a
// *DecodeError.
func (c *Codec) Deserialize(data []byte, dir Direction) (*Message, error) {
	h, body, err := PeekHeader(data)
	if err != nil {
		return nil, err
	}
	if h.Flags.Has(FlagZeroCoded) {
		expanded, err := ZeroDecode(make([]byte, 0, len(body)*2), body)
		if err != nil {
			return nil, decodeErr("", "", "", len(expanded), err)
		}
		body = expanded
	}
	id, n, err := template.ReadHeader(body)
	if err != nil {
		return nil, decodeErr("", "", "", 0, ErrTruncated)
	}
	t, ok := c.schema.ByWireID(id.Frequency, id.Number)
	if !ok {
		return nil, &UnknownMessageError{ID: id, Header: h}
	}

	m := NewMessage(t)
	m.Direction = dir
	m.Flags = h.Flags &^ FlagAcks
	m.Sequence = h.Sequence
	m.ExtraHeader = h.Extra
	m.Acks = h.Acks

	r := &reader{buf: body, off: n}
	for i, bt := range t.Blocks {
		count := bt.Count
		switch bt.Kind {
		case template.BlockSingle:
			count = 1
		case template.BlockVariable:
			n8, err := r.u8()
			if err != nil {
				return nil, decodeErr(t.Name, bt.Name, "", r.off, err)
			}
			count = int(n8)
		}
		if count > 0 {
			m.blocks[i] = make([]*Block, 0, count)
		}
		for k := 0; k < count; k++ {
			b := &Block{Name: bt.Name, Template: bt, owner: m, vars: make([]*Variable, len(bt.Fields))}
			for fi, f := range bt.Fields {
				off := r.off
				val, err := readValue(r, f)
				if err != nil {
					return nil, decodeErr(t.Name, bt.Name, f.Name, off, err)
				}
				v := &Variable{Name: f.Name, Field: f}
				if codec := unionFor(t.Name, bt.Name, f.Name); codec != nil {
					v.cell = &lazyCell{codec: codec, raw: val.([]byte)}
				} else {
					v.value = val
				}
				b.vars[fi] = v
			}
			m.blocks[i] = append(m.blocks[i], b)
		}
	}
	if r.remaining() > 0 {
		m.Trailer = append([]byte(nil), body[r.off:]...)
	}
	return m, nil
}

// Serialize encodes a message into a datagram. The has-acks flag is derived
// from m.Acks; every other flag is taken from m.Flags.
func (c *Codec) Serialize(m *Message) ([]byte, error) {
	t := m.Template
	if t == nil {
		return nil, encodeErr(m.Name, "", "", fmt.Errorf("message has no template"))
	}
	if len(m.Acks) > MaxAppendedAcks {
		return nil, encodeErr(t.Name, "", "", fmt.Errorf("%w: %d", ErrTooManyAcks, len(m.Acks)))
	}
	if len(m.ExtraHeader) > 255 {
		return nil, encodeErr(t.Name, "", "", fmt.Errorf("%w: extra header of %d bytes", ErrSizeMismatch, len(m.ExtraHeader)))
	}

	body := GetBufferWithSize(m.SizeHint())
	defer PutBuffer(body)
	body.Write(t.AppendHeader(body.AvailableBuffer()))
	for i, bt := range t.Blocks {
		bs := m.blocks[i]
		switch bt.Kind {
		case template.BlockSingle:
			if len(bs) != 1 {
				return nil, encodeErr(t.Name, bt.Name, "", fmt.Errorf("%w: have %d, want 1", ErrBlockCount, len(bs)))
			}
		case template.BlockMultiple:
			if len(bs) != bt.Count {
				return nil, encodeErr(t.Name, bt.Name, "", fmt.Errorf("%w: have %d, want %d", ErrBlockCount, len(bs), bt.Count))
			}
		case template.BlockVariable:
			if len(bs) > 255 {
				return nil, encodeErr(t.Name, bt.Name, "", fmt.Errorf("%w: %d instances", ErrBlockCount, len(bs)))
			}
			body.WriteByte(byte(len(bs)))
		}
		for _, b := range bs {
			if b.err != nil {
				return nil, encodeErr(t.Name, bt.Name, "", b.err)
			}
			for fi, f := range bt.Fields {
				v := b.vars[fi]
				if v == nil {
					return nil, encodeErr(t.Name, bt.Name, f.Name, ErrMissingVariable)
				}
				val, err := fieldValue(b, v)
				if err != nil {
					return nil, encodeErr(t.Name, bt.Name, f.Name, err)
				}
				out, err := appendValue(body.AvailableBuffer(), f, val)
				if err != nil {
					return nil, encodeErr(t.Name, bt.Name, f.Name, err)
				}
				body.Write(out)
			}
		}
	}
	body.Write(m.Trailer)

	payload := body.Bytes()
	out := make([]byte, 0, PacketHeaderSize+len(m.ExtraHeader)+len(payload)+len(m.Acks)*4+1)
	out = appendPacketHeader(out, m.Flags, m.Sequence, m.ExtraHeader, len(m.Acks) > 0)
	if m.Flags.Has(FlagZeroCoded) {
		out = ZeroEncode(out, payload)
	} else {
		out = append(out, payload...)
	}
	return appendAcks(out, m.Acks), nil
}

// Repack rebuilds a datagram from a header and the body PeekHeader returned
// with it. The body is copied verbatim, zero-coding included, so packets the
// schema does not describe can be renumbered without being decoded.
func Repack(h Header, body []byte) ([]byte, error) {
	if len(h.Acks) > MaxAppendedAcks {
		return nil, fmt.Errorf("%w: %d", ErrTooManyAcks, len(h.Acks))
	}
	if len(h.Extra) > 255 {
		return nil, fmt.Errorf("%w: extra header of %d bytes", ErrSizeMismatch, len(h.Extra))
	}
	out := make([]byte, 0, PacketHeaderSize+len(h.Extra)+len(body)+len(h.Acks)*4+1)
	out = appendPacketHeader(out, h.Flags, h.Sequence, h.Extra, len(h.Acks) > 0)
	out = append(out, body...)
	return appendAcks(out, h.Acks), nil
}

func appendPacketHeader(dst []byte, flags PacketFlags, seq uint32, extra []byte, acks bool) []byte {
	flags &^= FlagAcks
	if acks {
		flags |= FlagAcks
	}
	dst = append(dst, byte(flags))
	dst = binary.BigEndian.AppendUint32(dst, seq)
	dst = append(dst, byte(len(extra)))
	return append(dst, extra...)
}

func appendAcks(dst []byte, acks []uint32) []byte {
	if len(acks) == 0 {
		return dst
	}
	for _, a := range acks {
		dst = binary.LittleEndian.AppendUint32(dst, a)
	}
	return append(dst, byte(len(acks)))
}

func fieldValue(b *Block, v *Variable) (any, error) {
	if v.cell != nil {
		raw, err := v.cell.bytes(b)
		if err != nil {
			return nil, err
		}
		if err := checkByteSize(v.Field, len(raw)); err != nil {
			return nil, err
		}
		return raw, nil
	}
	return Coerce(v.Field, v.value)
}
