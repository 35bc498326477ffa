package protocol

import (
	"fmt"
	"strings"

	"github.com/Mmx233/llproxy/protocol/template"
)

// Variable is one named value inside a block.
type Variable struct {
	Name string
	// Field is nil until the owning block is attached to a message.
	Field *template.Field

	value any
	cell  *lazyCell // tagged-union fields only
}

// Value returns the stored value. A tagged-union field yields its
// structured form when one has been materialized or set, raw bytes
// otherwise.
func (v *Variable) Value() any {
	if v.cell == nil {
		return v.value
	}
	if v.cell.state != cellRaw {
		return v.cell.decoded
	}
	return v.cell.raw
}

func (v *Variable) clone() *Variable {
	c := &Variable{Name: v.Name, Field: v.Field, value: cloneValue(v.value)}
	if v.cell != nil {
		cell := *v.cell
		cell.raw = cloneValue(cell.raw).([]byte)
		if cell.state == cellDecoded {
			cell.decoded, cell.state = nil, cellRaw
		}
		c.cell = &cell
	}
	return c
}

func cloneValue(v any) any {
	if b, ok := v.([]byte); ok {
		return append([]byte(nil), b...)
	}
	return v
}

// Block is one instance of a template block.
type Block struct {
	Name string
	// Template is nil until the block is attached to a message.
	Template *template.Block

	vars  []*Variable
	owner *Message
	err   error
}

// NewBlock creates a detached block. It is checked against the template
// when added to a message.
func NewBlock(name string) *Block {
	return &Block{Name: name}
}

// Set stores a value and returns the block for chaining. A value that does
// not fit the template is not stored; the first such error is reported when
// the message is serialized. Use SetValue to see it immediately.
func (b *Block) Set(name string, value any) *Block {
	if err := b.SetValue(name, value); err != nil && b.err == nil {
		b.err = err
	}
	return b
}

// SetValue stores a value after checking it against the template.
func (b *Block) SetValue(name string, value any) error {
	if b.Template == nil {
		v := b.lookup(name)
		if v == nil {
			v = &Variable{Name: name}
			b.vars = append(b.vars, v)
		}
		v.value = value
		return nil
	}
	i := b.Template.FieldIndex(name)
	if i < 0 {
		return fmt.Errorf("%w: %s.%s", ErrUnknownVariable, b.Name, name)
	}
	v := b.vars[i]
	if v == nil {
		v = &Variable{Name: name, Field: b.Template.Fields[i]}
		if codec := b.unionCodec(name); codec != nil {
			v.cell = &lazyCell{codec: codec}
		}
		b.vars[i] = v
	}
	if err := b.assign(v, value); err != nil {
		return err
	}
	b.touch()
	return nil
}

func (b *Block) assign(v *Variable, value any) error {
	if v.cell != nil {
		switch x := value.(type) {
		case []byte, string:
			raw, err := Coerce(v.Field, x)
			if err != nil {
				return err
			}
			v.cell.setRaw(raw.([]byte))
		default:
			v.cell.setDecoded(x)
		}
		return nil
	}
	c, err := Coerce(v.Field, value)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", b.Name, v.Name, err)
	}
	v.value = c
	return nil
}

func (b *Block) unionCodec(field string) UnionCodec {
	if b.owner == nil {
		return nil
	}
	return unionFor(b.owner.Name, b.Name, field)
}

// touch drops caches that depend on this block's contents.
func (b *Block) touch() {
	for _, v := range b.vars {
		if v != nil && v.cell != nil {
			v.cell.invalidate()
		}
	}
	if b.owner != nil {
		b.owner.size = -1
	}
}

func (b *Block) lookup(name string) *Variable {
	for _, v := range b.vars {
		if v != nil && v.Name == name {
			return v
		}
	}
	return nil
}

// Get returns the value of a variable.
func (b *Block) Get(name string) (any, bool) {
	v := b.lookup(name)
	if v == nil {
		return nil, false
	}
	return v.Value(), true
}

// Var returns the variable itself.
func (b *Block) Var(name string) (*Variable, bool) {
	v := b.lookup(name)
	return v, v != nil
}

// Vars returns the present variables in schema order once attached.
func (b *Block) Vars() []*Variable {
	out := make([]*Variable, 0, len(b.vars))
	for _, v := range b.vars {
		if v != nil {
			out = append(out, v)
		}
	}
	return out
}

// Bytes returns a Fixed or Variable field, or nil.
func (b *Block) Bytes(name string) []byte {
	v := b.lookup(name)
	if v == nil {
		return nil
	}
	if v.cell != nil {
		raw, _ := v.cell.bytes(b)
		return raw
	}
	raw, _ := v.value.([]byte)
	return raw
}

// String returns a Variable field as text without its trailing NUL.
func (b *Block) String(name string) string {
	return strings.TrimSuffix(string(b.Bytes(name)), "\x00")
}

// Uint32 returns a U32 field, or 0.
func (b *Block) Uint32(name string) uint32 {
	v, _ := b.Get(name)
	n, _ := v.(uint32)
	return n
}

// Materialize decodes a tagged-union field and caches the result until the
// block changes.
func (b *Block) Materialize(name string) (any, error) {
	v := b.lookup(name)
	if v == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownVariable, b.Name, name)
	}
	if v.cell == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrNotUnion, b.Name, name)
	}
	return v.cell.materialize(b)
}

func (b *Block) attach(owner *Message, t *template.Block) error {
	vars := make([]*Variable, len(t.Fields))
	for _, v := range b.vars {
		i := t.FieldIndex(v.Name)
		if i < 0 {
			return fmt.Errorf("%w: %s.%s.%s", ErrUnknownVariable, owner.Name, b.Name, v.Name)
		}
		v.Field = t.Fields[i]
		vars[i] = v
	}
	prev := b.vars
	b.vars, b.Template, b.owner = vars, t, owner
	for _, v := range b.vars {
		if v == nil || v.cell != nil {
			continue
		}
		value := v.value
		if codec := unionFor(owner.Name, b.Name, v.Name); codec != nil {
			v.cell, v.value = &lazyCell{codec: codec}, nil
		}
		if err := b.assign(v, value); err != nil {
			b.vars, b.Template, b.owner = prev, nil, nil
			return fmt.Errorf("%s: %w", owner.Name, err)
		}
	}
	return nil
}

func (b *Block) clone(owner *Message) *Block {
	c := &Block{Name: b.Name, Template: b.Template, owner: owner, err: b.err, vars: make([]*Variable, len(b.vars))}
	for i, v := range b.vars {
		if v != nil {
			c.vars[i] = v.clone()
		}
	}
	return c
}

// Message is a decoded or constructed LLUDP message together with the
// packet header fields it travels with.
type Message struct {
	Name     string
	Template *template.Message

	Direction   Direction
	Flags       PacketFlags
	Sequence    uint32
	ExtraHeader []byte
	// Acks are the sequence numbers appended after the body.
	Acks []uint32
	// Trailer keeps bytes found after the last block.
	Trailer []byte

	blocks [][]*Block
	size   int
}

// NewMessage creates an empty message for the template. Zero-coded
// templates start with the zero-coded flag set.
func NewMessage(t *template.Message) *Message {
	m := &Message{
		Name:     t.Name,
		Template: t,
		blocks:   make([][]*Block, len(t.Blocks)),
		size:     -1,
	}
	if t.Encoding == template.Zerocoded {
		m.Flags |= FlagZeroCoded
	}
	return m
}

// AddBlock attaches a block instance. The block name and every variable it
// holds must exist in the template, and the block kind limits how many
// instances may be added.
func (m *Message) AddBlock(b *Block) error {
	i := m.Template.BlockIndex(b.Name)
	if i < 0 {
		return fmt.Errorf("%w: %s.%s", ErrUnknownBlock, m.Name, b.Name)
	}
	if b.owner == m {
		return fmt.Errorf("%w: %s.%s is already attached", ErrBlockCount, m.Name, b.Name)
	}
	t := m.Template.Blocks[i]
	limit := 255
	switch t.Kind {
	case template.BlockSingle:
		limit = 1
	case template.BlockMultiple:
		limit = t.Count
	}
	if len(m.blocks[i]) >= limit {
		return fmt.Errorf("%w: %s.%s already has %d instances", ErrBlockCount, m.Name, b.Name, limit)
	}
	if b.owner != nil && b.owner != m {
		b = b.clone(nil)
	}
	if err := b.attach(m, t); err != nil {
		return err
	}
	m.blocks[i] = append(m.blocks[i], b)
	m.size = -1
	return nil
}

// NewBlock adds a block instance with every field set to its zero value.
func (m *Message) NewBlock(name string) (*Block, error) {
	t, ok := m.Template.Block(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownBlock, m.Name, name)
	}
	b := NewBlock(name)
	for _, f := range t.Fields {
		b.vars = append(b.vars, &Variable{Name: f.Name, value: ZeroValue(f)})
	}
	if err := m.AddBlock(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Blocks returns the instances of a block in wire order.
func (m *Message) Blocks(name string) []*Block {
	i := m.Template.BlockIndex(name)
	if i < 0 {
		return nil
	}
	return m.blocks[i]
}

// Block returns the first instance of a block, or nil.
func (m *Message) Block(name string) *Block {
	if bs := m.Blocks(name); len(bs) > 0 {
		return bs[0]
	}
	return nil
}

// ClearBlocks removes every instance of a block.
func (m *Message) ClearBlocks(name string) {
	if i := m.Template.BlockIndex(name); i >= 0 {
		m.blocks[i] = nil
		m.size = -1
	}
}

func (m *Message) blockAt(name string, index int) (*Block, error) {
	bs := m.Blocks(name)
	if bs == nil && m.Template.BlockIndex(name) < 0 {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownBlock, m.Name, name)
	}
	if index < 0 || index >= len(bs) {
		return nil, fmt.Errorf("%w: %s.%s[%d] of %d", ErrBlockCount, m.Name, name, index, len(bs))
	}
	return bs[index], nil
}

// Get reads block[index].field.
func (m *Message) Get(block string, index int, field string) (any, error) {
	b, err := m.blockAt(block, index)
	if err != nil {
		return nil, err
	}
	v, ok := b.Get(field)
	if !ok {
		if b.Template.FieldIndex(field) < 0 {
			return nil, fmt.Errorf("%w: %s.%s.%s", ErrUnknownVariable, m.Name, block, field)
		}
		return nil, fmt.Errorf("%w: %s.%s.%s", ErrMissingVariable, m.Name, block, field)
	}
	return v, nil
}

// Set writes block[index].field.
func (m *Message) Set(block string, index int, field string, value any) error {
	b, err := m.blockAt(block, index)
	if err != nil {
		return err
	}
	return b.SetValue(field, value)
}

func (m *Message) Reliable() bool  { return m.Flags.Has(FlagReliable) }
func (m *Message) Resent() bool    { return m.Flags.Has(FlagResent) }
func (m *Message) ZeroCoded() bool { return m.Flags.Has(FlagZeroCoded) }

func (m *Message) SetReliable(on bool) {
	m.setFlag(FlagReliable, on)
}

func (m *Message) SetZeroCoded(on bool) {
	m.setFlag(FlagZeroCoded, on)
}

func (m *Message) setFlag(f PacketFlags, on bool) {
	if on {
		m.Flags |= f
	} else {
		m.Flags &^= f
	}
}

// SizeHint estimates the encoded body size before zero-coding. The value is
// cached until any block changes.
func (m *Message) SizeHint() int {
	if m.size >= 0 {
		return m.size
	}
	n := m.Template.Frequency.HeaderSize()
	for i, t := range m.Template.Blocks {
		if t.Kind == template.BlockVariable {
			n++
		}
		for _, b := range m.blocks[i] {
			for _, v := range b.vars {
				if v == nil {
					continue
				}
				if v.cell != nil {
					n += v.Field.Size + len(v.cell.raw)
				} else {
					n += wireSize(v.Field, v.value)
				}
			}
		}
	}
	m.size = n + len(m.Trailer)
	return m.size
}

// Clone deep copies the message. Structured union values set by the caller
// are shared with the original.
func (m *Message) Clone() *Message {
	c := *m
	c.ExtraHeader = cloneValue(m.ExtraHeader).([]byte)
	c.Trailer = cloneValue(m.Trailer).([]byte)
	c.Acks = append([]uint32(nil), m.Acks...)
	c.blocks = make([][]*Block, len(m.blocks))
	for i, bs := range m.blocks {
		for _, b := range bs {
			c.blocks[i] = append(c.blocks[i], b.clone(&c))
		}
	}
	c.size = -1
	return &c
}

func (m *Message) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s [%s seq=%d flags=%s", m.Name, m.Direction, m.Sequence, m.Flags)
	if len(m.Acks) > 0 {
		fmt.Fprintf(&sb, " acks=%d", len(m.Acks))
	}
	sb.WriteString("]")
	for i, t := range m.Template.Blocks {
		for j, b := range m.blocks[i] {
			fmt.Fprintf(&sb, "\n  %s[%d]", t.Name, j)
			for _, v := range b.vars {
				if v != nil {
					fmt.Fprintf(&sb, " %s=%v", v.Name, formatValue(v.Value()))
				}
			}
		}
	}
	return sb.String()
}

func formatValue(v any) any {
	if b, ok := v.([]byte); ok {
		return fmt.Sprintf("%x", b)
	}
	return v
}
