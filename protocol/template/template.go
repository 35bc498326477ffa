package template

import (
	"encoding/binary"
	"fmt"
)

// Frequency is the message number class. It decides how many bytes the
// message number occupies on the wire.
type Frequency uint8

const (
	FrequencyHigh Frequency = iota
	FrequencyMedium
	FrequencyLow
	FrequencyFixed
)

func (f Frequency) String() string {
	switch f {
	case FrequencyHigh:
		return "High"
	case FrequencyMedium:
		return "Medium"
	case FrequencyLow:
		return "Low"
	case FrequencyFixed:
		return "Fixed"
	default:
		return fmt.Sprintf("Frequency(%d)", uint8(f))
	}
}

// HeaderSize returns the number of bytes of the encoded message number.
func (f Frequency) HeaderSize() int {
	switch f {
	case FrequencyHigh:
		return 1
	case FrequencyMedium:
		return 2
	default:
		return 4
	}
}

// Trust governs whether a message is accepted on an untrusted circuit.
type Trust uint8

const (
	NotTrusted Trust = iota
	Trusted
)

func (t Trust) String() string {
	if t == Trusted {
		return "Trusted"
	}
	return "NotTrusted"
}

type Encoding uint8

const (
	Unencoded Encoding = iota
	Zerocoded
)

func (e Encoding) String() string {
	if e == Zerocoded {
		return "Zerocoded"
	}
	return "Unencoded"
}

type Deprecation uint8

const (
	NotDeprecated Deprecation = iota
	Deprecated
	UDPDeprecated
	UDPBlackListed
)

func (d Deprecation) String() string {
	switch d {
	case Deprecated:
		return "Deprecated"
	case UDPDeprecated:
		return "UDPDeprecated"
	case UDPBlackListed:
		return "UDPBlackListed"
	default:
		return "NotDeprecated"
	}
}

// FieldType is the closed set of wire types a template field can carry.
type FieldType uint8

const (
	TypeU8 FieldType = iota
	TypeU16
	TypeU32
	TypeU64
	TypeS8
	TypeS16
	TypeS32
	TypeS64
	TypeF32
	TypeF64
	TypeVector3
	TypeVector3d
	TypeVector4
	TypeQuaternion
	TypeUUID
	TypeBool
	TypeIPAddr
	TypeIPPort
	TypeFixed
	TypeVariable
)

var fieldTypeNames = [...]string{
	TypeU8:         "U8",
	TypeU16:        "U16",
	TypeU32:        "U32",
	TypeU64:        "U64",
	TypeS8:         "S8",
	TypeS16:        "S16",
	TypeS32:        "S32",
	TypeS64:        "S64",
	TypeF32:        "F32",
	TypeF64:        "F64",
	TypeVector3:    "LLVector3",
	TypeVector3d:   "LLVector3d",
	TypeVector4:    "LLVector4",
	TypeQuaternion: "LLQuaternion",
	TypeUUID:       "LLUUID",
	TypeBool:       "BOOL",
	TypeIPAddr:     "IPADDR",
	TypeIPPort:     "IPPORT",
	TypeFixed:      "Fixed",
	TypeVariable:   "Variable",
}

func (t FieldType) String() string {
	if int(t) < len(fieldTypeNames) {
		return fieldTypeNames[t]
	}
	return fmt.Sprintf("FieldType(%d)", uint8(t))
}

// WireSize returns the fixed encoded size of the type, or -1 for types whose
// size is declared per field (Fixed) or carried on the wire (Variable).
func (t FieldType) WireSize() int {
	switch t {
	case TypeU8, TypeS8, TypeBool:
		return 1
	case TypeU16, TypeS16, TypeIPPort:
		return 2
	case TypeU32, TypeS32, TypeF32, TypeIPAddr:
		return 4
	case TypeU64, TypeS64, TypeF64:
		return 8
	case TypeVector3, TypeQuaternion:
		return 12
	case TypeVector4, TypeUUID:
		return 16
	case TypeVector3d:
		return 24
	default:
		return -1
	}
}

// Field describes one typed variable of a block.
type Field struct {
	Name string
	Type FieldType
	// Size is the byte length for Fixed fields and the length prefix width
	// (1 or 2) for Variable fields. Zero otherwise.
	Size int
}

func (f *Field) String() string {
	switch f.Type {
	case TypeFixed, TypeVariable:
		return fmt.Sprintf("%s %s %d", f.Name, f.Type, f.Size)
	default:
		return fmt.Sprintf("%s %s", f.Name, f.Type)
	}
}

type BlockKind uint8

const (
	BlockSingle BlockKind = iota
	BlockMultiple
	BlockVariable
)

func (k BlockKind) String() string {
	switch k {
	case BlockSingle:
		return "Single"
	case BlockMultiple:
		return "Multiple"
	case BlockVariable:
		return "Variable"
	default:
		return fmt.Sprintf("BlockKind(%d)", uint8(k))
	}
}

// Block describes one (possibly repeated) group of fields.
type Block struct {
	Name string
	Kind BlockKind
	// Count is the fixed repetition for Multiple blocks, 1 for Single.
	Count  int
	Fields []*Field

	fieldIndex map[string]int
}

// Field looks up a field by name.
func (b *Block) Field(name string) (*Field, bool) {
	i, ok := b.fieldIndex[name]
	if !ok {
		return nil, false
	}
	return b.Fields[i], true
}

// FieldIndex returns the schema position of the named field, or -1.
func (b *Block) FieldIndex(name string) int {
	i, ok := b.fieldIndex[name]
	if !ok {
		return -1
	}
	return i
}

// WireID is the (frequency, number) pair that identifies a message on the wire.
type WireID struct {
	Frequency Frequency
	Number    uint16
}

func (w WireID) String() string {
	return fmt.Sprintf("%s %d", w.Frequency, w.Number)
}

// Message is the immutable layout of one message type.
type Message struct {
	Name        string
	Frequency   Frequency
	Number      uint16
	Trust       Trust
	Encoding    Encoding
	Deprecation Deprecation
	Blocks      []*Block

	blockIndex map[string]int
}

func (m *Message) WireID() WireID {
	return WireID{Frequency: m.Frequency, Number: m.Number}
}

// Block looks up a block by name.
func (m *Message) Block(name string) (*Block, bool) {
	i, ok := m.blockIndex[name]
	if !ok {
		return nil, false
	}
	return m.Blocks[i], true
}

// BlockIndex returns the schema position of the named block, or -1.
func (m *Message) BlockIndex(name string) int {
	i, ok := m.blockIndex[name]
	if !ok {
		return -1
	}
	return i
}

// AppendHeader appends the frequency-class encoded message number to dst.
//
//	High   [id]
//	Medium [0xFF][id]
//	Low    [0xFF][0xFF][id:u16 BE]
//	Fixed  [0xFF][0xFF][0xFF][id]
func (m *Message) AppendHeader(dst []byte) []byte {
	switch m.Frequency {
	case FrequencyHigh:
		return append(dst, byte(m.Number))
	case FrequencyMedium:
		return append(dst, 0xFF, byte(m.Number))
	case FrequencyLow:
		return binary.BigEndian.AppendUint16(append(dst, 0xFF, 0xFF), m.Number)
	default:
		return append(dst, 0xFF, 0xFF, 0xFF, byte(m.Number))
	}
}

// ReadHeader parses a message number from the start of b and returns the
// wire ID and the number of bytes consumed.
func ReadHeader(b []byte) (WireID, int, error) {
	if len(b) < 1 {
		return WireID{}, 0, ErrShortHeader
	}
	if b[0] != 0xFF {
		return WireID{FrequencyHigh, uint16(b[0])}, 1, nil
	}
	if len(b) < 2 {
		return WireID{}, 0, ErrShortHeader
	}
	if b[1] != 0xFF {
		return WireID{FrequencyMedium, uint16(b[1])}, 2, nil
	}
	if len(b) < 4 {
		return WireID{}, 0, ErrShortHeader
	}
	if b[2] != 0xFF {
		return WireID{FrequencyLow, binary.BigEndian.Uint16(b[2:4])}, 4, nil
	}
	return WireID{FrequencyFixed, uint16(b[3])}, 4, nil
}
