package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"

	"github.com/Mmx233/llproxy/protocol/template"
	"github.com/google/uuid"
)

// Go types held by a Variable, by wire type:
//
//	U8..U64, S8..S64   uint8..uint64, int8..int64
//	F32, F64           float32, float64
//	LLVector3(d), LLVector4, LLQuaternion  Vector3, Vector3d, Vector4, Quaternion
//	LLUUID             uuid.UUID
//	BOOL               bool
//	IPADDR             netip.Addr (IPv4)
//	IPPORT             uint16
//	Fixed, Variable    []byte

// ZeroValue returns the default value for a field.
func ZeroValue(f *template.Field) any {
	switch f.Type {
	case template.TypeU8:
		return uint8(0)
	case template.TypeU16, template.TypeIPPort:
		return uint16(0)
	case template.TypeU32:
		return uint32(0)
	case template.TypeU64:
		return uint64(0)
	case template.TypeS8:
		return int8(0)
	case template.TypeS16:
		return int16(0)
	case template.TypeS32:
		return int32(0)
	case template.TypeS64:
		return int64(0)
	case template.TypeF32:
		return float32(0)
	case template.TypeF64:
		return float64(0)
	case template.TypeVector3:
		return Vector3{}
	case template.TypeVector3d:
		return Vector3d{}
	case template.TypeVector4:
		return Vector4{}
	case template.TypeQuaternion:
		return IdentityQuaternion
	case template.TypeUUID:
		return uuid.Nil
	case template.TypeBool:
		return false
	case template.TypeIPAddr:
		return netip.IPv4Unspecified()
	case template.TypeFixed:
		return make([]byte, f.Size)
	case template.TypeVariable:
		return []byte{}
	}
	panic(fmt.Sprintf("unhandled field type %s", f.Type))
}

// Coerce converts v into the canonical Go type of f. Loosely typed inputs
// such as int, float64 from scripts, or strings for byte fields are
// accepted when they fit.
func Coerce(f *template.Field, v any) (any, error) {
	switch f.Type {
	case template.TypeU8:
		n, err := toUint(v, math.MaxUint8)
		return uint8(n), err
	case template.TypeU16, template.TypeIPPort:
		n, err := toUint(v, math.MaxUint16)
		return uint16(n), err
	case template.TypeU32:
		n, err := toUint(v, math.MaxUint32)
		return uint32(n), err
	case template.TypeU64:
		n, err := toUint(v, math.MaxUint64)
		return n, err
	case template.TypeS8:
		n, err := toInt(v, math.MinInt8, math.MaxInt8)
		return int8(n), err
	case template.TypeS16:
		n, err := toInt(v, math.MinInt16, math.MaxInt16)
		return int16(n), err
	case template.TypeS32:
		n, err := toInt(v, math.MinInt32, math.MaxInt32)
		return int32(n), err
	case template.TypeS64:
		return toInt(v, math.MinInt64, math.MaxInt64)
	case template.TypeF32:
		x, err := toFloat(v)
		return float32(x), err
	case template.TypeF64:
		return toFloat(v)
	case template.TypeVector3:
		if x, ok := v.(Vector3); ok {
			return x, nil
		}
	case template.TypeVector3d:
		if x, ok := v.(Vector3d); ok {
			return x, nil
		}
	case template.TypeVector4:
		if x, ok := v.(Vector4); ok {
			return x, nil
		}
	case template.TypeQuaternion:
		if x, ok := v.(Quaternion); ok {
			return x, nil
		}
	case template.TypeUUID:
		switch x := v.(type) {
		case uuid.UUID:
			return x, nil
		case string:
			id, err := uuid.Parse(x)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTypeMismatch, err)
			}
			return id, nil
		}
	case template.TypeBool:
		if x, ok := v.(bool); ok {
			return x, nil
		}
	case template.TypeIPAddr:
		var addr netip.Addr
		switch x := v.(type) {
		case netip.Addr:
			addr = x
		case string:
			var err error
			if addr, err = netip.ParseAddr(x); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrTypeMismatch, err)
			}
		default:
			return nil, fmt.Errorf("%w: %T for %s", ErrTypeMismatch, v, f.Type)
		}
		addr = addr.Unmap()
		if !addr.Is4() {
			return nil, fmt.Errorf("%w: %s is not IPv4", ErrValueRange, addr)
		}
		return addr, nil
	case template.TypeFixed, template.TypeVariable:
		var b []byte
		switch x := v.(type) {
		case []byte:
			b = x
		case string:
			b = []byte(x)
		default:
			return nil, fmt.Errorf("%w: %T for %s", ErrTypeMismatch, v, f.Type)
		}
		if err := checkByteSize(f, len(b)); err != nil {
			return nil, err
		}
		return b, nil
	default:
		panic(fmt.Sprintf("unhandled field type %s", f.Type))
	}
	return nil, fmt.Errorf("%w: %T for %s", ErrTypeMismatch, v, f.Type)
}

func checkByteSize(f *template.Field, n int) error {
	if f.Type == template.TypeFixed {
		if n != f.Size {
			return fmt.Errorf("%w: %d bytes for Fixed %d", ErrSizeMismatch, n, f.Size)
		}
		return nil
	}
	limit := math.MaxUint8
	if f.Size == 2 {
		limit = math.MaxUint16
	}
	if n > limit {
		return fmt.Errorf("%w: %d bytes exceeds %d-byte length prefix", ErrSizeMismatch, n, f.Size)
	}
	return nil
}

func toUint(v any, limit uint64) (uint64, error) {
	var n uint64
	switch x := v.(type) {
	case uint8:
		n = uint64(x)
	case uint16:
		n = uint64(x)
	case uint32:
		n = uint64(x)
	case uint64:
		n = x
	case uint:
		n = uint64(x)
	case int, int8, int16, int32, int64:
		i, _ := toInt(x, math.MinInt64, math.MaxInt64)
		if i < 0 {
			return 0, fmt.Errorf("%w: %d", ErrValueRange, i)
		}
		n = uint64(i)
	case float64:
		if x < 0 || x != math.Trunc(x) || x > float64(limit) {
			return 0, fmt.Errorf("%w: %g", ErrValueRange, x)
		}
		n = uint64(x)
	default:
		return 0, fmt.Errorf("%w: %T for unsigned integer", ErrTypeMismatch, v)
	}
	if n > limit {
		return 0, fmt.Errorf("%w: %d", ErrValueRange, n)
	}
	return n, nil
}

func toInt(v any, lo, hi int64) (int64, error) {
	var n int64
	switch x := v.(type) {
	case int8:
		n = int64(x)
	case int16:
		n = int64(x)
	case int32:
		n = int64(x)
	case int64:
		n = x
	case int:
		n = int64(x)
	case uint8:
		n = int64(x)
	case uint16:
		n = int64(x)
	case uint32:
		n = int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d", ErrValueRange, x)
		}
		n = int64(x)
	case float64:
		if x != math.Trunc(x) || x < float64(lo) || x > float64(hi) {
			return 0, fmt.Errorf("%w: %g", ErrValueRange, x)
		}
		n = int64(x)
	default:
		return 0, fmt.Errorf("%w: %T for signed integer", ErrTypeMismatch, v)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%w: %d", ErrValueRange, n)
	}
	return n, nil
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int32:
		return float64(x), nil
	}
	return 0, fmt.Errorf("%w: %T for float", ErrTypeMismatch, v)
}

// appendValue appends the wire form of v, which must already be canonical
// for f (see Coerce).
func appendValue(dst []byte, f *template.Field, v any) ([]byte, error) {
	le := binary.LittleEndian
	switch f.Type {
	case template.TypeU8:
		return append(dst, v.(uint8)), nil
	case template.TypeU16:
		return le.AppendUint16(dst, v.(uint16)), nil
	case template.TypeU32:
		return le.AppendUint32(dst, v.(uint32)), nil
	case template.TypeU64:
		return le.AppendUint64(dst, v.(uint64)), nil
	case template.TypeS8:
		return append(dst, byte(v.(int8))), nil
	case template.TypeS16:
		return le.AppendUint16(dst, uint16(v.(int16))), nil
	case template.TypeS32:
		return le.AppendUint32(dst, uint32(v.(int32))), nil
	case template.TypeS64:
		return le.AppendUint64(dst, uint64(v.(int64))), nil
	case template.TypeF32:
		return appendF32(dst, v.(float32)), nil
	case template.TypeF64:
		return le.AppendUint64(dst, math.Float64bits(v.(float64))), nil
	case template.TypeVector3:
		x := v.(Vector3)
		return appendF32(appendF32(appendF32(dst, x.X), x.Y), x.Z), nil
	case template.TypeVector3d:
		x := v.(Vector3d)
		dst = le.AppendUint64(dst, math.Float64bits(x.X))
		dst = le.AppendUint64(dst, math.Float64bits(x.Y))
		return le.AppendUint64(dst, math.Float64bits(x.Z)), nil
	case template.TypeVector4:
		x := v.(Vector4)
		return appendF32(appendF32(appendF32(appendF32(dst, x.X), x.Y), x.Z), x.W), nil
	case template.TypeQuaternion:
		x := v.(Quaternion)
		return appendF32(appendF32(appendF32(dst, x.X), x.Y), x.Z), nil
	case template.TypeUUID:
		x := v.(uuid.UUID)
		return append(dst, x[:]...), nil
	case template.TypeBool:
		// Any nonzero byte decodes as true, so a relayed message always
		// carries 0 or 1 here even if the sender wrote something else.
		if v.(bool) {
			return append(dst, 1), nil
		}
		return append(dst, 0), nil
	case template.TypeIPAddr:
		a := v.(netip.Addr).As4()
		return append(dst, a[:]...), nil
	case template.TypeIPPort:
		return binary.BigEndian.AppendUint16(dst, v.(uint16)), nil
	case template.TypeFixed:
		return append(dst, v.([]byte)...), nil
	case template.TypeVariable:
		b := v.([]byte)
		if f.Size == 2 {
			dst = le.AppendUint16(dst, uint16(len(b)))
		} else {
			dst = append(dst, byte(len(b)))
		}
		return append(dst, b...), nil
	}
	panic(fmt.Sprintf("unhandled field type %s", f.Type))
}

func appendF32(dst []byte, x float32) []byte {
	return binary.LittleEndian.AppendUint32(dst, math.Float32bits(x))
}

// wireSize returns the encoded size of v, which must be canonical for f.
func wireSize(f *template.Field, v any) int {
	switch f.Type {
	case template.TypeFixed:
		return f.Size
	case template.TypeVariable:
		b, _ := v.([]byte)
		return f.Size + len(b)
	default:
		return f.Type.WireSize()
	}
}

// reader is a bounds-checked cursor over a decoded packet body.
type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, ErrTruncated
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// readValue decodes one field. Byte slices are copied out of the packet.
func readValue(r *reader, f *template.Field) (any, error) {
	le := binary.LittleEndian
	if n := f.Type.WireSize(); n > 0 {
		b, err := r.take(n)
		if err != nil {
			return nil, err
		}
		switch f.Type {
		case template.TypeU8:
			return b[0], nil
		case template.TypeU16:
			return le.Uint16(b), nil
		case template.TypeU32:
			return le.Uint32(b), nil
		case template.TypeU64:
			return le.Uint64(b), nil
		case template.TypeS8:
			return int8(b[0]), nil
		case template.TypeS16:
			return int16(le.Uint16(b)), nil
		case template.TypeS32:
			return int32(le.Uint32(b)), nil
		case template.TypeS64:
			return int64(le.Uint64(b)), nil
		case template.TypeF32:
			return f32(b), nil
		case template.TypeF64:
			return math.Float64frombits(le.Uint64(b)), nil
		case template.TypeVector3:
			return Vector3{f32(b), f32(b[4:]), f32(b[8:])}, nil
		case template.TypeVector3d:
			return Vector3d{
				math.Float64frombits(le.Uint64(b)),
				math.Float64frombits(le.Uint64(b[8:])),
				math.Float64frombits(le.Uint64(b[16:])),
			}, nil
		case template.TypeVector4:
			return Vector4{f32(b), f32(b[4:]), f32(b[8:]), f32(b[12:])}, nil
		case template.TypeQuaternion:
			return QuaternionFromXYZ(f32(b), f32(b[4:]), f32(b[8:])), nil
		case template.TypeUUID:
			return uuid.UUID(b), nil
		case template.TypeBool:
			return b[0] != 0, nil
		case template.TypeIPAddr:
			return netip.AddrFrom4([4]byte(b)), nil
		case template.TypeIPPort:
			return binary.BigEndian.Uint16(b), nil
		}
	}
	switch f.Type {
	case template.TypeFixed:
		b, err := r.take(f.Size)
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), b...), nil
	case template.TypeVariable:
		var n int
		if f.Size == 2 {
			b, err := r.take(2)
			if err != nil {
				return nil, err
			}
			n = int(le.Uint16(b))
		} else {
			c, err := r.u8()
			if err != nil {
				return nil, err
			}
			n = int(c)
		}
		b, err := r.take(n)
		if err != nil {
			return nil, err
		}
		return append(make([]byte, 0, n), b...), nil
	}
	panic(fmt.Sprintf("unhandled field type %s", f.Type))
}

func f32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}
