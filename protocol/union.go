package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// UnionCodec turns the raw bytes of a tagged-union field into a structured
// value and back. The owning block is passed so a codec can read a sibling
// discriminant.
type UnionCodec interface {
	Decode(raw []byte, b *Block) (any, error)
	Encode(v any, b *Block) ([]byte, error)
}

// unionFor returns the codec for a (message, block, field) triple, or nil
// for plain fields.
func unionFor(message, block, field string) UnionCodec {
	switch {
	case message == "ObjectUpdate" && block == "ObjectData" && field == "ExtraParams":
		return extraParamsCodec{}
	case message == "ObjectExtraParams" && block == "ObjectData" && field == "ParamData":
		return paramDataCodec{}
	}
	return nil
}

type cellState uint8

const (
	// cellRaw holds only wire bytes.
	cellRaw cellState = iota
	// cellDecoded caches a structured value that still matches raw.
	cellDecoded
	// cellDirty holds a structured value set by the caller; raw is stale.
	cellDirty
)

// lazyCell defers decoding of a union field until somebody asks for it.
type lazyCell struct {
	state   cellState
	raw     []byte
	decoded any
	codec   UnionCodec
}

func (c *lazyCell) materialize(b *Block) (any, error) {
	if c.state != cellRaw {
		return c.decoded, nil
	}
	v, err := c.codec.Decode(c.raw, b)
	if err != nil {
		return nil, err
	}
	c.decoded, c.state = v, cellDecoded
	return v, nil
}

func (c *lazyCell) bytes(b *Block) ([]byte, error) {
	if c.state != cellDirty {
		return c.raw, nil
	}
	raw, err := c.codec.Encode(c.decoded, b)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *lazyCell) setRaw(raw []byte) {
	c.raw, c.decoded, c.state = raw, nil, cellRaw
}

func (c *lazyCell) setDecoded(v any) {
	c.decoded, c.state = v, cellDirty
}

// invalidate drops a cached decode so it is rebuilt from raw next time.
func (c *lazyCell) invalidate() {
	if c.state == cellDecoded {
		c.decoded, c.state = nil, cellRaw
	}
}

type ExtraParamType uint16

const (
	ExtraParamFlexible       ExtraParamType = 0x10
	ExtraParamLight          ExtraParamType = 0x20
	ExtraParamSculpt         ExtraParamType = 0x30
	ExtraParamLightImage     ExtraParamType = 0x40
	ExtraParamMesh           ExtraParamType = 0x60
	ExtraParamExtendedMesh   ExtraParamType = 0x70
	ExtraParamRenderMaterial ExtraParamType = 0x80
)

func (t ExtraParamType) String() string {
	switch t {
	case ExtraParamFlexible:
		return "Flexible"
	case ExtraParamLight:
		return "Light"
	case ExtraParamSculpt:
		return "Sculpt"
	case ExtraParamLightImage:
		return "LightImage"
	case ExtraParamMesh:
		return "Mesh"
	case ExtraParamExtendedMesh:
		return "ExtendedMesh"
	case ExtraParamRenderMaterial:
		return "RenderMaterial"
	default:
		return fmt.Sprintf("ExtraParam(0x%x)", uint16(t))
	}
}

type LightParams struct {
	Color   [4]byte
	Radius  float32
	Cutoff  float32
	Falloff float32
}

// SculptParams is shared by sculpt and mesh parameters.
type SculptParams struct {
	Texture uuid.UUID
	Type    uint8
}

type LightImageParams struct {
	Texture uuid.UUID
	// Params holds field of view, focus and ambiance.
	Params Vector3
}

type ExtendedMeshParams struct {
	Flags uint32
}

// ExtraParam is one entry of an object's extra parameter list. Value is one
// of the *Params types above, or []byte for types that are kept verbatim.
type ExtraParam struct {
	Type  ExtraParamType
	Value any
}

// ExtraParams is the decoded form of ObjectUpdate.ObjectData.ExtraParams.
type ExtraParams []ExtraParam

// Get returns the first parameter of the given type.
func (p ExtraParams) Get(t ExtraParamType) (ExtraParam, bool) {
	for _, e := range p {
		if e.Type == t {
			return e, true
		}
	}
	return ExtraParam{}, false
}

func decodeExtraParamBody(t ExtraParamType, body []byte) any {
	le := binary.LittleEndian
	switch {
	case t == ExtraParamLight && len(body) == 16:
		p := &LightParams{Radius: f32(body[4:]), Cutoff: f32(body[8:]), Falloff: f32(body[12:])}
		copy(p.Color[:], body)
		return p
	case (t == ExtraParamSculpt || t == ExtraParamMesh) && len(body) == 17:
		return &SculptParams{Texture: uuid.UUID(body[:16]), Type: body[16]}
	case t == ExtraParamLightImage && len(body) == 28:
		return &LightImageParams{
			Texture: uuid.UUID(body[:16]),
			Params:  Vector3{f32(body[16:]), f32(body[20:]), f32(body[24:])},
		}
	case t == ExtraParamExtendedMesh && len(body) == 4:
		return &ExtendedMeshParams{Flags: le.Uint32(body)}
	}
	return append([]byte(nil), body...)
}

func appendExtraParamBody(dst []byte, v any) ([]byte, error) {
	switch p := v.(type) {
	case *LightParams:
		dst = append(dst, p.Color[:]...)
		return appendF32(appendF32(appendF32(dst, p.Radius), p.Cutoff), p.Falloff), nil
	case *SculptParams:
		return append(append(dst, p.Texture[:]...), p.Type), nil
	case *LightImageParams:
		dst = append(dst, p.Texture[:]...)
		return appendF32(appendF32(appendF32(dst, p.Params.X), p.Params.Y), p.Params.Z), nil
	case *ExtendedMeshParams:
		return binary.LittleEndian.AppendUint32(dst, p.Flags), nil
	case []byte:
		return append(dst, p...), nil
	}
	return nil, fmt.Errorf("%w: extra parameter value %T", ErrTypeMismatch, v)
}

// extraParamsCodec handles the self-describing list
// [count:u8] then count x [type:u16][size:u32][data].
type extraParamsCodec struct{}

func (extraParamsCodec) Decode(raw []byte, _ *Block) (any, error) {
	if len(raw) == 0 {
		return ExtraParams{}, nil
	}
	r := &reader{buf: raw}
	count, _ := r.u8()
	params := make(ExtraParams, 0, count)
	for i := 0; i < int(count); i++ {
		hdr, err := r.take(6)
		if err != nil {
			return nil, fmt.Errorf("%w: extra parameter %d header", ErrBadUnion, i)
		}
		t := ExtraParamType(binary.LittleEndian.Uint16(hdr))
		size := binary.LittleEndian.Uint32(hdr[2:])
		if uint64(size) > uint64(r.remaining()) {
			return nil, fmt.Errorf("%w: extra parameter %d claims %d bytes", ErrBadUnion, i, size)
		}
		body, _ := r.take(int(size))
		params = append(params, ExtraParam{Type: t, Value: decodeExtraParamBody(t, body)})
	}
	return params, nil
}

func (extraParamsCodec) Encode(v any, _ *Block) ([]byte, error) {
	params, ok := v.(ExtraParams)
	if !ok {
		return nil, fmt.Errorf("%w: %T for ExtraParams", ErrTypeMismatch, v)
	}
	if len(params) > math.MaxUint8 {
		return nil, fmt.Errorf("%w: %d extra parameters", ErrValueRange, len(params))
	}
	out := []byte{byte(len(params))}
	for _, p := range params {
		body, err := appendExtraParamBody(nil, p.Value)
		if err != nil {
			return nil, err
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(p.Type))
		out = binary.LittleEndian.AppendUint32(out, uint32(len(body)))
		out = append(out, body...)
	}
	return out, nil
}

// paramDataCodec handles ObjectExtraParams, whose tag lives in the sibling
// ParamType field instead of the payload.
type paramDataCodec struct{}

func (paramDataCodec) Decode(raw []byte, b *Block) (any, error) {
	t, err := paramType(b)
	if err != nil {
		return nil, err
	}
	return ExtraParam{Type: t, Value: decodeExtraParamBody(t, raw)}, nil
}

func (paramDataCodec) Encode(v any, _ *Block) ([]byte, error) {
	p, ok := v.(ExtraParam)
	if !ok {
		return nil, fmt.Errorf("%w: %T for ParamData", ErrTypeMismatch, v)
	}
	return appendExtraParamBody(nil, p.Value)
}

func paramType(b *Block) (ExtraParamType, error) {
	if b == nil {
		return 0, fmt.Errorf("%w: ParamData without its block", ErrBadUnion)
	}
	v, ok := b.Get("ParamType")
	if !ok {
		return 0, fmt.Errorf("%w: ParamType missing", ErrBadUnion)
	}
	t, ok := v.(uint16)
	if !ok {
		return 0, fmt.Errorf("%w: ParamType is %T", ErrBadUnion, v)
	}
	return ExtraParamType(t), nil
}
