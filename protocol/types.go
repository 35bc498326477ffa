package protocol

import (
	"fmt"
	"math"
)

// Direction tells which way a message travels through the proxy.
type Direction uint8

const (
	// DirectionOut is client to simulator.
	DirectionOut Direction = iota
	// DirectionIn is simulator to client.
	DirectionIn
)

func (d Direction) String() string {
	if d == DirectionIn {
		return "in"
	}
	return "out"
}

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == DirectionIn {
		return DirectionOut
	}
	return DirectionIn
}

// PacketFlags is the first byte of every LLUDP packet.
type PacketFlags uint8

const (
	FlagZeroCoded PacketFlags = 0x80
	FlagReliable  PacketFlags = 0x40
	FlagResent    PacketFlags = 0x20
	FlagAcks      PacketFlags = 0x10
)

func (f PacketFlags) Has(flag PacketFlags) bool {
	return f&flag != 0
}

func (f PacketFlags) String() string {
	s := ""
	add := func(on bool, name string) {
		if !on {
			return
		}
		if s != "" {
			s += "|"
		}
		s += name
	}
	add(f.Has(FlagZeroCoded), "zerocoded")
	add(f.Has(FlagReliable), "reliable")
	add(f.Has(FlagResent), "resent")
	add(f.Has(FlagAcks), "acks")
	if s == "" {
		return "none"
	}
	return s
}

type Vector3 struct {
	X, Y, Z float32
}

func (v Vector3) String() string {
	return fmt.Sprintf("<%g, %g, %g>", v.X, v.Y, v.Z)
}

type Vector3d struct {
	X, Y, Z float64
}

func (v Vector3d) String() string {
	return fmt.Sprintf("<%g, %g, %g>", v.X, v.Y, v.Z)
}

type Vector4 struct {
	X, Y, Z, W float32
}

func (v Vector4) String() string {
	return fmt.Sprintf("<%g, %g, %g, %g>", v.X, v.Y, v.Z, v.W)
}

// Quaternion is a unit rotation. Only X, Y and Z travel on the wire; W is
// rebuilt on decode and always comes back non-negative.
type Quaternion struct {
	X, Y, Z, W float32
}

// QuaternionFromXYZ rebuilds a unit quaternion from its vector part.
func QuaternionFromXYZ(x, y, z float32) Quaternion {
	t := 1 - float64(x)*float64(x) - float64(y)*float64(y) - float64(z)*float64(z)
	var w float32
	if t > 0 {
		w = float32(math.Sqrt(t))
	}
	return Quaternion{X: x, Y: y, Z: z, W: w}
}

// IdentityQuaternion is the zero rotation.
var IdentityQuaternion = Quaternion{W: 1}

func (q Quaternion) String() string {
	return fmt.Sprintf("<%g, %g, %g, %g>", q.X, q.Y, q.Z, q.W)
}
