package protocol

import (
	"encoding/hex"
	"strings"
	"unicode"
	"unicode/utf8"

	jsoniter "github.com/json-iterator/go"
)

// json is a drop-in replacement for encoding/json with better performance
var json = jsoniter.ConfigCompatibleWithStandardLibrary

type jsonMessage struct {
	Name      string      `json:"name"`
	Direction string      `json:"direction"`
	Sequence  uint32      `json:"sequence"`
	Flags     string      `json:"flags"`
	Acks      []uint32    `json:"acks,omitempty"`
	Blocks    []jsonBlock `json:"blocks"`
	Trailer   string      `json:"trailer,omitempty"`
}

type jsonBlock struct {
	Name      string           `json:"name"`
	Instances []map[string]any `json:"instances"`
}

// MarshalMessageJSON renders a message for humans and scripts. Byte fields
// that hold printable text are shown as strings, anything else as hex.
// Tagged unions are shown materialized when they decode.
func MarshalMessageJSON(m *Message) ([]byte, error) {
	out := jsonMessage{
		Name:      m.Name,
		Direction: m.Direction.String(),
		Sequence:  m.Sequence,
		Flags:     m.Flags.String(),
		Acks:      m.Acks,
		Blocks:    make([]jsonBlock, 0, len(m.Template.Blocks)),
	}
	if len(m.Trailer) > 0 {
		out.Trailer = hex.EncodeToString(m.Trailer)
	}
	for i, t := range m.Template.Blocks {
		jb := jsonBlock{Name: t.Name, Instances: make([]map[string]any, 0, len(m.blocks[i]))}
		for _, b := range m.blocks[i] {
			fields := make(map[string]any, len(b.vars))
			for _, v := range b.vars {
				if v == nil {
					continue
				}
				val := v.Value()
				if v.cell != nil {
					if decoded, err := v.cell.materialize(b); err == nil {
						val = decoded
					}
				}
				fields[v.Name] = jsonValue(val)
			}
			jb.Instances = append(jb.Instances, fields)
		}
		out.Blocks = append(out.Blocks, jb)
	}
	return json.MarshalIndent(out, "", "  ")
}

func jsonValue(v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	if s, ok := printable(b); ok {
		return s
	}
	return "0x" + hex.EncodeToString(b)
}

func printable(b []byte) (string, bool) {
	s := strings.TrimSuffix(string(b), "\x00")
	if s == "" || !utf8.ValidString(s) {
		return "", false
	}
	for _, r := range s {
		if !unicode.IsPrint(r) && !unicode.IsSpace(r) {
			return "", false
		}
	}
	return s, true
}
