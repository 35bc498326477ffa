package template

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDefault_Parses(t *testing.T) {
	s, err := Default()
	require.NoError(t, err)

	assert.Equal(t, "2.0", s.Version)
	assert.Greater(t, s.Len(), 30)

	ack, ok := s.ByName("PacketAck")
	require.True(t, ok)
	assert.Equal(t, FrequencyFixed, ack.Frequency)
	assert.EqualValues(t, 0xFB, ack.Number)
	assert.Equal(t, NotTrusted, ack.Trust)
	assert.Equal(t, Unencoded, ack.Encoding)

	packets, ok := ack.Block("Packets")
	require.True(t, ok)
	assert.Equal(t, BlockVariable, packets.Kind)
	id, ok := packets.Field("ID")
	require.True(t, ok)
	assert.Equal(t, TypeU32, id.Type)

	byWire, ok := s.ByWireID(FrequencyFixed, 0xFB)
	require.True(t, ok)
	assert.Same(t, ack, byWire)
}

func TestDefault_Lookups(t *testing.T) {
	s := MustDefault()

	cases := []struct {
		name   string
		freq   Frequency
		number uint16
	}{
		{"StartPingCheck", FrequencyHigh, 1},
		{"AgentUpdate", FrequencyHigh, 4},
		{"ObjectUpdate", FrequencyHigh, 12},
		{"CoarseLocationUpdate", FrequencyMedium, 6},
		{"UseCircuitCode", FrequencyLow, 3},
		{"ChatFromViewer", FrequencyLow, 80},
		{"CloseCircuit", FrequencyFixed, 0xFD},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, ok := s.ByName(tc.name)
			require.True(t, ok)
			assert.Equal(t, tc.freq, m.Frequency)
			assert.Equal(t, tc.number, m.Number)
			other, ok := s.ByWireID(tc.freq, tc.number)
			require.True(t, ok)
			assert.Equal(t, tc.name, other.Name)
		})
	}

	_, ok := s.ByName("NoSuchMessage")
	assert.False(t, ok)
	_, ok = s.ByWireID(FrequencyLow, 0xFEFE)
	assert.False(t, ok)
}

func TestDefault_Deprecation(t *testing.T) {
	s := MustDefault()
	m, ok := s.ByName("OpenCircuit")
	require.True(t, ok)
	assert.Equal(t, UDPBlackListed, m.Deprecation)

	test, ok := s.ByName("TestMessage")
	require.True(t, ok)
	nb, ok := test.Block("NeighborBlock")
	require.True(t, ok)
	assert.Equal(t, BlockMultiple, nb.Kind)
	assert.Equal(t, 4, nb.Count)
	assert.Equal(t, 1, test.BlockIndex("NeighborBlock"))
	assert.Equal(t, -1, test.BlockIndex("Missing"))
}

func TestHeaderEncoding(t *testing.T) {
	s := MustDefault()
	cases := []struct {
		name string
		want []byte
	}{
		{"StartPingCheck", []byte{0x01}},
		{"CoarseLocationUpdate", []byte{0xFF, 0x06}},
		{"ChatFromViewer", []byte{0xFF, 0xFF, 0x00, 0x50}},
		{"PacketAck", []byte{0xFF, 0xFF, 0xFF, 0xFB}},
	}
	for _, tc := range cases {
		m, ok := s.ByName(tc.name)
		require.True(t, ok, tc.name)
		got := m.AppendHeader(nil)
		assert.Equal(t, tc.want, got, tc.name)
		assert.Len(t, got, m.Frequency.HeaderSize())

		id, n, err := ReadHeader(got)
		require.NoError(t, err)
		assert.Equal(t, len(got), n)
		assert.Equal(t, m.WireID(), id)
	}
}

func TestReadHeader_Truncated(t *testing.T) {
	for _, b := range [][]byte{nil, {0xFF}, {0xFF, 0xFF}, {0xFF, 0xFF, 0x01}} {
		_, _, err := ReadHeader(b)
		assert.ErrorIs(t, err, ErrShortHeader, "%x", b)
	}
}

// Property: every header the schema can emit decodes back to the same wire ID
func TestHeaderRoundTrip_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		freq := Frequency(rapid.IntRange(0, 3).Draw(t, "freq"))
		var number uint16
		switch freq {
		case FrequencyHigh, FrequencyMedium:
			number = uint16(rapid.IntRange(1, 0xFE).Draw(t, "number"))
		case FrequencyLow:
			number = uint16(rapid.IntRange(1, 0xFEFF).Draw(t, "number"))
		default:
			number = uint16(rapid.IntRange(0, 0xFE).Draw(t, "number"))
		}
		m := &Message{Frequency: freq, Number: number}
		hdr := m.AppendHeader(nil)
		id, n, err := ReadHeader(hdr)
		if err != nil {
			t.Fatalf("read header: %v", err)
		}
		if n != freq.HeaderSize() || n != len(hdr) {
			t.Fatalf("header size %d, want %d", n, freq.HeaderSize())
		}
		if id != m.WireID() {
			t.Fatalf("got %v, want %v", id, m.WireID())
		}
	})
}

func TestParse_Errors(t *testing.T) {
	cases := []struct {
		name    string
		src     string
		wantMsg string
	}{
		{"empty", "version 2.0\n", "no message templates"},
		{"duplicate name", `{ A Low 1 NotTrusted Unencoded } { A Low 2 NotTrusted Unencoded }`, "duplicate message name"},
		{"duplicate wire id", `{ A Low 1 NotTrusted Unencoded } { B Low 1 NotTrusted Unencoded }`, "reuses wire id"},
		{"bad frequency", `{ A Sometimes 1 NotTrusted Unencoded }`, "unknown frequency"},
		{"high out of range", `{ A High 255 NotTrusted Unencoded }`, "out of range"},
		{"fixed out of range", `{ A Fixed 0x12 NotTrusted Unencoded }`, "out of range"},
		{"bad trust", `{ A Low 1 Maybe Unencoded }`, "unknown trust"},
		{"bad encoding", `{ A Low 1 Trusted Gzip }`, "unknown encoding"},
		{"bad block kind", `{ A Low 1 Trusted Unencoded { B Sometimes { F U8 } } }`, "unknown block kind"},
		{"bad multiple", `{ A Low 1 Trusted Unencoded { B Multiple 0 { F U8 } } }`, "invalid repeat count"},
		{"bad field type", `{ A Low 1 Trusted Unencoded { B Single { F U128 } } }`, "unknown field type"},
		{"bad variable prefix", `{ A Low 1 Trusted Unencoded { B Single { F Variable 4 } } }`, "prefix must be 1 or 2"},
		{"duplicate field", `{ A Low 1 Trusted Unencoded { B Single { F U8 } { F U8 } } }`, "duplicate field"},
		{"duplicate block", `{ A Low 1 Trusted Unencoded { B Single { F U8 } } { B Single { F U8 } } }`, "duplicate block"},
		{"unterminated", `{ A Low 1 Trusted Unencoded { B Single { F U8 }`, "end of input"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tc.src))
			require.Error(t, err)
			var se *SchemaError
			require.True(t, errors.As(err, &se), "want SchemaError, got %T", err)
			assert.Contains(t, err.Error(), tc.wantMsg)
		})
	}
}

func TestParse_CommentsAndLineNumbers(t *testing.T) {
	src := "// header comment\n{\n\tA Low 1 Trusted Unencoded // trailing\n\t{ B Single { F U8 } }\n}\n{\n\tC Low 1 Trusted Unencoded\n}\n"
	_, err := Parse(strings.NewReader(src))
	var se *SchemaError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 6, se.Line)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.msg")
	require.NoError(t, os.WriteFile(path, []byte(`{ Ping High 1 NotTrusted Unencoded { PingID Single { PingID U8 } } }`), 0644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Ping"}, s.Names())

	_, err = Load(filepath.Join(t.TempDir(), "missing.msg"))
	assert.Error(t, err)
}

func TestDefault_CommonTraffic(t *testing.T) {
	s, err := Default()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, s.Len(), 160)

	tests := []struct {
		name  string
		freq  Frequency
		num   uint16
		trust Trust
	}{
		{"NeighborList", FrequencyHigh, 3, Trusted},
		{"RequestImage", FrequencyHigh, 8, NotTrusted},
		{"ImagePacket", FrequencyHigh, 10, Trusted},
		{"ObjectAnimation", FrequencyHigh, 30, Trusted},
		{"ObjectProperties", FrequencyMedium, 9, Trusted},
		{"ViewerEffect", FrequencyMedium, 17, NotTrusted},
		{"TeleportLocationRequest", FrequencyLow, 63, NotTrusted},
		{"ObjectDelete", FrequencyLow, 89, NotTrusted},
		{"AlertMessage", FrequencyLow, 134, Trusted},
		{"SimulatorViewerTimeMessage", FrequencyLow, 150, Trusted},
		{"ScriptDialog", FrequencyLow, 190, Trusted},
		{"UUIDNameReply", FrequencyLow, 236, Trusted},
		{"GenericMessage", FrequencyLow, 261, NotTrusted},
		{"AgentDataUpdate", FrequencyLow, 387, Trusted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := s.ByWireID(tt.freq, tt.num)
			require.True(t, ok)
			assert.Equal(t, tt.name, m.Name)
			assert.Equal(t, tt.trust, m.Trust)
		})
	}

	props, ok := s.ByName("ObjectProperties")
	require.True(t, ok)
	data, ok := props.Block("ObjectData")
	require.True(t, ok)
	assert.Equal(t, BlockVariable, data.Kind)
	assert.Len(t, data.Fields, 27)
}
