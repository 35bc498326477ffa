package socks

import (
	"bytes"
	"io"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeRW reads scripted client bytes and records what the server wrote.
type pipeRW struct {
	r   io.Reader
	out bytes.Buffer
}

func (p *pipeRW) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeRW) Write(b []byte) (int, error) { return p.out.Write(b) }
func (p *pipeRW) Bytes() []byte               { return p.out.Bytes() }

func newRW(in ...byte) *pipeRW {
	return &pipeRW{r: bytes.NewReader(in)}
}

func TestReadGreeting(t *testing.T) {
	tests := []struct {
		name  string
		in    []byte
		reply []byte
		err   error
	}{
		{name: "no auth", in: []byte{5, 1, AuthNone}, reply: []byte{5, AuthNone}},
		{name: "no auth among others", in: []byte{5, 3, 0x02, 0x01, AuthNone}, reply: []byte{5, AuthNone}},
		{name: "password only", in: []byte{5, 1, 0x02}, reply: []byte{5, AuthNoAcceptable}, err: ErrNoAcceptableMethod},
		{name: "socks4", in: []byte{4, 1, 0}, err: ErrVersion},
		{name: "truncated", in: []byte{5, 2, 0}, err: io.ErrUnexpectedEOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rw := newRW(tt.in...)
			err := readGreeting(rw)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				var pe *ProtocolError
				assert.ErrorAs(t, err, &pe)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.reply, rw.Bytes())
		})
	}
}

func TestReadRequest(t *testing.T) {
	t.Run("udp associate ipv4", func(t *testing.T) {
		rw := newRW(5, CmdUDPAssociate, 0, ATypIP4, 0, 0, 0, 0, 0, 0)
		req, err := readRequest(rw)
		require.NoError(t, err)
		assert.Equal(t, byte(CmdUDPAssociate), req.Cmd)
		assert.Equal(t, Addr{IP: netip.IPv4Unspecified()}, req.Addr)
		assert.Empty(t, rw.Bytes())
	})
	t.Run("domain", func(t *testing.T) {
		rw := newRW(5, CmdConnect, 0, ATypDomain, 3, 'a', '.', 'b', 0x01, 0xBB)
		req, err := readRequest(rw)
		require.NoError(t, err)
		assert.Equal(t, byte(CmdConnect), req.Cmd)
		assert.Equal(t, Addr{Domain: "a.b", Port: 443}, req.Addr)
	})
	t.Run("ipv6 refused", func(t *testing.T) {
		rw := newRW(append([]byte{5, CmdUDPAssociate, 0, ATypIP6}, make([]byte, 18)...)...)
		_, err := readRequest(rw)
		assert.ErrorIs(t, err, ErrUnsupportedAddress)
		assert.Equal(t, []byte{5, RepAddrTypeNotSupported, 0, 1, 0, 0, 0, 0, 0, 0}, rw.Bytes())
	})
	t.Run("bad version", func(t *testing.T) {
		_, err := readRequest(newRW(4, 1, 0, 1))
		assert.ErrorIs(t, err, ErrVersion)
	})
	t.Run("truncated", func(t *testing.T) {
		_, err := readRequest(newRW(5, 3, 0, ATypIP4, 127, 0))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
}

func TestWriteReply(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeReply(&buf, RepSuccess, netip.MustParseAddrPort("127.0.0.1:40000")))
	assert.Equal(t, []byte{5, 0, 0, 1, 127, 0, 0, 1, 0x9C, 0x40}, buf.Bytes())
}
