package protocol

import "sync"

const (
	// ReadBufferSize is the size for UDP read buffers
	ReadBufferSize = 65535

	// DatagramBufferSize is the size for outgoing datagram scratch buffers,
	// large enough for a packet plus a SOCKS UDP header.
	DatagramBufferSize = MaxPacketSize + 262
)

// UDPBufferPool provides pooled buffers for UDP operations:
// - Read pool: 65535-byte buffers for UDP socket reads
// - Datagram pool: buffers for framing outgoing datagrams
type UDPBufferPool struct {
	readPool     sync.Pool
	datagramPool sync.Pool
}

// udpPool is the global UDP buffer pool instance
var udpPool = &UDPBufferPool{
	readPool: sync.Pool{
		New: func() interface{} {
			buf := make([]byte, ReadBufferSize)
			return &buf
		},
	},
	datagramPool: sync.Pool{
		New: func() interface{} {
			buf := make([]byte, DatagramBufferSize)
			return &buf
		},
	},
}

// GetReadBuffer returns a buffer for UDP read operations.
// The returned buffer has a length of exactly ReadBufferSize (65535 bytes).
// Callers must call PutReadBuffer when done to return the buffer to the pool.
func GetReadBuffer() *[]byte {
	return udpPool.readPool.Get().(*[]byte)
}

// PutReadBuffer returns a read buffer to the pool.
// If buf is nil or has incorrect size, it is silently discarded.
func PutReadBuffer(buf *[]byte) {
	if buf == nil || len(*buf) != ReadBufferSize {
		return
	}
	udpPool.readPool.Put(buf)
}

// GetDatagramBuffer returns a buffer of exactly DatagramBufferSize bytes.
func GetDatagramBuffer() *[]byte {
	return udpPool.datagramPool.Get().(*[]byte)
}

// PutDatagramBuffer returns a datagram buffer to the pool.
// If buf is nil or has incorrect size, it is silently discarded.
func PutDatagramBuffer(buf *[]byte) {
	if buf == nil || len(*buf) != DatagramBufferSize {
		return
	}
	udpPool.datagramPool.Put(buf)
}
