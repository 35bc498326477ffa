package protocol

import (
	"bytes"
	"io"
	"sync"
)

// Buffer size constants
const (
	// MaxPacketSize is the largest LLUDP datagram we build or accept.
	MaxPacketSize   = 4096
	DrainBufferSize = 4 * 1024
	MaxPooledBuffer = 64 * 1024 // don't pool larger buffers
)

// bufferPool is a sync.Pool for reusing byte buffers to reduce allocations
var bufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

var drainBufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, DrainBufferSize)
		return &buf
	},
}

// GetBuffer retrieves a buffer from the pool.
// The buffer is reset and ready for use.
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool.
// Buffers larger than MaxPooledBuffer are not pooled to prevent memory bloat.
func PutBuffer(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	if buf.Cap() > MaxPooledBuffer {
		return
	}
	buf.Reset()
	bufferPool.Put(buf)
}

// GetBufferWithSize retrieves a buffer from the pool and grows it to the specified size hint.
func GetBufferWithSize(sizeHint int) *bytes.Buffer {
	buf := GetBuffer()
	if sizeHint > 0 && buf.Cap() < sizeHint {
		buf.Grow(sizeHint)
	}
	return buf
}

// Drain reads src until EOF or error, discarding the data. It is used to
// hold a control connection open until the peer closes it.
func Drain(src io.Reader) (int64, error) {
	bufPtr := drainBufferPool.Get().(*[]byte)
	defer drainBufferPool.Put(bufPtr)
	return io.CopyBuffer(io.Discard, src, *bufPtr)
}
