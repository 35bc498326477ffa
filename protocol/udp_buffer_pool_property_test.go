package protocol

import (
	"bytes"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

// Feature: buffer-pools, Property 1: Pooled Buffer Size Invariant
// *For any* sequence of Get/Put calls, read and datagram buffers SHALL keep
// their fixed lengths.

func TestPooledBufferSizeInvariant_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		iterations := rapid.IntRange(1, 20).Draw(t, "iterations")

		for i := 0; i < iterations; i++ {
			rb := GetReadBuffer()
			db := GetDatagramBuffer()
			if len(*rb) != ReadBufferSize {
				t.Fatalf("iteration %d: read buffer length %d, expected %d", i, len(*rb), ReadBufferSize)
			}
			if len(*db) != DatagramBufferSize {
				t.Fatalf("iteration %d: datagram buffer length %d, expected %d", i, len(*db), DatagramBufferSize)
			}

			writeLen := rapid.IntRange(0, DatagramBufferSize).Draw(t, "writeLen")
			for j := 0; j < writeLen; j++ {
				(*rb)[j] = byte(j)
				(*db)[j] = byte(j)
			}
			PutReadBuffer(rb)
			PutDatagramBuffer(db)
		}
	})
}

func TestPutBuffer_WrongSizeDiscarded(t *testing.T) {
	short := make([]byte, 10)
	PutReadBuffer(&short)
	PutDatagramBuffer(&short)
	PutReadBuffer(nil)
	PutDatagramBuffer(nil)

	if got := GetReadBuffer(); len(*got) != ReadBufferSize {
		t.Errorf("read buffer length %d after bad put", len(*got))
	}
	if got := GetDatagramBuffer(); len(*got) != DatagramBufferSize {
		t.Errorf("datagram buffer length %d after bad put", len(*got))
	}
}

func TestGetBufferWithSize(t *testing.T) {
	buf := GetBufferWithSize(2048)
	if buf.Cap() < 2048 || buf.Len() != 0 {
		t.Errorf("cap %d len %d", buf.Cap(), buf.Len())
	}
	buf.WriteString("dirty")
	PutBuffer(buf)
	if again := GetBuffer(); again.Len() != 0 {
		t.Errorf("pooled buffer not reset: %q", again.String())
	}

	huge := bytes.NewBuffer(make([]byte, 0, MaxPooledBuffer+1))
	PutBuffer(huge)
	PutBuffer(nil)
}

func TestDrain(t *testing.T) {
	n, err := Drain(strings.NewReader(strings.Repeat("x", DrainBufferSize*3+7)))
	if err != nil {
		t.Fatal(err)
	}
	if n != DrainBufferSize*3+7 {
		t.Errorf("drained %d bytes", n)
	}
}
