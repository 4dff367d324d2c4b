// Package wire holds small allocation-reduction helpers shared by the
// packet codec. The buffer pool here is adapted from the teacher
// package's serialize.go buffer pool.
package wire

import (
	"bytes"
	"sync"
)

var bufferPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// GetBuffer returns a reset, ready-to-use buffer from the pool.
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns buf to the pool. Buffers that grew past 64KB are
// dropped rather than pooled, so one oversized packet doesn't pin a
// large allocation in the pool indefinitely.
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() < 1024*64 {
		bufferPool.Put(buf)
	}
}
