package packets

import "sync"

// bufferPool holds reusable byte slices for encoding and reading packets.
// The fixed 4KB size covers most control packets and small publishes;
// larger packets allocate directly.
var bufferPool = sync.Pool{
	New: func() any {
		buf := make([]byte, 4096)
		return &buf
	},
}

// GetBuffer returns a buffer of at least size bytes from the pool.
func GetBuffer(size int) *[]byte {
	if size > 4096 {
		buf := make([]byte, size)
		return &buf
	}
	return bufferPool.Get().(*[]byte)
}

// PutBuffer returns a buffer to the pool. Buffers larger than the pooled
// size are dropped rather than retained.
func PutBuffer(bufPtr *[]byte) {
	if cap(*bufPtr) != 4096 {
		return
	}
	bufferPool.Put(bufPtr)
}
