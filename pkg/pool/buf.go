package pool

import (
	"fmt"
	"sync"
)

// Chunk-sized scratch buffers shared by the store writer and the download
// executor. Buffers above maxPooledSize are not returned to the pool.
const maxPooledSize = 4 << 20

var bufPool = sync.Pool{
	New: func() any {
		return &Buffer{b: make([]byte, 64<<10)}
	},
}

type Buffer struct {
	b []byte
}

func (b *Buffer) Bytes() []byte {
	return b.b
}

func (b *Buffer) Release() {
	if cap(b.b) > maxPooledSize {
		return
	}
	b.b = b.b[:cap(b.b)]
	bufPool.Put(b)
}

// GetBuf returns a pooled buffer whose Bytes() has length size.
func GetBuf(size int) *Buffer {
	if size <= 0 {
		panic(fmt.Sprintf("pool: invalid buffer size: %d", size))
	}
	buf := bufPool.Get().(*Buffer)
	if cap(buf.b) < size {
		buf.b = make([]byte, size)
	}
	buf.b = buf.b[:size]
	return buf
}
