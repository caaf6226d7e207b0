package internal

import (
	"bytes"
	"sync"
)

// BufferPool recycles growable byte buffers used to assemble replies.
type BufferPool struct {
	pool sync.Pool
}

// NewBufferPool returns a pool whose new buffers start with initialSize capacity.
func NewBufferPool(initialSize int) *BufferPool {
	return &BufferPool{
		pool: sync.Pool{
			New: func() any {
				return bytes.NewBuffer(make([]byte, 0, initialSize))
			},
		},
	}
}

// Get returns an empty buffer.
func (p *BufferPool) Get() *bytes.Buffer {
	return p.pool.Get().(*bytes.Buffer)
}

// Put resets buf and returns it to the pool. A nil buf is ignored.
func (p *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil {
		return
	}
	buf.Reset()
	p.pool.Put(buf)
}
