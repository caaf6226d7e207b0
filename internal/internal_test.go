package internal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJumpHash(t *testing.T) {
	assert.Equal(t, 0, JumpHash(12345, 0))
	assert.Equal(t, 0, JumpHash(12345, 1))

	for key := uint64(0); key < 1000; key++ {
		b := JumpHash(key, 7)
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 7)
		assert.Equal(t, b, JumpHash(key, 7), "must be deterministic")
	}
}

func TestJumpHash_MinimalMovement(t *testing.T) {
	moved := 0
	for key := uint64(0); key < 10000; key++ {
		if JumpHash(key, 10) != JumpHash(key, 11) {
			moved++
		}
	}
	// roughly 1/11 of the keys move to the new bucket
	assert.Less(t, moved, 1500)
}

func TestBufferPool(t *testing.T) {
	p := NewBufferPool(64)

	buf := p.Get()
	assert.Equal(t, 0, buf.Len())
	assert.GreaterOrEqual(t, buf.Cap(), 64)

	buf.WriteString("data")
	p.Put(buf)
	p.Put(nil)

	again := p.Get()
	assert.Equal(t, 0, again.Len())
}
