package ipc

import (
	"github.com/pior/ipc/internal"
	"github.com/zeebo/xxh3"
)

// ServerSelector picks which server handles a routing key.
// It receives the key and the number of servers and returns an index.
type ServerSelector func(key string, serverCount int) int

// DefaultServerSelector uses Jump Hash over xxh3 for consistent selection:
// adding a server only moves the keys that land on it.
func DefaultServerSelector(key string, serverCount int) int {
	return internal.JumpHash(xxh3.HashString(key), serverCount)
}

func staticSelector(index int) ServerSelector {
	return func(key string, serverCount int) int {
		return index % serverCount
	}
}
