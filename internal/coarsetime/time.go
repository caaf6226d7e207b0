// Package coarsetime provides a clock refreshed every 50ms by a background
// goroutine, for hot paths that only need an approximate timestamp such as
// connection activity stamps.
package coarsetime

import (
	"sync/atomic"
	"time"
)

const tick = 50 * time.Millisecond

var now atomic.Int64

func init() {
	now.Store(time.Now().UnixNano())

	ticker := time.NewTicker(tick)
	go func() {
		for t := range ticker.C {
			now.Store(t.UnixNano())
		}
	}()
}

// Now returns the current coarse time.
func Now() time.Time {
	return time.Unix(0, now.Load())
}

// UnixNano returns the current coarse time in nanoseconds.
func UnixNano() int64 {
	return now.Load()
}

// Since returns the coarse time elapsed since t.
func Since(t time.Time) time.Duration {
	return Now().Sub(t)
}
