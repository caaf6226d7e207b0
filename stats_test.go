package ipc

import (
	"fmt"
	"sync"
	"testing"

	"github.com/pior/ipc/wire"
	"github.com/stretchr/testify/assert"
)

func TestLinkStatsCollector(t *testing.T) {
	var c linkStatsCollector

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.recordFrameOut()
			c.recordParser(wire.ParserStats{Frames: 2, Resyncs: 1})
		}()
	}
	wg.Wait()
	c.recordHandlerError()
	c.recordTransportError()

	stats := c.snapshot()
	assert.Equal(t, uint64(10), stats.FramesOut)
	assert.Equal(t, uint64(20), stats.FramesIn)
	assert.Equal(t, uint64(10), stats.Resyncs)
	assert.Zero(t, stats.Oversized)
	assert.Equal(t, uint64(1), stats.HandlerErrors)
	assert.Equal(t, uint64(1), stats.TransportErrors)
}

func TestClientStatsCollector_RecordError(t *testing.T) {
	var c clientStatsCollector

	c.recordError(ErrTimeout)
	c.recordError(fmt.Errorf("read: %w", ErrPeerClosed))

	stats := c.snapshot()
	assert.Equal(t, uint64(2), stats.Errors)
	assert.Equal(t, uint64(1), stats.Timeouts)
}
