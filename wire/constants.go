package wire

import "time"

// Frame layout
const (
	MarkerSize  = 3
	HeaderSize  = MarkerSize + 1 + 1 + 4 // marker, seq, cmd, length
	TrailerSize = MarkerSize
	Overhead    = HeaderSize + TrailerSize
)

// Receive limits
const (
	// DefaultRecvBufferSize is the size of the fixed per-connection receive buffer.
	DefaultRecvBufferSize = 4096

	// PayloadSizeFactor bounds the accepted payload relative to the receive buffer.
	PayloadSizeFactor = 16

	// MaxPayloadSize is the largest payload accepted with the default receive buffer.
	MaxPayloadSize = PayloadSizeFactor * DefaultRecvBufferSize
)

// Timeout modes
const (
	// Infinite disables the deadline of a blocking call.
	Infinite time.Duration = -1

	// PollWindow is the deadline used for a zero (poll) timeout.
	PollWindow = time.Millisecond
)

var (
	headMarker = [MarkerSize]byte{'I', 'P', 'C'}
	tailMarker = [MarkerSize]byte{'E', 'N', 'D'}
)

// MaxPayloadFor returns the largest payload a receiver with the given buffer size accepts.
func MaxPayloadFor(recvBufferSize int) uint32 {
	if recvBufferSize <= 0 {
		recvBufferSize = DefaultRecvBufferSize
	}
	return uint32(PayloadSizeFactor * recvBufferSize)
}

// Deadline converts a timeout into an absolute read deadline.
// A negative timeout yields the zero time (no deadline), zero yields a short
// poll window and a positive timeout is added to the current time.
func Deadline(timeout time.Duration) time.Time {
	switch {
	case timeout < 0:
		return time.Time{}
	case timeout == 0:
		return time.Now().Add(PollWindow)
	default:
		return time.Now().Add(timeout)
	}
}
