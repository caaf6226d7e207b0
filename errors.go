package ipc

import (
	"errors"
	"fmt"

	"github.com/pior/ipc/wire"
)

var (
	// ErrTimeout is returned when a call exceeds its timeout budget (ETIMEDOUT).
	// It matches os.ErrDeadlineExceeded with errors.Is.
	ErrTimeout = wire.ErrTimeout

	// ErrOutOfSequence is returned when a reply's sequence number is too far
	// from the request's to be a stale reply (EILSEQ).
	ErrOutOfSequence = errors.New("ipc: reply out of sequence")

	ErrPeerClosed    = errors.New("ipc: peer closed connection")
	ErrClientClosed  = errors.New("ipc: client closed")
	ErrNoServers     = errors.New("ipc: no servers available")
	ErrUnexpectedAck = errors.New("ipc: unexpected reply to heartbeat")
)

// SequenceError reports a reply whose sequence number does not match the
// request and falls outside the stale-reply tolerance.
type SequenceError struct {
	Sent     uint8
	Received uint8
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("ipc: reply out of sequence: sent %d, received %d (distance %d)",
		e.Sent, e.Received, wire.SeqDistance(e.Sent, e.Received))
}

// Is makes errors.Is(err, ErrOutOfSequence) match.
func (e *SequenceError) Is(target error) bool {
	return target == ErrOutOfSequence
}

// HandlerError wraps a failure returned by a Handler.
// The frame that triggered it was not answered.
type HandlerError struct {
	Command wire.Command
	Err     error
}

func (e *HandlerError) Error() string {
	return "ipc: handler failed on " + e.Command.String() + ": " + e.Err.Error()
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
