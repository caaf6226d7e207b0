package ipc

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// Status is the connectivity state of a Connection.
type Status int32

const (
	StatusNotConnected Status = iota
	StatusConnected
	StatusTimedOut
	StatusFaulted
)

func (s Status) String() string {
	switch s {
	case StatusNotConnected:
		return "not-connected"
	case StatusConnected:
		return "connected"
	case StatusTimedOut:
		return "timed-out"
	case StatusFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// classifyError maps a read error to the status it leaves the connection in.
// Transient errors report retry and leave the status unchanged.
func classifyError(err error) (status Status, retry bool) {
	switch {
	case errors.Is(err, syscall.EINTR), errors.Is(err, syscall.EAGAIN):
		return 0, true
	case errors.Is(err, os.ErrDeadlineExceeded):
		return StatusTimedOut, false
	case errors.Is(err, io.EOF),
		errors.Is(err, syscall.ENOTCONN),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return StatusNotConnected, false
	case errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.EBADF),
		errors.Is(err, syscall.EFAULT),
		errors.Is(err, syscall.ENOMEM):
		return StatusFaulted, false
	default:
		return StatusFaulted, false
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
