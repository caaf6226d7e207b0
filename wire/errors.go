package wire

import (
	"errors"
	"fmt"
	"os"
)

var (
	ErrInvalidCommand  = errors.New("wire: invalid command")
	ErrPayloadMismatch = errors.New("wire: payload does not match declared length")
	ErrBadMarker       = errors.New("wire: frame marker mismatch")
	ErrShortRead       = errors.New("wire: short read")
	ErrOversized       = errors.New("wire: declared payload exceeds limit")

	// ErrTimeout is returned when a blocking read exceeds its budget.
	// It matches os.ErrDeadlineExceeded with errors.Is.
	ErrTimeout = fmt.Errorf("wire: timed out: %w", os.ErrDeadlineExceeded)
)
