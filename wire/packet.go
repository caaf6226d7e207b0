package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Command identifies the purpose of a frame.
type Command uint8

const (
	CmdHeartbeat Command = iota // Liveness probe, answered with CmdAck
	CmdOneWay                   // Fire-and-forget message, never answered
	CmdRequest                  // Message expecting a CmdResponse
	CmdResponse                 // Reply to a CmdRequest, acknowledged with CmdAck
	CmdAck                      // Terminal acknowledgement
)

// Valid reports whether c is a known command.
func (c Command) Valid() bool {
	return c <= CmdAck
}

func (c Command) String() string {
	switch c {
	case CmdHeartbeat:
		return "heartbeat"
	case CmdOneWay:
		return "oneway"
	case CmdRequest:
		return "request"
	case CmdResponse:
		return "response"
	case CmdAck:
		return "ack"
	default:
		return fmt.Sprintf("command(%d)", uint8(c))
	}
}

// Packet is one logical message.
//
// Packets handed out by a Parser are reused for the next frame; the Payload
// slice points into the parser's buffer and must be copied to be retained.
type Packet struct {
	Seq     uint8
	Command Command
	Length  uint32
	Payload []byte
}

// NewPacket builds a packet whose Length matches the payload.
func NewPacket(seq uint8, cmd Command, payload []byte) *Packet {
	return &Packet{
		Seq:     seq,
		Command: cmd,
		Length:  uint32(len(payload)),
		Payload: payload,
	}
}

// EncodedSize returns the number of bytes p occupies on the wire.
func (p *Packet) EncodedSize() int {
	return Overhead + int(p.Length)
}

// AppendPacket appends the wire encoding of p to dst.
// On error dst is returned unchanged.
func AppendPacket(dst []byte, p *Packet) ([]byte, error) {
	if !p.Command.Valid() {
		return dst, ErrInvalidCommand
	}
	if int(p.Length) != len(p.Payload) {
		return dst, ErrPayloadMismatch
	}

	dst = append(dst, headMarker[:]...)
	dst = append(dst, p.Seq, byte(p.Command))
	dst = binary.BigEndian.AppendUint32(dst, p.Length)
	dst = append(dst, p.Payload...)
	dst = append(dst, tailMarker[:]...)
	return dst, nil
}

// WritePacket encodes p and writes it to w in a single Write call.
// It returns the number of payload bytes written.
func WritePacket(w io.Writer, p *Packet) (int, error) {
	buf, err := AppendPacket(make([]byte, 0, p.EncodedSize()), p)
	if err != nil {
		return 0, err
	}
	if _, err := w.Write(buf); err != nil {
		return 0, err
	}
	return int(p.Length), nil
}

// DeadlineReader is a reader supporting read deadlines, such as net.Conn.
type DeadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// ReadPacket reads exactly one frame from r, blocking for at most timeout
// (see Deadline for the timeout modes). The payload is read into buf; the
// returned packet's Payload aliases buf.
//
// A payload larger than buf is drained from the stream and io.ErrShortBuffer
// is returned, leaving the stream aligned on the next frame. A payload above
// MaxPayloadFor(len(buf)) is not drained: ErrOversized is returned and the
// stream is left mid-frame.
func ReadPacket(r DeadlineReader, buf []byte, timeout time.Duration) (*Packet, error) {
	if err := r.SetReadDeadline(Deadline(timeout)); err != nil {
		return nil, err
	}
	defer r.SetReadDeadline(time.Time{})

	var hdr [HeaderSize]byte

	if err := readFull(r, hdr[0:MarkerSize]); err != nil {
		return nil, err
	}
	if [MarkerSize]byte(hdr[0:MarkerSize]) != headMarker {
		return nil, ErrBadMarker
	}
	if err := readFull(r, hdr[3:4]); err != nil {
		return nil, err
	}
	if err := readFull(r, hdr[4:5]); err != nil {
		return nil, err
	}
	if err := readFull(r, hdr[5:9]); err != nil {
		return nil, err
	}

	pkt := &Packet{
		Seq:     hdr[3],
		Command: Command(hdr[4]),
		Length:  binary.BigEndian.Uint32(hdr[5:9]),
	}

	if pkt.Length > MaxPayloadFor(len(buf)) {
		return pkt, ErrOversized
	}

	var payloadErr error
	if pkt.Length > 0 {
		if uint64(pkt.Length) <= uint64(len(buf)) {
			if err := readFull(r, buf[:pkt.Length]); err != nil {
				return nil, err
			}
			pkt.Payload = buf[:pkt.Length]
		} else {
			if _, err := io.CopyN(io.Discard, r, int64(pkt.Length)); err != nil {
				return nil, convertReadError(err)
			}
			payloadErr = io.ErrShortBuffer
		}
	}

	var tail [MarkerSize]byte
	if err := readFull(r, tail[:]); err != nil {
		return nil, err
	}
	if tail != tailMarker {
		return nil, ErrBadMarker
	}
	if payloadErr != nil {
		return pkt, payloadErr
	}
	if !pkt.Command.Valid() {
		return pkt, ErrInvalidCommand
	}
	return pkt, nil
}

func readFull(r io.Reader, b []byte) error {
	if _, err := io.ReadFull(r, b); err != nil {
		return convertReadError(err)
	}
	return nil
}

func convertReadError(err error) error {
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %w", ErrShortRead, err)
	default:
		return err
	}
}
