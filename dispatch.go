package ipc

import (
	"bytes"

	"github.com/pior/ipc/wire"
)

// Handler processes the one-way, request and response frames received on a
// connection.
//
// payload is only valid for the duration of the call. Whatever the handler
// writes to out becomes the payload of the response when cmd is
// wire.CmdRequest (an empty response unless ServerConfig.SkipEmptyResponses
// is set); out grows as needed and is ignored for other commands.
// Returning an error leaves the frame unanswered.
type Handler interface {
	ServeFrame(conn *Connection, cmd wire.Command, payload []byte, out *bytes.Buffer) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(conn *Connection, cmd wire.Command, payload []byte, out *bytes.Buffer) error

func (f HandlerFunc) ServeFrame(conn *Connection, cmd wire.Command, payload []byte, out *bytes.Buffer) error {
	return f(conn, cmd, payload, out)
}

// dispatch executes a completed frame and sends the reply it calls for, if any.
func (c *Connection) dispatch(pkt *wire.Packet) {
	switch pkt.Command {
	case wire.CmdHeartbeat:
		c.reply(pkt.Seq, wire.CmdAck, nil)

	case wire.CmdOneWay, wire.CmdRequest, wire.CmdResponse:
		c.out.Reset()
		if c.handler != nil {
			if err := c.handler.ServeFrame(c, pkt.Command, pkt.Payload, c.out); err != nil {
				c.stats.recordHandlerError()
				c.logger.Warn("ipc: handler failed",
					"conn", c.id, "command", pkt.Command, "seq", pkt.Seq, "error", err)
				if c.onError != nil {
					c.onError(c, &HandlerError{Command: pkt.Command, Err: err})
				}
				return
			}
		}

		switch pkt.Command {
		case wire.CmdRequest:
			if c.out.Len() == 0 && c.skipEmpty {
				return
			}
			c.reply(pkt.Seq, wire.CmdResponse, c.out.Bytes())
		case wire.CmdResponse:
			c.reply(pkt.Seq, wire.CmdAck, nil)
		}

	case wire.CmdAck:
		// end of a round trip

	default:
		c.logger.Debug("ipc: ignoring unknown command", "conn", c.id, "command", pkt.Command, "seq", pkt.Seq)
	}
}

func (c *Connection) reply(seq uint8, cmd wire.Command, payload []byte) {
	if _, err := c.send(seq, cmd, payload); err != nil {
		c.logger.Warn("ipc: reply failed", "conn", c.id, "command", cmd, "seq", seq, "error", err)
	}
}
