// Package wire implements the framed IPC wire format.
//
// Every message travels as one frame:
//
//	+--------+-----+-----+------------+---------------+--------+
//	| "IPC"  | seq | cmd | length (4) | payload (len) | "END"  |
//	+--------+-----+-----+------------+---------------+--------+
//
// The length is an unsigned 32-bit integer in network byte order. The
// sequence number is an 8-bit counter that wraps from 255 to 0; use
// SeqDistance to compare two of them.
//
// # Writing
//
// AppendPacket serializes a packet into a caller-owned buffer, WritePacket
// serializes and writes it in a single call:
//
//	n, err := wire.WritePacket(conn, wire.NewPacket(seq, wire.CmdRequest, payload))
//
// # Reading
//
// Two readers are provided. ReadPacket performs a blocking, deadline-bound
// decode of exactly one frame and is meant for simple exchanges such as a
// heartbeat. Parser is an incremental state machine fed with whatever a
// socket read returned; it re-synchronizes on corrupt markers and drops
// frames declaring a payload larger than its limit:
//
//	p := wire.NewParser(wire.MaxPayloadSize)
//	p.Feed(buf[:n], func(pkt *wire.Packet) {
//	    // pkt is reused by the parser, copy what must outlive the callback
//	})
package wire
