package ipc

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pior/ipc/wire"
	"github.com/stretchr/testify/require"
)

// socketPath returns a unix socket path in a fresh directory. The directory
// is short-named to stay under the sun_path limit.
func socketPath(t testing.TB) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ipc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

// createListener starts a raw unix listener running handler on every
// accepted socket.
func createListener(t testing.TB, handler func(conn net.Conn)) string {
	t.Helper()
	path := socketPath(t)

	listener, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}

			go func(c net.Conn) {
				defer c.Close()
				if handler != nil {
					handler(c)
				}
			}(conn)
		}
	}()

	return path
}

// silentPeer reads and discards everything, never replying.
func silentPeer(conn net.Conn) {
	buf := make([]byte, 1024)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

func startServer(t testing.TB, handler Handler, cfg ServerConfig) (*Server, string) {
	t.Helper()
	path := socketPath(t)

	server, err := Listen("unix", path, handler, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	return server, path
}

func dialClient(t testing.TB, path string, cfg ClientConfig) *Client {
	t.Helper()
	client, err := Dial("unix", path, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

// reverse answers requests with the payload reversed byte-wise.
var reverse = HandlerFunc(func(conn *Connection, cmd wire.Command, payload []byte, out *bytes.Buffer) error {
	if cmd == wire.CmdRequest {
		for i := len(payload) - 1; i >= 0; i-- {
			out.WriteByte(payload[i])
		}
	}
	return nil
})

func reversed(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}

func encodeFrame(t testing.TB, seq uint8, cmd wire.Command, payload []byte) []byte {
	t.Helper()
	buf, err := wire.AppendPacket(nil, wire.NewPacket(seq, cmd, payload))
	require.NoError(t, err)
	return buf
}

// decodeFrames parses every frame of a byte stream, copying payloads.
func decodeFrames(data []byte) []wire.Packet {
	var frames []wire.Packet
	p := wire.NewParser(wire.MaxPayloadSize)
	p.Feed(data, func(pkt *wire.Packet) {
		cp := *pkt
		cp.Payload = bytes.Clone(pkt.Payload)
		frames = append(frames, cp)
	})
	return frames
}

// replyWith runs a fake server answering each request with the frames
// returned by respond. Other frames, such as the acks of its responses,
// are ignored.
func replyWith(respond func(req *wire.Packet) []wire.Packet) func(conn net.Conn) {
	return func(conn net.Conn) {
		buf := make([]byte, wire.MaxPayloadSize)
		for {
			req, err := wire.ReadPacket(conn, buf, wire.Infinite)
			if err != nil {
				return
			}
			if req.Command != wire.CmdRequest {
				continue
			}
			for _, pkt := range respond(req) {
				if _, err := wire.WritePacket(conn, &pkt); err != nil {
					return
				}
			}
		}
	}
}

const eventually = 2 * time.Second
const tick = 5 * time.Millisecond
