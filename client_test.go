package ipc

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pior/ipc/internal/testutils"
	"github.com/pior/ipc/wire"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Heartbeat(t *testing.T) {
	_, path := startServer(t, reverse, ServerConfig{})
	client := dialClient(t, path, ClientConfig{})

	timeout := time.Second
	start := time.Now()
	require.NoError(t, client.Heartbeat(timeout))
	assert.Less(t, time.Since(start), timeout)
	assert.Equal(t, StatusConnected, client.Connection().Status())
	assert.Equal(t, uint64(1), client.Stats().Heartbeats)
}

func TestClient_HeartbeatUnresponsiveServer(t *testing.T) {
	path := createListener(t, silentPeer)
	client := dialClient(t, path, ClientConfig{})

	timeout := 100 * time.Millisecond
	start := time.Now()
	err := client.Heartbeat(timeout)
	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), timeout)
	assert.Equal(t, StatusTimedOut, client.Connection().Status())

	stats := client.Stats()
	assert.Equal(t, uint64(1), stats.Timeouts)
	assert.Equal(t, uint64(1), stats.Errors)
}

func TestClient_HeartbeatReplies(t *testing.T) {
	t.Run("matching ack", func(t *testing.T) {
		mock := testutils.NewConnectionMock(encodeFrame(t, 1, wire.CmdAck, nil))
		client := NewClient(mock, "mock", ClientConfig{})
		require.NoError(t, client.Heartbeat(time.Second))
	})

	t.Run("wrong sequence", func(t *testing.T) {
		mock := testutils.NewConnectionMock(encodeFrame(t, 50, wire.CmdAck, nil))
		client := NewClient(mock, "mock", ClientConfig{})
		err := client.Heartbeat(time.Second)
		require.ErrorIs(t, err, ErrOutOfSequence)
	})

	t.Run("not an ack", func(t *testing.T) {
		mock := testutils.NewConnectionMock(encodeFrame(t, 1, wire.CmdHeartbeat, nil))
		client := NewClient(mock, "mock", ClientConfig{})
		err := client.Heartbeat(time.Second)
		require.ErrorIs(t, err, ErrUnexpectedAck)
	})

	t.Run("response with payload", func(t *testing.T) {
		mock := testutils.NewConnectionMock(encodeFrame(t, 1, wire.CmdResponse, []byte("late")))
		client := NewClient(mock, "mock", ClientConfig{})
		err := client.Heartbeat(time.Second)
		require.ErrorIs(t, err, ErrUnexpectedAck)
		assert.Equal(t, StatusConnected, client.Connection().Status())
	})

	t.Run("peer closed", func(t *testing.T) {
		mock := testutils.NewConnectionMock()
		client := NewClient(mock, "mock", ClientConfig{})
		err := client.Heartbeat(time.Second)
		require.ErrorIs(t, err, ErrPeerClosed)
		assert.Equal(t, StatusNotConnected, client.Connection().Status())
	})

	t.Run("heartbeat frame is sent", func(t *testing.T) {
		mock := testutils.NewConnectionMock(encodeFrame(t, 1, wire.CmdAck, nil))
		client := NewClient(mock, "mock", ClientConfig{})
		require.NoError(t, client.Heartbeat(time.Second))

		frames := decodeFrames(mock.Written())
		require.Len(t, frames, 1)
		assert.Equal(t, wire.CmdHeartbeat, frames[0].Command)
		assert.Equal(t, uint8(1), frames[0].Seq)
		assert.Zero(t, frames[0].Length)
	})
}

func TestClient_SequentialRequests(t *testing.T) {
	_, path := startServer(t, reverse, ServerConfig{})
	client := dialClient(t, path, ClientConfig{})

	// enough to wrap the sequence counter
	for i := range 300 {
		payload := "request #" + strconv.Itoa(i)
		reply, err := client.Request([]byte(payload), time.Second)
		require.NoError(t, err)
		require.Equal(t, reversed(payload), string(reply))
	}

	stats := client.Stats()
	assert.Equal(t, uint64(300), stats.Requests)
	assert.Equal(t, uint64(300), stats.Responses)
	assert.Zero(t, stats.Errors)
	assert.False(t, client.Connection().ready)
}

func TestClient_EmptyRequest(t *testing.T) {
	_, path := startServer(t, reverse, ServerConfig{})
	client := dialClient(t, path, ClientConfig{})

	reply, err := client.Request(nil, time.Second)
	require.NoError(t, err)
	assert.Empty(t, reply)
}

func TestClient_LargeRequest(t *testing.T) {
	_, path := startServer(t, reverse, ServerConfig{})
	client := dialClient(t, path, ClientConfig{})

	payload := strings.Repeat("0123456789", wire.MaxPayloadSize/10)
	reply, err := client.Request([]byte(payload), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, reversed(payload), string(reply))
}

func TestClient_RequestInto(t *testing.T) {
	_, path := startServer(t, reverse, ServerConfig{})
	client := dialClient(t, path, ClientConfig{})

	out := make([]byte, 16)
	n, err := client.RequestInto([]byte("Hello World"), out, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "dlroW olleH", string(out[:n]))

	short := make([]byte, 3)
	n, err = client.RequestInto([]byte("abcdef"), short, time.Second)
	require.ErrorIs(t, err, io.ErrShortBuffer)
	assert.Equal(t, 6, n)
	assert.Equal(t, "fed", string(short))
}

func TestClient_RequestTimeout(t *testing.T) {
	path := createListener(t, silentPeer)
	client := dialClient(t, path, ClientConfig{})

	timeout := 50 * time.Millisecond
	start := time.Now()
	_, err := client.Request([]byte("hello"), timeout)
	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), timeout)
	assert.Equal(t, StatusTimedOut, client.Connection().Status())
	assert.False(t, client.Connection().ready)
}

func TestClient_RequestPollTimeout(t *testing.T) {
	mock := testutils.NewConnectionMock()
	mock.AddTimeout()
	client := NewClient(mock, "mock", ClientConfig{})

	_, err := client.Request([]byte("x"), 0)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, uint64(1), client.Stats().Timeouts)
}

func TestClient_StaleReplyIsDiscarded(t *testing.T) {
	mock := testutils.NewConnectionMock(
		encodeFrame(t, 0, wire.CmdResponse, []byte("old")),
		encodeFrame(t, 1, wire.CmdResponse, []byte("new")),
	)
	client := NewClient(mock, "mock", ClientConfig{})

	reply, err := client.Request([]byte("x"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "new", string(reply))
	assert.Equal(t, uint64(1), client.Stats().StaleReplies)
}

func TestClient_ReplyOutOfSequence(t *testing.T) {
	mock := testutils.NewConnectionMock(encodeFrame(t, 100, wire.CmdResponse, []byte("?")))
	client := NewClient(mock, "mock", ClientConfig{})

	_, err := client.Request([]byte("x"), time.Second)
	require.ErrorIs(t, err, ErrOutOfSequence)

	var seqErr *SequenceError
	require.ErrorAs(t, err, &seqErr)
	assert.Equal(t, uint8(1), seqErr.Sent)
	assert.Equal(t, uint8(100), seqErr.Received)
	assert.False(t, client.Connection().ready)
}

func TestClient_SequenceTolerance(t *testing.T) {
	mock := testutils.NewConnectionMock(encodeFrame(t, 4, wire.CmdResponse, []byte("?")))
	client := NewClient(mock, "mock", ClientConfig{SequenceTolerance: 2})

	_, err := client.Request([]byte("x"), time.Second)
	require.ErrorIs(t, err, ErrOutOfSequence)
}

func TestClient_StrictSequence(t *testing.T) {
	mock := testutils.NewConnectionMock(encodeFrame(t, 0, wire.CmdResponse, []byte("old")))
	client := NewClient(mock, "mock", ClientConfig{SequenceTolerance: StrictSequence})

	_, err := client.Request([]byte("x"), time.Second)
	require.ErrorIs(t, err, ErrOutOfSequence)
	assert.Zero(t, client.Stats().StaleReplies)
}

func TestClient_HeartbeatSkipsLateResponse(t *testing.T) {
	mock := testutils.NewConnectionMock()
	client := NewClient(mock, "mock", ClientConfig{})

	_, err := client.SendOneWay([]byte("x")) // seq 1
	require.NoError(t, err)

	mock.AddChunk(encodeFrame(t, 1, wire.CmdResponse, []byte("late")))
	mock.AddChunk(encodeFrame(t, 2, wire.CmdAck, nil))
	require.NoError(t, client.Heartbeat(time.Second))
	assert.Equal(t, uint64(1), client.Stats().StaleReplies)

	frames := decodeFrames(mock.Written())
	require.Len(t, frames, 3)
	assert.Equal(t, wire.CmdHeartbeat, frames[1].Command)
	assert.Equal(t, wire.CmdAck, frames[2].Command, "late response is acknowledged")
	assert.Equal(t, uint8(1), frames[2].Seq)
}

func TestClient_HeartbeatAfterTimedOutHeartbeat(t *testing.T) {
	mock := testutils.NewConnectionMock()
	mock.AddTimeout()
	client := NewClient(mock, "mock", ClientConfig{})

	require.ErrorIs(t, client.Heartbeat(10*time.Millisecond), ErrTimeout)
	assert.Equal(t, StatusTimedOut, client.Connection().Status())

	mock.AddChunk(encodeFrame(t, 1, wire.CmdAck, nil))
	mock.AddChunk(encodeFrame(t, 2, wire.CmdAck, nil))
	require.NoError(t, client.Heartbeat(time.Second))
	assert.Equal(t, StatusConnected, client.Connection().Status())
}

func TestClient_HeartbeatAfterTimedOutRequest(t *testing.T) {
	slow := HandlerFunc(func(_ *Connection, cmd wire.Command, _ []byte, out *bytes.Buffer) error {
		if cmd == wire.CmdRequest {
			time.Sleep(100 * time.Millisecond)
			out.WriteString("slow")
		}
		return nil
	})
	_, path := startServer(t, slow, ServerConfig{})
	client := dialClient(t, path, ClientConfig{})

	_, err := client.Request([]byte("x"), 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	for range 3 {
		require.NoError(t, client.Heartbeat(time.Second))
	}
	assert.Equal(t, StatusConnected, client.Connection().Status())

	stats := client.Stats()
	assert.Equal(t, uint64(3), stats.Heartbeats)
	assert.Equal(t, uint64(1), stats.StaleReplies)
}

func TestClient_StaleReplyFromServer(t *testing.T) {
	path := createListener(t, replyWith(func(req *wire.Packet) []wire.Packet {
		return []wire.Packet{
			*wire.NewPacket(req.Seq-1, wire.CmdResponse, []byte("stale")),
			*wire.NewPacket(req.Seq, wire.CmdResponse, []byte("fresh")),
		}
	}))
	client := dialClient(t, path, ClientConfig{})

	for range 3 {
		reply, err := client.Request([]byte("x"), time.Second)
		require.NoError(t, err)
		require.Equal(t, "fresh", string(reply))
	}
}

func TestClient_SendOneWay(t *testing.T) {
	var received atomic.Int32
	handler := HandlerFunc(func(_ *Connection, cmd wire.Command, payload []byte, _ *bytes.Buffer) error {
		if cmd == wire.CmdOneWay && string(payload) == "event" {
			received.Add(1)
		}
		return nil
	})

	server, path := startServer(t, handler, ServerConfig{})
	client := dialClient(t, path, ClientConfig{})

	for range 10 {
		n, err := client.SendOneWay([]byte("event"))
		require.NoError(t, err)
		require.Equal(t, 5, n)
	}

	require.Eventually(t, func() bool { return received.Load() == 10 }, eventually, tick)
	assert.Equal(t, uint64(10), client.Stats().OneWays)
	assert.Zero(t, server.Stats().FramesOut)
}

func TestClient_Async(t *testing.T) {
	_, path := startServer(t, reverse, ServerConfig{})

	responses := make(chan string, 10)
	client := dialClient(t, path, ClientConfig{
		Async: true,
		Handler: HandlerFunc(func(_ *Connection, cmd wire.Command, payload []byte, _ *bytes.Buffer) error {
			if cmd == wire.CmdResponse {
				responses <- string(payload)
			}
			return nil
		}),
	})
	assert.True(t, client.Connection().Async())

	reply, err := client.Request([]byte("abc"), time.Second)
	require.NoError(t, err)
	assert.Nil(t, reply)

	select {
	case got := <-responses:
		assert.Equal(t, "cba", got)
	case <-time.After(eventually):
		t.Fatal("no response delivered")
	}

	require.NoError(t, client.Heartbeat(time.Second))
	assert.Equal(t, uint64(1), client.Stats().Heartbeats)
}

func TestClient_AsyncHeartbeatTimeout(t *testing.T) {
	path := createListener(t, silentPeer)
	client := dialClient(t, path, ClientConfig{Async: true})

	timeout := 50 * time.Millisecond
	start := time.Now()
	require.ErrorIs(t, client.Heartbeat(timeout), ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), timeout)
}

func TestClient_Close(t *testing.T) {
	_, path := startServer(t, reverse, ServerConfig{})

	for _, async := range []bool{false, true} {
		client, err := Dial("unix", path, ClientConfig{Async: async})
		require.NoError(t, err)

		require.NoError(t, client.Close())
		require.NoError(t, client.Close())
		assert.Equal(t, StatusNotConnected, client.Connection().Status())

		_, err = client.Request([]byte("x"), time.Second)
		assert.ErrorIs(t, err, ErrClientClosed)
		_, err = client.SendOneWay([]byte("x"))
		assert.ErrorIs(t, err, ErrClientClosed)
		assert.ErrorIs(t, client.Heartbeat(time.Second), ErrClientClosed)
	}
}

func TestClient_CircuitBreaker(t *testing.T) {
	path := createListener(t, silentPeer)
	client := dialClient(t, path, ClientConfig{
		NewCircuitBreaker: NewCircuitBreakerConfig(1, time.Minute, time.Minute),
	})

	for range 3 {
		_, err := client.Request([]byte("x"), 10*time.Millisecond)
		require.ErrorIs(t, err, ErrTimeout)
	}

	_, err := client.Request([]byte("x"), 10*time.Millisecond)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestDial_Unreachable(t *testing.T) {
	_, err := Dial("unix", socketPath(t), ClientConfig{DialTimeout: 100 * time.Millisecond})
	require.Error(t, err)
}
