package ipc

import (
	"bytes"
	"errors"
	"os"
	"syscall"
	"testing"

	"github.com/pior/ipc/internal/testutils"
	"github.com/pior/ipc/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedError struct {
	conn *Connection
	err  error
}

func newTestConnection(role Role, handler Handler, mock *testutils.ConnectionMock) (*Connection, *[]recordedError) {
	var errs []recordedError
	conn := newConnection(connOptions{
		role:    role,
		handler: handler,
		onError: func(c *Connection, err error) {
			errs = append(errs, recordedError{c, err})
		},
	})
	conn.attach(1, mock)
	return conn, &errs
}

func TestConnection_RequestSplitAcrossReads(t *testing.T) {
	frame := encodeFrame(t, 7, wire.CmdRequest, []byte("Hello World"))
	mock := testutils.NewConnectionMock(frame[:2], frame[2:10], frame[10:])
	conn, errs := newTestConnection(RoleServer, reverse, mock)

	for range 3 {
		n, err := conn.step(Infinite)
		require.NoError(t, err)
		require.NotZero(t, n)
	}

	frames := decodeFrames(mock.Written())
	require.Len(t, frames, 1)
	assert.Equal(t, uint8(7), frames[0].Seq)
	assert.Equal(t, wire.CmdResponse, frames[0].Command)
	assert.Equal(t, "dlroW olleH", string(frames[0].Payload))
	assert.Equal(t, StatusConnected, conn.Status())
	assert.Empty(t, *errs)

	stats := conn.stats.snapshot()
	assert.Equal(t, uint64(1), stats.FramesIn)
	assert.Equal(t, uint64(1), stats.FramesOut)
}

func TestConnection_EmptyRequestGetsEmptyResponse(t *testing.T) {
	mock := testutils.NewConnectionMock(encodeFrame(t, 1, wire.CmdRequest, nil))
	conn, _ := newTestConnection(RoleServer, reverse, mock)

	_, err := conn.step(Infinite)
	require.NoError(t, err)

	frames := decodeFrames(mock.Written())
	require.Len(t, frames, 1)
	assert.Equal(t, wire.CmdResponse, frames[0].Command)
	assert.Zero(t, frames[0].Length)
}

func TestConnection_SkipEmptyResponses(t *testing.T) {
	mock := testutils.NewConnectionMock(
		encodeFrame(t, 1, wire.CmdRequest, nil),
		encodeFrame(t, 2, wire.CmdRequest, []byte("ab")),
	)
	conn, _ := newTestConnection(RoleServer, reverse, mock)
	conn.skipEmpty = true

	for range 2 {
		_, err := conn.step(Infinite)
		require.NoError(t, err)
	}

	frames := decodeFrames(mock.Written())
	require.Len(t, frames, 1)
	assert.Equal(t, uint8(2), frames[0].Seq)
	assert.Equal(t, "ba", string(frames[0].Payload))
}

func TestConnection_HeartbeatIsAcked(t *testing.T) {
	called := false
	handler := HandlerFunc(func(*Connection, wire.Command, []byte, *bytes.Buffer) error {
		called = true
		return nil
	})

	mock := testutils.NewConnectionMock(encodeFrame(t, 42, wire.CmdHeartbeat, nil))
	conn, _ := newTestConnection(RoleServer, handler, mock)

	_, err := conn.step(Infinite)
	require.NoError(t, err)

	frames := decodeFrames(mock.Written())
	require.Len(t, frames, 1)
	assert.Equal(t, uint8(42), frames[0].Seq)
	assert.Equal(t, wire.CmdAck, frames[0].Command)
	assert.False(t, called)
}

func TestConnection_ResponseIsAcked(t *testing.T) {
	var got []byte
	handler := HandlerFunc(func(_ *Connection, cmd wire.Command, payload []byte, _ *bytes.Buffer) error {
		require.Equal(t, wire.CmdResponse, cmd)
		got = bytes.Clone(payload)
		return nil
	})

	mock := testutils.NewConnectionMock(encodeFrame(t, 3, wire.CmdResponse, []byte("result")))
	conn, _ := newTestConnection(RoleClient, handler, mock)

	_, err := conn.step(Infinite)
	require.NoError(t, err)

	assert.Equal(t, "result", string(got))
	frames := decodeFrames(mock.Written())
	require.Len(t, frames, 1)
	assert.Equal(t, wire.CmdAck, frames[0].Command)
	assert.Equal(t, uint8(3), frames[0].Seq)
}

func TestConnection_OneWayIsNotAnswered(t *testing.T) {
	calls := 0
	handler := HandlerFunc(func(_ *Connection, cmd wire.Command, _ []byte, out *bytes.Buffer) error {
		calls++
		out.WriteString("ignored")
		return nil
	})

	mock := testutils.NewConnectionMock(encodeFrame(t, 1, wire.CmdOneWay, []byte("event")))
	conn, _ := newTestConnection(RoleServer, handler, mock)

	_, err := conn.step(Infinite)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Empty(t, mock.Written())
}

func TestConnection_HandlerErrorLeavesFrameUnanswered(t *testing.T) {
	boom := errors.New("boom")
	handler := HandlerFunc(func(*Connection, wire.Command, []byte, *bytes.Buffer) error {
		return boom
	})

	mock := testutils.NewConnectionMock(encodeFrame(t, 1, wire.CmdRequest, []byte("x")))
	conn, errs := newTestConnection(RoleServer, handler, mock)

	_, err := conn.step(Infinite)
	require.NoError(t, err)

	assert.Empty(t, mock.Written())
	require.Len(t, *errs, 1)

	var handlerErr *HandlerError
	require.ErrorAs(t, (*errs)[0].err, &handlerErr)
	assert.Equal(t, wire.CmdRequest, handlerErr.Command)
	assert.ErrorIs(t, handlerErr, boom)
	assert.Equal(t, uint64(1), conn.stats.snapshot().HandlerErrors)
}

func TestConnection_PeerClose(t *testing.T) {
	mock := testutils.NewConnectionMock()
	conn, errs := newTestConnection(RoleServer, nil, mock)

	n, err := conn.step(Infinite)
	require.ErrorIs(t, err, ErrPeerClosed)
	assert.Zero(t, n)
	assert.Equal(t, StatusNotConnected, conn.Status())
	assert.ErrorIs(t, conn.LastError(), ErrPeerClosed)
	assert.Empty(t, *errs)
}

func TestConnection_Timeout(t *testing.T) {
	mock := testutils.NewConnectionMock()
	mock.AddTimeout()
	conn, errs := newTestConnection(RoleServer, nil, mock)

	_, err := conn.step(0)
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.Equal(t, StatusTimedOut, conn.Status())
	require.Len(t, *errs, 1)
	assert.Same(t, conn, (*errs)[0].conn)

	deadlines := mock.Deadlines()
	require.Len(t, deadlines, 1)
	assert.False(t, deadlines[0].IsZero())
}

func TestConnection_InfiniteTimeoutClearsDeadline(t *testing.T) {
	mock := testutils.NewConnectionMock([]byte("x"))
	conn, _ := newTestConnection(RoleServer, nil, mock)

	_, err := conn.step(Infinite)
	require.NoError(t, err)

	deadlines := mock.Deadlines()
	require.Len(t, deadlines, 1)
	assert.True(t, deadlines[0].IsZero())
}

func TestConnection_InterruptedReadIsRetried(t *testing.T) {
	mock := testutils.NewConnectionMock()
	mock.AddError(syscall.EINTR)
	mock.AddChunk(encodeFrame(t, 1, wire.CmdHeartbeat, nil))
	conn, errs := newTestConnection(RoleServer, nil, mock)

	n, err := conn.step(Infinite)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, StatusConnected, conn.Status())
	assert.Empty(t, *errs)

	_, err = conn.step(Infinite)
	require.NoError(t, err)
	assert.Len(t, decodeFrames(mock.Written()), 1)
}

func TestConnection_ResetByPeer(t *testing.T) {
	mock := testutils.NewConnectionMock()
	mock.AddError(syscall.ECONNRESET)
	conn, errs := newTestConnection(RoleServer, nil, mock)

	_, err := conn.step(Infinite)
	require.ErrorIs(t, err, syscall.ECONNRESET)
	assert.Equal(t, StatusNotConnected, conn.Status())
	assert.Len(t, *errs, 1)
}

func TestConnection_ReadAfterCloseFaults(t *testing.T) {
	mock := testutils.NewConnectionMock()
	conn, _ := newTestConnection(RoleServer, nil, mock)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.True(t, mock.IsClosed())

	_, err := conn.step(Infinite)
	require.Error(t, err)
	assert.Equal(t, StatusFaulted, conn.Status())
}

func TestConnection_SignalKeepsAwaitedFrame(t *testing.T) {
	var stream []byte
	stream = append(stream, encodeFrame(t, 5, wire.CmdResponse, []byte("five"))...)
	stream = append(stream, encodeFrame(t, 6, wire.CmdResponse, []byte("six"))...)

	mock := testutils.NewConnectionMock(stream)
	conn, _ := newTestConnection(RoleClient, nil, mock)
	conn.want = 5

	_, err := conn.step(Infinite)
	require.NoError(t, err)

	require.True(t, conn.ready)
	assert.Equal(t, uint8(5), conn.frame.seq)
	assert.Equal(t, "five", string(conn.frame.payload))

	conn.resetSignal()
	assert.False(t, conn.ready)
}

func TestConnection_ReceiveBufferWraps(t *testing.T) {
	frame := encodeFrame(t, 1, wire.CmdHeartbeat, nil)

	mock := testutils.NewConnectionMock()
	conn := newConnection(connOptions{role: RoleServer, recvBufferSize: len(frame)})
	conn.attach(1, mock)

	for range 3 {
		mock.AddChunk(frame)
		_, err := conn.step(Infinite)
		require.NoError(t, err)
	}

	assert.Len(t, decodeFrames(mock.Written()), 3)
}

func TestConnection_AttachResetsState(t *testing.T) {
	mock := testutils.NewConnectionMock(encodeFrame(t, 1, wire.CmdHeartbeat, nil)[:5])
	conn, _ := newTestConnection(RoleClient, nil, mock)

	_, err := conn.step(Infinite)
	require.NoError(t, err)
	require.NotEqual(t, wire.StageHead, conn.parser.Stage())
	conn.nextSeq()
	require.NoError(t, conn.Close())

	conn.attach(2, testutils.NewConnectionMock())

	assert.Equal(t, uint64(2), conn.ID())
	assert.Equal(t, wire.StageHead, conn.parser.Stage())
	assert.Equal(t, StatusConnected, conn.Status())
	assert.Equal(t, uint8(1), conn.nextSeq())
	assert.NoError(t, conn.LastError())
}
