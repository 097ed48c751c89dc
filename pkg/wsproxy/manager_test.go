package wsproxy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqd-dev/reqd/pkg/errdefs"
	"github.com/reqd-dev/reqd/pkg/idgen"
)

type fakeMsg struct {
	msgType int
	data    []byte
}

type fakeConn struct {
	mu        sync.Mutex
	written   [][]byte
	closeMsgs [][]byte
	inbound   chan fakeMsg
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan fakeMsg, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.inbound:
		return m.msgType, m.data, nil
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "done"}
	}
}

func (c *fakeConn) WriteMessage(msgType int, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) WriteControl(msgType int, data []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeMsgs = append(c.closeMsgs, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) writtenFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

func newTestManager(t *testing.T, conn *fakeConn, opts ...OpOption) *Manager {
	t.Helper()
	opts = append([]OpOption{WithDialer(func(context.Context, string, string) (Conn, string, error) {
		return conn, "", nil
	})}, opts...)
	m := NewManager(idgen.NewClock(), opts...)
	t.Cleanup(m.Dispose)
	return m
}

func openSession(t *testing.T, m *Manager) State {
	t.Helper()
	state, err := m.Open(context.Background(), OpenRequest{UpstreamURL: "ws://upstream.example/feed"})
	require.NoError(t, err)
	return state
}

func TestOpenEmitsOpened(t *testing.T) {
	m := newTestManager(t, newFakeConn())
	state := openSession(t, m)

	assert.Equal(t, StateOpen, state.ReadyState)
	assert.Equal(t, int64(1), state.LastSeq, "session.opened takes seq 1")

	got, err := m.Get(state.WsSessionID)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, got.ReadyState)
}

func TestOpenCapacity(t *testing.T) {
	m := newTestManager(t, newFakeConn(), WithMaxSessions(1))
	openSession(t, m)

	_, err := m.Open(context.Background(), OpenRequest{UpstreamURL: "ws://upstream.example/feed"})
	assert.Equal(t, errdefs.CodeWsSessionLimit, errdefs.CodeOf(err))
	assert.Equal(t, 1, m.Len())
}

func TestSendText(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(t, conn)
	state := openSession(t, m)

	env, err := m.Send(state.WsSessionID, PayloadText, "hello")
	require.NoError(t, err)
	assert.Equal(t, TypeOutbound, env.Type)
	assert.Equal(t, int64(2), env.Seq)

	frames := conn.writtenFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, "hello", string(frames[0]))
}

func TestSendJSONParsedOpportunistically(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(t, conn)
	state := openSession(t, m)

	env, err := m.Send(state.WsSessionID, PayloadJSON, `{"op":"subscribe"}`)
	require.NoError(t, err)
	payload := env.Payload.(map[string]any)
	parsed := payload["data"].(map[string]any)
	assert.Equal(t, "subscribe", parsed["op"])

	// wire frame is the raw string, not re-serialized
	frames := conn.writtenFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, `{"op":"subscribe"}`, string(frames[0]))
}

func TestSendBinaryUnsupported(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(t, conn)
	state := openSession(t, m)

	env, err := m.Send(state.WsSessionID, PayloadBinary, "\x00\x01")
	require.NoError(t, err)
	assert.Equal(t, TypeError, env.Type)
	assert.Equal(t, ErrBinaryUnsupported, env.Payload.(ErrorPayload).Code)
	assert.Empty(t, conn.writtenFrames(), "frame not forwarded")

	// the socket stays open
	got, err := m.Get(state.WsSessionID)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, got.ReadyState)
}

func TestSendFrameTooLarge(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(t, conn, WithMaxFrameBytes(8))
	state := openSession(t, m)

	env, err := m.Send(state.WsSessionID, PayloadText, "way more than eight bytes")
	require.NoError(t, err)
	assert.Equal(t, ErrFrameTooLarge, env.Payload.(ErrorPayload).Code)
	assert.Empty(t, conn.writtenFrames())
}

func TestSendWhenNotOpen(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(t, conn)
	state := openSession(t, m)

	require.NoError(t, m.Close(state.WsSessionID, 0, "bye"))
	require.Eventually(t, func() bool {
		got, err := m.Get(state.WsSessionID)
		return err == nil && got.ReadyState == StateClosed
	}, time.Second, 5*time.Millisecond)

	env, err := m.Send(state.WsSessionID, PayloadText, "late")
	require.NoError(t, err)
	assert.Equal(t, ErrUpstreamNotOpen, env.Payload.(ErrorPayload).Code)
}

func TestInboundPump(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(t, conn)
	state := openSession(t, m)

	var mu sync.Mutex
	var got []Envelope
	require.NoError(t, m.Attach(state.WsSessionID, func(e Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
		return nil
	}))

	conn.inbound <- fakeMsg{msgType: websocket.TextMessage, data: []byte("tick")}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, TypeInbound, got[0].Type)
	assert.Equal(t, "tick", got[0].Payload.(map[string]any)["data"])
}

func TestUpstreamBinaryFrame(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(t, conn)
	state := openSession(t, m)

	conn.inbound <- fakeMsg{msgType: websocket.BinaryMessage, data: []byte{0x01}}

	require.Eventually(t, func() bool {
		got, err := m.Get(state.WsSessionID)
		return err == nil && got.LastSeq == 2 && got.ReadyState == StateOpen
	}, time.Second, 5*time.Millisecond, "error envelope emitted, socket kept open")
}

func TestReplayWithGap(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(t, conn)
	state, err := m.Open(context.Background(), OpenRequest{
		UpstreamURL: "ws://upstream.example/feed",
		ReplaySize:  2,
	})
	require.NoError(t, err)

	// seqs 2, 3, 4 on top of session.opened at 1; buffer keeps 3 and 4
	for _, data := range []string{"A", "B", "C"} {
		_, err := m.RecordInbound(state.WsSessionID, data)
		require.NoError(t, err)
	}

	out, err := m.Replay(state.WsSessionID, 1)
	require.NoError(t, err)
	require.Len(t, out, 4)

	gapErr := out[0].Payload.(ErrorPayload)
	assert.Equal(t, ErrReplayGap, gapErr.Code)
	assert.Equal(t, int64(1), *gapErr.AfterSeq)
	assert.Equal(t, int64(3), *gapErr.OldestAvailableSeq)

	assert.Equal(t, int64(3), out[1].Seq)
	assert.Equal(t, int64(4), out[2].Seq)

	end := out[3].Payload.(ReplayEnd)
	assert.Equal(t, int64(1), end.AfterSeq)
	assert.Equal(t, 2, end.Replayed)
	assert.True(t, end.Gap)

	// replay emissions are not buffered
	again, err := m.Replay(state.WsSessionID, 1)
	require.NoError(t, err)
	require.Len(t, again, 4)
	assert.Equal(t, int64(3), again[1].Seq)
	assert.Equal(t, int64(4), again[2].Seq)
}

func TestReplayNoGap(t *testing.T) {
	m := newTestManager(t, newFakeConn())
	state := openSession(t, m)

	out, err := m.Replay(state.WsSessionID, 0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, TypeOpened, out[0].Type)
	end := out[1].Payload.(ReplayEnd)
	assert.Equal(t, 1, end.Replayed)
	assert.False(t, end.Gap)
}

func TestCloseEmitsClosed(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(t, conn)
	state := openSession(t, m)

	var mu sync.Mutex
	var got []Envelope
	require.NoError(t, m.Attach(state.WsSessionID, func(e Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
		return nil
	}))

	require.NoError(t, m.Close(state.WsSessionID, websocket.CloseNormalClosure, "bye"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range got {
			if e.Type == TypeClosed {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestIdleSweepClosesSession(t *testing.T) {
	conn := newFakeConn()
	m := newTestManager(t, conn,
		WithIdleTimeout(30*time.Millisecond),
		WithSweepInterval(10*time.Millisecond))
	state := openSession(t, m)

	require.Eventually(t, func() bool {
		got, err := m.Get(state.WsSessionID)
		if err != nil {
			return true // already reaped
		}
		return got.ReadyState == StateClosed || got.ReadyState == StateClosing
	}, time.Second, 5*time.Millisecond, "idle session closed")
}
