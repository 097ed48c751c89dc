package wsproxy

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/reqd-dev/reqd/pkg/errdefs"
	"github.com/reqd-dev/reqd/pkg/idgen"
	"github.com/reqd-dev/reqd/pkg/log"
)

const (
	DefaultMaxSessions    = 100
	DefaultIdleTimeout    = 5 * time.Minute
	DefaultMaxFrameBytes  = 262_144
	DefaultReplaySize     = 256
	DefaultConnectTimeout = 30 * time.Second
	DefaultSweepInterval  = 30 * time.Second

	closeWriteTimeout = 5 * time.Second
)

// Dialer opens the upstream socket. It returns the connection and the
// negotiated subprotocol.
type Dialer func(ctx context.Context, upstreamURL, subprotocol string) (Conn, string, error)

func gorillaDialer(connectTimeout time.Duration) Dialer {
	return func(ctx context.Context, upstreamURL, subprotocol string) (Conn, string, error) {
		d := websocket.Dialer{HandshakeTimeout: connectTimeout}
		if subprotocol != "" {
			d.Subprotocols = []string{subprotocol}
		}
		conn, resp, err := d.DialContext(ctx, upstreamURL, nil)
		if err != nil {
			return nil, "", err
		}
		negotiated := ""
		if resp != nil {
			negotiated = resp.Header.Get("Sec-WebSocket-Protocol")
		}
		return conn, negotiated, nil
	}
}

type Op struct {
	maxSessions    int
	idleTimeout    time.Duration
	maxFrameBytes  int
	replaySize     int
	connectTimeout time.Duration
	sweepInterval  time.Duration
	dialer         Dialer
}

type OpOption func(*Op)

func (op *Op) applyOpts(opts []OpOption) {
	op.maxSessions = DefaultMaxSessions
	op.idleTimeout = DefaultIdleTimeout
	op.maxFrameBytes = DefaultMaxFrameBytes
	op.replaySize = DefaultReplaySize
	op.connectTimeout = DefaultConnectTimeout
	op.sweepInterval = DefaultSweepInterval
	for _, opt := range opts {
		opt(op)
	}
	if op.dialer == nil {
		op.dialer = gorillaDialer(op.connectTimeout)
	}
}

func WithMaxSessions(n int) OpOption {
	return func(op *Op) {
		if n > 0 {
			op.maxSessions = n
		}
	}
}

func WithIdleTimeout(d time.Duration) OpOption {
	return func(op *Op) {
		if d > 0 {
			op.idleTimeout = d
		}
	}
}

func WithMaxFrameBytes(n int) OpOption {
	return func(op *Op) {
		if n > 0 {
			op.maxFrameBytes = n
		}
	}
}

func WithReplaySize(n int) OpOption {
	return func(op *Op) {
		if n > 0 {
			op.replaySize = n
		}
	}
}

func WithSweepInterval(d time.Duration) OpOption {
	return func(op *Op) {
		if d > 0 {
			op.sweepInterval = d
		}
	}
}

// WithDialer swaps the upstream dialer, mainly for tests.
func WithDialer(d Dialer) OpOption {
	return func(op *Op) {
		if d != nil {
			op.dialer = d
		}
	}
}

// Manager owns the WsSession table.
type Manager struct {
	clock idgen.Clock

	maxSessions   int
	idleTimeout   time.Duration
	maxFrameBytes int
	replaySize    int
	sweepInterval time.Duration
	dialer        Dialer

	mu       sync.Mutex
	sessions map[string]*WsSession

	stopOnce sync.Once
	stopc    chan struct{}
}

func NewManager(clock idgen.Clock, opts ...OpOption) *Manager {
	op := &Op{}
	op.applyOpts(opts)

	m := &Manager{
		clock:         clock,
		maxSessions:   op.maxSessions,
		idleTimeout:   op.idleTimeout,
		maxFrameBytes: op.maxFrameBytes,
		replaySize:    op.replaySize,
		sweepInterval: op.sweepInterval,
		dialer:        op.dialer,
		sessions:      map[string]*WsSession{},
		stopc:         make(chan struct{}),
	}
	go m.sweep()
	return m
}

// OpenRequest describes the upstream socket to open.
type OpenRequest struct {
	UpstreamURL   string `json:"url"`
	FlowID        string `json:"flowId,omitempty"`
	ReqExecID     string `json:"reqExecId,omitempty"`
	Subprotocol   string `json:"subprotocol,omitempty"`
	IdleTimeoutMs int64  `json:"idleTimeoutMs,omitempty"`
	ReplaySize    int    `json:"replayBufferSize,omitempty"`
	MaxFrameBytes int    `json:"maxFrameBytes,omitempty"`
}

// Open dials the upstream and registers the session. At capacity the
// freshly dialed upstream is closed with 1013 and the open is rejected.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (State, error) {
	m.mu.Lock()
	full := len(m.sessions) >= m.maxSessions
	m.mu.Unlock()
	if full {
		return State{}, errdefs.Newf(errdefs.CodeWsSessionLimit, "websocket session limit of %d reached", m.maxSessions)
	}

	conn, negotiated, err := m.dialer(ctx, req.UpstreamURL, req.Subprotocol)
	if err != nil {
		return State{}, errdefs.Wrap(errdefs.CodeExecute, "upstream websocket dial failed", err)
	}

	now := m.clock.Now()
	s := &WsSession{
		ID:             idgen.NewWsSessionID(),
		UpstreamURL:    req.UpstreamURL,
		FlowID:         req.FlowID,
		ReqExecID:      req.ReqExecID,
		Subprotocol:    negotiated,
		CreatedAt:      now,
		IdleTimeout:    m.idleTimeout,
		MaxFrameBytes:  m.maxFrameBytes,
		ReplaySize:     m.replaySize,
		lastActivityAt: now,
		readyState:     StateConnecting,
		conn:           conn,
	}
	if req.IdleTimeoutMs > 0 {
		s.IdleTimeout = time.Duration(req.IdleTimeoutMs) * time.Millisecond
	}
	if req.ReplaySize > 0 {
		s.ReplaySize = req.ReplaySize
	}
	if req.MaxFrameBytes > 0 {
		s.MaxFrameBytes = req.MaxFrameBytes
	}

	m.mu.Lock()
	if len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		m.closeConn(conn, websocket.CloseTryAgainLater, "Session limit reached")
		return State{}, errdefs.Newf(errdefs.CodeWsSessionLimit, "websocket session limit of %d reached", m.maxSessions)
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	s.mu.Lock()
	s.readyState = StateOpen
	s.emitLocked(now, TypeOpened, map[string]any{
		"url":         req.UpstreamURL,
		"subprotocol": negotiated,
	}, true)
	state := s.state()
	s.mu.Unlock()

	go m.readPump(s)
	return state, nil
}

// Get returns the session state.
func (m *Manager) Get(id string) (State, error) {
	s, err := m.lookup(id)
	if err != nil {
		return State{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state(), nil
}

func (m *Manager) lookup(id string) (*WsSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errdefs.Newf(errdefs.CodeWsSessionNotFound, "websocket session %q not found", id)
	}
	return s, nil
}

// Attach binds the control-channel sink. A previous sink is replaced.
func (m *Manager) Attach(id string, sink Sink) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
	return nil
}

// Send forwards one frame to the upstream. Violations (binary frames,
// oversized frames, non-open upstream) produce error envelopes instead
// of upstream traffic.
func (m *Manager) Send(id string, payloadType PayloadType, payload string) (Envelope, error) {
	s, err := m.lookup(id)
	if err != nil {
		return Envelope{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := m.clock.Now()

	if payloadType == PayloadBinary {
		return s.emitLocked(now, TypeError, ErrorPayload{
			Code:    ErrBinaryUnsupported,
			Message: "binary frames are not supported in this protocol version",
		}, true), nil
	}
	if s.readyState != StateOpen {
		return s.emitLocked(now, TypeError, ErrorPayload{
			Code:    ErrUpstreamNotOpen,
			Message: "upstream socket is not open",
		}, true), nil
	}
	if len(payload) > s.MaxFrameBytes {
		return s.emitLocked(now, TypeError, ErrorPayload{
			Code:    ErrFrameTooLarge,
			Message: "frame exceeds the configured maximum",
		}, true), nil
	}

	// json payloads go out as-is; the envelope carries the parsed form
	// when the text is valid JSON
	var envPayload any = map[string]any{"payloadType": string(payloadType), "data": payload}
	if payloadType == PayloadJSON {
		var parsed any
		if err := json.Unmarshal([]byte(payload), &parsed); err == nil {
			envPayload = map[string]any{"payloadType": string(payloadType), "data": parsed}
		}
	}

	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		return s.emitLocked(now, TypeError, ErrorPayload{
			Code:    ErrUpstreamNotOpen,
			Message: err.Error(),
		}, true), nil
	}
	return s.emitLocked(now, TypeOutbound, envPayload, true), nil
}

// RecordInbound emits a session.inbound envelope for an upstream frame.
func (m *Manager) RecordInbound(id string, data string) (Envelope, error) {
	s, err := m.lookup(id)
	if err != nil {
		return Envelope{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitLocked(m.clock.Now(), TypeInbound, map[string]any{"data": data}, true), nil
}

// RecordError emits a session.error envelope.
func (m *Manager) RecordError(id, code, message string) (Envelope, error) {
	s, err := m.lookup(id)
	if err != nil {
		return Envelope{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitLocked(m.clock.Now(), TypeError, ErrorPayload{Code: code, Message: message}, true), nil
}

// Replay returns the buffered envelopes with seq > afterSeq followed by
// a session.replay.end marker. When the buffer no longer reaches back
// to afterSeq+1, a WS_REPLAY_GAP error envelope precedes them; neither
// it nor the marker enters the buffer.
func (m *Manager) Replay(id string, afterSeq int64) ([]Envelope, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := m.clock.Now()

	var tail []Envelope
	for _, env := range s.replay {
		if env.Seq > afterSeq {
			tail = append(tail, env)
		}
	}

	gap := false
	if len(s.replay) > 0 && s.replay[0].Seq > afterSeq+1 {
		gap = true
	} else if len(s.replay) == 0 && s.lastSeq > afterSeq {
		gap = true
	}

	var out []Envelope
	if gap {
		oldest := s.lastSeq + 1
		if len(s.replay) > 0 {
			oldest = s.replay[0].Seq
		}
		after := afterSeq
		out = append(out, s.emitLocked(now, TypeError, ErrorPayload{
			Code:               ErrReplayGap,
			Message:            "replay buffer no longer reaches the requested sequence",
			AfterSeq:           &after,
			OldestAvailableSeq: &oldest,
		}, false))
	}
	// an attached sink receives the tail in order between the gap
	// marker and replay.end, so sink consumers need not touch the
	// returned slice
	if s.sink != nil {
		for _, env := range tail {
			if serr := s.sink(env); serr != nil {
				s.sink = nil
				break
			}
		}
	}
	out = append(out, tail...)
	out = append(out, s.emitLocked(now, TypeReplayEnd, ReplayEnd{
		AfterSeq: afterSeq,
		Replayed: len(tail),
		Gap:      gap,
	}, false))
	return out, nil
}

// Close closes the upstream with the given code. The session.closed
// envelope is emitted by the read pump when the upstream confirms.
func (m *Manager) Close(id string, code int, reason string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.readyState == StateClosed || s.readyState == StateClosing {
		s.mu.Unlock()
		return nil
	}
	s.readyState = StateClosing
	conn := s.conn
	s.mu.Unlock()

	if code == 0 {
		code = websocket.CloseNormalClosure
	}
	m.closeConn(conn, code, reason)
	return nil
}

// Dispose closes every upstream with 1001 and stops the sweep.
func (m *Manager) Dispose() {
	m.stopOnce.Do(func() { close(m.stopc) })

	m.mu.Lock()
	all := make([]*WsSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.mu.Lock()
		state := s.readyState
		s.readyState = StateClosing
		conn := s.conn
		s.mu.Unlock()
		if state == StateOpen || state == StateConnecting {
			m.closeConn(conn, websocket.CloseGoingAway, "Server shutting down")
		}
	}
}

// Len reports the table size.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) closeConn(conn Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout)); err != nil {
		log.Logger.Debugw("websocket close write failed", "error", err)
	}
	if err := conn.Close(); err != nil {
		log.Logger.Debugw("websocket close failed", "error", err)
	}
}

// readPump owns the upstream read loop for one session.
func (m *Manager) readPump(s *WsSession) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			reason := err.Error()
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				code = closeErr.Code
				reason = closeErr.Text
			}

			s.mu.Lock()
			s.readyState = StateClosed
			s.emitLocked(m.clock.Now(), TypeClosed, map[string]any{
				"code":   code,
				"reason": reason,
			}, true)
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		switch msgType {
		case websocket.BinaryMessage:
			s.emitLocked(m.clock.Now(), TypeError, ErrorPayload{
				Code:    ErrBinaryUnsupported,
				Message: "upstream sent a binary frame",
			}, true)
		default:
			s.emitLocked(m.clock.Now(), TypeInbound, map[string]any{"data": string(data)}, true)
		}
		s.mu.Unlock()
	}
}

func (m *Manager) sweep() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopc:
			return
		case <-ticker.C:
		}

		now := m.clock.Now()
		m.mu.Lock()
		var idle []*WsSession
		for id, s := range m.sessions {
			s.mu.Lock()
			cutoff := s.lastActivityAt.Add(s.IdleTimeout)
			state := s.readyState
			s.mu.Unlock()
			if now.Before(cutoff) {
				continue
			}
			if state == StateClosed {
				delete(m.sessions, id)
				continue
			}
			idle = append(idle, s)
		}
		m.mu.Unlock()

		for _, s := range idle {
			log.Logger.Infow("closing idle websocket session", "wsSessionId", s.ID)
			s.mu.Lock()
			s.readyState = StateClosing
			conn := s.conn
			s.mu.Unlock()
			m.closeConn(conn, websocket.CloseGoingAway, "Idle timeout")
		}
	}
}
