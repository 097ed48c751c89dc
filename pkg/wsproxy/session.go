package wsproxy

import (
	"sync"
	"time"
)

// Conn is the subset of the upstream websocket connection the manager
// uses; *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Sink receives envelopes for the control channel. A failing sink is
// detached; the upstream stays open.
type Sink func(Envelope) error

// WsSession is one owned upstream socket.
type WsSession struct {
	ID          string
	UpstreamURL string
	FlowID      string
	ReqExecID   string
	Subprotocol string
	CreatedAt   time.Time

	IdleTimeout   time.Duration
	MaxFrameBytes int
	ReplaySize    int

	// guarded by mu
	lastActivityAt time.Time
	readyState     ReadyState
	lastSeq        int64
	replay         []Envelope
	conn           Conn
	sink           Sink

	mu sync.Mutex
}

// State is the read model returned by open/introspection.
type State struct {
	WsSessionID    string     `json:"wsSessionId"`
	UpstreamURL    string     `json:"upstreamUrl"`
	FlowID         string     `json:"flowId,omitempty"`
	ReqExecID      string     `json:"reqExecId,omitempty"`
	Subprotocol    string     `json:"subprotocol,omitempty"`
	ReadyState     ReadyState `json:"readyState"`
	CreatedAt      time.Time  `json:"createdAt"`
	LastActivityAt time.Time  `json:"lastActivityAt"`
	LastSeq        int64      `json:"lastSeq"`
	IdleTimeoutMs  int64      `json:"idleTimeoutMs"`
	MaxFrameBytes  int        `json:"maxFrameBytes"`
	ReplaySize     int        `json:"replayBufferSize"`
}

func (s *WsSession) state() State {
	return State{
		WsSessionID:    s.ID,
		UpstreamURL:    s.UpstreamURL,
		FlowID:         s.FlowID,
		ReqExecID:      s.ReqExecID,
		Subprotocol:    s.Subprotocol,
		ReadyState:     s.readyState,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.lastActivityAt,
		LastSeq:        s.lastSeq,
		IdleTimeoutMs:  s.IdleTimeout.Milliseconds(),
		MaxFrameBytes:  s.MaxFrameBytes,
		ReplaySize:     s.ReplaySize,
	}
}

// emitLocked allocates the next seq, stamps ts, appends to the replay
// ring unless excluded, and delivers to the sink. Callers hold mu.
func (s *WsSession) emitLocked(now time.Time, typ EnvelopeType, payload any, buffered bool) Envelope {
	s.lastSeq++
	env := Envelope{
		Type:        typ,
		WsSessionID: s.ID,
		Seq:         s.lastSeq,
		TS:          now,
		Payload:     payload,
	}
	s.lastActivityAt = now

	if buffered && typ != TypeReplayEnd {
		s.replay = append(s.replay, env)
		if len(s.replay) > s.ReplaySize {
			s.replay = s.replay[len(s.replay)-s.ReplaySize:]
		}
	}

	if s.sink != nil {
		if err := s.sink(env); err != nil {
			s.sink = nil
		}
	}
	return env
}
