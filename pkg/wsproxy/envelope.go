// Package wsproxy owns upstream WebSocket connections, proxies frames
// between the control channel and the upstream, and emits replayable
// envelopes with a per-session monotonic sequence.
package wsproxy

import "time"

// EnvelopeType names one server-to-client envelope kind.
type EnvelopeType string

const (
	TypeOpened    EnvelopeType = "session.opened"
	TypeInbound   EnvelopeType = "session.inbound"
	TypeOutbound  EnvelopeType = "session.outbound"
	TypeError     EnvelopeType = "session.error"
	TypeReplayEnd EnvelopeType = "session.replay.end"
	TypeClosed    EnvelopeType = "session.closed"
)

// Error codes carried in session.error payloads.
const (
	ErrBinaryUnsupported = "WS_BINARY_UNSUPPORTED"
	ErrFrameTooLarge     = "WS_FRAME_TOO_LARGE"
	ErrUpstreamNotOpen   = "WS_UPSTREAM_NOT_OPEN"
	ErrReplayGap         = "WS_REPLAY_GAP"
)

// Envelope is one server-to-client message. Seq is strictly monotonic
// per WsSession.
type Envelope struct {
	Type        EnvelopeType `json:"type"`
	WsSessionID string       `json:"wsSessionId"`
	Seq         int64        `json:"seq"`
	TS          time.Time    `json:"ts"`
	Payload     any          `json:"payload,omitempty"`
}

// ReadyState mirrors the upstream socket lifecycle. The manager only
// observes transitions; it never forces them.
type ReadyState string

const (
	StateConnecting ReadyState = "connecting"
	StateOpen       ReadyState = "open"
	StateClosing    ReadyState = "closing"
	StateClosed     ReadyState = "closed"
)

// PayloadType selects how an outbound payload is framed.
type PayloadType string

const (
	PayloadText   PayloadType = "text"
	PayloadJSON   PayloadType = "json"
	PayloadBinary PayloadType = "binary"
)

// ReplayEnd is the session.replay.end payload.
type ReplayEnd struct {
	AfterSeq int64 `json:"afterSeq"`
	Replayed int   `json:"replayed"`
	Gap      bool  `json:"gap"`
}

// ErrorPayload is the session.error payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// gap boundaries, set for WS_REPLAY_GAP
	AfterSeq           *int64 `json:"afterSeq,omitempty"`
	OldestAvailableSeq *int64 `json:"oldestAvailableSeq,omitempty"`
}
