// Package eventbus fans execution events out to SSE subscribers,
// filtered by session and flow.
package eventbus

import "time"

// Type names one stage-boundary event. The set is closed; consumers
// switch on it.
type Type string

const (
	TypeParseStarted        Type = "parseStarted"
	TypeParseFinished       Type = "parseFinished"
	TypeInterpolateStarted  Type = "interpolateStarted"
	TypeInterpolateFinished Type = "interpolateFinished"
	TypeCompileStarted      Type = "compileStarted"
	TypeCompileFinished     Type = "compileFinished"
	TypeFetchStarted        Type = "fetchStarted"
	TypeFetchFinished       Type = "fetchFinished"
	TypeError               Type = "error"
	TypeSessionUpdated      Type = "sessionUpdated"
	TypeFlowStarted         Type = "flowStarted"
	TypeFlowFinished        Type = "flowFinished"
	TypeRequestQueued       Type = "requestQueued"
	TypeExecutionFailed     Type = "executionFailed"
	TypePluginReport        Type = "pluginReport"
	TypePluginHookFinished  Type = "pluginHookFinished"
	TypeScriptStarted       Type = "scriptStarted"
	TypeScriptOutput        Type = "scriptOutput"
	TypeScriptFinished      Type = "scriptFinished"
	TypeTestStarted         Type = "testStarted"
	TypeTestOutput          Type = "testOutput"
	TypeTestFinished        Type = "testFinished"
)

// Envelope is the wire form of an event. Seq is flow-scoped when FlowID
// is set, otherwise run-scoped.
type Envelope struct {
	Type      Type      `json:"type"`
	TS        time.Time `json:"ts"`
	RunID     string    `json:"runId"`
	SessionID string    `json:"sessionId,omitempty"`
	FlowID    string    `json:"flowId,omitempty"`
	ReqExecID string    `json:"reqExecId,omitempty"`
	Seq       int64     `json:"seq"`
	Payload   any       `json:"payload,omitempty"`
}
