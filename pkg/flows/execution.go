// Package flows groups executions for inspection and scopes event
// ordering. A flow retains a bounded window of recent executions and
// owns the strictly increasing sequence counter stamped on every
// envelope it emits.
package flows

import (
	"time"

	"github.com/reqd-dev/reqd/pkg/redact"
)

// Status is the execution lifecycle state.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Timing captures the execution timeline.
type Timing struct {
	StartTime  time.Time  `json:"startTime"`
	EndTime    *time.Time `json:"endTime,omitempty"`
	DurationMs *int64     `json:"durationMs,omitempty"`
	TTFBMs     *int64     `json:"ttfb,omitempty"`
}

// BodyEncoding tags how the captured body bytes are encoded.
type BodyEncoding string

const (
	EncodingUTF8   BodyEncoding = "utf-8"
	EncodingBase64 BodyEncoding = "base64"
)

// Response is the captured upstream response.
type Response struct {
	Status     int             `json:"status"`
	StatusText string          `json:"statusText"`
	Headers    []redact.Header `json:"headers"`
	Body       string          `json:"body"`
	Encoding   BodyEncoding    `json:"encoding"`
	Truncated  bool            `json:"truncated"`
	BodyBytes  int64           `json:"bodyBytes"`
}

// HookRecord is one plugin hook invocation observed by an execution.
type HookRecord struct {
	Stage      string `json:"stage"`
	PluginName string `json:"pluginName"`
	DurationMs int64  `json:"durationMs"`
	Modified   bool   `json:"modified"`
	Failed     bool   `json:"failed,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Report is one plugin-emitted report, stamped by the dispatcher.
type Report struct {
	PluginName  string    `json:"pluginName"`
	RunID       string    `json:"runId"`
	FlowID      string    `json:"flowId,omitempty"`
	ReqExecID   string    `json:"reqExecId,omitempty"`
	RequestName string    `json:"requestName,omitempty"`
	TS          time.Time `json:"ts"`
	Seq         int64     `json:"seq"`
	Data        any       `json:"data"`
}

// StoredExecution is one executed request retained inside a flow.
// Once Status is terminal the record is never mutated.
type StoredExecution struct {
	ReqExecID string `json:"reqExecId"`
	FlowID    string `json:"flowId"`
	SessionID string `json:"sessionId,omitempty"`
	ReqLabel  string `json:"reqLabel,omitempty"`
	Source    string `json:"source,omitempty"`

	RawHTTPBlock string          `json:"rawHttpBlock,omitempty"`
	Method       string          `json:"method"`
	URLTemplate  string          `json:"urlTemplate"`
	URLResolved  string          `json:"urlResolved,omitempty"`
	Headers      []redact.Header `json:"headers,omitempty"`
	BodyPreview  string          `json:"bodyPreview,omitempty"`

	Timing   Timing    `json:"timing"`
	Response *Response `json:"response,omitempty"`

	PluginHooks   []HookRecord `json:"pluginHooks,omitempty"`
	PluginReports []Report     `json:"pluginReports,omitempty"`

	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// BodyPreviewLimit caps StoredExecution.BodyPreview.
const BodyPreviewLimit = 1000

// Redacted returns a copy with sensitive header values masked for read
// projections; the stored response keeps the originals.
func (r *Response) Redacted() *Response {
	if r == nil {
		return nil
	}
	out := *r
	out.Headers = redact.Headers(r.Headers)
	return &out
}

// redactedClone is the read projection of an execution: a deep copy
// with sensitive request and response header values masked.
func (e *StoredExecution) redactedClone() *StoredExecution {
	out := e.clone()
	out.Headers = redact.Headers(out.Headers)
	out.Response = out.Response.Redacted()
	return out
}

// clone returns a deep copy safe to hand out.
func (e *StoredExecution) clone() *StoredExecution {
	out := *e
	out.Headers = append([]redact.Header(nil), e.Headers...)
	out.PluginHooks = append([]HookRecord(nil), e.PluginHooks...)
	out.PluginReports = append([]Report(nil), e.PluginReports...)
	if e.Response != nil {
		resp := *e.Response
		resp.Headers = append([]redact.Header(nil), e.Response.Headers...)
		out.Response = &resp
	}
	if e.Timing.EndTime != nil {
		t := *e.Timing.EndTime
		out.Timing.EndTime = &t
	}
	if e.Timing.DurationMs != nil {
		d := *e.Timing.DurationMs
		out.Timing.DurationMs = &d
	}
	if e.Timing.TTFBMs != nil {
		d := *e.Timing.TTFBMs
		out.Timing.TTFBMs = &d
	}
	return &out
}
