// Package engine orchestrates one request execution: content load,
// parse, selection, config resolution, plugin hooks, interpolation,
// dispatch, response capture and retries.
package engine

import (
	"github.com/reqd-dev/reqd/pkg/contentloader"
	"github.com/reqd-dev/reqd/pkg/flows"
	"github.com/reqd-dev/reqd/pkg/httpfile"
	"github.com/reqd-dev/reqd/pkg/redact"
	"github.com/reqd-dev/reqd/pkg/sessions"
)

// Request is one execution submission.
type Request struct {
	contentloader.Input

	// RequestName selects by first exact name match; RequestIndex by
	// 0-based position. Setting both is rejected. Neither selects
	// index 0.
	RequestName  string `json:"requestName,omitempty"`
	RequestIndex *int   `json:"requestIndex,omitempty"`

	SessionID string `json:"sessionId,omitempty"`
	FlowID    string `json:"flowId,omitempty"`

	Profile   string         `json:"profile,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`

	// TimeoutMs overrides the resolved default; capped at the hard
	// maximum.
	TimeoutMs int `json:"timeoutMs,omitempty"`

	// RunID pre-assigns the run id so callers streaming events can
	// subscribe before submitting. Minted when empty.
	RunID string `json:"-"`
}

// ResolvedView describes the request as actually dispatched.
type ResolvedView struct {
	Method    string          `json:"method"`
	URL       string          `json:"url"`
	Headers   []redact.Header `json:"headers,omitempty"`
	Profile   string          `json:"profile,omitempty"`
	Variables map[string]any  `json:"variables,omitempty"`
}

// Limits echoes the caps applied during capture.
type Limits struct {
	MaxBodyBytes int64 `json:"maxBodyBytes"`
}

// Response is the synchronous execution result.
type Response struct {
	RunID     string `json:"runId"`
	ReqExecID string `json:"reqExecId,omitempty"`
	FlowID    string `json:"flowId,omitempty"`

	Session *sessions.Snapshot `json:"session,omitempty"`

	Request  *httpfile.ParsedRequest `json:"request"`
	Resolved ResolvedView            `json:"resolved"`

	// Response is nil when a request.before hook skipped dispatch.
	Response *flows.Response `json:"response,omitempty"`
	Skipped  bool            `json:"skipped,omitempty"`

	Limits        Limits         `json:"limits"`
	Timing        flows.Timing   `json:"timing"`
	PluginReports []flows.Report `json:"pluginReports"`
}

// selectRequest applies the name/index selection rules to a parsed
// document.
func selectRequest(doc *httpfile.Document, name string, index *int) (*httpfile.ParsedRequest, int, error) {
	if name != "" && index != nil {
		return nil, 0, errValidationBoth
	}
	if name != "" {
		for i := range doc.Requests {
			if doc.Requests[i].Name == name {
				return &doc.Requests[i], i, nil
			}
		}
		return nil, 0, errRequestNotFound(name)
	}
	i := 0
	if index != nil {
		i = *index
	}
	if i < 0 || i >= len(doc.Requests) {
		return nil, 0, errIndexOutOfRange(i, len(doc.Requests))
	}
	return &doc.Requests[i], i, nil
}
