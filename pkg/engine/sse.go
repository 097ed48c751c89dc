package engine

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/reqd-dev/reqd/pkg/config"
	"github.com/reqd-dev/reqd/pkg/contentloader"
	"github.com/reqd-dev/reqd/pkg/errdefs"
	"github.com/reqd-dev/reqd/pkg/eventbus"
	"github.com/reqd-dev/reqd/pkg/flows"
	"github.com/reqd-dev/reqd/pkg/httpfile"
	"github.com/reqd-dev/reqd/pkg/idgen"
	"github.com/reqd-dev/reqd/pkg/sessions"
)

// SSERequest is an execution whose response is consumed as an event
// stream. LastEventID resumes an interrupted stream.
type SSERequest struct {
	Request
	LastEventID string `json:"lastEventId,omitempty"`
}

// SSEMessage is one upstream server-sent event.
type SSEMessage struct {
	ID    string `json:"id,omitempty"`
	Event string `json:"event,omitempty"`
	Data  string `json:"data"`
}

// ExecuteSSE streams the selected request's event-stream response,
// calling yield for each message in upstream order. Returning an error
// from yield stops the stream; upstream EOF, the execution deadline and
// context cancellation all close the reader.
func (e *Engine) ExecuteSSE(ctx context.Context, req *SSERequest, yield func(SSEMessage) error) error {
	runID := req.RunID
	if runID == "" {
		runID = idgen.NewRunID()
	}
	start := e.clock.Now()
	rs := &runState{e: e, runID: runID, sessionID: req.SessionID}

	if req.FlowID != "" {
		flow, err := e.flows.Lookup(req.FlowID)
		if err != nil {
			return err
		}
		rs.flow = flow
		rs.reqExecID = idgen.NewExecID()
	}

	loaded, err := contentloader.Load(e.cfg.WorkspaceRoot, req.Input)
	if err != nil {
		return err
	}
	doc, err := httpfile.Parse(loaded.Content)
	if err != nil {
		return err
	}
	if len(doc.Requests) == 0 {
		return errdefs.New(errdefs.CodeNoRequestsFound, "document contains no requests")
	}
	selected, _, err := selectRequest(doc, req.RequestName, req.RequestIndex)
	if err != nil {
		return err
	}
	if !isEventStream(selected) {
		return errdefs.Newf(errdefs.CodeValidation,
			"request %q is not an event-stream request", selected.Name)
	}

	var sess *sessions.Session
	if req.SessionID != "" {
		if sess, err = e.sessions.GetInternal(req.SessionID); err != nil {
			return err
		}
	}
	resolved, err := e.resolve(&req.Request, doc, sess)
	if err != nil {
		return err
	}

	if rs.flow != nil {
		exec := &flows.StoredExecution{
			ReqExecID:    rs.reqExecID,
			FlowID:       rs.flow.ID,
			SessionID:    req.SessionID,
			ReqLabel:     selected.Name,
			Source:       loaded.Source,
			RawHTTPBlock: selected.Raw,
			Method:       selected.Method,
			URLTemplate:  selected.URL,
			Timing:       flows.Timing{StartTime: start},
			Status:       flows.StatusPending,
		}
		if err := e.flows.StoreExecution(rs.flow.ID, exec); err != nil {
			return err
		}
		rs.emit(eventbus.Envelope{Type: eventbus.TypeRequestQueued, Payload: map[string]any{
			"method": selected.Method,
			"url":    selected.URL,
			"name":   selected.Name,
		}})
	}

	timeout := time.Duration(resolved.TimeoutMs) * time.Millisecond
	if req.TimeoutMs > 0 {
		timeout = time.Duration(min(req.TimeoutMs, config.MaxTimeoutMs)) * time.Millisecond
	}
	streamCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	urlRes, err := e.resolvers.Interpolate(streamCtx, selected.URL, resolved.Variables)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(streamCtx, selected.Method, urlRes.Output, nil)
	if err != nil {
		return errdefs.Wrap(errdefs.CodeValidation, "invalid request", err)
	}
	for _, h := range selected.Headers {
		hv, err := e.resolvers.Interpolate(streamCtx, h.Value, resolved.Variables)
		if err != nil {
			return err
		}
		httpReq.Header.Set(h.Name, hv.Output)
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if req.LastEventID != "" {
		httpReq.Header.Set("Last-Event-ID", req.LastEventID)
	}

	client := &http.Client{Transport: e.transport}
	rs.emit(eventbus.Envelope{Type: eventbus.TypeFetchStarted, Payload: map[string]any{
		"url":    urlRes.Output,
		"method": httpReq.Method,
	}})
	resp, err := client.Do(httpReq)
	if err != nil {
		wrapped := errdefs.Wrap(errdefs.CodeExecute, "sse dispatch failed", err)
		rs.fail("execute", wrapped)
		return wrapped
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		err := errdefs.Newf(errdefs.CodeExecute, "sse upstream returned status %d", resp.StatusCode)
		rs.fail("execute", err)
		return err
	}

	streamErr := readEventStream(resp.Body, yield)
	rs.emit(eventbus.Envelope{Type: eventbus.TypeFetchFinished, Payload: map[string]any{
		"status": resp.StatusCode,
	}})
	if streamErr != nil {
		if streamCtx.Err() != nil {
			// deadline or client cancellation closed the reader mid-stream
			streamErr = nil
		} else {
			rs.fail("stream", streamErr)
			return streamErr
		}
	}

	if rs.flow != nil {
		end := e.clock.Now()
		_ = e.flows.UpdateExecution(rs.flow.ID, rs.reqExecID, func(exec *flows.StoredExecution) {
			exec.Status = flows.StatusSuccess
			exec.Timing.EndTime = &end
			d := end.Sub(exec.Timing.StartTime).Milliseconds()
			exec.Timing.DurationMs = &d
			exec.Response = &flows.Response{
				Status:     resp.StatusCode,
				StatusText: http.StatusText(resp.StatusCode),
				Headers:    flattenHeaders(resp.Header),
			}
		})
	}
	return nil
}

// IsEventStream reports whether the request the input selects carries
// event-stream semantics. Load, parse, and selection failures report
// false so the plain execute path surfaces the error.
func (e *Engine) IsEventStream(req *Request) bool {
	loaded, err := contentloader.Load(e.cfg.WorkspaceRoot, req.Input)
	if err != nil {
		return false
	}
	doc, err := httpfile.Parse(loaded.Content)
	if err != nil || len(doc.Requests) == 0 {
		return false
	}
	selected, _, err := selectRequest(doc, req.RequestName, req.RequestIndex)
	if err != nil {
		return false
	}
	return isEventStream(selected)
}

func isEventStream(r *httpfile.ParsedRequest) bool {
	if r.Protocol == httpfile.ProtocolSSE {
		return true
	}
	return strings.Contains(r.HeaderValue("Accept"), "text/event-stream")
}

// readEventStream parses the text/event-stream framing: id/event/data
// fields accumulate until a blank line dispatches the message.
func readEventStream(r io.Reader, yield func(SSEMessage) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	var msg SSEMessage
	var dataLines []string
	flush := func() error {
		if len(dataLines) == 0 && msg.Event == "" && msg.ID == "" {
			return nil
		}
		msg.Data = strings.Join(dataLines, "\n")
		err := yield(msg)
		msg = SSEMessage{}
		dataLines = nil
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := flush(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
			// comment line, keep-alive
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "event:"):
			msg.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "id:"):
			msg.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		}
	}
	if err := flush(); err != nil {
		return err
	}
	return scanner.Err()
}
