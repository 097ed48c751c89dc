package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/reqd-dev/reqd/pkg/engine"
	"github.com/reqd-dev/reqd/pkg/errdefs"
	"github.com/reqd-dev/reqd/pkg/eventbus"
	"github.com/reqd-dev/reqd/pkg/idgen"
	"github.com/reqd-dev/reqd/pkg/metrics"
)

func (s *Server) handleExecute(c *gin.Context) {
	var req engine.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errdefs.Wrap(errdefs.CodeValidation, "malformed request body", err))
		return
	}

	start := time.Now()
	resp, err := s.deps.Engine.Execute(c.Request.Context(), &req)
	metrics.MetricExecutionSecondsTotal.Add(time.Since(start).Seconds())
	if err != nil {
		metrics.MetricExecutionsTotal.WithLabelValues("failed").Inc()
		abortWithError(c, err)
		return
	}
	if resp.Skipped {
		metrics.MetricExecutionsTotal.WithLabelValues("skipped").Inc()
	} else {
		metrics.MetricExecutionsTotal.WithLabelValues("success").Inc()
	}
	c.JSON(http.StatusOK, resp)
}

// handleExecuteSSE serves POST /execute/sse. An event-stream request is
// relayed message by message from the upstream; anything else runs
// through the plain engine while its envelopes stream out. Both paths
// close with a terminal frame under the `result` event name.
func (s *Server) handleExecuteSSE(c *gin.Context) {
	var req engine.SSERequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errdefs.Wrap(errdefs.CodeValidation, "malformed request body", err))
		return
	}
	req.RunID = idgen.NewRunID()
	if req.LastEventID == "" {
		req.LastEventID = c.GetHeader("Last-Event-ID")
	}

	if s.deps.Engine.IsEventStream(&req.Request) {
		s.relayEventStream(c, &req)
		return
	}

	events := make(chan eventbus.Envelope, 256)
	subID := s.deps.Bus.Subscribe(req.SessionID, req.FlowID, func(env eventbus.Envelope) error {
		if env.RunID != req.RunID {
			return nil
		}
		select {
		case events <- env:
		default:
			// slow consumer; envelope dropped rather than blocking emit
		}
		return nil
	})
	defer s.deps.Bus.Unsubscribe(subID)

	type executeResult struct {
		resp *engine.Response
		err  error
	}
	done := make(chan executeResult, 1)
	go func() {
		resp, err := s.deps.Engine.Execute(c.Request.Context(), &req.Request)
		done <- executeResult{resp: resp, err: err}
	}()

	writeSSEHeaders(c)
	flusher, _ := c.Writer.(http.Flusher)

	flushEnvelope := func(env eventbus.Envelope) {
		data, err := json.Marshal(env)
		if err != nil {
			return
		}
		_, _ = c.Writer.Write([]byte("data: "))
		_, _ = c.Writer.Write(data)
		_, _ = c.Writer.Write([]byte("\n\n"))
		if flusher != nil {
			flusher.Flush()
		}
	}

	for {
		select {
		case env := <-events:
			flushEnvelope(env)
		case res := <-done:
			// drain what emit raced in before the result
			for {
				select {
				case env := <-events:
					flushEnvelope(env)
					continue
				default:
				}
				break
			}
			var payload []byte
			if res.err != nil {
				payload, _ = json.Marshal(errorBody{Error: errdefs.AsError(res.err)})
			} else {
				payload, _ = json.Marshal(res.resp)
			}
			_, _ = c.Writer.Write([]byte("event: result\ndata: "))
			_, _ = c.Writer.Write(payload)
			_, _ = c.Writer.Write([]byte("\n\n"))
			if flusher != nil {
				flusher.Flush()
			}
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

// relayEventStream proxies the upstream event stream to the client,
// preserving id and event framing.
func (s *Server) relayEventStream(c *gin.Context, req *engine.SSERequest) {
	writeSSEHeaders(c)
	flusher, _ := c.Writer.(http.Flusher)

	err := s.deps.Engine.ExecuteSSE(c.Request.Context(), req, func(m engine.SSEMessage) error {
		if m.ID != "" {
			if _, err := fmt.Fprintf(c.Writer, "id: %s\n", m.ID); err != nil {
				return err
			}
		}
		if m.Event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", m.Event); err != nil {
				return err
			}
		}
		for _, line := range strings.Split(m.Data, "\n") {
			if _, err := fmt.Fprintf(c.Writer, "data: %s\n", line); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(c.Writer, "\n"); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})

	var payload []byte
	if err != nil {
		payload, _ = json.Marshal(errorBody{Error: errdefs.AsError(err)})
	} else {
		payload, _ = json.Marshal(map[string]any{"runId": req.RunID})
	}
	_, _ = c.Writer.Write([]byte("event: result\ndata: "))
	_, _ = c.Writer.Write(payload)
	_, _ = c.Writer.Write([]byte("\n\n"))
	if flusher != nil {
		flusher.Flush()
	}
}

func writeSSEHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
}
