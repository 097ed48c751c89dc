package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/reqd-dev/reqd/pkg/eventbus"
)

// handleEventStream is the filtered SSE subscription. The stream stays
// open until the client disconnects.
func (s *Server) handleEventStream(c *gin.Context) {
	sessionID := c.Query("sessionId")
	flowID := c.Query("flowId")

	events := make(chan eventbus.Envelope, 256)
	subID := s.deps.Bus.Subscribe(sessionID, flowID, func(env eventbus.Envelope) error {
		select {
		case events <- env:
		default:
			// slow consumer; envelope dropped rather than blocking emit
		}
		return nil
	})
	defer s.deps.Bus.Unsubscribe(subID)

	writeSSEHeaders(c)
	flusher, _ := c.Writer.(http.Flusher)

	for {
		select {
		case env := <-events:
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			_, _ = c.Writer.Write([]byte("data: "))
			_, _ = c.Writer.Write(data)
			_, _ = c.Writer.Write([]byte("\n\n"))
			if flusher != nil {
				flusher.Flush()
			}
		case <-c.Request.Context().Done():
			return
		}
	}
}
