package server

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/reqd-dev/reqd/pkg/errdefs"
	"github.com/reqd-dev/reqd/pkg/log"
	"github.com/reqd-dev/reqd/pkg/wsproxy"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// the control plane is a local tool; origins are not meaningful
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) handleWsOpen(c *gin.Context) {
	var req wsproxy.OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errdefs.Wrap(errdefs.CodeValidation, "malformed request body", err))
		return
	}
	if req.UpstreamURL == "" {
		abortWithError(c, errdefs.New(errdefs.CodeValidation, "url is required"))
		return
	}
	state, err := s.deps.WsProxy.Open(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, state)
}

func (s *Server) handleWsClose(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.WsProxy.Close(id, websocket.CloseNormalClosure, "closed by client"); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wsSessionId": id, "closing": true})
}

// clientOp is one client-to-server control frame.
type clientOp struct {
	Op          string              `json:"op"`
	PayloadType wsproxy.PayloadType `json:"payloadType,omitempty"`
	Payload     string              `json:"payload,omitempty"`
	Code        int                 `json:"code,omitempty"`
	Reason      string              `json:"reason,omitempty"`
	AfterSeq    int64               `json:"afterSeq,omitempty"`
}

// wsClient serializes writes to the control-channel socket; envelopes
// arrive from the session sink and from replay responses concurrently.
type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsClient) writeEnvelope(env wsproxy.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// handleWsChannel upgrades to the control channel for one owned
// upstream session: envelopes flow down, ops flow up.
func (s *Server) handleWsChannel(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.deps.WsProxy.Get(id); err != nil {
		abortWithError(c, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the handshake failure
		log.Logger.Debugw("websocket upgrade failed", "error", err)
		return
	}
	defer func() { _ = conn.Close() }()

	client := &wsClient{conn: conn}
	if err := s.deps.WsProxy.Attach(id, client.writeEnvelope); err != nil {
		abortWithError(c, err)
		return
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var op clientOp
		if err := json.Unmarshal(data, &op); err != nil {
			log.Logger.Debugw("malformed control op", "wsSessionId", id, "error", err)
			continue
		}
		s.dispatchWsOp(id, op)
	}
}

func (s *Server) dispatchWsOp(id string, op clientOp) {
	switch op.Op {
	case "send":
		// the resulting envelope comes back through the sink
		if _, err := s.deps.WsProxy.Send(id, op.PayloadType, op.Payload); err != nil {
			log.Logger.Debugw("ws send failed", "wsSessionId", id, "error", err)
		}
	case "close":
		code := op.Code
		if code == 0 {
			code = websocket.CloseNormalClosure
		}
		if err := s.deps.WsProxy.Close(id, code, op.Reason); err != nil {
			log.Logger.Debugw("ws close failed", "wsSessionId", id, "error", err)
		}
	case "replay":
		// replay envelopes reach the client through the attached sink
		if _, err := s.deps.WsProxy.Replay(id, op.AfterSeq); err != nil {
			log.Logger.Debugw("ws replay failed", "wsSessionId", id, "error", err)
		}
	default:
		log.Logger.Debugw("unknown control op", "wsSessionId", id, "op", op.Op)
	}
}
