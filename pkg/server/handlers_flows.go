package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/reqd-dev/reqd/pkg/errdefs"
)

type flowCreateRequest struct {
	SessionID string            `json:"sessionId,omitempty"`
	Label     string            `json:"label,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

func (s *Server) handleFlowCreate(c *gin.Context) {
	var req flowCreateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, errdefs.Wrap(errdefs.CodeValidation, "malformed request body", err))
			return
		}
	}
	info, err := s.deps.Flows.Create(req.SessionID, req.Label, req.Meta)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (s *Server) handleFlowGet(c *gin.Context) {
	info, err := s.deps.Flows.Get(c.Param("flowId"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleFlowFinish(c *gin.Context) {
	info, err := s.deps.Flows.Finish(c.Param("flowId"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleFlowExecutions(c *gin.Context) {
	execs, err := s.deps.Flows.ListExecutions(c.Param("flowId"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"flowId":     c.Param("flowId"),
		"executions": execs,
	})
}

func (s *Server) handleFlowExecution(c *gin.Context) {
	exec, err := s.deps.Flows.GetExecution(c.Param("flowId"), c.Param("reqExecId"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}
