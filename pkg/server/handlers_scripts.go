package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/reqd-dev/reqd/pkg/errdefs"
	"github.com/reqd-dev/reqd/pkg/metrics"
	"github.com/reqd-dev/reqd/pkg/scripts"
)

func (s *Server) handleScriptStart(c *gin.Context) {
	s.startRun(c, scripts.KindScript)
}

func (s *Server) handleTestStart(c *gin.Context) {
	s.startRun(c, scripts.KindTest)
}

func (s *Server) startRun(c *gin.Context, kind scripts.Kind) {
	var req scripts.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errdefs.Wrap(errdefs.CodeValidation, "malformed request body", err))
		return
	}
	info, err := s.deps.Scripts.Start(kind, req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	metrics.MetricScriptRunsTotal.WithLabelValues(string(kind)).Inc()
	c.JSON(http.StatusAccepted, info)
}

func (s *Server) handleScriptKill(c *gin.Context) {
	s.killRun(c)
}

func (s *Server) handleTestKill(c *gin.Context) {
	s.killRun(c)
}

func (s *Server) killRun(c *gin.Context) {
	runID := c.Param("runId")
	if err := s.deps.Scripts.Kill(c.Request.Context(), runID); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runId": runID, "killed": true})
}

func (s *Server) handleScriptRunners(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runners": s.deps.Scripts.Runners()})
}

func (s *Server) handleTestFrameworks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"frameworks": s.deps.Scripts.Frameworks()})
}
