package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/reqd-dev/reqd/pkg/errdefs"
	"github.com/reqd-dev/reqd/pkg/sessions"
)

type sessionCreateRequest struct {
	Variables map[string]any `json:"variables,omitempty"`
}

func (s *Server) handleSessionCreate(c *gin.Context) {
	var req sessionCreateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			abortWithError(c, errdefs.Wrap(errdefs.CodeValidation, "malformed request body", err))
			return
		}
	}
	snap := s.deps.Sessions.Create(req.Variables)
	c.JSON(http.StatusCreated, snap)
}

func (s *Server) handleSessionGet(c *gin.Context) {
	snap, err := s.deps.Sessions.Get(c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

type sessionVariablesRequest struct {
	Variables map[string]any `json:"variables"`
	Mode      string         `json:"mode,omitempty"`
}

func (s *Server) handleSessionVariables(c *gin.Context) {
	var req sessionVariablesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errdefs.Wrap(errdefs.CodeValidation, "malformed request body", err))
		return
	}
	mode := sessions.UpdateMode(req.Mode)
	if req.Mode == "" {
		mode = sessions.UpdateModeMerge
	}
	result, err := s.deps.Sessions.Update(c.Param("id"), req.Variables, mode)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleSessionDelete(c *gin.Context) {
	if err := s.deps.Sessions.Delete(c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
