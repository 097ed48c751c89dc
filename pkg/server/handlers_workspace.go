package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/reqd-dev/reqd/pkg/errdefs"
)

func (s *Server) handleFiles(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"files": s.deps.Workspace.Files()})
}

func (s *Server) handleRequests(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		abortWithError(c, errdefs.New(errdefs.CodeValidation, "path query parameter is required"))
		return
	}
	reqs, err := s.deps.Workspace.Requests(path)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "requests": reqs})
}

func (s *Server) handleFileRead(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		abortWithError(c, errdefs.New(errdefs.CodeValidation, "path query parameter is required"))
		return
	}
	content, err := s.deps.Workspace.Read(path)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "content": content})
}

type fileWriteRequest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

func (s *Server) handleFileCreate(c *gin.Context) {
	var req fileWriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errdefs.Wrap(errdefs.CodeValidation, "malformed request body", err))
		return
	}
	if err := s.deps.Workspace.Create(req.Path, req.Content); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"path": req.Path})
}

func (s *Server) handleFileWrite(c *gin.Context) {
	var req fileWriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errdefs.Wrap(errdefs.CodeValidation, "malformed request body", err))
		return
	}
	if err := s.deps.Workspace.Write(req.Path, req.Content); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": req.Path})
}

func (s *Server) handleFileDelete(c *gin.Context) {
	path := c.Query("path")
	if path == "" {
		abortWithError(c, errdefs.New(errdefs.CodeValidation, "path query parameter is required"))
		return
	}
	if err := s.deps.Workspace.Delete(path); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"path": path, "deleted": true})
}
