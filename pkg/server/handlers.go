package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/reqd-dev/reqd/pkg/contentloader"
	"github.com/reqd-dev/reqd/pkg/errdefs"
	"github.com/reqd-dev/reqd/pkg/httpfile"
	"github.com/reqd-dev/reqd/pkg/redact"
	"github.com/reqd-dev/reqd/version"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"healthy": true,
		"version": version.Version,
	})
}

func (s *Server) handleCapabilities(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"protocolVersion": version.ProtocolVersion,
		"version":         version.Version,
		"features": gin.H{
			"sessions":        true,
			"diagnostics":     true,
			"streamingBodies": true,
		},
	})
}

func (s *Server) handleConfig(c *gin.Context) {
	profile := c.Query("profile")
	resolved, err := s.cfg.Resolve(profile, nil, nil)
	if err != nil {
		abortWithError(c, err)
		return
	}
	resolved.Variables = redact.Variables(resolved.Variables)
	c.JSON(http.StatusOK, gin.H{
		"address":       s.cfg.Address,
		"workspaceRoot": s.cfg.WorkspaceRoot,
		"resolved":      resolved,
	})
}

func (s *Server) handlePlugins(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plugins": s.deps.Plugins.List()})
}

type parseRequest struct {
	contentloader.Input
}

func (s *Server) handleParse(c *gin.Context) {
	var req parseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, errdefs.Wrap(errdefs.CodeValidation, "malformed request body", err))
		return
	}

	loaded, err := contentloader.Load(s.cfg.WorkspaceRoot, req.Input)
	if err != nil {
		abortWithError(c, err)
		return
	}
	doc, err := httpfile.Parse(loaded.Content)
	if err != nil {
		abortWithError(c, err)
		return
	}

	type parsedEntry struct {
		Request     httpfile.ParsedRequest `json:"request"`
		Diagnostics []httpfile.Diagnostic  `json:"diagnostics"`
	}
	entries := make([]parsedEntry, 0, len(doc.Requests))
	for _, r := range doc.Requests {
		entries = append(entries, parsedEntry{Request: r, Diagnostics: []httpfile.Diagnostic{}})
	}
	c.JSON(http.StatusOK, gin.H{
		"requests":    entries,
		"diagnostics": doc.Diagnostics,
		"variables":   doc.Variables,
		"source":      loaded.Source,
	})
}
