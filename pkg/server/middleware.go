package server

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/reqd-dev/reqd/pkg/errdefs"
	"github.com/reqd-dev/reqd/pkg/tokens"
)

const scopeKey = "reqd-run-scope"

// auth gates the API with the configured bearer token. Scoped runner
// tokens issued to spawned scripts are accepted as well; loopback
// binds without a configured token run open.
func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Token == "" {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		tok, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tok == "" {
			abortWithError(c, errdefs.New(errdefs.CodeUnauthorized, "missing bearer token"))
			return
		}
		if tok == s.cfg.Token {
			c.Next()
			return
		}
		if s.deps.Tokens != nil {
			if scope, valid := s.deps.Tokens.Validate(tok); valid {
				c.Set(scopeKey, scope)
				c.Next()
				return
			}
		}
		abortWithError(c, errdefs.New(errdefs.CodeUnauthorized, "invalid bearer token"))
	}
}

// runScope returns the scoped-token scope when the caller is a spawned
// script, zero otherwise.
func runScope(c *gin.Context) (tokens.Scope, bool) {
	v, ok := c.Get(scopeKey)
	if !ok {
		return tokens.Scope{}, false
	}
	scope, ok := v.(tokens.Scope)
	return scope, ok
}

type errorBody struct {
	Error *errdefs.Error `json:"error"`
}

// abortWithError renders the taxonomy error body and stops the chain.
func abortWithError(c *gin.Context, err error) {
	coded := errdefs.AsError(err)
	c.AbortWithStatusJSON(errdefs.HTTPStatus(coded.Code), errorBody{Error: coded})
}
