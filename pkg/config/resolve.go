package config

import (
	"github.com/reqd-dev/reqd/pkg/errdefs"
)

// Resolved is the effective configuration for one execution, after the
// profile and the variable layers have been applied.
type Resolved struct {
	Profile       string         `json:"profile,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	TimeoutMs     int            `json:"timeoutMs"`
	MaxBodyBytes  int64          `json:"maxBodyBytes"`
	MaxRetries    int            `json:"maxRetries"`
	CookieMode    CookieMode     `json:"cookieMode"`
	CookieJarPath string         `json:"cookieJarPath,omitempty"`
}

// Resolve layers variables in order (later wins): project defaults →
// profile → session variables → per-request variables.
func (c *Config) Resolve(profile string, sessionVars, requestVars map[string]any) (*Resolved, error) {
	r := &Resolved{
		Profile:       profile,
		Variables:     map[string]any{},
		TimeoutMs:     c.TimeoutMs,
		MaxBodyBytes:  c.MaxBodyBytes,
		MaxRetries:    c.MaxRetries,
		CookieMode:    c.CookieMode,
		CookieJarPath: c.CookieJarPath,
	}

	for k, v := range c.Variables {
		r.Variables[k] = v
	}

	if profile != "" {
		p, ok := c.Profiles[profile]
		if !ok {
			return nil, errdefs.Newf(errdefs.CodeValidation, "unknown profile %q", profile)
		}
		for k, v := range p.Variables {
			r.Variables[k] = v
		}
		if p.TimeoutMs > 0 {
			r.TimeoutMs = p.TimeoutMs
		}
		if p.CookieMode != "" {
			r.CookieMode = p.CookieMode
		}
		if p.CookieJarPath != "" {
			r.CookieJarPath = p.CookieJarPath
		}
	}

	for k, v := range sessionVars {
		r.Variables[k] = v
	}
	for k, v := range requestVars {
		r.Variables[k] = v
	}

	if r.TimeoutMs > MaxTimeoutMs {
		r.TimeoutMs = MaxTimeoutMs
	}
	return r, nil
}
