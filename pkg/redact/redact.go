// Package redact replaces sensitive variable values and header values
// with a fixed placeholder. Redaction is applied on read: stored state
// keeps the original values.
package redact

import "regexp"

// Placeholder is the literal substituted for sensitive values.
const Placeholder = "[REDACTED]"

var (
	sensitiveKeyRe = regexp.MustCompile(`(?i)(token|key|secret|password|auth|credential|api.?key)`)

	sensitiveHeaderRe = regexp.MustCompile(`(?i)^(authorization|proxy-authorization|cookie|set-cookie|x-api-key|api-key|x-auth-token)$`)
)

// IsSensitiveKey reports whether a variable name must be redacted.
func IsSensitiveKey(name string) bool {
	return sensitiveKeyRe.MatchString(name)
}

// IsSensitiveHeader reports whether a header name must be redacted.
func IsSensitiveHeader(name string) bool {
	return sensitiveHeaderRe.MatchString(name)
}

// Variables returns a copy of vars with sensitive values replaced.
func Variables(vars map[string]any) map[string]any {
	if vars == nil {
		return nil
	}
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		if IsSensitiveKey(k) {
			out[k] = Placeholder
			continue
		}
		out[k] = v
	}
	return out
}

// Header is a single captured header name/value pair. Names are stored
// lowercased; order is preserved by the containing slice.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers returns a copy of hdrs with sensitive values replaced.
func Headers(hdrs []Header) []Header {
	if hdrs == nil {
		return nil
	}
	out := make([]Header, len(hdrs))
	for i, h := range hdrs {
		out[i] = h
		if IsSensitiveHeader(h.Name) {
			out[i].Value = Placeholder
		}
	}
	return out
}
