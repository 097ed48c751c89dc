// Package httpfile parses `.http`-style request documents into
// ParsedRequest records. The grammar is line oriented: `###` separates
// requests, `# @key value` lines attach metadata, `@name = value` lines
// declare document variables, and the first non-comment line of a block
// is the method and URL.
package httpfile

// Protocol selects the dispatch pipeline for a request.
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolSSE  Protocol = "sse"
	ProtocolWS   Protocol = "ws"
)

// Header is an ordered request header. Case is preserved for sending;
// consumers lowercase names when capturing responses.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// FormField is a single multipart form entry.
type FormField struct {
	Name   string `json:"name"`
	Value  string `json:"value,omitempty"`
	IsFile bool   `json:"isFile,omitempty"`
	Path   string `json:"path,omitempty"`
}

// ParsedRequest is one request block of a document.
type ParsedRequest struct {
	Name            string            `json:"name,omitempty"`
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	Headers         []Header          `json:"headers,omitempty"`
	Body            string            `json:"body,omitempty"`
	BodyFile        string            `json:"bodyFile,omitempty"`
	Form            []FormField       `json:"formData,omitempty"`
	Protocol        Protocol          `json:"protocol"`
	ProtocolOptions map[string]string `json:"protocolOptions,omitempty"`
	Meta            map[string]string `json:"meta,omitempty"`
	Raw             string            `json:"raw"`
}

// HeaderValue returns the first header with the given name,
// case-insensitively, or "".
func (r *ParsedRequest) HeaderValue(name string) string {
	for _, h := range r.Headers {
		if equalFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Diagnostic is a non-fatal observation made while parsing.
type Diagnostic struct {
	Line     int    `json:"line"`
	Message  string `json:"message"`
	Severity string `json:"severity"` // "warning" or "error"
}

// Document is the parse result for one source text.
type Document struct {
	Requests    []ParsedRequest   `json:"requests"`
	Variables   map[string]string `json:"variables,omitempty"`
	Diagnostics []Diagnostic      `json:"diagnostics,omitempty"`
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
