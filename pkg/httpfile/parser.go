package httpfile

import (
	"bufio"
	"strings"

	"github.com/reqd-dev/reqd/pkg/errdefs"
)

var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true,
	"HEAD": true, "OPTIONS": true, "TRACE": true, "CONNECT": true,
	// WS is a pseudo-method selecting the websocket pipeline
	"WS": true,
}

// Parse parses a document. A syntax error inside a request block fails
// the whole parse; stray content outside blocks only produces
// diagnostics.
func Parse(content string) (*Document, error) {
	doc := &Document{Variables: map[string]string{}}

	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var blocks []block
	cur := block{startLine: 1}
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.HasPrefix(line, "###") {
			blocks = append(blocks, cur)
			cur = block{startLine: lineNo + 1, separatorName: strings.TrimSpace(strings.TrimLeft(line, "#"))}
			continue
		}
		cur.lines = append(cur.lines, sourceLine{no: lineNo, text: line})
	}
	if err := scanner.Err(); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeParse, "failed to scan document", err)
	}
	blocks = append(blocks, cur)

	for _, b := range blocks {
		req, diags, err := parseBlock(b, doc.Variables)
		if err != nil {
			return nil, err
		}
		doc.Diagnostics = append(doc.Diagnostics, diags...)
		if req != nil {
			doc.Requests = append(doc.Requests, *req)
		}
	}
	return doc, nil
}

type sourceLine struct {
	no   int
	text string
}

type block struct {
	startLine     int
	separatorName string
	lines         []sourceLine
}

func parseBlock(b block, vars map[string]string) (*ParsedRequest, []Diagnostic, error) {
	req := &ParsedRequest{
		Name:     b.separatorName,
		Protocol: ProtocolHTTP,
		Meta:     map[string]string{},
	}
	var diags []Diagnostic
	var raw strings.Builder

	const (
		statePreamble = iota
		stateHeaders
		stateBody
	)
	state := statePreamble
	var body []string

	for _, ln := range b.lines {
		raw.WriteString(ln.text)
		raw.WriteString("\n")
		line := ln.text

		switch state {
		case statePreamble:
			trimmed := strings.TrimSpace(line)
			switch {
			case trimmed == "":
				continue
			case isMetaLine(trimmed):
				key, value := parseMeta(trimmed)
				applyMeta(req, key, value)
				continue
			case strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//"):
				continue
			case strings.HasPrefix(trimmed, "@"):
				name, value, ok := parseVariable(trimmed)
				if !ok {
					diags = append(diags, Diagnostic{Line: ln.no, Message: "malformed variable declaration", Severity: "warning"})
					continue
				}
				vars[name] = value
				continue
			default:
				if err := parseRequestLine(req, trimmed, ln.no); err != nil {
					return nil, nil, err
				}
				state = stateHeaders
			}

		case stateHeaders:
			if strings.TrimSpace(line) == "" {
				state = stateBody
				continue
			}
			trimmed := strings.TrimSpace(line)
			if isMetaLine(trimmed) {
				key, value := parseMeta(trimmed)
				applyMeta(req, key, value)
				continue
			}
			name, value, ok := strings.Cut(line, ":")
			if !ok {
				return nil, nil, errdefs.Newf(errdefs.CodeParse, "line %d: malformed header %q", ln.no, line)
			}
			req.Headers = append(req.Headers, Header{
				Name:  strings.TrimSpace(name),
				Value: strings.TrimSpace(value),
			})

		case stateBody:
			trimmed := strings.TrimSpace(line)
			if req.BodyFile == "" && len(body) == 0 && strings.HasPrefix(trimmed, "< ") {
				req.BodyFile = strings.TrimSpace(trimmed[2:])
				continue
			}
			body = append(body, line)
		}
	}

	if state == statePreamble {
		// block held only comments/variables; not a request
		return nil, diags, nil
	}

	req.Body = strings.TrimRight(strings.Join(body, "\n"), "\n")
	req.Raw = strings.TrimRight(raw.String(), "\n")
	inferProtocol(req)
	return req, diags, nil
}

func parseRequestLine(req *ParsedRequest, line string, lineNo int) error {
	fields := strings.Fields(line)
	if len(fields) == 1 {
		// bare URL defaults to GET
		req.Method = "GET"
		req.URL = fields[0]
		return nil
	}
	method := strings.ToUpper(fields[0])
	if !knownMethods[method] {
		return errdefs.Newf(errdefs.CodeParse, "line %d: unknown method %q", lineNo, fields[0])
	}
	req.Method = method
	req.URL = fields[1]
	// fields[2], when present, is the protocol version token (e.g. HTTP/1.1); ignored
	return nil
}

func isMetaLine(line string) bool {
	rest, ok := cutCommentPrefix(line)
	return ok && strings.HasPrefix(rest, "@")
}

func cutCommentPrefix(line string) (string, bool) {
	if strings.HasPrefix(line, "//") {
		return strings.TrimSpace(line[2:]), true
	}
	if strings.HasPrefix(line, "#") {
		return strings.TrimSpace(strings.TrimLeft(line, "#")), true
	}
	return "", false
}

func parseMeta(line string) (string, string) {
	rest, _ := cutCommentPrefix(line)
	rest = strings.TrimPrefix(rest, "@")
	key, value, _ := strings.Cut(rest, " ")
	return strings.TrimSpace(key), strings.TrimSpace(value)
}

func applyMeta(req *ParsedRequest, key, value string) {
	switch key {
	case "name":
		req.Name = value
	case "protocol":
		switch Protocol(value) {
		case ProtocolHTTP, ProtocolSSE, ProtocolWS:
			req.Protocol = Protocol(value)
		}
	case "form":
		if name, v, ok := strings.Cut(value, "="); ok {
			req.Form = append(req.Form, FormField{Name: strings.TrimSpace(name), Value: strings.TrimSpace(v)})
		}
	case "formfile":
		if name, p, ok := strings.Cut(value, "="); ok {
			req.Form = append(req.Form, FormField{Name: strings.TrimSpace(name), IsFile: true, Path: strings.TrimSpace(p)})
		}
	default:
		if strings.HasPrefix(key, "ws-") || strings.HasPrefix(key, "sse-") {
			if req.ProtocolOptions == nil {
				req.ProtocolOptions = map[string]string{}
			}
			req.ProtocolOptions[key] = value
			return
		}
		req.Meta[key] = value
	}
}

func parseVariable(line string) (string, string, bool) {
	rest := strings.TrimPrefix(line, "@")
	name, value, ok := strings.Cut(rest, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", "", false
	}
	return name, strings.TrimSpace(value), true
}

func inferProtocol(req *ParsedRequest) {
	if req.Method == "WS" {
		req.Protocol = ProtocolWS
		req.Method = "GET"
		return
	}
	if req.Protocol != ProtocolHTTP {
		return
	}
	if strings.HasPrefix(req.URL, "ws://") || strings.HasPrefix(req.URL, "wss://") {
		req.Protocol = ProtocolWS
		return
	}
	if strings.Contains(req.HeaderValue("Accept"), "text/event-stream") {
		req.Protocol = ProtocolSSE
	}
}
