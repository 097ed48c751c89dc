package engine

import (
	"bytes"
	"encoding/base64"
	"io"
	"net/http"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/reqd-dev/reqd/pkg/errdefs"
	"github.com/reqd-dev/reqd/pkg/flows"
	"github.com/reqd-dev/reqd/pkg/redact"
)

// binarySniffWindow bounds the prefix scanned for binary content.
const binarySniffWindow = 8 << 10

// captureResponse drains the upstream body up to maxBodyBytes and
// flattens headers to lowercase name/value pairs. Exceeding the limit
// sets truncated and closes the reader; the first 8 KiB decide whether
// the body is shipped as UTF-8 or base64.
func captureResponse(resp *http.Response, maxBodyBytes int64) (*flows.Response, error) {
	out := &flows.Response{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Headers:    flattenHeaders(resp.Header),
	}

	body, truncated, err := readCapped(resp.Body, maxBodyBytes)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeExecute, "read response body", err)
	}
	out.Truncated = truncated
	out.BodyBytes = int64(len(body))

	if isBinary(body) {
		out.Encoding = flows.EncodingBase64
		out.Body = base64.StdEncoding.EncodeToString(body)
	} else {
		out.Encoding = flows.EncodingUTF8
		out.Body = string(body)
	}
	return out, nil
}

// flattenHeaders lowercases names and keeps multi-value headers
// (notably Set-Cookie) as separate entries. Values are stored raw:
// redaction happens in the read projections, so response.after and
// error hooks see the real values.
func flattenHeaders(h http.Header) []redact.Header {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []redact.Header
	for _, name := range names {
		for _, value := range h[name] {
			out = append(out, redact.Header{Name: strings.ToLower(name), Value: value})
		}
	}
	return out
}

// readCapped reads at most max bytes. It distinguishes "exactly max"
// from "more than max" by attempting one extra byte; on overflow the
// remaining stream is abandoned.
func readCapped(r io.Reader, max int64) ([]byte, bool, error) {
	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, r, max); err != nil {
		if err == io.EOF {
			return buf.Bytes(), false, nil
		}
		return nil, false, err
	}

	var probe [1]byte
	m, err := r.Read(probe[:])
	if m > 0 {
		return buf.Bytes(), true, nil
	}
	if err == nil || err == io.EOF {
		return buf.Bytes(), false, nil
	}
	return nil, false, err
}

// isBinary scans the first 8 KiB for a NUL byte or an invalid UTF-8
// sequence. A multibyte rune cut by the window boundary is not counted
// as invalid.
func isBinary(body []byte) bool {
	prefix := body
	if len(prefix) > binarySniffWindow {
		prefix = prefix[:binarySniffWindow]
	}
	if bytes.IndexByte(prefix, 0x00) >= 0 {
		return true
	}
	for len(prefix) > 0 {
		r, size := utf8.DecodeRune(prefix)
		if r == utf8.RuneError && size == 1 {
			// a truncated trailing rune is tolerated
			if len(prefix) < utf8.UTFMax && utf8.RuneStart(prefix[0]) {
				return false
			}
			return true
		}
		prefix = prefix[size:]
	}
	return false
}

// bodyPreview trims a request body for storage.
func bodyPreview(body string) string {
	if len(body) <= flows.BodyPreviewLimit {
		return body
	}
	return body[:flows.BodyPreviewLimit]
}
