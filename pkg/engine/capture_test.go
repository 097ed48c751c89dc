package engine

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqd-dev/reqd/pkg/flows"
)

func TestReadCappedUnderLimit(t *testing.T) {
	b, truncated, err := readCapped(strings.NewReader("hello"), 100)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, "hello", string(b))
}

func TestReadCappedExactLimit(t *testing.T) {
	b, truncated, err := readCapped(strings.NewReader("12345"), 5)
	require.NoError(t, err)
	assert.False(t, truncated, "exactly max bytes is not truncation")
	assert.Len(t, b, 5)
}

func TestReadCappedOverLimit(t *testing.T) {
	b, truncated, err := readCapped(strings.NewReader("123456"), 5)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Len(t, b, 5)
}

func TestIsBinary(t *testing.T) {
	assert.False(t, isBinary([]byte("plain text")))
	assert.False(t, isBinary([]byte("unicode: héllo ☃")))
	assert.True(t, isBinary([]byte{'a', 0x00, 'b'}))
	assert.True(t, isBinary([]byte{0xff, 0xfe, 0x00, 0x01}))

	// NUL beyond the sniff window is not scanned
	big := make([]byte, binarySniffWindow+10)
	for i := range big {
		big[i] = 'a'
	}
	big[binarySniffWindow+5] = 0x00
	assert.False(t, isBinary(big))
}

func TestFlattenHeadersMultiValue(t *testing.T) {
	h := http.Header{}
	h.Add("Set-Cookie", "a=1; Path=/")
	h.Add("Set-Cookie", "b=2; Path=/")
	h.Add("Content-Type", "application/json")

	out := flattenHeaders(h)

	var setCookies []string
	for _, hdr := range out {
		assert.Equal(t, strings.ToLower(hdr.Name), hdr.Name, "names lowercased")
		if hdr.Name == "set-cookie" {
			setCookies = append(setCookies, hdr.Value)
		}
	}
	require.Len(t, setCookies, 2, "multi-value Set-Cookie preserved as entries")
	assert.Equal(t, []string{"a=1; Path=/", "b=2; Path=/"}, setCookies, "values kept raw; masking is a read-time concern")
}

func TestBodyPreviewCap(t *testing.T) {
	long := strings.Repeat("x", flows.BodyPreviewLimit+500)
	assert.Len(t, bodyPreview(long), flows.BodyPreviewLimit)
	assert.Equal(t, "short", bodyPreview("short"))
}
