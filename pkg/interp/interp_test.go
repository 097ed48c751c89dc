package interp

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqd-dev/reqd/pkg/errdefs"
)

func TestInterpolateVariables(t *testing.T) {
	r := NewRegistry()
	vars := map[string]any{"host": "svc.example", "port": float64(8080), "debug": true}

	res, err := r.Interpolate(context.Background(), "https://{{host}}:{{ port }}/v1?debug={{debug}}", vars)
	require.NoError(t, err)
	assert.Equal(t, "https://svc.example:8080/v1?debug=true", res.Output)
	assert.Empty(t, res.Unresolved)
}

func TestInterpolateUnknownLeftIntact(t *testing.T) {
	r := NewRegistry()

	res, err := r.Interpolate(context.Background(), "GET {{base}}/{{missing}}", map[string]any{"base": "http://x"})
	require.NoError(t, err)
	assert.Equal(t, "GET http://x/{{missing}}", res.Output)
	assert.Equal(t, []string{"missing"}, res.Unresolved)
}

func TestInterpolateNoPlaceholders(t *testing.T) {
	r := NewRegistry()
	res, err := r.Interpolate(context.Background(), "plain text", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain text", res.Output)
}

func TestEnvResolver(t *testing.T) {
	t.Setenv("REQD_TEST_VALUE", "from-env")
	r := NewRegistry()

	res, err := r.Interpolate(context.Background(), "v={{env(REQD_TEST_VALUE)}}", nil)
	require.NoError(t, err)
	assert.Equal(t, "v=from-env", res.Output)
}

func TestUUIDResolver(t *testing.T) {
	r := NewRegistry()
	res, err := r.Interpolate(context.Background(), "{{uuid()}}", nil)
	require.NoError(t, err)
	assert.Len(t, res.Output, 36)
}

func TestTimestampResolvers(t *testing.T) {
	r := NewRegistry()

	res, err := r.Interpolate(context.Background(), "{{timestamp()}}", nil)
	require.NoError(t, err)
	ms, err := strconv.ParseInt(res.Output, 10, 64)
	require.NoError(t, err)
	assert.InDelta(t, time.Now().UnixMilli(), ms, float64(time.Minute.Milliseconds()))

	res, err = r.Interpolate(context.Background(), "{{isoTimestamp()}}", nil)
	require.NoError(t, err)
	_, err = time.Parse(time.RFC3339, res.Output)
	assert.NoError(t, err)
}

func TestRandomIntResolver(t *testing.T) {
	r := NewRegistry()

	res, err := r.Interpolate(context.Background(), "{{randomInt(10, 20)}}", nil)
	require.NoError(t, err)
	n, err := strconv.Atoi(res.Output)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 10)
	assert.Less(t, n, 20)

	_, err = r.Interpolate(context.Background(), "{{randomInt(5, 5)}}", nil)
	assert.Error(t, err)
}

func TestJSResolver(t *testing.T) {
	r := NewRegistry()

	res, err := r.Interpolate(context.Background(), "{{js(1 + 2)}}", nil)
	require.NoError(t, err)
	assert.Equal(t, "3", res.Output)

	res, err = r.Interpolate(context.Background(), `{{js("abc".toUpperCase())}}`, nil)
	require.NoError(t, err)
	assert.Equal(t, "ABC", res.Output)
}

func TestResolverErrorAborts(t *testing.T) {
	r := NewRegistry()
	r.Register("boom", func(context.Context, string) (string, error) {
		return "", errors.New("resolver exploded")
	})

	_, err := r.Interpolate(context.Background(), "x={{boom()}}", nil)
	require.Error(t, err)
	assert.Equal(t, errdefs.CodeExecute, errdefs.CodeOf(err))
}

func TestRegisterShadowsBuiltin(t *testing.T) {
	r := NewRegistry()
	r.Register("uuid", func(context.Context, string) (string, error) {
		return "fixed", nil
	})

	res, err := r.Interpolate(context.Background(), "{{uuid()}}", nil)
	require.NoError(t, err)
	assert.Equal(t, "fixed", res.Output)
}

func TestUnknownResolverLeftIntact(t *testing.T) {
	r := NewRegistry()
	res, err := r.Interpolate(context.Background(), "{{nope(1)}}", nil)
	require.NoError(t, err)
	assert.Equal(t, "{{nope(1)}}", res.Output)
	assert.Equal(t, []string{"nope(1)"}, res.Unresolved)
}
