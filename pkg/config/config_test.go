package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()
	assert.Equal(t, "127.0.0.1:28080", c.Address)
	assert.Equal(t, DefaultMaxSessions, c.MaxSessions)
	assert.Equal(t, int64(DefaultMaxBodyBytes), c.MaxBodyBytes)
	assert.Equal(t, DefaultTimeoutMs, c.TimeoutMs)
	assert.Equal(t, CookieModeMemory, c.CookieMode)
	assert.NoError(t, c.Validate())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reqd.yaml")
	content := `
address: "127.0.0.1:9000"
workspace_root: ` + dir + `
timeout_ms: 15000
cookie_mode: persistent
cookie_jar_path: ` + filepath.Join(dir, "jar.json") + `
variables:
  host: https://svc.example
profiles:
  staging:
    variables:
      host: https://staging.example
    timeout_ms: 5000
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	c, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", c.Address)
	assert.Equal(t, 15000, c.TimeoutMs)
	assert.Equal(t, CookieModePersistent, c.CookieMode)
	require.NoError(t, c.Validate())
}

func TestValidate(t *testing.T) {
	c := Default()
	c.CookieMode = CookieMode("bogus")
	assert.Error(t, c.Validate())

	c = Default()
	c.CookieMode = CookieModePersistent
	assert.Error(t, c.Validate(), "persistent mode requires a jar path")

	c = Default()
	c.Address = "0.0.0.0:28080"
	assert.ErrorIs(t, c.Validate(), ErrTokenRequired)
	c.Token = "t"
	assert.NoError(t, c.Validate())
}

func TestIsLoopback(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:28080", true},
		{"localhost:28080", true},
		{"[::1]:28080", true},
		{"0.0.0.0:28080", false},
		{"10.0.0.5:28080", false},
	}
	for _, tt := range tests {
		c := &Config{Address: tt.addr}
		assert.Equal(t, tt.want, c.IsLoopback(), tt.addr)
	}
}

func TestResolveLayering(t *testing.T) {
	c := Default()
	c.Variables = map[string]any{"host": "default", "region": "us"}
	c.Profiles = map[string]Profile{
		"staging": {Variables: map[string]any{"host": "staging"}, TimeoutMs: 5000},
	}

	r, err := c.Resolve("staging",
		map[string]any{"region": "eu", "sessionOnly": 1},
		map[string]any{"region": "ap"},
	)
	require.NoError(t, err)
	assert.Equal(t, "staging", r.Variables["host"])
	assert.Equal(t, "ap", r.Variables["region"], "request variables win")
	assert.Equal(t, 1, r.Variables["sessionOnly"])
	assert.Equal(t, 5000, r.TimeoutMs)

	_, err = c.Resolve("missing", nil, nil)
	assert.Error(t, err)
}

func TestResolveTimeoutCap(t *testing.T) {
	c := Default()
	c.Profiles = map[string]Profile{"slow": {TimeoutMs: 999_999}}
	r, err := c.Resolve("slow", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, MaxTimeoutMs, r.TimeoutMs)
}
