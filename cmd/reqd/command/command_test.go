package command

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppCommands(t *testing.T) {
	app := App()
	assert.Equal(t, "reqd", app.Name)

	names := map[string]bool{}
	for _, c := range app.Commands {
		names[c.Name] = true
	}
	for _, want := range []string{"up", "parse", "files"} {
		assert.True(t, names[want], "missing command %q", want)
	}
}

func TestCmdParse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "api.http")
	require.NoError(t, os.WriteFile(path, []byte("### ping\nGET https://svc.example/ping\n"), 0o644))

	app := App()
	require.NoError(t, app.Run([]string{"reqd", "parse", path}))
}

func TestCmdParseMissingArg(t *testing.T) {
	app := App()
	err := app.Run([]string{"reqd", "parse"})
	require.Error(t, err)
}

func TestCmdFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "api.http"), []byte("GET https://svc.example/\n"), 0o644))

	app := App()
	require.NoError(t, app.Run([]string{"reqd", "files", "--workspace", dir}))
}
