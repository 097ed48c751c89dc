package engine

import (
	"net/http"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reqd-dev/reqd/pkg/cookies"
)

func snapshotWithCookie(t *testing.T, name, value string) []cookies.Cookie {
	t.Helper()
	jar := cookies.NewJar()
	u, err := url.Parse("https://svc.example/")
	require.NoError(t, err)
	jar.SetCookies(u, []*http.Cookie{{Name: name, Value: value, Path: "/"}})
	return jar.Snapshot()
}

func TestJarSaverDebounce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jar.json")
	s := newJarSaver(cookies.NewPathLocks(), 20*time.Millisecond)

	s.Schedule(path, snapshotWithCookie(t, "a", "stale"))
	s.Schedule(path, snapshotWithCookie(t, "a", "fresh"))

	require.Eventually(t, func() bool {
		jar, err := cookies.Load(path)
		if err != nil {
			return false
		}
		snap := jar.Snapshot()
		return len(snap) == 1 && snap[0].Value == "fresh"
	}, time.Second, 10*time.Millisecond, "latest snapshot wins the debounce window")
}

func TestJarSaverFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jar.json")
	s := newJarSaver(cookies.NewPathLocks(), time.Hour)

	s.Schedule(path, snapshotWithCookie(t, "k", "v"))
	s.Flush()

	jar, err := cookies.Load(path)
	require.NoError(t, err)
	snap := jar.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "v", snap[0].Value)
}
