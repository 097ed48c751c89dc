package cookies

import (
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestJarSetAndGet(t *testing.T) {
	jar := NewJar()
	u := mustURL(t, "https://svc.example/login")

	jar.SetCookies(u, []*http.Cookie{{Name: "a", Value: "1", Path: "/"}})

	got := jar.Cookies(mustURL(t, "https://svc.example/me"))
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Name)
	assert.Equal(t, "1", got[0].Value)
}

func TestJarHostOnly(t *testing.T) {
	jar := NewJar()
	jar.SetCookies(mustURL(t, "https://svc.example/"), []*http.Cookie{{Name: "a", Value: "1", Path: "/"}})

	assert.Empty(t, jar.Cookies(mustURL(t, "https://sub.svc.example/")), "host-only cookie must not match subdomains")
	assert.Len(t, jar.Cookies(mustURL(t, "https://svc.example/")), 1)
}

func TestJarDomainCookie(t *testing.T) {
	jar := NewJar()
	jar.SetCookies(mustURL(t, "https://svc.example/"), []*http.Cookie{
		{Name: "a", Value: "1", Path: "/", Domain: "svc.example"},
	})

	assert.Len(t, jar.Cookies(mustURL(t, "https://sub.svc.example/")), 1)

	// a cookie claiming an unrelated domain is rejected
	jar.SetCookies(mustURL(t, "https://svc.example/"), []*http.Cookie{
		{Name: "evil", Value: "1", Path: "/", Domain: "other.example"},
	})
	for _, c := range jar.Cookies(mustURL(t, "https://other.example/")) {
		assert.NotEqual(t, "evil", c.Name)
	}
}

func TestJarSecureOnly(t *testing.T) {
	jar := NewJar()
	jar.SetCookies(mustURL(t, "https://svc.example/"), []*http.Cookie{
		{Name: "s", Value: "1", Path: "/", Secure: true},
	})

	assert.Len(t, jar.Cookies(mustURL(t, "https://svc.example/")), 1)
	assert.Empty(t, jar.Cookies(mustURL(t, "http://svc.example/")))
}

func TestJarPathMatch(t *testing.T) {
	jar := NewJar()
	jar.SetCookies(mustURL(t, "https://svc.example/api/v1/x"), []*http.Cookie{
		{Name: "p", Value: "1", Path: "/api"},
	})

	assert.Len(t, jar.Cookies(mustURL(t, "https://svc.example/api/v2")), 1)
	assert.Empty(t, jar.Cookies(mustURL(t, "https://svc.example/apix")))
	assert.Empty(t, jar.Cookies(mustURL(t, "https://svc.example/")))
}

func TestJarExpiry(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	jar := NewJar()
	jar.now = func() time.Time { return now }

	jar.SetCookies(mustURL(t, "https://svc.example/"), []*http.Cookie{
		{Name: "short", Value: "1", Path: "/", MaxAge: 60},
		{Name: "gone", Value: "1", Path: "/", MaxAge: -1},
	})
	assert.Len(t, jar.Cookies(mustURL(t, "https://svc.example/")), 1)

	now = now.Add(2 * time.Minute)
	assert.Empty(t, jar.Cookies(mustURL(t, "https://svc.example/")))
}

func TestJarOverwrite(t *testing.T) {
	jar := NewJar()
	u := mustURL(t, "https://svc.example/")
	jar.SetCookies(u, []*http.Cookie{{Name: "a", Value: "1", Path: "/"}})
	jar.SetCookies(u, []*http.Cookie{{Name: "a", Value: "2", Path: "/"}})

	got := jar.Cookies(u)
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].Value)
}

func TestJarSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jars", "session.json")

	jar := NewJar()
	jar.SetCookies(mustURL(t, "https://svc.example/"), []*http.Cookie{
		{Name: "a", Value: "1", Path: "/"},
		{Name: "b", Value: "2", Path: "/api"},
	})
	require.NoError(t, jar.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.ElementsMatch(t, jar.Snapshot(), loaded.Snapshot())
}

func TestLoadMissingFile(t *testing.T) {
	jar, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Empty(t, jar.Snapshot())
}

func TestPathLocksSerialize(t *testing.T) {
	locks := NewPathLocks()
	path := filepath.Join(t.TempDir(), "jar.json")

	var inCritical, max int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock(path)
			defer unlock()

			mu.Lock()
			inCritical++
			if inCritical > max {
				max = inCritical
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inCritical--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, max, "jar path critical section must be exclusive")
	assert.Equal(t, 1, locks.Len(), "same path maps to one lock")
}

func TestRecordingJar(t *testing.T) {
	rec := NewRecordingJar(NewJar())
	u := mustURL(t, "https://svc.example/")

	assert.False(t, rec.Changed())
	rec.Cookies(u)
	assert.False(t, rec.Changed(), "reads do not count as changes")

	rec.SetCookies(u, []*http.Cookie{{Name: "a", Value: "1", Path: "/"}})
	assert.True(t, rec.Changed())
	assert.Len(t, rec.Cookies(u), 1)
}
