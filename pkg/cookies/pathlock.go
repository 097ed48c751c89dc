package cookies

import (
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
)

// PathLocks serializes access to persistent jar files. One mutex per
// absolute path, created lazily and retained for the process lifetime.
type PathLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPathLocks returns an empty registry.
func NewPathLocks() *PathLocks {
	return &PathLocks{locks: map[string]*sync.Mutex{}}
}

// Lock acquires the mutex for path (normalized to absolute) and returns
// the unlock function.
func (p *PathLocks) Lock(path string) func() {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	p.mu.Lock()
	l, ok := p.locks[abs]
	if !ok {
		l = &sync.Mutex{}
		p.locks[abs] = l
	}
	p.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Len reports the number of registered paths.
func (p *PathLocks) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}

// RecordingJar wraps an http.CookieJar and records whether any
// Set-Cookie was observed, so session executions know when to bump the
// snapshot version and schedule persistence.
type RecordingJar struct {
	Inner http.CookieJar

	mu      sync.Mutex
	changed bool
}

// NewRecordingJar wraps inner.
func NewRecordingJar(inner http.CookieJar) *RecordingJar {
	return &RecordingJar{Inner: inner}
}

func (r *RecordingJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	if len(cookies) > 0 {
		r.mu.Lock()
		r.changed = true
		r.mu.Unlock()
	}
	r.Inner.SetCookies(u, cookies)
}

func (r *RecordingJar) Cookies(u *url.URL) []*http.Cookie {
	return r.Inner.Cookies(u)
}

// Changed reports whether any cookie write was observed.
func (r *RecordingJar) Changed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changed
}
