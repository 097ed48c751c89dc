// Package cookies provides the in-memory cookie jar with optional JSON
// persistence, the per-path lock registry serializing persistent jar
// access, and the recording wrapper used by session executions.
package cookies

import (
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Cookie is the persisted form of one cookie.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	HTTPOnly bool      `json:"httpOnly,omitempty"`

	// HostOnly is set when the cookie carried no Domain attribute and
	// only matches the exact host that set it.
	HostOnly bool `json:"hostOnly,omitempty"`
}

// Jar is an http.CookieJar whose contents can be serialized. The
// standard library jar does not expose its entries, so persistence
// requires our own matching; the rules follow RFC 6265 closely enough
// for a local request runner.
type Jar struct {
	mu      sync.Mutex
	cookies []Cookie
	now     func() time.Time
}

// NewJar returns an empty jar.
func NewJar() *Jar {
	return &Jar{now: time.Now}
}

// SetCookies implements http.CookieJar.
func (j *Jar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	if u == nil || (u.Scheme != "http" && u.Scheme != "https") {
		return
	}
	host := strings.ToLower(u.Hostname())

	j.mu.Lock()
	defer j.mu.Unlock()

	for _, c := range cookies {
		if c.Name == "" {
			continue
		}
		stored := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		}
		if stored.Path == "" {
			stored.Path = defaultPath(u.Path)
		}
		if c.Domain != "" {
			domain := strings.ToLower(strings.TrimPrefix(c.Domain, "."))
			if !domainMatch(host, domain) {
				continue // cookie for an unrelated domain
			}
			stored.Domain = domain
		} else {
			stored.Domain = host
			stored.HostOnly = true
		}
		if c.MaxAge < 0 {
			j.removeLocked(stored.Domain, stored.Path, stored.Name)
			continue
		}
		if c.MaxAge > 0 {
			stored.Expires = j.now().Add(time.Duration(c.MaxAge) * time.Second)
		} else if !c.Expires.IsZero() {
			if c.Expires.Before(j.now()) {
				j.removeLocked(stored.Domain, stored.Path, stored.Name)
				continue
			}
			stored.Expires = c.Expires
		}
		j.removeLocked(stored.Domain, stored.Path, stored.Name)
		j.cookies = append(j.cookies, stored)
	}
}

// Cookies implements http.CookieJar.
func (j *Jar) Cookies(u *url.URL) []*http.Cookie {
	if u == nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	path := u.Path
	if path == "" {
		path = "/"
	}
	secure := u.Scheme == "https"

	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	var matched []Cookie
	kept := j.cookies[:0]
	for _, c := range j.cookies {
		if !c.Expires.IsZero() && c.Expires.Before(now) {
			continue // expired, drop
		}
		kept = append(kept, c)
		if c.Secure && !secure {
			continue
		}
		if c.HostOnly {
			if host != c.Domain {
				continue
			}
		} else if !domainMatch(host, c.Domain) {
			continue
		}
		if !pathMatch(path, c.Path) {
			continue
		}
		matched = append(matched, c)
	}
	j.cookies = kept

	// longer paths first, per RFC 6265 §5.4
	sort.SliceStable(matched, func(a, b int) bool {
		return len(matched[a].Path) > len(matched[b].Path)
	})

	out := make([]*http.Cookie, 0, len(matched))
	for _, c := range matched {
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	return out
}

// Snapshot returns a copy of the current non-expired cookies.
func (j *Jar) Snapshot() []Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	out := make([]Cookie, 0, len(j.cookies))
	for _, c := range j.cookies {
		if !c.Expires.IsZero() && c.Expires.Before(now) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Restore replaces the jar contents.
func (j *Jar) Restore(cookies []Cookie) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cookies = append([]Cookie(nil), cookies...)
}

func (j *Jar) removeLocked(domain, path, name string) {
	kept := j.cookies[:0]
	for _, c := range j.cookies {
		if c.Domain == domain && c.Path == path && c.Name == name {
			continue
		}
		kept = append(kept, c)
	}
	j.cookies = kept
}

func defaultPath(requestPath string) string {
	if requestPath == "" || !strings.HasPrefix(requestPath, "/") {
		return "/"
	}
	idx := strings.LastIndex(requestPath, "/")
	if idx == 0 {
		return "/"
	}
	return requestPath[:idx]
}

func domainMatch(host, domain string) bool {
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func pathMatch(requestPath, cookiePath string) bool {
	if requestPath == cookiePath {
		return true
	}
	if !strings.HasPrefix(requestPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || requestPath[len(cookiePath)] == '/'
}

// jarFile is the on-disk format.
type jarFile struct {
	Cookies []Cookie `json:"cookies"`
}

// Load reads a jar file. A missing file yields an empty jar.
func Load(path string) (*Jar, error) {
	jar := NewJar()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return jar, nil
		}
		return nil, err
	}
	var f jarFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	jar.Restore(f.Cookies)
	return jar, nil
}

// Save writes the jar atomically (temp file + rename).
func (j *Jar) Save(path string) error {
	data, err := json.MarshalIndent(jarFile{Cookies: j.Snapshot()}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".jar-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
