// Package sessions owns the named conversational contexts carrying
// variables and a cookie jar across executions.
package sessions

import (
	"sync"
	"time"

	"github.com/reqd-dev/reqd/pkg/cookies"
	"github.com/reqd-dev/reqd/pkg/redact"
)

// Session is the mutable per-conversation state. All mutations
// (variables, cookies observed on a response, jar path rebinding) must
// happen under the session mutex via Manager.WithLock.
type Session struct {
	ID string

	// guarded by mu
	Variables       map[string]any
	Jar             *cookies.Jar
	CookieJarPath   string
	SnapshotVersion int64

	CreatedAt  time.Time
	LastUsedAt time.Time

	mu sync.Mutex
}

// BumpVersion increments the snapshot version. Callers must hold the
// session lock.
func (s *Session) BumpVersion() int64 {
	s.SnapshotVersion++
	return s.SnapshotVersion
}

// lastUsed reads LastUsedAt under the session lock; WithLock refreshes
// it without holding the manager mutex.
func (s *Session) lastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LastUsedAt
}

// Snapshot is the sanitized read model returned by the API.
type Snapshot struct {
	SessionID       string         `json:"sessionId"`
	Variables       map[string]any `json:"variables,omitempty"`
	CookieCount     int            `json:"cookieCount"`
	CreatedAt       time.Time      `json:"createdAt"`
	LastUsedAt      time.Time      `json:"lastUsedAt"`
	SnapshotVersion int64          `json:"snapshotVersion"`
}

func (s *Session) snapshot() Snapshot {
	return Snapshot{
		SessionID:       s.ID,
		Variables:       redact.Variables(s.Variables),
		CookieCount:     len(s.Jar.Snapshot()),
		CreatedAt:       s.CreatedAt,
		LastUsedAt:      s.LastUsedAt,
		SnapshotVersion: s.SnapshotVersion,
	}
}
