// Package tokens issues short-lived bearer tokens scoped to one script
// or test run. A child process authenticates back to the control plane
// with its token; the token dies with the run.
package tokens

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/reqd-dev/reqd/pkg/idgen"
)

// DefaultTTL bounds a token's lifetime even if the run never exits.
const DefaultTTL = time.Hour

const tokenPrefix = "rtk_"

// Scope is what a token is allowed to act as.
type Scope struct {
	RunID     string
	FlowID    string
	SessionID string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Manager is the process-wide token table.
type Manager struct {
	clock idgen.Clock
	ttl   time.Duration

	mu     sync.RWMutex
	byTok  map[string]Scope
	byRun  map[string]string
}

// NewManager creates a token manager with the default TTL.
func NewManager(clock idgen.Clock) *Manager {
	return &Manager{
		clock: clock,
		ttl:   DefaultTTL,
		byTok: map[string]Scope{},
		byRun: map[string]string{},
	}
}

// Issue mints a token scoped to the given run. Issuing again for the
// same run replaces the previous token.
func (m *Manager) Issue(runID, flowID, sessionID string) string {
	buf := make([]byte, 24)
	// rand.Read never fails on supported platforms
	_, _ = rand.Read(buf)
	tok := tokenPrefix + hex.EncodeToString(buf)

	now := m.clock.Now()
	m.mu.Lock()
	if old, ok := m.byRun[runID]; ok {
		delete(m.byTok, old)
	}
	m.byTok[tok] = Scope{
		RunID:     runID,
		FlowID:    flowID,
		SessionID: sessionID,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}
	m.byRun[runID] = tok
	m.mu.Unlock()
	return tok
}

// Validate resolves a token to its scope. Expired tokens are removed
// on sight.
func (m *Manager) Validate(token string) (Scope, bool) {
	m.mu.RLock()
	scope, ok := m.byTok[token]
	m.mu.RUnlock()
	if !ok {
		return Scope{}, false
	}
	if m.clock.Now().After(scope.ExpiresAt) {
		m.mu.Lock()
		delete(m.byTok, token)
		if m.byRun[scope.RunID] == token {
			delete(m.byRun, scope.RunID)
		}
		m.mu.Unlock()
		return Scope{}, false
	}
	return scope, true
}

// RevokeRun drops the token issued for a run. Unknown runs are ignored.
func (m *Manager) RevokeRun(runID string) {
	m.mu.Lock()
	if tok, ok := m.byRun[runID]; ok {
		delete(m.byTok, tok)
		delete(m.byRun, runID)
	}
	m.mu.Unlock()
}

// Len reports the number of live tokens.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byTok)
}
