package sessions

import (
	"sync"
	"time"

	"github.com/reqd-dev/reqd/pkg/cookies"
	"github.com/reqd-dev/reqd/pkg/errdefs"
	"github.com/reqd-dev/reqd/pkg/idgen"
	"github.com/reqd-dev/reqd/pkg/log"
)

const (
	DefaultTTL           = 30 * time.Minute
	DefaultSweepInterval = time.Minute
)

// UpdateMode selects how Update applies variables.
type UpdateMode string

const (
	UpdateModeMerge   UpdateMode = "merge"
	UpdateModeReplace UpdateMode = "replace"
)

type Op struct {
	maxSessions   int
	ttl           time.Duration
	sweepInterval time.Duration
}

type OpOption func(*Op)

func (op *Op) applyOpts(opts []OpOption) {
	op.maxSessions = 100
	op.ttl = DefaultTTL
	op.sweepInterval = DefaultSweepInterval
	for _, opt := range opts {
		opt(op)
	}
}

func WithMaxSessions(n int) OpOption {
	return func(op *Op) {
		if n > 0 {
			op.maxSessions = n
		}
	}
}

func WithTTL(d time.Duration) OpOption {
	return func(op *Op) {
		if d > 0 {
			op.ttl = d
		}
	}
}

func WithSweepInterval(d time.Duration) OpOption {
	return func(op *Op) {
		if d > 0 {
			op.sweepInterval = d
		}
	}
}

// Manager owns the session table.
type Manager struct {
	clock idgen.Clock

	maxSessions   int
	ttl           time.Duration
	sweepInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*Session

	stopOnce sync.Once
	stopc    chan struct{}
}

// NewManager creates the manager and starts the idle sweep.
func NewManager(clock idgen.Clock, opts ...OpOption) *Manager {
	op := &Op{}
	op.applyOpts(opts)

	m := &Manager{
		clock:         clock,
		maxSessions:   op.maxSessions,
		ttl:           op.ttl,
		sweepInterval: op.sweepInterval,
		sessions:      map[string]*Session{},
		stopc:         make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Stop terminates the background sweep.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopc) })
}

// Create mints a session. When the table is full the least-recently-used
// session is evicted silently; its id becomes invalid.
func (m *Manager) Create(initialVariables map[string]any) Snapshot {
	now := m.clock.Now()
	s := &Session{
		ID:         idgen.NewSessionID(),
		Variables:  map[string]any{},
		Jar:        cookies.NewJar(),
		CreatedAt:  now,
		LastUsedAt: now,
	}
	for k, v := range initialVariables {
		s.Variables[k] = v
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.maxSessions {
		m.evictLRULocked()
	}
	m.sessions[s.ID] = s
	return s.snapshot()
}

// evictLRULocked takes each session mutex briefly: LastUsedAt is
// written under the session lock by WithLock, not under m.mu.
func (m *Manager) evictLRULocked() {
	var oldest *Session
	var oldestUsed time.Time
	for _, s := range m.sessions {
		used := s.lastUsed()
		if oldest == nil || used.Before(oldestUsed) {
			oldest = s
			oldestUsed = used
		}
	}
	if oldest != nil {
		delete(m.sessions, oldest.ID)
		log.Logger.Debugw("evicted least-recently-used session", "sessionId", oldest.ID)
	}
}

// Get returns a sanitized snapshot.
func (m *Manager) Get(id string) (Snapshot, error) {
	s, err := m.GetInternal(id)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot(), nil
}

// GetInternal returns the mutable session. Callers must use WithLock
// for any mutation.
func (m *Manager) GetInternal(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, errdefs.Newf(errdefs.CodeSessionNotFound, "session %q not found", id)
	}
	return s, nil
}

// WithLock runs fn holding the session mutex and refreshes LastUsedAt.
func (m *Manager) WithLock(s *Session, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.LastUsedAt = m.clock.Now()
	return fn()
}

// UpdateResult is returned by Update.
type UpdateResult struct {
	SessionID       string `json:"sessionId"`
	SnapshotVersion int64  `json:"snapshotVersion"`
}

// Update applies variables under the session mutex. Merge overlays
// shallowly; replace swaps the whole map. On failure the session is
// left unchanged.
func (m *Manager) Update(id string, variables map[string]any, mode UpdateMode) (UpdateResult, error) {
	switch mode {
	case UpdateModeMerge, UpdateModeReplace:
	default:
		return UpdateResult{}, errdefs.Newf(errdefs.CodeValidation, "unknown update mode %q", mode)
	}

	s, err := m.GetInternal(id)
	if err != nil {
		return UpdateResult{}, err
	}

	var version int64
	err = m.WithLock(s, func() error {
		switch mode {
		case UpdateModeMerge:
			for k, v := range variables {
				s.Variables[k] = v
			}
		case UpdateModeReplace:
			next := make(map[string]any, len(variables))
			for k, v := range variables {
				next[k] = v
			}
			s.Variables = next
		}
		version = s.BumpVersion()
		return nil
	})
	if err != nil {
		return UpdateResult{}, err
	}
	return UpdateResult{SessionID: id, SnapshotVersion: version}, nil
}

// Delete removes a session.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return errdefs.Newf(errdefs.CodeSessionNotFound, "session %q not found", id)
	}
	delete(m.sessions, id)
	return nil
}

// Len reports the table size.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) sweep() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopc:
			return
		case <-ticker.C:
		}

		cutoff := m.clock.Now().Add(-m.ttl)
		m.mu.Lock()
		for id, s := range m.sessions {
			if s.lastUsed().Before(cutoff) {
				delete(m.sessions, id)
				log.Logger.Debugw("evicted idle session", "sessionId", id)
			}
		}
		m.mu.Unlock()
	}
}
