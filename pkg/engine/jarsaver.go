package engine

import (
	"sync"
	"time"

	"github.com/reqd-dev/reqd/pkg/cookies"
	"github.com/reqd-dev/reqd/pkg/log"
)

// defaultSaveDebounce coalesces jar writes from bursts of executions
// against the same session.
const defaultSaveDebounce = 500 * time.Millisecond

// jarSaver debounces persistent cookie-jar writes per absolute path.
// The per-path lock serializes against stateless persistent
// executions touching the same file.
type jarSaver struct {
	locks *cookies.PathLocks
	delay time.Duration

	mu      sync.Mutex
	pending map[string]*pendingSave
}

type pendingSave struct {
	timer    *time.Timer
	snapshot []cookies.Cookie
}

func newJarSaver(locks *cookies.PathLocks, delay time.Duration) *jarSaver {
	if delay <= 0 {
		delay = defaultSaveDebounce
	}
	return &jarSaver{locks: locks, delay: delay, pending: map[string]*pendingSave{}}
}

// Schedule records the latest snapshot for path and arms (or re-arms)
// the debounce timer.
func (s *jarSaver) Schedule(path string, snapshot []cookies.Cookie) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pending[path]; ok {
		p.snapshot = snapshot
		p.timer.Reset(s.delay)
		return
	}
	p := &pendingSave{snapshot: snapshot}
	p.timer = time.AfterFunc(s.delay, func() { s.fire(path) })
	s.pending[path] = p
}

func (s *jarSaver) fire(path string) {
	s.mu.Lock()
	p, ok := s.pending[path]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.pending, path)
	snapshot := p.snapshot
	s.mu.Unlock()

	s.write(path, snapshot)
}

func (s *jarSaver) write(path string, snapshot []cookies.Cookie) {
	unlock := s.locks.Lock(path)
	defer unlock()

	jar := cookies.NewJar()
	jar.Restore(snapshot)
	if err := jar.Save(path); err != nil {
		log.Logger.Errorw("failed to persist cookie jar", "path", path, "error", err)
		return
	}
	log.Logger.Debugw("persisted cookie jar", "path", path, "cookies", len(snapshot))
}

// Flush writes every pending snapshot immediately. Used on shutdown.
func (s *jarSaver) Flush() {
	s.mu.Lock()
	paths := make([]string, 0, len(s.pending))
	snaps := make([][]cookies.Cookie, 0, len(s.pending))
	for path, p := range s.pending {
		p.timer.Stop()
		paths = append(paths, path)
		snaps = append(snaps, p.snapshot)
	}
	s.pending = map[string]*pendingSave{}
	s.mu.Unlock()

	for i, path := range paths {
		s.write(path, snaps[i])
	}
}
