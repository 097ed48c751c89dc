// Package workspace is the bounded file store under the workspace
// root: CRUD for request documents and scripts, plus a discovery
// listing kept warm by a filesystem watcher.
package workspace

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/reqd-dev/reqd/pkg/errdefs"
	"github.com/reqd-dev/reqd/pkg/httpfile"
	"github.com/reqd-dev/reqd/pkg/log"
	"github.com/reqd-dev/reqd/pkg/pathsafe"
)

// MaxFileBytes caps any single read or write through the store.
const MaxFileBytes = 1 << 20 // 1 MiB

// Kind classifies a workspace file by extension.
type Kind string

const (
	KindRequest Kind = "request"
	KindScript  Kind = "script"
	KindTest    Kind = "test"
)

var extKinds = map[string]Kind{
	".http": KindRequest,
	".rest": KindRequest,
	".sh":   KindScript,
	".bash": KindScript,
	".js":   KindScript,
	".mjs":  KindScript,
	".py":   KindScript,
}

// kindOf classifies path; test files are scripts whose name carries a
// test marker.
func kindOf(path string) (Kind, bool) {
	kind, ok := extKinds[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return "", false
	}
	if kind == KindScript {
		base := strings.ToLower(filepath.Base(path))
		if strings.HasPrefix(base, "test_") || strings.Contains(base, ".test.") || strings.Contains(base, "_test.") {
			return KindTest, true
		}
	}
	return kind, true
}

// FileInfo is one discovery listing entry.
type FileInfo struct {
	Path      string `json:"path"`
	Kind      Kind   `json:"kind"`
	SizeBytes int64  `json:"sizeBytes"`
	ModTime   int64  `json:"modTime"` // unix millis
}

// RequestSummary is one request inside a document, for discovery.
type RequestSummary struct {
	Index    int    `json:"index"`
	Name     string `json:"name,omitempty"`
	Method   string `json:"method"`
	URL      string `json:"url"`
	Protocol string `json:"protocol"`
}

// Store is the workspace file table.
type Store struct {
	root string

	watcher *fsnotify.Watcher

	mu     sync.Mutex
	cache  []FileInfo
	fresh  bool

	stopOnce sync.Once
	stopc    chan struct{}
}

// NewStore opens the store and starts the watcher. The watcher only
// invalidates the listing cache; every read still goes to disk.
func NewStore(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if fi, serr := os.Stat(abs); serr != nil || !fi.IsDir() {
		return nil, errdefs.Newf(errdefs.CodeValidation, "workspace root %q is not a directory", root)
	}

	s := &Store{
		root:  abs,
		stopc: make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// discovery still works without the watcher, just uncached
		log.Logger.Warnw("workspace watcher unavailable", "error", err)
	} else {
		s.watcher = watcher
		if werr := s.watchTree(abs); werr != nil {
			log.Logger.Warnw("failed to watch workspace tree", "error", werr)
		}
		go s.handleWatcherEvents()
	}

	return s, nil
}

// Root returns the absolute workspace root.
func (s *Store) Root() string {
	return s.root
}

// Close stops the watcher.
func (s *Store) Close() {
	s.stopOnce.Do(func() {
		close(s.stopc)
		if s.watcher != nil {
			_ = s.watcher.Close()
		}
	})
}

func (s *Store) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			return s.watcher.Add(path)
		}
		return nil
	})
}

func (s *Store) handleWatcherEvents() {
	for {
		select {
		case <-s.stopc:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create == fsnotify.Create {
				if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
					if aerr := s.watcher.Add(event.Name); aerr != nil {
						log.Logger.Debugw("failed to watch new directory", "dir", event.Name, "error", aerr)
					}
				}
			}
			s.invalidate()
		case werr, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Logger.Warnw("workspace watcher error", "error", werr)
		}
	}
}

func (s *Store) invalidate() {
	s.mu.Lock()
	s.fresh = false
	s.mu.Unlock()
}

// Files returns the discovery listing, rescanning only when the cache
// has been invalidated by a filesystem event.
func (s *Store) Files() []FileInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	// no watcher means no invalidation signal; always rescan
	if s.fresh && s.watcher != nil {
		return append([]FileInfo(nil), s.cache...)
	}

	var out []FileInfo
	_ = filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != s.root {
				return filepath.SkipDir
			}
			return nil
		}
		kind, ok := kindOf(path)
		if !ok {
			return nil
		}
		fi, ferr := d.Info()
		if ferr != nil {
			return nil
		}
		rel, rerr := filepath.Rel(s.root, path)
		if rerr != nil {
			return nil
		}
		out = append(out, FileInfo{
			Path:      filepath.ToSlash(rel),
			Kind:      kind,
			SizeBytes: fi.Size(),
			ModTime:   fi.ModTime().UnixMilli(),
		})
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	s.cache = out
	s.fresh = true
	return append([]FileInfo(nil), out...)
}

// resolve validates path and enforces the extension allowlist.
func (s *Store) resolve(path string) (string, error) {
	if _, ok := kindOf(path); !ok {
		return "", errdefs.Newf(errdefs.CodeValidation, "unsupported file type %q", filepath.Ext(path))
	}
	return pathsafe.Join(s.root, path)
}

// Read returns a workspace file's content.
func (s *Store) Read(path string) (string, error) {
	abs, err := s.resolve(path)
	if err != nil {
		return "", err
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return "", errdefs.Newf(errdefs.CodeFileNotFound, "file not found: %s", path)
	}
	if fi.Size() > MaxFileBytes {
		return "", errdefs.Newf(errdefs.CodeValidation, "file %s exceeds %d bytes", path, MaxFileBytes)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", errdefs.Wrap(errdefs.CodeExecute, "failed to read file", err)
	}
	return string(data), nil
}

// Create writes a new file; an existing file is an error.
func (s *Store) Create(path, content string) error {
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	if _, serr := os.Stat(abs); serr == nil {
		return errdefs.Newf(errdefs.CodeValidation, "file %s already exists", path)
	}
	return s.write(abs, content)
}

// Write creates or overwrites a file.
func (s *Store) Write(path, content string) error {
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	return s.write(abs, content)
}

func (s *Store) write(abs, content string) error {
	if int64(len(content)) > MaxFileBytes {
		return errdefs.Newf(errdefs.CodeValidation, "content exceeds %d bytes", MaxFileBytes)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return errdefs.Wrap(errdefs.CodeExecute, "failed to create parent directory", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return errdefs.Wrap(errdefs.CodeExecute, "failed to write file", err)
	}
	s.invalidate()
	return nil
}

// Delete removes a file. Missing files are an error.
func (s *Store) Delete(path string) error {
	abs, err := s.resolve(path)
	if err != nil {
		return err
	}
	if _, serr := os.Stat(abs); serr != nil {
		return errdefs.Newf(errdefs.CodeFileNotFound, "file not found: %s", path)
	}
	if err := os.Remove(abs); err != nil {
		return errdefs.Wrap(errdefs.CodeExecute, "failed to delete file", err)
	}
	s.invalidate()
	return nil
}

// Requests parses a request document and summarizes its blocks.
func (s *Store) Requests(path string) ([]RequestSummary, error) {
	if kind, ok := kindOf(path); !ok || kind != KindRequest {
		return nil, errdefs.Newf(errdefs.CodeValidation, "%s is not a request document", path)
	}
	content, err := s.Read(path)
	if err != nil {
		return nil, err
	}
	doc, err := httpfile.Parse(content)
	if err != nil {
		return nil, err
	}
	out := make([]RequestSummary, 0, len(doc.Requests))
	for i, r := range doc.Requests {
		out = append(out, RequestSummary{
			Index:    i,
			Name:     r.Name,
			Method:   r.Method,
			URL:      r.URL,
			Protocol: string(r.Protocol),
		})
	}
	return out, nil
}
