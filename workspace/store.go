// Package workspace implements the shared file store agents mutate: per-path
// mutual exclusion, optimistic concurrency via read hashes, timestamped
// backups, line-level diffs, advisory reservations and a file-activity
// tracker for conflict visibility.
package workspace

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/codeswarm/logging"
)

// noisy directories skipped by listings.
var skipDirs = map[string]struct{}{
	"node_modules": {}, "__pycache__": {}, ".git": {}, "venv": {}, ".venv": {}, ".backups": {},
}

// Entry describes one file or directory in a listing.
type Entry struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"` // "file" or "directory"
	Size int64  `json:"size,omitempty"`
}

// Options configures a Store.
type Options struct {
	// ActivityWindow is how long a file touch counts as recent for the
	// conflict tracker.
	ActivityWindow time.Duration
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Store manages the shared workspace rooted at a single directory. All
// mutations to the same relative path are serialized by a per-path lock.
// Reads record a content hash per (agent, path); edits based on a hash that
// no longer matches the file fail with ErrStaleRead, forcing read-before-
// write.
type Store struct {
	root string

	mu         sync.Mutex // guards pathLocks, hashes, agentReads
	pathLocks  map[string]*sync.Mutex
	hashes     map[string]string  // rel path -> current on-disk hash
	agentReads map[readKey]string // (agent, path) -> hash at last read

	reservations *reservationTable
	tracker      *activityTracker
	logger       logging.Logger
}

type readKey struct{ agentID, path string }

// New creates a Store rooted at dir, creating the directory when missing.
func New(dir string, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Store{
		root:         abs,
		pathLocks:    make(map[string]*sync.Mutex),
		hashes:       make(map[string]string),
		agentReads:   make(map[readKey]string),
		reservations: newReservationTable(),
		tracker:      newActivityTracker(opts.ActivityWindow),
		logger:       opts.Logger,
	}, nil
}

// Root returns the absolute workspace root.
func (s *Store) Root() string { return s.root }

// resolve validates relPath stays inside the root and returns its absolute
// form.
func (s *Store) resolve(relPath string) (string, error) {
	full := filepath.Join(s.root, relPath)
	abs, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("resolve path %q: %w", relPath, err)
	}
	if abs != s.root && !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, relPath)
	}
	return abs, nil
}

func (s *Store) lockFor(relPath string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.pathLocks[relPath]
	if !ok {
		l = &sync.Mutex{}
		s.pathLocks[relPath] = l
	}
	return l
}

func hashContent(content string) string {
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Read returns the file content and records the content hash for agentID so
// later edits can be checked for staleness.
func (s *Store) Read(relPath, agentID string) (string, error) {
	full, err := s.resolve(relPath)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", relPath, err)
	}
	content := string(data)

	h := hashContent(content)
	s.mu.Lock()
	s.hashes[relPath] = h
	if agentID != "" {
		s.agentReads[readKey{agentID, relPath}] = h
	}
	s.mu.Unlock()
	if agentID != "" {
		s.tracker.record(agentID, relPath, "read")
	}
	return content, nil
}

// checkStale enforces read-before-write. Returns a wrapped ErrStaleRead when
// the file changed since the agent's last read, or when the agent never read
// a pre-existing file. Unknown agents skip the check.
func (s *Store) checkStale(agentID, relPath string) error {
	if agentID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	agentHash, read := s.agentReads[readKey{agentID, relPath}]
	current, exists := s.hashes[relPath]
	if !read {
		if exists {
			return staleReadError(relPath, "not read yet, read the file before modifying it")
		}
		return nil // new file
	}
	if exists && agentHash != current {
		return staleReadError(relPath, "modified by another agent since your last read, re-read it before editing")
	}
	return nil
}

func (s *Store) recordWrite(agentID, relPath, content, action string) {
	h := hashContent(content)
	s.mu.Lock()
	s.hashes[relPath] = h
	if agentID != "" {
		s.agentReads[readKey{agentID, relPath}] = h
	}
	s.mu.Unlock()
	if agentID != "" {
		s.tracker.record(agentID, relPath, action)
	}
}

// Write replaces the full content of relPath, creating parent directories as
// needed. Existing content is backed up first and the old content must not be
// stale for agentID. Returns a diff of the change.
func (s *Store) Write(relPath, content, agentID string) (*Diff, error) {
	full, err := s.resolve(relPath)
	if err != nil {
		return nil, err
	}
	lock := s.lockFor(relPath)
	lock.Lock()
	defer lock.Unlock()

	old := ""
	if data, err := os.ReadFile(full); err == nil {
		old = string(data)
	}
	if old != "" {
		if err := s.checkStale(agentID, relPath); err != nil {
			return nil, err
		}
		if err := s.backup(full, old); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("create parent dirs for %s: %w", relPath, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("write %s: %w", relPath, err)
	}
	s.recordWrite(agentID, relPath, content, "write")
	s.logger.Info("wrote file", "path", relPath, "bytes", len(content))
	return generateDiff(relPath, old, content), nil
}

// Edit performs a surgical in-place edit: search must appear verbatim in the
// current content and only the first occurrence is replaced. The prior
// content is backed up and the agent's last read must match the on-disk hash.
func (s *Store) Edit(relPath, search, replace, agentID string) (*Diff, error) {
	full, err := s.resolve(relPath)
	if err != nil {
		return nil, err
	}
	lock := s.lockFor(relPath)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("edit %s: %w", relPath, err)
	}
	old := string(data)

	if err := s.checkStale(agentID, relPath); err != nil {
		return nil, err
	}
	if !strings.Contains(old, search) {
		return nil, fmt.Errorf("%w in %s: the file may have changed, re-read it to see current content", ErrPatternNotFound, relPath)
	}
	if n := strings.Count(old, search); n > 1 {
		s.logger.Warn("search text matches multiple times, replacing first occurrence", "path", relPath, "occurrences", n)
	}
	if writers := s.tracker.recentWriters(relPath, agentID); len(writers) > 0 {
		s.logger.Warn("file recently modified by other agents", "path", relPath, "agent_id", agentID, "writers", strings.Join(writers, ","))
	}

	if err := s.backup(full, old); err != nil {
		return nil, err
	}
	updated := strings.Replace(old, search, replace, 1)
	if err := os.WriteFile(full, []byte(updated), 0o644); err != nil {
		return nil, fmt.Errorf("edit %s: %w", relPath, err)
	}
	s.recordWrite(agentID, relPath, updated, "edit")
	s.logger.Info("edited file", "path", relPath, "search_len", len(search), "replace_len", len(replace))
	return generateDiff(relPath, old, updated), nil
}

// Delete removes relPath. Returns false when the file did not exist.
func (s *Store) Delete(relPath string) (bool, error) {
	full, err := s.resolve(relPath)
	if err != nil {
		return false, err
	}
	lock := s.lockFor(relPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("delete %s: %w", relPath, err)
	}
	s.mu.Lock()
	delete(s.hashes, relPath)
	s.mu.Unlock()
	s.logger.Info("deleted file", "path", relPath)
	return true, nil
}

// Exists reports whether relPath names an existing file.
func (s *Store) Exists(relPath string) bool {
	full, err := s.resolve(relPath)
	if err != nil {
		return false
	}
	info, err := os.Stat(full)
	return err == nil && !info.IsDir()
}

// List returns the entries directly under relPath (the root when empty),
// skipping hidden files and common noise directories.
func (s *Store) List(relPath string) ([]Entry, error) {
	full, err := s.resolve(relPath)
	if err != nil {
		return nil, err
	}
	items, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", relPath, err)
	}

	var out []Entry
	for _, item := range items {
		name := item.Name()
		if strings.HasPrefix(name, ".") && name != ".env" {
			continue
		}
		if _, skip := skipDirs[name]; skip {
			continue
		}
		rel := filepath.Join(relPath, name)
		if item.IsDir() {
			out = append(out, Entry{Name: name, Path: rel, Type: "directory"})
			continue
		}
		info, err := item.Info()
		if err != nil {
			continue
		}
		out = append(out, Entry{Name: name, Path: rel, Type: "file", Size: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// ListRecursive walks the workspace up to maxDepth, returning files only.
// Used for codebase scanning.
func (s *Store) ListRecursive(maxDepth int) ([]Entry, error) {
	var out []Entry
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // permission errors are skipped, not fatal
		}
		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if _, skip := skipDirs[name]; skip || strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			if maxDepth > 0 && strings.Count(rel, string(filepath.Separator)) >= maxDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") && name != ".env" {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		out = append(out, Entry{Name: name, Path: rel, Type: "file", Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// backup saves a timestamped copy of content under .backups before a
// mutation; the path is flattened (src/app.go -> src__app.go.<ts>.bak).
func (s *Store) backup(fullPath, content string) error {
	backupDir := filepath.Join(s.root, ".backups")
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	rel, err := filepath.Rel(s.root, fullPath)
	if err != nil {
		rel = filepath.Base(fullPath)
	}
	flat := strings.ReplaceAll(rel, string(filepath.Separator), "__")
	name := fmt.Sprintf("%s.%d.bak", flat, time.Now().Unix())
	if err := os.WriteFile(filepath.Join(backupDir, name), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write backup for %s: %w", rel, err)
	}
	s.logger.Debug("backup saved", "name", name)
	return nil
}

// Reserve grants an advisory, TTL-bounded exclusive claim on relPath to
// agentID. Returns false when another agent holds a live reservation. The
// claim never blocks the per-path lock.
func (s *Store) Reserve(relPath, agentID string, ttl time.Duration) bool {
	ok := s.reservations.reserve(relPath, agentID, ttl)
	if !ok {
		s.logger.Debug("reservation denied", "path", relPath, "agent_id", agentID)
	}
	return ok
}

// Release drops agentID's reservation on relPath.
func (s *Store) Release(relPath, agentID string) bool {
	return s.reservations.release(relPath, agentID)
}

// ReleaseAll drops every reservation held by agentID and returns how many
// were released.
func (s *Store) ReleaseAll(agentID string) int {
	return s.reservations.releaseAll(agentID)
}

// Holder reports the live reservation holder of relPath, if any.
func (s *Store) Holder(relPath string) (string, bool) {
	return s.reservations.holder(relPath)
}

// Reservations snapshots all live reservations.
func (s *Store) Reservations() []Reservation {
	return s.reservations.list()
}

// RecentWriters returns the agents that recently wrote relPath, excluding
// one agent id.
func (s *Store) RecentWriters(relPath, exclude string) []string {
	return s.tracker.recentWriters(relPath, exclude)
}

// AgentFiles returns files agentID has recently touched.
func (s *Store) AgentFiles(agentID string) []string {
	return s.tracker.agentFiles(agentID)
}

// Conflicts returns files written by multiple agents inside the activity
// window.
func (s *Store) Conflicts() []Conflict {
	return s.tracker.conflicts()
}

// ActivitySummary returns a human-readable digest of recent write activity.
func (s *Store) ActivitySummary() string {
	return s.tracker.summary()
}
