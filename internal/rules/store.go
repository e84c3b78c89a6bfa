package rules

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Store publishes the current rule set behind an atomic snapshot pointer
// and optionally watches the rule file for hot reload. A failed reload
// keeps the previously published snapshot in force.
type Store struct {
	path    string
	cel     *CELEvaluator
	current atomic.Pointer[RuleSet]
	logger  *slog.Logger

	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

// NewStore creates a Store for the given rule file. Call Load before
// serving traffic.
func NewStore(path string, cel *CELEvaluator, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:   path,
		cel:    cel,
		logger: logger.With("component", "rules.Store"),
	}
}

// Load reads, validates, and publishes the rule file. Atomic: on error the
// currently published set (if any) stays in force.
func (s *Store) Load() error {
	rs, err := Load(s.path, s.cel)
	if err != nil {
		return err
	}
	s.current.Store(rs)
	s.logger.Info("rules loaded", "path", s.path, "count", rs.Len())
	return nil
}

// Snapshot returns the currently published rule set. Sessions hold the
// snapshot for the duration of a turn so a mid-turn reload cannot change
// the rules being evaluated.
func (s *Store) Snapshot() *RuleSet {
	rs := s.current.Load()
	if rs == nil {
		empty, _ := newRuleSet(nil)
		return empty
	}
	return rs
}

// Watch starts an fsnotify watcher on the rule file. When the file changes
// the store reloads it; a malformed file logs an error and keeps the
// running set. Call StopWatch to clean up.
func (s *Store) Watch() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.watcher != nil {
		s.stopWatchLocked()
	}

	absPath, err := filepath.Abs(s.path)
	if err != nil {
		return fmt.Errorf("failed to resolve rules path: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Watch the directory rather than the file to catch editor
	// rename-and-replace patterns.
	if err := w.Add(filepath.Dir(absPath)); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	s.watcher = w
	s.watchDone = make(chan struct{})
	go s.watchLoop(w, absPath, s.watchDone)

	s.logger.Info("watching rules for changes", "path", absPath)
	return nil
}

func (s *Store) watchLoop(w *fsnotify.Watcher, targetPath string, done chan struct{}) {
	defer close(done)

	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			absEvent, _ := filepath.Abs(event.Name)
			if absEvent != targetPath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				s.logger.Info("rules file changed, reloading", "path", targetPath)
				if err := s.Load(); err != nil {
					s.logger.Error("rules reload failed, keeping running set", "error", err)
				}
			}

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.logger.Error("fsnotify error", "error", err)
		}
	}
}

// StopWatch stops the rule file watcher, if running.
func (s *Store) StopWatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopWatchLocked()
}

func (s *Store) stopWatchLocked() {
	if s.watcher != nil {
		_ = s.watcher.Close()
		if s.watchDone != nil {
			<-s.watchDone
		}
		s.watcher = nil
		s.watchDone = nil
	}
}
