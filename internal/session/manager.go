package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"
)

const (
	stateFile   = "state.yaml"
	historyFile = "history.jsonl"
)

// ErrNotFound is returned when a session id has no on-disk record.
var ErrNotFound = errors.New("session not found")

// entry is the in-memory coordination record for one session. The lock
// channel is a capacity-1 semaphore so acquisition can race against
// context cancellation; ctx is cancelled when the session is deleted or
// reset so in-flight work observes cancellation.
type entry struct {
	lock   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	cache  *Cache
}

// Manager owns the session_id -> session mapping, per-session exclusive
// locks, and on-disk persistence under <root>/sessions/<id>/.
type Manager struct {
	root   string
	mu     sync.Mutex
	active map[string]*entry
	logger *slog.Logger
}

// NewManager creates a Manager rooted at <dataDir>/sessions.
func NewManager(dataDir string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	root := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sessions dir: %w", err)
	}
	return &Manager{
		root:   root,
		active: make(map[string]*entry),
		logger: logger.With("component", "session.Manager"),
	}, nil
}

// Create allocates a fresh session, persisting an empty state document and
// an empty history log.
func (m *Manager) Create(channelType, channelRef string) (*State, error) {
	now := time.Now().UTC()
	state := &State{
		SessionID:   strings.ToLower(ulid.Make().String()),
		ChannelType: channelType,
		ChannelRef:  channelRef,
		CreatedAt:   now,
		LastActive:  now,
	}

	dir := m.sessionDir(state.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}
	if err := m.writeState(state); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, historyFile), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create history log: %w", err)
	}
	_ = f.Close()

	m.logger.Info("created session", "session_id", state.SessionID, "channel_type", channelType)
	return state, nil
}

// Handle is a scoped exclusive acquisition of one session. The holder may
// mutate state and append history; Close releases the lock on all exit
// paths.
type Handle struct {
	m     *Manager
	e     *entry
	state *State

	closeOnce sync.Once
}

// Open acquires the session's exclusive lock and loads its state. Blocks
// until the lock is available or ctx is cancelled. The caller must Close
// the handle.
func (m *Manager) Open(ctx context.Context, sessionID string) (*Handle, error) {
	e, err := m.acquireEntry(sessionID)
	if err != nil {
		return nil, err
	}

	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.ctx.Done():
		return nil, ErrNotFound
	}

	state, err := m.readState(sessionID)
	if err != nil {
		<-e.lock
		return nil, err
	}

	return &Handle{m: m, e: e, state: state}, nil
}

// State returns the loaded session state. Valid until Close.
func (h *Handle) State() *State {
	return h.state
}

// Context is cancelled when the session is deleted or reset; long waits
// under the lock (approval round-trips) must select on it.
func (h *Handle) Context() context.Context {
	return h.e.ctx
}

// Cache returns the session's in-memory rule-engine cache. It persists
// across turns but not across restarts; re-derivation from history is the
// source of truth.
func (h *Handle) Cache() *Cache {
	return h.e.cache
}

// SaveState atomically rewrites the session's state document.
func (h *Handle) SaveState() error {
	h.state.LastActive = time.Now().UTC()
	return h.m.writeState(h.state)
}

// AppendHistory appends one entry to the session's history log and syncs
// it to disk. The fsync-before-state ordering is what makes a crash
// between history append and state rewrite recoverable.
func (h *Handle) AppendHistory(entry HistoryEntry) error {
	return h.m.appendHistory(h.state.SessionID, entry)
}

// History reads the session's full ordered history log.
func (h *Handle) History() ([]HistoryEntry, error) {
	return h.m.LoadHistory(h.state.SessionID)
}

// Close releases the session's exclusive lock. Safe to call multiple
// times.
func (h *Handle) Close() {
	h.closeOnce.Do(func() {
		<-h.e.lock
	})
}

// acquireEntry returns the coordination entry for a session, creating it
// if the session exists on disk but has not been opened yet.
func (m *Manager) acquireEntry(sessionID string) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.active[sessionID]; ok {
		return e, nil
	}

	if _, err := os.Stat(filepath.Join(m.sessionDir(sessionID), stateFile)); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to stat session %s: %w", sessionID, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		lock:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		cache:  NewCache(),
	}
	m.active[sessionID] = e
	return e, nil
}

// LoadState reads a session's state document without taking the lock.
// Used by the read-only control plane.
func (m *Manager) LoadState(sessionID string) (*State, error) {
	return m.readState(sessionID)
}

// List returns metadata for every session on disk, most recently active
// first. Lock-free; need not be transactional with concurrent mutations.
func (m *Manager) List() ([]Info, error) {
	dirs, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions dir: %w", err)
	}

	infos := make([]Info, 0, len(dirs))
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		state, err := m.readState(d.Name())
		if err != nil {
			m.logger.Warn("skipping unreadable session", "session_id", d.Name(), "error", err)
			continue
		}
		infos = append(infos, Info{
			SessionID:   state.SessionID,
			ChannelType: state.ChannelType,
			ChannelRef:  state.ChannelRef,
			CreatedAt:   state.CreatedAt,
			LastActive:  state.LastActive,
			Retired:     state.Retired,
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].LastActive.After(infos[j].LastActive)
	})
	return infos, nil
}

// Delete removes a session's on-disk state. Any in-flight operation on the
// session observes cancellation via its handle context.
func (m *Manager) Delete(sessionID string) error {
	m.mu.Lock()
	if e, ok := m.active[sessionID]; ok {
		e.cancel()
		delete(m.active, sessionID)
	}
	m.mu.Unlock()

	dir := m.sessionDir(sessionID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return ErrNotFound
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}

	m.logger.Info("deleted session", "session_id", sessionID)
	return nil
}

// Reset retires a session and allocates a fresh one bound to the same
// channel. The old record stays on disk for audit. In-flight work is
// cancelled first so a parked approval wait frees the lock, then the
// retire marker is written under the exclusive lock so a finishing
// turn's SaveState cannot overwrite it. Rule activations and approvals
// do not carry over.
func (m *Manager) Reset(sessionID string) (*State, error) {
	e, err := m.acquireEntry(sessionID)
	if err != nil {
		return nil, err
	}

	e.cancel()
	e.lock <- struct{}{}
	defer func() { <-e.lock }()

	old, err := m.readState(sessionID)
	if err != nil {
		return nil, err
	}

	fresh, err := m.Create(old.ChannelType, old.ChannelRef)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	old.Retired = true
	old.RetiredAt = &now
	old.ResetTo = fresh.SessionID
	if err := m.writeState(old); err != nil {
		return nil, err
	}

	// The retired entry leaves the registry only after the marker is on
	// disk; a concurrent Open either blocks on the held lock or, once
	// the entry is gone, reads the retired state.
	m.mu.Lock()
	delete(m.active, sessionID)
	m.mu.Unlock()

	m.logger.Info("reset session", "old_session_id", sessionID, "new_session_id", fresh.SessionID)
	return fresh, nil
}

// Touch updates a session's last_active timestamp under the session's
// exclusive lock.
func (m *Manager) Touch(ctx context.Context, sessionID string) error {
	h, err := m.Open(ctx, sessionID)
	if err != nil {
		return err
	}
	defer h.Close()
	return h.SaveState()
}

// LoadHistory reads the full ordered history log for a session.
func (m *Manager) LoadHistory(sessionID string) ([]HistoryEntry, error) {
	path := filepath.Join(m.sessionDir(sessionID), historyFile)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	defer f.Close()

	var entries []HistoryEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e HistoryEntry
		if err := json.Unmarshal(line, &e); err != nil {
			// A torn trailing line from a crash is tolerated; anything
			// else is corruption worth surfacing.
			m.logger.Warn("skipping malformed history line", "session_id", sessionID, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("failed to read history: %w", err)
	}
	return entries, nil
}

// SweepExpired deletes non-retired sessions idle longer than the retention
// window and retired sessions past the same window. Returns the number
// removed.
func (m *Manager) SweepExpired(retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	infos, err := m.List()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-retention)
	removed := 0
	for _, info := range infos {
		if info.LastActive.After(cutoff) {
			continue
		}
		if err := m.Delete(info.SessionID); err != nil {
			m.logger.Warn("retention sweep failed to delete session", "session_id", info.SessionID, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("retention sweep complete", "removed", removed)
	}
	return removed, nil
}

func (m *Manager) sessionDir(sessionID string) string {
	return filepath.Join(m.root, sessionID)
}

func (m *Manager) readState(sessionID string) (*State, error) {
	data, err := os.ReadFile(filepath.Join(m.sessionDir(sessionID), stateFile))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session state: %w", err)
	}
	var state State
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse session state: %w", err)
	}
	return &state, nil
}

// writeState rewrites the state document via write-temp-then-rename so a
// crash mid-write never leaves a torn document.
func (m *Manager) writeState(state *State) error {
	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}

	dir := m.sessionDir(state.SessionID)
	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close state: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, stateFile)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace state: %w", err)
	}
	return nil
}

func (m *Manager) appendHistory(sessionID string, entry HistoryEntry) error {
	if entry.Time.IsZero() {
		entry.Time = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal history entry: %w", err)
	}

	path := filepath.Join(m.sessionDir(sessionID), historyFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open history log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync history: %w", err)
	}
	return nil
}
