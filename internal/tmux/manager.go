package tmux

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrSessionAttached means a bridge already owns this session.
	ErrSessionAttached = errors.New("session already has an active terminal connection")
	// ErrSessionConflict means a host-side CLI process is using this session.
	ErrSessionConflict = errors.New("session is in use by another process on this machine")
	// ErrMaxSessions means the tab cap is reached and this session has no tab.
	ErrMaxSessions = errors.New("maximum number of relay sessions reached")
)

// Manager enforces the attach preconditions and owns the tab naming scheme.
// Attach calls for the same session id are serialized; independent sessions
// proceed in parallel.
type Manager struct {
	runner      Commander
	prefix      string
	maxSessions int
	cols, rows  int

	// hasActive is injected by the bridge; it is the single source of truth
	// for whether a session already has a live attachment.
	hasActive func(id string) bool

	locks lockTable
}

func NewManager(runner Commander, prefix string, maxSessions, cols, rows int, hasActive func(string) bool) *Manager {
	if hasActive == nil {
		hasActive = func(string) bool { return false }
	}
	return &Manager{
		runner:      runner,
		prefix:      prefix,
		maxSessions: maxSessions,
		cols:        cols,
		rows:        rows,
		hasActive:   hasActive,
	}
}

// TabName returns the tmux session name for a session id.
func (m *Manager) TabName(id string) string {
	return m.prefix + "-" + id
}

// SessionID recovers the session id from one of our tab names.
func (m *Manager) SessionID(tabName string) (string, bool) {
	id := strings.TrimPrefix(tabName, m.prefix+"-")
	if id == tabName || id == "" {
		return "", false
	}
	return id, true
}

// Attach prepares a tab for the session, creating one if absent. It returns
// the tab name and whether the tab already existed.
func (m *Manager) Attach(ctx context.Context, id string) (string, bool, error) {
	release := m.locks.acquire(id)
	defer release()

	if m.hasActive(id) {
		return "", false, ErrSessionAttached
	}

	conflict, err := m.runner.HasConflict(ctx, id)
	if err != nil {
		return "", false, fmt.Errorf("conflict check: %w", err)
	}
	if conflict {
		return "", false, ErrSessionConflict
	}

	ours, err := m.ListOurs(ctx)
	if err != nil {
		return "", false, err
	}
	name := m.TabName(id)
	existing := false
	for _, tab := range ours {
		if tab.Name == name {
			existing = true
			break
		}
	}
	if !existing && len(ours) >= m.maxSessions {
		return "", false, ErrMaxSessions
	}
	if existing {
		return name, true, nil
	}

	if err := m.runner.Create(ctx, name, id, m.cols, m.rows); err != nil {
		return "", false, err
	}
	return name, false, nil
}

// ListAll returns every tmux session.
func (m *Manager) ListAll(ctx context.Context) ([]Tab, error) {
	return m.runner.ListAll(ctx)
}

// ListOurs returns the tabs carrying our prefix.
func (m *Manager) ListOurs(ctx context.Context) ([]Tab, error) {
	all, err := m.runner.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var ours []Tab
	for _, tab := range all {
		if _, ok := m.SessionID(tab.Name); ok {
			ours = append(ours, tab)
		}
	}
	return ours, nil
}

// Kill removes a tab by name, best effort.
func (m *Manager) Kill(ctx context.Context, tabName string) error {
	return m.runner.Kill(ctx, tabName)
}

// Reconcile cleans up after a previous daemon: orphaned attach children are
// killed, and the ids of surviving tabs are returned so the index can mark
// them detached.
func (m *Manager) Reconcile(ctx context.Context) ([]string, error) {
	_ = m.runner.KillOrphans(ctx, m.prefix)

	ours, err := m.ListOurs(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(ours))
	for _, tab := range ours {
		if id, ok := m.SessionID(tab.Name); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// lockTable is a map of per-id mutexes. An entry is created on first use and
// freed once the last holder releases, so idle sessions cost nothing.
type lockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (t *lockTable) acquire(id string) (release func()) {
	t.mu.Lock()
	if t.entries == nil {
		t.entries = make(map[string]*lockEntry)
	}
	e, ok := t.entries[id]
	if !ok {
		e = &lockEntry{}
		t.entries[id] = e
	}
	e.refs++
	t.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		t.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(t.entries, id)
		}
		t.mu.Unlock()
	}
}
