package index

import (
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	logExtension    = ".jsonl"
	rescanInterval  = 120 * time.Second
	debounceWindow  = 500 * time.Millisecond
	placeholderText = "(unable to read)"
)

// Index maintains the live view of all session logs under a root directory.
// A retain predicate (typically the bridge's has-active check) keeps entries
// for sessions whose log vanished while still attached when a full rescan
// prunes; a watcher remove event drops the entry without consulting it.
type Index struct {
	root      string
	cachePath string
	retain    func(id string) bool

	mu       sync.RWMutex
	sessions map[string]SessionMeta
	mtimes   map[string]int64

	watcher *fsnotify.Watcher

	debMu   sync.Mutex
	pending map[string]*time.Timer

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(root, cachePath string, retain func(id string) bool) *Index {
	return &Index{
		root:      root,
		cachePath: cachePath,
		retain:    retain,
		sessions:  make(map[string]SessionMeta),
		mtimes:    make(map[string]int64),
		pending:   make(map[string]*time.Timer),
		stop:      make(chan struct{}),
	}
}

// Start loads the persisted cache, runs an initial rescan, and installs the
// filesystem watcher and the periodic full-rescan timer.
func (ix *Index) Start() error {
	if cached, err := loadCache(ix.cachePath); err == nil {
		ix.mu.Lock()
		ix.sessions = cached
		ix.mu.Unlock()
	} else if !os.IsNotExist(err) {
		log.Printf("index: ignoring cache: %v", err)
	}

	ix.Rescan()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	ix.watcher = watcher

	if err := watcher.Add(ix.root); err != nil {
		log.Printf("index: watch %s: %v", ix.root, err)
	}
	if entries, err := os.ReadDir(ix.root); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				if err := watcher.Add(filepath.Join(ix.root, e.Name())); err != nil {
					log.Printf("index: watch %s: %v", e.Name(), err)
				}
			}
		}
	}

	ix.wg.Add(2)
	go ix.watchLoop()
	go ix.rescanLoop()
	return nil
}

// Stop cancels the watcher and timer and flushes the cache.
func (ix *Index) Stop() {
	close(ix.stop)
	if ix.watcher != nil {
		ix.watcher.Close()
	}
	ix.wg.Wait()

	ix.debMu.Lock()
	for path, t := range ix.pending {
		t.Stop()
		delete(ix.pending, path)
	}
	ix.debMu.Unlock()

	ix.mu.RLock()
	snapshot := make(map[string]SessionMeta, len(ix.sessions))
	for id, s := range ix.sessions {
		snapshot[id] = s
	}
	ix.mu.RUnlock()
	if err := saveCache(ix.cachePath, snapshot); err != nil {
		log.Printf("index: save cache: %v", err)
	}
}

// List returns all sessions ordered by timestamp descending.
func (ix *Index) List() []SessionMeta {
	ix.mu.RLock()
	result := make([]SessionMeta, 0, len(ix.sessions))
	for _, s := range ix.sessions {
		result = append(result, s)
	}
	ix.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	return result
}

// Get looks up one session by id.
func (ix *Index) Get(id string) (SessionMeta, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	s, ok := ix.sessions[id]
	return s, ok
}

// ByProject groups sessions by project path (or hash when the path is
// empty), each group ordered by timestamp descending.
func (ix *Index) ByProject() map[string][]SessionMeta {
	groups := make(map[string][]SessionMeta)
	for _, s := range ix.List() {
		key := s.ProjectPath
		if key == "" {
			key = s.ProjectHash
		}
		groups[key] = append(groups[key], s)
	}
	return groups
}

// SetMuxStatus updates the advisory multiplexer status of a session.
func (ix *Index) SetMuxStatus(id string, status MuxStatus) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if s, ok := ix.sessions[id]; ok {
		s.MultiplexerStatus = status
		ix.sessions[id] = s
	}
}

// Rescan walks the whole root, refreshing changed files, dropping sessions
// whose log is gone, and persisting the cache.
func (ix *Index) Rescan() {
	seen := make(map[string]bool)

	dirs, err := os.ReadDir(ix.root)
	if err != nil {
		log.Printf("index: read root %s: %v", ix.root, err)
		return
	}
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		projectDir := filepath.Join(ix.root, dir.Name())
		files, err := os.ReadDir(projectDir)
		if err != nil {
			log.Printf("index: read %s: %v", projectDir, err)
			continue
		}
		for _, file := range files {
			if file.IsDir() || !strings.HasSuffix(file.Name(), logExtension) {
				continue
			}
			path := filepath.Join(projectDir, file.Name())
			id := strings.TrimSuffix(file.Name(), logExtension)
			seen[id] = true

			info, err := os.Stat(path)
			if err != nil {
				ix.degrade(id)
				continue
			}
			mtime := info.ModTime().UnixNano()
			ix.mu.RLock()
			cached, haveMtime := ix.mtimes[path]
			_, haveMeta := ix.sessions[id]
			ix.mu.RUnlock()
			if haveMtime && haveMeta && cached == mtime {
				continue
			}
			ix.refreshFile(path, dir.Name(), id, mtime)
		}
	}

	ix.mu.Lock()
	for id := range ix.sessions {
		if seen[id] {
			continue
		}
		if ix.retain != nil && ix.retain(id) {
			continue
		}
		delete(ix.sessions, id)
	}
	for path := range ix.mtimes {
		id := strings.TrimSuffix(filepath.Base(path), logExtension)
		if !seen[id] {
			delete(ix.mtimes, path)
		}
	}
	snapshot := make(map[string]SessionMeta, len(ix.sessions))
	for id, s := range ix.sessions {
		snapshot[id] = s
	}
	ix.mu.Unlock()

	if err := saveCache(ix.cachePath, snapshot); err != nil {
		log.Printf("index: save cache: %v", err)
	}
}

// refreshFile re-parses one log file, preserving any existing advisory
// multiplexer status.
func (ix *Index) refreshFile(path, projectHash, id string, mtime int64) {
	meta, ok, err := parseFile(path, projectHash)
	if err != nil {
		ix.degrade(id)
		return
	}
	if !ok {
		// Zero-length file: nothing to index yet.
		return
	}
	meta.ID = id

	ix.mu.Lock()
	if prev, exists := ix.sessions[id]; exists {
		meta.MultiplexerStatus = prev.MultiplexerStatus
	}
	ix.sessions[id] = meta
	ix.mtimes[path] = mtime
	ix.mu.Unlock()
}

// degrade records a read failure: a placeholder entry if the session is new,
// otherwise the existing metadata stays untouched.
func (ix *Index) degrade(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, exists := ix.sessions[id]; exists {
		return
	}
	ix.sessions[id] = SessionMeta{
		ID:                 id,
		LastMessagePreview: placeholderText,
		LastMessageRole:    RoleUnknown,
		Timestamp:          time.Now(),
		MultiplexerStatus:  MuxNone,
	}
}

func (ix *Index) rescanLoop() {
	defer ix.wg.Done()
	ticker := time.NewTicker(rescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ix.Rescan()
		case <-ix.stop:
			return
		}
	}
}

func (ix *Index) watchLoop() {
	defer ix.wg.Done()
	for {
		select {
		case event, ok := <-ix.watcher.Events:
			if !ok {
				return
			}
			ix.handleEvent(event)
		case err, ok := <-ix.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("index: watcher: %v", err)
		case <-ix.stop:
			return
		}
	}
}

func (ix *Index) handleEvent(event fsnotify.Event) {
	// New project directories join the watch set.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if filepath.Dir(event.Name) == ix.root {
				if err := ix.watcher.Add(event.Name); err != nil {
					log.Printf("index: watch %s: %v", event.Name, err)
				}
			}
			return
		}
	}

	if !strings.HasSuffix(event.Name, logExtension) {
		return
	}

	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		ix.scheduleRefresh(event.Name)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		id := strings.TrimSuffix(filepath.Base(event.Name), logExtension)
		ix.mu.Lock()
		delete(ix.sessions, id)
		delete(ix.mtimes, event.Name)
		ix.mu.Unlock()
	}
}

// scheduleRefresh coalesces rapid appends: the file is only re-parsed after
// a quiet period with no further events.
func (ix *Index) scheduleRefresh(path string) {
	ix.debMu.Lock()
	defer ix.debMu.Unlock()

	if t, ok := ix.pending[path]; ok {
		t.Reset(debounceWindow)
		return
	}
	ix.pending[path] = time.AfterFunc(debounceWindow, func() {
		ix.debMu.Lock()
		delete(ix.pending, path)
		ix.debMu.Unlock()

		select {
		case <-ix.stop:
			return
		default:
		}

		id := strings.TrimSuffix(filepath.Base(path), logExtension)
		projectHash := filepath.Base(filepath.Dir(path))
		info, err := os.Stat(path)
		if err != nil {
			ix.degrade(id)
			return
		}
		ix.refreshFile(path, projectHash, id, info.ModTime().UnixNano())
	})
}
