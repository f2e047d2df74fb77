package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const cacheVersion = 1

// cacheDocument is the persisted form of the index. It deliberately carries
// no mtimes: the first rescan after a restart re-checks every file.
type cacheDocument struct {
	Version      int          `json:"version"`
	Entries      []cacheEntry `json:"entries"`
	LastFullScan time.Time    `json:"last_full_scan"`
}

type cacheEntry struct {
	ID                 string    `json:"id"`
	ProjectPath        string    `json:"project_path"`
	ProjectHash        string    `json:"project_hash"`
	LastMessagePreview string    `json:"last_message_preview"`
	LastMessageRole    string    `json:"last_message_role"`
	Timestamp          time.Time `json:"timestamp"`
	CLIVersion         string    `json:"cli_version"`
}

// saveCache writes the cache atomically (write to temp, then rename).
func saveCache(path string, sessions map[string]SessionMeta) error {
	doc := cacheDocument{
		Version:      cacheVersion,
		Entries:      make([]cacheEntry, 0, len(sessions)),
		LastFullScan: time.Now(),
	}
	for _, s := range sessions {
		doc.Entries = append(doc.Entries, cacheEntry{
			ID:                 s.ID,
			ProjectPath:        s.ProjectPath,
			ProjectHash:        s.ProjectHash,
			LastMessagePreview: s.LastMessagePreview,
			LastMessageRole:    string(s.LastMessageRole),
			Timestamp:          s.Timestamp,
			CLIVersion:         s.CLIVersion,
		})
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write cache: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename cache: %w", err)
	}
	return nil
}

// loadCache reads a persisted cache. Entries come back with
// multiplexer_status reset to none. A version mismatch is an error.
func loadCache(path string) (map[string]SessionMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc cacheDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse cache: %w", err)
	}
	if doc.Version != cacheVersion {
		return nil, fmt.Errorf("cache version %d not supported", doc.Version)
	}

	sessions := make(map[string]SessionMeta, len(doc.Entries))
	for _, e := range doc.Entries {
		role := Role(e.LastMessageRole)
		switch role {
		case RoleUser, RoleAssistant:
		default:
			role = RoleUnknown
		}
		sessions[e.ID] = SessionMeta{
			ID:                 e.ID,
			ProjectPath:        e.ProjectPath,
			ProjectHash:        e.ProjectHash,
			LastMessagePreview: e.LastMessagePreview,
			LastMessageRole:    role,
			Timestamp:          e.Timestamp,
			CLIVersion:         e.CLIVersion,
			MultiplexerStatus:  MuxNone,
		}
	}
	return sessions, nil
}
