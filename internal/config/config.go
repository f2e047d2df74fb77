package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`

	Auth struct {
		PSK string `yaml:"psk"`
	} `yaml:"auth"`

	Tmux struct {
		Prefix          string `yaml:"prefix"`
		DefaultCols     int    `yaml:"default_cols"`
		DefaultRows     int    `yaml:"default_rows"`
		ScrollbackLines int    `yaml:"scrollback_lines"`
	} `yaml:"tmux"`

	Claude struct {
		Binary      string `yaml:"binary"`
		SessionDir  string `yaml:"session_dir"`
		MaxSessions int    `yaml:"max_sessions"`
	} `yaml:"claude"`

	RateLimit struct {
		WSHeartbeat      int `yaml:"ws_heartbeat"`
		WSMaxMissedPongs int `yaml:"ws_max_missed_pongs"`
	} `yaml:"rate_limit"`

	History struct {
		Enabled *bool  `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"history"`
}

// DefaultDir returns the config directory, created on demand with 0700.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", "claude-relay")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// DefaultPath returns the default config file location.
func DefaultPath() (string, error) {
	dir, err := DefaultDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func defaults() *Config {
	cfg := &Config{
		Port: 7860,
		Host: "0.0.0.0",
	}
	cfg.Tmux.Prefix = "claude"
	cfg.Tmux.DefaultCols = 120
	cfg.Tmux.DefaultRows = 40
	cfg.Tmux.ScrollbackLines = 10000
	cfg.Claude.Binary = "claude"
	cfg.Claude.MaxSessions = 5
	cfg.RateLimit.WSHeartbeat = 30
	cfg.RateLimit.WSMaxMissedPongs = 3
	if home, err := os.UserHomeDir(); err == nil {
		cfg.Claude.SessionDir = filepath.Join(home, ".claude", "projects")
	}
	return cfg
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.Auth.PSK == "" {
		return nil, fmt.Errorf("config %s: auth.psk must not be empty", path)
	}
	if cfg.Claude.SessionDir == "" {
		return nil, fmt.Errorf("config %s: claude.session_dir must not be empty", path)
	}
	cfg.Claude.SessionDir = expandHome(cfg.Claude.SessionDir)

	if cfg.History.Path == "" {
		cfg.History.Path = filepath.Join(filepath.Dir(path), "history.db")
	}
	return cfg, nil
}

// LoadOrInit loads the config, generating one with a fresh PSK on first run.
func LoadOrInit(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeInitial(path); err != nil {
			return nil, err
		}
	}
	return Load(path)
}

// HistoryEnabled reports whether the attach-history store should be opened.
func (c *Config) HistoryEnabled() bool {
	if c.History.Enabled == nil {
		return true
	}
	return *c.History.Enabled
}

// ListenAddr returns the host:port pair to bind.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CacheFile returns the session-cache location next to the config file.
func CacheFile(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "session-cache.json")
}

func writeInitial(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	psk, err := GeneratePSK()
	if err != nil {
		return err
	}
	content := fmt.Sprintf(`port: 7860
host: 0.0.0.0

auth:
  psk: %q

tmux:
  prefix: claude
  default_cols: 120
  default_rows: 40
  scrollback_lines: 10000

claude:
  binary: claude
  session_dir: ~/.claude/projects
  max_sessions: 5

rate_limit:
  ws_heartbeat: 30
  ws_max_missed_pongs: 3
`, psk)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("write initial config: %w", err)
	}
	return nil
}

// GeneratePSK mints a 32-byte random pre-shared key, base64url encoded.
func GeneratePSK() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate psk: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
