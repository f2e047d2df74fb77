package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	content := `
port: 9999
host: "127.0.0.1"
auth:
  psk: "test-secret-token-123"
tmux:
  prefix: test
  default_cols: 100
  default_rows: 30
claude:
  binary: claude-dev
  session_dir: /tmp/projects
  max_sessions: 3
rate_limit:
  ws_heartbeat: 15
  ws_max_missed_pongs: 2
`
	if err := os.WriteFile(cfgPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.ListenAddr() != "127.0.0.1:9999" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr(), "127.0.0.1:9999")
	}
	if cfg.Auth.PSK != "test-secret-token-123" {
		t.Errorf("PSK = %q, want %q", cfg.Auth.PSK, "test-secret-token-123")
	}
	if cfg.Tmux.Prefix != "test" {
		t.Errorf("Prefix = %q, want %q", cfg.Tmux.Prefix, "test")
	}
	if cfg.Claude.Binary != "claude-dev" {
		t.Errorf("Binary = %q, want %q", cfg.Claude.Binary, "claude-dev")
	}
	if cfg.Claude.MaxSessions != 3 {
		t.Errorf("MaxSessions = %d, want 3", cfg.Claude.MaxSessions)
	}
	if cfg.RateLimit.WSHeartbeat != 15 {
		t.Errorf("WSHeartbeat = %d, want 15", cfg.RateLimit.WSHeartbeat)
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	content := `
auth:
  psk: "test-secret-token-123"
`
	if err := os.WriteFile(cfgPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != 7860 {
		t.Errorf("Port = %d, want 7860", cfg.Port)
	}
	if cfg.Host != "0.0.0.0" {
		t.Errorf("Host = %q, want 0.0.0.0", cfg.Host)
	}
	if cfg.Tmux.Prefix != "claude" {
		t.Errorf("Prefix = %q, want claude", cfg.Tmux.Prefix)
	}
	if cfg.Tmux.DefaultCols != 120 || cfg.Tmux.DefaultRows != 40 {
		t.Errorf("size = %dx%d, want 120x40", cfg.Tmux.DefaultCols, cfg.Tmux.DefaultRows)
	}
	if cfg.Claude.MaxSessions != 5 {
		t.Errorf("MaxSessions = %d, want 5", cfg.Claude.MaxSessions)
	}
	if cfg.RateLimit.WSHeartbeat != 30 || cfg.RateLimit.WSMaxMissedPongs != 3 {
		t.Errorf("heartbeat = %d/%d, want 30/3", cfg.RateLimit.WSHeartbeat, cfg.RateLimit.WSMaxMissedPongs)
	}
	if !cfg.HistoryEnabled() {
		t.Error("history should default to enabled")
	}
	if cfg.History.Path != filepath.Join(dir, "history.db") {
		t.Errorf("History.Path = %q, want next to config", cfg.History.Path)
	}
}

func TestLoad_MissingPSK(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(cfgPath, []byte(`port: 7860`), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgPath)
	if err == nil {
		t.Fatal("expected error for empty auth.psk")
	}
	if !strings.Contains(err.Error(), "auth.psk") {
		t.Errorf("error %q should name auth.psk", err)
	}
}

func TestLoadOrInit_FirstRun(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "sub", "config.yaml")

	cfg, err := LoadOrInit(cfgPath)
	if err != nil {
		t.Fatalf("LoadOrInit failed: %v", err)
	}
	if cfg.Auth.PSK == "" {
		t.Fatal("generated config has empty PSK")
	}

	info, err := os.Stat(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config mode = %o, want 0600", info.Mode().Perm())
	}

	// A second load must return the same PSK, not regenerate.
	again, err := LoadOrInit(cfgPath)
	if err != nil {
		t.Fatalf("second LoadOrInit failed: %v", err)
	}
	if again.Auth.PSK != cfg.Auth.PSK {
		t.Error("PSK changed between loads")
	}
}

func TestGeneratePSK(t *testing.T) {
	a, err := GeneratePSK()
	if err != nil {
		t.Fatal(err)
	}
	b, err := GeneratePSK()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two generated PSKs are identical")
	}
	// 32 bytes base64url without padding is 43 characters.
	if len(a) != 43 {
		t.Errorf("PSK length = %d, want 43", len(a))
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	tests := []struct {
		input string
		want  string
	}{
		{"~/projects", filepath.Join(home, "projects")},
		{"/abs/path", "/abs/path"},
		{"relative", "relative"},
	}
	for _, tt := range tests {
		if got := expandHome(tt.input); got != tt.want {
			t.Errorf("expandHome(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
