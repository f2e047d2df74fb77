package index

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeLog(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseFile_HeaderAndTail(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "s.jsonl",
		`{"cwd":"/Users/x/app","version":"2.1.37"}`,
		`{"type":"user","message":{"content":"hello"}}`,
	)

	meta, ok, err := parseFile(path, "-Users-x-app")
	if err != nil {
		t.Fatalf("parseFile: %v", err)
	}
	if !ok {
		t.Fatal("expected metadata")
	}
	if meta.ProjectPath != "/Users/x/app" {
		t.Errorf("ProjectPath = %q, want /Users/x/app", meta.ProjectPath)
	}
	if meta.CLIVersion != "2.1.37" {
		t.Errorf("CLIVersion = %q, want 2.1.37", meta.CLIVersion)
	}
	if meta.LastMessageRole != RoleUser {
		t.Errorf("LastMessageRole = %q, want user", meta.LastMessageRole)
	}
	if meta.LastMessagePreview != "hello" {
		t.Errorf("LastMessagePreview = %q, want hello", meta.LastMessagePreview)
	}
	if meta.MultiplexerStatus != MuxNone {
		t.Errorf("MultiplexerStatus = %q, want none", meta.MultiplexerStatus)
	}
}

func TestParseFile_BlockContent(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "s.jsonl",
		`{"cwd":"/w"}`,
		`{"type":"assistant","message":{"content":[{"type":"thinking","text":"hm"},{"type":"text","text":"the answer"}]}}`,
	)

	meta, ok, err := parseFile(path, "")
	if err != nil || !ok {
		t.Fatalf("parseFile: ok=%v err=%v", ok, err)
	}
	if meta.LastMessageRole != RoleAssistant {
		t.Errorf("role = %q, want assistant", meta.LastMessageRole)
	}
	if meta.LastMessagePreview != "the answer" {
		t.Errorf("preview = %q, want %q", meta.LastMessagePreview, "the answer")
	}
}

func TestParseFile_TailSkipsNonMessageRecords(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "s.jsonl",
		`{"cwd":"/w"}`,
		`{"type":"user","message":{"content":"question"}}`,
		`{"type":"summary","summary":"irrelevant"}`,
	)

	meta, _, err := parseFile(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if meta.LastMessageRole != RoleUser || meta.LastMessagePreview != "question" {
		t.Errorf("got role=%q preview=%q, want user/question", meta.LastMessageRole, meta.LastMessagePreview)
	}
}

func TestParseFile_ZeroLength(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.jsonl")
	if err := os.WriteFile(path, nil, 0600); err != nil {
		t.Fatal(err)
	}

	_, ok, err := parseFile(path, "")
	if err != nil {
		t.Fatalf("parseFile: %v", err)
	}
	if ok {
		t.Error("zero-length file must produce no metadata")
	}
}

func TestParseFile_AllMalformed(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "bad.jsonl", "not json", "{truncated", ">>>")

	_, _, err := parseFile(path, "")
	if err == nil {
		t.Fatal("expected error for a file with no parseable records")
	}
}

func TestParseFile_MalformedLinesSkipped(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "s.jsonl",
		"garbage line",
		`{"cwd":"/w","version":"1.0.0"}`,
		"{broken",
		`{"type":"user","message":{"content":"ok"}}`,
	)

	meta, ok, err := parseFile(path, "")
	if err != nil || !ok {
		t.Fatalf("parseFile: ok=%v err=%v", ok, err)
	}
	if meta.ProjectPath != "/w" || meta.LastMessagePreview != "ok" {
		t.Errorf("got path=%q preview=%q", meta.ProjectPath, meta.LastMessagePreview)
	}
}

func TestParseFile_SynthesizedProjectPath(t *testing.T) {
	dir := t.TempDir()
	path := writeLog(t, dir, "s.jsonl",
		`{"type":"user","message":{"content":"hi"}}`,
	)

	meta, _, err := parseFile(path, "-Users-x-app")
	if err != nil {
		t.Fatal(err)
	}
	if meta.ProjectPath != "/Users/x/app" {
		t.Errorf("ProjectPath = %q, want /Users/x/app", meta.ProjectPath)
	}
}

func TestParseFile_SmallFileTailReadsEverything(t *testing.T) {
	// A file smaller than the tail window must not drop its first line.
	dir := t.TempDir()
	path := writeLog(t, dir, "s.jsonl",
		`{"type":"user","message":{"content":"only line"}}`,
	)

	meta, _, err := parseFile(path, "")
	if err != nil {
		t.Fatal(err)
	}
	if meta.LastMessagePreview != "only line" {
		t.Errorf("preview = %q, want %q", meta.LastMessagePreview, "only line")
	}
}

func TestTruncatePreview(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"short", "hello", "hello"},
		{"exact", strings.Repeat("a", 200), strings.Repeat("a", 200)},
		{"long", strings.Repeat("a", 201), strings.Repeat("a", 200) + "..."},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		if got := truncatePreview(tt.input); got != tt.want {
			t.Errorf("%s: truncatePreview length %d, want length %d", tt.name, len(got), len(tt.want))
		}
	}

	// Truncation counts code points, not bytes.
	wide := strings.Repeat("界", 250)
	got := truncatePreview(wide)
	runes := []rune(got)
	if len(runes) != 203 {
		t.Errorf("wide preview = %d runes, want 203", len(runes))
	}
	if !strings.HasSuffix(got, "...") {
		t.Error("truncated preview must end with ellipsis")
	}
}

func TestSynthesizeProjectPath(t *testing.T) {
	tests := []struct {
		hash string
		want string
	}{
		{"-Users-x-app", "/Users/x/app"},
		{"Users-x", "/Users/x"},
		{"-home", "/home"},
	}
	for _, tt := range tests {
		if got := synthesizeProjectPath(tt.hash); got != tt.want {
			t.Errorf("synthesizeProjectPath(%q) = %q, want %q", tt.hash, got, tt.want)
		}
	}
}
