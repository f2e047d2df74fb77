package index

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
)

const (
	headerReadBytes = 128 * 1024
	headerMaxLines  = 20
	tailReadBytes   = 4 * 1024
	previewMaxRunes = 200
)

// logRecord is the subset of a session log line the index cares about.
// message.content is either a plain string or a list of typed blocks.
type logRecord struct {
	CWD     string `json:"cwd"`
	Version string `json:"version"`
	Type    string `json:"type"`
	Message *struct {
		Content contentUnion `json:"content"`
	} `json:"message"`
}

type contentUnion struct {
	Text   string
	Blocks []contentBlock
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (c *contentUnion) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		return nil
	}
	// Not a string; try a block list. Anything else is left empty.
	var blocks []contentBlock
	if err := json.Unmarshal(data, &blocks); err == nil {
		c.Blocks = blocks
	}
	return nil
}

// extractPreview returns the preview text of a record's content, truncated
// to previewMaxRunes code points with an ellipsis.
func extractPreview(c contentUnion) string {
	text := c.Text
	if text == "" {
		for _, b := range c.Blocks {
			if b.Type == "text" && b.Text != "" {
				text = b.Text
				break
			}
		}
	}
	return truncatePreview(text)
}

func truncatePreview(text string) string {
	runes := []rune(text)
	if len(runes) > previewMaxRunes {
		return string(runes[:previewMaxRunes]) + "..."
	}
	return text
}

// errNoRecords marks a file where not a single line parsed; the caller
// degrades it the same way as an unreadable file.
var errNoRecords = errors.New("no parseable records")

// parseFile extracts session metadata from a log file. It returns ok=false
// for zero-length files. Malformed lines are skipped; a file in which no
// line parses returns errNoRecords.
func parseFile(path, projectHash string) (meta SessionMeta, ok bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return SessionMeta{}, false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return SessionMeta{}, false, err
	}
	if info.Size() == 0 {
		return SessionMeta{}, false, nil
	}

	meta = SessionMeta{
		ProjectHash:       projectHash,
		LastMessageRole:   RoleUnknown,
		Timestamp:         info.ModTime(),
		MultiplexerStatus: MuxNone,
	}

	headParsed, err := parseHeader(f, &meta)
	if err != nil {
		return SessionMeta{}, false, err
	}
	tailParsed, err := parseTail(f, info.Size(), &meta)
	if err != nil {
		return SessionMeta{}, false, err
	}
	if headParsed+tailParsed == 0 {
		return SessionMeta{}, false, errNoRecords
	}

	if meta.ProjectPath == "" && projectHash != "" {
		meta.ProjectPath = synthesizeProjectPath(projectHash)
	}
	return meta, true, nil
}

// parseHeader scans the first lines of the file for cwd and version. It
// returns the number of lines that parsed.
func parseHeader(f *os.File, meta *SessionMeta) (int, error) {
	buf := make([]byte, headerReadBytes)
	n, err := f.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return 0, err
	}

	seen, parsed := 0, 0
	for _, line := range strings.Split(string(buf[:n]), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		seen++
		if seen > headerMaxLines {
			break
		}
		var rec logRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		parsed++
		if meta.ProjectPath == "" && rec.CWD != "" {
			meta.ProjectPath = rec.CWD
		}
		if meta.CLIVersion == "" && rec.Version != "" {
			meta.CLIVersion = rec.Version
		}
		if meta.ProjectPath != "" && meta.CLIVersion != "" {
			break
		}
	}
	return parsed, nil
}

// parseTail scans the last lines of the file for the most recent message.
// It returns the number of lines that parsed.
func parseTail(f *os.File, size int64, meta *SessionMeta) (int, error) {
	offset := size - tailReadBytes
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, size-offset)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return 0, err
	}

	lines := strings.Split(string(buf), "\n")
	if offset > 0 && len(lines) > 0 {
		// The read started mid-file; the first line is a partial record.
		lines = lines[1:]
	}

	parsed := 0
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var rec logRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		parsed++
		if rec.Type != string(RoleUser) && rec.Type != string(RoleAssistant) {
			continue
		}
		meta.LastMessageRole = Role(rec.Type)
		if rec.Message != nil {
			meta.LastMessagePreview = extractPreview(rec.Message.Content)
		}
		if rec.Version != "" {
			meta.CLIVersion = rec.Version
		}
		break
	}
	return parsed, nil
}

// synthesizeProjectPath reconstructs an approximate project path from the
// dash-encoded directory name, e.g. "-Users-x-app" -> "/Users/x/app".
func synthesizeProjectPath(hash string) string {
	return "/" + strings.ReplaceAll(strings.TrimPrefix(hash, "-"), "-", "/")
}
