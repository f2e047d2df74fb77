package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const commandTimeout = 5 * time.Second

// Tab describes one multiplexer session as reported by tmux.
type Tab struct {
	Name     string    `json:"name"`
	Attached bool      `json:"attached"`
	Created  time.Time `json:"created"`
}

// Commander is the subprocess surface the Manager depends on. Tests swap in
// a fake; Runner is the real thing.
type Commander interface {
	ListAll(ctx context.Context) ([]Tab, error)
	Has(ctx context.Context, name string) bool
	Create(ctx context.Context, name, sessionID string, cols, rows int) error
	Kill(ctx context.Context, name string) error
	HasConflict(ctx context.Context, sessionID string) (bool, error)
	KillOrphans(ctx context.Context, prefix string) error
}

// Runner shells out to the tmux binary and the process table.
type Runner struct {
	// CLIBinary is the command launched inside new tabs and matched when
	// scanning for competing host-side processes.
	CLIBinary string
}

func NewRunner(cliBinary string) *Runner {
	return &Runner{CLIBinary: cliBinary}
}

func (r *Runner) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// ListAll returns every tmux session. A stopped tmux server means no
// sessions, not an error.
func (r *Runner) ListAll(ctx context.Context) ([]Tab, error) {
	out, err := r.run(ctx, "tmux", "list-sessions", "-F",
		"#{session_name}\t#{session_attached}\t#{session_created}")
	if err != nil {
		if strings.Contains(string(out), "no server running") ||
			strings.Contains(string(out), "no sessions") {
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-sessions: %s: %w", strings.TrimSpace(string(out)), err)
	}

	var tabs []Tab
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			continue
		}
		created, _ := strconv.ParseInt(fields[2], 10, 64)
		tabs = append(tabs, Tab{
			Name:     fields[0],
			Attached: fields[1] == "1",
			Created:  time.Unix(created, 0),
		})
	}
	return tabs, nil
}

// Has reports whether a tmux session with the given name exists.
func (r *Runner) Has(ctx context.Context, name string) bool {
	_, err := r.run(ctx, "tmux", "has-session", "-t", name)
	return err == nil
}

// Create starts a detached tmux session of the given size running the CLI
// resumed on the session id.
func (r *Runner) Create(ctx context.Context, name, sessionID string, cols, rows int) error {
	out, err := r.run(ctx, "tmux", "new-session", "-d", "-s", name,
		"-x", strconv.Itoa(cols), "-y", strconv.Itoa(rows),
		fmt.Sprintf("%s --resume %s", r.CLIBinary, sessionID))
	if err != nil {
		return fmt.Errorf("tmux new-session: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Kill removes a tmux session. A missing session is not an error.
func (r *Runner) Kill(ctx context.Context, name string) error {
	_, err := r.run(ctx, "tmux", "kill-session", "-t", name)
	if err != nil {
		return nil
	}
	return nil
}

// HasConflict scans the process table for a host-side CLI already resumed on
// this session id.
func (r *Runner) HasConflict(ctx context.Context, sessionID string) (bool, error) {
	pattern := fmt.Sprintf("%s.*--resume.*%s", r.CLIBinary, regexEscape(sessionID))
	out, err := r.run(ctx, "pgrep", "-f", pattern)
	if err != nil {
		// pgrep exits non-zero when nothing matches.
		return false, nil
	}
	return strings.TrimSpace(string(out)) != "", nil
}

// KillOrphans terminates attach-child processes left behind by a previous
// daemon. Errors are ignored; no matches is the common case.
func (r *Runner) KillOrphans(ctx context.Context, prefix string) error {
	_, _ = r.run(ctx, "pkill", "-f", fmt.Sprintf("tmux attach-session -t %s-", prefix))
	return nil
}

const regexSpecials = `.*+?^${}()|[]\`

func regexEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(regexSpecials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
