package utils

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (Python logs)
// so a crashed model worker can still explain itself.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe.
// It prepares the command for execution but does not start it.
func NewSafeCommand(name string, args ...string) *SafeCommand {
	cmd := exec.Command(name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// Logs returns the trimmed stderr captured so far.
func (s *SafeCommand) Logs() string {
	if s == nil || s.Stderr == nil {
		return ""
	}
	return strings.TrimSpace(s.Stderr.String())
}

// --- 2. User-facing errors ---

// ShowError prints the single-line failure message used by every command.
// Anything after the first line (worker stderr, for instance) is only
// printed when verbose output was requested.
func ShowError(w io.Writer, err error, verbose bool) {
	if err == nil {
		return
	}
	head, rest, _ := strings.Cut(err.Error(), "\n")
	fmt.Fprintf(w, "Error: %s\n", head)
	if rest = strings.TrimSpace(rest); verbose && rest != "" {
		fmt.Fprintf(w, "\nPYTHON WORKER LOGS:\n%s\n", rest)
	}
}

// --- 3. Run directories ---

// RunDirName derives a per-run directory name from t, with characters that
// are unsafe in file names replaced by '-'.
func RunDirName(t time.Time) string {
	stamp := t.UTC().Format("2006-01-02T15:04:05.000Z")
	stamp = strings.NewReplacer(":", "-", ".", "-").Replace(stamp)
	return "verification_" + stamp
}

// CreateRunDir creates a fresh directory under base. It never reuses an
// existing one: on a name collision a numeric suffix is appended.
func CreateRunDir(base string, t time.Time) (string, error) {
	if err := os.MkdirAll(base, 0755); err != nil {
		return "", fmt.Errorf("failed to create output root %s: %w", base, err)
	}
	name := RunDirName(t)
	for i := 0; i < 1000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d", name, i)
		}
		path := filepath.Join(base, candidate)
		err := os.Mkdir(path, 0755)
		if err == nil {
			return path, nil
		}
		if !os.IsExist(err) {
			return "", err
		}
	}
	return "", fmt.Errorf("could not allocate a run directory under %s", base)
}

// ResolveInput joins name onto dir unless name is already absolute or
// explicitly relative (./, ../).
func ResolveInput(dir, name string) string {
	if dir == "" || filepath.IsAbs(name) || strings.HasPrefix(name, "./") || strings.HasPrefix(name, "../") {
		return name
	}
	return filepath.Join(dir, name)
}
