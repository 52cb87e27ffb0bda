// Package mux adapts the external terminal multiplexer hosting durable
// agent sessions that survive supervisor restarts. tmux is the backend
// detected today; Backend is the seam for adding others.
package mux

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	// ErrUnavailable is returned when no supported multiplexer binary is
	// installed.
	ErrUnavailable = errors.New("multiplexer unavailable")

	// ErrSessionGone is returned when the named session no longer exists
	// in the multiplexer. Callers treat this as fatal for that session.
	ErrSessionGone = errors.New("multiplexer session gone")
)

// NamePrefix is the namespace for sessions owned by this supervisor.
// Other multiplexer sessions on the host are never touched.
const NamePrefix = "codeman-"

// SessionName derives the multiplexer session name for a session id.
func SessionName(sessionID string) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return NamePrefix + short
}

// IsManaged reports whether name belongs to this supervisor's namespace.
func IsManaged(name string) bool {
	return strings.HasPrefix(name, NamePrefix) && len(name) > len(NamePrefix)
}

// ShortID extracts the short session id from a managed session name.
func ShortID(name string) string {
	return strings.TrimPrefix(name, NamePrefix)
}

// Backend is the capability surface of a terminal multiplexer. Text
// injection is literal (no shell interpretation); Enter is a separate
// call because the hosted agent's line editor does not accept text and
// newline in a single write.
type Backend interface {
	Create(name, workingDir, command string) error
	SendText(name, text string) error
	SendEnter(name string) error
	Kill(name string) error
	List() ([]string, error)
	CapturePane(name string, lines int) ([]byte, error)
	Has(name string) bool
	AttachCommand(name string) (bin string, args []string)
}

// Detect finds a supported multiplexer binary. binOverride forces a
// specific binary path instead of auto-detection.
func Detect(binOverride string) (Backend, error) {
	if binOverride != "" {
		if _, err := exec.LookPath(binOverride); err != nil {
			return nil, fmt.Errorf("%w: %s not found", ErrUnavailable, binOverride)
		}
		return NewTmux(binOverride), nil
	}
	for _, candidate := range []string{"tmux"} {
		if path, err := exec.LookPath(candidate); err == nil {
			logrus.Infof("Using multiplexer backend: %s", path)
			return NewTmux(path), nil
		}
	}
	return nil, ErrUnavailable
}

// runFunc executes the multiplexer binary; swapped out in tests.
type runFunc func(bin string, args ...string) ([]byte, error)

func execRun(bin string, args ...string) ([]byte, error) {
	out, err := exec.Command(bin, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w (%s)", bin, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Tmux drives a tmux server over its CLI.
type Tmux struct {
	bin string
	run runFunc
}

// NewTmux creates a tmux backend using the given binary path.
func NewTmux(bin string) *Tmux {
	return &Tmux{bin: bin, run: execRun}
}

// Create starts a detached session running command in workingDir.
func (t *Tmux) Create(name, workingDir, command string) error {
	args := []string{"new-session", "-d", "-s", name}
	if workingDir != "" {
		args = append(args, "-c", workingDir)
	}
	if command != "" {
		args = append(args, command)
	}
	if _, err := t.run(t.bin, args...); err != nil {
		return fmt.Errorf("create session %s: %w", name, err)
	}
	return nil
}

// SendText types text into the session literally. The -l flag disables
// tmux key-name interpretation so prompts containing words like "Enter"
// or "Space" arrive verbatim.
func (t *Tmux) SendText(name, text string) error {
	if _, err := t.run(t.bin, "send-keys", "-t", name, "-l", "--", text); err != nil {
		return t.mapSessionErr(name, err)
	}
	return nil
}

// SendEnter presses Enter in the session as a separate keystroke.
func (t *Tmux) SendEnter(name string) error {
	if _, err := t.run(t.bin, "send-keys", "-t", name, "Enter"); err != nil {
		return t.mapSessionErr(name, err)
	}
	return nil
}

// Kill destroys the session. Missing sessions are not an error.
func (t *Tmux) Kill(name string) error {
	if _, err := t.run(t.bin, "kill-session", "-t", name); err != nil {
		if isGone(err) {
			return nil
		}
		return err
	}
	return nil
}

// List enumerates all session names. An unreachable server means no
// sessions, not an error.
func (t *Tmux) List() ([]string, error) {
	out, err := t.run(t.bin, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		if isNoServer(err) || isGone(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// CapturePane returns the last lines of the session's pane including
// escape sequences.
func (t *Tmux) CapturePane(name string, lines int) ([]byte, error) {
	args := []string{"capture-pane", "-p", "-e", "-t", name}
	if lines > 0 {
		args = append(args, "-S", fmt.Sprintf("-%d", lines))
	}
	out, err := t.run(t.bin, args...)
	if err != nil {
		return nil, t.mapSessionErr(name, err)
	}
	return out, nil
}

// Has reports whether the named session exists.
func (t *Tmux) Has(name string) bool {
	_, err := t.run(t.bin, "has-session", "-t", name)
	return err == nil
}

// AttachCommand returns the command line that attaches a terminal to the
// named session. The supervisor runs this under a local PTY to proxy the
// session's I/O.
func (t *Tmux) AttachCommand(name string) (string, []string) {
	return t.bin, []string{"attach-session", "-t", name}
}

func (t *Tmux) mapSessionErr(name string, err error) error {
	if isGone(err) || isNoServer(err) {
		return fmt.Errorf("%w: %s", ErrSessionGone, name)
	}
	return err
}

func isGone(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "can't find session") ||
		strings.Contains(msg, "session not found") ||
		strings.Contains(msg, "can't find pane")
}

func isNoServer(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no server running") ||
		strings.Contains(msg, "error connecting to")
}
