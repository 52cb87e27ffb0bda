// Package session owns the agent subprocess lifecycle: the PTY attach to
// the multiplexer-hosted agent, the bounded output buffers, derived
// busy/idle status, and the authoritative programmatic write path.
package session

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/codemanhq/codeman/src/handler/ralph"
	"github.com/codemanhq/codeman/src/lib/ansiterm"
	"github.com/codemanhq/codeman/src/lib/buffer"
	"github.com/codemanhq/codeman/src/lib/cleanup"
	"github.com/codemanhq/codeman/src/lib/mux"
)

// Status is the session's derived state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

const (
	// Terminal history high/low watermarks.
	rawBufferMax  = 2 * 1024 * 1024
	rawBufferKeep = 1536 * 1024

	// Text-only output watermarks.
	textBufferMax  = 1024 * 1024
	textBufferKeep = 768 * 1024

	// Parsed message caps.
	messagesMax  = 1000
	messagesKeep = 800

	// promptIdleDelay is how long the prompt glyph must sit undisturbed
	// before the session is considered idle.
	promptIdleDelay = 2 * time.Second

	// interStepDelay separates the literal-text write from the Enter
	// keystroke; the agent's line editor needs the gap.
	interStepDelay = 120 * time.Millisecond

	// termGrace is the SIGTERM-to-SIGKILL window on shutdown.
	termGrace = 100 * time.Millisecond
)

// ErrMultiLineInput rejects programmatic prompts containing newlines.
// The agent's line editor cannot handle them; callers must not split and
// retry silently.
var ErrMultiLineInput = errors.New("multi-line input not allowed via mux write path")

// promptGlyph is the agent CLI's visible input prompt.
const promptGlyph = "❯"

// workingIndicators flip the session to busy the moment they appear.
var workingIndicators = []string{
	"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏", // spinner frames
	"Thinking", "Writing", "Reading", "Running", "Searching", "Building",
}

// Message is one parsed structured record attributed to the session.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Info is the API-facing session shape.
type Info struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	WorkingDir   string    `json:"workingDir"`
	GitBranch    string    `json:"gitBranch,omitempty"`
	MuxName      string    `json:"muxName"`
	Status       Status    `json:"status"`
	PID          int       `json:"pid,omitempty"`
	TaskID       string    `json:"taskId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivityAt"`
	InputTokens  int64     `json:"inputTokens"`
	OutputTokens int64     `json:"outputTokens"`
	CostUSD      float64   `json:"costUsd"`
}

// Session is one supervised agent invocation. The session is the only
// writer of its own buffers and the only mover of its own status; the
// respawn controller requests writes through WriteViaMux.
type Session struct {
	ID         string
	Name       string
	WorkingDir string
	GitBranch  string
	MuxName    string
	CreatedAt  time.Time

	backend mux.Backend
	emit    func(event string, data any)
	sink    func(signal string) // respawn controller signals
	fanout  func(data []byte)   // event fanout terminal path

	ptmx *os.File
	cmd  *exec.Cmd

	raw      *buffer.Bounded
	text     *buffer.Bounded
	messages *buffer.List[Message]
	stripper *ansiterm.Stripper
	tracker  *ralph.Tracker
	clean    *cleanup.Manager

	mu           sync.Mutex
	status       Status
	pid          int
	taskID       string
	lastActivity time.Time
	inputTokens  int64
	outputTokens int64
	costUSD      float64
	idleTimerID  uint64

	writeMu sync.Mutex // serializes the mux write path

	subMu       sync.Mutex
	subscribers map[chan []byte]struct{}

	doneCh    chan struct{}
	closeOnce sync.Once
}

// SubscribeRaw registers a channel receiving raw PTY output. A slow
// subscriber's chunks are dropped rather than blocking the read loop.
// The returned function unsubscribes.
func (s *Session) SubscribeRaw(ch chan []byte) func() {
	s.subMu.Lock()
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subscribers, ch)
		s.subMu.Unlock()
	}
}

func (s *Session) broadcastRaw(data []byte) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- data:
		default:
		}
	}
}

// Options bundle the collaborators a session needs.
type Options struct {
	ID         string
	Name       string
	WorkingDir string
	GitBranch  string
	Backend    mux.Backend
	Tracker    *ralph.Tracker
	Emit       func(event string, data any)
	Fanout     func(data []byte)
	Signal     func(signal string)
}

// Attach starts the PTY attach process for an existing multiplexer
// session and begins supervising it.
func Attach(opts Options) (*Session, error) {
	muxName := mux.SessionName(opts.ID)
	bin, args := opts.Backend.AttachCommand(muxName)
	cmd := exec.Command(bin, args...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	// pty.StartWithSize sets Setsid, so the child leads its own process
	// group; Setpgid on top of that makes fork/exec fail with EPERM.

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 200, Rows: 50})
	if err != nil {
		return nil, fmt.Errorf("attach pty: %w", err)
	}

	s := &Session{
		ID:          opts.ID,
		Name:        opts.Name,
		WorkingDir:  opts.WorkingDir,
		GitBranch:   opts.GitBranch,
		MuxName:     muxName,
		CreatedAt:   time.Now(),
		backend:     opts.Backend,
		emit:        opts.Emit,
		sink:        opts.Signal,
		fanout:      opts.Fanout,
		ptmx:        ptmx,
		cmd:         cmd,
		raw:         buffer.New(rawBufferMax, rawBufferKeep),
		text:        buffer.New(textBufferMax, textBufferKeep),
		messages:    buffer.NewList[Message](messagesMax, messagesKeep),
		subscribers: make(map[chan []byte]struct{}),
		stripper:    ansiterm.NewStripper(),
		tracker:     opts.Tracker,
		clean:       cleanup.New(),
		status:      StatusBusy,
		pid:         cmd.Process.Pid,
		doneCh:      make(chan struct{}),
	}
	if s.emit == nil {
		s.emit = func(string, any) {}
	}
	if s.sink == nil {
		s.sink = func(string) {}
	}
	if s.fanout == nil {
		s.fanout = func([]byte) {}
	}
	s.lastActivity = time.Now()

	go s.readLoop()
	go s.watchExit()
	return s, nil
}

// readLoop pumps PTY output through the buffer / tracker / fanout
// pipeline. Chunk order is preserved: the tracker finishes chunk N
// before chunk N+1 is read.
func (s *Session) readLoop() {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("session %s: readLoop panic: %v", s.ID, r)
		}
	}()

	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		s.handleChunk(data)
	}
}

func (s *Session) handleChunk(data []byte) {
	s.raw.Append(data)

	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()

	// Raw channel: local observers and the event fanout.
	s.fanout(data)
	s.broadcastRaw(data)

	// Stripped channel: text buffer and the tracker.
	stripped := s.stripper.Strip(data)
	s.text.Append(stripped)
	if s.tracker != nil {
		s.tracker.Feed(data)
	}

	s.detectActivity(stripped)
	s.sink("output")
}

// detectActivity derives busy/idle from the chunk: working indicators
// flip to busy immediately; the prompt glyph arms a short timer that a
// later non-whitespace byte disarms.
func (s *Session) detectActivity(stripped []byte) {
	text := string(stripped)

	for _, ind := range workingIndicators {
		if strings.Contains(text, ind) {
			s.cancelIdleTimer()
			s.setStatus(StatusBusy)
			return
		}
	}

	if strings.Contains(text, promptGlyph) {
		s.armIdleTimer()
		return
	}
	if strings.TrimSpace(text) != "" {
		// Non-whitespace output after the prompt glyph: still working.
		s.cancelIdleTimer()
	}
}

func (s *Session) armIdleTimer() {
	s.mu.Lock()
	if s.idleTimerID != 0 {
		id := s.idleTimerID
		s.mu.Unlock()
		s.clean.Cancel(id)
		s.mu.Lock()
	}
	s.idleTimerID = s.clean.AfterFunc(promptIdleDelay, func() {
		s.mu.Lock()
		s.idleTimerID = 0
		s.mu.Unlock()
		s.setStatus(StatusIdle)
	})
	s.mu.Unlock()
}

func (s *Session) cancelIdleTimer() {
	s.mu.Lock()
	id := s.idleTimerID
	s.idleTimerID = 0
	s.mu.Unlock()
	if id != 0 {
		s.clean.Cancel(id)
	}
}

// setStatus moves the session through its legal transitions and emits
// signals for the controller and clients. Stopped and error are
// terminal except through supervisor restart.
func (s *Session) setStatus(next Status) {
	s.mu.Lock()
	prev := s.status
	switch prev {
	case StatusStopped:
		s.mu.Unlock()
		return
	case StatusError:
		if next != StatusStopped {
			s.mu.Unlock()
			return
		}
	}
	if prev == next {
		s.mu.Unlock()
		return
	}
	s.status = next
	if next == StatusStopped {
		s.pid = 0
	}
	s.mu.Unlock()

	s.emit("session:statusChanged", map[string]any{
		"sessionId": s.ID,
		"status":    next,
	})
	switch next {
	case StatusBusy:
		s.sink("working")
	case StatusIdle:
		s.sink("idle")
	case StatusStopped, StatusError:
		s.sink("stopped")
	}
}

// watchExit observes the attach process and marks the session stopped
// when it exits.
func (s *Session) watchExit() {
	err := s.cmd.Wait()
	select {
	case <-s.doneCh:
		return
	default:
	}
	if err != nil {
		logrus.Infof("session %s: attach process exited: %v", s.ID, err)
	}
	s.setStatus(StatusStopped)
}

// WriteViaMux is the programmatic input contract used by the respawn
// controller and scheduled-run kick-off: single-line only, decomposed
// into literal text then Enter with a brief delay between them.
func (s *Session) WriteViaMux(text string) error {
	if strings.ContainsAny(text, "\n\r") {
		return ErrMultiLineInput
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.Status() == StatusStopped {
		return fmt.Errorf("session %s: %w", s.ID, mux.ErrSessionGone)
	}
	if err := s.backend.SendText(s.MuxName, text); err != nil {
		return s.fatalOnGone(err)
	}
	time.Sleep(interStepDelay)
	if err := s.backend.SendEnter(s.MuxName); err != nil {
		return s.fatalOnGone(err)
	}
	s.setStatus(StatusBusy)
	return nil
}

func (s *Session) fatalOnGone(err error) error {
	if errors.Is(err, mux.ErrSessionGone) {
		logrus.Warnf("session %s: multiplexer session gone", s.ID)
		s.setStatus(StatusStopped)
	}
	return err
}

// WriteRaw writes client keystrokes directly to the PTY, bypassing the
// mux write path.
func (s *Session) WriteRaw(data []byte) (int, error) {
	return s.ptmx.Write(data)
}

// Resize changes the PTY dimensions.
func (s *Session) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return fmt.Errorf("invalid dimensions %dx%d", cols, rows)
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// OutputTail returns the most recent raw bytes.
func (s *Session) OutputTail(n int) []byte {
	return s.raw.Tail(n)
}

// TextTail returns the most recent stripped bytes.
func (s *Session) TextTail(n int) []byte {
	return s.text.Tail(n)
}

// RawBuffer returns the full retained raw history.
func (s *Session) RawBuffer() []byte {
	return s.raw.Bytes()
}

// TokenCount returns the combined token total.
func (s *Session) TokenCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputTokens + s.outputTokens
}

// AddUsage accumulates token and cost totals reported by agent hooks.
func (s *Session) AddUsage(inputTokens, outputTokens int64, costUSD float64) {
	s.mu.Lock()
	s.inputTokens += inputTokens
	s.outputTokens += outputTokens
	s.costUSD += costUSD
	s.mu.Unlock()
}

// AddMessage records one parsed structured message.
func (s *Session) AddMessage(m Message) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	s.messages.Append(m)
}

// Messages returns the retained structured messages.
func (s *Session) Messages() []Message {
	return s.messages.Items()
}

// LastOutputAt returns the last PTY activity time.
func (s *Session) LastOutputAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Status returns the derived session status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetTaskID assigns or clears the session's scheduled task.
func (s *Session) SetTaskID(id string) {
	s.mu.Lock()
	s.taskID = id
	s.mu.Unlock()
}

// Tracker exposes the session's ralph tracker.
func (s *Session) Tracker() *ralph.Tracker {
	return s.tracker
}

// Alive reports whether the attach subprocess still exists.
func (s *Session) Alive() bool {
	s.mu.Lock()
	pid := s.pid
	s.mu.Unlock()
	if pid == 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// Info returns the API-facing shape.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.ID,
		Name:         s.Name,
		WorkingDir:   s.WorkingDir,
		GitBranch:    s.GitBranch,
		MuxName:      s.MuxName,
		Status:       s.status,
		PID:          s.pid,
		TaskID:       s.taskID,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
		InputTokens:  s.inputTokens,
		OutputTokens: s.outputTokens,
		CostUSD:      s.costUSD,
	}
}

// Stop terminates the attach subprocess: SIGTERM, a short grace window,
// then SIGKILL on the pid and its process group. The session remains
// addressable in stopped status until the supervisor destroys it.
func (s *Session) Stop() {
	s.closeOnce.Do(func() {
		close(s.doneCh)

		s.mu.Lock()
		pid := s.pid
		s.mu.Unlock()

		if pid > 0 {
			_ = syscall.Kill(pid, syscall.SIGTERM)
			time.Sleep(termGrace)
			_ = syscall.Kill(pid, syscall.SIGKILL)
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		}
		if s.ptmx != nil {
			_ = s.ptmx.Close()
		}
		// watchExit reaps the process once the kill lands.
		if s.tracker != nil {
			s.tracker.FlushPendingEvents()
		}
		s.clean.Dispose()
		s.setStatus(StatusStopped)
	})
}

// Done is closed when the session has been stopped.
func (s *Session) Done() <-chan struct{} {
	return s.doneCh
}
