package respawn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Verdict is the arbiter's classification of a terminal window.
type Verdict string

const (
	VerdictIdle    Verdict = "IDLE"
	VerdictWorking Verdict = "WORKING"
	VerdictError   Verdict = "ERROR"
)

// CheckResult is one arbiter answer.
type CheckResult struct {
	Verdict    Verdict `json:"verdict"`
	Reasoning  string  `json:"reasoning,omitempty"`
	DurationMs int64   `json:"durationMs"`
}

var (
	// ErrAlreadyChecking rejects concurrent checks.
	ErrAlreadyChecking = errors.New("already checking")

	// ErrOnCooldown rejects checks during a cooldown window.
	ErrOnCooldown = errors.New("arbiter on cooldown")

	// ErrDisabled rejects checks after the arbiter disabled itself.
	ErrDisabled = errors.New("arbiter disabled")
)

const arbiterPrompt = `You are judging a coding agent's terminal. Based on the terminal output below, answer with exactly one word on the first line: IDLE if the agent is waiting at a prompt with nothing running, WORKING if it is actively producing output or running a tool, ERROR if it appears crashed or stuck on an error. A one-line justification may follow.

Terminal output:
`

// ArbiterConfig tunes the arbiter's discipline.
type ArbiterConfig struct {
	Command          string
	WorkingCooldown  time.Duration
	ErrorCooldown    time.Duration
	MaxConsecutiveErrors int
}

// Arbiter wraps a one-shot headless agent invocation that classifies a
// recent terminal window as IDLE / WORKING / ERROR.
type Arbiter struct {
	cfg  ArbiterConfig
	emit func(event string, data any)

	mu            sync.Mutex
	busy          bool
	disabled      bool
	consecErrors  int
	cooldownUntil time.Time

	now    func() time.Time
	invoke func(ctx context.Context, command string, prompt string) (string, error)
}

// NewArbiter creates an arbiter invoking cfg.Command headlessly.
func NewArbiter(cfg ArbiterConfig, emit func(string, any)) *Arbiter {
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 3
	}
	if emit == nil {
		emit = func(string, any) {}
	}
	return &Arbiter{
		cfg:    cfg,
		emit:   emit,
		now:    time.Now,
		invoke: invokeHeadless,
	}
}

func invokeHeadless(ctx context.Context, command string, prompt string) (string, error) {
	cmd := exec.CommandContext(ctx, command, "-p", prompt, "--output-format", "text")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return out.String(), err
	}
	return out.String(), nil
}

// Enabled reports whether the arbiter is still willing to answer.
func (a *Arbiter) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.disabled
}

// Check classifies the terminal window. Cooperative: concurrent calls,
// cooldown windows, and the disabled state are all rejected up front. A
// cancelled check reports ctx.Err with no side effects.
func (a *Arbiter) Check(ctx context.Context, window []byte) (CheckResult, error) {
	a.mu.Lock()
	switch {
	case a.disabled:
		a.mu.Unlock()
		return CheckResult{}, ErrDisabled
	case a.busy:
		a.mu.Unlock()
		return CheckResult{}, ErrAlreadyChecking
	case a.now().Before(a.cooldownUntil):
		a.mu.Unlock()
		return CheckResult{}, ErrOnCooldown
	}
	a.busy = true
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.busy = false
		a.mu.Unlock()
	}()

	start := a.now()
	output, err := a.invoke(ctx, a.cfg.Command, arbiterPrompt+string(window))
	elapsed := a.now().Sub(start)

	if ctx.Err() != nil {
		// Cancelled: discard whatever happened, no cooldown, no error
		// accounting.
		return CheckResult{}, ctx.Err()
	}
	if err != nil {
		a.recordError()
		return CheckResult{Verdict: VerdictError, DurationMs: elapsed.Milliseconds()},
			fmt.Errorf("arbiter invocation: %w", err)
	}

	verdict, reasoning := parseVerdict(output)
	result := CheckResult{Verdict: verdict, Reasoning: reasoning, DurationMs: elapsed.Milliseconds()}

	a.mu.Lock()
	switch verdict {
	case VerdictIdle:
		a.consecErrors = 0
	case VerdictWorking:
		a.consecErrors = 0
		a.cooldownUntil = a.now().Add(a.cfg.WorkingCooldown)
	case VerdictError:
		a.cooldownUntil = a.now().Add(a.cfg.ErrorCooldown)
		a.mu.Unlock()
		a.recordError()
		return result, nil
	}
	a.mu.Unlock()
	return result, nil
}

func (a *Arbiter) recordError() {
	a.mu.Lock()
	a.consecErrors++
	count := a.consecErrors
	shouldDisable := !a.disabled && count >= a.cfg.MaxConsecutiveErrors
	if shouldDisable {
		a.disabled = true
	}
	a.mu.Unlock()

	if shouldDisable {
		logrus.Warnf("arbiter: disabled after %d consecutive errors", count)
		a.emit("respawn:arbiterDisabled", map[string]any{"consecutiveErrors": count})
	}
}

// parseVerdict extracts the classification from the model's reply. An
// unrecognized reply is an ERROR verdict.
func parseVerdict(output string) (Verdict, string) {
	trimmed := strings.TrimSpace(output)
	lines := strings.SplitN(trimmed, "\n", 2)
	first := strings.ToUpper(strings.TrimSpace(lines[0]))
	reasoning := ""
	if len(lines) > 1 {
		reasoning = strings.TrimSpace(lines[1])
	}
	switch {
	case strings.HasPrefix(first, "IDLE"):
		return VerdictIdle, reasoning
	case strings.HasPrefix(first, "WORKING"):
		return VerdictWorking, reasoning
	case strings.HasPrefix(first, "ERROR"):
		return VerdictError, reasoning
	}
	// Tolerate verdicts buried in a wordier first line.
	switch {
	case strings.Contains(first, "WORKING"):
		return VerdictWorking, reasoning
	case strings.Contains(first, "IDLE"):
		return VerdictIdle, reasoning
	}
	return VerdictError, "unrecognized arbiter reply"
}
