package respawn

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/codemanhq/codeman/src/handler/ralph"
	"github.com/codemanhq/codeman/src/lib/mux"
)

// fakeSession satisfies Session with scripted behavior.
type fakeSession struct {
	mu         sync.Mutex
	writes     []string
	writeErr   error
	tokens     int64
	tail       []byte
	lastOutput time.Time
}

func (f *fakeSession) WriteViaMux(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, text)
	return nil
}

func (f *fakeSession) OutputTail(n int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.tail...)
}

func (f *fakeSession) TokenCount() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens
}

func (f *fakeSession) LastOutputAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastOutput
}

func (f *fakeSession) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

// fakeChecker satisfies Checker with a fixed verdict.
type fakeChecker struct {
	mu      sync.Mutex
	verdict Verdict
	err     error
	calls   int
}

func (f *fakeChecker) Check(ctx context.Context, window []byte) (CheckResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return CheckResult{}, f.err
	}
	return CheckResult{Verdict: f.verdict}, nil
}

func (f *fakeChecker) Enabled() bool { return true }

func (f *fakeChecker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) emit(name string, data any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, name)
}

func (l *eventLog) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == name {
			n++
		}
	}
	return n
}

// fastConfig drives suspicion through explicit idle signals; the
// no-output timer is long enough to stay out of the way. Tests that
// exercise the timer itself shorten IdleTimeout.
func fastConfig() Config {
	return Config{
		IdleTimeout:         2 * time.Second,
		CompletionConfirm:   20 * time.Millisecond,
		NoOutputTimeout:     60 * time.Millisecond,
		Cooldown:            30 * time.Millisecond,
		AIIdleCheckTimeout:  200 * time.Millisecond,
		AIIdleCheckCooldown: 500 * time.Millisecond,
		Prompt:              "keep going",
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitState(t *testing.T, c *Controller, s State) {
	t.Helper()
	waitFor(t, fmt.Sprintf("state %s", s), func() bool { return c.State() == s })
}

func TestIdleSessionGetsInjected(t *testing.T) {
	sess := &fakeSession{}
	log := &eventLog{}
	cfg := fastConfig()
	cfg.IdleTimeout = 40 * time.Millisecond
	c := NewController("s1", sess, nil, nil, cfg, log.emit)
	defer c.Close()

	c.Start()
	c.OnSessionSignal("working")
	waitState(t, c, StateObserving)

	// No further output: idle timer, then confirm with stable tokens
	// and tail, then injection. The loop legitimately keeps cycling
	// after that, so assertions are at-least-once.
	waitFor(t, "prompt injection", func() bool { return sess.writeCount() >= 1 })

	sess.mu.Lock()
	prompt := sess.writes[0]
	sess.mu.Unlock()
	if prompt != "keep going" {
		t.Errorf("injected prompt = %q", prompt)
	}
	waitFor(t, "cycleStarted event", func() bool { return log.count("respawn:cycleStarted") >= 1 })
}

func TestFreshOutputCancelsSuspectedIdle(t *testing.T) {
	sess := &fakeSession{}
	cfg := fastConfig()
	cfg.IdleTimeout = 500 * time.Millisecond
	cfg.CompletionConfirm = 150 * time.Millisecond
	c := NewController("s1", sess, nil, nil, cfg, nil)
	defer c.Close()

	c.Start()
	c.OnSessionSignal("idle")
	// Not yet observing: idle in DORMANT is ignored.
	if c.State() != StateDormant {
		t.Fatalf("idle in DORMANT moved state to %s", c.State())
	}

	c.OnSessionSignal("working")
	waitState(t, c, StateObserving)
	c.OnSessionSignal("idle")
	waitState(t, c, StateSuspectedIdle)

	c.OnSessionSignal("output")
	waitState(t, c, StateObserving)

	time.Sleep(200 * time.Millisecond)
	if n := sess.writeCount(); n != 0 {
		t.Errorf("cancelled suspicion still injected %d times", n)
	}
}

func TestTokenChangeAbortsInjection(t *testing.T) {
	sess := &fakeSession{}
	c := NewController("s1", sess, nil, nil, fastConfig(), nil)
	defer c.Close()

	c.Start()
	c.OnSessionSignal("working")
	waitState(t, c, StateObserving)
	c.OnSessionSignal("idle")
	waitState(t, c, StateSuspectedIdle)

	// Token count moves while the confirm timer runs.
	sess.mu.Lock()
	sess.tokens = 42
	sess.mu.Unlock()

	waitState(t, c, StateObserving)
	if sess.writeCount() != 0 {
		t.Error("injection happened despite token movement")
	}
}

// S5: an AI WORKING verdict cools the controller down without touching
// the write path.
func TestAIWorkingVerdictCoolsDown(t *testing.T) {
	sess := &fakeSession{}
	checker := &fakeChecker{verdict: VerdictWorking}
	cfg := fastConfig()
	cfg.AIIdleCheck = true
	c := NewController("s1", sess, nil, checker, cfg, nil)
	defer c.Close()

	c.Start()
	c.OnSessionSignal("working")
	waitState(t, c, StateObserving)
	c.OnSessionSignal("idle")

	waitState(t, c, StateCoolingDown)
	if checker.callCount() != 1 {
		t.Errorf("arbiter called %d times", checker.callCount())
	}
	if sess.writeCount() != 0 {
		t.Error("WriteViaMux was called despite WORKING verdict")
	}
}

func TestAIIdleVerdictInjects(t *testing.T) {
	sess := &fakeSession{}
	checker := &fakeChecker{verdict: VerdictIdle}
	cfg := fastConfig()
	cfg.AIIdleCheck = true
	c := NewController("s1", sess, nil, checker, cfg, nil)
	defer c.Close()

	c.Start()
	c.OnSessionSignal("working")
	waitState(t, c, StateObserving)
	c.OnSessionSignal("idle")

	waitFor(t, "injection after IDLE verdict", func() bool { return sess.writeCount() == 1 })
}

func TestAIErrorFallsBackToHeuristic(t *testing.T) {
	sess := &fakeSession{lastOutput: time.Now().Add(-time.Minute)}
	checker := &fakeChecker{err: fmt.Errorf("model unavailable")}
	cfg := fastConfig()
	cfg.AIIdleCheck = true
	cfg.NoOutputTimeout = 10 * time.Millisecond
	c := NewController("s1", sess, nil, checker, cfg, nil)
	defer c.Close()

	c.Start()
	c.OnSessionSignal("working")
	waitState(t, c, StateObserving)
	c.OnSessionSignal("idle")

	// Output has been silent far beyond noOutputTimeout: the fallback
	// injects anyway.
	waitFor(t, "heuristic fallback injection", func() bool { return sess.writeCount() == 1 })
}

func TestWorkingSignalShortCircuitsCooldown(t *testing.T) {
	sess := &fakeSession{}
	cfg := fastConfig()
	cfg.Cooldown = 5 * time.Second
	tr := ralph.New(nil)
	c := NewController("s1", sess, tr, nil, cfg, nil)
	defer c.Close()

	c.Start()
	c.OnSessionSignal("working")
	waitState(t, c, StateObserving)
	c.OnTrackerEvent("completionDetected", map[string]any{"phrase": "X"})
	waitState(t, c, StateCoolingDown)

	c.OnSessionSignal("working")
	waitState(t, c, StateObserving)
}

func TestOpenBreakerBlocksInjection(t *testing.T) {
	sess := &fakeSession{}
	log := &eventLog{}
	c := NewController("s1", sess, nil, nil, fastConfig(), log.emit)
	defer c.Close()

	c.Start()
	c.OnTrackerEvent("statusBlockDetected", ralph.StatusBlock{Status: ralph.StatusBlocked})
	waitFor(t, "breaker open", func() bool { return c.Breaker().State() == BreakerOpen })

	c.OnSessionSignal("working")
	waitState(t, c, StateObserving)
	c.OnSessionSignal("idle")

	waitState(t, c, StateBroken)
	if sess.writeCount() != 0 {
		t.Error("injection happened with an open breaker")
	}
	if log.count("respawn:blocked") != 1 {
		t.Errorf("respawn:blocked emitted %d times", log.count("respawn:blocked"))
	}

	// Manual reset re-arms the machine.
	c.ResetBreaker()
	waitState(t, c, StateObserving)
}

func TestSessionGoneIsFatal(t *testing.T) {
	sess := &fakeSession{writeErr: fmt.Errorf("send: %w", mux.ErrSessionGone)}
	log := &eventLog{}
	c := NewController("s1", sess, nil, nil, fastConfig(), log.emit)
	defer c.Close()

	c.Start()
	c.OnSessionSignal("working")
	waitState(t, c, StateObserving)
	c.OnSessionSignal("idle")

	waitState(t, c, StateBroken)
	if log.count("respawn:blocked") != 1 {
		t.Errorf("respawn:blocked emitted %d times", log.count("respawn:blocked"))
	}
}

func TestExitGateRequiresBothConditions(t *testing.T) {
	sess := &fakeSession{}
	log := &eventLog{}
	cfg := fastConfig()
	cfg.Cooldown = 2 * time.Second
	c := NewController("s1", sess, nil, nil, cfg, log.emit)
	defer c.Close()

	c.Start()
	c.OnSessionSignal("working")
	waitState(t, c, StateObserving)

	// One COMPLETE block with the exit signal: only one indicator, no
	// gate.
	c.OnTrackerEvent("statusBlockDetected", ralph.StatusBlock{Status: ralph.StatusComplete, ExitSignal: true})
	waitFor(t, "first indicator", func() bool { return c.Snapshot().CompletionIndicators == 1 })
	if log.count("respawn:exitGateMet") != 0 {
		t.Fatal("exit gate met with a single indicator")
	}

	// Second COMPLETE block, still signalling exit: gate met.
	c.OnTrackerEvent("statusBlockDetected", ralph.StatusBlock{Status: ralph.StatusComplete, ExitSignal: true})
	waitFor(t, "exit gate", func() bool { return log.count("respawn:exitGateMet") == 1 })
	waitState(t, c, StateCoolingDown)
}

func TestMaxCyclesStopsTheLoop(t *testing.T) {
	sess := &fakeSession{}
	cfg := fastConfig()
	cfg.IdleTimeout = 40 * time.Millisecond
	cfg.MaxCycles = 1
	c := NewController("s1", sess, nil, nil, cfg, nil)
	defer c.Close()

	c.Start()
	c.OnSessionSignal("working")
	waitFor(t, "first injection", func() bool { return sess.writeCount() == 1 })

	// The second idle round hits the cycle cap and goes dormant.
	c.OnSessionSignal("idle")
	waitState(t, c, StateDormant)
	if sess.writeCount() != 1 {
		t.Errorf("injected %d times beyond the cap", sess.writeCount())
	}
}

func TestRalphTodoModeInjectsNextPendingTodo(t *testing.T) {
	sess := &fakeSession{}
	tr := ralph.New(nil)
	tr.Enable()
	tr.Feed([]byte("- [x] already finished item\n- [ ] implement the fanout plane\n"))

	cfg := fastConfig()
	cfg.IdleTimeout = 40 * time.Millisecond
	cfg.Mode = ModeRalphTodo
	c := NewController("s1", sess, tr, nil, cfg, nil)
	defer c.Close()

	c.Start()
	c.OnSessionSignal("working")
	waitFor(t, "todo injection", func() bool { return sess.writeCount() == 1 })

	sess.mu.Lock()
	prompt := sess.writes[0]
	sess.mu.Unlock()
	if prompt != "Work on this task next: implement the fanout plane" {
		t.Errorf("prompt = %q", prompt)
	}
}

// Property 2: a fresh controller fed the same externally visible inputs
// lands in the same state.
func TestDeterministicReplay(t *testing.T) {
	run := func() State {
		sess := &fakeSession{}
		cfg := fastConfig()
		cfg.Cooldown = 5 * time.Second
		c := NewController("s1", sess, nil, nil, cfg, nil)
		defer c.Close()

		c.Start()
		c.OnSessionSignal("working")
		waitState(t, c, StateObserving)
		c.OnTrackerEvent("statusBlockDetected", ralph.StatusBlock{Status: ralph.StatusInProgress, FilesModified: 1})
		c.OnTrackerEvent("completionDetected", map[string]any{"phrase": "X"})
		waitState(t, c, StateCoolingDown)
		return c.State()
	}

	if a, b := run(), run(); a != b {
		t.Errorf("same inputs diverged: %s vs %s", a, b)
	}
}

func TestStopCancelsMachine(t *testing.T) {
	sess := &fakeSession{}
	c := NewController("s1", sess, nil, nil, fastConfig(), nil)
	defer c.Close()

	c.Start()
	c.OnSessionSignal("working")
	waitState(t, c, StateObserving)

	c.Stop()
	waitState(t, c, StateDormant)

	// Timers armed before the stop are stale-generation and must not
	// resurrect the machine.
	time.Sleep(150 * time.Millisecond)
	if c.State() != StateDormant {
		t.Errorf("stale timer revived the controller: %s", c.State())
	}
	if sess.writeCount() != 0 {
		t.Error("injection after stop")
	}
}
