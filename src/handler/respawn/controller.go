package respawn

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/codemanhq/codeman/src/handler/ralph"
	"github.com/codemanhq/codeman/src/lib/mux"
)

// State is the controller's position in the respawn state machine.
type State string

const (
	StateDormant       State = "DORMANT"
	StateObserving     State = "OBSERVING"
	StateSuspectedIdle State = "SUSPECTED_IDLE"
	StateAIChecking    State = "AI_CHECKING"
	StateInjecting     State = "INJECTING"
	StateCoolingDown   State = "COOLING_DOWN"
	StateBroken        State = "BROKEN"
)

// Mode selects where injected prompts come from.
type Mode string

const (
	// ModePrompt injects the session's configured respawn prompt.
	ModePrompt Mode = "prompt"
	// ModeRalphTodo injects the next pending tracked todo.
	ModeRalphTodo Mode = "ralph-todo"
)

// Config is the per-session controller configuration.
type Config struct {
	IdleTimeout         time.Duration `json:"idleTimeoutMs"`
	CompletionConfirm   time.Duration `json:"completionConfirmMs"`
	NoOutputTimeout     time.Duration `json:"noOutputTimeoutMs"`
	Cooldown            time.Duration `json:"cooldownMs"`
	AIIdleCheck         bool          `json:"aiIdleCheck"`
	AIIdleCheckTimeout  time.Duration `json:"aiIdleCheckTimeoutMs"`
	AIIdleCheckCooldown time.Duration `json:"aiIdleCheckCooldownMs"`
	Prompt              string        `json:"prompt"`
	Mode                Mode          `json:"mode"`
	MaxCycles           int           `json:"maxCycles"`
}

// Session is the write-and-observe surface the controller needs. The
// controller never holds the session itself, only this narrow channel.
type Session interface {
	WriteViaMux(text string) error
	OutputTail(n int) []byte
	TokenCount() int64
	LastOutputAt() time.Time
}

// Checker is the arbiter surface; satisfied by *Arbiter.
type Checker interface {
	Check(ctx context.Context, window []byte) (CheckResult, error)
	Enabled() bool
}

const (
	// tailProbeBytes is how much output tail is compared for the
	// token-stability gate and handed to the arbiter.
	tailProbeBytes = 4096

	// inboxSize bounds the controller inbox. The producer side never
	// blocks; overflow drops the oldest semantics are not needed
	// because signals are level-style and re-derived from timers.
	inboxSize = 256
)

// inbox message kinds.
type message struct {
	kind    string // "signal", "tracker", "timer", "verdict", "control"
	signal  string // working | idle | output | stopped
	event   string
	data    any
	timer   string // confirm | cooldown | idle
	gen     uint64
	verdict CheckResult
	err     error
	control string // start | stop | reset
}

// Stats feed the health score.
type Stats struct {
	Cycles             int `json:"cycles"`
	CyclesWithProgress int `json:"cyclesWithProgress"`
	AICalls            int `json:"aiCalls"`
	AIErrors           int `json:"aiErrors"`
	StuckRecoveries    int `json:"stuckRecoveries"`
}

// Snapshot is the externally visible controller state.
type Snapshot struct {
	SessionID            string          `json:"sessionId"`
	State                State           `json:"state"`
	Enabled              bool            `json:"enabled"`
	Cycles               int             `json:"cycles"`
	CompletionIndicators int             `json:"completionIndicators"`
	Breaker              BreakerSnapshot `json:"breaker"`
	Stats                Stats           `json:"stats"`
	Health               int             `json:"health"`
	Config               Config          `json:"config"`
}

// Controller is the per-session respawn state machine. It consumes
// tracker events and session signals through a single ordered inbox and
// drives the session's write path to keep the agent working.
type Controller struct {
	sessionID string
	sess      Session
	checker   Checker
	tracker   *ralph.Tracker
	emit      func(event string, data any)

	inbox chan message
	done  chan struct{}
	wg    sync.WaitGroup

	mu      sync.Mutex
	cfg     Config
	enabled bool
	state   State
	gen     uint64
	breaker *Breaker
	stats   Stats

	// suspected-idle entry snapshot for the stability gate
	entryTokens int64
	entryTail   []byte

	// exit gate accounting
	completionIndicators int
	lastExitSignal       bool

	// per-cycle progress (from the latest status block)
	cycleProgress bool
	lastIdleArm   time.Time

	aiCancel context.CancelFunc

	now func() time.Time
}

// NewController wires a controller to its session, tracker and arbiter.
// It starts DORMANT and disabled; Start arms it.
func NewController(sessionID string, sess Session, tracker *ralph.Tracker, checker Checker, cfg Config, emit func(string, any)) *Controller {
	if emit == nil {
		emit = func(string, any) {}
	}
	c := &Controller{
		sessionID: sessionID,
		sess:      sess,
		checker:   checker,
		tracker:   tracker,
		emit:      emit,
		cfg:       cfg,
		state:     StateDormant,
		inbox:     make(chan message, inboxSize),
		done:      make(chan struct{}),
		now:       time.Now,
	}
	c.breaker = NewBreaker(func(snap BreakerSnapshot) {
		emit("respawn:circuitBreakerUpdate", map[string]any{
			"sessionId": sessionID,
			"breaker":   snap,
		})
	})
	c.wg.Add(1)
	go c.run()
	return c
}

// Start enables respawning.
func (c *Controller) Start() { c.deliver(message{kind: "control", control: "start"}) }

// Stop disables respawning and cancels any in-flight AI check.
func (c *Controller) Stop() { c.deliver(message{kind: "control", control: "stop"}) }

// ResetBreaker closes the circuit breaker manually and re-arms the
// controller if it was BROKEN.
func (c *Controller) ResetBreaker() { c.deliver(message{kind: "control", control: "reset"}) }

// OnSessionSignal feeds a session status signal: "working", "idle",
// "output", "stopped".
func (c *Controller) OnSessionSignal(signal string) {
	c.deliver(message{kind: "signal", signal: signal})
}

// OnTrackerEvent feeds a tracker emission.
func (c *Controller) OnTrackerEvent(event string, data any) {
	c.deliver(message{kind: "tracker", event: event, data: data})
}

// Close shuts the controller down. Pending timers are discarded via the
// generation stamp.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.aiCancel != nil {
		c.aiCancel()
	}
	c.mu.Unlock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.wg.Wait()
}

func (c *Controller) deliver(m message) {
	select {
	case c.inbox <- m:
	case <-c.done:
	default:
		logrus.Warnf("respawn[%s]: inbox full, dropping %s", c.sessionID, m.kind)
	}
}

// run is the single consumer preserving arrival order.
func (c *Controller) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case m := <-c.inbox:
			c.handle(m)
		}
	}
}

func (c *Controller) handle(m message) {
	switch m.kind {
	case "control":
		c.handleControl(m.control)
	case "signal":
		c.handleSignal(m.signal)
	case "tracker":
		c.handleTracker(m.event, m.data)
	case "timer":
		c.handleTimer(m.timer, m.gen)
	case "verdict":
		c.handleVerdict(m)
	}
}

func (c *Controller) handleControl(op string) {
	c.mu.Lock()
	switch op {
	case "start":
		// Stays DORMANT until the session shows work; the first
		// working signal moves it to OBSERVING.
		c.enabled = true
		c.mu.Unlock()
		c.emit("respawn:started", map[string]any{"sessionId": c.sessionID})
		return
	case "stop":
		c.enabled = false
		if c.aiCancel != nil {
			c.aiCancel()
			c.aiCancel = nil
		}
		c.gen++ // invalidate pending timers
		c.setStateLocked(StateDormant, "stopped")
		return
	case "reset":
		wasBroken := c.state == StateBroken
		c.mu.Unlock()
		c.breaker.Reset()
		c.mu.Lock()
		if wasBroken && c.enabled {
			c.enterObservingLocked("manual-reset")
			return
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
}

func (c *Controller) handleSignal(signal string) {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return
	}
	switch signal {
	case "working":
		switch c.state {
		case StateDormant, StateCoolingDown:
			c.enterObservingLocked("working")
			return
		case StateObserving:
			c.armIdleTimerLocked(false)
		}
	case "output":
		switch c.state {
		case StateObserving:
			c.armIdleTimerLocked(false)
		case StateSuspectedIdle:
			// Fresh output before the confirm fires: back to watching.
			c.enterObservingLocked("output-resumed")
			return
		}
	case "idle":
		if c.state == StateObserving {
			c.enterSuspectedIdleLocked()
			return
		}
	case "stopped":
		c.gen++
		c.setStateLocked(StateDormant, "session-stopped")
		return
	}
	c.mu.Unlock()
}

func (c *Controller) handleTracker(event string, data any) {
	switch event {
	case "completionDetected":
		c.mu.Lock()
		if !c.enabled {
			c.mu.Unlock()
			return
		}
		c.completionIndicators++
		switch c.state {
		case StateObserving, StateSuspectedIdle, StateAIChecking:
			c.enterCooldownLocked("completed")
			return
		}
		c.mu.Unlock()
		return
	case "statusBlockDetected":
		block, ok := data.(ralph.StatusBlock)
		if !ok {
			return
		}
		c.breaker.RecordBlock(block)
		c.mu.Lock()
		if block.Status == ralph.StatusComplete {
			c.completionIndicators++
		}
		c.lastExitSignal = block.ExitSignal
		if block.TasksCompletedThisLoop > 0 || block.FilesModified > 0 {
			c.cycleProgress = true
		}
		if c.exitGateMetLocked() {
			c.mu.Unlock()
			c.emit("respawn:exitGateMet", map[string]any{"sessionId": c.sessionID})
			c.mu.Lock()
			c.enterCooldownLocked("exit-gate")
			return
		}
		c.mu.Unlock()
	}
}

// exitGateMetLocked is the dual-condition soft exit: enough cumulative
// completion indicators and an explicit exit signal in the latest block.
func (c *Controller) exitGateMetLocked() bool {
	return c.completionIndicators >= 2 && c.lastExitSignal
}

func (c *Controller) handleTimer(kind string, gen uint64) {
	c.mu.Lock()
	if gen != c.gen || !c.enabled {
		// Stale generation: a state change outran this timer.
		c.mu.Unlock()
		return
	}
	switch kind {
	case "idle":
		if c.state == StateObserving {
			c.enterSuspectedIdleLocked()
			return
		}
	case "confirm":
		if c.state != StateSuspectedIdle {
			break
		}
		tokens := c.sess.TokenCount()
		tail := c.sess.OutputTail(tailProbeBytes)
		if tokens != c.entryTokens || !bytes.Equal(tail, c.entryTail) {
			c.enterObservingLocked("still-active")
			return
		}
		if c.cfg.AIIdleCheck && c.checker != nil && c.checker.Enabled() {
			c.enterAICheckingLocked()
			return
		}
		c.enterInjectingLocked()
		return
	case "cooldown":
		if c.state == StateCoolingDown {
			c.enterObservingLocked("cooldown-elapsed")
			return
		}
	}
	c.mu.Unlock()
}

func (c *Controller) handleVerdict(m message) {
	c.mu.Lock()
	if m.gen != c.gen || c.state != StateAIChecking || !c.enabled {
		c.mu.Unlock()
		return
	}
	c.aiCancel = nil

	if m.err != nil || m.verdict.Verdict == VerdictError {
		c.stats.AIErrors++
		// Heuristic fallback: a long-silent session is injected anyway;
		// otherwise cool down briefly and re-observe.
		if c.now().Sub(c.sess.LastOutputAt()) >= c.cfg.NoOutputTimeout {
			c.stats.StuckRecoveries++
			c.enterInjectingLocked()
			return
		}
		c.enterCooldownForLocked("ai-error", c.cfg.Cooldown)
		return
	}

	switch m.verdict.Verdict {
	case VerdictIdle:
		c.enterInjectingLocked()
	case VerdictWorking:
		c.enterCooldownForLocked("ai-says-working", c.cfg.AIIdleCheckCooldown)
	default:
		c.mu.Unlock()
	}
}

// --- state entry helpers (all take and release the lock via
// setStateLocked) ---

// enterObservingLocked transitions to OBSERVING with a fresh no-output
// timer.
func (c *Controller) enterObservingLocked(reason string) {
	c.armIdleTimerLocked(true)
	c.setStateLocked(StateObserving, reason)
}

func (c *Controller) armIdleTimerLocked(force bool) {
	// Output can arrive at PTY-read granularity; re-arming on every
	// signal would churn timers. One re-arm per second is enough
	// resolution against an idleTimeout measured in tens of seconds.
	now := c.now()
	if !force && !c.lastIdleArm.IsZero() && now.Sub(c.lastIdleArm) < time.Second {
		return
	}
	c.lastIdleArm = now
	c.gen++
	gen := c.gen
	d := c.cfg.IdleTimeout
	time.AfterFunc(d, func() {
		c.deliver(message{kind: "timer", timer: "idle", gen: gen})
	})
}

func (c *Controller) enterSuspectedIdleLocked() {
	c.entryTokens = c.sess.TokenCount()
	c.entryTail = c.sess.OutputTail(tailProbeBytes)
	c.gen++
	gen := c.gen
	d := c.cfg.CompletionConfirm
	time.AfterFunc(d, func() {
		c.deliver(message{kind: "timer", timer: "confirm", gen: gen})
	})
	c.setStateLocked(StateSuspectedIdle, "quiescent")
}

func (c *Controller) enterAICheckingLocked() {
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AIIdleCheckTimeout)
	c.aiCancel = cancel
	c.stats.AICalls++
	window := c.sess.OutputTail(tailProbeBytes)
	c.setStateLocked(StateAIChecking, "arbitrating")

	go func() {
		defer cancel()
		result, err := c.checker.Check(ctx, window)
		c.deliver(message{kind: "verdict", gen: gen, verdict: result, err: err})
	}()
}

func (c *Controller) enterInjectingLocked() {
	if c.breaker.State() == BreakerOpen {
		c.setStateLocked(StateBroken, "circuit-open")
		c.emit("respawn:blocked", map[string]any{
			"sessionId": c.sessionID,
			"breaker":   c.breaker.Snapshot(),
		})
		return
	}
	if c.cfg.MaxCycles > 0 && c.stats.Cycles >= c.cfg.MaxCycles {
		c.enabled = false
		c.setStateLocked(StateDormant, "max-cycles")
		return
	}

	c.state = StateInjecting
	prompt := c.nextPromptLocked()
	if c.cycleProgress {
		c.stats.CyclesWithProgress++
	}
	c.cycleProgress = false
	c.stats.Cycles++
	cycles := c.stats.Cycles
	c.gen++
	c.mu.Unlock()

	c.emit("respawn:stateChanged", c.stateEvent(StateInjecting, "injecting"))

	// The session's write path performs the literal-text / delay /
	// Enter decomposition.
	err := c.sess.WriteViaMux(prompt)

	c.mu.Lock()
	if err != nil {
		if errors.Is(err, mux.ErrSessionGone) {
			c.setStateLocked(StateBroken, "session_gone")
			c.emit("respawn:blocked", map[string]any{
				"sessionId": c.sessionID,
				"reason":    "session_gone",
			})
			return
		}
		logrus.Warnf("respawn[%s]: injection failed: %v", c.sessionID, err)
		c.enterCooldownLocked("injection-error")
		return
	}
	if c.tracker != nil {
		c.tracker.BeginCycle()
	}
	c.enterObservingLocked("cycle-started")
	c.emit("respawn:cycleStarted", map[string]any{
		"sessionId": c.sessionID,
		"cycle":     cycles,
		"prompt":    prompt,
	})
}

func (c *Controller) nextPromptLocked() string {
	if c.cfg.Mode == ModeRalphTodo && c.tracker != nil {
		c.mu.Unlock()
		snap := c.tracker.Snapshot()
		c.mu.Lock()
		for _, todo := range snap.Todos {
			if todo.Status != ralph.TodoCompleted {
				return "Work on this task next: " + todo.Content
			}
		}
	}
	if c.cfg.Prompt != "" {
		return c.cfg.Prompt
	}
	return "continue"
}

func (c *Controller) enterCooldownLocked(reason string) {
	c.enterCooldownForLocked(reason, c.cfg.Cooldown)
}

func (c *Controller) enterCooldownForLocked(reason string, d time.Duration) {
	c.gen++
	gen := c.gen
	time.AfterFunc(d, func() {
		c.deliver(message{kind: "timer", timer: "cooldown", gen: gen})
	})
	c.setStateLocked(StateCoolingDown, reason)
}

// setStateLocked transitions, releases the lock, and emits the change.
func (c *Controller) setStateLocked(next State, reason string) {
	prev := c.state
	c.state = next
	c.mu.Unlock()
	if prev != next {
		c.emit("respawn:stateChanged", c.stateEvent(next, reason))
	}
}

func (c *Controller) stateEvent(s State, reason string) map[string]any {
	return map[string]any{
		"sessionId": c.sessionID,
		"state":     s,
		"reason":    reason,
	}
}

// State returns the current machine state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UpdateConfig replaces the controller configuration.
func (c *Controller) UpdateConfig(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

// Config returns the active configuration.
func (c *Controller) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Breaker exposes the circuit breaker.
func (c *Controller) Breaker() *Breaker { return c.breaker }

// Snapshot returns the externally visible controller state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		SessionID:            c.sessionID,
		State:                c.state,
		Enabled:              c.enabled,
		Cycles:               c.stats.Cycles,
		CompletionIndicators: c.completionIndicators,
		Breaker:              c.breaker.Snapshot(),
		Stats:                c.stats,
		Health:               c.healthLocked(),
		Config:               c.cfg,
	}
}
