package respawn

import (
	"sync"
	"time"

	"github.com/codemanhq/codeman/src/handler/ralph"
)

// BreakerState is the circuit breaker position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
	BreakerOpen     BreakerState = "OPEN"
)

// Breaker open reasons.
const (
	ReasonNoProgress          = "no_progress"
	ReasonBlockedStatus       = "blocked_status"
	ReasonTestsFailingTooLong = "tests_failing_too_long"
	ReasonManualReset         = "manual_reset"
)

// BreakerSnapshot is the observable breaker state.
type BreakerSnapshot struct {
	State             BreakerState `json:"state"`
	Reason            string       `json:"reason,omitempty"`
	NoProgressCount   int          `json:"noProgressCount"`
	TestsFailingCount int          `json:"testsFailingCount"`
	LastTransition    time.Time    `json:"lastTransition"`
}

// Breaker is the safety interlock that halts respawning when the agent
// reports no progress or persistent failures.
type Breaker struct {
	mu sync.Mutex

	state        BreakerState
	reason       string
	noProgress   int
	testsFailing int
	transition   time.Time

	onChange func(BreakerSnapshot)
	now      func() time.Time
}

// NewBreaker creates a closed breaker. onChange fires on every state
// transition (not on counter-only updates).
func NewBreaker(onChange func(BreakerSnapshot)) *Breaker {
	return &Breaker{
		state:    BreakerClosed,
		onChange: onChange,
		now:      time.Now,
	}
}

// RecordBlock feeds one parsed status block into the breaker.
func (b *Breaker) RecordBlock(block ralph.StatusBlock) {
	b.mu.Lock()
	prev := b.state

	progress := block.TasksCompletedThisLoop > 0 || block.FilesModified > 0
	if progress {
		b.noProgress = 0
		b.state = BreakerClosed
		b.reason = ""
	} else {
		b.noProgress++
		switch {
		case b.noProgress >= 3:
			b.state = BreakerOpen
			b.reason = ReasonNoProgress
		case b.noProgress >= 2:
			if b.state == BreakerClosed {
				b.state = BreakerHalfOpen
			}
		}
	}

	if block.Status == ralph.StatusBlocked {
		b.state = BreakerOpen
		b.reason = ReasonBlockedStatus
	}

	if block.Tests == ralph.TestsFailing && block.FilesModified > 0 {
		b.testsFailing++
		if b.testsFailing >= 5 {
			b.state = BreakerOpen
			b.reason = ReasonTestsFailingTooLong
		}
	} else if block.Tests == ralph.TestsPassing || block.Tests == ralph.TestsNotRun {
		b.testsFailing = 0
	}

	b.finishLocked(prev)
}

// Reset returns the breaker to CLOSED via the manual API.
func (b *Breaker) Reset() {
	b.mu.Lock()
	prev := b.state
	b.state = BreakerClosed
	b.reason = ReasonManualReset
	b.noProgress = 0
	b.testsFailing = 0
	b.finishLocked(prev)
}

// finishLocked stamps the transition and fires the change hook outside
// the lock. Caller holds the lock; it is released here.
func (b *Breaker) finishLocked(prev BreakerState) {
	changed := b.state != prev
	if changed {
		b.transition = b.now()
	}
	snap := b.snapshotLocked()
	b.mu.Unlock()
	if changed && b.onChange != nil {
		b.onChange(snap)
	}
}

// State returns the current position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the observable breaker state.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Breaker) snapshotLocked() BreakerSnapshot {
	return BreakerSnapshot{
		State:             b.state,
		Reason:            b.reason,
		NoProgressCount:   b.noProgress,
		TestsFailingCount: b.testsFailing,
		LastTransition:    b.transition,
	}
}
