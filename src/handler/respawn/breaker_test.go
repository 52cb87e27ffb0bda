package respawn

import (
	"testing"

	"github.com/codemanhq/codeman/src/handler/ralph"
)

func noProgressBlock() ralph.StatusBlock {
	return ralph.StatusBlock{Status: ralph.StatusInProgress}
}

// S3: three no-progress cycles walk the breaker CLOSED -> HALF_OPEN ->
// OPEN, and a productive cycle closes it again.
func TestBreakerOpensOnNoProgress(t *testing.T) {
	var transitions []BreakerState
	b := NewBreaker(func(s BreakerSnapshot) { transitions = append(transitions, s.State) })

	if b.State() != BreakerClosed {
		t.Fatalf("initial state = %s", b.State())
	}

	b.RecordBlock(noProgressBlock())
	if b.State() != BreakerClosed {
		t.Errorf("after 1 no-progress block: %s", b.State())
	}
	b.RecordBlock(noProgressBlock())
	if b.State() != BreakerHalfOpen {
		t.Errorf("after 2 no-progress blocks: %s", b.State())
	}
	b.RecordBlock(noProgressBlock())
	if b.State() != BreakerOpen {
		t.Errorf("after 3 no-progress blocks: %s", b.State())
	}
	if snap := b.Snapshot(); snap.Reason != ReasonNoProgress {
		t.Errorf("reason = %s", snap.Reason)
	}

	b.RecordBlock(ralph.StatusBlock{
		Status:                 ralph.StatusInProgress,
		TasksCompletedThisLoop: 2,
		FilesModified:          1,
	})
	if b.State() != BreakerClosed {
		t.Errorf("progress should close the breaker: %s", b.State())
	}

	want := []BreakerState{BreakerHalfOpen, BreakerOpen, BreakerClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v", transitions)
	}
	for i, s := range want {
		if transitions[i] != s {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], s)
		}
	}
}

func TestBreakerOpensOnBlockedStatus(t *testing.T) {
	b := NewBreaker(nil)
	b.RecordBlock(ralph.StatusBlock{Status: ralph.StatusBlocked})

	snap := b.Snapshot()
	if snap.State != BreakerOpen || snap.Reason != ReasonBlockedStatus {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestBreakerOpensOnPersistentTestFailures(t *testing.T) {
	b := NewBreaker(nil)

	failing := ralph.StatusBlock{
		Status:        ralph.StatusInProgress,
		FilesModified: 1,
		Tests:         ralph.TestsFailing,
	}
	for i := 0; i < 4; i++ {
		b.RecordBlock(failing)
		// Modified files count as progress, so the breaker stays
		// closed while the failing streak builds.
		if b.State() != BreakerClosed {
			t.Fatalf("block %d: state = %s", i+1, b.State())
		}
	}
	b.RecordBlock(failing)
	snap := b.Snapshot()
	if snap.State != BreakerOpen || snap.Reason != ReasonTestsFailingTooLong {
		t.Errorf("after 5 failing blocks: %+v", snap)
	}
}

func TestBreakerFailingStreakResetsOnPassing(t *testing.T) {
	b := NewBreaker(nil)
	failing := ralph.StatusBlock{Status: ralph.StatusInProgress, FilesModified: 1, Tests: ralph.TestsFailing}

	for i := 0; i < 4; i++ {
		b.RecordBlock(failing)
	}
	b.RecordBlock(ralph.StatusBlock{Status: ralph.StatusInProgress, FilesModified: 1, Tests: ralph.TestsPassing})
	for i := 0; i < 4; i++ {
		b.RecordBlock(failing)
	}
	if b.State() != BreakerClosed {
		t.Errorf("streak should have reset on a passing block: %s", b.State())
	}
}

func TestBreakerManualReset(t *testing.T) {
	b := NewBreaker(nil)
	b.RecordBlock(ralph.StatusBlock{Status: ralph.StatusBlocked})
	if b.State() != BreakerOpen {
		t.Fatal("setup failed")
	}

	b.Reset()
	snap := b.Snapshot()
	if snap.State != BreakerClosed || snap.Reason != ReasonManualReset {
		t.Errorf("after reset: %+v", snap)
	}
	if snap.NoProgressCount != 0 || snap.TestsFailingCount != 0 {
		t.Errorf("counters not cleared: %+v", snap)
	}
}
