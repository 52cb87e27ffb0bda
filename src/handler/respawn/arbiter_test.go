package respawn

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func testArbiter(invoke func(ctx context.Context, command, prompt string) (string, error)) (*Arbiter, *eventLog) {
	log := &eventLog{}
	a := NewArbiter(ArbiterConfig{
		Command:              "claude",
		WorkingCooldown:      50 * time.Millisecond,
		ErrorCooldown:        50 * time.Millisecond,
		MaxConsecutiveErrors: 3,
	}, log.emit)
	a.invoke = invoke
	return a, log
}

func TestParseVerdict(t *testing.T) {
	cases := []struct {
		output string
		want   Verdict
	}{
		{"IDLE", VerdictIdle},
		{"idle\nthe prompt is visible", VerdictIdle},
		{"WORKING\nstill compiling", VerdictWorking},
		{"The agent is WORKING on tests", VerdictWorking},
		{"ERROR", VerdictError},
		{"no clue what this is", VerdictError},
	}
	for _, tc := range cases {
		if got, _ := parseVerdict(tc.output); got != tc.want {
			t.Errorf("parseVerdict(%q) = %s, want %s", tc.output, got, tc.want)
		}
	}
}

func TestCheckReturnsVerdict(t *testing.T) {
	a, _ := testArbiter(func(ctx context.Context, command, prompt string) (string, error) {
		return "IDLE\nprompt glyph visible", nil
	})

	res, err := a.Check(context.Background(), []byte("❯ "))
	if err != nil {
		t.Fatal(err)
	}
	if res.Verdict != VerdictIdle || res.Reasoning != "prompt glyph visible" {
		t.Errorf("result = %+v", res)
	}
}

func TestWorkingVerdictStartsCooldown(t *testing.T) {
	a, _ := testArbiter(func(ctx context.Context, command, prompt string) (string, error) {
		return "WORKING", nil
	})

	if _, err := a.Check(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Check(context.Background(), nil); !errors.Is(err, ErrOnCooldown) {
		t.Errorf("second check during cooldown: err = %v", err)
	}

	time.Sleep(70 * time.Millisecond)
	if _, err := a.Check(context.Background(), nil); err != nil {
		t.Errorf("check after cooldown expiry failed: %v", err)
	}
}

func TestConcurrentChecksRejected(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	a, _ := testArbiter(func(ctx context.Context, command, prompt string) (string, error) {
		close(started)
		<-release
		return "IDLE", nil
	})

	go a.Check(context.Background(), nil)
	<-started

	if _, err := a.Check(context.Background(), nil); !errors.Is(err, ErrAlreadyChecking) {
		t.Errorf("concurrent check: err = %v", err)
	}
	close(release)
}

func TestDisablesAfterConsecutiveErrors(t *testing.T) {
	a, log := testArbiter(func(ctx context.Context, command, prompt string) (string, error) {
		return "", fmt.Errorf("model unavailable")
	})

	for i := 0; i < 3; i++ {
		a.Check(context.Background(), nil)
	}
	if a.Enabled() {
		t.Error("arbiter should disable after 3 consecutive errors")
	}
	if log.count("respawn:arbiterDisabled") != 1 {
		t.Errorf("disabled event emitted %d times", log.count("respawn:arbiterDisabled"))
	}
	if _, err := a.Check(context.Background(), nil); !errors.Is(err, ErrDisabled) {
		t.Errorf("disabled arbiter accepted a check: %v", err)
	}
}

func TestCancelledCheckHasNoSideEffects(t *testing.T) {
	a, _ := testArbiter(func(ctx context.Context, command, prompt string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := a.Check(ctx, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	// No cooldown, no error accounting, still enabled.
	if !a.Enabled() {
		t.Error("cancellation counted as an error")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.consecErrors != 0 {
		t.Errorf("cancellation bumped the error counter to %d", a.consecErrors)
	}
	if !a.cooldownUntil.IsZero() {
		t.Error("cancellation started a cooldown")
	}
}
