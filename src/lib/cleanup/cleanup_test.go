package cleanup

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestAfterFuncRunsAndUnregisters(t *testing.T) {
	m := New()
	done := make(chan struct{})
	id := m.AfterFunc(5*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	// The timer removes itself before fn runs, so Cancel finds nothing.
	if m.Cancel(id) {
		t.Error("fired timer is still registered")
	}
}

func TestCancelPendingTimer(t *testing.T) {
	m := New()
	var fired atomic.Bool
	id := m.AfterFunc(50*time.Millisecond, func() { fired.Store(true) })

	if !m.Cancel(id) {
		t.Fatal("Cancel should report the timer as pending")
	}
	time.Sleep(80 * time.Millisecond)
	if fired.Load() {
		t.Error("cancelled timer fired anyway")
	}
}

func TestDisposeStopsEverything(t *testing.T) {
	m := New()
	var fired atomic.Bool
	m.AfterFunc(50*time.Millisecond, func() { fired.Store(true) })
	tick := time.NewTicker(10 * time.Millisecond)
	m.AddTicker(tick)
	var fnRan atomic.Bool
	m.AddFunc(func() { fnRan.Store(true) })

	m.Dispose()

	if !m.Disposed() {
		t.Error("Disposed() should be true")
	}
	if !fnRan.Load() {
		t.Error("cleanup func did not run")
	}
	time.Sleep(80 * time.Millisecond)
	if fired.Load() {
		t.Error("timer fired after dispose")
	}
}

func TestDisposeIsIdempotent(t *testing.T) {
	m := New()
	var runs atomic.Int32
	m.AddFunc(func() { runs.Add(1) })

	m.Dispose()
	m.Dispose()

	if runs.Load() != 1 {
		t.Errorf("cleanup func ran %d times", runs.Load())
	}
}

func TestRegisterAfterDisposeRunsImmediately(t *testing.T) {
	m := New()
	m.Dispose()

	var ran atomic.Bool
	m.AddFunc(func() { ran.Store(true) })
	if !ran.Load() {
		t.Error("func registered after dispose should run immediately")
	}
	if id := m.AfterFunc(time.Millisecond, func() { t.Error("timer after dispose must not fire") }); id != 0 {
		t.Error("AfterFunc after dispose should return 0")
	}
	time.Sleep(20 * time.Millisecond)
}
