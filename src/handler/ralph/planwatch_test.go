package ralph

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParsePlan(t *testing.T) {
	todos := ParsePlan("# Plan\n\n- [ ] build the adapter layer\n- [x] write the design document\n- [~] wire the event fanout\nnot a task line\n")

	if len(todos) != 3 {
		t.Fatalf("expected 3 todos, got %d", len(todos))
	}
	wantStatus := []TodoStatus{TodoPending, TodoCompleted, TodoInProgress}
	for i, todo := range todos {
		if todo.Status != wantStatus[i] {
			t.Errorf("todo %d status = %s, want %s", i, todo.Status, wantStatus[i])
		}
	}
}

func TestPlanWatcherPicksUpFile(t *testing.T) {
	dir := t.TempDir()
	r := &recorder{}
	tr := New(r.emit)
	tr.Enable()

	pw := WatchPlan(tr, dir)
	if pw == nil {
		t.Skip("fsnotify unavailable in this environment")
	}
	defer pw.Close()

	plan := filepath.Join(dir, PlanFileName)
	if err := os.WriteFile(plan, []byte("- [ ] first planned task\n- [ ] second planned task\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(tr.Snapshot().Todos) == 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := len(tr.Snapshot().Todos); got != 2 {
		t.Fatalf("plan todos not picked up: %d", got)
	}

	// While the plan is authoritative, output-based detection is
	// suppressed.
	tr.Feed([]byte("- [ ] output-derived task to ignore\n"))
	if got := len(tr.Snapshot().Todos); got != 2 {
		t.Errorf("output detection not suppressed: %d todos", got)
	}

	// Removing the plan restores output-based detection.
	if err := os.Remove(plan); err != nil {
		t.Fatal(err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tr.mu.Lock()
		authoritative := tr.planAuthoritative
		tr.mu.Unlock()
		if !authoritative {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	tr.Feed([]byte("- [ ] output-derived task now counted\n"))
	if got := len(tr.Snapshot().Todos); got != 3 {
		t.Errorf("output detection not restored: %d todos", got)
	}
}
