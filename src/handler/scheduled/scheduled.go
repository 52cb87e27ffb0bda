// Package scheduled binds sessions to wall-clock deadlines: a run kicks
// a session off with a prompt and stops it when the deadline passes.
package scheduled

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/codemanhq/codeman/src/handler/respawn"
	"github.com/codemanhq/codeman/src/handler/session"
	"github.com/codemanhq/codeman/src/lib/cleanup"
	"github.com/codemanhq/codeman/src/lib/events"
	"github.com/codemanhq/codeman/src/lib/state"
)

// ErrNotFound is returned for unknown run ids.
var ErrNotFound = errors.New("scheduled run not found")

// kickoffDelay gives the agent CLI time to finish booting inside the
// multiplexer before the first prompt is typed.
const kickoffDelay = 3 * time.Second

// Run is one wall-clock-bounded session assignment.
type Run struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	Prompt     string    `json:"prompt"`
	WorkingDir string    `json:"workingDir"`
	Deadline   time.Time `json:"deadline"`
	TaskCount  int       `json:"taskCount"`
	CostUSD    float64   `json:"costUsd"`
	Stopped    bool      `json:"stopped"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Manager owns all scheduled runs.
type Manager struct {
	sessions *session.Manager
	store    *state.Store
	broker   *events.Broker
	clean    *cleanup.Manager

	mu   sync.Mutex
	runs map[string]*Run
}

// NewManager creates an empty scheduled-run manager.
func NewManager(sessions *session.Manager, store *state.Store, broker *events.Broker) *Manager {
	return &Manager{
		sessions: sessions,
		store:    store,
		broker:   broker,
		clean:    cleanup.New(),
		runs:     make(map[string]*Run),
	}
}

// Create starts a new session, types the prompt once the agent is up,
// and schedules the stop at the deadline.
func (m *Manager) Create(prompt, workingDir string, durationMinutes int) (*Run, error) {
	if durationMinutes <= 0 || durationMinutes > 7*24*60 {
		return nil, fmt.Errorf("durationMinutes %d out of range", durationMinutes)
	}

	entry, err := m.sessions.Create(session.CreateRequest{
		WorkingDir: workingDir,
		Mode:       respawn.ModePrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("create session for run: %w", err)
	}

	run := &Run{
		ID:         uuid.New().String(),
		SessionID:  entry.Session.ID,
		Prompt:     prompt,
		WorkingDir: workingDir,
		Deadline:   time.Now().Add(time.Duration(durationMinutes) * time.Minute),
		CreatedAt:  time.Now(),
	}
	entry.Session.SetTaskID(run.ID)

	m.mu.Lock()
	m.runs[run.ID] = run
	m.mu.Unlock()

	m.clean.AfterFunc(kickoffDelay, func() {
		if err := entry.Session.WriteViaMux(prompt); err != nil {
			logrus.Warnf("scheduled[%s]: kickoff failed: %v", run.ID, err)
			return
		}
		entry.Controller.Start()
	})
	m.clean.AfterFunc(time.Until(run.Deadline), func() {
		m.expire(run.ID)
	})

	m.persist()
	m.broker.Publish("session:scheduledRunCreated", run)
	return run, nil
}

func (m *Manager) expire(id string) {
	m.mu.Lock()
	run, ok := m.runs[id]
	if !ok || run.Stopped {
		m.mu.Unlock()
		return
	}
	run.Stopped = true
	m.mu.Unlock()

	logrus.Infof("scheduled[%s]: deadline reached, stopping session %s", id, run.SessionID)
	if err := m.sessions.Stop(run.SessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
		logrus.Warnf("scheduled[%s]: stop session: %v", id, err)
	}
	m.persist()
	m.broker.Publish("session:scheduledRunEnded", map[string]any{"runId": id})
}

// Stop ends a run early. The underlying session is stopped but not
// deleted.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	run, ok := m.runs[id]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	m.expire(run.ID)
	return nil
}

// Get returns one run.
func (m *Manager) Get(id string) (Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return Run{}, false
	}
	out := *run
	m.refreshLocked(&out)
	return out, true
}

// List returns all runs.
func (m *Manager) List() []Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Run, 0, len(m.runs))
	for _, run := range m.runs {
		r := *run
		m.refreshLocked(&r)
		out = append(out, r)
	}
	return out
}

// refreshLocked pulls live task count and cost off the session.
func (m *Manager) refreshLocked(run *Run) {
	entry, ok := m.sessions.Get(run.SessionID)
	if !ok {
		return
	}
	run.CostUSD = entry.Session.Info().CostUSD
	run.TaskCount = entry.Controller.Snapshot().Cycles
}

// Restore reloads persisted runs; stale deadlines stop immediately.
func (m *Manager) Restore() {
	doc := m.store.Snapshot()
	for _, snap := range doc.Tasks {
		run := &Run{
			ID:         snap.ID,
			SessionID:  snap.SessionID,
			Prompt:     snap.Prompt,
			WorkingDir: snap.WorkingDir,
			Deadline:   snap.Deadline,
			TaskCount:  snap.TaskCount,
			CostUSD:    snap.CostUSD,
			Stopped:    snap.Stopped,
			CreatedAt:  snap.CreatedAt,
		}
		m.mu.Lock()
		m.runs[run.ID] = run
		m.mu.Unlock()

		if run.Stopped {
			continue
		}
		if remaining := time.Until(run.Deadline); remaining > 0 {
			id := run.ID
			m.clean.AfterFunc(remaining, func() { m.expire(id) })
		} else {
			m.expire(run.ID)
		}
	}
}

func (m *Manager) persist() {
	m.mu.Lock()
	tasks := make([]state.TaskSnapshot, 0, len(m.runs))
	for _, run := range m.runs {
		tasks = append(tasks, state.TaskSnapshot{
			ID:         run.ID,
			SessionID:  run.SessionID,
			Prompt:     run.Prompt,
			WorkingDir: run.WorkingDir,
			Deadline:   run.Deadline,
			TaskCount:  run.TaskCount,
			CostUSD:    run.CostUSD,
			Stopped:    run.Stopped,
			CreatedAt:  run.CreatedAt,
		})
	}
	m.mu.Unlock()
	m.store.Update(func(d *state.Document) {
		d.Tasks = tasks
	})
}

// Shutdown cancels all pending timers.
func (m *Manager) Shutdown() {
	m.clean.Dispose()
}
