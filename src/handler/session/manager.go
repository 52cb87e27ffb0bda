package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/codemanhq/codeman/src/handler/ralph"
	"github.com/codemanhq/codeman/src/handler/respawn"
	"github.com/codemanhq/codeman/src/lib/config"
	"github.com/codemanhq/codeman/src/lib/events"
	"github.com/codemanhq/codeman/src/lib/mux"
	"github.com/codemanhq/codeman/src/lib/state"
)

// ErrNotFound is returned for unknown session ids.
var ErrNotFound = errors.New("session not found")

// Entry bundles one session with its exclusively owned collaborators.
type Entry struct {
	Session    *Session
	Tracker    *ralph.Tracker
	Controller *respawn.Controller
	Arbiter    *respawn.Arbiter
	PlanWatch  *ralph.PlanWatcher
}

// Manager is the supervisor: it owns every session, discovers surviving
// multiplexer sessions at startup, and attaches the tracker/controller
// pair to each.
type Manager struct {
	cfg     config.Config
	backend mux.Backend
	broker  *events.Broker
	store   *state.Store

	mu      sync.Mutex
	entries map[string]*Entry
}

// NewManager creates an empty supervisor.
func NewManager(cfg config.Config, backend mux.Backend, broker *events.Broker, store *state.Store) *Manager {
	return &Manager{
		cfg:     cfg,
		backend: backend,
		broker:  broker,
		store:   store,
		entries: make(map[string]*Entry),
	}
}

// CreateRequest carries session creation parameters.
type CreateRequest struct {
	WorkingDir string
	Name       string
	Command    string // agent command; defaults to the configured one
	Mode       respawn.Mode
}

// Create spawns the agent inside a fresh multiplexer session and begins
// supervising it.
func (m *Manager) Create(req CreateRequest) (*Entry, error) {
	id := uuid.New().String()
	muxName := mux.SessionName(id)

	command := req.Command
	if command == "" {
		command = m.cfg.AgentCmd
	}
	if err := m.backend.Create(muxName, req.WorkingDir, command); err != nil {
		return nil, fmt.Errorf("create multiplexer session: %w", err)
	}

	entry, err := m.attach(id, req.Name, req.WorkingDir, req.Mode)
	if err != nil {
		_ = m.backend.Kill(muxName)
		return nil, err
	}
	m.broker.Publish("session:created", entry.Session.Info())
	return entry, nil
}

// attach builds the session + tracker + controller unit for an existing
// multiplexer session and registers it.
func (m *Manager) attach(id, name, workingDir string, mode respawn.Mode) (*Entry, error) {
	entry := &Entry{}

	trackerEmit := func(event string, data any) {
		m.broker.Publish("session:"+event, map[string]any{
			"sessionId": id,
			"data":      data,
		})
		if entry.Controller != nil {
			entry.Controller.OnTrackerEvent(event, data)
		}
	}
	entry.Tracker = ralph.New(trackerEmit)

	sess, err := Attach(Options{
		ID:         id,
		Name:       name,
		WorkingDir: workingDir,
		GitBranch:  resolveGitBranch(workingDir),
		Backend:    m.backend,
		Tracker:    entry.Tracker,
		Emit: func(event string, data any) {
			m.broker.Publish(event, data)
			if event == "session:statusChanged" {
				m.persist(id)
			}
		},
		Fanout: func(data []byte) {
			m.broker.AppendTerminal(id, data)
		},
		Signal: func(signal string) {
			if entry.Controller != nil {
				entry.Controller.OnSessionSignal(signal)
			}
		},
	})
	if err != nil {
		entry.Tracker.Close()
		return nil, err
	}
	entry.Session = sess

	entry.Arbiter = respawn.NewArbiter(respawn.ArbiterConfig{
		Command:         m.cfg.ArbiterCmd,
		WorkingCooldown: time.Duration(m.cfg.Respawn.AIIdleCheckCooldownMs) * time.Millisecond,
		ErrorCooldown:   time.Duration(m.cfg.Respawn.AIIdleCheckCooldownMs) * time.Millisecond,
	}, m.broker.Publish)

	entry.Controller = respawn.NewController(id, sess, entry.Tracker, entry.Arbiter,
		m.respawnConfig(mode), m.broker.Publish)

	entry.PlanWatch = ralph.WatchPlan(entry.Tracker, workingDir)

	m.mu.Lock()
	m.entries[id] = entry
	m.mu.Unlock()

	m.persist(id)
	return entry, nil
}

func (m *Manager) respawnConfig(mode respawn.Mode) respawn.Config {
	r := m.cfg.Respawn
	if mode == "" {
		mode = respawn.ModePrompt
	}
	return respawn.Config{
		IdleTimeout:         time.Duration(r.IdleTimeoutMs) * time.Millisecond,
		CompletionConfirm:   time.Duration(r.CompletionConfirmMs) * time.Millisecond,
		NoOutputTimeout:     time.Duration(r.NoOutputTimeoutMs) * time.Millisecond,
		Cooldown:            time.Duration(r.CooldownMs) * time.Millisecond,
		AIIdleCheck:         r.AIIdleCheck,
		AIIdleCheckTimeout:  time.Duration(r.AIIdleCheckTimeoutMs) * time.Millisecond,
		AIIdleCheckCooldown: time.Duration(r.AIIdleCheckCooldownMs) * time.Millisecond,
		Prompt:              r.Prompt,
		Mode:                mode,
		MaxCycles:           r.MaxCycles,
	}
}

// Discover adopts surviving multiplexer sessions referenced by the state
// document and kills orphans from previous runs.
func (m *Manager) Discover() {
	names, err := m.backend.List()
	if err != nil {
		logrus.Warnf("supervisor: list multiplexer sessions: %v", err)
		return
	}
	doc := m.store.Snapshot()

	for _, name := range names {
		if !mux.IsManaged(name) {
			continue
		}
		snap, ok := findByMuxName(doc, name)
		if !ok || snap.Status == string(StatusStopped) {
			logrus.Infof("supervisor: killing orphan multiplexer session %s", name)
			_ = m.backend.Kill(name)
			m.broker.Publish("mux:orphanKilled", map[string]any{"muxName": name})
			continue
		}
		logrus.Infof("supervisor: adopting surviving session %s (%s)", snap.ID, name)
		if _, err := m.attach(snap.ID, snap.Name, snap.WorkingDir, respawn.ModePrompt); err != nil {
			logrus.Warnf("supervisor: adopt %s failed: %v", snap.ID, err)
			continue
		}
		m.broker.Publish("session:adopted", map[string]any{"sessionId": snap.ID})
	}

	// Sessions in the document with no surviving multiplexer session
	// are flagged stopped so the next adoption pass ignores them.
	alive := make(map[string]bool, len(names))
	for _, n := range names {
		alive[n] = true
	}
	m.store.Update(func(d *state.Document) {
		for id, snap := range d.Sessions {
			if !alive[snap.MuxName] && snap.Status != string(StatusStopped) {
				snap.Status = string(StatusStopped)
				d.Sessions[id] = snap
			}
		}
	})
}

func findByMuxName(doc state.Document, muxName string) (state.SessionSnapshot, bool) {
	for _, snap := range doc.Sessions {
		if snap.MuxName == muxName {
			return snap, true
		}
	}
	return state.SessionSnapshot{}, false
}

// CapturePane reads the session's current multiplexer pane contents.
func (m *Manager) CapturePane(id string, lines int) ([]byte, error) {
	e, ok := m.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return m.backend.CapturePane(e.Session.MuxName, lines)
}

// Get returns the entry for a session id.
func (m *Manager) Get(id string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return e, ok
}

// List returns all session infos, newest first.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Session.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Stop stops a session's subprocess but keeps it addressable.
func (m *Manager) Stop(id string) error {
	e, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}
	e.Controller.Stop()
	e.Session.Stop()
	m.persist(id)
	return nil
}

// Delete stops and destroys a session, including its multiplexer
// session.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if ok {
		delete(m.entries, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	e.Controller.Close()
	e.Session.Stop()
	_ = e.PlanWatch.Close()
	e.Tracker.Close()
	_ = m.backend.Kill(e.Session.MuxName)
	m.broker.DropSession(id)

	m.store.Update(func(d *state.Document) {
		delete(d.Sessions, id)
		delete(d.RalphLoop, id)
	})
	m.broker.Publish("session:deleted", map[string]any{"sessionId": id})
	return nil
}

// persist flushes the session's flattened snapshot into the state store.
func (m *Manager) persist(id string) {
	e, ok := m.Get(id)
	if !ok {
		return
	}
	info := e.Session.Info()
	loop := e.Tracker.Snapshot().Loop

	m.store.Update(func(d *state.Document) {
		d.Sessions[id] = state.SessionSnapshot{
			ID:           id,
			Name:         info.Name,
			WorkingDir:   info.WorkingDir,
			GitBranch:    info.GitBranch,
			Status:       string(info.Status),
			MuxName:      info.MuxName,
			CreatedAt:    info.CreatedAt,
			LastActivity: info.LastActivity,
			InputTokens:  info.InputTokens,
			OutputTokens: info.OutputTokens,
			CostUSD:      info.CostUSD,
			TaskID:       info.TaskID,
		}
		d.RalphLoop[id] = state.LoopSnapshot{
			Enabled:          loop.Enabled,
			Active:           loop.Active,
			Cycle:            loop.Cycle,
			MaxIterations:    loop.MaxIterations,
			CompletionPhrase: loop.CompletionPhrase,
			AltPhrases:       loop.AltPhrases,
		}
	})
}

// Shutdown stops every session and flushes state.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	entries := make([]*Entry, 0, len(m.entries))
	ids := make([]string, 0, len(m.entries))
	for id, e := range m.entries {
		entries = append(entries, e)
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for i, e := range entries {
		e.Controller.Close()
		e.Session.Stop()
		_ = e.PlanWatch.Close()
		e.Tracker.Close()
		m.persist(ids[i])
	}
	if err := m.store.Flush(); err != nil {
		logrus.Warnf("supervisor: final state flush failed: %v", err)
	}
}

// resolveGitBranch reports the HEAD branch of the working directory's
// repository, if any.
func resolveGitBranch(dir string) string {
	repo, err := git.PlainOpenWithOptions(filepath.Clean(dir), &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	if head.Name().IsBranch() {
		return head.Name().Short()
	}
	return head.Hash().String()[:8]
}
