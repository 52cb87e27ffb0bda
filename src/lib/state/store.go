// Package state persists the supervisor's snapshot as a single JSON
// document, debounced so persistence never blocks the supervision path.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// debounceDelay is how long writes coalesce before hitting disk.
const debounceDelay = 500 * time.Millisecond

// SessionSnapshot is the flattened persisted view of one session. It
// holds no live references.
type SessionSnapshot struct {
	ID            string         `json:"id"`
	Name          string         `json:"name,omitempty"`
	WorkingDir    string         `json:"workingDir"`
	GitBranch     string         `json:"gitBranch,omitempty"`
	Status        string         `json:"status"`
	MuxName       string         `json:"muxName"`
	CreatedAt     time.Time      `json:"createdAt"`
	LastActivity  time.Time      `json:"lastActivityAt"`
	InputTokens   int64          `json:"inputTokens"`
	OutputTokens  int64          `json:"outputTokens"`
	CostUSD       float64        `json:"costUsd"`
	TaskID        string         `json:"taskId,omitempty"`
	RespawnConfig map[string]any `json:"respawnConfig,omitempty"`
}

// TaskSnapshot is the persisted view of one scheduled run.
type TaskSnapshot struct {
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

// LoopSnapshot is the persisted view of one session's ralph loop state.
type LoopSnapshot struct {
	Enabled          bool     `json:"enabled"`
	Active           bool     `json:"active"`
	Cycle            int      `json:"cycle"`
	MaxIterations    int      `json:"maxIterations,omitempty"`
	CompletionPhrase string   `json:"completionPhrase,omitempty"`
	AltPhrases       []string `json:"altPhrases,omitempty"`
}

// Document is the full persisted state. Top-level keys are contractual.
type Document struct {
	Sessions  map[string]SessionSnapshot `json:"sessions"`
	Tasks     []TaskSnapshot             `json:"tasks"`
	RalphLoop map[string]LoopSnapshot    `json:"ralphLoop"`
	Config    map[string]any             `json:"config"`
}

func emptyDocument() Document {
	return Document{
		Sessions:  make(map[string]SessionSnapshot),
		RalphLoop: make(map[string]LoopSnapshot),
		Config:    make(map[string]any),
	}
}

// Store owns the document and its debounced persistence.
type Store struct {
	path string

	mu    sync.Mutex
	doc   Document
	dirty bool
	timer *time.Timer

	writeMu sync.Mutex // serializes the actual rename
}

// NewStore creates a store persisting to path. The file is created on
// the first write.
func NewStore(path string) *Store {
	return &Store{path: path, doc: emptyDocument()}
}

// Load reads the document from disk. A missing file yields an empty
// document; a corrupt file is surfaced as an error and left untouched.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read state: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse state: %w", err)
	}
	if doc.Sessions == nil {
		doc.Sessions = make(map[string]SessionSnapshot)
	}
	if doc.RalphLoop == nil {
		doc.RalphLoop = make(map[string]LoopSnapshot)
	}
	if doc.Config == nil {
		doc.Config = make(map[string]any)
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

// Update applies fn to the document under the lock and schedules a
// debounced persist.
func (s *Store) Update(fn func(doc *Document)) {
	s.mu.Lock()
	fn(&s.doc)
	s.dirty = true
	if s.timer == nil {
		s.timer = time.AfterFunc(debounceDelay, s.persistDebounced)
	}
	s.mu.Unlock()
}

// Snapshot returns a deep-enough copy of the document for read-only use.
func (s *Store) Snapshot() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Document{
		Sessions:  make(map[string]SessionSnapshot, len(s.doc.Sessions)),
		Tasks:     append([]TaskSnapshot(nil), s.doc.Tasks...),
		RalphLoop: make(map[string]LoopSnapshot, len(s.doc.RalphLoop)),
		Config:    make(map[string]any, len(s.doc.Config)),
	}
	for k, v := range s.doc.Sessions {
		out.Sessions[k] = v
	}
	for k, v := range s.doc.RalphLoop {
		out.RalphLoop[k] = v
	}
	for k, v := range s.doc.Config {
		out.Config[k] = v
	}
	return out
}

// Session returns the persisted snapshot for a session id.
func (s *Store) Session(id string) (SessionSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.doc.Sessions[id]
	return snap, ok
}

func (s *Store) persistDebounced() {
	s.mu.Lock()
	s.timer = nil
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	s.dirty = false
	doc := s.doc
	s.mu.Unlock()

	if err := s.write(doc); err != nil {
		logrus.Warnf("state: persist failed, will retry on next write: %v", err)
		s.mu.Lock()
		s.dirty = true
		if s.timer == nil {
			s.timer = time.AfterFunc(debounceDelay, s.persistDebounced)
		}
		s.mu.Unlock()
	}
}

// Flush writes any pending state immediately. Used on shutdown.
func (s *Store) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.dirty = false
	doc := s.doc
	s.mu.Unlock()
	return s.write(doc)
}

// write performs the atomic temp-file + rename.
func (s *Store) write(doc Document) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}
