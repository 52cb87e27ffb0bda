// Package cleanup centralizes disposal of timers, tickers, watchers and
// child processes owned by a component. Components register resources as
// they create them; Dispose tears everything down exactly once.
package cleanup

import (
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Manager tracks disposable resources for one owning component.
type Manager struct {
	mu       sync.Mutex
	disposed bool
	nextID   uint64
	timers   map[uint64]*time.Timer
	tickers  map[uint64]*time.Ticker
	closers  map[uint64]io.Closer
	funcs    map[uint64]func()
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{
		timers:  make(map[uint64]*time.Timer),
		tickers: make(map[uint64]*time.Ticker),
		closers: make(map[uint64]io.Closer),
		funcs:   make(map[uint64]func()),
	}
}

func (m *Manager) id() uint64 {
	m.nextID++
	return m.nextID
}

// AfterFunc schedules fn after d and registers the timer. If the manager
// is already disposed, fn never runs. The returned id can be passed to
// Cancel.
func (m *Manager) AfterFunc(d time.Duration, fn func()) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return 0
	}
	id := m.id()
	m.timers[id] = time.AfterFunc(d, func() {
		m.mu.Lock()
		delete(m.timers, id)
		m.mu.Unlock()
		fn()
	})
	return id
}

// Cancel stops and removes a timer previously returned by AfterFunc.
// Returns true if the timer was still pending.
func (m *Manager) Cancel(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[id]
	if !ok {
		return false
	}
	delete(m.timers, id)
	return t.Stop()
}

// AddTicker registers a ticker to be stopped on disposal.
func (m *Manager) AddTicker(t *time.Ticker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		t.Stop()
		return
	}
	m.tickers[m.id()] = t
}

// AddCloser registers anything with a Close method (watchers, files,
// connections) to be closed on disposal.
func (m *Manager) AddCloser(c io.Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		_ = c.Close()
		return
	}
	m.closers[m.id()] = c
}

// AddFunc registers an arbitrary cleanup function run on disposal.
func (m *Manager) AddFunc(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		fn()
		return
	}
	m.funcs[m.id()] = fn
}

// Disposed reports whether Dispose has run.
func (m *Manager) Disposed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disposed
}

// Dispose stops all registered resources. Idempotent; safe to call from
// any goroutine. Cleanup functions run outside the lock so they may
// re-enter the manager.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	timers := m.timers
	tickers := m.tickers
	closers := m.closers
	funcs := m.funcs
	m.timers, m.tickers, m.closers, m.funcs = nil, nil, nil, nil
	m.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	for _, t := range tickers {
		t.Stop()
	}
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logrus.Debugf("cleanup: close failed: %v", err)
		}
	}
	for _, fn := range funcs {
		fn()
	}
}
