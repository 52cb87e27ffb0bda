// Package events is the fanout plane: it batches raw terminal output per
// session, frames batches as synchronized updates, and broadcasts typed
// events to SSE clients with per-client backpressure handling.
package events

import (
	"encoding/base64"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// BeginSync and EndSync are the DEC private mode 2026 markers
	// wrapping each flushed terminal batch. Receivers that understand
	// them render the batch atomically; others pass them through.
	BeginSync = "\x1b[?2026h"
	EndSync   = "\x1b[?2026l"

	// clientChanSize is the per-client event queue. A full queue marks
	// the client as backpressured.
	clientChanSize = 64

	// flushThreshold forces an immediate flush regardless of the
	// batching window.
	flushThreshold = 32 * 1024
)

// batchIntervals are the adaptive coalescing windows. Tight inter-event
// spacing selects a longer window so bursts coalesce; sparse output
// flushes quickly.
var batchIntervals = [3]time.Duration{16 * time.Millisecond, 32 * time.Millisecond, 50 * time.Millisecond}

// Event is one record pushed to clients.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// TerminalPayload carries one batched terminal frame.
type TerminalPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"` // base64 of the framed bytes
}

// RefreshPayload tells a previously backpressured client to refetch the
// authoritative snapshot.
type RefreshPayload struct {
	SessionID string `json:"sessionId,omitempty"`
	Reason    string `json:"reason"`
}

// Client is one connected event-stream consumer.
type Client struct {
	ID string
	ch chan Event

	mu        sync.Mutex
	pressured bool
	closed    bool
}

// Events returns the client's receive channel. Closed when the client is
// unsubscribed or the broker shuts down.
func (c *Client) Events() <-chan Event {
	return c.ch
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// offer enqueues ev without blocking. Returns false when the client's
// queue is full.
func (c *Client) offer(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.ch <- ev:
		return true
	default:
		return false
	}
}

type batch struct {
	pending    []byte
	lastAppend time.Time
	interval   time.Duration
	timerSet   bool
}

type cacheEntry struct {
	data    any
	storedAt time.Time
}

// Broker owns the client set, the per-session batchers, and the snapshot
// cache. A single process-wide instance is wired through the supervisor.
type Broker struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	closed  bool

	batchMu sync.Mutex
	batches map[string]*batch

	cacheMu  sync.Mutex
	cache    map[string]cacheEntry
	cacheTTL time.Duration

	now func() time.Time // injected in tests
}

// NewBroker creates an empty broker with a 1 s snapshot cache TTL.
func NewBroker() *Broker {
	return &Broker{
		clients:  make(map[*Client]struct{}),
		batches:  make(map[string]*batch),
		cache:    make(map[string]cacheEntry),
		cacheTTL: time.Second,
		now:      time.Now,
	}
}

// Subscribe registers a new client.
func (b *Broker) Subscribe(id string) *Client {
	c := &Client{ID: id, ch: make(chan Event, clientChanSize)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		c.close()
		return c
	}
	b.clients[c] = struct{}{}
	return c
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(c *Client) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
	c.close()
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Publish broadcasts an event to all clients, best-effort. A client whose
// queue is full is skipped and flagged; on the next drain it receives a
// session:needsRefresh directive and resumes with the following event.
func (b *Broker) Publish(name string, data any) {
	b.invalidateFor(name)

	b.mu.RLock()
	defer b.mu.RUnlock()

	ev := Event{Name: name, Data: data}
	for c := range b.clients {
		c.mu.Lock()
		pressured := c.pressured
		c.mu.Unlock()

		if pressured {
			// Recovery path: hand the client a refresh directive
			// instead of this event; streaming resumes next cycle.
			if c.offer(Event{Name: "session:needsRefresh", Data: RefreshPayload{Reason: "backpressure"}}) {
				c.mu.Lock()
				c.pressured = false
				c.mu.Unlock()
			}
			continue
		}
		if !c.offer(ev) {
			c.mu.Lock()
			c.pressured = true
			c.mu.Unlock()
			logrus.Debugf("events: client %s backpressured, skipping %s", c.ID, name)
		}
	}
}

// AppendTerminal adds raw terminal bytes to the session's batch. The
// batch is flushed after an adaptive window, or immediately once it
// exceeds the flush threshold.
func (b *Broker) AppendTerminal(sessionID string, data []byte) {
	if len(data) == 0 {
		return
	}
	b.batchMu.Lock()
	bt, ok := b.batches[sessionID]
	now := b.now()
	if !ok {
		bt = &batch{interval: batchIntervals[0]}
		b.batches[sessionID] = bt
	} else {
		bt.interval = intervalFor(now.Sub(bt.lastAppend))
	}
	bt.lastAppend = now
	bt.pending = append(bt.pending, data...)

	if len(bt.pending) >= flushThreshold {
		pending := bt.pending
		bt.pending = nil
		b.batchMu.Unlock()
		b.publishTerminal(sessionID, pending)
		return
	}

	if !bt.timerSet {
		bt.timerSet = true
		interval := bt.interval
		b.batchMu.Unlock()
		time.AfterFunc(interval, func() { b.flushBatch(sessionID) })
		return
	}
	b.batchMu.Unlock()
}

// FlushTerminal forces out any pending batch for the session. Required
// before cross-cutting reads and on session shutdown.
func (b *Broker) FlushTerminal(sessionID string) {
	b.batchMu.Lock()
	bt, ok := b.batches[sessionID]
	if !ok || len(bt.pending) == 0 {
		b.batchMu.Unlock()
		return
	}
	pending := bt.pending
	bt.pending = nil
	bt.timerSet = false
	b.batchMu.Unlock()
	b.publishTerminal(sessionID, pending)
}

// DropSession discards batching state for a destroyed session.
func (b *Broker) DropSession(sessionID string) {
	b.batchMu.Lock()
	delete(b.batches, sessionID)
	b.batchMu.Unlock()
}

func (b *Broker) flushBatch(sessionID string) {
	b.batchMu.Lock()
	bt, ok := b.batches[sessionID]
	if !ok {
		b.batchMu.Unlock()
		return
	}
	bt.timerSet = false
	if len(bt.pending) == 0 {
		// A threshold flush already emptied this batch.
		b.batchMu.Unlock()
		return
	}
	pending := bt.pending
	bt.pending = nil
	b.batchMu.Unlock()
	b.publishTerminal(sessionID, pending)
}

func (b *Broker) publishTerminal(sessionID string, data []byte) {
	framed := make([]byte, 0, len(data)+len(BeginSync)+len(EndSync))
	framed = append(framed, BeginSync...)
	framed = append(framed, data...)
	framed = append(framed, EndSync...)
	b.Publish("session:terminal", TerminalPayload{
		SessionID: sessionID,
		Data:      base64.StdEncoding.EncodeToString(framed),
	})
}

// intervalFor maps inter-event spacing to a coalescing window: the
// tighter the spacing, the longer the window.
func intervalFor(spacing time.Duration) time.Duration {
	switch {
	case spacing < 10*time.Millisecond:
		return batchIntervals[2]
	case spacing < 30*time.Millisecond:
		return batchIntervals[1]
	default:
		return batchIntervals[0]
	}
}

// Cached serves a snapshot shape from the 1 s cache, filling it on miss.
// Any session:* or respawn:* publish invalidates the whole cache.
func (b *Broker) Cached(key string, fill func() (any, error)) (any, error) {
	b.cacheMu.Lock()
	if e, ok := b.cache[key]; ok && b.now().Sub(e.storedAt) < b.cacheTTL {
		b.cacheMu.Unlock()
		return e.data, nil
	}
	b.cacheMu.Unlock()

	data, err := fill()
	if err != nil {
		return nil, err
	}
	b.cacheMu.Lock()
	b.cache[key] = cacheEntry{data: data, storedAt: b.now()}
	b.cacheMu.Unlock()
	return data, nil
}

// invalidateFor drops cached snapshots when an event in an invalidating
// namespace is published. This is deliberately a prefix match: event
// names like "session:terminal" and "respawn:stateChanged" must all
// invalidate, not just the bare prefixes.
func (b *Broker) invalidateFor(name string) {
	if !strings.HasPrefix(name, "session:") && !strings.HasPrefix(name, "respawn:") {
		return
	}
	b.cacheMu.Lock()
	for k := range b.cache {
		delete(b.cache, k)
	}
	b.cacheMu.Unlock()
}

// Close shuts the broker down, closing every client channel.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for c := range b.clients {
		c.close()
		delete(b.clients, c)
	}
}
