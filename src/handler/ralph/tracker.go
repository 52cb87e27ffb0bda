// Package ralph reconstructs a structured view of an agent's work from
// its raw terminal output: iteration counter, task list, completion
// signals and status blocks. The parser is streaming and tolerant of
// ANSI escapes, chunk boundaries, and intentional prompt echoes.
package ralph

import (
	"bytes"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/codemanhq/codeman/src/lib/ansiterm"
)

const (
	// maxLineBuffer caps the cross-chunk line accumulator; halved when
	// exceeded so a pathological stream cannot grow it unboundedly.
	maxLineBuffer = 256 * 1024

	// maxPartialTag caps the cross-chunk promise-tag fragment. A longer
	// fragment is discarded as a parse anomaly.
	maxPartialTag = 256

	// maxPhraseOccurrences bounds the completion-phrase occurrence map.
	maxPhraseOccurrences = 50

	// maxTaskNumbers bounds the task-number-to-content map.
	maxTaskNumbers = 100

	// defaultMaxTodos bounds the tracked todo set.
	defaultMaxTodos = 50

	// debounceInterval coalesces loopUpdate / todoUpdate emissions.
	debounceInterval = 50 * time.Millisecond

	// sweepInterval throttles expiry and map-trim passes.
	sweepInterval = 30 * time.Second

	// todoExpiry drops todos that have not been updated for this long.
	todoExpiry = time.Hour

	// stallAfter is how long an active loop may go without activity
	// before a stall warning is emitted.
	stallAfter = 2 * time.Minute
)

// EmitFunc receives tracker events. Emissions happen while the tracker
// lock is not held for debounced events; direct events (completion,
// status blocks) are emitted synchronously in Feed order.
type EmitFunc func(event string, data any)

// Loop is the tracked loop state.
type Loop struct {
	Enabled          bool      `json:"enabled"`
	Active           bool      `json:"active"`
	Cycle            int       `json:"cycle"`
	MaxIterations    int       `json:"maxIterations,omitempty"`
	CompletionPhrase string    `json:"completionPhrase,omitempty"`
	AltPhrases       []string  `json:"altPhrases,omitempty"`
	LastActivityAt   time.Time `json:"lastActivityAt"`
	Confidence       float64   `json:"confidence"`
}

// State is a point-in-time snapshot of the tracker.
type State struct {
	Enabled    bool       `json:"enabled"`
	Loop       Loop       `json:"loop"`
	Todos      []Todo     `json:"todos"`
	Cumulative Cumulative `json:"cumulative"`
}

// Option mutates tracker construction.
type Option func(*Tracker)

// WithAutoEnable controls whether the tracker arms itself on the first
// recognized pattern. Defaults to true.
func WithAutoEnable(on bool) Option {
	return func(t *Tracker) { t.autoEnable = on }
}

// WithMaxTodos overrides the tracked-todo cap.
func WithMaxTodos(n int) Option {
	return func(t *Tracker) { t.maxTodos = n }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker is the streaming parser for one session. Parser state,
// including the ANSI matcher, is never shared across sessions.
type Tracker struct {
	mu   sync.Mutex
	emit EmitFunc
	now  func() time.Time

	stripper   *ansiterm.Stripper
	enabled    bool
	autoEnable bool
	maxTodos   int

	loop Loop

	lineBuf    []byte
	partialTag []byte

	phraseOccur map[string]int
	taggedSeen  bool
	signaled    map[string]bool

	todos             map[uint64]*Todo
	taskByNumber      map[int]string
	planAuthoritative bool

	block      *pendingBlock
	cumulative Cumulative

	pendingLoop   bool
	pendingTodo   bool
	debounceTimer *time.Timer

	lastSweep     time.Time
	lastStallWarn time.Time
}

// New creates a disabled tracker emitting through emit.
func New(emit EmitFunc, opts ...Option) *Tracker {
	t := &Tracker{
		emit:         emit,
		now:          time.Now,
		stripper:     ansiterm.NewStripper(),
		autoEnable:   true,
		maxTodos:     defaultMaxTodos,
		phraseOccur:  make(map[string]int),
		signaled:     make(map[string]bool),
		todos:        make(map[uint64]*Todo),
		taskByNumber: make(map[int]string),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.emit == nil {
		t.emit = func(string, any) {}
	}
	return t
}

// enableSubstrings is the cheap substring gate run before the regex
// battery on disabled trackers.
var enableSubstrings = [][]byte{
	[]byte("<promise>"),
	[]byte("RALPH_STATUS"),
	[]byte("Iteration"),
	[]byte("iteration"),
	[]byte("Ralph"),
}

var enableBattery = []*regexp.Regexp{
	regexp.MustCompile(`<promise>[^<]`),
	regexp.MustCompile(`---RALPH_STATUS---`),
	regexp.MustCompile(`(?i)\b(?:iteration|loop|cycle)\s*#?\d+`),
}

// iterationPattern recognizes the loop counter in output.
var iterationPattern = regexp.MustCompile(`(?i)\b(?:iteration|loop|cycle)\s*#?(\d+)(?:\s*(?:/|of)\s*(\d+))?\b`)

// Feed consumes one chunk of raw terminal bytes. Events for this chunk
// are emitted before Feed returns (debounced events excepted).
func (t *Tracker) Feed(chunk []byte) {
	stripped := t.stripper.Strip(chunk)

	t.mu.Lock()
	var emissions []emission
	defer func() {
		t.mu.Unlock()
		for _, e := range emissions {
			t.emit(e.name, e.data)
		}
	}()

	justEnabled := false
	if !t.enabled {
		if !t.autoEnable || !t.shouldEnable(stripped) {
			return
		}
		t.enabled = true
		t.loop.Enabled = true
		justEnabled = true
		emissions = append(emissions, emission{"enabled", nil})
	}

	// Tag scanning sees the cross-chunk fragment plus the new bytes; a
	// fragment whose closer has not arrived is buffered again until it
	// grows past maxPartialTag, then dropped. On the enabling chunk the whole accumulated
	// prefix is scanned once, so a tag that arrived while disabled is
	// not lost. The line accumulator only ever receives each byte once.
	scanBuf := stripped
	if len(t.partialTag) > 0 {
		scanBuf = append(t.partialTag, scanBuf...)
		t.partialTag = nil
	}
	if justEnabled && len(t.lineBuf) > 0 {
		scanBuf = append(append([]byte{}, t.lineBuf...), scanBuf...)
	}
	emissions = append(emissions, t.scanPromiseTags(scanBuf)...)
	t.bufferPartialTag(scanBuf)

	prevActivity := t.loop.LastActivityAt

	// Line accumulation for everything line-oriented.
	t.lineBuf = append(t.lineBuf, stripped...)
	if len(t.lineBuf) > maxLineBuffer {
		t.lineBuf = append(t.lineBuf[:0:0], t.lineBuf[len(t.lineBuf)/2:]...)
	}
	for {
		idx := bytes.IndexByte(t.lineBuf, '\n')
		if idx < 0 {
			break
		}
		line := string(bytes.TrimRight(t.lineBuf[:idx], "\r"))
		t.lineBuf = t.lineBuf[idx+1:]
		emissions = append(emissions, t.processLine(line)...)
	}

	emissions = append(emissions, t.maybeWarnStall(prevActivity)...)
	t.maybeSweep()
	t.scheduleDebounceLocked()
}

type emission struct {
	name string
	data any
}

func (t *Tracker) shouldEnable(stripped []byte) bool {
	probe := stripped
	if len(t.lineBuf) > 0 {
		probe = append(append([]byte{}, t.lineBuf...), stripped...)
	}
	hit := false
	for _, s := range enableSubstrings {
		if bytes.Contains(probe, s) {
			hit = true
			break
		}
	}
	if hit {
		for _, re := range enableBattery {
			if re.Match(probe) {
				return true
			}
		}
	}
	// Keep a bounded tail so a pattern split across chunks still
	// enables on the next one.
	t.lineBuf = append(t.lineBuf, stripped...)
	if len(t.lineBuf) > maxLineBuffer {
		t.lineBuf = append(t.lineBuf[:0:0], t.lineBuf[len(t.lineBuf)/2:]...)
	}
	return false
}

// processLine runs the per-line detector chain.
func (t *Tracker) processLine(line string) []emission {
	var out []emission
	trimmed := trimSpaceASCII(line)
	if trimmed == "" {
		return nil
	}

	t.loop.LastActivityAt = t.now()

	if e := t.feedStatusBlock(trimmed); e != nil {
		return e
	}
	if t.block != nil {
		// Inside a status region every line belongs to the block.
		return nil
	}

	if m := iterationPattern.FindStringSubmatch(trimmed); m != nil && !isPromptContext(trimmed) {
		t.noteIteration(m)
		t.pendingLoop = true
	}

	out = append(out, t.scanBarePhrase(trimmed)...)

	if !t.planAuthoritative {
		if changed := t.detectTodoLine(trimmed); changed {
			t.pendingTodo = true
		}
	}

	out = append(out, t.checkAllComplete(trimmed)...)
	return out
}

func (t *Tracker) noteIteration(m []string) {
	cycle := atoiSafe(m[1])
	if cycle > t.loop.Cycle {
		t.loop.Cycle = cycle
	}
	if m[2] != "" {
		if max := atoiSafe(m[2]); max > 0 {
			t.loop.MaxIterations = max
		}
	}
	t.loop.Active = true
}

// maybeWarnStall emits at most one stall warning per stall window when
// output resumes after a long silent gap in an active loop. prev is the
// activity timestamp before this chunk was processed.
func (t *Tracker) maybeWarnStall(prev time.Time) []emission {
	if !t.loop.Active || prev.IsZero() {
		return nil
	}
	idle := t.now().Sub(prev)
	if idle < stallAfter || t.now().Sub(t.lastStallWarn) < stallAfter {
		return nil
	}
	t.lastStallWarn = t.now()
	return []emission{{"stallWarning", map[string]any{"idleMs": idle.Milliseconds()}}}
}

func (t *Tracker) maybeSweep() {
	now := t.now()
	if now.Sub(t.lastSweep) < sweepInterval {
		return
	}
	t.lastSweep = now

	for h, todo := range t.todos {
		if now.Sub(todo.UpdatedAt) >= todoExpiry {
			delete(t.todos, h)
			t.pendingTodo = true
		}
	}
	t.trimPhraseOccurrences()
	t.trimTaskNumbers()
}

// trimPhraseOccurrences evicts the least-seen phrases above the cap.
func (t *Tracker) trimPhraseOccurrences() {
	for len(t.phraseOccur) > maxPhraseOccurrences {
		minPhrase, minCount := "", int(^uint(0)>>1)
		for p, c := range t.phraseOccur {
			if c < minCount {
				minPhrase, minCount = p, c
			}
		}
		delete(t.phraseOccur, minPhrase)
	}
}

// trimTaskNumbers keeps the highest task numbers; older tasks have
// usually scrolled out of relevance.
func (t *Tracker) trimTaskNumbers() {
	for len(t.taskByNumber) > maxTaskNumbers {
		lowest := -1
		for n := range t.taskByNumber {
			if lowest == -1 || n < lowest {
				lowest = n
			}
		}
		delete(t.taskByNumber, lowest)
	}
}

// scheduleDebounceLocked arms the 50 ms debounce when updates are
// pending. Caller holds the lock.
func (t *Tracker) scheduleDebounceLocked() {
	if (!t.pendingLoop && !t.pendingTodo) || t.debounceTimer != nil {
		return
	}
	t.debounceTimer = time.AfterFunc(debounceInterval, t.flushDebounced)
}

func (t *Tracker) flushDebounced() {
	t.mu.Lock()
	t.debounceTimer = nil
	emissions := t.drainPendingLocked()
	t.mu.Unlock()
	for _, e := range emissions {
		t.emit(e.name, e.data)
	}
}

func (t *Tracker) drainPendingLocked() []emission {
	var out []emission
	if t.pendingLoop {
		t.pendingLoop = false
		out = append(out, emission{"loopUpdate", t.loopSnapshotLocked()})
	}
	if t.pendingTodo {
		t.pendingTodo = false
		out = append(out, emission{"todoUpdate", t.todosSnapshotLocked()})
	}
	return out
}

// FlushPendingEvents forces out debounced emissions. Must be called on
// shutdown and before cross-cutting reads so no emission is swallowed by
// a disposed owner.
func (t *Tracker) FlushPendingEvents() {
	t.mu.Lock()
	if t.debounceTimer != nil {
		t.debounceTimer.Stop()
		t.debounceTimer = nil
	}
	emissions := t.drainPendingLocked()
	t.mu.Unlock()
	for _, e := range emissions {
		t.emit(e.name, e.data)
	}
}

// Snapshot flushes pending events and returns the current state.
func (t *Tracker) Snapshot() State {
	t.FlushPendingEvents()
	t.mu.Lock()
	defer t.mu.Unlock()
	return State{
		Enabled:    t.enabled,
		Loop:       t.loopSnapshotLocked(),
		Todos:      t.todosSnapshotLocked(),
		Cumulative: t.cumulative,
	}
}

func (t *Tracker) loopSnapshotLocked() Loop {
	l := t.loop
	l.AltPhrases = append([]string(nil), t.loop.AltPhrases...)
	return l
}

func (t *Tracker) todosSnapshotLocked() []Todo {
	out := make([]Todo, 0, len(t.todos))
	for _, todo := range t.todos {
		out = append(out, *todo)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

// Enabled reports whether the tracker has armed.
func (t *Tracker) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

// Enable arms the tracker explicitly.
func (t *Tracker) Enable() {
	t.mu.Lock()
	was := t.enabled
	t.enabled = true
	t.loop.Enabled = true
	t.mu.Unlock()
	if !was {
		t.emit("enabled", nil)
	}
}

// Configure sets the expected completion phrase and iteration cap.
func (t *Tracker) Configure(phrase string, maxIterations int) {
	t.mu.Lock()
	if phrase != "" {
		t.loop.CompletionPhrase = normalizePhrase(phrase)
	}
	if maxIterations > 0 {
		t.loop.MaxIterations = maxIterations
	}
	t.pendingLoop = true
	t.scheduleDebounceLocked()
	t.mu.Unlock()
}

// AddAltPhrase registers an alternate completion phrase.
func (t *Tracker) AddAltPhrase(phrase string) {
	p := normalizePhrase(phrase)
	if p == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, existing := range t.loop.AltPhrases {
		if existing == p {
			return
		}
	}
	t.loop.AltPhrases = append(t.loop.AltPhrases, p)
}

// RemoveAltPhrase unregisters an alternate completion phrase.
func (t *Tracker) RemoveAltPhrase(phrase string) {
	p := normalizePhrase(phrase)
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, existing := range t.loop.AltPhrases {
		if existing == p {
			t.loop.AltPhrases = append(t.loop.AltPhrases[:i], t.loop.AltPhrases[i+1:]...)
			return
		}
	}
}

// BeginCycle marks the loop active and bumps the cycle counter. Called
// by the respawn controller when it injects a prompt.
func (t *Tracker) BeginCycle() int {
	t.mu.Lock()
	t.loop.Active = true
	t.loop.Cycle++
	cycle := t.loop.Cycle
	t.loop.LastActivityAt = t.now()
	t.pendingLoop = true
	t.scheduleDebounceLocked()
	t.mu.Unlock()
	return cycle
}

// Deactivate stops the loop without clearing tracked state.
func (t *Tracker) Deactivate() {
	t.mu.Lock()
	t.loop.Active = false
	t.pendingLoop = true
	t.scheduleDebounceLocked()
	t.mu.Unlock()
}

// Reset performs a session soft-reset: todos, occurrence counts, and
// completion latches are cleared; the configured phrases survive.
func (t *Tracker) Reset() {
	t.FlushPendingEvents()
	t.mu.Lock()
	t.todos = make(map[uint64]*Todo)
	t.taskByNumber = make(map[int]string)
	t.phraseOccur = make(map[string]int)
	t.signaled = make(map[string]bool)
	t.taggedSeen = false
	t.block = nil
	t.cumulative = Cumulative{}
	t.loop.Active = false
	t.loop.Cycle = 0
	t.lineBuf = nil
	t.partialTag = nil
	t.stripper.Reset()
	loop := t.loopSnapshotLocked()
	t.mu.Unlock()
	t.emit("todoUpdate", []Todo{})
	t.emit("loopUpdate", loop)
}

// Close flushes pending events. The tracker holds no goroutines beyond
// the debounce timer.
func (t *Tracker) Close() {
	t.FlushPendingEvents()
}

func atoiSafe(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
		if n > 1_000_000 {
			return 0
		}
	}
	return n
}

func trimSpaceASCII(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}
