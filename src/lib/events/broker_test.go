package events

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

func drain(c *Client) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPublishReachesAllClients(t *testing.T) {
	b := NewBroker()
	c1 := b.Subscribe("c1")
	c2 := b.Subscribe("c2")
	defer b.Close()

	b.Publish("session:statusChanged", map[string]string{"id": "s1"})

	for _, c := range []*Client{c1, c2} {
		evs := drain(c)
		if len(evs) != 1 || evs[0].Name != "session:statusChanged" {
			t.Errorf("client %s got %v", c.ID, evs)
		}
	}
}

func TestBackpressureSkipThenRefresh(t *testing.T) {
	b := NewBroker()
	fast := b.Subscribe("fast")
	slow := b.Subscribe("slow")
	defer b.Close()

	// Saturate the slow client's queue.
	for i := 0; i < clientChanSize; i++ {
		slow.offer(Event{Name: "filler"})
	}

	for i := 0; i < 10; i++ {
		b.Publish("session:terminal", TerminalPayload{SessionID: "s1"})
	}

	fastEvents := drain(fast)
	if len(fastEvents) != 10 {
		t.Errorf("fast client received %d of 10 events", len(fastEvents))
	}

	// Drain the slow client; during pressure it received none of the 10.
	slowEvents := drain(slow)
	terminals, refreshes := 0, 0
	for _, ev := range slowEvents {
		switch ev.Name {
		case "session:terminal":
			terminals++
		case "session:needsRefresh":
			refreshes++
		}
	}
	if terminals != 0 {
		t.Errorf("slow client received %d terminal events during backpressure", terminals)
	}
	if refreshes != 0 {
		t.Errorf("refresh must arrive on the drain cycle, not while saturated (got %d)", refreshes)
	}

	// Queue drained: the next publish delivers exactly one needsRefresh.
	b.Publish("session:terminal", TerminalPayload{SessionID: "s1"})
	post := drain(slow)
	if len(post) != 1 || post[0].Name != "session:needsRefresh" {
		t.Fatalf("expected a single needsRefresh after drain, got %v", post)
	}

	// And the cycle after that streams normally again.
	b.Publish("session:terminal", TerminalPayload{SessionID: "s1"})
	post = drain(slow)
	if len(post) != 1 || post[0].Name != "session:terminal" {
		t.Errorf("expected streaming to resume, got %v", post)
	}
}

func TestTerminalBatchIsSyncFramed(t *testing.T) {
	b := NewBroker()
	c := b.Subscribe("c")
	defer b.Close()

	b.AppendTerminal("s1", []byte("hello "))
	b.AppendTerminal("s1", []byte("world"))
	b.FlushTerminal("s1")

	evs := drain(c)
	if len(evs) != 1 {
		t.Fatalf("expected one coalesced batch, got %d", len(evs))
	}
	payload := evs[0].Data.(TerminalPayload)
	raw, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		t.Fatal(err)
	}
	got := string(raw)
	if !strings.HasPrefix(got, BeginSync) || !strings.HasSuffix(got, EndSync) {
		t.Errorf("batch not framed: %q", got)
	}
	if !strings.Contains(got, "hello world") {
		t.Errorf("batch content lost: %q", got)
	}
}

func TestOversizeBatchFlushesImmediately(t *testing.T) {
	b := NewBroker()
	c := b.Subscribe("c")
	defer b.Close()

	b.AppendTerminal("s1", make([]byte, flushThreshold+1))

	evs := drain(c)
	if len(evs) != 1 || evs[0].Name != "session:terminal" {
		t.Fatalf("oversize batch should flush without waiting, got %v", len(evs))
	}
}

func TestAdaptiveInterval(t *testing.T) {
	cases := []struct {
		spacing time.Duration
		want    time.Duration
	}{
		{2 * time.Millisecond, 50 * time.Millisecond},
		{20 * time.Millisecond, 32 * time.Millisecond},
		{200 * time.Millisecond, 16 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := intervalFor(tc.spacing); got != tc.want {
			t.Errorf("intervalFor(%v) = %v, want %v", tc.spacing, got, tc.want)
		}
	}
}

func TestCacheInvalidationUsesPrefixMatch(t *testing.T) {
	b := NewBroker()
	defer b.Close()

	fills := 0
	fill := func() (any, error) { fills++; return fills, nil }

	if _, err := b.Cached("/sessions", fill); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Cached("/sessions", fill); err != nil {
		t.Fatal(err)
	}
	if fills != 1 {
		t.Fatalf("expected cache hit, fills = %d", fills)
	}

	// "respawn:stateChanged" is not literally "respawn:*"; prefix
	// semantics must still invalidate.
	b.Publish("respawn:stateChanged", nil)
	if _, err := b.Cached("/sessions", fill); err != nil {
		t.Fatal(err)
	}
	if fills != 2 {
		t.Errorf("prefix-matched event did not invalidate the cache")
	}

	// Unrelated namespaces leave the cache alone.
	b.Publish("hook:stop", nil)
	if _, err := b.Cached("/sessions", fill); err != nil {
		t.Fatal(err)
	}
	if fills != 2 {
		t.Errorf("unrelated event invalidated the cache")
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	b := NewBroker()
	defer b.Close()
	current := time.Now()
	b.now = func() time.Time { return current }

	fills := 0
	fill := func() (any, error) { fills++; return fills, nil }

	b.Cached("/status", fill)
	current = current.Add(1100 * time.Millisecond)
	b.Cached("/status", fill)
	if fills != 2 {
		t.Errorf("expected TTL refill, fills = %d", fills)
	}
}

func TestReassemblerBuffersUntilClose(t *testing.T) {
	r := NewReassembler()

	out := r.Push([]byte("plain " + BeginSync + "part1"))
	if string(out) != "plain " {
		t.Errorf("open frame content leaked: %q", out)
	}
	out = r.Push([]byte("part2" + EndSync + " tail"))
	if string(out) != "part1part2 tail" {
		t.Errorf("reassembled = %q", out)
	}
}

func TestReassemblerDropsStaleFrame(t *testing.T) {
	r := NewReassembler()
	current := time.Now()
	r.now = func() time.Time { return current }

	r.Push([]byte(BeginSync + "stale"))
	current = current.Add(60 * time.Millisecond)

	out := r.Push([]byte("fresh"))
	if strings.Contains(string(out), "stale") {
		t.Errorf("stale frame content survived: %q", out)
	}
	if string(out) != "fresh" {
		t.Errorf("pass-through after abandonment = %q", out)
	}
}
