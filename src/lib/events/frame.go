package events

import (
	"bytes"
	"time"
)

// frameAbandonAfter is how long an unclosed synchronized-update block is
// held before being dropped. Responsiveness wins over completeness.
const frameAbandonAfter = 50 * time.Millisecond

// Reassembler buffers content between BeginSync and EndSync markers so a
// consumer can apply each batch atomically. Content outside markers
// passes through untouched. An opening marker whose close does not
// arrive within 50 ms is discarded together with its buffered content.
type Reassembler struct {
	open     bool
	openedAt time.Time
	buf      []byte
	now      func() time.Time
}

// NewReassembler creates a Reassembler in pass-through state.
func NewReassembler() *Reassembler {
	return &Reassembler{now: time.Now}
}

// Push feeds bytes in and returns the bytes ready for rendering.
func (r *Reassembler) Push(data []byte) []byte {
	var out []byte
	for len(data) > 0 {
		if !r.open {
			idx := bytes.Index(data, []byte(BeginSync))
			if idx < 0 {
				out = append(out, data...)
				return out
			}
			out = append(out, data[:idx]...)
			data = data[idx+len(BeginSync):]
			r.open = true
			r.openedAt = r.now()
			r.buf = r.buf[:0]
			continue
		}

		if r.now().Sub(r.openedAt) > frameAbandonAfter {
			// Stale open frame: drop its content, resume pass-through.
			r.open = false
			r.buf = r.buf[:0]
			continue
		}

		idx := bytes.Index(data, []byte(EndSync))
		if idx < 0 {
			r.buf = append(r.buf, data...)
			return out
		}
		r.buf = append(r.buf, data[:idx]...)
		out = append(out, r.buf...)
		r.buf = r.buf[:0]
		r.open = false
		data = data[idx+len(EndSync):]
	}
	return out
}
