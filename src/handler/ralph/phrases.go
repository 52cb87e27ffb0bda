package ralph

import (
	"regexp"
	"strings"
)

// promiseTagPattern matches the literal completion marker the agent is
// prompted to emit when its task is finished.
var promiseTagPattern = regexp.MustCompile(`<promise>([^<]{1,200})</promise>`)

// promptContextMarkers identify lines that are part of the instruction
// echo rather than genuine agent output. A completion phrase on such a
// line must never signal by itself.
var promptContextMarkers = []string{
	"<promise>",
	"</promise>",
	"output:",
	"completion phrase",
	"output exactly",
}

// commonWords are phrases too generic to be reliable completion markers.
var commonWords = map[string]struct{}{
	"DONE": {}, "OK": {}, "COMPLETE": {}, "COMPLETED": {}, "FINISHED": {},
	"SUCCESS": {}, "READY": {}, "YES": {}, "END": {}, "STOP": {}, "EXIT": {},
}

func normalizePhrase(p string) string {
	return strings.ToUpper(strings.TrimSpace(p))
}

// isPromptContext reports whether the line looks like an echoed prompt.
func isPromptContext(line string) bool {
	lower := strings.ToLower(line)
	for _, m := range promptContextMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// scanPromiseTags handles every tagged phrase occurrence in the chunk.
// Occurrence semantics: the prompt that teaches the agent its completion
// phrase is echoed to the terminal, so the first tagged occurrence only
// records the expected phrase. The second occurrence, or any occurrence
// while the loop is already active, signals completion.
func (t *Tracker) scanPromiseTags(data []byte) []emission {
	var out []emission
	for _, m := range promiseTagPattern.FindAllSubmatch(data, -1) {
		phrase := normalizePhrase(string(m[1]))
		if phrase == "" {
			continue
		}
		t.taggedSeen = true

		canonical := t.canonicalPhrase(phrase)
		t.phraseOccur[canonical]++
		occ := t.phraseOccur[canonical]

		if occ == 1 && !t.loop.Active {
			if t.loop.CompletionPhrase == "" {
				t.loop.CompletionPhrase = canonical
				t.pendingLoop = true
			}
			if warn := validatePhrase(canonical); warn != nil {
				out = append(out, emission{"phraseValidationWarning", warn})
			}
			continue
		}
		out = append(out, t.signalCompletion(canonical)...)
	}
	return out
}

// bufferPartialTag holds a trailing unclosed promise tag so it can be
// re-scanned with the next chunk. Fragments beyond 256 bytes are
// discarded as parse anomalies.
func (t *Tracker) bufferPartialTag(data []byte) {
	idx := lastIndexPartialTag(data)
	if idx < 0 {
		return
	}
	frag := data[idx:]
	if len(frag) > maxPartialTag {
		return
	}
	t.partialTag = append([]byte(nil), frag...)
}

// lastIndexPartialTag finds the start of a trailing tag fragment: the
// last "<promise>" (or a prefix of it) with no closing "</promise>"
// after it.
func lastIndexPartialTag(data []byte) int {
	s := string(data)
	if open := strings.LastIndex(s, "<promise>"); open >= 0 {
		if !strings.Contains(s[open:], "</promise>") {
			return open
		}
		// Fully closed; fall through to prefix probing beyond it.
		s = s[open+len("<promise>"):]
		if sub := lastIndexPartialTag([]byte(s)); sub >= 0 {
			return open + len("<promise>") + sub
		}
		return -1
	}
	// A bare prefix of "<promise>" at the very end of the chunk.
	const tag = "<promise>"
	for n := len(tag) - 1; n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return len(s) - n
		}
	}
	return -1
}

// scanBarePhrase detects an untagged appearance of a known phrase on a
// line. It counts only once the tagged form has been seen (or the loop
// is explicitly active), and never in prompt context.
func (t *Tracker) scanBarePhrase(line string) []emission {
	if !t.taggedSeen && !t.loop.Active {
		return nil
	}
	if isPromptContext(line) {
		return nil
	}
	upper := strings.ToUpper(line)
	for _, phrase := range t.knownPhrases() {
		if phrase == "" {
			continue
		}
		if strings.Contains(upper, phrase) || fuzzyLineMatch(upper, phrase) {
			return t.signalCompletion(phrase)
		}
	}
	return nil
}

func (t *Tracker) knownPhrases() []string {
	phrases := make([]string, 0, 1+len(t.loop.AltPhrases))
	if t.loop.CompletionPhrase != "" {
		phrases = append(phrases, t.loop.CompletionPhrase)
	}
	phrases = append(phrases, t.loop.AltPhrases...)
	return phrases
}

// canonicalPhrase folds a detected phrase onto a configured primary or
// alternate phrase within Levenshtein distance 2, tolerating agent
// typos.
func (t *Tracker) canonicalPhrase(phrase string) string {
	for _, known := range t.knownPhrases() {
		if phrase == known || levenshtein(phrase, known) <= 2 {
			return known
		}
	}
	return phrase
}

// fuzzyLineMatch checks whether any word-run of the line is within
// distance 2 of the phrase.
func fuzzyLineMatch(upperLine, phrase string) bool {
	words := strings.Fields(upperLine)
	n := len(strings.Fields(phrase))
	if n == 0 || len(words) < n {
		return false
	}
	for i := 0; i+n <= len(words); i++ {
		candidate := strings.Join(words[i:i+n], " ")
		if levenshtein(candidate, phrase) <= 2 {
			return true
		}
	}
	return false
}

// signalCompletion fires exactly once per phrase until reset: all known
// todos flip to completed, the loop deactivates, and completionDetected
// is emitted.
func (t *Tracker) signalCompletion(phrase string) []emission {
	if t.signaled[phrase] {
		return nil
	}
	t.signaled[phrase] = true

	for _, todo := range t.todos {
		if todo.Status != TodoCompleted {
			todo.Status = TodoCompleted
			todo.UpdatedAt = t.now()
		}
	}
	t.loop.Active = false
	t.loop.Confidence = 1.0
	t.pendingLoop = true
	t.pendingTodo = true
	return []emission{{"completionDetected", map[string]any{"phrase": phrase}}}
}

// PhraseWarning suggests a sturdier completion phrase.
type PhraseWarning struct {
	Phrase     string `json:"phrase"`
	Reason     string `json:"reason"`
	Suggestion string `json:"suggestion"`
}

// validatePhrase flags phrases that will false-positive in ordinary
// output: common words, very short strings, and all-digit strings.
func validatePhrase(phrase string) *PhraseWarning {
	flat := make([]rune, 0, len(phrase))
	for _, r := range phrase {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			flat = append(flat, r)
		}
	}
	stripped := string(flat)

	warn := func(reason string) *PhraseWarning {
		return &PhraseWarning{
			Phrase:     phrase,
			Reason:     reason,
			Suggestion: "RALPH_DONE_" + stripped,
		}
	}
	if _, ok := commonWords[stripped]; ok {
		return warn("common word")
	}
	if len(stripped) < 6 {
		return warn("too short")
	}
	allDigits := len(stripped) > 0
	for _, r := range stripped {
		if r < '0' || r > '9' {
			allDigits = false
			break
		}
	}
	if allDigits {
		return warn("all digits")
	}
	return nil
}

// levenshtein computes edit distance with the classic two-row method.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
