package ralph

import (
	"regexp"
	"strings"
)

const (
	statusBlockBegin = "---RALPH_STATUS---"
	statusBlockEnd   = "---END_RALPH_STATUS---"

	// maxBlockLines bounds a runaway unterminated block.
	maxBlockLines = 64
)

// BlockStatus is the required STATUS field of a status block.
type BlockStatus string

const (
	StatusInProgress BlockStatus = "IN_PROGRESS"
	StatusComplete   BlockStatus = "COMPLETE"
	StatusBlocked    BlockStatus = "BLOCKED"
	StatusError      BlockStatus = "ERROR"
)

// TestsStatus is the optional TESTS field.
type TestsStatus string

const (
	TestsPassing TestsStatus = "PASSING"
	TestsFailing TestsStatus = "FAILING"
	TestsNotRun  TestsStatus = "NOT_RUN"
)

// StatusBlock is one parsed RALPH_STATUS region.
type StatusBlock struct {
	Status                 BlockStatus `json:"status"`
	TasksCompletedThisLoop int         `json:"tasksCompletedThisLoop"`
	FilesModified          int         `json:"filesModified"`
	Tests                  TestsStatus `json:"tests,omitempty"`
	WorkType               string      `json:"workType,omitempty"`
	ExitSignal             bool        `json:"exitSignal"`
	Recommendation         string      `json:"recommendation,omitempty"`
}

// Cumulative aggregates counters across all blocks of a session.
type Cumulative struct {
	BlocksSeen          int `json:"blocksSeen"`
	CompleteBlocks      int `json:"completeBlocks"`
	TotalTasksCompleted int `json:"totalTasksCompleted"`
	TotalFilesModified  int `json:"totalFilesModified"`
}

type pendingBlock struct {
	fields map[string]string
	lines  int
}

var blockFieldPattern = regexp.MustCompile(`^([A-Z_]+):\s*(.*)$`)

// feedStatusBlock advances the block state machine with one line.
// Returns non-nil when the line belonged to block framing (even when the
// block was ultimately discarded).
func (t *Tracker) feedStatusBlock(line string) []emission {
	if strings.Contains(line, statusBlockBegin) {
		t.block = &pendingBlock{fields: make(map[string]string)}
		return []emission{}
	}
	if t.block == nil {
		return nil
	}
	if strings.Contains(line, statusBlockEnd) {
		block := t.block
		t.block = nil
		parsed, ok := parseBlock(block.fields)
		if !ok {
			// Blocks without a valid STATUS are parse anomalies.
			return []emission{}
		}
		t.cumulative.BlocksSeen++
		t.cumulative.TotalTasksCompleted += parsed.TasksCompletedThisLoop
		t.cumulative.TotalFilesModified += parsed.FilesModified
		if parsed.Status == StatusComplete {
			t.cumulative.CompleteBlocks++
		}
		return []emission{{"statusBlockDetected", parsed}}
	}

	t.block.lines++
	if t.block.lines > maxBlockLines {
		t.block = nil
		return []emission{}
	}
	if m := blockFieldPattern.FindStringSubmatch(line); m != nil {
		t.block.fields[m[1]] = strings.TrimSpace(m[2])
	}
	return []emission{}
}

func parseBlock(fields map[string]string) (StatusBlock, bool) {
	raw, ok := fields["STATUS"]
	if !ok {
		return StatusBlock{}, false
	}
	status := BlockStatus(strings.ToUpper(raw))
	switch status {
	case StatusInProgress, StatusComplete, StatusBlocked, StatusError:
	default:
		return StatusBlock{}, false
	}

	b := StatusBlock{Status: status}
	b.TasksCompletedThisLoop = atoiSafe(fields["TASKS_COMPLETED_THIS_LOOP"])
	b.FilesModified = atoiSafe(fields["FILES_MODIFIED"])
	switch TestsStatus(strings.ToUpper(fields["TESTS"])) {
	case TestsPassing:
		b.Tests = TestsPassing
	case TestsFailing:
		b.Tests = TestsFailing
	case TestsNotRun:
		b.Tests = TestsNotRun
	}
	b.WorkType = fields["WORK_TYPE"]
	b.ExitSignal = strings.EqualFold(fields["EXIT_SIGNAL"], "true")
	b.Recommendation = fields["RECOMMENDATION"]
	return b, true
}
