package ralph

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// PlanFileName is the delimited plan file that, when present in the
// session's working directory, becomes the authoritative todo source.
const PlanFileName = "@fix_plan.md"

// PlanWatcher mirrors @fix_plan.md into the tracker. While the file
// exists, output-based todo detection is suppressed.
type PlanWatcher struct {
	tracker *Tracker
	dir     string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchPlan starts watching workingDir for the plan file. Returns nil
// (not an error) when the directory cannot be watched; plan support is
// best-effort.
func WatchPlan(tracker *Tracker, workingDir string) *PlanWatcher {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logrus.Warnf("ralph: plan watcher unavailable: %v", err)
		return nil
	}
	if err := w.Add(workingDir); err != nil {
		logrus.Debugf("ralph: cannot watch %s: %v", workingDir, err)
		w.Close()
		return nil
	}

	pw := &PlanWatcher{
		tracker: tracker,
		dir:     workingDir,
		watcher: w,
		done:    make(chan struct{}),
	}

	// An existing plan takes effect immediately.
	pw.reload()

	go pw.loop()
	return pw
}

func (pw *PlanWatcher) loop() {
	for {
		select {
		case ev, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != PlanFileName {
				continue
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				pw.tracker.ClearPlanAuthority()
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				pw.reload()
			}
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			logrus.Debugf("ralph: plan watcher error: %v", err)
		case <-pw.done:
			return
		}
	}
}

func (pw *PlanWatcher) reload() {
	path := filepath.Join(pw.dir, PlanFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logrus.Debugf("ralph: read plan: %v", err)
		}
		return
	}
	pw.tracker.SetPlanTodos(ParsePlan(string(data)))
}

// ParsePlan extracts checkbox todos from plan markdown.
func ParsePlan(content string) []Todo {
	var todos []Todo
	for _, line := range strings.Split(content, "\n") {
		m := checkboxPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		status := TodoPending
		switch m[1] {
		case "x", "X":
			status = TodoCompleted
		case "~":
			status = TodoInProgress
		}
		content, priority, complexity, estMinutes := normalizeTodo(m[2])
		if len(content) < 5 {
			continue
		}
		todos = append(todos, Todo{
			Hash:       todoHash(content),
			Content:    content,
			Status:     status,
			Priority:   priority,
			Complexity: complexity,
			EstMinutes: estMinutes,
		})
	}
	return todos
}

// Close stops the watcher and re-enables output-based detection.
func (pw *PlanWatcher) Close() error {
	if pw == nil {
		return nil
	}
	close(pw.done)
	err := pw.watcher.Close()
	pw.tracker.ClearPlanAuthority()
	return err
}
