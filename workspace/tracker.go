package workspace

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// defaultActivityWindow is how long a file touch is considered recent.
const defaultActivityWindow = 2 * time.Minute

// touch records an agent touching a file.
type touch struct {
	agentID string
	path    string
	action  string // "read", "write", "edit"
	at      time.Time
}

// Conflict names a file recently written by two or more agents.
type Conflict struct {
	Path   string   `json:"path"`
	Agents []string `json:"agents"`
}

// activityTracker tracks which agents are actively working on which files,
// used for conflict visibility.
type activityTracker struct {
	mu      sync.Mutex
	touches []touch
	window  time.Duration
	now     func() time.Time
}

func newActivityTracker(window time.Duration) *activityTracker {
	if window <= 0 {
		window = defaultActivityWindow
	}
	return &activityTracker{window: window, now: time.Now}
}

func (a *activityTracker) record(agentID, path, action string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.touches = append(a.touches, touch{agentID: agentID, path: path, action: action, at: a.now()})
	a.pruneLocked()
}

func (a *activityTracker) pruneLocked() {
	cutoff := a.now().Add(-a.window)
	kept := a.touches[:0]
	for _, t := range a.touches {
		if t.at.After(cutoff) {
			kept = append(kept, t)
		}
	}
	a.touches = kept
}

// recentWriters returns agents that recently wrote or edited path, excluding
// one agent id.
func (a *activityTracker) recentWriters(path, exclude string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked()
	set := map[string]struct{}{}
	for _, t := range a.touches {
		if t.path == path && (t.action == "write" || t.action == "edit") && t.agentID != exclude {
			set[t.agentID] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// agentFiles returns files an agent recently touched.
func (a *activityTracker) agentFiles(agentID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked()
	set := map[string]struct{}{}
	for _, t := range a.touches {
		if t.agentID == agentID {
			set[t.path] = struct{}{}
		}
	}
	return sortedKeys(set)
}

// conflicts returns files written by two or more agents within the window.
func (a *activityTracker) conflicts() []Conflict {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked()
	fileAgents := map[string]map[string]struct{}{}
	for _, t := range a.touches {
		if t.action != "write" && t.action != "edit" {
			continue
		}
		if fileAgents[t.path] == nil {
			fileAgents[t.path] = map[string]struct{}{}
		}
		fileAgents[t.path][t.agentID] = struct{}{}
	}
	var out []Conflict
	for path, agents := range fileAgents {
		if len(agents) > 1 {
			out = append(out, Conflict{Path: path, Agents: sortedKeys(agents)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// summary builds a human-readable digest of recent write activity for the
// planner's context.
func (a *activityTracker) summary() string {
	a.mu.Lock()
	a.pruneLocked()
	agentFiles := map[string]map[string]struct{}{}
	for _, t := range a.touches {
		if t.action != "write" && t.action != "edit" {
			continue
		}
		if agentFiles[t.agentID] == nil {
			agentFiles[t.agentID] = map[string]struct{}{}
		}
		agentFiles[t.agentID][t.path] = struct{}{}
	}
	a.mu.Unlock()

	if len(agentFiles) == 0 {
		return "No recent write activity."
	}
	var lines []string
	for _, agentID := range sortedMapKeys(agentFiles) {
		lines = append(lines, fmt.Sprintf("- %s modified: %s", agentID, strings.Join(sortedKeys(agentFiles[agentID]), ", ")))
	}
	if conflicts := a.conflicts(); len(conflicts) > 0 {
		lines = append(lines, "FILE CONFLICTS (multiple agents editing the same file):")
		for _, c := range conflicts {
			lines = append(lines, fmt.Sprintf("- %s (edited by: %s)", c.Path, strings.Join(c.Agents, ", ")))
		}
	}
	return strings.Join(lines, "\n")
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedMapKeys(m map[string]map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
