// Package taskgraph implements dependency-aware task tracking with an
// enforced workflow state machine. Tasks declare dependencies and are
// auto-blocked until every dependency is done; status changes only travel
// along the allowed transition edges unless the actor is the privileged
// planner.
package taskgraph

import "time"

// Status is a workflow state.
type Status string

// Workflow states. Done is terminal under normal rules; reopening requires
// the privileged planner.
const (
	StatusTodo       Status = "todo"
	StatusBlocked    Status = "blocked"
	StatusInProgress Status = "in_progress"
	StatusInReview   Status = "in_review"
	StatusDone       Status = "done"
)

// validTransitions is the allowed edge set of the workflow pipeline.
// Review can reject back to in_progress; done has no outgoing edges.
var validTransitions = map[Status][]Status{
	StatusTodo:       {StatusInProgress, StatusBlocked},
	StatusBlocked:    {StatusTodo, StatusInProgress},
	StatusInProgress: {StatusInReview, StatusBlocked, StatusTodo},
	StatusInReview:   {StatusDone, StatusInProgress},
	StatusDone:       {},
}

// Valid reports whether s is a known workflow state.
func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

func (s Status) canTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Priority orders tasks for presentation; it does not affect scheduling.
type Priority string

// Task priorities.
const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ParsePriority maps a string to a Priority, defaulting to medium.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return Priority(s)
	default:
		return PriorityMedium
	}
}

// Task is one unit of work in the graph. Graph methods hand out copies;
// callers never share the internal instance.
type Task struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Status       Status    `json:"status"`
	Assignee     string    `json:"assignee,omitempty"`
	CreatedBy    string    `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Dependencies []string  `json:"dependencies"`
	Tags         []string  `json:"tags,omitempty"`
	Priority     Priority  `json:"priority"`

	// Workflow sign-offs.
	RequiresReview  bool   `json:"requires_review"`
	RequiresTesting bool   `json:"requires_testing"`
	ReviewedBy      string `json:"reviewed_by,omitempty"`
	TestedBy        string `json:"tested_by,omitempty"`

	// Handoff tracking.
	HandoffTo     string `json:"handoff_to,omitempty"`
	HandoffReason string `json:"handoff_reason,omitempty"`
}

func (t *Task) clone() *Task {
	cp := *t
	cp.Dependencies = append([]string(nil), t.Dependencies...)
	cp.Tags = append([]string(nil), t.Tags...)
	return &cp
}

// Summary counts tasks per status.
type Summary struct {
	Total      int `json:"total"`
	Todo       int `json:"todo"`
	InProgress int `json:"in_progress"`
	InReview   int `json:"in_review"`
	Done       int `json:"done"`
	Blocked    int `json:"blocked"`
}

// BlockedTask pairs a blocked task with the unresolved dependencies it is
// waiting on.
type BlockedTask struct {
	Task      *Task   `json:"task"`
	WaitingOn []*Task `json:"waiting_on"`
}

// GraphNode is one entry of the exported dependency graph.
type GraphNode struct {
	Title     string   `json:"title"`
	Status    Status   `json:"status"`
	Assignee  string   `json:"assignee,omitempty"`
	DependsOn []string `json:"depends_on"`
	Blocks    []string `json:"blocks"`
}
