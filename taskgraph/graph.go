package taskgraph

import (
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/codeswarm/core"
	"github.com/hupe1980/codeswarm/logging"
)

// StatusObserver is invoked after a successful status change with a copy of
// the task and the old and new status. Observers run synchronously under no
// lock; they must not call back into the Graph's mutating methods from the
// same goroutine chain if they need strict ordering.
type StatusObserver func(task *Task, from, to Status)

// Options configures a Graph.
type Options struct {
	// PlannerID is the privileged identity allowed to override workflow
	// transitions. Defaults to "orchestrator".
	PlannerID string
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Graph owns the task set, its dependency edges and the workflow state
// machine. Safe for concurrent use; all returned tasks are copies.
type Graph struct {
	mu               sync.RWMutex
	tasks            map[string]*Task
	order            []string // creation order for stable listings
	observers        []StatusObserver
	planningComplete bool

	plannerID string
	logger    logging.Logger
}

// New constructs an empty Graph.
func New(optFns ...func(o *Options)) *Graph {
	opts := Options{PlannerID: "orchestrator", Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return &Graph{
		tasks:     make(map[string]*Task),
		plannerID: opts.PlannerID,
		logger:    opts.Logger,
	}
}

// OnStatusChange registers an observer fired on every successful transition.
func (g *Graph) OnStatusChange(fn StatusObserver) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.observers = append(g.observers, fn)
}

// CreateInput describes a task to create.
type CreateInput struct {
	Title           string
	Description     string
	CreatedBy       string
	Assignee        string
	Dependencies    []string
	Tags            []string
	Priority        string
	RequiresReview  bool
	RequiresTesting bool
}

// Create validates and inserts a new task. Dependency ids that do not exist
// are logged and dropped; a dependency set that would create a cycle is
// discarded entirely. The initial status is blocked when any accepted
// dependency is not yet done, todo otherwise.
func (g *Graph) Create(in CreateInput) *Task {
	g.mu.Lock()

	id := core.NewShortID()

	var deps []string
	for _, depID := range in.Dependencies {
		if _, ok := g.tasks[depID]; ok {
			deps = append(deps, depID)
		} else {
			g.logger.Warn("dropping unknown dependency", "task_id", id, "dependency", depID)
		}
	}
	if len(deps) > 0 && g.wouldCreateCycleLocked(id, deps) {
		g.logger.Error("dependency set would create a cycle, discarding", "task_id", id, "dependencies", deps)
		deps = nil
	}

	status := StatusTodo
	for _, depID := range deps {
		if g.tasks[depID].Status != StatusDone {
			status = StatusBlocked
			break
		}
	}

	now := time.Now().UTC()
	task := &Task{
		ID:              id,
		Title:           in.Title,
		Description:     in.Description,
		Status:          status,
		Assignee:        in.Assignee,
		CreatedBy:       in.CreatedBy,
		CreatedAt:       now,
		UpdatedAt:       now,
		Dependencies:    deps,
		Tags:            append([]string(nil), in.Tags...),
		Priority:        ParsePriority(in.Priority),
		RequiresReview:  in.RequiresReview,
		RequiresTesting: in.RequiresTesting,
	}
	g.tasks[id] = task
	g.order = append(g.order, id)
	g.mu.Unlock()

	g.logger.Info("task created", "task_id", id, "title", in.Title, "assignee", in.Assignee, "status", string(status))
	return task.clone()
}

// UpdateStatus applies a workflow transition on behalf of actorID.
//
// Non-planner actors are restricted to the allowed edge set. A transition to
// in_progress while unresolved dependencies remain is not an error: the task
// is silently reset to blocked and returned. A transition to done fails while
// the task requires review without a reviewer sign-off. Completing a task
// resolves dependents: every blocked task whose remaining dependencies are
// all done moves back to todo.
func (g *Graph) UpdateStatus(taskID string, next Status, actorID string) (*Task, error) {
	type change struct {
		task     *Task
		from, to Status
	}
	var fired []change

	g.mu.Lock()
	task, ok := g.tasks[taskID]
	if !ok {
		g.mu.Unlock()
		return nil, ErrTaskNotFound
	}
	from := task.Status

	if actorID != g.plannerID && !from.canTransitionTo(next) {
		g.mu.Unlock()
		return nil, &InvalidTransitionError{TaskID: taskID, From: from, To: next}
	}

	if next == StatusInProgress {
		if unresolved := g.unresolvedDepsLocked(taskID); len(unresolved) > 0 {
			task.Status = StatusBlocked
			task.UpdatedAt = time.Now().UTC()
			cp := task.clone()
			g.mu.Unlock()
			g.logger.Warn("task blocked on unresolved dependencies", "task_id", taskID, "actor", actorID)
			return cp, nil
		}
	}

	if next == StatusDone && task.RequiresReview && task.ReviewedBy == "" {
		g.mu.Unlock()
		return nil, &ReviewRequiredError{TaskID: taskID}
	}

	task.Status = next
	task.UpdatedAt = time.Now().UTC()
	fired = append(fired, change{task.clone(), from, next})

	if next == StatusDone {
		for _, depTaskID := range g.order {
			t := g.tasks[depTaskID]
			if t.Status != StatusBlocked || !contains(t.Dependencies, taskID) {
				continue
			}
			if len(g.unresolvedDepsLocked(t.ID)) == 0 {
				old := t.Status
				t.Status = StatusTodo
				t.UpdatedAt = time.Now().UTC()
				fired = append(fired, change{t.clone(), old, StatusTodo})
				g.logger.Info("task unblocked", "task_id", t.ID, "completed_dependency", taskID)
			}
		}
	}

	observers := append([]StatusObserver(nil), g.observers...)
	g.mu.Unlock()

	g.logger.Info("task status changed", "task_id", taskID, "from", string(from), "to", string(next), "actor", actorID)
	for _, c := range fired {
		for _, fn := range observers {
			fn(c.task, c.from, c.to)
		}
	}
	return fired[0].task, nil
}

// MarkReviewed records a reviewer sign-off without changing status.
func (g *Graph) MarkReviewed(taskID, reviewerID string) (*Task, error) {
	return g.update(taskID, func(t *Task) { t.ReviewedBy = reviewerID })
}

// MarkTested records a tester sign-off without changing status.
func (g *Graph) MarkTested(taskID, testerID string) (*Task, error) {
	return g.update(taskID, func(t *Task) { t.TestedBy = testerID })
}

// Assign changes the task's assignee.
func (g *Graph) Assign(taskID, assignee string) (*Task, error) {
	return g.update(taskID, func(t *Task) { t.Assignee = assignee })
}

// SetHandoff marks the next agent expected to pick the task up.
func (g *Graph) SetHandoff(taskID, targetAgent, reason string) (*Task, error) {
	return g.update(taskID, func(t *Task) {
		t.HandoffTo = targetAgent
		t.HandoffReason = reason
	})
}

// ClearHandoff removes a handoff marker after pickup.
func (g *Graph) ClearHandoff(taskID string) (*Task, error) {
	return g.update(taskID, func(t *Task) {
		t.HandoffTo = ""
		t.HandoffReason = ""
	})
}

func (g *Graph) update(taskID string, mutate func(*Task)) (*Task, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	task, ok := g.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	mutate(task)
	task.UpdatedAt = time.Now().UTC()
	return task.clone(), nil
}

// Get returns a copy of the task or ErrTaskNotFound.
func (g *Graph) Get(taskID string) (*Task, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	task, ok := g.tasks[taskID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return task.clone(), nil
}

// TasksFor returns every task assigned to agentID in creation order.
func (g *Graph) TasksFor(agentID string) []*Task {
	return g.filter(func(t *Task) bool { return t.Assignee == agentID })
}

// ByStatus returns every task with the given status.
func (g *Graph) ByStatus(status Status) []*Task {
	return g.filter(func(t *Task) bool { return t.Status == status })
}

// Actionable returns the tasks agentID can work on right now: assigned to it
// with status todo or in_progress. This is the contract the agent loop polls.
func (g *Graph) Actionable(agentID string) []*Task {
	return g.filter(func(t *Task) bool {
		return t.Assignee == agentID && (t.Status == StatusTodo || t.Status == StatusInProgress)
	})
}

// PendingHandoffs returns tasks being handed off to agentID.
func (g *Graph) PendingHandoffs(agentID string) []*Task {
	return g.filter(func(t *Task) bool { return t.HandoffTo == agentID })
}

// List returns every task in creation order.
func (g *Graph) List() []*Task {
	return g.filter(func(*Task) bool { return true })
}

func (g *Graph) filter(keep func(*Task) bool) []*Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*Task
	for _, id := range g.order {
		if t := g.tasks[id]; keep(t) {
			out = append(out, t.clone())
		}
	}
	return out
}

// Blocked returns all blocked tasks with their unresolved dependencies.
func (g *Graph) Blocked() []BlockedTask {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []BlockedTask
	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status != StatusBlocked {
			continue
		}
		var waiting []*Task
		for _, dep := range g.unresolvedDepsLocked(id) {
			waiting = append(waiting, dep.clone())
		}
		out = append(out, BlockedTask{Task: t.clone(), WaitingOn: waiting})
	}
	return out
}

// GetSummary returns a per-status task count.
func (g *Graph) GetSummary() Summary {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s := Summary{Total: len(g.tasks)}
	for _, t := range g.tasks {
		switch t.Status {
		case StatusTodo:
			s.Todo++
		case StatusInProgress:
			s.InProgress++
		case StatusInReview:
			s.InReview++
		case StatusDone:
			s.Done++
		case StatusBlocked:
			s.Blocked++
		}
	}
	return s
}

// DependencyGraph exports the full graph keyed by task id, with both edge
// directions, for visualization.
func (g *Graph) DependencyGraph() map[string]GraphNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]GraphNode, len(g.tasks))
	for _, id := range g.order {
		t := g.tasks[id]
		node := GraphNode{
			Title:     t.Title,
			Status:    t.Status,
			Assignee:  t.Assignee,
			DependsOn: append([]string(nil), t.Dependencies...),
		}
		for _, otherID := range g.order {
			if contains(g.tasks[otherID].Dependencies, id) {
				node.Blocks = append(node.Blocks, otherID)
			}
		}
		sort.Strings(node.Blocks)
		out[id] = node
	}
	return out
}

// HasTasks reports whether any task has been created.
func (g *Graph) HasTasks() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tasks) > 0
}

// MarkPlanningComplete is called by the planner after all initial tasks are
// created; AllDone reports false until then.
func (g *Graph) MarkPlanningComplete() {
	g.mu.Lock()
	g.planningComplete = true
	g.mu.Unlock()
	g.logger.Info("planning phase complete")
}

// PlanningComplete reports whether the planner has finalized the plan.
func (g *Graph) PlanningComplete() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.planningComplete
}

// AllDone reports true only when planning was finalized, at least one task
// exists, and every task is done. This prevents premature mission completion
// before the full task list exists.
func (g *Graph) AllDone() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.planningComplete || len(g.tasks) == 0 {
		return false
	}
	for _, t := range g.tasks {
		if t.Status != StatusDone {
			return false
		}
	}
	return true
}

// Clear drops all tasks and resets the planning flag for a new mission.
func (g *Graph) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tasks = make(map[string]*Task)
	g.order = nil
	g.planningComplete = false
}

// unresolvedDepsLocked returns dependency tasks not yet done; caller holds
// at least the read lock.
func (g *Graph) unresolvedDepsLocked(taskID string) []*Task {
	task, ok := g.tasks[taskID]
	if !ok {
		return nil
	}
	var out []*Task
	for _, depID := range task.Dependencies {
		if dep, ok := g.tasks[depID]; ok && dep.Status != StatusDone {
			out = append(out, dep)
		}
	}
	return out
}

// wouldCreateCycleLocked runs a BFS from each proposed dependency back toward
// taskID; reaching it means the new edges close a cycle.
func (g *Graph) wouldCreateCycleLocked(taskID string, deps []string) bool {
	for _, start := range deps {
		visited := map[string]struct{}{}
		queue := []string{start}
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			if current == taskID {
				return true
			}
			if _, seen := visited[current]; seen {
				continue
			}
			visited[current] = struct{}{}
			if t, ok := g.tasks[current]; ok {
				queue = append(queue, t.Dependencies...)
			}
		}
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
