// Package agent implements the observe-think-act runtime loop. One Runtime
// instance drives one agent; behavior differences between agents come
// entirely from the core.Role descriptor, not from subtypes.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/codeswarm/bus"
	"github.com/hupe1980/codeswarm/core"
	"github.com/hupe1980/codeswarm/logging"
	"github.com/hupe1980/codeswarm/model"
	"github.com/hupe1980/codeswarm/router"
	"github.com/hupe1980/codeswarm/taskgraph"
	"github.com/hupe1980/codeswarm/workspace"
)

// State of a running agent.
type State string

// Agent lifecycle states.
const (
	StateIdle     State = "idle"
	StateThinking State = "thinking"
	StateActing   State = "acting"
	StateWaiting  State = "waiting"
	StatePaused   State = "paused"
	StateStopped  State = "stopped"
)

// actionableTypes justify waking a gated agent.
var actionableTypes = map[bus.MessageType]struct{}{
	bus.TypeTaskAssigned:    {},
	bus.TypeReviewRequest:   {},
	bus.TypeReviewResult:    {},
	bus.TypeAskHelp:         {},
	bus.TypeShareInsight:    {},
	bus.TypeProposeApproach: {},
}

// errorSignals mark a failed action when found in the latest history entry.
var errorSignals = []string{"error", "Error", "failed", "Failed", "BLOCKED", "Cannot"}

const reflectionThreshold = 2

// Deps bundles the shared components a Runtime operates on.
type Deps struct {
	Bus         *bus.Bus
	Graph       *taskgraph.Graph
	Workspace   *workspace.Store
	Router      *router.Router
	Terminal    core.Terminal
	Git         core.GitManager
	Persistence core.Persistence
	Checkpoints *Checkpoints
}

// Options tunes a Runtime.
type Options struct {
	// CycleDelay is the fixed sleep after each completed cycle.
	CycleDelay time.Duration
	// IdleDelay is the sleep when gated or out of input.
	IdleDelay time.Duration
	// ApprovalTimeout bounds a pending approval; timeout rejects.
	ApprovalTimeout time.Duration
	// MaxConsecutiveErrors auto-pauses the agent when exceeded.
	MaxConsecutiveErrors int
	// HistoryCharBudget trims conversation history before each model call.
	HistoryCharBudget int
	// ReservationTTL bounds advisory file claims; zero uses the workspace
	// default.
	ReservationTTL time.Duration
	// MissionID tags persisted lessons.
	MissionID string
	// OnMissionComplete runs the swarm-level completion sequence (save
	// mission, stop peers, commit). Invoked at most once.
	OnMissionComplete func(ctx context.Context, initiator string)
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// Runtime is one agent: a role descriptor plus the loop that observes the
// bus, asks the router for a structured action and executes it.
type Runtime struct {
	id   string
	role core.Role

	bus         *bus.Bus
	graph       *taskgraph.Graph
	ws          *workspace.Store
	router      *router.Router
	terminal    core.Terminal
	git         core.GitManager
	persistence core.Persistence
	checkpoints *Checkpoints

	opts   Options
	logger logging.Logger

	inbox   <-chan bus.Message
	pending []bus.Message
	history []model.ChatMessage

	mu        sync.Mutex
	state     State
	paused    bool
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	approvals map[string]chan bool

	consecutiveErrors int
	errorBackoff      time.Duration
	taskFailures      map[string]int
	taskLastError     map[string]string
	reflected         map[string]bool
	suggestions       map[string]time.Time
	lastThought       time.Time
	completed         bool
}

// New creates a Runtime for one agent. Subscribe happens at Start.
func New(id string, role core.Role, deps Deps, optFns ...func(o *Options)) *Runtime {
	opts := Options{
		CycleDelay:           2 * time.Second,
		IdleDelay:            2 * time.Second,
		ApprovalTimeout:      5 * time.Minute,
		MaxConsecutiveErrors: 5,
		HistoryCharBudget:    24_000,
		Logger:               logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if deps.Terminal == nil {
		deps.Terminal = noopTerminal{}
	}
	if deps.Git == nil {
		deps.Git = core.NoopGit{}
	}
	if deps.Persistence == nil {
		deps.Persistence = core.NoopPersistence{}
	}
	if deps.Checkpoints == nil {
		deps.Checkpoints = NewCheckpoints(opts.Logger)
	}

	return &Runtime{
		id:            id,
		role:          role,
		bus:           deps.Bus,
		graph:         deps.Graph,
		ws:            deps.Workspace,
		router:        deps.Router,
		terminal:      deps.Terminal,
		git:           deps.Git,
		persistence:   deps.Persistence,
		checkpoints:   deps.Checkpoints,
		opts:          opts,
		logger:        opts.Logger,
		state:         StateIdle,
		approvals:     make(map[string]chan bool),
		taskFailures:  make(map[string]int),
		taskLastError: make(map[string]string),
		reflected:     make(map[string]bool),
		suggestions:   make(map[string]time.Time),
		errorBackoff:  time.Second,
	}
}

type noopTerminal struct{}

func (noopTerminal) Execute(context.Context, string, string) (*core.ExecResult, error) {
	return nil, errors.New("no terminal configured")
}

// ID returns the agent id.
func (r *Runtime) ID() string { return r.id }

// Role returns the agent's role descriptor.
func (r *Runtime) Role() core.Role { return r.role }

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start subscribes the agent's mailbox and launches the loop goroutine.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.paused = false
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	r.inbox = r.bus.Subscribe(r.id)
	go func() {
		defer cancel()
		r.loop(loopCtx)
	}()
	r.logger.Info("agent started", "agent_id", r.id, "role", r.role.Name)
}

// Stop cancels the loop and unsubscribes the mailbox. Pending approval waits
// are reclaimed by their timeout, not actively cancelled.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.state = StateStopped
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	r.bus.Unsubscribe(r.id)
	r.ws.ReleaseAll(r.id)
	r.logger.Info("agent stopped", "agent_id", r.id)
}

// Pause suspends the loop without stopping it.
func (r *Runtime) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = true
	r.state = StatePaused
}

// Resume lifts a pause.
func (r *Runtime) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paused = false
}

// InjectMessage adds a user directive to the agent's conversation.
func (r *Runtime) InjectMessage(content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, model.ChatMessage{
		Role:    model.RoleUser,
		Content: "[USER DIRECTIVE]: " + content,
	})
}

// ResolveApproval completes a pending approval request and broadcasts the
// outcome so other agents see the decision.
func (r *Runtime) ResolveApproval(approvalID string, approved bool) {
	r.mu.Lock()
	ch, ok := r.approvals[approvalID]
	if ok {
		delete(r.approvals, approvalID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- approved:
	default:
	}

	outcome := "approved"
	if !approved {
		outcome = "rejected"
	}
	r.bus.Publish(bus.Message{
		Sender:     r.id,
		SenderRole: r.role.Name,
		Type:       bus.TypeApprovalResult,
		Content:    fmt.Sprintf("Approval request %s was %s", approvalID, outcome),
		Data:       map[string]any{"approval_id": approvalID, "approved": approved},
	})
}

func (r *Runtime) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

func (r *Runtime) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// loop is the observe-think-act cycle.
func (r *Runtime) loop(ctx context.Context) {
	defer close(r.done)

	for {
		if ctx.Err() != nil {
			return
		}
		if r.isPaused() {
			r.setState(StatePaused)
			if !sleep(ctx, time.Second) {
				return
			}
			continue
		}

		// Gate: non-privileged agents without tasks idle until something
		// actionable arrives, to avoid wasted model calls.
		if !r.role.Privileged && len(r.graph.TasksFor(r.id)) == 0 {
			r.queuePending(r.drain())
			if !r.hasActionable(r.pending) {
				r.setState(StateIdle)
				if !sleep(ctx, r.opts.IdleDelay) {
					return
				}
				continue
			}
		}

		msgs := r.drain()
		if len(r.pending) > 0 {
			msgs = append(r.pending, msgs...)
			r.pending = nil
		}
		if len(msgs) == 0 && !r.actsProactively() {
			r.setState(StateIdle)
			if !sleep(ctx, r.opts.IdleDelay) {
				return
			}
			continue
		}

		r.setState(StateThinking)
		r.broadcastState(StateThinking)

		action, ok, err := r.think(ctx, msgs)
		if err != nil {
			if errors.Is(err, router.ErrBudgetExhausted) {
				r.handleBudgetExhausted(ctx)
				return
			}
			if ctx.Err() != nil {
				return
			}
			if !r.handleLoopError(ctx, err) {
				return
			}
			continue
		}
		if !ok {
			if !sleep(ctx, r.opts.IdleDelay) {
				return
			}
			continue
		}

		r.setState(StateActing)
		r.broadcastState(StateActing)
		r.act(ctx, action)

		if r.isStopped() {
			return
		}

		r.trackTaskOutcome(action)

		r.mu.Lock()
		r.consecutiveErrors = 0
		r.errorBackoff = time.Second
		r.mu.Unlock()
		r.router.RecordAgentSuccess(r.id)

		if !sleep(ctx, r.opts.CycleDelay) {
			return
		}
	}
}

func (r *Runtime) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.running
}

// actsProactively is true for privileged agents with pending conversation:
// the planner keeps driving the mission without waiting for inbound traffic.
func (r *Runtime) actsProactively() bool {
	if !r.role.Privileged {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.history) > 0
}

// drain empties the mailbox without blocking.
func (r *Runtime) drain() []bus.Message {
	var out []bus.Message
	for {
		select {
		case m, open := <-r.inbox:
			if !open {
				return out
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

// maxPending bounds the backlog held while the idle gate keeps an agent from
// acting. It mirrors the bus mailbox size.
const maxPending = 256

// queuePending appends drained messages to the idle backlog, dropping the
// oldest entries once the bound is reached.
func (r *Runtime) queuePending(msgs []bus.Message) {
	r.pending = append(r.pending, msgs...)
	if over := len(r.pending) - maxPending; over > 0 {
		r.logger.Debug("pending backlog full, dropping oldest", "agent_id", r.id, "dropped", over)
		r.pending = append([]bus.Message(nil), r.pending[over:]...)
	}
}

func (r *Runtime) hasActionable(msgs []bus.Message) bool {
	for _, m := range msgs {
		if _, ok := actionableTypes[m.Type]; ok {
			return true
		}
		if m.Mentioned(r.id) {
			return true
		}
	}
	return false
}

// think folds the new messages into history, injects a self-reflection
// prompt when a task keeps failing, trims to the context budget and asks the
// router for the next action.
func (r *Runtime) think(ctx context.Context, msgs []bus.Message) (core.Action, bool, error) {
	for _, m := range msgs {
		content := fmt.Sprintf("[%s @%s] (%s): %s", m.SenderRole, m.Sender, m.Type, m.Content)
		if len(m.Data) > 0 {
			if data, err := json.Marshal(m.Data); err == nil {
				content += "\nData: " + string(data)
			}
		}
		r.appendHistory(model.RoleUser, content)
	}

	r.mu.Lock()
	empty := len(r.history) == 0
	r.mu.Unlock()
	if empty {
		return core.Action{}, false, nil
	}

	r.injectReflection()

	trimmed := r.trimmedHistory()
	r.broadcastThought("Analyzing context and deciding next action...")

	action, err := r.router.Generate(ctx, r.id, r.role.SystemPrompt, trimmed, r.role.Name)
	if err != nil {
		r.logger.Error("think failed", "agent_id", r.id, "error", err)
		if !errors.Is(err, router.ErrBudgetExhausted) {
			r.bus.Publish(bus.Message{
				Sender:     r.id,
				SenderRole: r.role.Name,
				Type:       bus.TypeSystem,
				Content:    "Think error: " + truncate(err.Error(), 200),
			})
		}
		return core.Action{}, false, err
	}

	if action.Thinking != "" {
		r.bus.Publish(bus.Message{
			Sender:     r.id,
			SenderRole: r.role.Name,
			Type:       bus.TypeThought,
			Content:    action.Thinking,
		})
	}

	if raw, err := json.Marshal(action); err == nil {
		r.appendHistory(model.RoleAssistant, string(raw))
	}
	return action, true, nil
}

// injectReflection adds a one-per-streak prompt forcing the agent to change
// strategy once a task has failed repeatedly, instead of retrying blindly.
func (r *Runtime) injectReflection() {
	for _, task := range r.graph.TasksFor(r.id) {
		r.mu.Lock()
		count := r.taskFailures[task.ID]
		already := r.reflected[task.ID]
		lastErr := r.taskLastError[task.ID]
		r.mu.Unlock()

		if count < reflectionThreshold || already {
			continue
		}
		if lastErr == "" {
			lastErr = "unknown error"
		}
		reflection := fmt.Sprintf(
			"[System - Self-Reflection Required] You have failed %d times on task [%s]. Last error: %s\n\n"+
				"STOP and think critically before your next attempt:\n"+
				"1. What specific error did you hit and WHY did it occur?\n"+
				"2. Why did your previous approach fail fundamentally?\n"+
				"3. What DIFFERENT approach could work? Don't retry the same thing.\n"+
				"4. Would another agent's expertise help? Use ask_help to get input.\n"+
				"5. Should you propose_approach to get feedback before coding?\n\n"+
				"A different strategy is needed, not the same approach with small tweaks.",
			count, task.ID, lastErr,
		)
		r.appendHistory(model.RoleUser, reflection)
		r.mu.Lock()
		r.reflected[task.ID] = true
		r.mu.Unlock()
		r.logger.Info("injected self-reflection", "agent_id", r.id, "task_id", task.ID, "failures", count)
	}
}

func (r *Runtime) appendHistory(role model.Role, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, model.ChatMessage{Role: role, Content: content})
}

// trimmedHistory keeps the first entry (mission setup) plus the most recent
// entries fitting the char budget, inserting a summary marker for the gap.
func (r *Runtime) trimmedHistory() []model.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	budget := r.opts.HistoryCharBudget
	total := 0
	for _, m := range r.history {
		total += len(m.Content)
	}
	if budget <= 0 || total <= budget {
		return append([]model.ChatMessage(nil), r.history...)
	}

	out := []model.ChatMessage{r.history[0]}
	remaining := budget - len(r.history[0].Content)

	var recent []model.ChatMessage
	for i := len(r.history) - 1; i >= 1; i-- {
		m := r.history[i]
		if remaining-len(m.Content) < 0 {
			break
		}
		recent = append(recent, m)
		remaining -= len(m.Content)
	}

	trimmedCount := len(r.history) - 1 - len(recent)
	if trimmedCount > 0 {
		out = append(out, model.ChatMessage{
			Role:    model.RoleUser,
			Content: fmt.Sprintf("[System: %d earlier messages summarized, focus on recent context]", trimmedCount),
		})
	}
	for i := len(recent) - 1; i >= 0; i-- {
		out = append(out, recent[i])
	}
	r.logger.Debug("context trimmed", "agent_id", r.id, "from", len(r.history), "to", len(out))
	return out
}

// broadcastThought is throttled to once per 10 seconds.
func (r *Runtime) broadcastThought(content string) {
	r.mu.Lock()
	if time.Since(r.lastThought) < 10*time.Second {
		r.mu.Unlock()
		return
	}
	r.lastThought = time.Now()
	r.mu.Unlock()

	r.bus.Publish(bus.Message{
		Sender:     r.id,
		SenderRole: r.role.Name,
		Type:       bus.TypeThought,
		Content:    content,
	})
}

func (r *Runtime) broadcastState(s State) {
	r.bus.Publish(bus.Message{
		Sender:     r.id,
		SenderRole: r.role.Name,
		Type:       bus.TypeAgentStatus,
		Content:    string(s),
		Data:       map[string]any{"id": r.id, "role": r.role.Name, "status": string(s)},
	})
}

// trackTaskOutcome scans the most recent history entry for error markers
// after a mutating action and keeps the per-task failure counters that drive
// reflection and model escalation.
func (r *Runtime) trackTaskOutcome(action core.Action) {
	switch action.Kind {
	case core.ActionWriteFile, core.ActionEditFile, core.ActionRunCommand:
	default:
		return
	}

	taskID := action.Params.TaskID
	if taskID == "" {
		for _, t := range r.graph.TasksFor(r.id) {
			if t.Status == taskgraph.StatusInProgress {
				taskID = t.ID
				break
			}
		}
	}
	if taskID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.history) == 0 {
		return
	}
	last := r.history[len(r.history)-1].Content
	failed := false
	for _, sig := range errorSignals {
		if strings.Contains(last, sig) {
			failed = true
			break
		}
	}
	if failed {
		r.taskFailures[taskID]++
		r.taskLastError[taskID] = truncate(last, 300)
		r.logger.Info("task action failed", "agent_id", r.id, "task_id", taskID, "failures", r.taskFailures[taskID])
	} else if r.taskFailures[taskID] > 0 {
		r.taskFailures[taskID] = 0
		delete(r.reflected, taskID)
	}
}

// handleLoopError applies exponential backoff and auto-pauses the agent at
// the error threshold, persisting a lesson about the repeated failure.
// Returns false when the loop should exit.
func (r *Runtime) handleLoopError(ctx context.Context, err error) bool {
	r.router.RecordAgentFailure(r.id)

	r.mu.Lock()
	r.consecutiveErrors++
	count := r.consecutiveErrors
	backoff := r.errorBackoff * 2
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	r.errorBackoff = backoff
	r.mu.Unlock()

	r.logger.Error("loop error", "agent_id", r.id, "count", count, "error", err)

	if count >= r.opts.MaxConsecutiveErrors {
		if lessonErr := r.persistence.SaveLesson(ctx, core.LessonRecord{
			Role:      r.role.Name,
			Lesson:    "Repeated failure: " + truncate(err.Error(), 200),
			Context:   fmt.Sprintf("Failed %d times consecutively", count),
			MissionID: r.opts.MissionID,
			Type:      "error_recovery",
		}); lessonErr != nil {
			r.logger.Warn("failed to save lesson", "agent_id", r.id, "error", lessonErr)
		}
		r.bus.Publish(bus.Message{
			Sender:     r.id,
			SenderRole: r.role.Name,
			Type:       bus.TypeAgentStatus,
			Content:    fmt.Sprintf("Auto-paused after %d consecutive errors: %s", count, truncate(err.Error(), 100)),
		})
		r.Pause()
		return true
	}
	return sleep(ctx, backoff)
}

// handleBudgetExhausted broadcasts the stop, attempts a graceful mission
// completion and ends the loop.
func (r *Runtime) handleBudgetExhausted(ctx context.Context) {
	r.logger.Warn("budget exhausted, stopping", "agent_id", r.id)
	r.bus.Publish(bus.Message{
		Sender:     r.id,
		SenderRole: r.role.Name,
		Type:       bus.TypeAgentStatus,
		Content:    "Budget limit reached, agent stopping",
	})
	r.markStopped()
	r.completeMission(ctx, "budget_exhausted")
}

// markStopped ends the loop from inside it. Stop blocks on the loop's done
// channel, so the loop must never call it on itself; this flips the running
// flag and unsubscribes, and the loop exits on its next isStopped check.
func (r *Runtime) markStopped() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.state = StateStopped
	r.mu.Unlock()
	r.bus.Unsubscribe(r.id)
	r.ws.ReleaseAll(r.id)
}

// completeMission broadcasts mission_complete and hands off to the
// swarm-level completion hook. Idempotent per runtime.
func (r *Runtime) completeMission(ctx context.Context, status string) {
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return
	}
	r.completed = true
	r.mu.Unlock()

	summary := r.graph.GetSummary()
	r.logger.Info("mission complete", "agent_id", r.id, "status", status, "done", summary.Done, "total", summary.Total)

	tasks, _ := json.Marshal(r.graph.List())
	r.bus.Publish(bus.Message{
		Sender:     r.id,
		SenderRole: r.role.Name,
		Type:       bus.TypeMissionComplete,
		Content:    "Mission complete - all tasks finished",
		Data:       map[string]any{"tasks": json.RawMessage(tasks), "summary": summary},
	})

	if r.opts.OnMissionComplete != nil {
		r.opts.OnMissionComplete(ctx, r.id)
	}
}

// requestApproval publishes an approval request and blocks until resolved or
// timed out. Timeout counts as rejection.
func (r *Runtime) requestApproval(ctx context.Context, action core.Action, description string) bool {
	approvalID := core.NewShortID()
	ch := make(chan bool, 1)

	r.mu.Lock()
	r.approvals[approvalID] = ch
	r.mu.Unlock()

	params, _ := json.Marshal(action.Params)
	r.bus.Publish(bus.Message{
		Sender:     r.id,
		SenderRole: r.role.Name,
		Type:       bus.TypeApprovalRequest,
		Content:    description,
		Data: map[string]any{
			"approval_id": approvalID,
			"action":      string(action.Kind),
			"params":      json.RawMessage(params),
		},
	})

	r.setState(StateWaiting)
	r.broadcastState(StateWaiting)

	timer := time.NewTimer(r.opts.ApprovalTimeout)
	defer timer.Stop()
	select {
	case approved := <-ch:
		return approved
	case <-timer.C:
		r.logger.Warn("approval timed out", "agent_id", r.id, "approval_id", approvalID)
		r.mu.Lock()
		delete(r.approvals, approvalID)
		r.mu.Unlock()
		r.appendSystem(fmt.Sprintf("Approval timed out (%s). Action was NOT executed: %s", r.opts.ApprovalTimeout, action.Params.Command))
		return false
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.approvals, approvalID)
		r.mu.Unlock()
		return false
	}
}

func (r *Runtime) appendSystem(content string) {
	r.appendHistory(model.RoleUser, "[System] "+content)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
