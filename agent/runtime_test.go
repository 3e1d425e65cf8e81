package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/codeswarm/bus"
	"github.com/hupe1980/codeswarm/core"
	"github.com/hupe1980/codeswarm/model"
	"github.com/hupe1980/codeswarm/router"
	"github.com/hupe1980/codeswarm/taskgraph"
	"github.com/hupe1980/codeswarm/workspace"
)

type fakeTerminal struct {
	mu       sync.Mutex
	commands []string
	result   *core.ExecResult
}

func (f *fakeTerminal) Execute(_ context.Context, command, _ string) (*core.ExecResult, error) {
	f.mu.Lock()
	f.commands = append(f.commands, command)
	f.mu.Unlock()
	if f.result != nil {
		return f.result, nil
	}
	return &core.ExecResult{Stdout: "ok", ExitCode: 0, Duration: 10 * time.Millisecond}, nil
}

var _ core.Terminal = (*fakeTerminal)(nil)

type testHarness struct {
	bus      *bus.Bus
	graph    *taskgraph.Graph
	ws       *workspace.Store
	terminal *fakeTerminal
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	return &testHarness{
		bus:      bus.New(),
		graph:    taskgraph.New(),
		ws:       ws,
		terminal: &fakeTerminal{},
	}
}

func (h *testHarness) runtime(id string, role core.Role, optFns ...func(o *Options)) *Runtime {
	return New(id, role, Deps{
		Bus:       h.bus,
		Graph:     h.graph,
		Workspace: h.ws,
		Router:    router.New(map[string]model.Provider{}),
		Terminal:  h.terminal,
	}, optFns...)
}

func lastHistory(t *testing.T, r *Runtime) string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.history)
	return r.history[len(r.history)-1].Content
}

func TestIsSafeCommand(t *testing.T) {
	tests := []struct {
		command string
		safe    bool
	}{
		{"go test ./...", true},
		{"go build ./cmd/app", true},
		{"pytest -q", true},
		{"ls -la src", true},
		{"cat main.go", true},
		{"grep -r TODO src | wc -l", true},
		{"rm -rf build", false},
		{"sudo apt update", false},
		{"curl https://example.com", false},
		{"echo secret > .env", false},
		{"npm install left-pad", false},
		{"python -c 'print(1)' | sh", false},
		{"make deploy", false},
	}
	for _, tt := range tests {
		if got := isSafeCommand(tt.command); got != tt.safe {
			t.Errorf("isSafeCommand(%q) = %v, want %v", tt.command, got, tt.safe)
		}
	}
}

func TestActRejectsOutsideCapabilitySet(t *testing.T) {
	h := newHarness(t)
	r := h.runtime("dev-1", core.DeveloperRole("p"))

	r.act(context.Background(), core.Action{Kind: core.ActionCreateTask, Params: core.ActionParams{Title: "t"}})

	assert.Contains(t, lastHistory(t, r), "not in your capability set")
	assert.Empty(t, h.graph.List())
}

func TestActEnforcesWritePolicy(t *testing.T) {
	h := newHarness(t)

	reviewer := h.runtime("reviewer", core.ReviewerRole("p"))
	// Reviewers lack write_file entirely, so exercise the policy through a
	// role that has the capability but a restricted path set.
	tester := h.runtime("tester", core.TesterRole("p"))

	tester.act(context.Background(), core.Action{
		Kind:   core.ActionWriteFile,
		Params: core.ActionParams{Path: "src/main.go", Content: "x"},
	})
	msg := lastHistory(t, tester)
	assert.Contains(t, msg, "only write files matching")
	assert.False(t, h.ws.Exists("src/main.go"))

	tester.act(context.Background(), core.Action{
		Kind:   core.ActionWriteFile,
		Params: core.ActionParams{Path: "calc_test.go", Content: "package main\n"},
	})
	assert.True(t, h.ws.Exists("calc_test.go"))

	reviewer.act(context.Background(), core.Action{
		Kind:   core.ActionWriteFile,
		Params: core.ActionParams{Path: "notes.md", Content: "x"},
	})
	assert.Contains(t, lastHistory(t, reviewer), "not in your capability set")
}

func TestActWriteFileBlockedOnExisting(t *testing.T) {
	h := newHarness(t)
	r := h.runtime("dev-1", core.DeveloperRole("p"))

	_, err := h.ws.Write("app.go", "v1", "")
	require.NoError(t, err)

	r.act(context.Background(), core.Action{
		Kind:   core.ActionWriteFile,
		Params: core.ActionParams{Path: "app.go", Content: "v2"},
	})
	assert.Contains(t, lastHistory(t, r), "edit_file")

	content, err := h.ws.Read("app.go", "")
	require.NoError(t, err)
	assert.Equal(t, "v1", content, "existing file must not be overwritten")
}

func TestActRespectsReservations(t *testing.T) {
	h := newHarness(t)
	r := h.runtime("dev-1", core.DeveloperRole("p"))

	require.True(t, h.ws.Reserve("shared.go", "dev-2", time.Minute))

	r.act(context.Background(), core.Action{
		Kind:   core.ActionWriteFile,
		Params: core.ActionParams{Path: "shared.go", Content: "x"},
	})
	msg := lastHistory(t, r)
	assert.Contains(t, msg, "reserved by dev-2")
	assert.False(t, h.ws.Exists("shared.go"))
}

func TestActRunCommandSafeCommandExecutes(t *testing.T) {
	h := newHarness(t)
	r := h.runtime("dev-1", core.DeveloperRole("p"))

	r.act(context.Background(), core.Action{
		Kind:   core.ActionRunCommand,
		Params: core.ActionParams{Command: "go test ./..."},
	})

	require.Len(t, h.terminal.commands, 1)
	assert.Equal(t, "go test ./...", h.terminal.commands[0])
	assert.Contains(t, lastHistory(t, r), "Exit code: 0")
}

func TestActRunCommandUnsafeRequiresApproval(t *testing.T) {
	h := newHarness(t)
	r := h.runtime("dev-1", core.DeveloperRole("p"), func(o *Options) {
		o.ApprovalTimeout = 50 * time.Millisecond
	})

	// Nobody resolves the approval: the timeout rejects it.
	r.act(context.Background(), core.Action{
		Kind:   core.ActionRunCommand,
		Params: core.ActionParams{Command: "pip install requests"},
	})
	assert.Empty(t, h.terminal.commands)
	assert.Contains(t, lastHistory(t, r), "REJECTED")
}

func TestResolveApprovalApproves(t *testing.T) {
	h := newHarness(t)
	r := h.runtime("dev-1", core.DeveloperRole("p"), func(o *Options) {
		o.ApprovalTimeout = 2 * time.Second
	})

	inbox := h.bus.Subscribe("observer")
	approved := make(chan struct{})
	go func() {
		defer close(approved)
		for m := range inbox {
			if m.Type != bus.TypeApprovalRequest {
				continue
			}
			id, _ := m.Data["approval_id"].(string)
			r.ResolveApproval(id, true)
			return
		}
	}()

	r.act(context.Background(), core.Action{
		Kind:   core.ActionRunCommand,
		Params: core.ActionParams{Command: "npm install lodash"},
	})
	<-approved

	require.Len(t, h.terminal.commands, 1)
	assert.Equal(t, "npm install lodash", h.terminal.commands[0])

	results := h.bus.History(bus.HistoryFilter{Type: bus.TypeApprovalResult})
	require.Len(t, results, 1, "the resolution must be broadcast")
	assert.Equal(t, true, results[0].Data["approved"])
}

func TestResolveApprovalBroadcastsRejection(t *testing.T) {
	h := newHarness(t)
	r := h.runtime("dev-1", core.DeveloperRole("p"))

	r.mu.Lock()
	r.approvals["ap-1"] = make(chan bool, 1)
	r.mu.Unlock()

	r.ResolveApproval("ap-1", false)

	results := h.bus.History(bus.HistoryFilter{Type: bus.TypeApprovalResult})
	require.Len(t, results, 1)
	assert.Equal(t, false, results[0].Data["approved"])
	assert.Contains(t, results[0].Content, "rejected")

	// An unknown id resolves nothing and must stay silent.
	r.ResolveApproval("nope", true)
	assert.Len(t, h.bus.History(bus.HistoryFilter{Type: bus.TypeApprovalResult}), 1)
}

func TestQueuePendingDropsOldestAtBound(t *testing.T) {
	h := newHarness(t)
	r := h.runtime("dev-1", core.DeveloperRole("p"))

	for i := 0; i < maxPending+50; i++ {
		r.queuePending([]bus.Message{{ID: fmt.Sprintf("m-%d", i), Type: bus.TypeChat}})
	}

	require.Len(t, r.pending, maxPending)
	assert.Equal(t, "m-50", r.pending[0].ID, "oldest entries go first")
	assert.Equal(t, fmt.Sprintf("m-%d", maxPending+49), r.pending[len(r.pending)-1].ID)
}

func TestActDoneBlockedByOpenTasks(t *testing.T) {
	h := newHarness(t)
	r := h.runtime("orchestrator", core.OrchestratorRole("p"))

	h.graph.Create(taskgraph.CreateInput{Title: "build it", CreatedBy: "orchestrator", Assignee: "dev-1"})
	h.graph.MarkPlanningComplete()

	r.act(context.Background(), core.Action{Kind: core.ActionDone})

	assert.Contains(t, lastHistory(t, r), "Cannot complete mission")
	assert.False(t, r.completed)
}

func TestActDoneCompletesMission(t *testing.T) {
	h := newHarness(t)

	var completedBy string
	r := h.runtime("orchestrator", core.OrchestratorRole("p"), func(o *Options) {
		o.OnMissionComplete = func(_ context.Context, initiator string) { completedBy = initiator }
	})
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()

	task := h.graph.Create(taskgraph.CreateInput{Title: "t", CreatedBy: "orchestrator"})
	h.graph.MarkPlanningComplete()
	_, err := h.graph.UpdateStatus(task.ID, taskgraph.StatusDone, "orchestrator")
	require.NoError(t, err)

	r.act(context.Background(), core.Action{Kind: core.ActionDone})

	assert.True(t, r.isStopped())
	assert.Equal(t, "orchestrator", completedBy)

	history := h.bus.History(bus.HistoryFilter{Type: bus.TypeMissionComplete})
	assert.Len(t, history, 1)
}

func TestActDoneRequiresPrivilege(t *testing.T) {
	h := newHarness(t)
	r := h.runtime("dev-1", core.DeveloperRole("p"))

	r.act(context.Background(), core.Action{Kind: core.ActionDone})
	assert.Contains(t, lastHistory(t, r), "not in your capability set")
}

func TestActSuggestTaskDedupes(t *testing.T) {
	h := newHarness(t)
	r := h.runtime("reviewer", core.ReviewerRole("p"))

	action := core.Action{
		Kind:   core.ActionSuggestTask,
		Params: core.ActionParams{Title: "Fix error handling", Reason: "missing checks"},
	}
	r.act(context.Background(), action)
	r.act(context.Background(), action)

	history := h.bus.History(bus.HistoryFilter{Type: bus.TypeChat})
	suggestions := 0
	for _, m := range history {
		if strings.Contains(m.Content, "Task suggestion") {
			suggestions++
		}
	}
	assert.Equal(t, 1, suggestions, "repeat suggestion inside the window must be dropped")
}

func TestActCreateTaskDefaultsToRequiringReview(t *testing.T) {
	h := newHarness(t)
	orch := h.runtime("orchestrator", core.OrchestratorRole("p"))

	orch.act(context.Background(), core.Action{
		Kind:   core.ActionCreateTask,
		Params: core.ActionParams{Title: "implement parser", Assignee: "dev-1"},
	})

	tasks := h.graph.List()
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.True(t, task.RequiresReview)

	_, err := h.graph.UpdateStatus(task.ID, taskgraph.StatusInProgress, "dev-1")
	require.NoError(t, err)
	_, err = h.graph.UpdateStatus(task.ID, taskgraph.StatusInReview, "dev-1")
	require.NoError(t, err)

	_, err = h.graph.UpdateStatus(task.ID, taskgraph.StatusDone, "dev-1")
	var reviewErr *taskgraph.ReviewRequiredError
	require.ErrorAs(t, err, &reviewErr, "completion without a reviewer sign-off must be rejected")

	_, err = h.graph.MarkReviewed(task.ID, "reviewer")
	require.NoError(t, err)
	_, err = h.graph.UpdateStatus(task.ID, taskgraph.StatusDone, "dev-1")
	assert.NoError(t, err)
}

func TestActCreateTasksHonorsReviewOptOut(t *testing.T) {
	h := newHarness(t)
	orch := h.runtime("orchestrator", core.OrchestratorRole("p"))

	optOut := false
	orch.act(context.Background(), core.Action{
		Kind: core.ActionCreateTasks,
		Params: core.ActionParams{Tasks: []core.TaskSpec{
			{Title: "write docs", RequiresReview: &optOut},
			{Title: "implement API", RequiresTesting: true},
		}},
	})

	tasks := h.graph.List()
	require.Len(t, tasks, 2)
	byTitle := map[string]*taskgraph.Task{}
	for _, task := range tasks {
		byTitle[task.Title] = task
	}
	assert.False(t, byTitle["write docs"].RequiresReview)
	assert.True(t, byTitle["implement API"].RequiresReview)
	assert.True(t, byTitle["implement API"].RequiresTesting)
}

func TestTrimmedHistoryKeepsFirstAndRecent(t *testing.T) {
	h := newHarness(t)
	r := h.runtime("dev-1", core.DeveloperRole("p"), func(o *Options) {
		o.HistoryCharBudget = 120
	})

	r.appendHistory(model.RoleUser, "[MISSION GOAL]: build the thing")
	for i := 0; i < 20; i++ {
		r.appendHistory(model.RoleUser, strings.Repeat("x", 30))
	}
	r.appendHistory(model.RoleUser, "most recent entry")

	trimmed := r.trimmedHistory()
	require.NotEmpty(t, trimmed)
	assert.Contains(t, trimmed[0].Content, "MISSION GOAL")
	assert.Contains(t, trimmed[1].Content, "earlier messages summarized")
	assert.Equal(t, "most recent entry", trimmed[len(trimmed)-1].Content)

	total := 0
	for _, m := range trimmed[2:] {
		total += len(m.Content)
	}
	assert.LessOrEqual(t, total+len(trimmed[0].Content), 120)
}

func TestInjectReflectionAfterRepeatedFailures(t *testing.T) {
	h := newHarness(t)
	r := h.runtime("dev-1", core.DeveloperRole("p"))

	task := h.graph.Create(taskgraph.CreateInput{Title: "t", CreatedBy: "orchestrator", Assignee: "dev-1"})
	r.mu.Lock()
	r.taskFailures[task.ID] = reflectionThreshold
	r.taskLastError[task.ID] = "compile error"
	r.mu.Unlock()

	r.injectReflection()
	assert.Contains(t, lastHistory(t, r), "Self-Reflection Required")

	// One reflection per failure streak.
	before := len(r.history)
	r.injectReflection()
	assert.Len(t, r.history, before)
}

func TestStopIsIdempotentAndReleasesReservations(t *testing.T) {
	h := newHarness(t)
	r := h.runtime("dev-1", core.DeveloperRole("p"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	require.True(t, h.ws.Reserve("a.go", "dev-1", time.Minute))

	r.Stop()
	r.Stop()

	assert.Equal(t, StateStopped, r.State())
	_, held := h.ws.Holder("a.go")
	assert.False(t, held)
}

func TestPauseResume(t *testing.T) {
	h := newHarness(t)
	r := h.runtime("dev-1", core.DeveloperRole("p"))

	r.Pause()
	assert.Equal(t, StatePaused, r.State())
	assert.True(t, r.isPaused())
	r.Resume()
	assert.False(t, r.isPaused())
}

func TestHasActionable(t *testing.T) {
	h := newHarness(t)
	r := h.runtime("dev-1", core.DeveloperRole("p"))

	assert.False(t, r.hasActionable([]bus.Message{{Type: bus.TypeChat, Content: "hi"}}))
	assert.True(t, r.hasActionable([]bus.Message{{Type: bus.TypeTaskAssigned}}))
	assert.True(t, r.hasActionable([]bus.Message{{Type: bus.TypeChat, Mentions: []string{"dev-1"}}}))
}
