package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/codeswarm/bus"
	"github.com/hupe1980/codeswarm/core"
	"github.com/hupe1980/codeswarm/model"
	"github.com/hupe1980/codeswarm/taskgraph"
)

// safeCommandPrefixes are auto-approved without user confirmation.
var safeCommandPrefixes = []string{
	"go test", "go vet", "go build", "go run",
	"python3 -m pytest", "python -m pytest", "pytest",
	"python3 -m py_compile", "python -m py_compile",
	"python3 -c", "python -c",
	"cat ", "head ", "tail ", "wc ",
	"ls", "find ", "grep ", "rg ",
	"echo ", "pwd", "which ", "whoami",
	"tree ", "file ", "stat ",
	"diff ", "sort ", "uniq ",
	"node -e", "node --version", "npm list", "npm test", "npm run test",
}

// destructivePatterns always require approval, regardless of prefix.
var destructivePatterns = []string{
	"rm ", "rm -", "rmdir", "mv ", "cp ",
	"pip install", "pip3 install", "npm install", "yarn add",
	"brew ", "apt ", "sudo ",
	"chmod ", "chown ",
	"kill ", "pkill ",
	"curl ", "wget ",
	"> ", ">> ", "| tee",
}

func isSafeCommand(command string) bool {
	cmd := strings.TrimSpace(command)
	for _, pat := range destructivePatterns {
		if strings.Contains(cmd, pat) {
			return false
		}
	}
	if strings.Contains(cmd, "|") && !strings.HasPrefix(cmd, "grep ") && !strings.HasPrefix(cmd, "cat ") {
		return false
	}
	for _, prefix := range safeCommandPrefixes {
		if strings.HasPrefix(cmd, prefix) {
			return true
		}
	}
	return false
}

// act dispatches a structured action to the owning component. Failures are
// converted to system messages in the agent's own conversation, never
// propagated as loop errors.
func (r *Runtime) act(ctx context.Context, action core.Action) {
	kind := action.Kind

	if !r.role.Allows(kind) {
		r.appendSystem(fmt.Sprintf("Action %q is not in your capability set.", kind))
		return
	}
	if err := action.Validate(); err != nil {
		r.appendSystem(err.Error())
		return
	}

	// Role-based write enforcement, one shared policy for every agent.
	if kind == core.ActionWriteFile || kind == core.ActionEditFile || kind == core.ActionDeleteFile {
		if !r.role.CanWrite(action.Params.Path) {
			r.logger.Warn("write blocked by role policy", "agent_id", r.id, "action", string(kind), "path", action.Params.Path)
			r.appendSystem(r.writeDeniedMessage(kind, action.Params.Path))
			return
		}
	}

	// Checkpoint gate before execution.
	if rule, matched := r.checkpoints.Check(action); matched {
		desc := fmt.Sprintf("Checkpoint: %s. Agent %s wants to: %s", rule.Label, r.id, kind)
		if rule.Action == CheckpointConfirm {
			desc = fmt.Sprintf("Requires confirmation: %s (%s by %s)", rule.Label, kind, r.id)
		}
		if !r.requestApproval(ctx, action, desc) {
			r.appendSystem(fmt.Sprintf("Checkpoint %q rejected the action. It was not executed.", rule.Label))
			return
		}
	}

	switch kind {
	case core.ActionMessage:
		// Chat only, handled below.

	case core.ActionReadFile:
		r.actReadFile(action)
	case core.ActionWriteFile:
		r.actWriteFile(action)
	case core.ActionEditFile:
		r.actEditFile(action)
	case core.ActionListFiles:
		r.actListFiles(action)
	case core.ActionDeleteFile:
		r.actDeleteFile(ctx, action)
	case core.ActionRunCommand:
		r.actRunCommand(ctx, action)

	case core.ActionCreateTask:
		r.actCreateTask(action)
	case core.ActionCreateTasks:
		r.actCreateTasks(action)
	case core.ActionFinalizePlan:
		r.actFinalizePlan()
	case core.ActionUpdateTask:
		r.actUpdateTask(ctx, action)
	case core.ActionSuggestTask:
		r.actSuggestTask(action)
	case core.ActionMarkReviewed:
		r.actMarkReviewed(action)
	case core.ActionMarkTested:
		r.actMarkTested(action)
	case core.ActionRequestReview:
		r.actRequestReview(action)
	case core.ActionHandoff:
		r.actHandoff(action)

	case core.ActionAskHelp:
		r.actAskHelp(action)
	case core.ActionShareInsight:
		r.actShareInsight(action)
	case core.ActionProposeApproach:
		r.actProposeApproach(action)

	case core.ActionDone:
		r.actDone(ctx)

	default:
		r.logger.Warn("unknown action kind", "agent_id", r.id, "kind", string(kind))
	}

	if action.Message != "" {
		r.bus.Publish(bus.Message{
			Sender:     r.id,
			SenderRole: r.role.Name,
			Type:       bus.TypeChat,
			Content:    action.Message,
		})
	}
}

func (r *Runtime) writeDeniedMessage(kind core.ActionKind, path string) string {
	switch r.role.Policy {
	case core.WriteNone:
		return fmt.Sprintf(
			"As a %s you cannot use %q. Your role is to READ and REVIEW, then use suggest_task to ask the Orchestrator to create fix tasks.",
			r.role.Name, kind,
		)
	case core.WritePatterns:
		return fmt.Sprintf(
			"As a %s you can only write files matching: %s. %q is outside that set. Use suggest_task to request a fix task instead.",
			r.role.Name, strings.Join(r.role.WritePaths, ", "), path,
		)
	default:
		return fmt.Sprintf("Write to %q denied by role policy.", path)
	}
}

// claimPath takes an advisory reservation before mutating a file. A live
// reservation held by another agent turns into a coordination message
// instead of a conflicting write.
func (r *Runtime) claimPath(path string) bool {
	if r.ws.Reserve(path, r.id, r.opts.ReservationTTL) {
		return true
	}
	holder, _ := r.ws.Holder(path)
	r.appendSystem(fmt.Sprintf(
		"File %q is currently reserved by %s. Coordinate with them (ask_help) or pick another task until the reservation expires.",
		path, holder,
	))
	return false
}

func (r *Runtime) actReadFile(action core.Action) {
	path := action.Params.Path
	content, err := r.ws.Read(path, r.id)
	if err != nil {
		r.appendSystem(fmt.Sprintf("read_file error: %v", err))
		return
	}
	r.appendHistory(model.RoleUser, fmt.Sprintf("[File content of %s]:\n```\n%s\n```", path, content))
}

func (r *Runtime) actWriteFile(action core.Action) {
	path := action.Params.Path

	// Full overwrites on existing files destroy concurrent work; force a
	// targeted edit instead.
	if r.ws.Exists(path) {
		r.logger.Warn("blocked write_file on existing file", "agent_id", r.id, "path", path)
		r.appendSystem(fmt.Sprintf(
			"Cannot use write_file on existing file %q. write_file OVERWRITES the whole file. "+
				"Use read_file to see the current content, then edit_file with the exact search text to change.",
			path,
		))
		return
	}
	if !r.claimPath(path) {
		return
	}

	diff, err := r.ws.Write(path, action.Params.Content, r.id)
	if err != nil {
		r.appendSystem(fmt.Sprintf("write_file error: %v", err))
		return
	}
	r.publishFileUpdate("Wrote file: "+path, path, diff)
}

func (r *Runtime) actEditFile(action core.Action) {
	path := action.Params.Path
	if !r.claimPath(path) {
		return
	}
	diff, err := r.ws.Edit(path, action.Params.Search, action.Params.Replace, r.id)
	if err != nil {
		r.appendSystem(fmt.Sprintf("edit_file error: %v", err))
		return
	}
	r.publishFileUpdate("Edited file: "+path, path, diff)
}

func (r *Runtime) publishFileUpdate(content, path string, diff any) {
	r.bus.Publish(bus.Message{
		Sender:     r.id,
		SenderRole: r.role.Name,
		Type:       bus.TypeFileUpdate,
		Content:    content,
		Data:       map[string]any{"path": path, "diff": diff},
	})
}

func (r *Runtime) actListFiles(action core.Action) {
	entries, err := r.ws.List(action.Params.Path)
	if err != nil {
		r.appendSystem(fmt.Sprintf("list_files error: %v", err))
		return
	}
	listing, _ := json.MarshalIndent(entries, "", "  ")
	r.appendHistory(model.RoleUser, "[Directory listing]:\n"+string(listing))
}

func (r *Runtime) actDeleteFile(ctx context.Context, action core.Action) {
	path := action.Params.Path
	if !r.requestApproval(ctx, action, fmt.Sprintf("Agent %s wants to delete: %q", r.id, path)) {
		r.appendSystem(fmt.Sprintf("Deletion of %q was rejected.", path))
		return
	}
	removed, err := r.ws.Delete(path)
	if err != nil {
		r.appendSystem(fmt.Sprintf("delete_file error: %v", err))
		return
	}
	if !removed {
		r.appendSystem(fmt.Sprintf("File %q does not exist.", path))
		return
	}
	r.publishFileUpdate("Deleted file: "+path, path, nil)
}

func (r *Runtime) actRunCommand(ctx context.Context, action core.Action) {
	command := action.Params.Command
	if !isSafeCommand(command) {
		if !r.requestApproval(ctx, action, fmt.Sprintf("[%s] wants to run: `%s`", r.id, command)) {
			r.appendSystem(fmt.Sprintf("Command REJECTED: `%s`. Try a different approach or ask for guidance.", command))
			return
		}
	}

	result, err := r.terminal.Execute(ctx, command, r.ws.Root())
	if err != nil {
		r.appendSystem(fmt.Sprintf("run_command error: %v", err))
		return
	}
	r.bus.Publish(bus.Message{
		Sender:     r.id,
		SenderRole: r.role.Name,
		Type:       bus.TypeTerminalOutput,
		Content:    "$ " + command,
		Data: map[string]any{
			"command":   command,
			"stdout":    result.Stdout,
			"stderr":    result.Stderr,
			"exit_code": result.ExitCode,
			"duration":  result.Duration.Seconds(),
		},
	})
	r.appendHistory(model.RoleUser, fmt.Sprintf(
		"[Command output for `%s`]:\nstdout: %s\nstderr: %s\nExit code: %d",
		command, truncate(result.Stdout, 2000), truncate(result.Stderr, 1000), result.ExitCode,
	))
}

func (r *Runtime) actCreateTask(action core.Action) {
	if !r.role.Privileged {
		r.appendSystem("Only the Orchestrator can create tasks. Use suggest_task to propose one.")
		return
	}
	p := action.Params
	task := r.graph.Create(taskgraph.CreateInput{
		Title:           p.Title,
		Description:     p.Description,
		CreatedBy:       r.id,
		Assignee:        p.Assignee,
		Dependencies:    p.Dependencies,
		Tags:            p.Tags,
		Priority:        p.Priority,
		RequiresReview:  reviewRequired(p.RequiresReview),
		RequiresTesting: p.RequiresTesting,
	})
	r.publishTask("Created task: "+task.Title, task, []string{p.Assignee})
}

// reviewRequired resolves the optional requires_review parameter: tasks go
// through review unless the planner explicitly opts out.
func reviewRequired(v *bool) bool {
	if v == nil {
		return true
	}
	return *v
}

func (r *Runtime) actCreateTasks(action core.Action) {
	if !r.role.Privileged {
		r.appendSystem("Only the Orchestrator can create tasks.")
		return
	}
	var created []*taskgraph.Task
	for _, spec := range action.Params.Tasks {
		created = append(created, r.graph.Create(taskgraph.CreateInput{
			Title:           spec.Title,
			Description:     spec.Description,
			CreatedBy:       r.id,
			Assignee:        spec.Assignee,
			Dependencies:    spec.Dependencies,
			Tags:            spec.Tags,
			Priority:        spec.Priority,
			RequiresReview:  reviewRequired(spec.RequiresReview),
			RequiresTesting: spec.RequiresTesting,
		}))
	}
	tasks, _ := json.Marshal(created)
	r.bus.Publish(bus.Message{
		Sender:     r.id,
		SenderRole: r.role.Name,
		Type:       bus.TypeTaskAssigned,
		Content:    fmt.Sprintf("Created %d tasks for the mission", len(created)),
		Data:       map[string]any{"tasks": json.RawMessage(tasks)},
	})
	r.appendSystem(fmt.Sprintf("Successfully created %d tasks. Now call finalize_plan to enable completion checks.", len(created)))
}

func (r *Runtime) actFinalizePlan() {
	if !r.role.Privileged {
		r.appendSystem("Only the Orchestrator can finalize the plan.")
		return
	}
	r.graph.MarkPlanningComplete()
	r.bus.Publish(bus.Message{
		Sender:     r.id,
		SenderRole: r.role.Name,
		Type:       bus.TypeSystem,
		Content:    fmt.Sprintf("Plan finalized with %d tasks, agents can now work", len(r.graph.List())),
	})
}

func (r *Runtime) actUpdateTask(ctx context.Context, action core.Action) {
	p := action.Params
	if p.Status == "" {
		r.appendSystem("update_task requires a status.")
		return
	}
	next := taskgraph.Status(p.Status)
	if !next.Valid() {
		r.appendSystem(fmt.Sprintf("Unknown task status %q.", p.Status))
		return
	}

	task, err := r.graph.UpdateStatus(p.TaskID, next, r.id)
	if err != nil {
		r.appendSystem("Cannot update task status: " + err.Error())
		return
	}
	r.publishTask(fmt.Sprintf("Task [%s] updated to %s", task.ID, task.Status), task, nil)

	if next != taskgraph.StatusDone {
		return
	}
	if r.graph.AllDone() {
		if r.role.Privileged {
			r.markStopped()
			r.completeMission(ctx, "completed")
			return
		}
		r.bus.Publish(bus.Message{
			Sender:     r.id,
			SenderRole: r.role.Name,
			Type:       bus.TypeChat,
			Content:    "All tasks appear to be done. Orchestrator, please verify and use `done` to complete the mission.",
			Mentions:   []string{"orchestrator"},
		})
		return
	}
	// A finished coding task triggers review and verification.
	if r.role.Name == "Developer" {
		r.bus.Publish(bus.Message{
			Sender:     r.id,
			SenderRole: r.role.Name,
			Type:       bus.TypeChat,
			Content: fmt.Sprintf(
				"Task %q implementation complete. @reviewer review the code and @tester run tests to verify.",
				task.Title,
			),
			Mentions: []string{"reviewer", "tester"},
		})
	}
}

func (r *Runtime) publishTask(content string, task *taskgraph.Task, mentions []string) {
	data, _ := json.Marshal(task)
	var clean []string
	for _, m := range mentions {
		if m != "" {
			clean = append(clean, m)
		}
	}
	r.bus.Publish(bus.Message{
		Sender:     r.id,
		SenderRole: r.role.Name,
		Type:       bus.TypeTaskAssigned,
		Content:    content,
		Data:       map[string]any{"task": json.RawMessage(data)},
		Mentions:   clean,
	})
}

// actSuggestTask dedupes repeat suggestions inside a two minute window.
func (r *Runtime) actSuggestTask(action core.Action) {
	title := action.Params.Title
	key := strings.ToLower(strings.TrimSpace(title))

	r.mu.Lock()
	now := time.Now()
	for k, t := range r.suggestions {
		if now.Sub(t) > 2*time.Minute {
			delete(r.suggestions, k)
		}
	}
	if _, dup := r.suggestions[key]; dup {
		r.mu.Unlock()
		r.logger.Info("deduped task suggestion", "agent_id", r.id, "title", title)
		return
	}
	r.suggestions[key] = now
	r.mu.Unlock()

	reason := action.Params.Reason
	if reason == "" {
		reason = action.Message
	}
	params, _ := json.Marshal(action.Params)
	r.bus.Publish(bus.Message{
		Sender:     r.id,
		SenderRole: r.role.Name,
		Type:       bus.TypeChat,
		Content:    fmt.Sprintf("Task suggestion: %s\nReason: %s", title, reason),
		Data:       map[string]any{"suggestion": json.RawMessage(params)},
		Mentions:   []string{"orchestrator"},
	})
}

func (r *Runtime) actMarkReviewed(action core.Action) {
	task, err := r.graph.MarkReviewed(action.Params.TaskID, r.id)
	if err != nil {
		r.appendSystem("mark_reviewed failed: " + err.Error())
		return
	}
	r.bus.Publish(bus.Message{
		Sender:     r.id,
		SenderRole: r.role.Name,
		Type:       bus.TypeReviewResult,
		Content:    fmt.Sprintf("Task [%s] reviewed by %s", task.ID, r.id),
		Data:       map[string]any{"task_id": task.ID, "reviewed_by": r.id},
		Mentions:   []string{task.Assignee},
	})
}

func (r *Runtime) actMarkTested(action core.Action) {
	task, err := r.graph.MarkTested(action.Params.TaskID, r.id)
	if err != nil {
		r.appendSystem("mark_tested failed: " + err.Error())
		return
	}
	r.bus.Publish(bus.Message{
		Sender:     r.id,
		SenderRole: r.role.Name,
		Type:       bus.TypeTestResult,
		Content:    fmt.Sprintf("Task [%s] tested by %s", task.ID, r.id),
		Data:       map[string]any{"task_id": task.ID, "tested_by": r.id},
		Mentions:   []string{task.Assignee},
	})
}

func (r *Runtime) actRequestReview(action core.Action) {
	p := action.Params
	if p.TaskID != "" {
		r.bus.Publish(bus.Message{
			Sender:     r.id,
			SenderRole: r.role.Name,
			Type:       bus.TypeHandoff,
			Content:    fmt.Sprintf("Pre-review handoff for task [%s]", p.TaskID),
			Data: map[string]any{
				"task_id":       p.TaskID,
				"files_touched": p.Files,
				"next_role":     "reviewer",
			},
			Mentions: p.Reviewers,
		})
	}
	content := action.Message
	if content == "" {
		content = "Please review my code"
	}
	params, _ := json.Marshal(p)
	r.bus.Publish(bus.Message{
		Sender:     r.id,
		SenderRole: r.role.Name,
		Type:       bus.TypeReviewRequest,
		Content:    content,
		Data:       map[string]any{"params": json.RawMessage(params)},
		Mentions:   p.Reviewers,
	})
}

func (r *Runtime) actHandoff(action core.Action) {
	p := action.Params
	if p.TaskID != "" && p.NextRole != "" {
		if _, err := r.graph.SetHandoff(p.TaskID, p.NextRole, p.Reason); err != nil {
			r.appendSystem("handoff failed: " + err.Error())
			return
		}
	}
	content := action.Message
	if content == "" {
		content = fmt.Sprintf("Handoff for task [%s]", p.TaskID)
	}
	var mentions []string
	if p.NextRole != "" {
		mentions = []string{p.NextRole}
	}
	r.bus.Publish(bus.Message{
		Sender:     r.id,
		SenderRole: r.role.Name,
		Type:       bus.TypeHandoff,
		Content:    content,
		Data: map[string]any{
			"task_id":       p.TaskID,
			"files_touched": p.Files,
			"next_role":     p.NextRole,
			"reason":        p.Reason,
		},
		Mentions: mentions,
	})
}

func (r *Runtime) actAskHelp(action core.Action) {
	p := action.Params
	target := p.Target
	if target == "" {
		target = "orchestrator"
	}
	question := p.Question
	if question == "" {
		question = action.Message
	}
	content := fmt.Sprintf("Help needed from @%s\n\nQuestion: %s\n", target, question)
	if p.Context != "" {
		content += "What I've tried: " + p.Context + "\n"
	}
	if p.TaskID != "" {
		content += fmt.Sprintf("Task: [%s]\n", p.TaskID)
	}
	r.bus.Publish(bus.Message{
		Sender:     r.id,
		SenderRole: r.role.Name,
		Type:       bus.TypeAskHelp,
		Content:    content,
		Data:       map[string]any{"question": question, "context": p.Context, "task_id": p.TaskID},
		Mentions:   []string{target},
	})
}

func (r *Runtime) actShareInsight(action core.Action) {
	p := action.Params
	insight := p.Insight
	if insight == "" {
		insight = action.Message
	}
	content := fmt.Sprintf("Insight from %s:\n%s", r.id, insight)
	if len(p.Files) > 0 {
		content += "\nRelated files: " + strings.Join(p.Files, ", ")
	}
	r.bus.Publish(bus.Message{
		Sender:     r.id,
		SenderRole: r.role.Name,
		Type:       bus.TypeShareInsight,
		Content:    content,
		Data:       map[string]any{"insight": insight, "files": p.Files},
	})
}

func (r *Runtime) actProposeApproach(action core.Action) {
	p := action.Params
	approach := p.Approach
	if approach == "" {
		approach = action.Message
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Approach proposal from %s:\n\nProposed: %s\n", r.id, approach)
	if len(p.Alternatives) > 0 {
		b.WriteString("Alternatives considered:\n")
		for i, alt := range p.Alternatives {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, alt)
		}
	}
	if p.TaskID != "" {
		fmt.Fprintf(&b, "\nFor task: [%s]\n", p.TaskID)
	}
	b.WriteString("\n@orchestrator @reviewer feedback welcome before I start coding.")
	r.bus.Publish(bus.Message{
		Sender:     r.id,
		SenderRole: r.role.Name,
		Type:       bus.TypeProposeApproach,
		Content:    b.String(),
		Data:       map[string]any{"approach": approach, "alternatives": p.Alternatives, "task_id": p.TaskID},
		Mentions:   []string{"orchestrator", "reviewer"},
	})
}

// actDone completes the mission, guarded against open tasks.
func (r *Runtime) actDone(ctx context.Context) {
	if !r.role.Privileged {
		r.appendSystem("Only the Orchestrator can complete the mission. Notify the orchestrator if you believe it is done.")
		return
	}
	summary := r.graph.GetSummary()
	if summary.Todo > 0 || summary.InProgress > 0 {
		var open []string
		for _, t := range r.graph.List() {
			if t.Status == taskgraph.StatusTodo || t.Status == taskgraph.StatusInProgress {
				open = append(open, fmt.Sprintf("  - [%s] %s", t.Status, t.Title))
			}
		}
		r.appendSystem(fmt.Sprintf(
			"Cannot complete mission: %d todo and %d in-progress task(s) remain:\n%s\nWait for all tasks to finish, or complete them first.",
			summary.Todo, summary.InProgress, strings.Join(open, "\n"),
		))
		r.logger.Warn("mission completion blocked", "agent_id", r.id, "todo", summary.Todo, "in_progress", summary.InProgress)
		return
	}
	r.markStopped()
	r.completeMission(ctx, "completed")
}
