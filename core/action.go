package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ActionKind identifies one variant of the closed action vocabulary agents
// may emit. Unknown kinds degrade to ActionMessage at the parse boundary
// rather than failing the agent's turn.
type ActionKind string

// The closed set of action kinds.
const (
	ActionMessage         ActionKind = "message"
	ActionReadFile        ActionKind = "read_file"
	ActionWriteFile       ActionKind = "write_file"
	ActionEditFile        ActionKind = "edit_file"
	ActionListFiles       ActionKind = "list_files"
	ActionDeleteFile      ActionKind = "delete_file"
	ActionRunCommand      ActionKind = "run_command"
	ActionCreateTask      ActionKind = "create_task"
	ActionCreateTasks     ActionKind = "create_tasks"
	ActionFinalizePlan    ActionKind = "finalize_plan"
	ActionUpdateTask      ActionKind = "update_task"
	ActionSuggestTask     ActionKind = "suggest_task"
	ActionMarkReviewed    ActionKind = "mark_reviewed"
	ActionMarkTested      ActionKind = "mark_tested"
	ActionRequestReview   ActionKind = "request_review"
	ActionHandoff         ActionKind = "handoff"
	ActionAskHelp         ActionKind = "ask_help"
	ActionShareInsight    ActionKind = "share_insight"
	ActionProposeApproach ActionKind = "propose_approach"
	ActionDone            ActionKind = "done"
)

var knownKinds = map[ActionKind]struct{}{
	ActionMessage: {}, ActionReadFile: {}, ActionWriteFile: {}, ActionEditFile: {},
	ActionListFiles: {}, ActionDeleteFile: {}, ActionRunCommand: {},
	ActionCreateTask: {}, ActionCreateTasks: {}, ActionFinalizePlan: {},
	ActionUpdateTask: {}, ActionSuggestTask: {}, ActionMarkReviewed: {},
	ActionMarkTested: {}, ActionRequestReview: {}, ActionHandoff: {},
	ActionAskHelp: {}, ActionShareInsight: {}, ActionProposeApproach: {},
	ActionDone: {},
}

// Known reports whether k is part of the closed action vocabulary.
func (k ActionKind) Known() bool {
	_, ok := knownKinds[k]
	return ok
}

// TaskSpec describes a single task inside a batch create_tasks action.
type TaskSpec struct {
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Assignee     string   `json:"assignee,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Priority     string   `json:"priority,omitempty"`

	// Workflow sign-off requirements. RequiresReview is a pointer so an
	// omitted field defaults to true rather than false.
	RequiresReview  *bool `json:"requires_review,omitempty"`
	RequiresTesting bool  `json:"requires_testing,omitempty"`
}

// ActionParams carries the kind-specific parameters of an Action. It is the
// superset of all variant fields; each kind reads only the fields it defines.
type ActionParams struct {
	// File operations.
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
	Search  string `json:"search,omitempty"`
	Replace string `json:"replace,omitempty"`

	// Command execution.
	Command string `json:"command,omitempty"`

	// Task operations.
	TaskID       string     `json:"task_id,omitempty"`
	Title        string     `json:"title,omitempty"`
	Description  string     `json:"description,omitempty"`
	Assignee     string     `json:"assignee,omitempty"`
	Dependencies []string   `json:"dependencies,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
	Priority     string     `json:"priority,omitempty"`
	Status       string     `json:"status,omitempty"`
	Tasks        []TaskSpec `json:"tasks,omitempty"`
	Reason       string     `json:"reason,omitempty"`

	// Workflow sign-off requirements; see TaskSpec.
	RequiresReview  *bool `json:"requires_review,omitempty"`
	RequiresTesting bool  `json:"requires_testing,omitempty"`

	// Collaboration.
	Target       string   `json:"target,omitempty"`
	Question     string   `json:"question,omitempty"`
	Context      string   `json:"context,omitempty"`
	Insight      string   `json:"insight,omitempty"`
	Approach     string   `json:"approach,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
	Reviewers    []string `json:"reviewers,omitempty"`
	Files        []string `json:"files,omitempty"`
	NextRole     string   `json:"next_role,omitempty"`
}

// Action is the structured output of a model turn: a tagged record with the
// agent's reasoning, one action kind, its parameters and an optional chat
// message broadcast alongside the action.
type Action struct {
	Thinking string       `json:"thinking,omitempty"`
	Kind     ActionKind   `json:"action"`
	Params   ActionParams `json:"params,omitempty"`
	Message  string       `json:"message,omitempty"`
}

// MessageAction wraps free-form text into a plain message action. Used when a
// model response cannot be parsed as structured output.
func MessageAction(text string) Action {
	return Action{Kind: ActionMessage, Message: text}
}

// StripFences removes a surrounding markdown code fence from raw model text,
// if present. Models frequently wrap JSON in ```json ... ``` despite
// instructions.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[idx+1:]
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

// ParseAction decodes raw model output into an Action. The contract is
// forgiving at the boundary: fenced JSON is unwrapped, non-JSON text becomes
// a message action, and an unknown kind is reported via the returned flag so
// the caller can log it while still treating the turn as a message.
func ParseAction(raw string) (Action, bool) {
	text := StripFences(raw)

	var a Action
	if err := json.Unmarshal([]byte(text), &a); err != nil {
		return MessageAction(text), true
	}
	if a.Kind == "" {
		a.Kind = ActionMessage
	}
	if !a.Kind.Known() {
		return MessageAction(text), false
	}
	return a, true
}

// Validate checks variant-specific required parameters. It returns nil for
// kinds without hard requirements.
func (a Action) Validate() error {
	switch a.Kind {
	case ActionReadFile, ActionWriteFile, ActionListFiles, ActionDeleteFile:
		if a.Kind != ActionListFiles && a.Params.Path == "" {
			return fmt.Errorf("%s requires a path", a.Kind)
		}
	case ActionEditFile:
		if a.Params.Path == "" {
			return fmt.Errorf("edit_file requires a path")
		}
		if a.Params.Search == "" {
			return fmt.Errorf("edit_file requires a non-empty search parameter")
		}
	case ActionRunCommand:
		if a.Params.Command == "" {
			return fmt.Errorf("run_command requires a command")
		}
	case ActionUpdateTask, ActionMarkReviewed, ActionMarkTested:
		if a.Params.TaskID == "" {
			return fmt.Errorf("%s requires a task_id", a.Kind)
		}
	}
	return nil
}
