package core

import "strings"

// WritePolicy controls which workspace paths a role may mutate.
type WritePolicy int

const (
	// WriteNone forbids all write_file/edit_file/delete_file actions.
	WriteNone WritePolicy = iota
	// WritePatterns allows writes only to paths matching one of the role's
	// write patterns (substring match, e.g. "test" or "_test.go").
	WritePatterns
	// WriteAll allows writes to any workspace path.
	WriteAll
)

// Role is the data-driven descriptor that parameterizes an agent runtime:
// the system prompt, the capability set checked before every action, the
// write-permission policy and the preferred model cascade. A single Runtime
// type consumes a Role instead of subclass-style specialization.
type Role struct {
	Name            string
	SystemPrompt    string
	Capabilities    map[ActionKind]struct{}
	Policy          WritePolicy
	WritePaths      []string // substring patterns, only consulted for WritePatterns
	Privileged      bool     // may override task transitions and finalize plans
	PreferredModels []string // cascade hint for the router; empty uses the role-name cascade
}

// Allows is the single authorization check shared by all agent variants.
// A role with a nil capability set allows every known action kind.
func (r Role) Allows(kind ActionKind) bool {
	if r.Capabilities == nil {
		return kind.Known()
	}
	_, ok := r.Capabilities[kind]
	return ok
}

// CanWrite reports whether the role's write policy permits mutating path.
func (r Role) CanWrite(path string) bool {
	switch r.Policy {
	case WriteAll:
		return true
	case WritePatterns:
		for _, pat := range r.WritePaths {
			if strings.Contains(path, pat) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Caps builds a capability set from a list of action kinds.
func Caps(kinds ...ActionKind) map[ActionKind]struct{} {
	set := make(map[ActionKind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return set
}

// OrchestratorRole returns the privileged planner role. It is the only role
// allowed to create tasks, finalize the plan and complete the mission, and it
// may override workflow transitions.
func OrchestratorRole(prompt string) Role {
	return Role{
		Name:         "Orchestrator",
		SystemPrompt: prompt,
		Policy:       WriteAll,
		Privileged:   true,
	}
}

// DeveloperRole returns a full-write coding role.
func DeveloperRole(prompt string) Role {
	return Role{
		Name:         "Developer",
		SystemPrompt: prompt,
		Capabilities: Caps(
			ActionMessage, ActionReadFile, ActionWriteFile, ActionEditFile,
			ActionListFiles, ActionRunCommand, ActionUpdateTask,
			ActionSuggestTask, ActionRequestReview, ActionHandoff,
			ActionAskHelp, ActionShareInsight, ActionProposeApproach,
		),
		Policy: WriteAll,
	}
}

// ReviewerRole returns a read-only reviewing role. Reviewers never write;
// they read, sign off and suggest fix tasks.
func ReviewerRole(prompt string) Role {
	return Role{
		Name:         "Reviewer",
		SystemPrompt: prompt,
		Capabilities: Caps(
			ActionMessage, ActionReadFile, ActionListFiles, ActionRunCommand,
			ActionUpdateTask, ActionSuggestTask, ActionMarkReviewed,
			ActionAskHelp, ActionShareInsight, ActionProposeApproach,
		),
		Policy: WriteNone,
	}
}

// TesterRole returns a role that may only write test files.
func TesterRole(prompt string) Role {
	return Role{
		Name:         "Tester",
		SystemPrompt: prompt,
		Capabilities: Caps(
			ActionMessage, ActionReadFile, ActionWriteFile, ActionEditFile,
			ActionListFiles, ActionRunCommand, ActionUpdateTask,
			ActionSuggestTask, ActionMarkTested, ActionHandoff,
			ActionAskHelp, ActionShareInsight, ActionProposeApproach,
		),
		Policy:     WritePatterns,
		WritePaths: []string{"test", "spec", "_test."},
	}
}
