package agent

import (
	"regexp"
	"sync"

	"github.com/hupe1980/codeswarm/core"
	"github.com/hupe1980/codeswarm/logging"
)

// CheckpointAction controls what happens when a rule matches.
type CheckpointAction string

const (
	// CheckpointPause blocks the action on a human approval.
	CheckpointPause CheckpointAction = "pause"
	// CheckpointConfirm also blocks on approval but is presented as a
	// confirmation rather than a full stop.
	CheckpointConfirm CheckpointAction = "confirm"
)

// CheckpointRule matches agent actions against a pattern before execution.
type CheckpointRule struct {
	ID      string
	Trigger string // "command", "file_write", "file_delete" or "custom"
	Pattern string
	Action  CheckpointAction
	Label   string

	re *regexp.Regexp
}

// defaultCheckpointRules gate the operations that should always prompt.
func defaultCheckpointRules() []CheckpointRule {
	return []CheckpointRule{
		{ID: "default-rm", Trigger: "command", Pattern: `rm\s+-rf`, Action: CheckpointConfirm, Label: "Destructive delete"},
		{ID: "default-docker", Trigger: "command", Pattern: `docker\s+(rm|rmi|system\s+prune)`, Action: CheckpointConfirm, Label: "Docker cleanup"},
		{ID: "default-drop", Trigger: "command", Pattern: `DROP\s+(TABLE|DATABASE)`, Action: CheckpointConfirm, Label: "Database drop"},
		{ID: "default-deploy", Trigger: "command", Pattern: `(deploy|push.*production|kubectl\s+apply)`, Action: CheckpointPause, Label: "Production deploy"},
	}
}

// Checkpoints holds the human-in-the-loop pause rules shared by all agents.
type Checkpoints struct {
	mu     sync.RWMutex
	rules  []CheckpointRule
	logger logging.Logger
}

// NewCheckpoints builds a rule set seeded with the default destructive
// operation rules.
func NewCheckpoints(logger logging.Logger) *Checkpoints {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	c := &Checkpoints{logger: logger}
	for _, r := range defaultCheckpointRules() {
		r.re = regexp.MustCompile(`(?i)` + r.Pattern)
		c.rules = append(c.rules, r)
	}
	return c
}

// Rules returns a copy of the current rule set.
func (c *Checkpoints) Rules() []CheckpointRule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]CheckpointRule(nil), c.rules...)
}

// AddRule registers a custom rule. Invalid patterns are rejected.
func (c *Checkpoints) AddRule(trigger, pattern string, action CheckpointAction, label string) (CheckpointRule, error) {
	re, err := regexp.Compile(`(?i)` + pattern)
	if err != nil {
		return CheckpointRule{}, err
	}
	if label == "" {
		label = "Custom: " + pattern
	}
	rule := CheckpointRule{
		ID:      "custom-" + core.NewShortID(),
		Trigger: trigger,
		Pattern: pattern,
		Action:  action,
		Label:   label,
		re:      re,
	}
	c.mu.Lock()
	c.rules = append(c.rules, rule)
	c.mu.Unlock()
	c.logger.Info("checkpoint added", "label", label)
	return rule, nil
}

// RemoveRule deletes a rule by id.
func (c *Checkpoints) RemoveRule(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.rules[:0]
	for _, r := range c.rules {
		if r.ID != id {
			kept = append(kept, r)
		}
	}
	c.rules = kept
}

// Check matches an action against the rules and returns the first hit.
func (c *Checkpoints) Check(action core.Action) (CheckpointRule, bool) {
	var text, trigger string
	switch action.Kind {
	case core.ActionRunCommand:
		text, trigger = action.Params.Command, "command"
	case core.ActionWriteFile:
		text, trigger = action.Params.Path, "file_write"
	case core.ActionDeleteFile:
		text, trigger = action.Params.Path, "file_delete"
	default:
		text, trigger = action.Params.Path+" "+action.Params.Command, string(action.Kind)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, r := range c.rules {
		if r.Trigger != trigger && r.Trigger != "command" && r.Trigger != "custom" {
			continue
		}
		if r.re.MatchString(text) {
			c.logger.Info("checkpoint triggered", "label", r.Label, "text", text)
			return r, true
		}
	}
	return CheckpointRule{}, false
}
