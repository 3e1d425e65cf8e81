package core

import (
	"context"
	"time"
)

// ExecResult is the outcome of a terminal command.
type ExecResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Terminal executes shell commands on behalf of agents. The substrate
// consumes this interface; implementations live outside the core.
type Terminal interface {
	Execute(ctx context.Context, command, cwd string) (*ExecResult, error)
}

// GitManager snapshots the workspace. Called only at mission-completion
// boundaries.
type GitManager interface {
	AutoCommit(ctx context.Context, message string) error
}

// MissionRecord captures a finished mission for persistence.
type MissionRecord struct {
	ID        string
	Goal      string
	Workspace string
	Tasks     []byte // JSON-encoded task list snapshot
	CostUSD   float64
	Duration  time.Duration
	Agents    []string
	Status    string
}

// LessonRecord captures a lesson learned during a mission, recalled into
// future prompts for the same role.
type LessonRecord struct {
	Role      string
	Lesson    string
	Context   string
	MissionID string
	Type      string // "pattern", "error_recovery", ...
}

// Persistence stores mission history and lessons. Calls are fire-and-forget
// from the core's perspective; failures are logged, never fatal.
type Persistence interface {
	SaveMission(ctx context.Context, rec MissionRecord) error
	SaveLesson(ctx context.Context, rec LessonRecord) error
}

// NoopGit is a GitManager that does nothing, used when snapshotting is not
// configured.
type NoopGit struct{}

// AutoCommit implements GitManager.
func (NoopGit) AutoCommit(context.Context, string) error { return nil }

// NoopPersistence discards mission and lesson records.
type NoopPersistence struct{}

// SaveMission implements Persistence.
func (NoopPersistence) SaveMission(context.Context, MissionRecord) error { return nil }

// SaveLesson implements Persistence.
func (NoopPersistence) SaveLesson(context.Context, LessonRecord) error { return nil }
