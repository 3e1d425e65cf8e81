// Package codeswarm provides a high-level façade over the coordination
// substrate: the message bus, task graph, shared workspace, model router and
// the per-agent runtimes. Most applications interact with this package by:
//  1. Creating a Swarm via New() from a config.Config
//  2. Registering agents (AddDefaultAgents or AddAgent with a custom Role)
//  3. Calling StartMission with a goal and observing the bus
//
// The façade wires defaults that are safe for local development; production
// use typically supplies a structured logger and a persistent database path.
package codeswarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hupe1980/codeswarm/agent"
	"github.com/hupe1980/codeswarm/bus"
	"github.com/hupe1980/codeswarm/config"
	"github.com/hupe1980/codeswarm/core"
	"github.com/hupe1980/codeswarm/logging"
	"github.com/hupe1980/codeswarm/model"
	anthropicprovider "github.com/hupe1980/codeswarm/model/anthropic"
	openaiprovider "github.com/hupe1980/codeswarm/model/openai"
	"github.com/hupe1980/codeswarm/router"
	"github.com/hupe1980/codeswarm/store/sqlite"
	"github.com/hupe1980/codeswarm/taskgraph"
	"github.com/hupe1980/codeswarm/terminal"
	"github.com/hupe1980/codeswarm/workspace"
)

// ErrMissionRunning is returned by StartMission while a mission is active.
var ErrMissionRunning = errors.New("codeswarm: mission already running")

// ErrUnknownAgent is returned when an agent id is not registered.
var ErrUnknownAgent = errors.New("codeswarm: unknown agent")

// Options configures the Swarm instance beyond what config.Config carries.
type Options struct {
	// Logger defaults to a slog-backed logger built from the config's level
	// and format.
	Logger logging.Logger
	// Providers overrides the provider set built from the config's API keys.
	Providers map[string]model.Provider
	// Terminal defaults to an exec-backed terminal with the configured
	// command timeout.
	Terminal core.Terminal
	// Git defaults to a GitAutoCommitter on the workspace root.
	Git core.GitManager
	// Persistence defaults to a sqlite store when the config names a
	// database path, NoopPersistence otherwise.
	Persistence core.Persistence
	// Checkpoints defaults to the built-in destructive-command rules.
	Checkpoints *agent.Checkpoints
}

// AgentInfo is a snapshot of one registered agent.
type AgentInfo struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	State string `json:"state"`
}

// Swarm is the high-level façade aggregating the substrate components and the
// registered agents.
type Swarm struct {
	cfg    config.Config
	logger logging.Logger

	bus         *bus.Bus
	graph       *taskgraph.Graph
	ws          *workspace.Store
	router      *router.Router
	terminal    core.Terminal
	git         core.GitManager
	persistence core.Persistence
	checkpoints *agent.Checkpoints
	db          *sqlite.Store // nil unless the façade opened it

	mu           sync.Mutex
	roles        map[string]core.Role
	order        []string
	runtimes     map[string]*agent.Runtime
	running      bool
	missionID    string
	missionGoal  string
	missionStart time.Time
	finished     bool
}

// New wires a Swarm from the config. At least one provider API key (or an
// explicit Options.Providers set) is required.
func New(cfg config.Config, optFns ...func(o *Options)) (*Swarm, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(&logging.LoggerConfig{
			Level:     parseLogLevel(cfg.LogLevel),
			Format:    cfg.LogFormat,
			Output:    os.Stderr,
			Component: "codeswarm",
		})
	}

	providers := opts.Providers
	if providers == nil {
		providers = make(map[string]model.Provider)
		if cfg.AnthropicAPIKey != "" {
			providers["anthropic"] = anthropicprovider.New(func(o *anthropicprovider.Options) {
				o.APIKey = cfg.AnthropicAPIKey
			})
		}
		if cfg.OpenAIAPIKey != "" {
			providers["openai"] = openaiprovider.New(func(o *openaiprovider.Options) {
				o.APIKey = cfg.OpenAIAPIKey
			})
		}
	}
	if len(providers) == 0 {
		return nil, errors.New("codeswarm: no model provider configured, set ANTHROPIC_API_KEY or OPENAI_API_KEY")
	}

	ws, err := workspace.New(cfg.WorkspaceRoot, func(o *workspace.Options) {
		o.Logger = logger
	})
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}

	models := router.DefaultModels()
	for i, m := range models {
		if rpm, ok := cfg.ModelRPM[m.Name]; ok && rpm > 0 {
			models[i].RPM = rpm
		}
	}

	s := &Swarm{
		cfg:      cfg,
		logger:   logger,
		bus:      bus.New(func(o *bus.Options) { o.Logger = logger }),
		graph:    taskgraph.New(func(o *taskgraph.Options) { o.Logger = logger }),
		ws:       ws,
		roles:    make(map[string]core.Role),
		runtimes: make(map[string]*agent.Runtime),
	}

	s.router = router.New(providers, func(o *router.Options) {
		o.Models = models
		o.BudgetUSD = cfg.BudgetUSD
		o.Logger = logger
		for role, cascade := range cfg.Cascades {
			o.Cascades[role] = cascade
		}
	})

	s.terminal = opts.Terminal
	if s.terminal == nil {
		s.terminal = terminal.New(func(o *terminal.Options) {
			o.Timeout = cfg.CommandTimeout.Std()
			o.Logger = logger
		})
	}

	s.git = opts.Git
	if s.git == nil {
		s.git = NewGitAutoCommitter(ws.Root(), logger)
	}

	s.persistence = opts.Persistence
	if s.persistence == nil {
		if cfg.DatabasePath != "" {
			db, err := sqlite.Open(cfg.DatabasePath)
			if err != nil {
				return nil, fmt.Errorf("sqlite: %w", err)
			}
			if err := db.Migrate(context.Background()); err != nil {
				db.Close()
				return nil, fmt.Errorf("sqlite migrate: %w", err)
			}
			s.db = db
			s.persistence = db
		} else {
			s.persistence = core.NoopPersistence{}
		}
	}

	s.checkpoints = opts.Checkpoints
	if s.checkpoints == nil {
		s.checkpoints = agent.NewCheckpoints(logger)
	}

	logger.Info("swarm ready", "workspace", ws.Root(), "budget_usd", cfg.BudgetUSD)
	return s, nil
}

func parseLogLevel(s string) logging.LogLevel {
	switch s {
	case "debug":
		return logging.LogLevelDebug
	case "warn":
		return logging.LogLevelWarn
	case "error":
		return logging.LogLevelError
	default:
		return logging.LogLevelInfo
	}
}

// AddAgent registers an agent under id with the given role descriptor. The
// runtime itself is created at StartMission. Returns an error for duplicate
// ids or while a mission is running.
func (s *Swarm) AddAgent(id string, role core.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrMissionRunning
	}
	if _, ok := s.roles[id]; ok {
		return fmt.Errorf("codeswarm: agent %q already registered", id)
	}
	s.roles[id] = role
	s.order = append(s.order, id)
	if len(role.PreferredModels) > 0 {
		s.router.SetCascade(role.Name, role.PreferredModels)
	}
	s.logger.Info("agent registered", "agent_id", id, "role", role.Name)
	return nil
}

// AddDefaultAgents registers the standard team: orchestrator, developer,
// reviewer and tester with the built-in prompts.
func (s *Swarm) AddDefaultAgents() error {
	for _, reg := range []struct {
		id   string
		role core.Role
	}{
		{"orchestrator", core.OrchestratorRole(OrchestratorPrompt)},
		{"developer", core.DeveloperRole(DeveloperPrompt)},
		{"reviewer", core.ReviewerRole(ReviewerPrompt)},
		{"tester", core.TesterRole(TesterPrompt)},
	} {
		if err := s.AddAgent(reg.id, reg.role); err != nil {
			return err
		}
	}
	return nil
}

// StartMission creates and starts a runtime per registered agent and
// broadcasts the goal. It returns the mission id immediately; the mission runs
// on the agents' goroutines until completion, budget exhaustion or Stop.
func (s *Swarm) StartMission(ctx context.Context, goal string) (string, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return "", ErrMissionRunning
	}
	if len(s.roles) == 0 {
		s.mu.Unlock()
		return "", errors.New("codeswarm: no agents registered")
	}
	s.running = true
	s.finished = false
	s.missionID = core.NewShortID()
	s.missionGoal = goal
	s.missionStart = time.Now()
	missionID := s.missionID
	order := append([]string(nil), s.order...)
	s.mu.Unlock()

	s.graph.Clear()

	for _, id := range order {
		s.mu.Lock()
		role := s.roles[id]
		s.mu.Unlock()

		role.SystemPrompt += s.lessonSection(ctx, role.Name)

		rt := agent.New(id, role, agent.Deps{
			Bus:         s.bus,
			Graph:       s.graph,
			Workspace:   s.ws,
			Router:      s.router,
			Terminal:    s.terminal,
			Git:         s.git,
			Persistence: s.persistence,
			Checkpoints: s.checkpoints,
		}, func(o *agent.Options) {
			o.CycleDelay = s.cfg.CycleDelay.Std()
			o.ApprovalTimeout = s.cfg.ApprovalTimeout.Std()
			o.MaxConsecutiveErrors = s.cfg.MaxConsecutiveErrors
			o.HistoryCharBudget = s.cfg.HistoryCharBudget
			o.ReservationTTL = s.cfg.ReservationTTL.Std()
			o.MissionID = missionID
			o.OnMissionComplete = s.finishMission
			o.Logger = s.logger
		})

		s.mu.Lock()
		s.runtimes[id] = rt
		s.mu.Unlock()
		rt.Start(ctx)
	}

	s.bus.Publish(bus.Message{
		Sender:     "user",
		SenderRole: "User",
		Type:       bus.TypeChat,
		Content: "[MISSION GOAL]: " + goal + "\n\nOrchestrator: analyze this goal, break it into ALL tasks needed, " +
			"create them at once with create_tasks, then call finalize_plan to enable the completion flow.",
	})
	s.logger.Info("mission started", "mission_id", missionID, "goal", goal, "agents", len(order))
	return missionID, nil
}

// lessonSection recalls persisted lessons for the role into a prompt section.
func (s *Swarm) lessonSection(ctx context.Context, role string) string {
	if s.db == nil {
		return ""
	}
	lessons, err := s.db.LessonsForRole(ctx, role, 5)
	if err != nil || len(lessons) == 0 {
		return ""
	}
	section := "\n\n## Lessons From Past Missions\n"
	for _, l := range lessons {
		section += "- " + l.Lesson + "\n"
	}
	return section
}

// finishMission is the runtime completion hook: it stops the other agents,
// persists the mission record plus pattern lessons and commits the workspace.
func (s *Swarm) finishMission(ctx context.Context, initiator string) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.running = false
	missionID := s.missionID
	goal := s.missionGoal
	start := s.missionStart
	runtimes := make(map[string]*agent.Runtime, len(s.runtimes))
	for id, rt := range s.runtimes {
		runtimes[id] = rt
	}
	s.mu.Unlock()

	for id, rt := range runtimes {
		if id != initiator {
			rt.Stop()
		}
	}

	status := "completed"
	if s.router.BudgetStatus().Exceeded {
		status = "budget_exhausted"
	} else if !s.graph.AllDone() {
		status = "incomplete"
	}

	tasks := s.graph.List()
	tasksJSON, _ := json.Marshal(tasks)
	agents := make([]string, 0, len(runtimes))
	for id := range runtimes {
		agents = append(agents, id)
	}

	if err := s.persistence.SaveMission(ctx, core.MissionRecord{
		ID:        missionID,
		Goal:      goal,
		Workspace: s.ws.Root(),
		Tasks:     tasksJSON,
		CostUSD:   s.router.Usage().CostUSD,
		Duration:  time.Since(start),
		Agents:    agents,
		Status:    status,
	}); err != nil {
		s.logger.Warn("failed to save mission", "mission_id", missionID, "error", err)
	}

	saved := 0
	for _, t := range tasks {
		if t.Status != taskgraph.StatusDone || saved >= 3 {
			continue
		}
		if err := s.persistence.SaveLesson(ctx, core.LessonRecord{
			Role:      "general",
			Lesson:    "Completed: " + t.Title,
			Context:   t.Description,
			MissionID: missionID,
			Type:      "pattern",
		}); err != nil {
			s.logger.Warn("failed to save lesson", "error", err)
			break
		}
		saved++
	}

	if err := s.git.AutoCommit(ctx, "Mission complete - all tasks done"); err != nil {
		s.logger.Warn("auto-commit failed", "error", err)
	}
	s.logger.Info("mission finished", "mission_id", missionID, "status", status, "cost_usd", s.router.Usage().CostUSD)
}

// Stop halts every agent and closes the database.
func (s *Swarm) Stop() {
	s.mu.Lock()
	runtimes := make([]*agent.Runtime, 0, len(s.runtimes))
	for _, rt := range s.runtimes {
		runtimes = append(runtimes, rt)
	}
	s.running = false
	s.mu.Unlock()

	for _, rt := range runtimes {
		rt.Stop()
	}
	if s.db != nil {
		s.db.Close()
	}
	s.logger.Info("swarm stopped")
}

func (s *Swarm) runtime(agentID string) (*agent.Runtime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}
	return rt, nil
}

// ResolveApproval answers a pending approval request on one agent.
func (s *Swarm) ResolveApproval(agentID, approvalID string, approved bool) error {
	rt, err := s.runtime(agentID)
	if err != nil {
		return err
	}
	rt.ResolveApproval(approvalID, approved)
	return nil
}

// InjectMessage adds a user directive to one agent's conversation.
func (s *Swarm) InjectMessage(agentID, content string) error {
	rt, err := s.runtime(agentID)
	if err != nil {
		return err
	}
	rt.InjectMessage(content)
	return nil
}

// PauseAgent suspends one agent's loop.
func (s *Swarm) PauseAgent(agentID string) error {
	rt, err := s.runtime(agentID)
	if err != nil {
		return err
	}
	rt.Pause()
	return nil
}

// ResumeAgent lifts a pause.
func (s *Swarm) ResumeAgent(agentID string) error {
	rt, err := s.runtime(agentID)
	if err != nil {
		return err
	}
	rt.Resume()
	return nil
}

// Agents snapshots the registered agents and their states.
func (s *Swarm) Agents() []AgentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AgentInfo, 0, len(s.order))
	for _, id := range s.order {
		info := AgentInfo{ID: id, Role: s.roles[id].Name, State: string(agent.StateIdle)}
		if rt, ok := s.runtimes[id]; ok {
			info.State = string(rt.State())
		}
		out = append(out, info)
	}
	return out
}

// History returns the most recent bus messages.
func (s *Swarm) History(limit int) []bus.Message {
	return s.bus.History(bus.HistoryFilter{Limit: limit})
}

// Tasks returns every task in creation order.
func (s *Swarm) Tasks() []*taskgraph.Task { return s.graph.List() }

// TaskSummary returns the per-status task counts.
func (s *Swarm) TaskSummary() taskgraph.Summary { return s.graph.GetSummary() }

// Usage returns cumulative token usage and estimated cost.
func (s *Swarm) Usage() router.Usage { return s.router.Usage() }

// BudgetStatus snapshots budget consumption.
func (s *Swarm) BudgetStatus() router.BudgetStatus { return s.router.BudgetStatus() }

// ModelStates snapshots the router's per-model availability.
func (s *Swarm) ModelStates() []router.ModelStatus { return s.router.ModelStates() }

// ActivitySummary digests recent workspace write activity.
func (s *Swarm) ActivitySummary() string { return s.ws.ActivitySummary() }

// Bus exposes the message bus for observers and custom publishers.
func (s *Swarm) Bus() *bus.Bus { return s.bus }

// Graph exposes the task graph.
func (s *Swarm) Graph() *taskgraph.Graph { return s.graph }

// Workspace exposes the shared workspace store.
func (s *Swarm) Workspace() *workspace.Store { return s.ws }

// Router exposes the model router for pinning and budget control.
func (s *Swarm) Router() *router.Router { return s.router }
