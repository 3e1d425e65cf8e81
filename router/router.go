// Package router implements role-aware model routing with rolling rate-limit
// windows, cooldown-based fallback across providers, per-agent model pinning
// and a global USD budget ceiling.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/codeswarm/core"
	"github.com/hupe1980/codeswarm/logging"
	"github.com/hupe1980/codeswarm/model"
)

var (
	// ErrBudgetExhausted is returned before any call once cumulative
	// estimated cost reached the configured limit.
	ErrBudgetExhausted = errors.New("router: budget exhausted")

	// ErrNoProviders is returned when the router was constructed without any
	// usable provider.
	ErrNoProviders = errors.New("router: no providers configured")

	// ErrModelsExhausted is returned after the retry budget is spent without
	// a single successful completion.
	ErrModelsExhausted = errors.New("router: all models exhausted")
)

// BudgetStatus is a snapshot of budget consumption.
type BudgetStatus struct {
	LimitUSD     float64 `json:"limit_usd"`
	SpentUSD     float64 `json:"spent_usd"`
	RemainingUSD float64 `json:"remaining_usd"`
	PercentUsed  float64 `json:"percent_used"`
	Exceeded     bool    `json:"exceeded"`
	Warned       bool    `json:"warned"`
}

// BudgetEvent identifies a budget callback notification.
type BudgetEvent string

const (
	BudgetWarning   BudgetEvent = "warning"
	BudgetExceeded  BudgetEvent = "exceeded"
	budgetWarnRatio             = 0.8
)

// Usage aggregates token counts and their estimated cost.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// TotalTokens returns input plus output tokens.
func (u Usage) TotalTokens() int64 { return u.InputTokens + u.OutputTokens }

type pin struct {
	model    string
	fallback bool
	auto     bool
}

// Options configures a Router.
type Options struct {
	// Models is the roster; defaults to DefaultModels filtered to wired
	// providers.
	Models []ModelConfig
	// Cascades maps role names to preferred model order; defaults to
	// DefaultCascades.
	Cascades map[string][]string
	// FallbackCascade is used for roles without a cascade.
	FallbackCascade []string
	// MaxRetries bounds the total attempt budget to MaxRetries x model
	// count.
	MaxRetries int
	// Temperature for completions.
	Temperature float64
	// BudgetUSD caps estimated spend; zero or negative means unlimited.
	BudgetUSD float64
	// EscalationModel is the model auto-pinned to an agent after repeated
	// task failures.
	EscalationModel string
	// EscalationThreshold is the consecutive failure count that triggers
	// escalation.
	EscalationThreshold int
	// Logger defaults to NoOpLogger.
	Logger logging.Logger

	// Clock and Sleep are injectable for tests.
	Clock func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Router routes completion requests to the best available model for an
// agent's role, absorbing rate limits by rotating through the roster.
type Router struct {
	providers map[string]model.Provider

	mu           sync.Mutex
	models       map[string]*modelState
	order        []string
	currentModel string

	cascades        map[string][]string
	fallbackCascade []string

	globalUsage Usage
	agentUsage  map[string]Usage

	budgetLimit   float64
	budgetWarned  bool
	budgetTripped bool
	onBudget      func(event BudgetEvent, status BudgetStatus)

	pins          map[string]pin
	agentFailures map[string]int

	maxRetries          int
	temperature         float64
	escalationModel     string
	escalationThreshold int

	logger logging.Logger
	clock  func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a Router over the given providers, keyed by provider name.
// Models whose provider is absent are dropped from the roster.
func New(providers map[string]model.Provider, optFns ...func(o *Options)) *Router {
	opts := Options{
		Models:              DefaultModels(),
		Cascades:            DefaultCascades(),
		FallbackCascade:     DefaultCascade(),
		MaxRetries:          3,
		Temperature:         0.7,
		EscalationThreshold: 3,
		Logger:              logging.NoOpLogger{},
		Clock:               time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}

	r := &Router{
		providers:           providers,
		models:              make(map[string]*modelState),
		cascades:            opts.Cascades,
		fallbackCascade:     opts.FallbackCascade,
		agentUsage:          make(map[string]Usage),
		budgetLimit:         opts.BudgetUSD,
		pins:                make(map[string]pin),
		agentFailures:       make(map[string]int),
		maxRetries:          opts.MaxRetries,
		temperature:         opts.Temperature,
		escalationModel:     opts.EscalationModel,
		escalationThreshold: opts.EscalationThreshold,
		logger:              opts.Logger,
		clock:               opts.Clock,
		sleep:               opts.Sleep,
	}

	for _, cfg := range opts.Models {
		if _, ok := providers[cfg.Provider]; !ok {
			continue
		}
		r.models[cfg.Name] = newModelState(cfg, r.clock)
		r.order = append(r.order, cfg.Name)
	}
	if r.escalationModel == "" && len(r.order) > 0 {
		r.escalationModel = r.order[0]
	}
	if len(r.order) > 0 {
		r.currentModel = r.order[0]
	}
	r.logger.Info("model router ready", "models", len(r.models), "providers", len(providers))
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Generate selects a model per the agent's role cascade, dispatches the
// completion and parses the response into a structured action. Rate limits
// and single-model failures are absorbed by rotating through the roster;
// only budget exhaustion and a fully exhausted roster surface as errors.
func (r *Router) Generate(ctx context.Context, agentID, systemPrompt string, msgs []model.ChatMessage, role string) (core.Action, error) {
	if len(r.providers) == 0 {
		return core.Action{}, ErrNoProviders
	}
	if err := r.checkBudget(); err != nil {
		return core.Action{}, err
	}

	totalAttempts := r.maxRetries * len(r.models)
	if totalAttempts == 0 {
		return core.Action{}, ErrModelsExhausted
	}

	var lastErr error
	for attempt := 0; attempt < totalAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return core.Action{}, err
		}

		name := r.pickModel(agentID, role)
		if name == "" {
			wait := r.minWait(agentID)
			r.logger.Warn("no model has capacity, waiting", "agent_id", agentID, "wait", wait)
			if err := r.sleep(ctx, wait); err != nil {
				return core.Action{}, err
			}
			continue
		}

		st := r.stateOf(name)
		provider := r.providers[st.config.Provider]

		req := &model.CompletionRequest{
			Model:       name,
			System:      systemPrompt,
			Messages:    msgs,
			Temperature: r.temperature,
			JSONMode:    true,
		}

		resp, err := provider.Generate(ctx, req)
		if err != nil && model.IsBadRequest(err) {
			// Some models reject structured-output mode. One retry in
			// plain mode before giving up on this attempt.
			r.logger.Warn("model rejected structured output, retrying without", "agent_id", agentID, "model", name)
			req.JSONMode = false
			resp, err = provider.Generate(ctx, req)
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return core.Action{}, ctxErr
			}
			lastErr = err
			r.recordFailure(agentID, name, err)
			if model.IsRateLimited(err) || model.IsAuth(err) || model.IsBadRequest(err) {
				continue
			}
			// Transient server error, brief backoff before the next try.
			if sleepErr := r.sleep(ctx, time.Duration(1<<(attempt%3))*time.Second); sleepErr != nil {
				return core.Action{}, sleepErr
			}
			continue
		}

		r.recordSuccess(agentID, name, resp.Usage)

		action, known := core.ParseAction(resp.Text)
		if !known {
			r.logger.Warn("model emitted unknown action kind, treating as message", "agent_id", agentID, "model", name)
		}
		return action, nil
	}

	return core.Action{}, fmt.Errorf("%w after %d attempts: %v", ErrModelsExhausted, totalAttempts, lastErr)
}

// pickModel returns the best model with capacity for the agent, honoring a
// pin first, then the role cascade, then any model at all. Empty string
// means nothing has capacity right now.
func (r *Router) pickModel(agentID, role string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pins[agentID]; ok {
		if st, ok := r.models[p.model]; ok {
			if st.hasCapacity() {
				r.setCurrentLocked(p.model, "pinned")
				st.recordDispatch()
				return p.model
			}
			if !p.fallback {
				return "" // pinned agents wait for their model
			}
		}
	}

	cascade, ok := r.cascades[role]
	if !ok {
		cascade = r.fallbackCascade
	}
	for _, name := range cascade {
		if st, ok := r.models[name]; ok && st.hasCapacity() {
			r.setCurrentLocked(name, "cascade")
			st.recordDispatch()
			return name
		}
	}
	for _, name := range r.order {
		if st := r.models[name]; st.hasCapacity() {
			r.logger.Warn("falling back outside role cascade", "model", name, "role", role)
			r.setCurrentLocked(name, "fallback")
			st.recordDispatch()
			return name
		}
	}
	return ""
}

func (r *Router) setCurrentLocked(name, via string) {
	if name != r.currentModel {
		st := r.models[name]
		r.logger.Info("routing to model", "model", name, "provider", st.config.Provider, "tier", st.config.Tier, "via", via)
	}
	r.currentModel = name
}

// minWait returns the shortest time until some eligible model frees up. A
// pinned agent without fallback waits on its pinned model alone.
func (r *Router) minWait(agentID string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pins[agentID]; ok && !p.fallback {
		if st, ok := r.models[p.model]; ok {
			return clampWait(st.waitTime())
		}
	}
	min := time.Duration(-1)
	for _, name := range r.order {
		w := r.models[name].waitTime()
		if min < 0 || w < min {
			min = w
		}
	}
	return clampWait(min)
}

func clampWait(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d
}

func (r *Router) stateOf(name string) *modelState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.models[name]
}

func (r *Router) recordFailure(agentID, name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.models[name]
	switch {
	case model.IsRateLimited(err):
		backoff := st.recordRateLimit()
		r.logger.Warn("model rate-limited, cooling down", "agent_id", agentID, "model", name, "backoff", backoff)
	case model.IsAuth(err):
		st.recordAuthError()
		r.logger.Error("auth error, long cooldown", "agent_id", agentID, "model", name, "error", err)
	default:
		st.recordError()
		r.logger.Warn("model call failed", "agent_id", agentID, "model", name, "error", err)
	}
}

func (r *Router) recordSuccess(agentID, name string, usage model.TokenUsage) {
	r.mu.Lock()
	st := r.models[name]
	st.recordSuccess()

	cost := float64(usage.InputTokens)/1e6*st.config.CostIn +
		float64(usage.OutputTokens)/1e6*st.config.CostOut

	r.globalUsage.InputTokens += usage.InputTokens
	r.globalUsage.OutputTokens += usage.OutputTokens
	r.globalUsage.CostUSD += cost

	au := r.agentUsage[agentID]
	au.InputTokens += usage.InputTokens
	au.OutputTokens += usage.OutputTokens
	au.CostUSD += cost
	r.agentUsage[agentID] = au
	r.mu.Unlock()

	r.logger.Debug("completion ok", "agent_id", agentID, "model", name,
		"input_tokens", usage.InputTokens, "output_tokens", usage.OutputTokens, "cost_usd", cost)
}

// checkBudget trips ErrBudgetExhausted at 100% and fires a one-time warning
// callback at 80%. Limit <= 0 disables the budget entirely.
func (r *Router) checkBudget() error {
	r.mu.Lock()
	if r.budgetLimit <= 0 {
		r.mu.Unlock()
		return nil
	}
	spent := r.globalUsage.CostUSD
	limit := r.budgetLimit
	ratio := spent / limit

	var fire func(event BudgetEvent, status BudgetStatus)
	var event BudgetEvent
	var tripped bool

	if ratio >= 1.0 {
		if !r.budgetTripped {
			r.budgetTripped = true
			fire = r.onBudget
			event = BudgetExceeded
		}
		tripped = true
	} else if ratio >= budgetWarnRatio && !r.budgetWarned {
		r.budgetWarned = true
		fire = r.onBudget
		event = BudgetWarning
	}
	status := r.budgetStatusLocked()
	r.mu.Unlock()

	if fire != nil {
		fire(event, status)
	}
	if tripped {
		return fmt.Errorf("%w: spent $%.4f of $%.2f limit", ErrBudgetExhausted, spent, limit)
	}
	return nil
}

// SetBudget replaces the USD limit and resets the warning and exceeded
// latches, allowing calls to resume after a raise.
func (r *Router) SetBudget(limitUSD float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.budgetLimit = limitUSD
	r.budgetWarned = false
	r.budgetTripped = false
	r.logger.Info("budget set", "limit_usd", limitUSD)
}

// SetBudgetCallback registers a one-time 80% warning / exceeded notifier.
func (r *Router) SetBudgetCallback(fn func(event BudgetEvent, status BudgetStatus)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onBudget = fn
}

// BudgetStatus snapshots budget consumption.
func (r *Router) BudgetStatus() BudgetStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.budgetStatusLocked()
}

func (r *Router) budgetStatusLocked() BudgetStatus {
	spent := r.globalUsage.CostUSD
	s := BudgetStatus{
		LimitUSD: r.budgetLimit,
		SpentUSD: spent,
		Exceeded: r.budgetTripped,
		Warned:   r.budgetWarned,
	}
	if r.budgetLimit > 0 {
		s.RemainingUSD = r.budgetLimit - spent
		if s.RemainingUSD < 0 {
			s.RemainingUSD = 0
		}
		s.PercentUsed = spent / r.budgetLimit * 100
		if s.PercentUsed > 100 {
			s.PercentUsed = 100
		}
	}
	return s
}

// SetCascade replaces the preferred model order for one role. Unknown model
// names are dropped.
func (r *Router) SetCascade(role string, models []string) {
	var known []string
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range models {
		if _, ok := r.models[name]; ok {
			known = append(known, name)
		}
	}
	if len(known) == 0 {
		r.logger.Warn("ignoring cascade with no known models", "role", role)
		return
	}
	r.cascades[role] = known
}

// PinAgent pins agentID to one model. The pinned agent waits for that
// model's capacity instead of cascading to others.
func (r *Router) PinAgent(agentID, modelName string) {
	r.setPin(agentID, modelName, false, false)
}

// PinAgentWithFallback pins agentID to one model but allows the regular
// cascade when the pinned model lacks capacity.
func (r *Router) PinAgentWithFallback(agentID, modelName string) {
	r.setPin(agentID, modelName, true, false)
}

func (r *Router) setPin(agentID, modelName string, fallback, auto bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.models[modelName]; !ok {
		r.logger.Warn("ignoring pin to unknown model", "agent_id", agentID, "model", modelName)
		return
	}
	r.pins[agentID] = pin{model: modelName, fallback: fallback, auto: auto}
	r.logger.Info("agent pinned to model", "agent_id", agentID, "model", modelName, "fallback", fallback)
}

// UnpinAgent removes any pin for agentID.
func (r *Router) UnpinAgent(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pins, agentID)
}

// RecordAgentFailure bumps the agent's consecutive failure count; at the
// escalation threshold the agent is auto-pinned (with fallback) to the
// escalation model so a stronger model takes over the struggling task.
func (r *Router) RecordAgentFailure(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agentFailures[agentID]++
	n := r.agentFailures[agentID]
	if n < r.escalationThreshold || r.escalationModel == "" {
		return
	}
	if _, pinned := r.pins[agentID]; pinned {
		return
	}
	if _, ok := r.models[r.escalationModel]; !ok {
		return
	}
	r.pins[agentID] = pin{model: r.escalationModel, fallback: true, auto: true}
	r.logger.Info("escalating agent to stronger model", "agent_id", agentID, "model", r.escalationModel, "failures", n)
}

// RecordAgentSuccess resets the failure count and lifts any auto-escalation
// pin. Explicit pins stay in place.
func (r *Router) RecordAgentSuccess(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agentFailures, agentID)
	if p, ok := r.pins[agentID]; ok && p.auto {
		delete(r.pins, agentID)
		r.logger.Info("de-escalating agent after success", "agent_id", agentID)
	}
}

// ActiveModel returns the most recently routed model name.
func (r *Router) ActiveModel() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentModel
}

// Usage returns the global token and cost totals.
func (r *Router) Usage() Usage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.globalUsage
}

// AgentUsage returns the totals for one agent.
func (r *Router) AgentUsage(agentID string) Usage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agentUsage[agentID]
}

// AllAgentUsage snapshots per-agent totals.
func (r *Router) AllAgentUsage() map[string]Usage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Usage, len(r.agentUsage))
	for id, u := range r.agentUsage {
		out[id] = u
	}
	return out
}

// ModelStates reports the routing status of every registered model.
func (r *Router) ModelStates() []ModelStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	out := make([]ModelStatus, 0, len(r.order))
	for _, name := range r.order {
		st := r.models[name]
		remaining := time.Duration(0)
		if now.Before(st.cooldownUntil) {
			remaining = st.cooldownUntil.Sub(now)
		}
		out = append(out, ModelStatus{
			Name:              name,
			Provider:          st.config.Provider,
			Tier:              st.config.Tier,
			Active:            name == r.currentModel,
			HasCapacity:       st.hasCapacity(),
			RequestsInWindow:  st.requestsInWindow(),
			RPMLimit:          st.config.RPM,
			CooledDown:        !now.Before(st.cooldownUntil),
			CooldownRemaining: remaining,
		})
	}
	return out
}
