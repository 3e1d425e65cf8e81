package router

import (
	"time"
)

// ModelConfig describes one routable model: its provider, throughput limit
// and per-million-token USD rates used for budget estimation.
type ModelConfig struct {
	Name     string  `json:"name"`
	Provider string  `json:"provider"`
	RPM      int     `json:"rpm"`
	CostIn   float64 `json:"cost_in"`
	CostOut  float64 `json:"cost_out"`
	Tier     string  `json:"tier"`
}

// DefaultModels is the built-in roster across the wired providers, ordered
// roughly by capability within each provider.
func DefaultModels() []ModelConfig {
	return []ModelConfig{
		{Name: "claude-opus-4-20250514", Provider: "anthropic", RPM: 5, CostIn: 15.00, CostOut: 75.00, Tier: "premium"},
		{Name: "claude-sonnet-4-20250514", Provider: "anthropic", RPM: 10, CostIn: 3.00, CostOut: 15.00, Tier: "standard"},
		{Name: "claude-3-5-haiku-20241022", Provider: "anthropic", RPM: 30, CostIn: 0.80, CostOut: 4.00, Tier: "fast"},
		{Name: "gpt-4.1", Provider: "openai", RPM: 10, CostIn: 2.00, CostOut: 8.00, Tier: "standard"},
		{Name: "gpt-4.1-mini", Provider: "openai", RPM: 30, CostIn: 0.40, CostOut: 1.60, Tier: "fast"},
		{Name: "gpt-4o-mini", Provider: "openai", RPM: 30, CostIn: 0.15, CostOut: 0.60, Tier: "fast"},
	}
}

// DefaultCascades maps role names to their preferred model order. Planning
// roles lead with high-capability models, coding roles with high-throughput
// ones.
func DefaultCascades() map[string][]string {
	return map[string][]string{
		"Orchestrator": {
			"claude-opus-4-20250514",
			"claude-sonnet-4-20250514",
			"gpt-4.1",
			"claude-3-5-haiku-20241022",
		},
		"Developer": {
			"claude-sonnet-4-20250514",
			"gpt-4.1-mini",
			"claude-3-5-haiku-20241022",
			"gpt-4o-mini",
		},
		"Reviewer": {
			"claude-sonnet-4-20250514",
			"gpt-4.1",
			"claude-3-5-haiku-20241022",
			"gpt-4.1-mini",
		},
		"Tester": {
			"gpt-4.1-mini",
			"claude-3-5-haiku-20241022",
			"gpt-4o-mini",
			"claude-sonnet-4-20250514",
		},
	}
}

// DefaultCascade is the order used for roles without a dedicated cascade.
func DefaultCascade() []string {
	return []string{
		"claude-sonnet-4-20250514",
		"gpt-4.1-mini",
		"claude-3-5-haiku-20241022",
		"gpt-4o-mini",
	}
}

const (
	rateLimitBackoffBase = 60 * time.Second
	rateLimitBackoffCap  = 300 * time.Second
	authCooldown         = 600 * time.Second
	errorCooldown        = 10 * time.Second
	windowSize           = 60 * time.Second
)

// modelState tracks the rolling rate-limit window and health of one model.
// All mutation happens under the router's lock.
type modelState struct {
	config            ModelConfig
	requestTimes      []time.Time
	cooldownUntil     time.Time
	consecutiveErrors int

	now func() time.Time
}

func newModelState(cfg ModelConfig, now func() time.Time) *modelState {
	return &modelState{config: cfg, now: now}
}

func (s *modelState) isCooledDown() bool {
	if !s.now().Before(s.cooldownUntil) {
		s.consecutiveErrors = 0
		return true
	}
	return false
}

func (s *modelState) pruneWindow() {
	cutoff := s.now().Add(-windowSize)
	kept := s.requestTimes[:0]
	for _, t := range s.requestTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.requestTimes = kept
}

func (s *modelState) requestsInWindow() int {
	s.pruneWindow()
	return len(s.requestTimes)
}

func (s *modelState) hasCapacity() bool {
	return s.isCooledDown() && s.requestsInWindow() < s.config.RPM
}

// recordDispatch consumes one slot of the rolling window. It runs at
// selection time, before the provider call, so concurrent in-flight requests
// count against the limit and cannot oversubscribe the window.
func (s *modelState) recordDispatch() {
	s.requestTimes = append(s.requestTimes, s.now())
	s.pruneWindow()
}

func (s *modelState) recordSuccess() {
	s.consecutiveErrors = 0
}

// recordRateLimit doubles the cooldown per consecutive failure, capped.
func (s *modelState) recordRateLimit() time.Duration {
	s.consecutiveErrors++
	backoff := rateLimitBackoffCap
	if s.consecutiveErrors < 3 {
		backoff = rateLimitBackoffBase * time.Duration(1<<s.consecutiveErrors)
	}
	s.cooldownUntil = s.now().Add(backoff)
	return backoff
}

func (s *modelState) recordAuthError() {
	s.consecutiveErrors++
	s.cooldownUntil = s.now().Add(authCooldown)
}

func (s *modelState) recordError() {
	s.consecutiveErrors++
	s.cooldownUntil = s.now().Add(errorCooldown)
}

// waitTime reports how long until this model could have capacity again.
func (s *modelState) waitTime() time.Duration {
	if now := s.now(); now.Before(s.cooldownUntil) {
		return s.cooldownUntil.Sub(now)
	}
	if s.requestsInWindow() >= s.config.RPM && len(s.requestTimes) > 0 {
		return windowSize - s.now().Sub(s.requestTimes[0]) + 100*time.Millisecond
	}
	return 0
}

// ModelStatus is a point-in-time snapshot of one model's routing state.
type ModelStatus struct {
	Name              string        `json:"name"`
	Provider          string        `json:"provider"`
	Tier              string        `json:"tier"`
	Active            bool          `json:"active"`
	HasCapacity       bool          `json:"has_capacity"`
	RequestsInWindow  int           `json:"requests_in_window"`
	RPMLimit          int           `json:"rpm_limit"`
	CooledDown        bool          `json:"cooled_down"`
	CooldownRemaining time.Duration `json:"cooldown_remaining"`
}
