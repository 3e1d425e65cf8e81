// Package config loads swarm configuration from an optional YAML file with
// environment variable overrides. API keys are read from the environment
// only, never from files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults mirror the runtime constants the agents were tuned with.
const (
	DefaultBudgetUSD            = 1.00
	DefaultMaxConsecutiveErrors = 5
	DefaultCycleDelay           = 2 * time.Second
	DefaultApprovalTimeout      = 5 * time.Minute
	DefaultHistoryCharBudget    = 24_000
	DefaultReservationTTL       = 10 * time.Minute
	DefaultCommandTimeout       = 30 * time.Second
)

// Duration is a time.Duration that unmarshals from YAML strings like "2s"
// or "5m", or from plain integer nanoseconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if parsed, err := time.ParseDuration(value.Value); err == nil {
		*d = Duration(parsed)
		return nil
	}
	n, err := strconv.ParseInt(value.Value, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	*d = Duration(n)
	return nil
}

// MarshalYAML emits the human-readable form.
func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Config is the full runtime configuration.
type Config struct {
	// WorkspaceRoot is the directory agents share.
	WorkspaceRoot string `yaml:"workspace"`

	// DatabasePath locates the mission/lesson store. Empty disables
	// persistence.
	DatabasePath string `yaml:"database"`

	// BudgetUSD caps estimated model spend; <= 0 means unlimited.
	BudgetUSD float64 `yaml:"budget_usd"`

	// MaxConsecutiveErrors auto-pauses an agent when exceeded.
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors"`

	// CycleDelay is the fixed sleep between agent loop iterations.
	CycleDelay Duration `yaml:"cycle_delay"`

	// ApprovalTimeout bounds a pending human approval; timeout rejects.
	ApprovalTimeout Duration `yaml:"approval_timeout"`

	// HistoryCharBudget trims agent conversation history before each call.
	HistoryCharBudget int `yaml:"history_char_budget"`

	// ReservationTTL is the default advisory file claim lifetime.
	ReservationTTL Duration `yaml:"reservation_ttl"`

	// CommandTimeout bounds a single terminal command.
	CommandTimeout Duration `yaml:"command_timeout"`

	// ModelRPM overrides per-model requests-per-minute limits by name.
	ModelRPM map[string]int `yaml:"model_rpm"`

	// Cascades overrides the role to model-preference mapping.
	Cascades map[string][]string `yaml:"cascades"`

	// API keys, environment only.
	AnthropicAPIKey string `yaml:"-"`
	OpenAIAPIKey    string `yaml:"-"`

	// Logging.
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the configuration with all defaults applied.
func Default() Config {
	return Config{
		WorkspaceRoot:        "./workspace",
		BudgetUSD:            DefaultBudgetUSD,
		MaxConsecutiveErrors: DefaultMaxConsecutiveErrors,
		CycleDelay:           Duration(DefaultCycleDelay),
		ApprovalTimeout:      Duration(DefaultApprovalTimeout),
		HistoryCharBudget:    DefaultHistoryCharBudget,
		ReservationTTL:       Duration(DefaultReservationTTL),
		CommandTimeout:       Duration(DefaultCommandTimeout),
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// Load reads a YAML config file over the defaults, then applies environment
// overrides. An empty path skips the file and uses defaults plus env.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

// FromEnv returns the defaults with environment overrides applied.
func FromEnv() Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	c.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	c.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")

	if v := os.Getenv("CODESWARM_WORKSPACE"); v != "" {
		c.WorkspaceRoot = v
	}
	if v := os.Getenv("CODESWARM_DB_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("CODESWARM_BUDGET_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.BudgetUSD = f
		}
	}
	if v := os.Getenv("CODESWARM_MAX_ERRORS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxConsecutiveErrors = n
		}
	}
	if v := os.Getenv("CODESWARM_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks the invariants the swarm relies on.
func (c Config) Validate() error {
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("workspace root must be set")
	}
	if c.MaxConsecutiveErrors <= 0 {
		return fmt.Errorf("max_consecutive_errors must be positive")
	}
	if c.CycleDelay < 0 || c.ApprovalTimeout <= 0 {
		return fmt.Errorf("timings must be positive")
	}
	return nil
}

// HasProvider reports whether at least one provider key is configured.
func (c Config) HasProvider() bool {
	return c.AnthropicAPIKey != "" || c.OpenAIAPIKey != ""
}
