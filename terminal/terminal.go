// Package terminal runs shell commands for agents inside the workspace
// directory, with per-call timeouts, bounded output capture and a dangerous
// command classifier used by the approval flow.
package terminal

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/hupe1980/codeswarm/core"
	"github.com/hupe1980/codeswarm/logging"
)

const (
	// DefaultTimeout bounds a single command.
	DefaultTimeout = 30 * time.Second

	// MaxOutputSize is the per-stream capture cap in bytes; longer output
	// keeps the tail.
	MaxOutputSize = 50_000
)

// dangerousPatterns require approval before execution.
var dangerousPatterns = []string{
	"rm -rf", "rm -r", "rmdir",
	"sudo", "chmod", "chown",
	"pip install", "npm install", "brew install",
	"curl", "wget",
	"kill", "pkill",
	"> /dev/", "mkfs",
}

// IsDangerous reports whether command matches a pattern that requires
// approval.
func IsDangerous(command string) bool {
	lower := strings.ToLower(strings.TrimSpace(command))
	for _, pat := range dangerousPatterns {
		if strings.Contains(lower, pat) {
			return true
		}
	}
	return false
}

// Options configures an ExecTerminal.
type Options struct {
	// Timeout per command; DefaultTimeout when zero.
	Timeout time.Duration
	// MaxConcurrent bounds parallel commands across agents.
	MaxConcurrent int
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// ExecTerminal implements core.Terminal with exec.CommandContext under a
// shell, so agents get pipes and globbing.
type ExecTerminal struct {
	timeout time.Duration
	sem     chan struct{}
	logger  logging.Logger
}

// New creates an ExecTerminal.
func New(optFns ...func(o *Options)) *ExecTerminal {
	opts := Options{
		Timeout:       DefaultTimeout,
		MaxConcurrent: 3,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	return &ExecTerminal{
		timeout: opts.Timeout,
		sem:     make(chan struct{}, opts.MaxConcurrent),
		logger:  opts.Logger,
	}
}

// Execute implements core.Terminal. A timed-out command is killed and
// reported with exit code -1; the error return is reserved for failures to
// start the process at all.
func (t *ExecTerminal) Execute(ctx context.Context, command, cwd string) (*core.ExecResult, error) {
	select {
	case t.sem <- struct{}{}:
		defer func() { <-t.sem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	cmdCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	t.logger.Info("executing command", "command", command, "cwd", cwd)
	start := time.Now()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	cmd.Dir = cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	duration := time.Since(start)

	result := &core.ExecResult{
		Stdout:   tail(stdout.String()),
		Stderr:   tail(stderr.String()),
		Duration: duration,
	}

	switch {
	case cmdCtx.Err() == context.DeadlineExceeded:
		result.ExitCode = -1
		result.Stderr = fmt.Sprintf("command timed out after %s\n%s", t.timeout, result.Stderr)
		t.logger.Warn("command timed out", "command", command, "timeout", t.timeout)
	case err != nil:
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("start command: %w", err)
		}
	}

	t.logger.Debug("command finished", "command", command, "exit_code", result.ExitCode, "duration", duration)
	return result, nil
}

func tail(s string) string {
	if len(s) <= MaxOutputSize {
		return s
	}
	return s[len(s)-MaxOutputSize:]
}
