package terminal

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteCapturesOutput(t *testing.T) {
	term := New()
	result, err := term.Execute(context.Background(), "echo hello; echo oops >&2", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "hello\n", result.Stdout)
	assert.Equal(t, "oops\n", result.Stderr)
	assert.Equal(t, 0, result.ExitCode)
	assert.Greater(t, result.Duration, time.Duration(0))
}

func TestExecuteRunsInWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	term := New()
	result, err := term.Execute(context.Background(), "pwd", dir)
	require.NoError(t, err)
	assert.Equal(t, dir, strings.TrimSpace(result.Stdout))
}

func TestExecuteNonZeroExit(t *testing.T) {
	term := New()
	result, err := term.Execute(context.Background(), "exit 3", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
}

func TestExecuteTimeout(t *testing.T) {
	term := New(func(o *Options) {
		o.Timeout = 100 * time.Millisecond
	})
	result, err := term.Execute(context.Background(), "sleep 5", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, -1, result.ExitCode)
	assert.Contains(t, result.Stderr, "timed out")
}

func TestExecuteCancelledContext(t *testing.T) {
	term := New(func(o *Options) {
		o.MaxConcurrent = 1
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := term.Execute(ctx, "sleep 5", t.TempDir())
	assert.Error(t, err)
}

func TestIsDangerous(t *testing.T) {
	tests := []struct {
		command string
		want    bool
	}{
		{"rm -rf /tmp/x", true},
		{"sudo apt upgrade", true},
		{"curl https://example.com", true},
		{"npm install leftpad", true},
		{"go test ./...", false},
		{"ls -la", false},
		{"CURL https://x", true}, // case insensitive
	}
	for _, tt := range tests {
		if got := IsDangerous(tt.command); got != tt.want {
			t.Errorf("IsDangerous(%q) = %v, want %v", tt.command, got, tt.want)
		}
	}
}
