package codeswarm

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hupe1980/codeswarm/logging"
)

// GitAutoCommitter snapshots the workspace with a git commit at mission
// boundaries. It is a no-op when the workspace is not a git repository.
type GitAutoCommitter struct {
	root   string
	logger logging.Logger
}

// NewGitAutoCommitter creates a GitAutoCommitter rooted at dir.
func NewGitAutoCommitter(dir string, logger logging.Logger) *GitAutoCommitter {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &GitAutoCommitter{root: dir, logger: logger}
}

// AutoCommit stages everything and commits. A clean tree is not an error.
func (g *GitAutoCommitter) AutoCommit(ctx context.Context, message string) error {
	if _, err := os.Stat(filepath.Join(g.root, ".git")); err != nil {
		g.logger.Debug("workspace is not a git repository, skipping commit", "root", g.root)
		return nil
	}
	if out, err := g.run(ctx, "add", "-A"); err != nil {
		return fmt.Errorf("git add: %w: %s", err, out)
	}
	out, err := g.run(ctx, "commit", "-m", message)
	if err != nil {
		if strings.Contains(out, "nothing to commit") {
			return nil
		}
		return fmt.Errorf("git commit: %w: %s", err, out)
	}
	g.logger.Info("workspace committed", "message", message)
	return nil
}

func (g *GitAutoCommitter) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", g.root}, args...)...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.String(), err
}
