package probe

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner executes a command and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

type defaultCommandRunner struct{}

func (defaultCommandRunner) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		trimmed := strings.TrimSpace(string(out))
		if trimmed == "" {
			return nil, fmt.Errorf("run %s %s: %w", name, strings.Join(args, " "), err)
		}
		return nil, fmt.Errorf("run %s %s: %w (%s)", name, strings.Join(args, " "), err, trimmed)
	}
	return out, nil
}

// Git lists modified and untracked files reported by git.
type Git struct {
	dir    string
	runner CommandRunner
}

// NewGit returns a git probe rooted at dir.
func NewGit(dir string) *Git {
	return NewGitWithRunner(dir, defaultCommandRunner{})
}

// NewGitWithRunner returns a git probe using runner.
func NewGitWithRunner(dir string, runner CommandRunner) *Git {
	if runner == nil {
		runner = defaultCommandRunner{}
	}
	return &Git{dir: dir, runner: runner}
}

// ChangedFiles returns tracked modifications followed by untracked files.
// A directory outside a repository yields an empty list.
func (g *Git) ChangedFiles(ctx context.Context) ([]string, error) {
	if _, err := g.runner.Run(ctx, g.dir, "git", "rev-parse", "--is-inside-work-tree"); err != nil {
		return nil, nil
	}

	diff, err := g.runner.Run(ctx, g.dir, "git", "diff", "--name-only")
	if err != nil {
		return nil, fmt.Errorf("list modified files: %w", err)
	}
	status, err := g.runner.Run(ctx, g.dir, "git", "status", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("list untracked files: %w", err)
	}

	seen := make(map[string]bool)
	files := make([]string, 0)
	add := func(path string) {
		path = strings.TrimSpace(path)
		if path == "" || seen[path] {
			return
		}
		seen[path] = true
		files = append(files, path)
	}
	for _, line := range strings.Split(string(diff), "\n") {
		add(line)
	}
	for _, line := range strings.Split(string(status), "\n") {
		if strings.HasPrefix(line, "?? ") {
			add(strings.TrimPrefix(line, "?? "))
		}
	}
	return files, nil
}
