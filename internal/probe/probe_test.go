package probe

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/cursor-pilot/cpilot/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	outputs map[string]string
	errs    map[string]error
	calls   []string
}

func (f *fakeRunner) Run(_ context.Context, _ string, name string, args ...string) ([]byte, error) {
	key := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, key)
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	return []byte(f.outputs[key]), nil
}

func TestGitChangedFilesMergesDiffAndUntracked(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{outputs: map[string]string{
		"git rev-parse --is-inside-work-tree": "true\n",
		"git diff --name-only":                "src/app.ts\nREADME.md\n",
		"git status --porcelain":              " M src/app.ts\n?? src/new.ts\n?? notes.txt\n",
	}}

	files, err := NewGitWithRunner("/repo", runner).ChangedFiles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"src/app.ts", "README.md", "src/new.ts", "notes.txt"}, files)
}

func TestGitChangedFilesOutsideRepositoryIsEmpty(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{errs: map[string]error{
		"git rev-parse --is-inside-work-tree": errors.New("fatal: not a git repository"),
	}}

	files, err := NewGitWithRunner("/tmp", runner).ChangedFiles(context.Background())
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.Len(t, runner.calls, 1)
}

func TestGitChangedFilesSurfacesDiffFailure(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{errs: map[string]error{
		"git diff --name-only": errors.New("index locked"),
	}}

	_, err := NewGitWithRunner("/repo", runner).ChangedFiles(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list modified files")
}

func TestWatcherRecordsWritesOnce(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))

	watcher, err := NewWatcher(root, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = watcher.Close() })

	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "a.go"), []byte("package a"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "a.go"), []byte("package a\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("b"), 0o600))

	files := waitForFile(t, watcher, "b.txt")
	assert.Contains(t, files, "src/a.go")
	assert.Equal(t, "b.txt", files[len(files)-1])
	assert.Equal(t, 1, countOf(files, "src/a.go"))
	for _, file := range files {
		assert.False(t, strings.HasPrefix(file, ".git"), "excluded path recorded: %s", file)
	}
}

func TestWatcherCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	watcher, err := NewWatcher(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, watcher.Close())
	assert.NoError(t, watcher.Close())

	var nilWatcher *Watcher
	files, err := nilWatcher.ChangedFiles(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, files)
}

func TestNewWatcherRejectsMissingRoot(t *testing.T) {
	t.Parallel()

	_, err := NewWatcher(filepath.Join(t.TempDir(), "missing"), nil)
	require.Error(t, err)
}

func waitForFile(t *testing.T, watcher *Watcher, want string) []string {
	t.Helper()
	var files []string
	test.WaitFor(t, 0, func() bool {
		var err error
		files, err = watcher.ChangedFiles(context.Background())
		require.NoError(t, err)
		return slices.Contains(files, want)
	}, "file %q never reported", want)
	return files
}

func countOf(items []string, want string) int {
	n := 0
	for _, item := range items {
		if item == want {
			n++
		}
	}
	return n
}
