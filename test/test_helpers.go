// Package test provides shared testing utilities for cpilot packages.
//
// Helpers fail the calling test directly so table cases stay short.
package test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// DefaultWait bounds WaitFor when no timeout is given.
const DefaultWait = 3 * time.Second

// Context returns a context cancelled when the test completes.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// WriteFile writes content to path, creating parent directories.
func WriteFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750), "failed to create parent of %s", path)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600), "failed to write %s", path)
	return path
}

// WaitFor polls cond every 10ms until it holds or timeout elapses. A
// non-positive timeout uses DefaultWait.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	if timeout <= 0 {
		timeout = DefaultWait
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Fail(t, "condition not met before timeout", msgAndArgs...)
}

// AssertFileContains checks that the file at path contains every fragment.
func AssertFileContains(t *testing.T, path string, fragments ...string) {
	t.Helper()
	// #nosec G304 -- test-owned paths.
	content, err := os.ReadFile(path)
	require.NoError(t, err, "failed to read file: %s", path)
	for _, fragment := range fragments {
		assert.Contains(t, string(content), fragment, "file %s", path)
	}
}
