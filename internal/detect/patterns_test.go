package detect

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPatternsMatchBuiltinPrompts(t *testing.T) {
	patterns := DefaultPatterns()

	assert.True(t, matchesAny(patterns.Question, "Confirm yes/no:"))
	assert.True(t, matchesAny(patterns.Question, "Run this command?"))
	assert.True(t, matchesAny(patterns.Question, "Not in allowlist: npm install"))
	assert.True(t, matchesAny(patterns.AwaitingInput, "Enter your name:"))
	assert.True(t, matchesAny(patterns.Completion, "✅ Scaffold complete"))
	assert.True(t, matchesAny(patterns.Completion, "All tasks done."))
	assert.False(t, matchesAny(patterns.Completion, "Generating files..."))
}

func TestLoadPatternsMergesOverrides(t *testing.T) {
	path := writeOverride(t, `{
		"question": ["^Pick one:", "([unclosed"],
		"completion": []
	}`)

	patterns, warnings, err := LoadPatterns(path)
	require.NoError(t, err)

	require.Len(t, patterns.Question, 1)
	assert.True(t, matchesAny(patterns.Question, "pick one:"))
	assert.False(t, matchesAny(patterns.Question, "Proceed? [y/n]"))
	assert.Equal(t, DefaultPatterns().Sources()[CategoryCompletion], patterns.Sources()[CategoryCompletion])
	assert.Equal(t, DefaultPatterns().Sources()[CategoryAwaitingInput], patterns.Sources()[CategoryAwaitingInput])
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "([unclosed")
}

func TestLoadPatternsKeepsDefaultsWhenEveryEntryIsInvalid(t *testing.T) {
	path := writeOverride(t, `{"awaitingInput": ["(", "  "]}`)

	patterns, warnings, err := LoadPatterns(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultPatterns().Sources()[CategoryAwaitingInput], patterns.Sources()[CategoryAwaitingInput])
	assert.Len(t, warnings, 3)
}

func TestLoadPatternsMissingFileUsesDefaults(t *testing.T) {
	patterns, warnings, err := LoadPatterns(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Len(t, warnings, 1)
	assert.Equal(t, DefaultPatterns().Sources(), patterns.Sources())
}

func TestLoadPatternsMalformedFileReturnsErrorAndDefaults(t *testing.T) {
	path := writeOverride(t, `{"question": [`)

	patterns, _, err := LoadPatterns(path)
	require.Error(t, err)
	assert.Equal(t, DefaultPatterns().Sources(), patterns.Sources())
}

func TestStripControlRemovesEscapeFamilies(t *testing.T) {
	assert.Equal(t, "hello", StripControl("\x1b]0;window title\x07hello"))
	assert.Equal(t, "ready", StripControl("\x1b[2K\x1b[1Gready"))
	assert.False(t, IsMeaningful("\x1b[32m\x1b[0m \t\r\n"))
	assert.True(t, IsMeaningful("\x1b[32m>\x1b[0m"))
}

func writeOverride(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "detectors.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
