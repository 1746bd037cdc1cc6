package plan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePlan = `
name: scaffold-app
steps:
  - name: install
    run:
      - npm ci
      - npm run lint
  - name: generate
    cursor:
      - agent --print "scaffold the api"
  - name: verify
    run:
      - npm test
`

func TestLoadParsesOrderedSteps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePlan), 0o600))

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "scaffold-app", loaded.Name)
	require.Len(t, loaded.Steps, 3)
	assert.Equal(t, []string{"npm ci", "npm run lint"}, loaded.Steps[0].Run)
	assert.False(t, loaded.Steps[0].Interactive())
	assert.True(t, loaded.Steps[1].Interactive())
	assert.Equal(t, []string{"agent", "--print", "scaffold the api"}, loaded.Steps[1].Invocation())
}

func TestParseRejectsIncompletePlans(t *testing.T) {
	tests := map[string]string{
		"missing name":    "steps:\n  - name: a\n",
		"missing steps":   "name: p\n",
		"empty step name": "name: p\nsteps:\n  - run: [ls]\n",
		"not a mapping":   "- just\n- a list\n",
	}
	for name, content := range tests {
		_, err := Parse([]byte(content))
		assert.Error(t, err, name)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read plan")
}

func TestContextDescribesPosition(t *testing.T) {
	loaded, err := Parse([]byte(samplePlan))
	require.NoError(t, err)

	assert.Equal(t,
		"Plan: scaffold-app\nCurrent step (2 of 3): generate\nRemaining steps: verify",
		loaded.Context(1))
	assert.Equal(t, "Plan: scaffold-app\nCurrent step (3 of 3): verify", loaded.Context(2))
	assert.Empty(t, loaded.Context(3))

	var nilPlan *Plan
	assert.Empty(t, nilPlan.Context(0))
}

func TestInvocationHonoursShellQuoting(t *testing.T) {
	tests := []struct {
		line string
		want []string
	}{
		{line: `agent --print 'a "b" c'`, want: []string{"agent", "--print", `a "b" c`}},
		{line: `agent --print "fix the \"login\" bug"`, want: []string{"agent", "--print", `fix the "login" bug`}},
		{line: `say hello\ world`, want: []string{"say", "hello world"}},
	}
	for _, tc := range tests {
		step := Step{Name: "generate", Cursor: []string{tc.line}}
		assert.Equal(t, tc.want, step.Invocation(), tc.line)
	}
}

func TestParseRejectsUnbalancedQuotes(t *testing.T) {
	_, err := Parse([]byte(`name: broken
steps:
  - name: generate
    cursor: ['--print "unterminated']
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `step "generate"`)
}

func TestStepWithBlankCursorIsNotInteractive(t *testing.T) {
	step := Step{Name: "noop", Cursor: []string{"  "}}
	assert.False(t, step.Interactive())
	assert.Nil(t, step.Invocation())
}
