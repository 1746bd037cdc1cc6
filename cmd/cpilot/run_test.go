package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cursor-pilot/cpilot/internal/config"
	"github.com/cursor-pilot/cpilot/internal/detect"
	"github.com/cursor-pilot/cpilot/internal/preflight"
	"github.com/cursor-pilot/cpilot/internal/probe"
	"github.com/cursor-pilot/cpilot/internal/session"
	"github.com/cursor-pilot/cpilot/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshotRunHooks() func() {
	prevGetwd := runGetwdFn
	prevPreflight := runPreflightFn
	return func() {
		runGetwdFn = prevGetwd
		runPreflightFn = prevPreflight
	}
}

func executeRoot(t *testing.T, cfg *config.Config, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand(context.Background(), cfg, testLogger(), "run-1")
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func TestBuildSessionConfigLayersFlagsOverConfig(t *testing.T) {
	restore := snapshotRunHooks()
	defer restore()
	runGetwdFn = func() (string, error) { return "/work/app", nil }

	cfg := config.Defaults()
	cfg.MaxSteps = 10
	cfg.RequestsPerMinute = 30
	opts := runOptionsFromConfig(&cfg)
	opts.maxSteps = 4
	opts.timeout = 2 * time.Minute
	opts.loopThreshold = 3
	opts.prompt = "Build a todo app"

	sessionCfg, warnings, err := buildSessionConfig(&cfg, opts, []string{"--model", "fast"}, "run-42")
	require.NoError(t, err)
	assert.Empty(t, warnings)

	assert.Equal(t, "run-42", sessionCfg.SessionID)
	assert.Equal(t, "cursor-agent", sessionCfg.Binary)
	assert.Equal(t, []string{"--model", "fast"}, sessionCfg.Args)
	assert.Equal(t, "/work/app", sessionCfg.Dir)
	assert.Equal(t, "Build a todo app", sessionCfg.GoverningPrompt)
	assert.Equal(t, 4, sessionCfg.Limits.MaxSteps)
	assert.Equal(t, 2*time.Minute, sessionCfg.Limits.Timeout)
	assert.Equal(t, 3, sessionCfg.Limits.LoopThreshold)
	assert.Equal(t, cfg.IdleThreshold, sessionCfg.IdleThreshold)
	assert.Equal(t, cfg.IdleNudgeAfter, sessionCfg.IdleNudgeAfter)
	assert.Equal(t, cfg.TerminalCols, sessionCfg.Cols)
	assert.Len(t, sessionCfg.Patterns.Question, len(detect.DefaultPatterns().Question))
	assert.Nil(t, sessionCfg.Plan)
}

func TestBuildSessionConfigRejectsEmptyBinary(t *testing.T) {
	t.Parallel()

	cfg := config.Defaults()
	opts := runOptionsFromConfig(&cfg)
	opts.binary = "  "
	opts.cwd = t.TempDir()

	_, _, err := buildSessionConfig(&cfg, opts, nil, "run-1")
	require.EqualError(t, err, "binary is required")
}

func TestBuildSessionConfigValidatesFlagValues(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		mutate func(*runOptions)
		want   string
	}{
		{name: "loop threshold", mutate: func(o *runOptions) { o.loopThreshold = 1 }, want: "loop_threshold"},
		{name: "provider", mutate: func(o *runOptions) { o.provider = "claude" }, want: "unknown provider"},
		{name: "changed files", mutate: func(o *runOptions) { o.changedFiles = "poll" }, want: "changed_files"},
		{name: "max steps", mutate: func(o *runOptions) { o.maxSteps = -1 }, want: "max_steps"},
	}

	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.Defaults()
			opts := runOptionsFromConfig(&cfg)
			opts.cwd = t.TempDir()
			testCase.mutate(opts)

			_, _, err := buildSessionConfig(&cfg, opts, nil, "run-1")
			require.Error(t, err)
			assert.Contains(t, err.Error(), testCase.want)
		})
	}
}

func TestReadPromptPrefersFileContent(t *testing.T) {
	t.Parallel()

	path := test.WriteFile(t, filepath.Join(t.TempDir(), "prompt.md"), "\nShip the CLI.\n")

	fromFile, err := readPrompt(path)
	require.NoError(t, err)
	assert.Equal(t, "Ship the CLI.", fromFile)

	literal, err := readPrompt("  Keep answers short  ")
	require.NoError(t, err)
	assert.Equal(t, "Keep answers short", literal)

	empty, err := readPrompt("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRunDryRunPrintsInvocationWithoutSpawning(t *testing.T) {
	restore := snapshotRunHooks()
	defer restore()
	runPreflightFn = func(preflight.Options) (preflight.Report, error) {
		t.Fatal("dry run must not run preflight")
		return preflight.Report{}, nil
	}

	dir := t.TempDir()
	planPath := filepath.Join(dir, "plan.yaml")
	planYAML := `name: todo
steps:
  - name: setup
    run: ["go mod init todo"]
  - name: build
    cursor: ['--print "build it"']
  - name: verify
    run: ["go test ./..."]
`
	test.WriteFile(t, planPath, planYAML)

	cfg := config.Defaults()
	output, err := executeRoot(t, &cfg, "run", "--dry-run", "--binary", "cursor-agent",
		"--cwd", dir, "--plan", planPath, "--max-steps", "3", "--", "--model", "fast")
	require.NoError(t, err)

	for _, expected := range []string{
		"Dry run: would start cursor-agent --model fast",
		"dir:       " + dir,
		"timeout=unlimited max-steps=3 loop-threshold=unlimited",
		"plan:      todo (3 steps)",
		"1. setup: go mod init todo",
		"2. build: cursor-agent --model fast --print 'build it'",
		"(1 later steps are not run once the tool takes over)",
	} {
		assert.Contains(t, output, expected)
	}
	assert.NotContains(t, output, "go test ./...")
}

func TestRunSessionReportsPreflightFailure(t *testing.T) {
	restore := snapshotRunHooks()
	defer restore()
	want := &preflight.Error{Check: preflight.CheckBinary, Target: "cursor-agent", Err: errors.New("not found")}
	runPreflightFn = func(opts preflight.Options) (preflight.Report, error) {
		assert.Equal(t, "cursor-agent", opts.Binary)
		return preflight.Report{}, want
	}

	cfg := config.Defaults()
	opts := runOptionsFromConfig(&cfg)
	opts.cwd = t.TempDir()

	var stdout, stderr bytes.Buffer
	err := runSession(context.Background(), &stdout, &stderr, &cfg, opts, nil, testLogger(), "run-1")

	var preflightErr *preflight.Error
	require.ErrorAs(t, err, &preflightErr)
	assert.Equal(t, preflight.CheckBinary, preflightErr.Check)
	assert.Empty(t, stdout.String())
}

func TestPreflightCommandPrintsReport(t *testing.T) {
	restore := snapshotRunHooks()
	defer restore()
	runGetwdFn = func() (string, error) { return "/work/app", nil }
	runPreflightFn = func(opts preflight.Options) (preflight.Report, error) {
		assert.True(t, opts.NeedGit)
		return preflight.Report{
			Dir:      opts.Dir,
			Binary:   "/usr/local/bin/" + opts.Binary,
			Warnings: []string{"git not found on PATH; changed files will be empty"},
		}, nil
	}

	cfg := config.Defaults()
	cfg.ChangedFiles = config.ChangedFilesGit
	output, err := executeRoot(t, &cfg, "preflight")
	require.NoError(t, err)

	assert.Contains(t, output, "Preflight OK")
	assert.Contains(t, output, "binary: /usr/local/bin/cursor-agent")
	assert.Contains(t, output, "dir:    /work/app")
	assert.Contains(t, output, "git:    not checked")
	assert.Contains(t, output, "warning: git not found on PATH")
}

func TestPatternsCommandPrintsEffectivePatterns(t *testing.T) {
	t.Parallel()

	path := test.WriteFile(t, filepath.Join(t.TempDir(), "detectors.json"), `{"completion": ["^deploy finished$"]}`)

	output, err := executeRoot(t, &config.Config{}, "patterns", "--detectors", path)
	require.NoError(t, err)

	decoded := map[string][]string{}
	require.NoError(t, json.Unmarshal([]byte(output), &decoded))
	assert.Equal(t, []string{"^deploy finished$"}, decoded["completion"])
	assert.Equal(t, detect.DefaultPatterns().Sources()[detect.CategoryQuestion], decoded["question"])
	assert.NotEmpty(t, decoded["awaitingInput"])
}

func TestBuildProbeModes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	off, closeOff := buildProbe(config.ChangedFilesOff, dir, testLogger())
	defer closeOff()
	assert.Nil(t, off)

	git, closeGit := buildProbe(config.ChangedFilesGit, dir, testLogger())
	defer closeGit()
	assert.IsType(t, &probe.Git{}, git)

	watch, closeWatch := buildProbe(config.ChangedFilesWatch, dir, testLogger())
	defer closeWatch()
	assert.IsType(t, &probe.Watcher{}, watch)
}

func TestPrintSummaryIncludesCause(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	printSummary(&out, session.Result{
		Outcome:      session.OutcomeAborted,
		Reason:       session.ReasonStepFailed,
		AnswersTyped: 2,
		Duration:     1500 * time.Millisecond,
		ExitCode:     -1,
		Err:          errors.New("plan step failed"),
	}, nil)

	text := out.String()
	assert.True(t, strings.HasPrefix(text, "Session aborted (step_failed) after 1.5s, 2 answers typed"), text)
	assert.Contains(t, text, "cause: plan step failed")
	assert.NotContains(t, text, "tool exit code")
	assert.NotContains(t, text, "transcript:")
}
