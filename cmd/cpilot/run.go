package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/cursor-pilot/cpilot/internal/config"
	"github.com/cursor-pilot/cpilot/internal/detect"
	"github.com/cursor-pilot/cpilot/internal/events"
	"github.com/cursor-pilot/cpilot/internal/governor"
	"github.com/cursor-pilot/cpilot/internal/logging"
	"github.com/cursor-pilot/cpilot/internal/plan"
	"github.com/cursor-pilot/cpilot/internal/preflight"
	"github.com/cursor-pilot/cpilot/internal/probe"
	"github.com/cursor-pilot/cpilot/internal/prompts"
	"github.com/cursor-pilot/cpilot/internal/provider"
	"github.com/cursor-pilot/cpilot/internal/session"
	"github.com/cursor-pilot/cpilot/internal/telemetry"
	"github.com/cursor-pilot/cpilot/internal/transcript"
	"github.com/cursor-pilot/cpilot/internal/tui"
	"github.com/spf13/cobra"
)

var (
	runGetwdFn     = os.Getwd
	runPreflightFn = preflight.Check
)

// runOptions are the run flags, seeded from the loaded config.
type runOptions struct {
	cwd            string
	binary         string
	prompt         string
	planPath       string
	provider       string
	model          string
	temperature    float64
	maxTokens      int
	timeout        time.Duration
	maxSteps       int
	idleThreshold  time.Duration
	loopThreshold  int
	commandTimeout time.Duration
	autoApprove    bool
	autoAnswerIdle bool
	detectors      string
	transcriptDir  string
	changedFiles   string
	tui            bool
	dryRun         bool
}

func runOptionsFromConfig(cfg *config.Config) *runOptions {
	if cfg == nil {
		defaults := config.Defaults()
		cfg = &defaults
	}
	return &runOptions{
		binary:         cfg.Binary,
		provider:       cfg.Provider,
		model:          cfg.Model,
		temperature:    cfg.Temperature,
		maxTokens:      cfg.MaxTokens,
		timeout:        cfg.Timeout,
		maxSteps:       cfg.MaxSteps,
		idleThreshold:  cfg.IdleThreshold,
		loopThreshold:  cfg.LoopThreshold,
		commandTimeout: cfg.CommandTimeout,
		autoApprove:    cfg.AutoApprove,
		autoAnswerIdle: cfg.AutoAnswerIdle,
		detectors:      cfg.Detectors,
		transcriptDir:  cfg.TranscriptDir,
		changedFiles:   cfg.ChangedFiles,
	}
}

// effectiveConfig overlays the flags on cfg so flag values pass the same
// validation as file values.
func (o *runOptions) effectiveConfig(cfg *config.Config) config.Config {
	effective := *cfg
	effective.Binary = strings.TrimSpace(o.binary)
	effective.Provider = strings.ToLower(strings.TrimSpace(o.provider))
	effective.Model = o.model
	effective.Temperature = o.temperature
	effective.MaxTokens = o.maxTokens
	effective.Timeout = o.timeout
	effective.MaxSteps = o.maxSteps
	effective.IdleThreshold = o.idleThreshold
	effective.LoopThreshold = o.loopThreshold
	effective.CommandTimeout = o.commandTimeout
	effective.AutoApprove = o.autoApprove
	effective.AutoAnswerIdle = o.autoAnswerIdle
	effective.Detectors = o.detectors
	effective.TranscriptDir = o.transcriptDir
	effective.ChangedFiles = strings.ToLower(strings.TrimSpace(o.changedFiles))
	return effective
}

func newRunCommand(cfg *config.Config, logger *log.Logger, runID string) *cobra.Command {
	opts := runOptionsFromConfig(cfg)
	cmd := &cobra.Command{
		Use:   "run [flags] [-- tool-args...]",
		Short: "Run the tool and answer its prompts until it finishes or a limit trips",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg, opts, args, logger, runID)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.cwd, "cwd", "", "working directory for the tool (default: current directory)")
	flags.StringVar(&opts.binary, "binary", opts.binary, "tool binary name or path")
	flags.StringVar(&opts.prompt, "prompt", "", "governing prompt text, or a file containing it")
	flags.StringVar(&opts.planPath, "plan", "", "YAML plan of steps to run before the interactive session")
	flags.StringVar(&opts.provider, "provider", opts.provider, "answer provider: mock or openai")
	flags.StringVar(&opts.model, "model", opts.model, "provider model")
	flags.Float64Var(&opts.temperature, "temperature", opts.temperature, "provider sampling temperature")
	flags.IntVar(&opts.maxTokens, "max-tokens", opts.maxTokens, "provider reply token limit")
	flags.DurationVar(&opts.timeout, "timeout", opts.timeout, "wall-clock session limit (0: unlimited)")
	flags.IntVar(&opts.maxSteps, "max-steps", opts.maxSteps, "maximum answers typed (0: unlimited)")
	flags.DurationVar(&opts.idleThreshold, "idle-threshold", opts.idleThreshold, "silence before output counts as idle")
	flags.IntVar(&opts.loopThreshold, "loop-threshold", opts.loopThreshold, "identical question/answer repeats that abort the session (0: off)")
	flags.DurationVar(&opts.commandTimeout, "command-timeout", opts.commandTimeout, "per-command limit for plan run steps (0: unlimited)")
	flags.BoolVar(&opts.autoApprove, "auto-approve", opts.autoApprove, "accept run-this-command approval menus")
	flags.BoolVar(&opts.autoAnswerIdle, "auto-answer-idle", opts.autoAnswerIdle, "type provider suggestions when the tool goes idle")
	flags.StringVar(&opts.detectors, "detectors", opts.detectors, "JSON file overriding classifier patterns")
	flags.StringVar(&opts.transcriptDir, "transcript-dir", opts.transcriptDir, "directory for transcript.jsonl and session.md")
	flags.StringVar(&opts.changedFiles, "changed-files", opts.changedFiles, "changed-file probe: watch, git or off")
	flags.BoolVar(&opts.tui, "tui", false, "show the status view instead of raw tool output")
	flags.BoolVar(&opts.dryRun, "dry-run", false, "print the intended invocation and exit")

	return cmd
}

func runSession(
	ctx context.Context,
	stdout io.Writer,
	stderr io.Writer,
	cfg *config.Config,
	opts *runOptions,
	toolArgs []string,
	logger *log.Logger,
	runID string,
) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	logger = logging.OrDiscard(logger)

	sessionCfg, warnings, err := buildSessionConfig(cfg, opts, toolArgs, runID)
	if err != nil {
		return err
	}
	for _, warning := range warnings {
		logger.Warn("pattern override skipped", "detail", warning)
	}

	if opts.dryRun {
		return printDryRun(stdout, sessionCfg, opts)
	}

	report, err := runPreflightFn(preflight.Options{
		Binary:  sessionCfg.Binary,
		Dir:     sessionCfg.Dir,
		NeedGit: strings.EqualFold(opts.changedFiles, config.ChangedFilesGit),
	})
	if err != nil {
		return err
	}
	for _, warning := range report.Warnings {
		logger.Warn("preflight warning", "detail", warning)
	}
	sessionCfg.Binary = report.Binary
	sessionCfg.Dir = report.Dir

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Options{
		Endpoint:  cfg.OTelEndpoint,
		SessionID: sessionCfg.SessionID,
		Tool:      toolTitle(sessionCfg.Binary),
		Provider:  opts.provider,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer shutdownTelemetry()

	answers, err := provider.New(opts.provider, provider.Options{
		Model:             opts.model,
		RequestsPerMinute: cfg.RequestsPerMinute,
	})
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}

	changes, closeProbe := buildProbe(opts.changedFiles, sessionCfg.Dir, logger)
	defer closeProbe()

	bus := events.New(events.WithLogger(logger))
	var recorder *transcript.Recorder
	if strings.TrimSpace(opts.transcriptDir) != "" {
		recorder, err = transcript.Open(opts.transcriptDir, logger)
		if err != nil {
			bus.Close()
			return fmt.Errorf("open transcript: %w", err)
		}
		recorder.Attach(bus)
	}
	if !opts.tui {
		mirrorOutput(bus, stdout)
	}

	sess, err := session.New(sessionCfg, session.Options{
		Provider: answers,
		Bus:      bus,
		Logger:   logger,
		Probe:    changes,
	})
	if err != nil {
		bus.Close()
		_ = recorder.Close()
		return fmt.Errorf("create session: %w", err)
	}

	stopSignals := stopOnSignal(sess, logger)
	defer stopSignals()
	stopResize := followTerminalSize(sess, logger)
	defer stopResize()

	var stopView func()
	if opts.tui {
		stopView = startStatusView(ctx, bus, sess, toolTitle(sessionCfg.Binary), logger)
	}

	result, runErr := sess.Run(ctx)

	bus.Close()
	if stopView != nil {
		stopView()
	}
	if closeErr := recorder.Close(); closeErr != nil {
		logger.Warn("close transcript failed", "error", closeErr)
	}

	printSummary(stderr, result, recorder)
	if runErr != nil {
		return fmt.Errorf("run session: %w", runErr)
	}
	if result.Outcome == session.OutcomeAborted {
		return &exitCodeError{code: exitAborted, reason: string(result.Reason)}
	}
	return nil
}

// buildSessionConfig resolves flags into a session config without touching
// the tool or the network.
func buildSessionConfig(cfg *config.Config, opts *runOptions, toolArgs []string, runID string) (session.Config, []string, error) {
	if strings.TrimSpace(opts.binary) == "" {
		return session.Config{}, nil, errors.New("binary is required")
	}
	effective := opts.effectiveConfig(cfg)
	if err := effective.Validate(); err != nil {
		return session.Config{}, nil, err
	}

	dir := strings.TrimSpace(opts.cwd)
	if dir == "" {
		wd, err := runGetwdFn()
		if err != nil {
			return session.Config{}, nil, fmt.Errorf("resolve working directory: %w", err)
		}
		dir = wd
	}

	governing, err := readPrompt(opts.prompt)
	if err != nil {
		return session.Config{}, nil, err
	}

	var steps *plan.Plan
	if strings.TrimSpace(opts.planPath) != "" {
		steps, err = plan.Load(opts.planPath)
		if err != nil {
			return session.Config{}, nil, fmt.Errorf("load plan: %w", err)
		}
	}

	patterns, warnings, err := loadPatterns(effective.Detectors)
	if err != nil {
		return session.Config{}, nil, err
	}

	return session.Config{
		SessionID:       runID,
		Binary:          effective.Binary,
		Args:            append([]string(nil), toolArgs...),
		Dir:             dir,
		Cols:            effective.TerminalCols,
		Rows:            effective.TerminalRows,
		GoverningPrompt: governing,
		Plan:            steps,
		ProviderName:    effective.Provider,
		MaxTokens:       effective.MaxTokens,
		Temperature:     float32(effective.Temperature),
		Limits: governor.Limits{
			Timeout:       effective.Timeout,
			MaxSteps:      effective.MaxSteps,
			LoopThreshold: effective.LoopThreshold,
		},
		IdleThreshold:   effective.IdleThreshold,
		IdleNudgeAfter:  effective.IdleNudgeAfter,
		CommandTimeout:  effective.CommandTimeout,
		AutoApprove:     effective.AutoApprove,
		AutoAnswerIdle:  effective.AutoAnswerIdle,
		Patterns:        patterns,
		HistoryCapacity: effective.HistoryCapacity,
		OutputBudget:    effective.OutputBudget,
	}, warnings, nil
}

// readPrompt treats value as a file path when one exists, else as the prompt text.
func readPrompt(value string) (string, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil
	}
	info, err := os.Stat(value)
	if err != nil || info.IsDir() {
		return value, nil
	}
	// #nosec G304 -- the prompt file is chosen by the operator.
	content, err := os.ReadFile(value)
	if err != nil {
		return "", fmt.Errorf("read prompt %s: %w", value, err)
	}
	return strings.TrimSpace(string(content)), nil
}

func loadPatterns(path string) (detect.Patterns, []string, error) {
	if strings.TrimSpace(path) == "" {
		return detect.DefaultPatterns(), nil, nil
	}
	patterns, warnings, err := detect.LoadPatterns(path)
	if err != nil {
		return detect.Patterns{}, nil, fmt.Errorf("load detectors: %w", err)
	}
	return patterns, warnings, nil
}

// buildProbe returns the changed-file probe for mode and its cleanup. A
// watcher that fails to start degrades to git.
func buildProbe(mode, dir string, logger *log.Logger) (prompts.FileChangeProbe, func()) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case config.ChangedFilesOff:
		return nil, func() {}
	case config.ChangedFilesGit:
		return probe.NewGit(dir), func() {}
	}
	watcher, err := probe.NewWatcher(dir, logger)
	if err != nil {
		logger.Warn("file watcher unavailable, using git", "dir", dir, "error", err)
		return probe.NewGit(dir), func() {}
	}
	return watcher, func() {
		if err := watcher.Close(); err != nil {
			logger.Warn("close file watcher failed", "error", err)
		}
	}
}

func mirrorOutput(bus events.Bus, out io.Writer) {
	bus.Subscribe(events.EventTypeOutputChunk, func(event events.Event) {
		if chunk, ok := event.Payload.(events.OutputChunk); ok {
			_, _ = io.WriteString(out, chunk.Raw)
		}
	})
}

// stopOnSignal stops the session on SIGINT or SIGTERM until the returned
// func is called.
func stopOnSignal(sess *session.Session, logger *log.Logger) func() {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range signals {
			logger.Warn("signal received, stopping session", "signal", sig.String())
			sess.Stop()
		}
	}()
	return func() {
		signal.Stop(signals)
		close(signals)
	}
}

func startStatusView(ctx context.Context, bus events.Bus, sess *session.Session, title string, logger *log.Logger) func() {
	model := tui.New(tui.Options{Title: title, Stop: sess.Stop})
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	tui.Forward(bus, program.Send)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			logger.Warn("status view failed", "error", err)
		}
	}()
	return func() {
		program.Quit()
		<-done
	}
}

func printDryRun(out io.Writer, cfg session.Config, opts *runOptions) error {
	lines := []string{
		fmt.Sprintf("Dry run: would start %s", formatCommand(cfg.Binary, cfg.Args)),
		fmt.Sprintf("  dir:       %s", cfg.Dir),
		fmt.Sprintf("  provider:  %s", displayOr(cfg.ProviderName, provider.NameMock)),
		fmt.Sprintf("  limits:    timeout=%s max-steps=%s loop-threshold=%s",
			limitText(cfg.Limits.Timeout.String(), cfg.Limits.Timeout == 0),
			limitText(fmt.Sprint(cfg.Limits.MaxSteps), cfg.Limits.MaxSteps == 0),
			limitText(fmt.Sprint(cfg.Limits.LoopThreshold), cfg.Limits.LoopThreshold == 0)),
		fmt.Sprintf("  idle:      after %s, auto-answer=%t", cfg.IdleThreshold, cfg.AutoAnswerIdle),
		fmt.Sprintf("  approvals: auto=%t", cfg.AutoApprove),
		fmt.Sprintf("  changes:   %s", displayOr(opts.changedFiles, config.ChangedFilesWatch)),
	}
	if cfg.GoverningPrompt != "" {
		lines = append(lines, fmt.Sprintf("  prompt:    %d chars", len(cfg.GoverningPrompt)))
	}
	if cfg.Plan != nil {
		lines = append(lines, fmt.Sprintf("  plan:      %s (%d steps)", displayOr(cfg.Plan.Name, "unnamed"), len(cfg.Plan.Steps)))
		for index, step := range cfg.Plan.Steps {
			if !step.Interactive() {
				lines = append(lines, fmt.Sprintf("    %d. %s: %s", index+1, step.Name, strings.Join(step.Run, " && ")))
				continue
			}
			args := append(append([]string(nil), cfg.Args...), step.Invocation()...)
			lines = append(lines, fmt.Sprintf("    %d. %s: %s", index+1, step.Name, formatCommand(cfg.Binary, args)))
			if skipped := len(cfg.Plan.Steps) - index - 1; skipped > 0 {
				lines = append(lines, fmt.Sprintf("    (%d later steps are not run once the tool takes over)", skipped))
			}
			break
		}
	}
	if _, err := fmt.Fprintln(out, strings.Join(lines, "\n")); err != nil {
		return fmt.Errorf("write dry run: %w", err)
	}
	return nil
}

func printSummary(out io.Writer, result session.Result, recorder *transcript.Recorder) {
	line := fmt.Sprintf("Session %s (%s) after %s, %d answers typed",
		result.Outcome, result.Reason, result.Duration.Round(time.Millisecond), result.AnswersTyped)
	if result.ExitCode >= 0 {
		line += fmt.Sprintf(", tool exit code %d", result.ExitCode)
	}
	fmt.Fprintln(out, line)
	if result.Err != nil {
		fmt.Fprintf(out, "  cause: %v\n", result.Err)
	}
	if jsonlPath, markdownPath := recorder.Paths(); jsonlPath != "" {
		fmt.Fprintf(out, "  transcript: %s\n  session log: %s\n", jsonlPath, markdownPath)
	}
}

func toolTitle(binary string) string {
	return filepath.Base(strings.TrimSpace(binary))
}

func displayOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func limitText(value string, unlimited bool) string {
	if unlimited {
		return "unlimited"
	}
	return value
}
