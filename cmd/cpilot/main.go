package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/cursor-pilot/cpilot/internal/config"
	"github.com/cursor-pilot/cpilot/internal/logging"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

// Process exit codes.
const (
	exitOK      = 0
	exitError   = 1
	exitAborted = 2
)

// exitCodeError ends the process with a specific code without printing an
// error line.
type exitCodeError struct {
	code   int
	reason string
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("session aborted: %s", e.reason)
}

func main() {
	os.Exit(exitCodeFor(run(context.Background(), os.Args[1:])))
}

func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	var exitErr *exitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return exitError
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	runID := uuid.NewString()
	logger, err := logging.New(ctx, logging.WithDir(cfg.LogDir), logging.WithRunID(runID))
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	cmd := newRootCommand(ctx, cfg, logger.Logger, runID)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		return err
	}

	return nil
}

func newRootCommand(ctx context.Context, cfg *config.Config, logger *log.Logger, runID string) *cobra.Command {
	root := &cobra.Command{
		Use:           "cpilot",
		Short:         "Drive an interactive code-generation CLI without a human at the keyboard",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newRunCommand(cfg, logger, runID),
		newPreflightCommand(cfg, logger),
		newPatternsCommand(cfg),
		newBugreportCommand(cfg, logger),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		logger.With("command", cmd.Name(), "args", redactArgs(args)).Debug("command invocation")
		return nil
	}

	root.SetContext(ctx)
	return root
}
