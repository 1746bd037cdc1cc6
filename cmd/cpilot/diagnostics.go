package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/cursor-pilot/cpilot/internal/config"
	"github.com/cursor-pilot/cpilot/internal/preflight"
	"github.com/spf13/cobra"
)

func newPreflightCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var (
		dir    string
		binary string
	)
	if cfg != nil {
		binary = cfg.Binary
	}
	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Check that the tool binary and working directory are usable",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(dir) == "" {
				wd, err := runGetwdFn()
				if err != nil {
					return fmt.Errorf("resolve working directory: %w", err)
				}
				dir = wd
			}
			needGit := cfg != nil && cfg.ChangedFiles == config.ChangedFilesGit
			report, err := runPreflightFn(preflight.Options{Binary: binary, Dir: dir, NeedGit: needGit})
			if err != nil {
				return err
			}
			if logger != nil {
				logger.Info("preflight passed", "binary", report.Binary, "dir", report.Dir)
			}
			return writePreflightReport(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&dir, "cwd", "", "working directory to check (default: current directory)")
	cmd.Flags().StringVar(&binary, "binary", binary, "tool binary name or path")
	return cmd
}

func writePreflightReport(out io.Writer, report preflight.Report) error {
	git := report.Git
	if git == "" {
		git = "not checked"
	}
	lines := []string{
		"Preflight OK",
		fmt.Sprintf("  dir:    %s", report.Dir),
		fmt.Sprintf("  binary: %s", report.Binary),
		fmt.Sprintf("  git:    %s", git),
	}
	for _, warning := range report.Warnings {
		lines = append(lines, "  warning: "+warning)
	}
	if _, err := fmt.Fprintln(out, strings.Join(lines, "\n")); err != nil {
		return fmt.Errorf("write preflight report: %w", err)
	}
	return nil
}

func newPatternsCommand(cfg *config.Config) *cobra.Command {
	var detectors string
	if cfg != nil {
		detectors = cfg.Detectors
	}
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Print the effective classifier patterns as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			patterns, warnings, err := loadPatterns(detectors)
			if err != nil {
				return err
			}
			for _, warning := range warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", warning)
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			encoder.SetEscapeHTML(false)
			if err := encoder.Encode(patterns.Sources()); err != nil {
				return fmt.Errorf("encode patterns: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&detectors, "detectors", detectors, "JSON file overriding classifier patterns")
	return cmd
}
