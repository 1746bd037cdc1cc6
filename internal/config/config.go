package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultBinary          = "cursor-agent"
	defaultProvider        = "mock"
	defaultMaxTokens       = 128
	defaultIdleThreshold   = 5 * time.Second
	defaultIdleNudgeAfter  = 2
	defaultHistoryCapacity = 10
	defaultOutputBudget    = 800
	defaultChangedFiles    = ChangedFilesWatch
	defaultTerminalCols    = 120
	defaultTerminalRows    = 30
)

// Changed-file probe modes.
const (
	ChangedFilesWatch = "watch"
	ChangedFilesGit   = "git"
	ChangedFilesOff   = "off"
)

// DirName is the per-user and per-project settings directory.
const DirName = ".cpilot"

// Config stores runtime settings loaded from TOML files. Zero limits mean
// unlimited.
type Config struct {
	Binary            string
	Provider          string
	Model             string
	MaxTokens         int
	Temperature       float64
	RequestsPerMinute int
	Timeout           time.Duration
	MaxSteps          int
	IdleThreshold     time.Duration
	LoopThreshold     int
	CommandTimeout    time.Duration
	IdleNudgeAfter    int
	AutoApprove       bool
	AutoAnswerIdle    bool
	HistoryCapacity   int
	OutputBudget      int
	Detectors         string
	ChangedFiles      string
	LogDir            string
	TranscriptDir     string
	OTelEndpoint      string
	TerminalCols      int
	TerminalRows      int
}

type fileConfig struct {
	Binary            *string         `toml:"binary"`
	Provider          *string         `toml:"provider"`
	Model             *string         `toml:"model"`
	MaxTokens         *int            `toml:"max_tokens"`
	Temperature       *float64        `toml:"temperature"`
	RequestsPerMinute *int            `toml:"requests_per_minute"`
	Timeout           *string         `toml:"timeout"`
	MaxSteps          *int            `toml:"max_steps"`
	IdleThreshold     *string         `toml:"idle_threshold"`
	LoopThreshold     *int            `toml:"loop_threshold"`
	CommandTimeout    *string         `toml:"command_timeout"`
	IdleNudgeAfter    *int            `toml:"idle_nudge_after"`
	AutoApprove       *bool           `toml:"auto_approve"`
	AutoAnswerIdle    *bool           `toml:"auto_answer_idle"`
	HistoryCapacity   *int            `toml:"history_capacity"`
	OutputBudget      *int            `toml:"output_budget"`
	Detectors         *string         `toml:"detectors"`
	ChangedFiles      *string         `toml:"changed_files"`
	LogDir            *string         `toml:"log_dir"`
	TranscriptDir     *string         `toml:"transcript_dir"`
	OTel              *otelConfig     `toml:"otel"`
	Terminal          *terminalConfig `toml:"terminal"`
}

type otelConfig struct {
	Endpoint *string `toml:"endpoint"`
}

type terminalConfig struct {
	Cols *int `toml:"cols"`
	Rows *int `toml:"rows"`
}

// Load reads config from ~/.cpilot/config.toml and overlays a project-local .cpilot/config.toml.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	_ = ctx
	return LoadFromDirs(homeDir, workingDir)
}

// LoadFromDirs layers defaults, <home>/.cpilot/config.toml and
// <work>/.cpilot/config.toml.
func LoadFromDirs(homeDir, workingDir string) (*Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(homeDir) != "" {
		cfg.LogDir = filepath.Join(homeDir, DirName, "logs")
	}

	paths := []string{}
	if strings.TrimSpace(homeDir) != "" {
		paths = append(paths, filepath.Join(homeDir, DirName, "config.toml"))
	}
	if strings.TrimSpace(workingDir) != "" {
		paths = append(paths, filepath.Join(workingDir, DirName, "config.toml"))
	}

	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Binary:          defaultBinary,
		Provider:        defaultProvider,
		MaxTokens:       defaultMaxTokens,
		IdleThreshold:   defaultIdleThreshold,
		IdleNudgeAfter:  defaultIdleNudgeAfter,
		HistoryCapacity: defaultHistoryCapacity,
		OutputBudget:    defaultOutputBudget,
		ChangedFiles:    defaultChangedFiles,
		TerminalCols:    defaultTerminalCols,
		TerminalRows:    defaultTerminalRows,
	}
}

// Validate rejects settings no session can run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	if strings.TrimSpace(c.Binary) == "" {
		return errors.New("invalid config: binary must not be empty")
	}
	switch c.Provider {
	case "mock", "openai":
	default:
		return fmt.Errorf("invalid config: unknown provider %q", c.Provider)
	}
	switch c.ChangedFiles {
	case ChangedFilesWatch, ChangedFilesGit, ChangedFilesOff:
	default:
		return fmt.Errorf("invalid config: changed_files must be watch, git or off, got %q", c.ChangedFiles)
	}

	for _, check := range []struct {
		key   string
		value int
	}{
		{"max_tokens", c.MaxTokens},
		{"requests_per_minute", c.RequestsPerMinute},
		{"max_steps", c.MaxSteps},
		{"loop_threshold", c.LoopThreshold},
		{"idle_nudge_after", c.IdleNudgeAfter},
		{"history_capacity", c.HistoryCapacity},
		{"output_budget", c.OutputBudget},
		{"terminal.cols", c.TerminalCols},
		{"terminal.rows", c.TerminalRows},
	} {
		if check.value < 0 {
			return fmt.Errorf("invalid config: %s must be >= 0", check.key)
		}
	}
	for _, check := range []struct {
		key   string
		value time.Duration
	}{
		{"timeout", c.Timeout},
		{"idle_threshold", c.IdleThreshold},
		{"command_timeout", c.CommandTimeout},
	} {
		if check.value < 0 {
			return fmt.Errorf("invalid config: %s must be >= 0", check.key)
		}
	}
	if c.LoopThreshold == 1 {
		return errors.New("invalid config: loop_threshold must be 0 (off) or at least 2")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("invalid config: temperature must be within [0, 2], got %g", c.Temperature)
	}
	return nil
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("decode config file %q: unsupported key %q", path, undecoded[0].String())
	}

	applyStringOverrides(cfg, decoded)
	applyNumericOverrides(cfg, decoded)
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

func applyStringOverrides(cfg *Config, decoded fileConfig) {
	setString := func(target *string, value *string, normalize func(string) string) {
		if value != nil {
			*target = normalize(*value)
		}
	}
	setString(&cfg.Binary, decoded.Binary, strings.TrimSpace)
	setString(&cfg.Provider, decoded.Provider, normalizeKey)
	setString(&cfg.Model, decoded.Model, strings.TrimSpace)
	setString(&cfg.Detectors, decoded.Detectors, strings.TrimSpace)
	setString(&cfg.ChangedFiles, decoded.ChangedFiles, normalizeKey)
	setString(&cfg.LogDir, decoded.LogDir, strings.TrimSpace)
	setString(&cfg.TranscriptDir, decoded.TranscriptDir, strings.TrimSpace)
	if decoded.OTel != nil {
		setString(&cfg.OTelEndpoint, decoded.OTel.Endpoint, strings.TrimSpace)
	}
	if decoded.AutoApprove != nil {
		cfg.AutoApprove = *decoded.AutoApprove
	}
	if decoded.AutoAnswerIdle != nil {
		cfg.AutoAnswerIdle = *decoded.AutoAnswerIdle
	}
}

func applyNumericOverrides(cfg *Config, decoded fileConfig) {
	setInt := func(target *int, value *int) {
		if value != nil {
			*target = *value
		}
	}
	setInt(&cfg.MaxTokens, decoded.MaxTokens)
	setInt(&cfg.RequestsPerMinute, decoded.RequestsPerMinute)
	setInt(&cfg.MaxSteps, decoded.MaxSteps)
	setInt(&cfg.LoopThreshold, decoded.LoopThreshold)
	setInt(&cfg.IdleNudgeAfter, decoded.IdleNudgeAfter)
	setInt(&cfg.HistoryCapacity, decoded.HistoryCapacity)
	setInt(&cfg.OutputBudget, decoded.OutputBudget)
	if decoded.Terminal != nil {
		setInt(&cfg.TerminalCols, decoded.Terminal.Cols)
		setInt(&cfg.TerminalRows, decoded.Terminal.Rows)
	}
	if decoded.Temperature != nil {
		cfg.Temperature = *decoded.Temperature
	}
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	for _, entry := range []struct {
		key    string
		value  *string
		target *time.Duration
	}{
		{"timeout", decoded.Timeout, &cfg.Timeout},
		{"idle_threshold", decoded.IdleThreshold, &cfg.IdleThreshold},
		{"command_timeout", decoded.CommandTimeout, &cfg.CommandTimeout},
	} {
		if entry.value == nil {
			continue
		}
		value, err := parseDuration(*entry.value, entry.key, path)
		if err != nil {
			return err
		}
		*entry.target = value
	}
	return nil
}

func normalizeKey(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// WriteTOML encodes c in the config file format, so the output can be
// dropped into .cpilot/config.toml unchanged.
func (c Config) WriteTOML(w io.Writer) error {
	duration := func(value time.Duration) *string {
		text := value.String()
		return &text
	}
	encoded := fileConfig{
		Binary:            &c.Binary,
		Provider:          &c.Provider,
		Model:             &c.Model,
		MaxTokens:         &c.MaxTokens,
		Temperature:       &c.Temperature,
		RequestsPerMinute: &c.RequestsPerMinute,
		Timeout:           duration(c.Timeout),
		MaxSteps:          &c.MaxSteps,
		IdleThreshold:     duration(c.IdleThreshold),
		LoopThreshold:     &c.LoopThreshold,
		CommandTimeout:    duration(c.CommandTimeout),
		IdleNudgeAfter:    &c.IdleNudgeAfter,
		AutoApprove:       &c.AutoApprove,
		AutoAnswerIdle:    &c.AutoAnswerIdle,
		HistoryCapacity:   &c.HistoryCapacity,
		OutputBudget:      &c.OutputBudget,
		Detectors:         &c.Detectors,
		ChangedFiles:      &c.ChangedFiles,
		LogDir:            &c.LogDir,
		TranscriptDir:     &c.TranscriptDir,
		OTel:              &otelConfig{Endpoint: &c.OTelEndpoint},
		Terminal:          &terminalConfig{Cols: &c.TerminalCols, Rows: &c.TerminalRows},
	}
	if err := toml.NewEncoder(w).Encode(encoded); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}
