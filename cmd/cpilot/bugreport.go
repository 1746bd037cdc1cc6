package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cursor-pilot/cpilot/internal/config"
	"github.com/cursor-pilot/cpilot/internal/detect"
	"github.com/cursor-pilot/cpilot/internal/preflight"
	"github.com/cursor-pilot/cpilot/internal/transcript"
	"github.com/spf13/cobra"
)

const (
	bugreportLogLimit = 3
	bugreportRoot     = "cpilot-bugreport"
)

// Environment variables worth bundling, by prefix. Values of secret-looking
// names are masked.
var bugreportEnvPrefixes = []string{"CPILOT_", "OPENAI_", "OTEL_", "TERM", "CURSOR_"}

var (
	bugreportNowFn = func() time.Time {
		return time.Now().UTC()
	}
	bugreportHomeDirFn = os.UserHomeDir
	bugreportGetwdFn   = os.Getwd
	bugreportEnvironFn = os.Environ
)

type bugreportOptions struct {
	TranscriptDir string
	Output        string
}

func newBugreportCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	opts := bugreportOptions{}
	if cfg != nil {
		opts.TranscriptDir = cfg.TranscriptDir
	}
	cmd := &cobra.Command{
		Use:   "bugreport",
		Short: "Bundle the last session's transcript, log and settings for debugging",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if logger != nil {
				logger.With("command", "bugreport").Info("collecting session bundle", "transcript_dir", opts.TranscriptDir)
			}
			return runBugReport(cmd.OutOrStdout(), cfg, opts)
		},
	}
	cmd.Flags().StringVar(&opts.TranscriptDir, "transcript-dir", opts.TranscriptDir, "transcript directory of the session to include")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "archive path (default: ./cpilot-bugreport-<time>.tar.gz)")
	return cmd
}

// bugreportManifest is written as manifest.json at the archive root.
type bugreportManifest struct {
	Version   string              `json:"version"`
	Generated string              `json:"generated"`
	Dir       string              `json:"dir"`
	Session   *transcript.Summary `json:"session,omitempty"`
	Files     []string            `json:"files"`
	Warnings  []string            `json:"warnings,omitempty"`
}

// sessionBundle collects archive members in memory; missing artifacts
// become warnings rather than failures.
type sessionBundle struct {
	files    []bundleFile
	warnings []string
}

type bundleFile struct {
	name string
	data []byte
}

func (b *sessionBundle) add(name string, data []byte) {
	b.files = append(b.files, bundleFile{name: name, data: data})
}

func (b *sessionBundle) warnf(format string, args ...any) {
	b.warnings = append(b.warnings, fmt.Sprintf(format, args...))
}

func (b *sessionBundle) names() []string {
	names := make([]string, 0, len(b.files))
	for _, file := range b.files {
		names = append(names, file.name)
	}
	return names
}

func runBugReport(out io.Writer, cfg *config.Config, opts bugreportOptions) error {
	cwd, err := bugreportGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}
	cwd = filepath.Clean(cwd)

	effective := config.Defaults()
	if cfg != nil {
		effective = *cfg
	}
	if strings.TrimSpace(effective.LogDir) == "" {
		homeDir, err := bugreportHomeDirFn()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		effective.LogDir = filepath.Join(homeDir, config.DirName, "logs")
	}

	now := bugreportNowFn()
	bundle := &sessionBundle{}
	summary := bundleTranscript(bundle, opts.TranscriptDir)
	sessionID := ""
	if summary != nil {
		sessionID = summary.Session
	}
	bundleLogs(bundle, effective.LogDir, sessionID)
	if err := bundleConfig(bundle, effective); err != nil {
		return err
	}
	bundlePatterns(bundle, effective.Detectors)
	bundlePreflight(bundle, effective, cwd)
	bundleEnvironment(bundle, bugreportEnvironFn())

	manifest := bugreportManifest{
		Version:   strings.TrimSpace(Version),
		Generated: now.Format(time.RFC3339),
		Dir:       cwd,
		Session:   summary,
		Files:     append(bundle.names(), "manifest.json"),
		Warnings:  bundle.warnings,
	}
	encoded, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	bundle.add("manifest.json", append(encoded, '\n'))

	archivePath := strings.TrimSpace(opts.Output)
	if archivePath == "" {
		archivePath = filepath.Join(cwd, fmt.Sprintf("%s-%s.tar.gz", bugreportRoot, now.Format("20060102-150405")))
	}
	if err := writeBundleArchive(archivePath, bundle.files, now); err != nil {
		return err
	}

	if out == nil {
		out = os.Stdout
	}
	lines := []string{fmt.Sprintf("Bug report written to %s (%d files)", archivePath, len(bundle.files))}
	if summary != nil {
		lines = append(lines, "  session: "+describeSummary(*summary))
	}
	for _, warning := range bundle.warnings {
		lines = append(lines, "  warning: "+warning)
	}
	if _, err := fmt.Fprintln(out, strings.Join(lines, "\n")); err != nil {
		return fmt.Errorf("write bugreport output: %w", err)
	}
	return nil
}

func describeSummary(summary transcript.Summary) string {
	state := "still running or interrupted"
	if summary.Ended() {
		state = summary.Outcome + " (" + summary.Reason + ")"
	}
	return fmt.Sprintf("%s %s, %d answers typed", displayOr(summary.Session, "unknown"), state, summary.Answers)
}

// bundleTranscript adds both transcript files and summarizes the last
// session recorded in the JSONL one.
func bundleTranscript(bundle *sessionBundle, dir string) *transcript.Summary {
	if strings.TrimSpace(dir) == "" {
		bundle.warnf("no transcript directory configured")
		return nil
	}
	var summary *transcript.Summary
	for _, name := range []string{transcript.DefaultJSONLName, transcript.DefaultMarkdownName} {
		path := filepath.Join(dir, name)
		// #nosec G304 -- transcript files have fixed names inside the configured directory.
		data, err := os.ReadFile(path)
		if err != nil {
			bundle.warnf("unable to read transcript %s: %v", path, err)
			continue
		}
		bundle.add("transcript/"+name, data)
		if name != transcript.DefaultJSONLName {
			continue
		}
		parsed, err := transcript.Summarize(bytes.NewReader(data))
		if err != nil {
			bundle.warnf("unable to summarize %s: %v", path, err)
			continue
		}
		if parsed.Skipped > 0 {
			bundle.warnf("%d malformed transcript lines skipped", parsed.Skipped)
		}
		summary = &parsed
	}
	return summary
}

// bundleLogs adds the log file of sessionID, or the newest logs when no
// file carries that id.
func bundleLogs(bundle *sessionBundle, dir, sessionID string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		bundle.warnf("unable to read logs directory: %v", err)
		return
	}
	type logFile struct {
		name    string
		modTime time.Time
	}
	var (
		all     []logFile
		matched []logFile
	)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		file := logFile{name: entry.Name(), modTime: info.ModTime()}
		all = append(all, file)
		if sessionID != "" && strings.Contains(file.name, sessionID) {
			matched = append(matched, file)
		}
	}
	selected := matched
	if len(selected) == 0 {
		if sessionID != "" {
			bundle.warnf("no log file for session %s; bundling the newest logs", sessionID)
		}
		sort.Slice(all, func(i, j int) bool {
			return all[i].modTime.After(all[j].modTime)
		})
		if len(all) > bugreportLogLimit {
			all = all[:bugreportLogLimit]
		}
		selected = all
	}
	if len(selected) == 0 {
		bundle.warnf("no log files in %s", dir)
		return
	}
	for _, file := range selected {
		path := filepath.Join(dir, file.name)
		// #nosec G304 -- path comes from log directory enumeration.
		data, err := os.ReadFile(path)
		if err != nil {
			bundle.warnf("unable to read log %s: %v", path, err)
			continue
		}
		bundle.add("logs/"+file.name, data)
	}
}

// bundleConfig adds the merged configuration in config.toml form.
func bundleConfig(bundle *sessionBundle, cfg config.Config) error {
	cfg.OTelEndpoint = redactURL(cfg.OTelEndpoint)
	var encoded bytes.Buffer
	if err := cfg.WriteTOML(&encoded); err != nil {
		return err
	}
	bundle.add("config.toml", encoded.Bytes())
	return nil
}

func bundlePatterns(bundle *sessionBundle, detectors string) {
	patterns, warnings, err := loadPatterns(detectors)
	if err != nil {
		bundle.warnf("detector overrides unusable, defaults bundled: %v", err)
		patterns = detect.DefaultPatterns()
	}
	for _, warning := range warnings {
		bundle.warnf("detectors: %s", warning)
	}
	encoded, err := json.MarshalIndent(patterns.Sources(), "", "  ")
	if err != nil {
		bundle.warnf("unable to encode patterns: %v", err)
		return
	}
	bundle.add("patterns.json", append(encoded, '\n'))
}

func bundlePreflight(bundle *sessionBundle, cfg config.Config, dir string) {
	report, err := runPreflightFn(preflight.Options{
		Binary:  cfg.Binary,
		Dir:     dir,
		NeedGit: cfg.ChangedFiles == config.ChangedFilesGit,
	})
	var text bytes.Buffer
	if err != nil {
		fmt.Fprintf(&text, "Preflight FAILED\n  %v\n", err)
		var preflightErr *preflight.Error
		if errors.As(err, &preflightErr) {
			bundle.warnf("preflight failed at %s check", preflightErr.Check)
		}
	} else if writeErr := writePreflightReport(&text, report); writeErr != nil {
		bundle.warnf("unable to render preflight report: %v", writeErr)
		return
	}
	bundle.add("preflight.txt", text.Bytes())
}

// bundleEnvironment adds the variables that steer cpilot, the provider
// and the driven tool.
func bundleEnvironment(bundle *sessionBundle, environ []string) {
	var lines []string
	for _, entry := range environ {
		key, value, found := strings.Cut(entry, "=")
		if !found || !hasAnyPrefix(key, bugreportEnvPrefixes) {
			continue
		}
		if isSensitiveToken(strings.ToLower(key)) {
			value = "<redacted>"
		} else {
			value = redactURL(value)
		}
		lines = append(lines, key+"="+value)
	}
	sort.Strings(lines)
	if len(lines) == 0 {
		lines = append(lines, "# no relevant environment variables set")
	}
	bundle.add("environment.txt", []byte(strings.Join(lines, "\n")+"\n"))
}

func hasAnyPrefix(value string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}

// redactURL masks credentials embedded in a URL. Other values pass through.
func redactURL(value string) string {
	parsed, err := url.Parse(value)
	if err != nil || parsed.User == nil || parsed.Host == "" {
		return value
	}
	parsed.User = url.User("redacted")
	return parsed.String()
}

// writeBundleArchive writes files under a single top-level directory.
func writeBundleArchive(path string, files []bundleFile, modTime time.Time) (err error) {
	// #nosec G304 -- archive path is chosen by the user or generated in the working directory.
	archive, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", path, err)
	}
	defer func() {
		if closeErr := archive.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close archive %s: %w", path, closeErr)
		}
	}()

	gzipWriter := gzip.NewWriter(archive)
	tarWriter := tar.NewWriter(gzipWriter)
	for _, file := range files {
		header := &tar.Header{
			Name:     bugreportRoot + "/" + file.name,
			Mode:     0o600,
			Size:     int64(len(file.data)),
			ModTime:  modTime,
			Typeflag: tar.TypeReg,
		}
		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", file.name, err)
		}
		if _, err := tarWriter.Write(file.data); err != nil {
			return fmt.Errorf("write %s into archive: %w", file.name, err)
		}
	}
	if err := tarWriter.Close(); err != nil {
		return fmt.Errorf("finish tar stream: %w", err)
	}
	if err := gzipWriter.Close(); err != nil {
		return fmt.Errorf("finish gzip stream: %w", err)
	}
	return nil
}
