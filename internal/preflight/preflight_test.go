package preflight

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func fakeLookPath(available map[string]string) func(string) (string, error) {
	return func(file string) (string, error) {
		if path, ok := available[file]; ok {
			return path, nil
		}
		return "", errors.New("executable file not found in $PATH")
	}
}

func TestCheckResolvesBinaryOnPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	report, err := check(
		Options{Binary: "cursor-agent", Dir: dir, NeedGit: true},
		fakeLookPath(map[string]string{"cursor-agent": "/usr/local/bin/cursor-agent", "git": "/usr/bin/git"}),
		os.Stat,
	)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if report.Binary != "/usr/local/bin/cursor-agent" {
		t.Fatalf("binary = %q", report.Binary)
	}
	if report.Dir != dir || report.Git != "/usr/bin/git" {
		t.Fatalf("report = %#v", report)
	}
	if len(report.Warnings) != 0 {
		t.Fatalf("warnings = %v, want none", report.Warnings)
	}
}

func TestCheckWarnsWhenGitMissing(t *testing.T) {
	t.Parallel()

	report, err := check(
		Options{Binary: "cursor-agent", Dir: t.TempDir(), NeedGit: true},
		fakeLookPath(map[string]string{"cursor-agent": "/bin/cursor-agent"}),
		os.Stat,
	)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if len(report.Warnings) != 1 || !strings.Contains(report.Warnings[0], "git not found") {
		t.Fatalf("warnings = %v", report.Warnings)
	}
}

func TestCheckFailsForMissingBinary(t *testing.T) {
	t.Parallel()

	_, err := check(Options{Binary: "cursor-agent", Dir: t.TempDir()}, fakeLookPath(nil), os.Stat)
	var preflightErr *Error
	if !errors.As(err, &preflightErr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if preflightErr.Check != CheckBinary || preflightErr.Target != "cursor-agent" {
		t.Fatalf("error = %#v", preflightErr)
	}
}

func TestCheckFailsForMissingDirectory(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "nope")
	_, err := check(Options{Binary: "sh", Dir: missing}, fakeLookPath(map[string]string{"sh": "/bin/sh"}), os.Stat)
	var preflightErr *Error
	if !errors.As(err, &preflightErr) || preflightErr.Check != CheckWorkingDirectory {
		t.Fatalf("err = %v, want working directory failure", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want wrapped not-exist", err)
	}
}

func TestCheckAcceptsExecutablePath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	script := filepath.Join(dir, "mock-agent")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho hi\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	plain := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(plain, []byte("x"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	report, err := check(Options{Binary: "./mock-agent", Dir: dir}, fakeLookPath(nil), os.Stat)
	if err != nil {
		t.Fatalf("check executable path: %v", err)
	}
	if report.Binary != script {
		t.Fatalf("binary = %q, want %q", report.Binary, script)
	}

	if _, err := check(Options{Binary: plain, Dir: dir}, fakeLookPath(nil), os.Stat); err == nil {
		t.Fatal("expected non-executable path to fail")
	}
}

func TestCheckRequiresBinary(t *testing.T) {
	t.Parallel()

	if _, err := check(Options{Dir: t.TempDir()}, fakeLookPath(nil), os.Stat); err == nil {
		t.Fatal("expected error for empty binary")
	}
	if _, err := check(Options{}, nil, os.Stat); err == nil {
		t.Fatal("expected error for missing lookPath")
	}
}
