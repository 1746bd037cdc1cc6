// Package preflight verifies that a session can start before anything is spawned.
package preflight

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Check names.
const (
	CheckWorkingDirectory = "working_directory"
	CheckBinary           = "binary"
)

// Error reports the failed check.
type Error struct {
	Check  string
	Target string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("preflight %s check failed for %q: %v", e.Check, e.Target, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Options lists what a session needs.
type Options struct {
	Binary string
	Dir    string
	// NeedGit requests a git lookup for git-backed changed-file probing.
	NeedGit bool
}

// Report describes the resolved environment.
type Report struct {
	Dir      string
	Binary   string
	Git      string
	Warnings []string
}

// Check validates the working directory and resolves the binary on PATH.
//
// A missing git binary is only a warning: changed-file probing degrades to
// an empty list.
func Check(opts Options) (Report, error) {
	return check(opts, exec.LookPath, os.Stat)
}

func check(
	opts Options,
	lookPath func(file string) (string, error),
	stat func(name string) (os.FileInfo, error),
) (Report, error) {
	if lookPath == nil || stat == nil {
		return Report{}, errors.New("lookPath and stat functions are required")
	}

	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		dir = "."
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return Report{}, &Error{Check: CheckWorkingDirectory, Target: dir, Err: err}
	}
	info, err := stat(absDir)
	if err != nil {
		return Report{}, &Error{Check: CheckWorkingDirectory, Target: absDir, Err: err}
	}
	if !info.IsDir() {
		return Report{}, &Error{Check: CheckWorkingDirectory, Target: absDir, Err: errors.New("not a directory")}
	}

	binary := strings.TrimSpace(opts.Binary)
	if binary == "" {
		return Report{}, &Error{Check: CheckBinary, Target: binary, Err: errors.New("binary is required")}
	}
	resolved, err := resolveBinary(binary, absDir, lookPath, stat)
	if err != nil {
		return Report{}, &Error{Check: CheckBinary, Target: binary, Err: err}
	}

	report := Report{Dir: absDir, Binary: resolved}
	if opts.NeedGit {
		gitPath, gitErr := lookPath("git")
		if gitErr != nil {
			report.Warnings = append(report.Warnings, "git not found on PATH; changed files will be empty")
		} else {
			report.Git = gitPath
		}
	}
	return report, nil
}

func resolveBinary(
	binary string,
	dir string,
	lookPath func(file string) (string, error),
	stat func(name string) (os.FileInfo, error),
) (string, error) {
	if !strings.ContainsRune(binary, filepath.Separator) {
		return lookPath(binary)
	}
	candidate := binary
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(dir, candidate)
	}
	info, err := stat(candidate)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", errors.New("is a directory")
	}
	if info.Mode().Perm()&0o111 == 0 {
		return "", errors.New("not executable")
	}
	return candidate, nil
}
