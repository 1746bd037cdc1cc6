//go:build !windows

package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/creack/pty"
	"github.com/cursor-pilot/cpilot/internal/session"
)

// terminalSizeFn reports the controlling terminal size as cols, rows.
var terminalSizeFn = func() (int, int, error) {
	rows, cols, err := pty.Getsize(os.Stdin)
	return cols, rows, err
}

// followTerminalSize resizes the tool whenever the controlling terminal
// changes size, until the returned func is called. Without a terminal on
// stdin it does nothing.
func followTerminalSize(sess *session.Session, logger *log.Logger) func() {
	if _, _, err := terminalSizeFn(); err != nil {
		return func() {}
	}
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGWINCH)
	go func() {
		for range signals {
			resizeToTerminal(sess, logger)
		}
	}()
	return func() {
		signal.Stop(signals)
		close(signals)
	}
}

func resizeToTerminal(sess *session.Session, logger *log.Logger) {
	cols, rows, err := terminalSizeFn()
	if err != nil {
		logger.Debug("read terminal size failed", "error", err)
		return
	}
	if err := sess.Resize(cols, rows); err != nil && !errors.Is(err, session.ErrNoProcess) {
		logger.Warn("resize tool failed", "cols", cols, "rows", rows, "error", err)
	}
}
