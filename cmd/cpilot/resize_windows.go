//go:build windows

package main

import (
	"github.com/charmbracelet/log"
	"github.com/cursor-pilot/cpilot/internal/session"
)

func followTerminalSize(*session.Session, *log.Logger) func() {
	return func() {}
}
