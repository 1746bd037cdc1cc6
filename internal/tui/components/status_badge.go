package components

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/cursor-pilot/cpilot/internal/tui/theme"
)

type badgeVariant struct {
	icon  string
	label string
	color lipgloss.TerminalColor
}

var stateBadgeVariants = map[string]badgeVariant{
	"init":      {icon: theme.IconWaiting, label: "STARTING", color: theme.SlateColor},
	"plan":      {icon: theme.IconWorking, label: "PLAN", color: theme.LilacColor},
	"running":   {icon: theme.IconWorking, label: "RUNNING", color: theme.AmberColor},
	"answering": {icon: theme.IconAnswer, label: "ANSWERING", color: theme.VioletColor},
	"completed": {icon: theme.IconDone, label: "COMPLETED", color: theme.GreenColor},
	"aborted":   {icon: theme.IconFailed, label: "ABORTED", color: theme.RedColor},
}

// RenderStateBadge renders `icon LABEL` for a session lifecycle state.
// Unknown states render with the alert icon in gray.
func RenderStateBadge(state string) string {
	normalized := strings.ToLower(strings.TrimSpace(state))
	variant, ok := stateBadgeVariants[normalized]
	if !ok {
		label := strings.ToUpper(normalized)
		if label == "" {
			label = "UNKNOWN"
		}
		variant = badgeVariant{icon: theme.IconAlert, label: label, color: theme.GrayColor}
	}
	return lipgloss.NewStyle().
		Foreground(variant.color).
		Bold(true).
		Render(variant.icon + " " + variant.label)
}
