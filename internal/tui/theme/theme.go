// Package theme holds the colors and styles of the status view.
package theme

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const (
	// Amber marks activity.
	Amber = "#FF9966"
	// Slate is informational text.
	Slate = "#9999CC"
	// Lilac marks plan steps.
	Lilac = "#CC99CC"
	// Red marks aborts and errors.
	Red = "#FF3333"
	// Yellow marks warnings.
	Yellow = "#FFCC00"
	// Green marks completion.
	Green = "#33FF33"
	// Gray is muted text and borders.
	Gray = "#52526A"
	// White is primary text.
	White = "#F5F6FA"
	// Violet is the answer highlight.
	Violet = "#9966FF"
)

const (
	IconDone    = "✓"
	IconWorking = "●"
	IconWaiting = "⏸"
	IconFailed  = "✗"
	IconAlert   = "⚠"
	IconAnswer  = "▸"
)

var (
	AmberColor  = profileColor(Amber, "209", "11")
	SlateColor  = profileColor(Slate, "146", "12")
	LilacColor  = profileColor(Lilac, "182", "13")
	RedColor    = profileColor(Red, "203", "9")
	YellowColor = profileColor(Yellow, "220", "11")
	GreenColor  = profileColor(Green, "46", "10")
	GrayColor   = profileColor(Gray, "60", "8")
	WhiteColor  = profileColor(White, "255", "15")
	VioletColor = profileColor(Violet, "99", "5")
)

var (
	// LabelStyle renders status panel labels.
	LabelStyle = lipgloss.NewStyle().Foreground(GrayColor)
	// ValueStyle renders status panel values.
	ValueStyle = lipgloss.NewStyle().Foreground(WhiteColor)
	// AnswerStyle renders the last typed answer.
	AnswerStyle = lipgloss.NewStyle().Foreground(VioletColor).Bold(true)
	// HintStyle renders key hints.
	HintStyle = lipgloss.NewStyle().Foreground(GrayColor).Faint(true)

	// PanelBorder frames the output and status panels.
	PanelBorder = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(GrayColor)

	// TitleStyle renders panel titles.
	TitleStyle = lipgloss.NewStyle().Foreground(AmberColor).Bold(true)
)

var colorProfileFn = lipgloss.ColorProfile

func profileColor(hex string, ansi256 string, ansi string) lipgloss.TerminalColor {
	switch colorProfileFn() {
	case termenv.ANSI256, termenv.ANSI:
		color := lipgloss.CompleteColor{TrueColor: hex, ANSI256: ansi256, ANSI: ansi}
		return lipgloss.CompleteAdaptiveColor{Light: color, Dark: color}
	default:
		return lipgloss.AdaptiveColor{Light: hex, Dark: hex}
	}
}
