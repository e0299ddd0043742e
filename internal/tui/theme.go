// Package tui implements the live nodes dashboard.
package tui

import "github.com/charmbracelet/lipgloss"

// Theme defines the dashboard color palette.
type Theme struct {
	text      lipgloss.Color
	textMuted lipgloss.Color
	primary   lipgloss.Color
	success   lipgloss.Color
	warning   lipgloss.Color
	error     lipgloss.Color
	border    lipgloss.Color
}

// Dark default.
func getTheme() Theme {
	return Theme{
		text:      lipgloss.Color("#e0e0e0"),
		textMuted: lipgloss.Color("#666666"),
		primary:   lipgloss.Color("#22c55e"),
		success:   lipgloss.Color("#22c55e"),
		warning:   lipgloss.Color("#eab308"),
		error:     lipgloss.Color("#ef4444"),
		border:    lipgloss.Color("#333333"),
	}
}
