// Package ui holds the terminal presentation for planrunner: lipgloss styles
// for status output and a bubbletea prompt for escalation decisions.
package ui

import "github.com/charmbracelet/lipgloss"

// Styles holds lipgloss styles shared by the CLI and the decision prompt.
type Styles struct {
	Border lipgloss.Style

	// Text styles
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Label     lipgloss.Style
	Value     lipgloss.Style
	Highlight lipgloss.Style
	Muted     lipgloss.Style

	// Status indicators
	StatusOK      lipgloss.Style
	StatusWarn    lipgloss.Style
	StatusError   lipgloss.Style
	StatusRunning lipgloss.Style

	// Choice list
	Selected lipgloss.Style
	Normal   lipgloss.Style

	// Help bar
	HelpKey  lipgloss.Style
	HelpText lipgloss.Style
}

// DefaultStyles creates the default style set.
func DefaultStyles() *Styles {
	subtle := lipgloss.AdaptiveColor{Light: "#666", Dark: "#888"}
	highlight := lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	green := lipgloss.AdaptiveColor{Light: "#22863a", Dark: "#3fb950"}
	yellow := lipgloss.AdaptiveColor{Light: "#b08800", Dark: "#d29922"}
	red := lipgloss.AdaptiveColor{Light: "#cb2431", Dark: "#f85149"}
	blue := lipgloss.AdaptiveColor{Light: "#0366d6", Dark: "#58a6ff"}

	return &Styles{
		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(highlight).
			Padding(0, 1),

		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(highlight).
			MarginBottom(1),

		Subtitle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "#333", Dark: "#ccc"}),

		Label: lipgloss.NewStyle().
			Foreground(subtle),

		Value: lipgloss.NewStyle().
			Bold(true),

		Highlight: lipgloss.NewStyle().
			Foreground(highlight).
			Bold(true),

		Muted: lipgloss.NewStyle().
			Foreground(subtle),

		StatusOK: lipgloss.NewStyle().
			Foreground(green).
			Bold(true),

		StatusWarn: lipgloss.NewStyle().
			Foreground(yellow).
			Bold(true),

		StatusError: lipgloss.NewStyle().
			Foreground(red).
			Bold(true),

		StatusRunning: lipgloss.NewStyle().
			Foreground(blue).
			Bold(true),

		Selected: lipgloss.NewStyle().
			Background(highlight).
			Foreground(lipgloss.Color("#fff")).
			Bold(true),

		Normal: lipgloss.NewStyle(),

		HelpKey: lipgloss.NewStyle().
			Foreground(highlight).
			Bold(true),

		HelpText: lipgloss.NewStyle().
			Foreground(subtle),
	}
}

// Status picks the style for a task, milestone or run status.
func (s *Styles) Status(status string) lipgloss.Style {
	switch status {
	case "complete":
		return s.StatusOK
	case "blocked", "halted", "interrupted":
		return s.StatusWarn
	case "escalated", "failed":
		return s.StatusError
	case "dispatched", "awaiting_review", "in_progress", "reviewing":
		return s.StatusRunning
	default:
		return s.Muted
	}
}
