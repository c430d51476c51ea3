package cmd

import "github.com/charmbracelet/lipgloss"

// Output styles shared by the lock commands.
var (
	headerStyle = lipgloss.NewStyle().Bold(true)

	pathStyle = lipgloss.NewStyle().
		Foreground(lipgloss.AdaptiveColor{Light: "25", Dark: "39"})

	dimStyle = lipgloss.NewStyle().
		Foreground(lipgloss.AdaptiveColor{Light: "243", Dark: "245"})

	warnStyle = lipgloss.NewStyle().
		Foreground(lipgloss.AdaptiveColor{Light: "130", Dark: "214"})

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.AdaptiveColor{Light: "28", Dark: "76"})
)
