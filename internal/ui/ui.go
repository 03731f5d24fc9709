// Package ui provides terminal output styling for the apsync CLI.
package ui

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	ColorAccent  = lipgloss.Color("#7C6FF0")
	ColorSuccess = lipgloss.Color("#2CD7A7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
	ColorMuted   = lipgloss.Color("#6B7280")
)

// Styles holds the pre-configured styles used across commands.
var Styles = struct {
	Title   lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorAccent),
	Muted:   lipgloss.NewStyle().Foreground(ColorMuted),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
}

// plain disables styling when stdout is not a terminal or NO_COLOR is
// set.
var plain = os.Getenv("NO_COLOR") != "" || !term.IsTerminal(int(os.Stdout.Fd()))

func render(style lipgloss.Style, text string) string {
	if plain {
		return text
	}
	return style.Render(text)
}

// Title prints a styled heading.
func Title(text string) {
	fmt.Println(render(Styles.Title, text))
}

// Success prints a success line with a checkmark.
func Success(format string, args ...any) {
	fmt.Printf("%s %s\n", render(Styles.Success, "✓"), fmt.Sprintf(format, args...))
}

// Warn prints a warning line to stderr.
func Warn(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", render(Styles.Warning, "⚠"), fmt.Sprintf(format, args...))
}

// Fail prints an error line to stderr.
func Fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "%s %s\n", render(Styles.Error, "✗"), fmt.Sprintf(format, args...))
}

// Muted prints a de-emphasized line.
func Muted(format string, args ...any) {
	fmt.Println(render(Styles.Muted, fmt.Sprintf(format, args...)))
}
