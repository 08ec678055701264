package cli

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// palette is the console color scheme. Styles degrade to plain text when
// stdout is not a terminal or color is disabled.
type palette struct {
	Primary lipgloss.Color
	Text    lipgloss.Color
	Subtext lipgloss.Color
	Border  lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
}

func defaultPalette() palette {
	return palette{
		Primary: lipgloss.Color("12"),
		Text:    lipgloss.Color("15"),
		Subtext: lipgloss.Color("8"),
		Border:  lipgloss.Color("8"),
		Success: lipgloss.Color("10"),
		Warning: lipgloss.Color("11"),
		Error:   lipgloss.Color("9"),
	}
}

// Styles holds the pre-built lipgloss styles for console rendering.
type Styles struct {
	Title   lipgloss.Style
	Header  lipgloss.Style
	Text    lipgloss.Style
	Subtle  lipgloss.Style
	Border  lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
}

// NewStyles builds the style set. With color disabled every style renders
// its input unchanged.
func NewStyles(color bool) Styles {
	if !color {
		plain := lipgloss.NewStyle()
		return Styles{
			Title:   plain,
			Header:  plain,
			Text:    plain,
			Subtle:  plain,
			Border:  plain,
			Success: plain,
			Warning: plain,
			Error:   plain,
		}
	}
	p := defaultPalette()
	return Styles{
		Title:   lipgloss.NewStyle().Foreground(p.Primary).Bold(true),
		Header:  lipgloss.NewStyle().Foreground(p.Primary).Bold(true),
		Text:    lipgloss.NewStyle().Foreground(p.Text),
		Subtle:  lipgloss.NewStyle().Foreground(p.Subtext),
		Border:  lipgloss.NewStyle().Foreground(p.Border),
		Success: lipgloss.NewStyle().Foreground(p.Success),
		Warning: lipgloss.NewStyle().Foreground(p.Warning),
		Error:   lipgloss.NewStyle().Foreground(p.Error),
	}
}

// ColorEnabled reports whether stdout supports colored output. NO_COLOR and
// MEMINI_NO_COLOR always win.
func ColorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" || os.Getenv("MEMINI_NO_COLOR") != "" {
		return false
	}
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
