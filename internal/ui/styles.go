// Package ui provides terminal styling for CLI output.
package ui

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	ColorAccent = lipgloss.AdaptiveColor{Light: "#0A7EA4", Dark: "#38BDF8"}
	ColorPass   = lipgloss.AdaptiveColor{Light: "#15803D", Dark: "#4ADE80"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#FBBF24"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#9CA3AF"}
)

var (
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent).Bold(true)
	PassStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	BannerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorAccent).
			Padding(0, 1)
)

// Icons
const (
	IconPass = "✓"
	IconWarn = "⚠"
	IconFail = "✗"
)

// Init picks the color profile for w, honoring NO_COLOR and CLICOLOR_FORCE.
func Init(w io.Writer) {
	lipgloss.SetColorProfile(termenv.NewOutput(w).EnvColorProfile())
}

// IsInteractive reports whether f is a terminal a prompt can be shown on.
func IsInteractive(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// RenderAccent renders text in the accent color.
func RenderAccent(s string) string {
	return AccentStyle.Render(s)
}

// RenderMuted renders secondary text.
func RenderMuted(s string) string {
	return MutedStyle.Render(s)
}

// RenderPass renders text in the success color.
func RenderPass(s string) string {
	return PassStyle.Render(s)
}

// RenderWarn renders text in the warning color.
func RenderWarn(s string) string {
	return WarnStyle.Render(s)
}

// RenderFail renders text in the failure color.
func RenderFail(s string) string {
	return FailStyle.Render(s)
}

// Banner renders the startup box shown by serve.
func Banner(lines ...string) string {
	return BannerStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}
