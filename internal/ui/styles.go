// Package ui provides terminal styling for tahrir CLI output.
// Uses the Ayu color theme with adaptive light/dark mode support.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/tahrirhq/tahrir/internal/core"
)

// Ayu theme color palette
var (
	ColorPass = lipgloss.AdaptiveColor{
		Light: "#86b300",
		Dark:  "#c2d94c",
	}
	ColorWarn = lipgloss.AdaptiveColor{
		Light: "#f2ae49",
		Dark:  "#ffb454",
	}
	ColorFail = lipgloss.AdaptiveColor{
		Light: "#f07171",
		Dark:  "#f07178",
	}
	ColorMuted = lipgloss.AdaptiveColor{
		Light: "#828c99",
		Dark:  "#6c7680",
	}
	ColorAccent = lipgloss.AdaptiveColor{
		Light: "#399ee6",
		Dark:  "#59c2ff",
	}
)

// Status styles - consistent across all commands
var (
	PassStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	WarnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	FailStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	MutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	AccentStyle = lipgloss.NewStyle().Foreground(ColorAccent)

	HeaderStyle   = lipgloss.NewStyle().Bold(true).Foreground(ColorAccent)
	BreakingStyle = lipgloss.NewStyle().Bold(true).Foreground(ColorFail)
)

// IsTTY reports whether stdout is an interactive terminal. Non-TTY
// output (pipes, cron) renders plain text.
func IsTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// InitColor picks the color profile once at startup. Plain ASCII when
// piped so downstream tools never see escape codes.
func InitColor() {
	if !IsTTY() {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.ColorProfile())
}

// RenderJobStatus colors a job lifecycle state.
func RenderJobStatus(s core.JobStatus) string {
	switch s {
	case core.JobCompleted:
		return PassStyle.Render(string(s))
	case core.JobRunning:
		return AccentStyle.Render(string(s))
	case core.JobFailed, core.JobDeadLettered:
		return FailStyle.Render(string(s))
	}
	return MutedStyle.Render(string(s))
}

// RenderArticleStatus colors an editorial lifecycle state.
func RenderArticleStatus(s core.Status) string {
	switch s.Normalize() {
	case core.StatusPublished:
		return PassStyle.Render(string(s))
	case core.StatusRejected, core.StatusArchived:
		return MutedStyle.Render(string(s))
	case core.StatusCandidate, core.StatusApprovedHandoff, core.StatusDraftGenerated:
		return AccentStyle.Render(string(s))
	case core.StatusReadyForChief, core.StatusReadyForPublish:
		return WarnStyle.Render(string(s))
	}
	return string(s)
}

// RenderUrgency colors an urgency level; breaking is loud on purpose.
func RenderUrgency(u core.Urgency, breaking bool) string {
	if breaking {
		return BreakingStyle.Render("BREAKING")
	}
	switch u {
	case core.UrgencyHigh:
		return WarnStyle.Render(string(u))
	case core.UrgencyBreaking:
		return BreakingStyle.Render(string(u))
	case core.UrgencyLow:
		return MutedStyle.Render(string(u))
	}
	return string(u)
}
