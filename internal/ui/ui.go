// Package ui provides styled terminal output helpers for the CLI.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// RenderPass renders success markers.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders warnings.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderErr renders errors.
func RenderErr(s string) string { return errStyle.Render(s) }

// RenderAccent renders highlighted fragments.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderMuted renders de-emphasized fragments.
func RenderMuted(s string) string { return mutedStyle.Render(s) }
