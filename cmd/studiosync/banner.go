package main

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	bannerDimStyle     = lipgloss.NewStyle().Foreground(colorMuted)
	bannerLinkStyle    = lipgloss.NewStyle().Foreground(colorPrimary).Bold(true)
	bannerTitleStyle   = lipgloss.NewStyle().Foreground(colorText).Bold(true)
	bannerTaglineStyle = lipgloss.NewStyle().Foreground(colorPrimaryDark).Italic(true)
)

// renderBanner draws two stores joined by a sync link.
func renderBanner() string {
	box := bannerDimStyle.Render("[▤]")
	link := bannerLinkStyle.Render("⇄")
	title := bannerTitleStyle.Render("STUDIOSYNC")

	lines := []string{
		"  " + box + " " + link + " " + box,
		"  " + title,
		bannerTaglineStyle.Render("  local first, never lost"),
	}
	return strings.Join(lines, "\n")
}
