// Package ui renders styled CLI output. Colors follow the terminal's
// detected profile and are dropped entirely when NO_COLOR is set or stdout
// is not a terminal.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

var (
	passColor   = lipgloss.AdaptiveColor{Light: "#15803d", Dark: "#4ade80"}
	warnColor   = lipgloss.AdaptiveColor{Light: "#b45309", Dark: "#fbbf24"}
	failColor   = lipgloss.AdaptiveColor{Light: "#b91c1c", Dark: "#f87171"}
	accentColor = lipgloss.AdaptiveColor{Light: "#1d4ed8", Dark: "#60a5fa"}
	mutedColor  = lipgloss.AdaptiveColor{Light: "#6b7280", Dark: "#9ca3af"}

	passStyle   = lipgloss.NewStyle().Foreground(passColor)
	warnStyle   = lipgloss.NewStyle().Foreground(warnColor)
	failStyle   = lipgloss.NewStyle().Foreground(failColor).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(accentColor)
	mutedStyle  = lipgloss.NewStyle().Foreground(mutedColor)
	boldStyle   = lipgloss.NewStyle().Bold(true)
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

func init() {
	output := termenv.NewOutput(os.Stdout)
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(output.ColorProfile())
	lipgloss.SetHasDarkBackground(output.HasDarkBackground())
}

// DisableColor forces plain output.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
}

func RenderPass(s string) string   { return passStyle.Render(s) }
func RenderWarn(s string) string   { return warnStyle.Render(s) }
func RenderFail(s string) string   { return failStyle.Render(s) }
func RenderAccent(s string) string { return accentStyle.Render(s) }
func RenderMuted(s string) string  { return mutedStyle.Render(s) }
func RenderBold(s string) string   { return boldStyle.Render(s) }

// RenderAmount colors a signed amount: green when positive, red when
// negative.
func RenderAmount(s string) string {
	switch {
	case strings.HasPrefix(s, "-"):
		return failColorStyle(s)
	case s == "0" || s == "0.00":
		return s
	}
	return passStyle.Render(s)
}

func failColorStyle(s string) string {
	return lipgloss.NewStyle().Foreground(failColor).Render(s)
}

// Table renders rows under a header with columns padded to their widest
// cell. Cells may contain styled text.
func Table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	var b strings.Builder
	writeRow := func(cells []string, style *lipgloss.Style) {
		for i, cell := range cells {
			if i >= len(widths) {
				break
			}
			if style != nil {
				cell = style.Render(cell)
			}
			b.WriteString(cell)
			if i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-lipgloss.Width(cell)+2))
			}
		}
		b.WriteString("\n")
	}
	writeRow(header, &headerStyle)
	for _, row := range rows {
		writeRow(row, nil)
	}
	return b.String()
}

// KeyValue renders an aligned "key: value" block indented by three spaces.
func KeyValue(pairs ...string) string {
	width := 0
	for i := 0; i < len(pairs); i += 2 {
		if len(pairs[i]) > width {
			width = len(pairs[i])
		}
	}
	var b strings.Builder
	for i := 0; i+1 < len(pairs); i += 2 {
		fmt.Fprintf(&b, "   %-*s  %s\n", width+1, pairs[i]+":", pairs[i+1])
	}
	return b.String()
}
