package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	keyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#94a3b8")).Width(18)
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#e2e8f0"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#22c55e")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#f59e0b")).Bold(true)
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#ef4444")).Bold(true)
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#64748b")).Italic(true)
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#475569")).
			Padding(0, 1)
)

// panel renders a titled key/value box.
func panel(title string, rows [][2]string) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(title))
	for _, r := range rows {
		b.WriteString("\n")
		b.WriteString(keyStyle.Render(r[0]))
		b.WriteString(valueStyle.Render(r[1]))
	}
	return boxStyle.Render(b.String())
}

// table renders rows under a header with padded columns.
func table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range rows {
		for i, c := range r {
			if i < len(widths) && lipgloss.Width(c) > widths[i] {
				widths[i] = lipgloss.Width(c)
			}
		}
	}
	line := func(cells []string, style lipgloss.Style) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = style.Width(widths[i]).Render(c)
		}
		return strings.Join(parts, "  ")
	}

	var b strings.Builder
	b.WriteString(line(header, titleStyle))
	for _, r := range rows {
		b.WriteString("\n")
		b.WriteString(line(r, valueStyle))
	}
	return b.String()
}

func f3(x float64) string { return fmt.Sprintf("%.3f", x) }
func f4(x float64) string { return fmt.Sprintf("%.4f", x) }

func badge(ok bool, good, bad string) string {
	if ok {
		return okStyle.Render(good)
	}
	return warnStyle.Render(bad)
}
