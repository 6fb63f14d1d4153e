package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(22)

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(1, 2)

	statusOKStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("86")).
			Bold(true)

	statusErrStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

// section is a titled list of label/value rows
type section struct {
	title string
	rows  [][2]string
}

func (s *section) add(label string, value interface{}) {
	s.rows = append(s.rows, [2]string{label, fmt.Sprint(value)})
}

// renderSections draws sections inside one bordered box
func renderSections(sections ...*section) string {
	var b strings.Builder
	for i, sec := range sections {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(titleStyle.Render(sec.title))
		for _, row := range sec.rows {
			b.WriteString("\n")
			b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
				labelStyle.Render(row[0]),
				valueStyle.Render(row[1])))
		}
	}
	return boxStyle.Render(b.String())
}

func statusText(ok bool, okText, errText string) string {
	if ok {
		return statusOKStyle.Render(okText)
	}
	return statusErrStyle.Render(errText)
}
