package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/zboralski/remotenet/internal/trace"
	"github.com/zboralski/remotenet/internal/ui/colorize"
)

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}

	divider = lipgloss.NewStyle().
		SetString("•").
		Padding(0, 1).
		Foreground(subtle).
		String()

	headingStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(highlight)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF80C0"))

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))
)

// render formats v as JSON (colorized) or YAML.
func render(v any, format string) (string, error) {
	switch strings.ToLower(format) {
	case "", "json":
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", err
		}
		return colorize.JSON(string(out)) + "\n", nil
	case "yaml", "yml":
		out, err := yaml.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(out), nil
	}
	return "", fmt.Errorf("unknown output format %q", format)
}

func printResult(w io.Writer, v any) error {
	s, err := render(v, format)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, s)
	return err
}

func printHeading(w io.Writer, title string, details ...string) {
	line := headingStyle.Render(title)
	for _, d := range details {
		line += divider + colorize.Detail(d)
	}
	fmt.Fprintln(w, line)
}

// formatEvent renders one trace event on a single line.
func formatEvent(e *trace.Event) string {
	var b strings.Builder
	b.WriteString(colorize.Detail(e.Timestamp.Format("15:04:05.000")))
	b.WriteByte(' ')
	if e.Instance != 0 {
		b.WriteString(colorize.Address(e.Instance))
		b.WriteByte(' ')
	}
	b.WriteString(colorize.TypeName(e.Name))
	for _, t := range e.Tags.Strings() {
		b.WriteByte(' ')
		b.WriteString(colorize.Tag(t))
	}
	if e.Detail != "" {
		b.WriteByte(' ')
		b.WriteString(colorize.Detail(e.Detail))
	}
	if msg := e.Annotations.Get("error"); msg != "" {
		b.WriteByte(' ')
		b.WriteString(colorize.Error(msg))
	}
	return b.String()
}
