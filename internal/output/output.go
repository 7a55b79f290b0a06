// Package output prints styled CLI messages with lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
)

func color(c string) lipgloss.Style { return lipgloss.NewStyle().Foreground(lipgloss.Color(c)) }

var (
	green  = color("42")
	red    = color("196")
	orange = color("214")
)

type outcome struct {
	glyph string
	style lipgloss.Style
}

// outcomes maps a sync.Outcome string to its glyph and color.
var outcomes = map[string]outcome{
	"in_sync": {"✓", color("242")},
	"pulled":  {"↓", color("45")},
	"pushed":  {"↑", color("141")},
	"fork":    {"⑂", orange},
	"failed":  {"✗", red},
}

// line writes to whatever os.Stdout is at call time so tests can swap it.
func line(s string) { fmt.Fprintln(os.Stdout, s) }

func Success(format string, args ...any) {
	line(green.Render(fmt.Sprintf(format, args...)))
}

func Error(format string, args ...any) {
	line(red.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

func Warning(format string, args ...any) {
	line(orange.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an unstyled line.
func Info(format string, args ...any) {
	line(fmt.Sprintf(format, args...))
}

// JSON pretty-prints v.
func JSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// FormatOutcome renders a sync outcome as "<glyph> <name>" in its color.
// Unknown names pass through unchanged.
func FormatOutcome(name string) string {
	o, ok := outcomes[name]
	if !ok {
		return name
	}
	return o.style.Render(o.glyph + " " + name)
}
