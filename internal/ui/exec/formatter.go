// Package exec renders a finished batch for the terminal.
package exec

import (
	"encoding/json"
	"fmt"
	"strings"

	"charm.land/lipgloss/v2"

	"github.com/agent462/devbatch/internal/dispatch"
	"github.com/agent462/devbatch/internal/grouper"
)

var (
	normStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")).Bold(true)
	differStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FDFF90")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4672")).Bold(true)
	deviceStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#00E5FF"))
	diffAddStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	diffDelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF4672"))
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#626262"))
)

// Formatter renders batches as text.
type Formatter struct {
	Color      bool
	ErrorsOnly bool // hide succeeded groups
}

// NewFormatter creates a Formatter.
func NewFormatter(color, errorsOnly bool) *Formatter {
	return &Formatter{Color: color, ErrorsOnly: errorsOnly}
}

// Format renders batch: output groups first, then failed and timed-out
// devices, then the summary line.
func (f *Formatter) Format(batch *dispatch.BatchResult) string {
	var b strings.Builder
	grouped := grouper.Group(batch.Results)

	if !f.ErrorsOnly {
		for _, g := range grouped.Groups {
			f.writeGroup(&b, g, len(grouped.Groups))
			b.WriteString("\n")
		}
	}
	if len(grouped.Failed) > 0 {
		f.writeProblems(&b, "failed", grouped.Failed)
		b.WriteString("\n")
	}
	if len(grouped.TimedOut) > 0 {
		f.writeProblems(&b, "timed out", grouped.TimedOut)
		b.WriteString("\n")
	}

	b.WriteString(f.summaryLine(batch))
	b.WriteString("\n")
	return b.String()
}

// FormatJSON renders batch in the API wire format.
func FormatJSON(batch *dispatch.BatchResult) ([]byte, error) {
	return json.MarshalIndent(batch, "", "  ")
}

func (f *Formatter) writeGroup(b *strings.Builder, g grouper.OutputGroup, total int) {
	n := len(g.Devices)
	switch {
	case g.IsNorm && total == 1 && n == 1:
		b.WriteString(f.style(fmt.Sprintf(" %s:", plural(n, "device")), normStyle))
	case g.IsNorm:
		b.WriteString(f.style(fmt.Sprintf(" %s identical:", plural(n, "device")), normStyle))
	default:
		verb := "differ"
		if n == 1 {
			verb = "differs"
		}
		b.WriteString(f.style(fmt.Sprintf(" %s %s:", plural(n, "device"), verb), differStyle))
	}
	b.WriteString("\n   ")
	b.WriteString(f.style(strings.Join(g.Devices, ", "), deviceStyle))
	b.WriteString("\n")

	writeIndented(b, g.Output)

	if !g.IsNorm && g.Diff != "" {
		b.WriteString("\n")
		for _, line := range strings.Split(strings.TrimRight(g.Diff, "\n"), "\n") {
			b.WriteString("   ")
			switch {
			case strings.HasPrefix(line, "--- "), strings.HasPrefix(line, "+++ "):
				b.WriteString(f.style(line, subtleStyle))
			case strings.HasPrefix(line, "+"):
				b.WriteString(f.style(line, diffAddStyle))
			case strings.HasPrefix(line, "-"):
				b.WriteString(f.style(line, diffDelStyle))
			default:
				b.WriteString(line)
			}
			b.WriteString("\n")
		}
	}
}

func (f *Formatter) writeProblems(b *strings.Builder, what string, results []dispatch.DeviceResult) {
	b.WriteString(f.style(fmt.Sprintf(" %s %s:", plural(len(results), "device"), what), errorStyle))
	b.WriteString("\n")
	for _, r := range results {
		b.WriteString("   ")
		b.WriteString(f.style(r.Device(), deviceStyle))
		fmt.Fprintf(b, " (%s)\n", r.ErrorMessage())
	}
}

func (f *Formatter) summaryLine(batch *dispatch.BatchResult) string {
	s := batch.Summary
	line := fmt.Sprintf("%d succeeded, %d failed, %d timed out", s.Succeeded, s.Failed, s.TimedOut)
	if batch.Duration > 0 {
		line += f.style(fmt.Sprintf(" in %s", batch.Duration.Round(1e6)), subtleStyle)
	}
	return line
}

func (f *Formatter) style(text string, s lipgloss.Style) string {
	if !f.Color {
		return text
	}
	return s.Render(text)
}

func writeIndented(b *strings.Builder, text string) {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return
	}
	for _, line := range strings.Split(text, "\n") {
		b.WriteString("   ")
		b.WriteString(line)
		b.WriteString("\n")
	}
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
