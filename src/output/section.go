package output

import (
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"
)

// defaultWidth is the rule length of a section frame.
const defaultWidth = 61

// Section is one framed block of the run report:
//
//	── group build ─────────────── 4.2s ──
//	│ ✓ arm   1.9s
//	└──────────────────────────────────────
type Section struct {
	w     io.Writer
	width int
	color bool
}

// NewSection writes the header for name and returns the open section.
// A non-zero elapsed is right-aligned in the header.
func NewSection(w io.Writer, name string, elapsed time.Duration, color bool) *Section {
	s := &Section{w: w, width: defaultWidth, color: color}

	right := "──"
	if elapsed > 0 {
		right = " " + formatElapsed(elapsed) + " ──"
	}
	header := s.rule("── "+name+" ", right)
	if color {
		header = colorize(header, "\033[2;36m", true)
	}
	fmt.Fprintf(w, "\n    %s\n", header)
	return s
}

// rule pads left and right with ─ to the frame width plus the corner.
func (s *Section) rule(left, right string) string {
	fill := s.width + 4 - utf8.RuneCountInString(left) - utf8.RuneCountInString(right)
	return left + strings.Repeat("─", max(fill, 1)) + right
}

// Row writes one framed line.
func (s *Section) Row(format string, args ...any) {
	fmt.Fprintf(s.w, "    │ %s\n", fmt.Sprintf(format, args...))
}

// Separator writes a divider inside the frame.
func (s *Section) Separator() {
	fmt.Fprintf(s.w, "    ├%s\n", strings.Repeat("─", s.width))
}

// Close writes the footer. The section must not be used afterwards.
func (s *Section) Close() {
	fmt.Fprintf(s.w, "    └%s\n", strings.Repeat("─", s.width))
}

// SummaryRow writes one group line of the summary block.
func (s *Section) SummaryRow(name, status, detail string) {
	s.Row("%-16s%s  %s", name, StatusIcon(status, s.color), detail)
}

// SummaryTotal writes the closing total line with the run status.
func (s *Section) SummaryTotal(elapsed time.Duration, status string) {
	s.Row("%-16s%36s   %s", "total", formatElapsed(elapsed), StatusIcon(status, s.color))
}

// StatusIcon maps an instance or step status to its glyph.
func StatusIcon(status string, color bool) string {
	switch status {
	case "succeeded":
		return colorize("✓", colorGreen, color)
	case "failed":
		return colorize("✗", colorRed, color)
	case "pending", "running":
		return colorize("…", colorGray, color)
	}
	return colorize("⊘", colorYellow, color)
}

// Dimmed greys out text when color is on.
func Dimmed(text string, color bool) string {
	return colorize(text, colorGray, color)
}

// KV is one entry of a context block.
type KV struct {
	Key   string
	Value string
}

// ContextBlock prints kv two pairs per line, each column padded to its
// widest entry.
func ContextBlock(w io.Writer, kv []KV) {
	if len(kv) == 0 {
		return
	}
	var cols [4]int
	for i, p := range kv {
		c := (i % 2) * 2
		cols[c] = max(cols[c], utf8.RuneCountInString(p.Key)+2)
		cols[c+1] = max(cols[c+1], utf8.RuneCountInString(p.Value)+3)
	}

	fmt.Fprintln(w)
	for i := 0; i < len(kv); i += 2 {
		line := fmt.Sprintf("%-*s%s", cols[0], kv[i].Key, kv[i].Value)
		if i+1 < len(kv) {
			line = fmt.Sprintf("%-*s%-*s%-*s%s", cols[0], kv[i].Key, cols[1], kv[i].Value, cols[2], kv[i+1].Key, kv[i+1].Value)
		}
		fmt.Fprintf(w, "    %s\n", line)
	}
}

func formatElapsed(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return "<1ms"
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	m := d / time.Minute
	return fmt.Sprintf("%dm%.1fs", m, (d - m*time.Minute).Seconds())
}
