package ui

import (
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

const fallbackWidth = 100

// TerminalWidth returns the current terminal width, or a sane default
// when stdout is not a terminal.
func TerminalWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return fallbackWidth
	}
	return w
}

// Table is a simple column-aligned text table. Styled cell values are
// allowed; alignment is computed on the raw values.
type Table struct {
	headers []string
	rows    [][]string
	raw     [][]string // unstyled copies for width math
}

// NewTable builds a table with the given header row.
func NewTable(headers ...string) *Table {
	return &Table{headers: headers}
}

// AddRow appends one row. styled may be nil when no cell needs color;
// otherwise it must be the same length as raw with styled variants.
func (t *Table) AddRow(raw []string, styled []string) {
	if styled == nil {
		styled = raw
	}
	t.rows = append(t.rows, styled)
	t.raw = append(t.raw, raw)
}

// Render lays the table out within maxWidth, truncating the widest
// column first when rows overflow.
func (t *Table) Render(maxWidth int) string {
	if len(t.headers) == 0 {
		return ""
	}
	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = utf8.RuneCountInString(h)
	}
	for _, row := range t.raw {
		for i, cell := range row {
			if i < len(widths) && utf8.RuneCountInString(cell) > widths[i] {
				widths[i] = utf8.RuneCountInString(cell)
			}
		}
	}
	shrinkToFit(widths, maxWidth)

	var b strings.Builder
	for i, h := range t.headers {
		b.WriteString(HeaderStyle.Render(pad(TruncateSimple(h, widths[i]), widths[i])))
		if i < len(t.headers)-1 {
			b.WriteString("  ")
		}
	}
	b.WriteString("\n")
	for r, row := range t.rows {
		for i := range t.headers {
			cell, rawCell := "", ""
			if i < len(row) {
				cell, rawCell = row[i], t.raw[r][i]
			}
			if utf8.RuneCountInString(rawCell) > widths[i] {
				// styled cell would truncate mid-escape; fall back to raw
				cell = TruncateSimple(rawCell, widths[i])
			}
			b.WriteString(padRaw(cell, rawCell, widths[i]))
			if i < len(t.headers)-1 {
				b.WriteString("  ")
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// shrinkToFit trims the widest columns until the row fits maxWidth.
func shrinkToFit(widths []int, maxWidth int) {
	const gap = 2
	const minCol = 6
	total := func() int {
		n := gap * (len(widths) - 1)
		for _, w := range widths {
			n += w
		}
		return n
	}
	for total() > maxWidth {
		widest := 0
		for i := range widths {
			if widths[i] > widths[widest] {
				widest = i
			}
		}
		if widths[widest] <= minCol {
			return
		}
		widths[widest]--
	}
}

func pad(s string, width int) string {
	n := utf8.RuneCountInString(s)
	if n >= width {
		return s
	}
	return s + strings.Repeat(" ", width-n)
}

// padRaw pads a possibly-styled cell using the raw value's width, so
// ANSI escape sequences do not skew alignment.
func padRaw(styled, raw string, width int) string {
	n := utf8.RuneCountInString(raw)
	if n >= width {
		return styled
	}
	return styled + strings.Repeat(" ", width-n)
}

// TruncateSimple performs end truncation with an ellipsis. UTF-8 safe.
func TruncateSimple(text string, maxLen int) string {
	if utf8.RuneCountInString(text) <= maxLen {
		return text
	}
	runes := []rune(text)
	if maxLen <= 1 {
		return "…"
	}
	return string(runes[:maxLen-1]) + "…"
}
