package cli

import (
	"strings"

	"github.com/muesli/reflow/ansi"
)

// StyledTable renders box-drawing tables for console listings. Cell styling
// comes from the console's Styles so tables follow the color setting.
type StyledTable struct {
	styles  Styles
	headers []string
	rows    [][]string
	widths  []int
	title   string
	footer  string
}

// NewStyledTable creates a table with the given column headers.
func NewStyledTable(styles Styles, headers ...string) *StyledTable {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = ansi.PrintableRuneWidth(h)
	}
	return &StyledTable{
		styles:  styles,
		headers: headers,
		widths:  widths,
	}
}

// WithTitle adds a title line above the table.
func (t *StyledTable) WithTitle(title string) *StyledTable {
	t.title = title
	return t
}

// WithFooter adds a footer line below the table.
func (t *StyledTable) WithFooter(footer string) *StyledTable {
	t.footer = footer
	return t
}

// AddRow appends a row, widening columns as needed.
func (t *StyledTable) AddRow(cols ...string) {
	for i, c := range cols {
		if i < len(t.widths) {
			if w := ansi.PrintableRuneWidth(c); w > t.widths[i] {
				t.widths[i] = w
			}
		}
	}
	t.rows = append(t.rows, cols)
}

// RowCount returns the number of data rows added so far.
func (t *StyledTable) RowCount() int { return len(t.rows) }

// Render returns the table as a string, trailing newline included.
func (t *StyledTable) Render() string {
	if len(t.headers) == 0 {
		return ""
	}
	var sb strings.Builder

	hline := func(left, mid, right string) string {
		var line strings.Builder
		line.WriteString(left)
		for i, w := range t.widths {
			line.WriteString(strings.Repeat("─", w+2))
			if i < len(t.widths)-1 {
				line.WriteString(mid)
			}
		}
		line.WriteString(right)
		return t.styles.Border.Render(line.String())
	}

	if t.title != "" {
		sb.WriteString(t.styles.Title.Render(t.title))
		sb.WriteString("\n")
	}

	sb.WriteString(hline("╭", "┬", "╮"))
	sb.WriteString("\n")

	bar := t.styles.Border.Render("│")
	sb.WriteString(bar)
	for i, h := range t.headers {
		sb.WriteString(" ")
		sb.WriteString(t.styles.Header.Render(padRight(h, t.widths[i])))
		sb.WriteString(" ")
		sb.WriteString(bar)
	}
	sb.WriteString("\n")

	sb.WriteString(hline("├", "┼", "┤"))
	sb.WriteString("\n")

	for _, row := range t.rows {
		sb.WriteString(bar)
		for i := range t.headers {
			var cell string
			if i < len(row) {
				cell = row[i]
			}
			sb.WriteString(" ")
			sb.WriteString(t.styles.Text.Render(padRight(cell, t.widths[i])))
			sb.WriteString(" ")
			sb.WriteString(bar)
		}
		sb.WriteString("\n")
	}

	sb.WriteString(hline("╰", "┴", "╯"))
	sb.WriteString("\n")

	if t.footer != "" {
		sb.WriteString(t.styles.Subtle.Render(t.footer))
		sb.WriteString("\n")
	}
	return sb.String()
}

// String implements fmt.Stringer.
func (t *StyledTable) String() string { return t.Render() }

func padRight(s string, width int) string {
	if w := ansi.PrintableRuneWidth(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}
