package cli

import (
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/Veraticus/saffron/internal/model"
)

// RenderTree draws the category forest with box-drawing connectors. Siblings
// are ordered by name. annotate, if set, supplies a suffix per category.
func RenderTree(categories []model.Category, annotate func(model.Category) string) string {
	children := make(map[int64][]model.Category)
	var roots []model.Category
	for _, c := range categories {
		if c.ParentID == nil {
			roots = append(roots, c)
			continue
		}
		children[*c.ParentID] = append(children[*c.ParentID], c)
	}
	byName := func(cs []model.Category) {
		sort.Slice(cs, func(i, j int) bool { return cs[i].Name < cs[j].Name })
	}
	byName(roots)

	var b strings.Builder
	var walk func(c model.Category, prefix string, last, root bool)
	walk = func(c model.Category, prefix string, last, root bool) {
		connector, childPrefix := "", ""
		if !root {
			connector, childPrefix = "├── ", "│   "
			if last {
				connector, childPrefix = "└── ", "    "
			}
		}

		b.WriteString(prefix + connector)
		if root {
			b.WriteString(BoldStyle.Render(c.Name))
		} else {
			b.WriteString(c.Name)
		}
		if annotate != nil {
			if note := annotate(c); note != "" {
				b.WriteString(" " + SubtleStyle.Render(note))
			}
		}
		b.WriteString("\n")

		kids := children[c.ID]
		byName(kids)
		for i, kid := range kids {
			walk(kid, prefix+childPrefix, i == len(kids)-1, false)
		}
	}
	for _, r := range roots {
		walk(r, "", true, true)
	}
	return b.String()
}

// RenderTable lays out rows under a bold header. Cells are padded to the
// widest value in their column.
func RenderTable(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			widths[i] = max(widths[i], lipgloss.Width(row[i]))
		}
	}

	line := func(cells []string, style lipgloss.Style) string {
		parts := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			parts[i] = TableCellStyle.Width(widths[i] + 2).Render(cell)
		}
		return style.Render(strings.TrimRight(strings.Join(parts, ""), " "))
	}

	out := []string{line(headers, TableHeaderStyle)}
	for _, row := range rows {
		out = append(out, line(row, lipgloss.NewStyle()))
	}
	return strings.Join(out, "\n") + "\n"
}
