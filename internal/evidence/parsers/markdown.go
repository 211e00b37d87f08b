// SPDX-License-Identifier: Apache-2.0

package parsers

import (
	"context"
	"strings"

	"github.com/Smarticus81/psurRegOSv1-sub001/internal/evidence"
)

// MarkdownParser parses Markdown reports into sections and tables.
// It splits the document on headings (lines starting with '#'); each heading opens
// a Section, and every pipe table is lifted out into a Table named after the
// heading it appears under.
type MarkdownParser struct{}

// NewMarkdownParser creates a new MarkdownParser.
func NewMarkdownParser() *MarkdownParser {
	return &MarkdownParser{}
}

func (p *MarkdownParser) Name() string {
	return "markdown"
}

// CanHandle returns true for sources that use the "markdown" format hint,
// or whose content begins with a Markdown heading or a pipe table.
func (p *MarkdownParser) CanHandle(source evidence.EvidenceSource) bool {
	if strings.EqualFold(source.Format, "markdown") || strings.EqualFold(source.Format, "md") {
		return true
	}
	content := strings.TrimSpace(string(source.Content))
	return strings.HasPrefix(content, "#") || strings.Contains(content, "\n#") || strings.HasPrefix(content, "|")
}

func (p *MarkdownParser) Parse(_ context.Context, source evidence.EvidenceSource) (evidence.ParsedDocument, error) {
	doc := evidence.ParsedDocument{Filename: source.ID, RawText: string(source.Content)}
	lines := strings.Split(strings.ReplaceAll(string(source.Content), "\r\n", "\n"), "\n")

	var heading string
	var body []string
	var tableLines []string

	flushTable := func() {
		if t, ok := pipeTable(tableLines); ok {
			t.Name = heading
			if t.Name == "" {
				t.Name = "table"
			}
			doc.Tables = append(doc.Tables, t)
		}
		tableLines = nil
	}
	flushSection := func() {
		text := strings.TrimSpace(strings.Join(body, "\n"))
		body = nil
		if text == "" {
			return
		}
		title := heading
		if title == "" {
			title = "preamble"
		}
		doc.Sections = append(doc.Sections, evidence.Section{Title: title, Content: text})
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "|"):
			tableLines = append(tableLines, trimmed)
			continue
		case len(tableLines) > 0:
			flushTable()
		}

		if strings.HasPrefix(trimmed, "#") {
			// Flush previous section
			flushSection()
			heading = strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			continue
		}
		body = append(body, line)
	}
	flushTable()
	flushSection()

	return doc, nil
}

// pipeTable reads a GitHub-style table: header row, separator row, data rows.
func pipeTable(lines []string) (evidence.Table, bool) {
	if len(lines) < 2 || !isSeparatorRow(lines[1]) {
		return evidence.Table{}, false
	}
	t := evidence.Table{Headers: splitPipeRow(lines[0])}
	for _, l := range lines[2:] {
		if isSeparatorRow(l) {
			continue
		}
		row := splitPipeRow(l)
		for len(row) < len(t.Headers) {
			row = append(row, "")
		}
		t.Rows = append(t.Rows, row)
	}
	return t, true
}

func splitPipeRow(line string) []string {
	line = strings.TrimSpace(line)
	line = strings.TrimPrefix(line, "|")
	line = strings.TrimSuffix(line, "|")

	var cells []string
	var cur strings.Builder
	for i := 0; i < len(line); i++ {
		switch {
		case line[i] == '\\' && i+1 < len(line) && line[i+1] == '|':
			cur.WriteByte('|')
			i++
		case line[i] == '|':
			cells = append(cells, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteByte(line[i])
		}
	}
	return append(cells, strings.TrimSpace(cur.String()))
}

func isSeparatorRow(line string) bool {
	cells := splitPipeRow(line)
	for _, c := range cells {
		c = strings.Trim(c, ":")
		if c == "" || strings.Trim(c, "-") != "" {
			return false
		}
	}
	return len(cells) > 0
}
