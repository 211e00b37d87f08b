// SPDX-License-Identifier: Apache-2.0

// Package render prints discovery and validation results as terminal or Markdown tables.
package render

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/Smarticus81/psurRegOSv1-sub001/internal/evidence"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/registry"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/validation"
)

// Mode controls the output format.
type Mode int

const (
	ASCII    Mode = iota // Fixed-width terminal tables
	Markdown             // GitHub-flavoured Markdown tables
)

// ParseMode maps "markdown"/"md" to Markdown and anything else to ASCII.
func ParseMode(s string) Mode {
	switch strings.ToLower(s) {
	case "markdown", "md":
		return Markdown
	}
	return ASCII
}

const reasoningWidth = 60

func newTable(m Mode) table.Writer {
	w := table.NewWriter()
	if m == ASCII {
		w.SetStyle(table.StyleLight)
	}
	return w
}

func renderTable(w table.Writer, m Mode) string {
	if m == Markdown {
		return w.RenderMarkdown()
	}
	return w.Render()
}

func pct(v float64) string {
	return fmt.Sprintf("%.0f%%", v*100)
}

func mark(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

// Truncate shortens s to max runes, appending "..." if truncated.
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}

// Discovery writes the classification, one table per mapped source table and the
// quality assessment.
func Discovery(out io.Writer, res *evidence.SchemaDiscoveryResult, m Mode) error {
	var b strings.Builder

	head := newTable(m)
	head.AppendHeader(table.Row{"Field", "Value"})
	head.AppendRow(table.Row{"Source", res.Filename})
	head.AppendRow(table.Row{"Run", res.RunID})
	head.AppendRow(table.Row{"Primary type", res.Classification.PrimaryType})
	head.AppendRow(table.Row{"Confidence", pct(res.Classification.Confidence)})
	if len(res.Classification.SecondaryTypes) > 0 {
		head.AppendRow(table.Row{"Secondary types", strings.Join(res.Classification.SecondaryTypes, ", ")})
	}
	head.AppendRow(table.Row{"Overall confidence", pct(res.Quality.OverallConfidence)})
	head.AppendRow(table.Row{"Human review", mark(res.Quality.HumanReviewRequired)})
	b.WriteString(renderTable(head, m))
	b.WriteString("\n")

	for _, tm := range res.TableMappings {
		fmt.Fprintf(&b, "\nTable %d %q -> %s (%s, %d rows)\n", tm.TableIndex, tm.TableName, tm.PrimaryEvidenceType, pct(tm.PrimaryConfidence), tm.RowCount)

		t := newTable(m)
		t.AppendHeader(table.Row{"#", "Column", "Field", "Confidence", "Method", "Confirm", "Reasoning"})
		for _, cm := range tm.ColumnMappings {
			target := cm.Target()
			if target == "" {
				target = "-"
			}
			t.AppendRow(table.Row{cm.SourceIndex, cm.SourceColumn, target, pct(cm.Confidence), string(cm.Method), mark(cm.RequiresConfirmation), cm.Reasoning})
		}
		t.SetColumnConfigs([]table.ColumnConfig{
			{Number: 1, Align: text.AlignRight},
			{Number: 4, Align: text.AlignRight},
			{Number: 7, WidthMax: reasoningWidth},
		})
		b.WriteString(renderTable(t, m))
		b.WriteString("\n")
		if len(tm.QualityFlags) > 0 {
			fmt.Fprintf(&b, "Flags: %s\n", strings.Join(tm.QualityFlags, ", "))
		}
	}

	if len(res.Quality.ReviewReasons) > 0 {
		b.WriteString("\nReview reasons:\n")
		for _, r := range res.Quality.ReviewReasons {
			fmt.Fprintf(&b, "  - %s\n", r)
		}
	}

	_, err := io.WriteString(out, b.String())
	return err
}

// Validation writes a summary per validated table followed by every finding.
func Validation(out io.Writer, report *validation.DocumentReport, m Mode) error {
	var b strings.Builder
	if len(report.Tables) == 0 {
		b.WriteString("No tables validated.\n")
	}

	for _, res := range report.Tables {
		fmt.Fprintf(&b, "Table %d: %s\n", res.TableIndex, res.EvidenceType)

		s := newTable(m)
		s.AppendHeader(table.Row{"Records", "Valid", "Invalid", "Critical", "Errors", "Warnings", "Info", "Score", "Batch valid"})
		s.AppendRow(table.Row{
			res.Summary.TotalRecords, res.Summary.ValidRecords, res.Summary.InvalidRecords,
			res.Summary.Critical, res.Summary.Errors, res.Summary.Warnings, res.Summary.Info,
			fmt.Sprintf("%.1f", res.OverallScore), mark(res.Valid),
		})
		b.WriteString(renderTable(s, m))
		b.WriteString("\n")

		f := newTable(m)
		f.AppendHeader(table.Row{"Record", "Severity", "Code", "Field", "Message"})
		rows := 0
		for _, issue := range res.GlobalIssues {
			f.AppendRow(table.Row{"*", string(issue.Severity), issue.Code, issue.Field, issue.Message})
			rows++
		}
		for _, rec := range res.Records {
			for _, issue := range rec.AllFlags() {
				f.AppendRow(table.Row{rec.Index, string(issue.Severity), issue.Code, issue.Field, issue.Message})
				rows++
			}
		}
		if rows > 0 {
			f.SetColumnConfigs([]table.ColumnConfig{{Number: 5, WidthMax: reasoningWidth}})
			b.WriteString(renderTable(f, m))
			b.WriteString("\n")
		}

		if res.Quality.HumanReviewRequired {
			b.WriteString("Review reasons:\n")
			for _, r := range res.Quality.ReviewReasons {
				fmt.Fprintf(&b, "  - %s\n", r)
			}
		}
		b.WriteString("\n")
	}

	_, err := io.WriteString(out, b.String())
	return err
}

// Types writes one row per registered evidence type.
func Types(out io.Writer, defs []registry.EvidenceTypeDefinition, m Mode) error {
	t := newTable(m)
	t.AppendHeader(table.Row{"Type", "Category", "Fields", "Required", "Description"})
	for _, def := range defs {
		var required []string
		for _, f := range def.Fields {
			if f.Required {
				required = append(required, f.Name)
			}
		}
		t.AppendRow(table.Row{def.Type, def.Category, len(def.Fields), strings.Join(required, ", "), Truncate(def.Description, reasoningWidth)})
	}
	t.SetColumnConfigs([]table.ColumnConfig{{Number: 3, Align: text.AlignRight}})

	_, err := io.WriteString(out, renderTable(t, m)+"\n")
	return err
}
