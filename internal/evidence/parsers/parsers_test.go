// SPDX-License-Identifier: Apache-2.0

package parsers_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/Smarticus81/psurRegOSv1-sub001/internal/evidence"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/evidence/parsers"
)

// ---------------------------------------------------------------------------
// CanHandle
// ---------------------------------------------------------------------------

func TestCanHandle(t *testing.T) {
	tests := []struct {
		name   string
		parser evidence.DocumentParser
		source evidence.EvidenceSource
		want   bool
	}{
		{"markdown hint", parsers.NewMarkdownParser(), evidence.EvidenceSource{Format: "md"}, true},
		{"markdown heading", parsers.NewMarkdownParser(), evidence.EvidenceSource{Content: []byte("# Complaints\n")}, true},
		{"markdown pipe table", parsers.NewMarkdownParser(), evidence.EvidenceSource{Content: []byte("| a | b |\n|---|---|\n")}, true},
		{"markdown rejects yaml", parsers.NewMarkdownParser(), evidence.EvidenceSource{Content: []byte("key: value")}, false},
		{"yaml hint", parsers.NewYAMLParser(), evidence.EvidenceSource{Format: "json"}, true},
		{"yaml json array", parsers.NewYAMLParser(), evidence.EvidenceSource{Content: []byte(`[{"a":1}]`)}, true},
		{"yaml sequence", parsers.NewYAMLParser(), evidence.EvidenceSource{Content: []byte("- a: 1")}, true},
		{"yaml rejects markdown", parsers.NewYAMLParser(), evidence.EvidenceSource{Content: []byte("# Title: x")}, false},
		{"csv extension", parsers.NewCSVParser(), evidence.EvidenceSource{ID: "sales.CSV"}, true},
		{"csv hint", parsers.NewCSVParser(), evidence.EvidenceSource{Format: "tsv"}, true},
		{"csv does not sniff", parsers.NewCSVParser(), evidence.EvidenceSource{Content: []byte("a,b\n1,2")}, false},
		{"xlsx extension", parsers.NewXLSXParser(), evidence.EvidenceSource{ID: "book.xlsx"}, true},
		{"xlsx magic", parsers.NewXLSXParser(), evidence.EvidenceSource{Content: []byte("PK\x03\x04rest")}, true},
		{"xlsx rejects text", parsers.NewXLSXParser(), evidence.EvidenceSource{Content: []byte("a,b")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.parser.CanHandle(tt.source))
		})
	}
}

func TestDefault_Order(t *testing.T) {
	var names []string
	for _, p := range parsers.Default() {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"xlsx", "csv", "markdown", "yaml"}, names)
}

// ---------------------------------------------------------------------------
// Markdown
// ---------------------------------------------------------------------------

func TestMarkdownParser_SectionsAndTables(t *testing.T) {
	content := `Intro text.

# Complaint Log
Complaints received in Q1.

| CCR Number | Date Received | Severity |
|:-----------|---------------|---------:|
| CCR-2024-001 | 2024-01-03 | High |
| CCR-2024-002 | 2024-02-11 |
| CCR-2024-003 | 2024-03-20 | Low \| minor |

## Summary
Two open items.
`
	doc, err := parsers.NewMarkdownParser().Parse(context.Background(), evidence.EvidenceSource{Content: []byte(content), ID: "psur.md"})
	require.NoError(t, err)

	assert.Equal(t, "psur.md", doc.Filename)
	require.Len(t, doc.Tables, 1)
	tbl := doc.Tables[0]
	assert.Equal(t, "Complaint Log", tbl.Name)
	assert.Equal(t, []string{"CCR Number", "Date Received", "Severity"}, tbl.Headers)
	require.Len(t, tbl.Rows, 3)
	assert.Equal(t, []string{"CCR-2024-002", "2024-02-11", ""}, tbl.Rows[1], "short rows are padded")
	assert.Equal(t, "Low | minor", tbl.Rows[2][2], "escaped pipes stay in the cell")

	require.Len(t, doc.Sections, 3)
	assert.Equal(t, "preamble", doc.Sections[0].Title)
	assert.Equal(t, "Complaint Log", doc.Sections[1].Title)
	assert.Equal(t, "Complaints received in Q1.", doc.Sections[1].Content)
	assert.Equal(t, "Summary", doc.Sections[2].Title)
}

func TestMarkdownParser_PipeLinesWithoutSeparatorAreNotTables(t *testing.T) {
	doc, err := parsers.NewMarkdownParser().Parse(context.Background(), evidence.EvidenceSource{
		Content: []byte("# Notes\n| just a quoted line |\nmore text"),
	})
	require.NoError(t, err)
	assert.Empty(t, doc.Tables)
}

// ---------------------------------------------------------------------------
// YAML / JSON
// ---------------------------------------------------------------------------

func TestYAMLParser_JSONArray(t *testing.T) {
	content := `[{"Region":"EU","Qty":100},{"Region":"US","Qty":250,"Country":"United States"}]`
	doc, err := parsers.NewYAMLParser().Parse(context.Background(), evidence.EvidenceSource{Content: []byte(content), ID: "sales.json"})
	require.NoError(t, err)

	require.Len(t, doc.Tables, 1)
	tbl := doc.Tables[0]
	assert.Equal(t, "sales.json", tbl.Name)
	assert.Equal(t, []string{"Region", "Qty", "Country"}, tbl.Headers)
	assert.Equal(t, [][]string{{"EU", "100", ""}, {"US", "250", "United States"}}, tbl.Rows)
}

func TestYAMLParser_MappingWithTablesAndSections(t *testing.T) {
	content := `title: Annual complaint export
complaints:
  - id: "CCR-2024-001"
    received: "2024-01-03"
  - id: "CCR-2024-002"
    received: "2024-01-09"
capas:
  - capa: "CAPA-24-001"
`
	doc, err := parsers.NewYAMLParser().Parse(context.Background(), evidence.EvidenceSource{Content: []byte(content), ID: "export.yaml"})
	require.NoError(t, err)

	require.Len(t, doc.Tables, 2)
	assert.Equal(t, "complaints", doc.Tables[0].Name)
	assert.Equal(t, []string{"id", "received"}, doc.Tables[0].Headers)
	assert.Len(t, doc.Tables[0].Rows, 2)
	assert.Equal(t, "capas", doc.Tables[1].Name)

	require.Len(t, doc.Sections, 1)
	assert.Equal(t, "title", doc.Sections[0].Title)
	assert.Equal(t, "Annual complaint export", doc.Sections[0].Content)
}

func TestYAMLParser_MultiDocument(t *testing.T) {
	content := "- a: \"1\"\n---\n- b: \"2\"\n"
	doc, err := parsers.NewYAMLParser().Parse(context.Background(), evidence.EvidenceSource{Content: []byte(content), ID: "multi.yaml"})
	require.NoError(t, err)
	require.Len(t, doc.Tables, 2)
	assert.Equal(t, "multi.yaml#0", doc.Tables[0].Name)
	assert.Equal(t, "multi.yaml#1", doc.Tables[1].Name)
}

func TestYAMLParser_InvalidInput(t *testing.T) {
	_, err := parsers.NewYAMLParser().Parse(context.Background(), evidence.EvidenceSource{Content: []byte("key: [unclosed")})
	require.Error(t, err)
}

// ---------------------------------------------------------------------------
// CSV
// ---------------------------------------------------------------------------

func TestCSVParser_Delimiters(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"comma", "Region,Qty\nEU,100\n\nUS,250\n"},
		{"semicolon", "Region;Qty\nEU;100\nUS;250\n"},
		{"tab", "Region\tQty\nEU\t100\nUS\t250\n"},
		{"bom and spaces", "\xef\xbb\xbfRegion, Qty\nEU, 100\nUS, 250\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := parsers.NewCSVParser().Parse(context.Background(), evidence.EvidenceSource{Content: []byte(tt.content), ID: "data/sales.csv"})
			require.NoError(t, err)
			require.Len(t, doc.Tables, 1)
			assert.Equal(t, "sales", doc.Tables[0].Name)
			assert.Equal(t, []string{"Region", "Qty"}, doc.Tables[0].Headers)
			assert.Equal(t, [][]string{{"EU", "100"}, {"US", "250"}}, doc.Tables[0].Rows)
		})
	}
}

func TestCSVParser_RaggedRowsArePadded(t *testing.T) {
	doc, err := parsers.NewCSVParser().Parse(context.Background(), evidence.EvidenceSource{Content: []byte("a,b,c\n1\n"), ID: "x.csv"})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"1", "", ""}}, doc.Tables[0].Rows)
}

// ---------------------------------------------------------------------------
// XLSX
// ---------------------------------------------------------------------------

func TestXLSXParser_Sheets(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()

	require.NoError(t, f.SetCellValue("Sheet1", "A1", "CCR Number"))
	require.NoError(t, f.SetCellValue("Sheet1", "B1", "Severity"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", "CCR-2024-001"))
	require.NoError(t, f.SetCellValue("Sheet1", "B2", "High"))
	require.NoError(t, f.SetCellValue("Sheet1", "A3", "CCR-2024-002"))

	_, err := f.NewSheet("Empty")
	require.NoError(t, err)

	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	src := evidence.EvidenceSource{Content: buf.Bytes(), ID: "complaints.xlsx"}
	p := parsers.NewXLSXParser()
	require.True(t, p.CanHandle(evidence.EvidenceSource{Content: buf.Bytes()}))

	doc, err := p.Parse(context.Background(), src)
	require.NoError(t, err)
	require.Len(t, doc.Tables, 1, "empty sheets are skipped")
	tbl := doc.Tables[0]
	assert.Equal(t, "Sheet1", tbl.Name)
	assert.Equal(t, []string{"CCR Number", "Severity"}, tbl.Headers)
	assert.Equal(t, [][]string{{"CCR-2024-001", "High"}, {"CCR-2024-002", ""}}, tbl.Rows)
}

func TestXLSXParser_Corrupt(t *testing.T) {
	_, err := parsers.NewXLSXParser().Parse(context.Background(), evidence.EvidenceSource{Content: []byte("PK\x03\x04garbage")})
	require.Error(t, err)
}
