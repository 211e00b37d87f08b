// SPDX-License-Identifier: Apache-2.0

package parsers

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"path"
	"strings"

	"github.com/Smarticus81/psurRegOSv1-sub001/internal/evidence"
)

// CSVParser parses delimited exports (comma, semicolon or tab) into a single table.
// The first non-empty record is the header row.
type CSVParser struct{}

func NewCSVParser() *CSVParser {
	return &CSVParser{}
}

func (p *CSVParser) Name() string {
	return "csv"
}

// CanHandle accepts the "csv"/"tsv" format hints or a .csv/.tsv source ID. Content is
// not sniffed; nearly any text would pass.
func (p *CSVParser) CanHandle(source evidence.EvidenceSource) bool {
	switch strings.ToLower(source.Format) {
	case "csv", "tsv":
		return true
	}
	switch strings.ToLower(path.Ext(source.ID)) {
	case ".csv", ".tsv":
		return true
	}
	return false
}

func (p *CSVParser) Parse(_ context.Context, source evidence.EvidenceSource) (evidence.ParsedDocument, error) {
	content := bytes.TrimPrefix(source.Content, []byte("\xef\xbb\xbf"))

	r := csv.NewReader(bytes.NewReader(content))
	r.Comma = sniffDelimiter(content)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return evidence.ParsedDocument{}, fmt.Errorf("failed to read delimited data: %w", err)
	}

	doc := evidence.ParsedDocument{Filename: source.ID, RawText: string(content)}
	var t evidence.Table
	for _, rec := range records {
		if blank(rec) {
			continue
		}
		if t.Headers == nil {
			t.Headers = trimAll(rec)
			continue
		}
		row := trimAll(rec)
		for len(row) < len(t.Headers) {
			row = append(row, "")
		}
		t.Rows = append(t.Rows, row)
	}
	if t.Headers != nil {
		t.Name = strings.TrimSuffix(path.Base(source.ID), path.Ext(source.ID))
		doc.Tables = append(doc.Tables, t)
	}
	return doc, nil
}

// sniffDelimiter picks the candidate that occurs most often in the first line.
func sniffDelimiter(content []byte) rune {
	first := string(content)
	if i := strings.IndexByte(first, '\n'); i >= 0 {
		first = first[:i]
	}
	best, bestCount := ',', strings.Count(first, ",")
	for _, d := range []rune{';', '\t'} {
		if n := strings.Count(first, string(d)); n > bestCount {
			best, bestCount = d, n
		}
	}
	return best
}

func blank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func trimAll(rec []string) []string {
	out := make([]string, len(rec))
	for i, c := range rec {
		out[i] = strings.TrimSpace(c)
	}
	return out
}
