// SPDX-License-Identifier: Apache-2.0

package parsers

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/Smarticus81/psurRegOSv1-sub001/internal/evidence"
)

// zipMagic prefixes every OOXML workbook.
var zipMagic = []byte("PK\x03\x04")

// XLSXParser parses Excel workbooks. Every non-empty sheet becomes one table whose
// header row is the sheet's first non-empty row.
type XLSXParser struct{}

func NewXLSXParser() *XLSXParser {
	return &XLSXParser{}
}

func (p *XLSXParser) Name() string {
	return "xlsx"
}

func (p *XLSXParser) CanHandle(source evidence.EvidenceSource) bool {
	switch strings.ToLower(source.Format) {
	case "xlsx", "xlsm", "excel":
		return true
	}
	switch strings.ToLower(path.Ext(source.ID)) {
	case ".xlsx", ".xlsm":
		return true
	}
	return bytes.HasPrefix(source.Content, zipMagic)
}

func (p *XLSXParser) Parse(_ context.Context, source evidence.EvidenceSource) (evidence.ParsedDocument, error) {
	f, err := excelize.OpenReader(bytes.NewReader(source.Content))
	if err != nil {
		return evidence.ParsedDocument{}, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	doc := evidence.ParsedDocument{Filename: source.ID}
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return evidence.ParsedDocument{}, fmt.Errorf("unable to read sheet %q: %w", sheet, err)
		}

		t := evidence.Table{Name: sheet}
		for _, row := range rows {
			if blank(row) {
				continue
			}
			if t.Headers == nil {
				t.Headers = trimAll(row)
				continue
			}
			cells := trimAll(row)
			for len(cells) < len(t.Headers) {
				cells = append(cells, "")
			}
			t.Rows = append(t.Rows, cells)
		}
		if t.Headers != nil {
			doc.Tables = append(doc.Tables, t)
		}
	}
	return doc, nil
}
