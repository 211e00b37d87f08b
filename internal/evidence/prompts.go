// SPDX-License-Identifier: Apache-2.0

package evidence

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Smarticus81/psurRegOSv1-sub001/internal/registry"
)

const (
	promptSamples      = 5
	previewTextLength  = 300
	maxPromptHeaderLen = 80
)

// Response contracts embedded in each prompt.
const (
	classifyContract = `{"thinking":"<brief analysis>","primaryType":"<evidence type id or Unknown>","secondaryTypes":["<evidence type id>"],"confidence":<0..1>,"reasoning":"<why>"}`

	detectContract = `{"detectedTypes":[{"evidenceType":"<evidence type id>","confidence":<0..1>,"reasoning":["<observation>"],"sourceLocations":[{"kind":"table|section","index":<int>}],"estimatedRecordCount":<int>,"requiredFieldsAvailable":["<field>"],"requiredFieldsMissing":["<field>"]}]}`

	mapColumnsContract = `{"columnMappings":[{"sourceColumn":"<column name>","sourceIndex":<int>,"targetField":"<field name>"|null,"confidence":<0..1>,"reasoning":"<why>"}]}`

	mapColumnContract = `{"sourceColumn":"<column name>","sourceIndex":<int>,"targetField":"<field name>"|null,"confidence":<0..1>,"reasoning":"<why>"}`
)

type promptField struct {
	Name          string   `json:"name"`
	DataType      string   `json:"dataType"`
	Required      bool     `json:"required"`
	Description   string   `json:"description,omitempty"`
	SemanticHints []string `json:"semanticHints,omitempty"`
}

type promptColumn struct {
	SourceColumn string   `json:"sourceColumn"`
	SourceIndex  int      `json:"sourceIndex"`
	SampleValues []string `json:"sampleValues"`
}

func toPromptFields(fields []registry.FieldDefinition) []promptField {
	out := make([]promptField, len(fields))
	for i, f := range fields {
		out[i] = promptField{
			Name:          f.Name,
			DataType:      string(f.DataType),
			Required:      f.Required,
			Description:   f.Description,
			SemanticHints: f.SemanticHints,
		}
	}
	return out
}

func toPromptColumn(c SourceColumn) promptColumn {
	samples := c.Samples
	if len(samples) > promptSamples {
		samples = samples[:promptSamples]
	}
	return promptColumn{SourceColumn: c.Name, SourceIndex: c.Index, SampleValues: samples}
}

// buildPrompt renders a task line, the JSON payload and the response contract.
func buildPrompt(task string, payload any, contract string) string {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		data = []byte(fmt.Sprintf("%q", fmt.Sprint(payload)))
	}
	var b strings.Builder
	b.WriteString(task)
	b.WriteString("\n\nInput:\n")
	b.Write(data)
	b.WriteString("\n\nRespond with JSON exactly matching this shape:\n")
	b.WriteString(contract)
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ---------------------------------------------------------------------------
// Resolver prompts
// ---------------------------------------------------------------------------

func mapColumnsPrompt(s *claimState, open []int, fields []registry.FieldDefinition) string {
	cols := make([]promptColumn, len(open))
	for i, pos := range open {
		cols[i] = toPromptColumn(s.columns[pos])
	}
	payload := struct {
		EvidenceType    string         `json:"evidenceType"`
		Description     string         `json:"description"`
		Columns         []promptColumn `json:"columns"`
		AvailableFields []promptField  `json:"availableFields"`
	}{s.schema.Type, s.schema.Description, cols, toPromptFields(fields)}

	return buildPrompt(
		"Map each column to at most one available field. Consider all columns together; no field may be used twice.",
		payload, mapColumnsContract)
}

func mapColumnPrompt(s *claimState, pos int, fields []registry.FieldDefinition) string {
	payload := struct {
		EvidenceType    string        `json:"evidenceType"`
		Description     string        `json:"description"`
		Column          promptColumn  `json:"column"`
		AvailableFields []promptField `json:"availableFields"`
	}{s.schema.Type, s.schema.Description, toPromptColumn(s.columns[pos]), toPromptFields(fields)}

	return buildPrompt("Map this column to the best available field, or null.", payload, mapColumnContract)
}

func refinePrompt(s *claimState, pos int, current ColumnMapping, fields []registry.FieldDefinition) string {
	payload := struct {
		EvidenceType    string        `json:"evidenceType"`
		Column          promptColumn  `json:"column"`
		CurrentField    string        `json:"currentField"`
		CurrentMethod   Method        `json:"currentMethod"`
		CurrentScore    float64       `json:"currentConfidence"`
		CurrentReason   string        `json:"currentReasoning"`
		AvailableFields []promptField `json:"availableFields"`
	}{
		s.schema.Type, toPromptColumn(s.columns[pos]),
		current.Target(), current.Method, current.Confidence, current.Reasoning,
		toPromptFields(fields),
	}

	return buildPrompt("Review this low-confidence mapping. Confirm it or reassign the column.", payload, mapColumnContract)
}

// ---------------------------------------------------------------------------
// Discovery prompts
// ---------------------------------------------------------------------------

type tablePreview struct {
	Index    int        `json:"index"`
	Name     string     `json:"name"`
	Headers  []string   `json:"headers"`
	RowCount int        `json:"rowCount"`
	Sample   [][]string `json:"sampleRows"`
}

type sectionPreview struct {
	Index   int    `json:"index"`
	Title   string `json:"title"`
	Preview string `json:"preview"`
}

type typeSummary struct {
	Type               string        `json:"type"`
	Category           string        `json:"category"`
	Description        string        `json:"description,omitempty"`
	TableIndicators    []string      `json:"tableIndicators,omitempty"`
	DocumentIndicators []string      `json:"documentIndicators,omitempty"`
	Fields             []promptField `json:"fields,omitempty"`
}

func previewTables(doc ParsedDocument, rows int) []tablePreview {
	out := make([]tablePreview, len(doc.Tables))
	for i, t := range doc.Tables {
		headers := make([]string, len(t.Headers))
		for h, name := range t.Headers {
			headers[h] = truncate(name, maxPromptHeaderLen)
		}
		n := rows
		if n > len(t.Rows) {
			n = len(t.Rows)
		}
		out[i] = tablePreview{Index: i, Name: t.Name, Headers: headers, RowCount: len(t.Rows), Sample: t.Rows[:n]}
	}
	return out
}

func previewSections(doc ParsedDocument) []sectionPreview {
	out := make([]sectionPreview, len(doc.Sections))
	for i, s := range doc.Sections {
		out[i] = sectionPreview{Index: i, Title: s.Title, Preview: truncate(s.Content, previewTextLength)}
	}
	return out
}

func classifyPrompt(doc ParsedDocument, reg *registry.Registry, rows int) string {
	types := make([]typeSummary, 0, len(reg.Types()))
	for _, t := range reg.Types() {
		types = append(types, typeSummary{
			Type: t.Type, Category: t.Category, Description: t.Description,
			DocumentIndicators: t.DocumentIndicators,
		})
	}
	payload := struct {
		Filename      string           `json:"filename"`
		TableCount    int              `json:"tableCount"`
		SectionCount  int              `json:"sectionCount"`
		Tables        []tablePreview   `json:"tables"`
		Sections      []sectionPreview `json:"sections"`
		TextPreview   string           `json:"textPreview,omitempty"`
		EvidenceTypes []typeSummary    `json:"evidenceTypes"`
	}{
		doc.Filename, len(doc.Tables), len(doc.Sections),
		previewTables(doc, rows), previewSections(doc), truncate(doc.RawText, previewTextLength), types,
	}
	return buildPrompt("Classify this document by the evidence it primarily contains.", payload, classifyContract)
}

func detectPrompt(doc ParsedDocument, reg *registry.Registry, rows int) string {
	types := make([]typeSummary, 0, len(reg.Types()))
	for _, t := range reg.Types() {
		types = append(types, typeSummary{
			Type: t.Type, Category: t.Category,
			TableIndicators: t.TableIndicators, DocumentIndicators: t.DocumentIndicators,
			Fields: toPromptFields(t.Fields),
		})
	}
	payload := struct {
		Filename      string           `json:"filename"`
		Tables        []tablePreview   `json:"tables"`
		Sections      []sectionPreview `json:"sections"`
		EvidenceTypes []typeSummary    `json:"evidenceTypes"`
	}{doc.Filename, previewTables(doc, rows), previewSections(doc), types}

	return buildPrompt(
		"Detect every evidence type present. Pin each detection to the table and section indices where it appears.",
		payload, detectContract)
}
