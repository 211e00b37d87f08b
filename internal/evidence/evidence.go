// SPDX-License-Identifier: Apache-2.0

// Package evidence resolves arbitrary source tables onto the canonical evidence
// schemas: it discovers which evidence type each table holds and maps every source
// column onto at most one canonical field.
package evidence

import (
	"context"
	"strings"
	"time"
)

// Table is one tabular block of a parsed document.
type Table struct {
	Name    string     `json:"name"`
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

// Cell returns the trimmed value at row r, column c, or "" when out of range.
func (t Table) Cell(r, c int) string {
	if r < 0 || r >= len(t.Rows) || c < 0 || c >= len(t.Rows[r]) {
		return ""
	}
	return strings.TrimSpace(t.Rows[r][c])
}

// Section is one titled block of free text.
type Section struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Page    int    `json:"page,omitempty"`
}

// ParsedDocument is the output of a DocumentParser.
type ParsedDocument struct {
	Filename string    `json:"filename"`
	RawText  string    `json:"rawText,omitempty"`
	Tables   []Table   `json:"tables"`
	Sections []Section `json:"sections"`
}

// Empty reports whether the document has neither tables nor sections.
func (d ParsedDocument) Empty() bool {
	return len(d.Tables) == 0 && len(d.Sections) == 0
}

// EvidenceSource describes the raw input to the evidence pipeline.
type EvidenceSource struct {
	// Content is the raw document content.
	Content []byte
	Format  string
	ID      string
}

// DocumentParser turns raw source bytes into tables and sections.
type DocumentParser interface {
	CanHandle(source EvidenceSource) bool
	Parse(ctx context.Context, source EvidenceSource) (ParsedDocument, error)
	Name() string
}

// Method identifies the resolution strategy that produced a ColumnMapping.
type Method string

const (
	MethodUserProvided    Method = "user_provided"
	MethodExactMatch      Method = "exact_match"
	MethodSamplePattern   Method = "sample_pattern"
	MethodSemanticKeyword Method = "semantic_keyword"
	MethodClassifier      Method = "classifier_inference"
	MethodRefinement      Method = "refinement"
	MethodUnmapped        Method = "unmapped"
)

// Discovery stages, in execution order.
const (
	StageClassify      = "CLASSIFY"
	StageDetectTypes   = "DETECT_TYPES"
	StageMapTables     = "MAP_TABLES"
	StageAssessQuality = "ASSESS_QUALITY"
)

// UnknownType is the primary type reported when classification fails.
const UnknownType = "Unknown"

// Table quality flags.
const (
	FlagFallbackType          = "fallback_evidence_type"
	FlagUnmappedColumns       = "unmapped_columns"
	FlagRequiresConfirmation  = "requires_confirmation"
	FlagEmptyTable            = "empty_table"
	FlagMissingRequiredPrefix = "missing_required:"
)

const (
	LocationTable   = "table"
	LocationSection = "section"
)

// Alternative is a runner-up candidate for a column.
type Alternative struct {
	Field      string  `json:"field"`
	Confidence float64 `json:"confidence"`
}

// ColumnMapping is the resolution outcome for one source column. A nil TargetField
// means the column is unmapped.
type ColumnMapping struct {
	SourceColumn         string        `json:"sourceColumn"`
	SourceIndex          int           `json:"sourceIndex"`
	TargetField          *string       `json:"targetField"`
	TargetEvidenceType   string        `json:"targetEvidenceType"`
	Confidence           float64       `json:"confidence"`
	Method               Method        `json:"method"`
	Reasoning            string        `json:"reasoning"`
	Alternatives         []Alternative `json:"alternatives,omitempty"`
	RequiresConfirmation bool          `json:"requiresConfirmation"`
}

// Target returns the mapped field name, or "" when unmapped.
func (m ColumnMapping) Target() string {
	if m.TargetField == nil {
		return ""
	}
	return *m.TargetField
}

// Mapped reports whether the column was assigned a field.
func (m ColumnMapping) Mapped() bool {
	return m.TargetField != nil
}

// TableSchemaMapping is the full mapping of one table onto one evidence type.
type TableSchemaMapping struct {
	TableIndex            int             `json:"tableIndex"`
	TableName             string          `json:"tableName"`
	RowCount              int             `json:"rowCount"`
	PrimaryEvidenceType   string          `json:"primaryEvidenceType"`
	PrimaryConfidence     float64         `json:"primaryConfidence"`
	DetectionConfidence   float64         `json:"detectionConfidence"`
	ColumnMappings        []ColumnMapping `json:"columnMappings"`
	MissingRequiredFields []string        `json:"missingRequiredFields,omitempty"`
	QualityFlags          []string        `json:"qualityFlags,omitempty"`
}

// MappedCount returns the number of columns assigned a field.
func (t TableSchemaMapping) MappedCount() int {
	n := 0
	for _, m := range t.ColumnMappings {
		if m.Mapped() {
			n++
		}
	}
	return n
}

// ColumnFor returns the source index mapped onto field, or -1.
func (t TableSchemaMapping) ColumnFor(field string) int {
	for _, m := range t.ColumnMappings {
		if m.Target() == field {
			return m.SourceIndex
		}
	}
	return -1
}

// HasFlag reports whether flag is present.
func (t TableSchemaMapping) HasFlag(flag string) bool {
	for _, f := range t.QualityFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// SourceLocation pins a detection to a table or section index.
type SourceLocation struct {
	Kind  string `json:"kind"`
	Index int    `json:"index"`
}

// DetectedEvidenceType is one evidence type found in a document.
type DetectedEvidenceType struct {
	EvidenceType            string           `json:"evidenceType"`
	Confidence              float64          `json:"confidence"`
	Reasoning               []string         `json:"reasoning"`
	SourceLocations         []SourceLocation `json:"sourceLocations"`
	EstimatedRecordCount    int              `json:"estimatedRecordCount"`
	RequiredFieldsAvailable []string         `json:"requiredFieldsAvailable"`
	RequiredFieldsMissing   []string         `json:"requiredFieldsMissing"`
}

// References reports whether d is pinned to the given table index.
func (d DetectedEvidenceType) References(tableIndex int) bool {
	for _, loc := range d.SourceLocations {
		if loc.Kind == LocationTable && loc.Index == tableIndex {
			return true
		}
	}
	return false
}

// Classification is the document-level verdict.
type Classification struct {
	PrimaryType    string   `json:"primaryType"`
	SecondaryTypes []string `json:"secondaryTypes,omitempty"`
	Confidence     float64  `json:"confidence"`
	Reasoning      string   `json:"reasoning"`
}

// ReasoningStep is one append-only audit entry.
type ReasoningStep struct {
	Stage      string   `json:"stage"`
	Input      string   `json:"input"`
	Output     string   `json:"output"`
	Reasoning  []string `json:"reasoning"`
	Confidence float64  `json:"confidence"`
	DurationMs int64    `json:"durationMs"`
}

// QualityAssessment summarises what a discovery run could not resolve.
type QualityAssessment struct {
	OverallConfidence     float64  `json:"overallConfidence"`
	UnmappedColumns       []string `json:"unmappedColumns"`
	LowConfidenceMappings []string `json:"lowConfidenceMappings"`
	MissingRequiredFields []string `json:"missingRequiredFields"`
	ReviewReasons         []string `json:"reviewReasons"`
	HumanReviewRequired   bool     `json:"humanReviewRequired"`
}

// SchemaDiscoveryResult is the complete output of Pipeline.Discover.
type SchemaDiscoveryResult struct {
	RunID          string                 `json:"runId"`
	Filename       string                 `json:"filename"`
	Classification Classification         `json:"classification"`
	DetectedTypes  []DetectedEvidenceType `json:"detectedTypes"`
	TableMappings  []TableSchemaMapping   `json:"tableMappings"`
	Quality        QualityAssessment      `json:"quality"`
	Reasoning      []ReasoningStep        `json:"reasoningTrace"`
	StartedAt      time.Time              `json:"startedAt"`
	DurationMs     int64                  `json:"durationMs"`
}

// Record is one source row keyed by canonical field name.
type Record map[string]string

// RecordsFromTable projects each row of t through the mapping. Unmapped columns are
// dropped; empty cells are kept as "" so required-field checks see them.
func RecordsFromTable(t Table, m TableSchemaMapping) []Record {
	records := make([]Record, 0, len(t.Rows))
	for r := range t.Rows {
		rec := make(Record, len(m.ColumnMappings))
		for _, cm := range m.ColumnMappings {
			if !cm.Mapped() {
				continue
			}
			rec[cm.Target()] = t.Cell(r, cm.SourceIndex)
		}
		records = append(records, rec)
	}
	return records
}
