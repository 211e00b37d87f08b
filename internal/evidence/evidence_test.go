// SPDX-License-Identifier: Apache-2.0

package evidence_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Smarticus81/psurRegOSv1-sub001/internal/classifier"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/evidence"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/evidence/parsers"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/registry"
)

// stageResponses answers each classifier stage with a canned body. It is safe for
// concurrent use because it never mutates.
func stageResponses(bodies map[string]string) classifier.Classifier {
	return classifier.Func(func(_ context.Context, req classifier.Request) (string, error) {
		if body, ok := bodies[req.Stage]; ok {
			return body, nil
		}
		return "no answer", nil
	})
}

func newPipeline(t *testing.T, c classifier.Classifier, ps ...evidence.DocumentParser) *evidence.Pipeline {
	t.Helper()
	p, err := evidence.NewPipeline(evidence.PipelineConfig{Classifier: c}, ps...)
	require.NoError(t, err)
	return p
}

func twoTableDocument() evidence.ParsedDocument {
	return evidence.ParsedDocument{
		Filename: "psur-annex.xlsx",
		Tables: []evidence.Table{
			{
				Name:    "Complaints",
				Headers: []string{"CCR Number", "Date Received", "Description", "Severity", "Patient Outcome"},
				Rows: [][]string{
					{"CCR-2024-001", "2024-01-03", "Cracked housing", "High", "No injury"},
					{"CCR-2024-002", "2024-02-11", "Display flicker", "Low", "None"},
				},
			},
			{
				Name:    "Sales",
				Headers: []string{"Region", "Qty", "Period Start", "Period End"},
				Rows: [][]string{
					{"EU", "100", "2024-01-01", "2024-06-30"},
					{"US", "250", "2024-01-01", "2024-06-30"},
				},
			},
		},
		Sections: []evidence.Section{{Title: "Overview", Content: "Complaint and sales data."}},
	}
}

// ---------------------------------------------------------------------------
// Pipeline construction and parser selection
// ---------------------------------------------------------------------------

func TestNewPipeline_UnknownFallback(t *testing.T) {
	_, err := evidence.NewPipeline(evidence.PipelineConfig{FallbackType: "nope"})
	assert.ErrorIs(t, err, evidence.ErrUnknownEvidenceType)
}

func TestPipeline_UnsupportedFormat(t *testing.T) {
	p := newPipeline(t, nil) // no parsers registered
	_, err := p.RunSource(context.Background(), evidence.EvidenceSource{
		Content: []byte("anything"),
		Format:  "pdf",
		ID:      "test.pdf",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, evidence.ErrUnsupportedFormat)
	assert.Contains(t, err.Error(), "unsupported evidence format")
}

func TestPipeline_RegisteredParsers(t *testing.T) {
	p := newPipeline(t, nil, parsers.NewMarkdownParser(), parsers.NewYAMLParser())
	assert.Equal(t, []string{"markdown", "yaml"}, p.RegisteredParsers())
}

func TestPipeline_EmptyDocument(t *testing.T) {
	p := newPipeline(t, nil, parsers.NewMarkdownParser())
	_, err := p.RunSource(context.Background(), evidence.EvidenceSource{Content: []byte("#\n"), Format: "md", ID: "empty.md"})
	assert.ErrorIs(t, err, evidence.ErrEmptyDocument)
}

func TestPipeline_RunSource_MarkdownDoc(t *testing.T) {
	p := newPipeline(t, nil, parsers.Default()...)
	src := evidence.EvidenceSource{
		Content: []byte("# Complaint Log\n\n| CCR Number | Date Received | Description |\n|---|---|---|\n| CCR-2024-001 | 2024-01-03 | Cracked housing |\n"),
		ID:      "log.md",
	}

	res, err := p.RunSource(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, "log.md", res.Filename)
	require.Len(t, res.TableMappings, 1)
	tm := res.TableMappings[0]
	assert.Equal(t, "complaint_record", tm.PrimaryEvidenceType, "fallback type without a classifier")
	assert.True(t, tm.HasFlag(evidence.FlagFallbackType))
	assert.Equal(t, 3, tm.MappedCount())
	assert.Empty(t, tm.MissingRequiredFields)
}

// ---------------------------------------------------------------------------
// Discover
// ---------------------------------------------------------------------------

func TestDiscover_MultiEvidenceDocument(t *testing.T) {
	c := stageResponses(map[string]string{
		classifier.StageClassify: `{"thinking":"two tables","primaryType":"complaint_record","secondaryTypes":["sales_volume"],"confidence":0.9,"reasoning":"complaint ids present"}`,
		classifier.StageDetect: `{"detectedTypes":[
			{"evidenceType":"complaint_record","confidence":0.9,"reasoning":["CCR numbers"],"sourceLocations":[{"kind":"table","index":0},{"kind":"section","index":0}],"estimatedRecordCount":2},
			{"evidenceType":"sales_volume","confidence":0.85,"reasoning":"units by region","sourceLocations":[{"kind":"Table","index":1},{"kind":"table","index":7}],"estimatedRecordCount":2},
			{"evidenceType":"mystery_type","confidence":0.99,"sourceLocations":[{"kind":"table","index":1}]}
		]}`,
		classifier.StageRefine: `{"targetField":"quantity","confidence":0.9,"reasoning":"numeric unit counts"}`,
	})
	p := newPipeline(t, c)

	res, err := p.Discover(context.Background(), twoTableDocument())
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, "complaint_record", res.Classification.PrimaryType)
	assert.Equal(t, []string{"sales_volume"}, res.Classification.SecondaryTypes)
	assert.InDelta(t, 0.9, res.Classification.Confidence, 1e-9)

	require.Len(t, res.DetectedTypes, 2, "unknown evidence types are dropped")
	assert.Equal(t, []string{"units by region"}, res.DetectedTypes[1].Reasoning)
	assert.Equal(t, []evidence.SourceLocation{{Kind: "table", Index: 1}}, res.DetectedTypes[1].SourceLocations,
		"kinds are normalised and out-of-range indices dropped")

	require.Len(t, res.TableMappings, 2)
	complaints, sales := res.TableMappings[0], res.TableMappings[1]

	assert.Equal(t, "complaint_record", complaints.PrimaryEvidenceType)
	assert.InDelta(t, 0.9, complaints.DetectionConfidence, 1e-9)
	assert.Equal(t, 5, complaints.MappedCount())
	assert.InDelta(t, 1.0, complaints.PrimaryConfidence, 1e-9)
	assert.Empty(t, complaints.QualityFlags)

	assert.Equal(t, "sales_volume", sales.PrimaryEvidenceType)
	assert.Equal(t, 4, sales.MappedCount())
	qty := sales.ColumnMappings[1]
	assert.Equal(t, "quantity", qty.Target())
	assert.Equal(t, evidence.MethodRefinement, qty.Method)
	assert.InDelta(t, 0.975, sales.PrimaryConfidence, 1e-9)

	var stages []string
	for _, step := range res.Reasoning {
		stages = append(stages, step.Stage)
	}
	assert.Equal(t, []string{
		evidence.StageClassify, evidence.StageDetectTypes, evidence.StageMapTables, evidence.StageAssessQuality,
	}, stages)
	assert.Contains(t, strings.Join(res.Reasoning[1].Reasoning, "\n"), `ignored unknown evidence type "mystery_type"`)

	assert.InDelta(t, (0.9+0.9+0.85+1.0+0.975)/5, res.Quality.OverallConfidence, 1e-9)
	assert.False(t, res.Quality.HumanReviewRequired, "reasons: %v", res.Quality.ReviewReasons)
}

func TestDiscover_ClassifierUnavailable(t *testing.T) {
	p := newPipeline(t, nil)
	doc := evidence.ParsedDocument{
		Filename: "misc.csv",
		Tables:   []evidence.Table{{Name: "misc", Headers: []string{"CCR Number", "Foo"}, Rows: [][]string{{"CCR-2024-001", "x"}}}},
	}

	res, err := p.Discover(context.Background(), doc)
	require.NoError(t, err, "classifier failures are never fatal")

	assert.Equal(t, evidence.UnknownType, res.Classification.PrimaryType)
	assert.Zero(t, res.Classification.Confidence)
	assert.Empty(t, res.DetectedTypes)
	require.Len(t, res.Reasoning, 4)

	tm := res.TableMappings[0]
	assert.Equal(t, "complaint_record", tm.PrimaryEvidenceType)
	assert.Zero(t, tm.DetectionConfidence)
	assert.Equal(t, []string{"complaintDate", "description"}, tm.MissingRequiredFields)
	assert.ElementsMatch(t, []string{
		evidence.FlagFallbackType,
		evidence.FlagUnmappedColumns,
		evidence.FlagMissingRequiredPrefix + "complaintDate",
		evidence.FlagMissingRequiredPrefix + "description",
	}, tm.QualityFlags)

	q := res.Quality
	assert.True(t, q.HumanReviewRequired)
	assert.InDelta(t, 0.5, q.OverallConfidence, 1e-9)
	assert.Equal(t, []string{"table[0:misc].Foo"}, q.UnmappedColumns)
	assert.Equal(t, []string{"complaint_record.complaintDate", "complaint_record.description"}, q.MissingRequiredFields)
}

func TestDiscover_PicksHighestConfidenceDetectionPerTable(t *testing.T) {
	c := stageResponses(map[string]string{
		classifier.StageDetect: `{"detectedTypes":[
			{"evidenceType":"complaint_record","confidence":0.6,"sourceLocations":[{"kind":"table","index":0}]},
			{"evidenceType":"capa_record","confidence":0.8,"sourceLocations":[{"kind":"table","index":0}]}
		]}`,
	})
	p := newPipeline(t, c)
	doc := evidence.ParsedDocument{Tables: []evidence.Table{{Headers: []string{"CAPA ID", "Open Date"}}}}

	res, err := p.Discover(context.Background(), doc)
	require.NoError(t, err)

	tm := res.TableMappings[0]
	assert.Equal(t, "capa_record", tm.PrimaryEvidenceType)
	assert.InDelta(t, 0.8, tm.DetectionConfidence, 1e-9)
	assert.True(t, tm.HasFlag(evidence.FlagEmptyTable))
}

func TestDiscover_WithColumnHints(t *testing.T) {
	p := newPipeline(t, nil)
	doc := evidence.ParsedDocument{Tables: []evidence.Table{{Headers: []string{"Ref", "Text"}, Rows: [][]string{{"1", "a"}}}}}

	res, err := p.Discover(context.Background(), doc,
		evidence.WithColumnHints(0, map[string]string{"Ref": "complaintId", "Text": "description"}))
	require.NoError(t, err)

	tm := res.TableMappings[0]
	assert.Equal(t, evidence.MethodUserProvided, tm.ColumnMappings[0].Method)
	assert.Equal(t, "description", tm.ColumnMappings[1].Target())
}

func TestDiscover_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := newPipeline(t, nil)
	res, err := p.Discover(ctx, twoTableDocument())
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)

	require.Len(t, res.TableMappings, 2, "result stays complete")
	for _, tm := range res.TableMappings {
		assert.Len(t, tm.ColumnMappings, len(twoTableDocument().Tables[tm.TableIndex].Headers))
		assert.Zero(t, tm.MappedCount())
	}
	assert.True(t, res.Quality.HumanReviewRequired)
}

func TestMapTable_UnknownType(t *testing.T) {
	p := newPipeline(t, nil)
	_, err := p.MapTable(context.Background(), evidence.Table{}, 0, "nope", nil)
	assert.ErrorIs(t, err, evidence.ErrUnknownEvidenceType)
}

// ---------------------------------------------------------------------------
// Quality assessment
// ---------------------------------------------------------------------------

func TestAssessQuality(t *testing.T) {
	field := func(s string) *string { return &s }
	goodTable := evidence.TableSchemaMapping{
		TableIndex: 0, PrimaryEvidenceType: "sales_volume", PrimaryConfidence: 0.9,
		ColumnMappings: []evidence.ColumnMapping{{SourceColumn: "Region", TargetField: field("region"), Confidence: 0.9}},
	}

	tests := []struct {
		name        string
		class       evidence.Classification
		detections  []evidence.DetectedEvidenceType
		tables      []evidence.TableSchemaMapping
		wantReview  bool
		wantOverall float64
		wantReason  string
	}{
		{
			name:        "confident run",
			class:       evidence.Classification{PrimaryType: "sales_volume", Confidence: 0.8},
			detections:  []evidence.DetectedEvidenceType{{EvidenceType: "sales_volume", Confidence: 1.0}},
			tables:      []evidence.TableSchemaMapping{goodTable},
			wantOverall: 0.9,
		},
		{
			name:        "low classification",
			class:       evidence.Classification{Confidence: 0.5},
			tables:      []evidence.TableSchemaMapping{goodTable},
			wantReview:  true,
			wantOverall: 0.7,
			wantReason:  "classification confidence",
		},
		{
			name:       "detection reports missing required field",
			class:      evidence.Classification{Confidence: 1},
			detections: []evidence.DetectedEvidenceType{{EvidenceType: "sales_volume", Confidence: 0.9, RequiredFieldsMissing: []string{"quantity"}}},
			tables:     []evidence.TableSchemaMapping{goodTable},
			wantReview: true, wantOverall: (1 + 0.9 + 0.9) / 3,
		},
		{
			name:  "mapped columns awaiting confirmation",
			class: evidence.Classification{Confidence: 0.9},
			tables: []evidence.TableSchemaMapping{{
				PrimaryEvidenceType: "sales_volume", PrimaryConfidence: 0.9,
				ColumnMappings: []evidence.ColumnMapping{
					{SourceColumn: "Region", TargetField: field("region"), Confidence: 1},
					{SourceColumn: "Amt", TargetField: field("quantity"), Confidence: 0.72, RequiresConfirmation: true},
				},
			}},
			wantReview:  true,
			wantOverall: 0.9,
			wantReason:  "1 column mappings need confirmation",
		},
		{
			name:        "no tables",
			class:       evidence.Classification{Confidence: 1},
			wantReview:  true,
			wantOverall: 1,
			wantReason:  "no tables",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := evidence.AssessQuality(tt.class, tt.detections, tt.tables, 0.7)
			assert.Equal(t, tt.wantReview, q.HumanReviewRequired, "reasons: %v", q.ReviewReasons)
			assert.InDelta(t, tt.wantOverall, q.OverallConfidence, 1e-9)
			if tt.wantReason != "" {
				assert.Contains(t, strings.Join(q.ReviewReasons, "\n"), tt.wantReason)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Records
// ---------------------------------------------------------------------------

func TestRecordsFromTable(t *testing.T) {
	reg := registry.MustDefault()
	p, err := evidence.NewPipeline(evidence.PipelineConfig{Registry: reg})
	require.NoError(t, err)

	tbl := evidence.Table{
		Headers: []string{"Region", "Qty", "Notes"},
		Rows:    [][]string{{"EU", " 100 ", "x"}, {"US"}},
	}
	tm, err := p.MapTable(context.Background(), tbl, 0, "sales_volume", nil)
	require.NoError(t, err)

	records := evidence.RecordsFromTable(tbl, tm)
	require.Len(t, records, 2)
	assert.Equal(t, evidence.Record{"region": "EU", "quantity": "100"}, records[0])
	assert.Equal(t, evidence.Record{"region": "US", "quantity": ""}, records[1])
}
