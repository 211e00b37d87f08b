// SPDX-License-Identifier: Apache-2.0

package validation_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Smarticus81/psurRegOSv1-sub001/internal/classifier"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/evidence"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/registry"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/validation"
)

var fixedNow = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func newValidator(t *testing.T, c classifier.Classifier, cfg validation.Config) *validation.Validator {
	t.Helper()
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return fixedNow }
	}
	v, err := validation.NewValidator(nil, c, cfg)
	require.NoError(t, err)
	return v
}

// mappingFor builds a fully mapped table mapping over fields.
func mappingFor(typeID string, confidence float64, fields ...string) evidence.TableSchemaMapping {
	tm := evidence.TableSchemaMapping{PrimaryEvidenceType: typeID, PrimaryConfidence: confidence}
	for i, f := range fields {
		target := f
		tm.ColumnMappings = append(tm.ColumnMappings, evidence.ColumnMapping{
			SourceColumn: f, SourceIndex: i, TargetField: &target, Confidence: confidence,
		})
	}
	return tm
}

func codes(flags []validation.Flag) []string {
	out := []string{}
	for _, f := range flags {
		out = append(out, f.Code)
	}
	return out
}

func with(base evidence.Record, kv ...string) evidence.Record {
	rec := make(evidence.Record, len(base)+len(kv)/2)
	for k, v := range base {
		rec[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		rec[kv[i]] = kv[i+1]
	}
	return rec
}

var (
	complaintBase = evidence.Record{"complaintId": "CCR-2024-001", "complaintDate": "2024-03-01", "description": "Cracked housing"}
	salesBase     = evidence.Record{"region": "EU", "quantity": "100", "periodStart": "2024-01-01", "periodEnd": "2024-06-30"}
	incidentBase  = evidence.Record{
		"incidentId": "INC-2024-01", "incidentDate": "2024-02-02", "description": "Alarm did not sound",
		"patientOutcome": "No injury", "imdrfCode": "A0101",
	}
	capaBase = evidence.Record{"capaId": "CAPA-2024-01", "openDate": "2024-01-10", "description": "Seal supplier change"}
)

// ---------------------------------------------------------------------------
// Schema validation
// ---------------------------------------------------------------------------

func TestValidate_FieldChecks(t *testing.T) {
	tests := []struct {
		name      string
		typeID    string
		record    evidence.Record
		wantCodes []string
	}{
		{"clean complaint", "complaint_record", complaintBase, []string{}},
		{"required field empty", "complaint_record", with(complaintBase, "description", "  "), []string{validation.CodeRequiredFieldMissing}},
		{"required field absent", "sales_volume", evidence.Record{"region": "EU", "periodStart": "2024-01-01", "periodEnd": "2024-06-30"}, []string{validation.CodeRequiredFieldMissing}},
		{"enum case-insensitive", "complaint_record", with(complaintBase, "severity", "high"), []string{}},
		{"enum invalid", "complaint_record", with(complaintBase, "severity", "severe"), []string{validation.CodeInvalidEnumValue}},
		{"too short", "complaint_record", with(complaintBase, "description", "ok"), []string{validation.CodeTooShort}},
		{"thousands separator", "sales_volume", with(salesBase, "quantity", "1,200"), []string{}},
		{"not a number", "sales_volume", with(salesBase, "quantity", "lots"), []string{validation.CodeInvalidNumber}},
		{"below minimum", "sales_volume", with(salesBase, "quantity", "-5"), []string{validation.CodeBelowMinimum}},
		{"not a date", "sales_volume", with(salesBase, "periodEnd", "end of June"), []string{validation.CodeInvalidDate}},
		{"boolean", "serious_incident_record", with(incidentBase, "reportedToAuthority", "Yes"), []string{}},
		{"invalid boolean", "serious_incident_record", with(incidentBase, "reportedToAuthority", "maybe"), []string{validation.CodeInvalidBoolean}},
		{"pattern mismatch", "serious_incident_record", with(incidentBase, "imdrfCode", "Z99"), []string{validation.CodePatternMismatch}},
		{"optional empty", "complaint_record", with(complaintBase, "rootCause", ""), []string{}},
	}

	v := newValidator(t, nil, validation.Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := v.Validate(context.Background(), []evidence.Record{tt.record}, mappingFor(tt.typeID, 1), validation.PeriodContext{})
			require.NoError(t, err)
			require.Len(t, res.Records, 1)
			assert.Equal(t, tt.wantCodes, codes(res.Records[0].Flags))
		})
	}
}

func TestValidate_CoercedValues(t *testing.T) {
	v := newValidator(t, nil, validation.Config{})
	res, err := v.Validate(context.Background(),
		[]evidence.Record{with(salesBase, "quantity", "1,200.50")},
		mappingFor("sales_volume", 1), validation.PeriodContext{})
	require.NoError(t, err)

	typed := res.Records[0].Typed()
	require.NotNil(t, typed["quantity"].Number)
	assert.True(t, typed["quantity"].Number.Equal(decimal.RequireFromString("1200.5")))
	require.NotNil(t, typed["periodStart"].Date)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), *typed["periodStart"].Date)
	assert.NotContains(t, typed, "deviceName", "absent optional fields are not validated")
}

func TestValidate_DateChecks(t *testing.T) {
	period := validation.PeriodContext{
		Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC),
	}

	tests := []struct {
		name     string
		date     string
		period   validation.PeriodContext
		wantCode []string
		wantSev  []validation.Severity
	}{
		{"future date", "2099-01-01", validation.PeriodContext{}, []string{validation.CodeFutureDate}, []validation.Severity{validation.SeverityWarning}},
		{"120 days after period", "2024-10-28", period, []string{validation.CodeDateOutsidePeriod}, []validation.Severity{validation.SeverityInfo}},
		{"120 days before period", "2023-09-03", period, []string{validation.CodeDateOutsidePeriod}, []validation.Severity{validation.SeverityInfo}},
		{"within grace window", "2024-08-29", period, []string{}, []validation.Severity{}},
		{"inside period", "2024-03-01", period, []string{}, []validation.Severity{}},
		{"too old", "1985-05-05", validation.PeriodContext{}, []string{validation.CodeDateTooOld}, []validation.Severity{validation.SeverityWarning}},
		{"us layout", "3/1/2024", period, []string{}, []validation.Severity{}},
	}

	v := newValidator(t, nil, validation.Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := v.Validate(context.Background(),
				[]evidence.Record{with(complaintBase, "complaintDate", tt.date)},
				mappingFor("complaint_record", 1), tt.period)
			require.NoError(t, err)

			flags := res.Records[0].Flags
			assert.Equal(t, tt.wantCode, codes(flags))
			sev := []validation.Severity{}
			for _, f := range flags {
				sev = append(sev, f.Severity)
			}
			assert.Equal(t, tt.wantSev, sev)
			assert.True(t, res.Records[0].Valid, "date warnings never invalidate a record on their own")
		})
	}
}

func TestValidate_NegativeQuantityWithoutMinimum(t *testing.T) {
	reg, err := registry.New(registry.EvidenceTypeDefinition{
		Type:     "shipment",
		Category: "logistics",
		Fields:   []registry.FieldDefinition{{Name: "unitsShipped", DataType: registry.TypeNumber, Required: true}},
	})
	require.NoError(t, err)
	v, err := validation.NewValidator(reg, nil, validation.Config{})
	require.NoError(t, err)

	res, err := v.Validate(context.Background(), []evidence.Record{{"unitsShipped": "-3"}}, mappingFor("shipment", 1, "unitsShipped"), validation.PeriodContext{})
	require.NoError(t, err)
	require.Len(t, res.Records[0].Flags, 1)
	assert.Equal(t, validation.CodeNegativeQuantity, res.Records[0].Flags[0].Code)
	assert.Equal(t, validation.SeverityWarning, res.Records[0].Flags[0].Severity)
	assert.Equal(t, 95, res.Records[0].Score)
}

// ---------------------------------------------------------------------------
// Cross-field validation
// ---------------------------------------------------------------------------

func TestValidate_CrossFieldRules(t *testing.T) {
	tests := []struct {
		name      string
		typeID    string
		record    evidence.Record
		wantCodes []string
	}{
		{"global region with country", "sales_volume", with(salesBase, "region", "Global", "country", "Germany"), []string{validation.CodeGlobalRegionSpecificCountry}},
		{"global region with all countries", "sales_volume", with(salesBase, "region", "GLOBAL", "country", "All"), []string{}},
		{"period start after end", "sales_volume", with(salesBase, "periodStart", "2024-07-01"), []string{validation.CodePeriodStartAfterEnd}},
		{"severe complaint without outcome", "complaint_record", with(complaintBase, "severity", "High"), []string{validation.CodeSevereComplaintNoOutcome}},
		{"severe complaint with outcome", "complaint_record", with(complaintBase, "severity", "Critical", "patientOutcome", "Minor burn"), []string{}},
		{"low complaint without outcome", "complaint_record", with(complaintBase, "severity", "Low"), []string{}},
		{"complaint closed before received", "complaint_record", with(complaintBase, "closedDate", "2024-02-01"), []string{validation.CodeClosedBeforeOpened}},
		{"incident missing outcome and code", "serious_incident_record", with(incidentBase, "patientOutcome", "", "imdrfCode", ""), []string{
			validation.CodeIncidentNoPatientOutcome, validation.CodeIncidentNoIMDRFCode,
		}},
		{"capa closed before opened", "capa_record", with(capaBase, "closeDate", "2023-12-01"), []string{validation.CodeClosedBeforeOpened}},
	}

	v := newValidator(t, nil, validation.Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := v.Validate(context.Background(), []evidence.Record{tt.record}, mappingFor(tt.typeID, 1), validation.PeriodContext{})
			require.NoError(t, err)
			assert.Equal(t, tt.wantCodes, codes(res.Records[0].CrossFieldIssues))
		})
	}
}

func TestValidate_SevereComplaintScenario(t *testing.T) {
	v := newValidator(t, nil, validation.Config{})
	rec := with(complaintBase, "severity", "Critical")

	res, err := v.Validate(context.Background(), []evidence.Record{rec},
		mappingFor("complaint_record", 1, "complaintId", "complaintDate", "description", "severity"), validation.PeriodContext{})
	require.NoError(t, err)

	r := res.Records[0]
	require.Len(t, r.CrossFieldIssues, 1)
	assert.Equal(t, validation.SeverityWarning, r.CrossFieldIssues[0].Severity)
	assert.Empty(t, r.Flags)
	assert.Equal(t, 95, r.Score)
	assert.True(t, r.Valid)

	assert.True(t, res.Valid)
	assert.InDelta(t, 100, res.OverallScore, 1e-9)
	assert.Equal(t, 1, res.Summary.Warnings)
	assert.Equal(t, 1, res.Summary.Info, "skipped semantic review is reported")
	assert.False(t, res.Quality.HumanReviewRequired, "reasons: %v", res.Quality.ReviewReasons)
	assert.Equal(t, []string{validation.CodeSemanticSkipped, validation.CodeSevereComplaintNoOutcome}, res.Quality.IssueCategories)
}

// ---------------------------------------------------------------------------
// Semantic validation
// ---------------------------------------------------------------------------

func TestValidate_SemanticFindingsMapBack(t *testing.T) {
	var got classifier.Request
	c := classifier.Func(func(_ context.Context, req classifier.Request) (string, error) {
		got = req
		return `{"recordIssues":[
			{"sampleIndex":4,"field":"description","code":"templated_text","severity":"critical","message":"same text as other rows"},
			{"sampleIndex":99,"message":"out of range"}
		],"globalIssues":[{"message":"many identical descriptions"}]}`, nil
	})
	v := newValidator(t, c, validation.Config{SampleSize: 5})

	records := make([]evidence.Record, 50)
	for i := range records {
		records[i] = complaintBase
	}
	res, err := v.Validate(context.Background(), records, mappingFor("complaint_record", 1, "complaintId", "complaintDate", "description"), validation.PeriodContext{})
	require.NoError(t, err)

	assert.Equal(t, classifier.StageSemantic, got.Stage)
	assert.Contains(t, got.Prompt, `"sampleIndex": 4`)

	last := res.Records[49]
	require.Len(t, last.SemanticIssues, 1, "sample index 4 is the last record")
	issue := last.SemanticIssues[0]
	assert.Equal(t, "TEMPLATED_TEXT", issue.Code)
	assert.Equal(t, validation.SeverityError, issue.Severity, "classifier findings are capped below critical")
	assert.Equal(t, 90, last.Score)
	assert.True(t, last.Valid)

	for i := 0; i < 49; i++ {
		assert.Empty(t, res.Records[i].SemanticIssues)
	}

	require.Len(t, res.GlobalIssues, 1)
	assert.Equal(t, validation.CodeSemanticAnomaly, res.GlobalIssues[0].Code)
	assert.Equal(t, validation.SeverityWarning, res.GlobalIssues[0].Severity)
	assert.True(t, res.Quality.HumanReviewRequired)
	assert.Contains(t, res.Trace[1].Reasoning, "ignored issue for unknown sample index 99")
}

func TestValidate_SemanticFailureDegrades(t *testing.T) {
	c := classifier.Func(func(context.Context, classifier.Request) (string, error) {
		return "", errors.New("provider outage")
	})
	v := newValidator(t, c, validation.Config{})

	res, err := v.Validate(context.Background(), []evidence.Record{complaintBase}, mappingFor("complaint_record", 1, "complaintId"), validation.PeriodContext{})
	require.NoError(t, err, "classifier failure is never fatal")

	require.Len(t, res.GlobalIssues, 1)
	assert.Equal(t, validation.CodeSemanticUnavailable, res.GlobalIssues[0].Code)
	assert.Equal(t, validation.SeverityWarning, res.GlobalIssues[0].Severity)
	assert.Contains(t, res.GlobalIssues[0].Message, "provider outage")
	assert.Empty(t, res.Records[0].SemanticIssues)
	assert.Equal(t, 100, res.Records[0].Score)
	assert.True(t, res.Valid)
}

func TestValidate_BatchSemanticIssueRequiresReview(t *testing.T) {
	c := classifier.Func(func(context.Context, classifier.Request) (string, error) {
		return `{"recordIssues":[],"globalIssues":[{"code":"TEMPLATED_TEXT","severity":"warning","message":"descriptions look copied"}]}`, nil
	})
	v := newValidator(t, c, validation.Config{})

	records := []evidence.Record{complaintBase, with(complaintBase, "complaintId", "CCR-2024-002")}
	res, err := v.Validate(context.Background(), records, mappingFor("complaint_record", 1, "complaintId", "complaintDate", "description"), validation.PeriodContext{})
	require.NoError(t, err)

	assert.Equal(t, []string{"TEMPLATED_TEXT"}, codes(res.GlobalIssues))
	assert.True(t, res.Valid)
	assert.True(t, res.Quality.HumanReviewRequired)
	assert.Equal(t, []string{"1 semantic issues"}, res.Quality.ReviewReasons)
}

func TestValidate_UnavailableSemanticStageIsNotAnIssue(t *testing.T) {
	c := classifier.Func(func(context.Context, classifier.Request) (string, error) {
		return "", errors.New("provider outage")
	})
	v := newValidator(t, c, validation.Config{})

	res, err := v.Validate(context.Background(), []evidence.Record{complaintBase}, mappingFor("complaint_record", 1, "complaintId", "complaintDate", "description"), validation.PeriodContext{})
	require.NoError(t, err)
	assert.False(t, res.Quality.HumanReviewRequired, "reasons: %v", res.Quality.ReviewReasons)
}

func TestSampleIndices(t *testing.T) {
	t.Run("small input is taken whole", func(t *testing.T) {
		assert.Equal(t, []int{0, 1, 2}, validation.SampleIndices(3, 20, rand.New(rand.NewPCG(1, 2))))
	})

	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, validation.SampleIndices(0, 20, nil))
		assert.Nil(t, validation.SampleIndices(5, 0, nil))
	})

	t.Run("deterministic without rng", func(t *testing.T) {
		assert.Equal(t, []int{0, 1, 4, 9}, validation.SampleIndices(10, 4, nil))
	})

	t.Run("seeded", func(t *testing.T) {
		a := validation.SampleIndices(1000, 20, rand.New(rand.NewPCG(7, 7)))
		b := validation.SampleIndices(1000, 20, rand.New(rand.NewPCG(7, 7)))
		assert.Equal(t, a, b, "same seed, same sample")

		require.Len(t, a, 20)
		assert.True(t, sort.IntsAreSorted(a))
		assert.Equal(t, 0, a[0])
		assert.Equal(t, 999, a[len(a)-1])
		for k := 1; k < 10; k++ {
			assert.Contains(t, a, k*999/10, "evenly spaced index")
		}
		seen := map[int]bool{}
		for _, i := range a {
			assert.False(t, seen[i], "duplicate index %d", i)
			seen[i] = true
		}
	})
}

// ---------------------------------------------------------------------------
// Scoring and quality
// ---------------------------------------------------------------------------

func TestScoreRecord(t *testing.T) {
	flag := func(s validation.Severity) validation.Flag { return validation.Flag{Code: "X", Severity: s} }

	tests := []struct {
		name   string
		record validation.RecordValidation
		want   int
	}{
		{"clean", validation.RecordValidation{}, 100},
		{"one of each severity", validation.RecordValidation{Flags: []validation.Flag{
			flag(validation.SeverityCritical), flag(validation.SeverityError), flag(validation.SeverityWarning), flag(validation.SeverityInfo),
		}}, 24},
		{"semantic and cross-field", validation.RecordValidation{
			SemanticIssues:   []validation.Flag{flag(validation.SeverityWarning)},
			CrossFieldIssues: []validation.Flag{flag(validation.SeverityError), flag(validation.SeverityWarning)},
		}, 80},
		{"floored at zero", validation.RecordValidation{Flags: []validation.Flag{
			flag(validation.SeverityCritical), flag(validation.SeverityCritical), flag(validation.SeverityError),
		}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, validation.ScoreRecord(tt.record))
		})
	}
}

func TestValidate_BatchValidity(t *testing.T) {
	v := newValidator(t, nil, validation.Config{})
	records := []evidence.Record{complaintBase, {}, {"deviceName": "Pump"}}

	tm := mappingFor("complaint_record", 0.6, "complaintId", "complaintDate", "description")
	tm.ColumnMappings = append(tm.ColumnMappings, evidence.ColumnMapping{SourceColumn: "Notes", SourceIndex: 3})

	res, err := v.Validate(context.Background(), records, tm, validation.PeriodContext{})
	require.NoError(t, err)

	assert.Equal(t, 100, res.Records[0].Score)
	assert.Equal(t, 40, res.Records[1].Score)
	assert.False(t, res.Records[1].Valid)
	assert.False(t, res.Records[2].Valid)

	assert.Equal(t, 1, res.Summary.ValidRecords)
	assert.Equal(t, 2, res.Summary.InvalidRecords)
	assert.Equal(t, 6, res.Summary.Errors)
	assert.InDelta(t, 100.0/3, res.OverallScore, 1e-9)
	assert.False(t, res.Valid)

	q := res.Quality
	assert.InDelta(t, 0.6, q.SchemaConfidence, 1e-9)
	assert.InDelta(t, 0.75, q.Completeness, 1e-9)
	assert.InDelta(t, res.OverallScore, q.ValidationScore, 1e-9)
	assert.Equal(t, []string{"complaintDate", "complaintId", "description"}, q.MissingRequiredFields)
	assert.True(t, q.HumanReviewRequired)
	assert.Len(t, q.ReviewReasons, 4, "unmapped, missing, low confidence, errors: %v", q.ReviewReasons)
}

func TestValidate_EmptyBatch(t *testing.T) {
	v := newValidator(t, nil, validation.Config{})
	res, err := v.Validate(context.Background(), nil, mappingFor("sales_volume", 1, "region"), validation.PeriodContext{})
	require.NoError(t, err)

	assert.Empty(t, res.Records)
	assert.Zero(t, res.OverallScore)
	assert.False(t, res.Valid)
	assert.Len(t, res.Trace, 4)
}

func TestValidate_Idempotent(t *testing.T) {
	c := classifier.Func(func(context.Context, classifier.Request) (string, error) {
		return `{"recordIssues":[{"sampleIndex":0,"message":"placeholder"}],"globalIssues":[]}`, nil
	})
	v := newValidator(t, c, validation.Config{SampleSize: 3})

	records := []evidence.Record{
		with(salesBase, "region", "Global", "country", "France"),
		with(salesBase, "quantity", "-1"),
		with(salesBase, "periodEnd", "2099-12-31"),
		salesBase,
		with(salesBase, "quantity", "n/a"),
	}
	period := validation.PeriodContext{Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)}
	tm := mappingFor("sales_volume", 0.9, "region", "country", "quantity", "periodStart", "periodEnd")

	first, err := v.Validate(context.Background(), records, tm, period)
	require.NoError(t, err)
	second, err := v.Validate(context.Background(), records, tm, period)
	require.NoError(t, err)

	opt := cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) })
	assert.Empty(t, cmp.Diff(first.Records, second.Records, opt))
	assert.Empty(t, cmp.Diff(first.GlobalIssues, second.GlobalIssues))
	assert.Equal(t, first.Summary, second.Summary)
	assert.Equal(t, first.Quality, second.Quality)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestValidate_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v := newValidator(t, nil, validation.Config{})
	res, err := v.Validate(ctx, []evidence.Record{complaintBase, {}}, mappingFor("complaint_record", 1), validation.PeriodContext{})
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)

	require.Len(t, res.Records, 2, "result stays complete")
	require.Len(t, res.Trace, 4)
	for _, step := range res.Trace[:3] {
		assert.Equal(t, "skipped", step.Output)
	}
	assert.Equal(t, validation.StageScore, res.Trace[3].Stage)
}

func TestValidate_UnknownEvidenceType(t *testing.T) {
	v := newValidator(t, nil, validation.Config{})
	_, err := v.Validate(context.Background(), nil, mappingFor("nope", 1), validation.PeriodContext{})
	assert.ErrorIs(t, err, evidence.ErrUnknownEvidenceType)
}
