// SPDX-License-Identifier: Apache-2.0

// Package validation checks resolved evidence records.
//
// A Validator runs four additive stages over the records of one table: per-field
// schema checks, a sampled classifier review for contextually suspicious records,
// per-category cross-field rules, and scoring. No stage aborts the run; every
// violation becomes a Flag that lowers the record score.
package validation

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Smarticus81/psurRegOSv1-sub001/internal/classifier"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/evidence"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/logging"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/registry"
)

// Severity ranks a Flag.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Validation stages, in execution order.
const (
	StageSchema     = "SCHEMA"
	StageSemantic   = "SEMANTIC"
	StageCrossField = "CROSS_FIELD"
	StageScore      = "SCORE"
)

// Defaults.
const (
	DefaultSampleSize       = 20
	DefaultSampleSeed       = 1
	DefaultGraceDays        = 90
	DefaultRecordValidScore = 60
	DefaultBatchValidScore  = 70.0
	DefaultReviewConfidence = 0.7
)

// Flag is one validation finding.
type Flag struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Field    string   `json:"field,omitempty"`
	Message  string   `json:"message"`
	Value    string   `json:"value,omitempty"`
}

// FieldValidation is the schema verdict for one field of one record.
type FieldValidation struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
	Valid bool   `json:"valid"`
	Flags []Flag `json:"flags,omitempty"`
}

// RecordValidation is the verdict for one input record. Flags hold the schema
// findings; cross-field and semantic findings are kept apart because they are
// scored differently.
type RecordValidation struct {
	Index            int               `json:"index"`
	Score            int               `json:"score"`
	Valid            bool              `json:"valid"`
	FieldValidations []FieldValidation `json:"fieldValidations"`
	Flags            []Flag            `json:"flags"`
	CrossFieldIssues []Flag            `json:"crossFieldIssues"`
	SemanticIssues   []Flag            `json:"semanticIssues"`
}

// AllFlags returns schema, cross-field and semantic findings in that order.
func (r RecordValidation) AllFlags() []Flag {
	out := make([]Flag, 0, len(r.Flags)+len(r.CrossFieldIssues)+len(r.SemanticIssues))
	out = append(out, r.Flags...)
	out = append(out, r.CrossFieldIssues...)
	return append(out, r.SemanticIssues...)
}

// HasSeverity reports whether any finding of r carries s.
func (r RecordValidation) HasSeverity(s Severity) bool {
	for _, f := range r.AllFlags() {
		if f.Severity == s {
			return true
		}
	}
	return false
}

// Typed returns the coerced values of r keyed by field name.
func (r RecordValidation) Typed() map[string]Value {
	out := make(map[string]Value, len(r.FieldValidations))
	for _, fv := range r.FieldValidations {
		out[fv.Field] = fv.Value
	}
	return out
}

// Summary counts records and findings of one run.
type Summary struct {
	TotalRecords   int `json:"totalRecords"`
	ValidRecords   int `json:"validRecords"`
	InvalidRecords int `json:"invalidRecords"`
	Critical       int `json:"critical"`
	Errors         int `json:"errors"`
	Warnings       int `json:"warnings"`
	Info           int `json:"info"`
}

func (s *Summary) count(flags []Flag) {
	for _, f := range flags {
		switch f.Severity {
		case SeverityCritical:
			s.Critical++
		case SeverityError:
			s.Errors++
		case SeverityWarning:
			s.Warnings++
		case SeverityInfo:
			s.Info++
		}
	}
}

// PeriodContext is the declared reporting period. A zero bound is open.
type PeriodContext struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ValidationResult is the complete output of Validator.Validate.
type ValidationResult struct {
	RunID        string                   `json:"runId"`
	EvidenceType string                   `json:"evidenceType"`
	TableIndex   int                      `json:"tableIndex"`
	Records      []RecordValidation       `json:"records"`
	GlobalIssues []Flag                   `json:"globalIssues"`
	Summary      Summary                  `json:"summary"`
	OverallScore float64                  `json:"overallScore"`
	Valid        bool                     `json:"valid"`
	Quality      QualityMetadata          `json:"qualityMetadata"`
	Trace        []evidence.ReasoningStep `json:"validationTrace"`
	StartedAt    time.Time                `json:"startedAt"`
	DurationMs   int64                    `json:"durationMs"`
}

// Config tunes a Validator. Zero values take the package defaults.
type Config struct {
	SampleSize       int
	SampleSeed       uint64
	GraceDays        int
	RecordValidScore int
	BatchValidScore  float64
	ReviewConfidence float64
	Prompts          classifier.PromptSource
	Logger           *logrus.Logger

	// Now is the clock for future-date checks.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.SampleSize <= 0 {
		c.SampleSize = DefaultSampleSize
	}
	if c.SampleSeed == 0 {
		c.SampleSeed = DefaultSampleSeed
	}
	if c.GraceDays <= 0 {
		c.GraceDays = DefaultGraceDays
	}
	if c.RecordValidScore <= 0 {
		c.RecordValidScore = DefaultRecordValidScore
	}
	if c.BatchValidScore <= 0 {
		c.BatchValidScore = DefaultBatchValidScore
	}
	if c.ReviewConfidence <= 0 {
		c.ReviewConfidence = DefaultReviewConfidence
	}
	if c.Prompts == nil {
		c.Prompts = classifier.DefaultPrompts()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Validator runs the validation stages. It holds no per-run state.
type Validator struct {
	registry   *registry.Registry
	classifier classifier.Classifier
	cfg        Config
	log        *logrus.Entry
}

// NewValidator creates a Validator. A nil registry uses registry.Default; a nil
// classifier skips semantic review.
func NewValidator(reg *registry.Registry, c classifier.Classifier, cfg Config) (*Validator, error) {
	if reg == nil {
		var err error
		if reg, err = registry.Default(); err != nil {
			return nil, err
		}
	}
	cfg = cfg.withDefaults()
	return &Validator{
		registry:   reg,
		classifier: c,
		cfg:        cfg,
		log:        logging.Component(cfg.Logger, "validation"),
	}, nil
}

// Validate checks records against the evidence type of mapping. The result holds
// one RecordValidation per record in input order. A cancelled ctx skips the stages
// not yet started; scoring always runs, and ctx.Err() is returned with the result.
func (v *Validator) Validate(ctx context.Context, records []evidence.Record, mapping evidence.TableSchemaMapping, period PeriodContext) (*ValidationResult, error) {
	def, ok := v.registry.Lookup(mapping.PrimaryEvidenceType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", evidence.ErrUnknownEvidenceType, mapping.PrimaryEvidenceType)
	}

	start := time.Now()
	res := &ValidationResult{
		RunID:        uuid.NewString(),
		EvidenceType: def.Type,
		TableIndex:   mapping.TableIndex,
		Records:      make([]RecordValidation, len(records)),
		GlobalIssues: []Flag{},
		StartedAt:    start,
	}
	for i := range res.Records {
		res.Records[i] = RecordValidation{
			Index:            i,
			Flags:            []Flag{},
			CrossFieldIssues: []Flag{},
			SemanticIssues:   []Flag{},
		}
	}
	log := v.log.WithFields(logrus.Fields{"run_id": res.RunID, "evidence_type": def.Type, "records": len(records)})

	stages := []struct {
		name string
		run  func(context.Context) evidence.ReasoningStep
	}{
		{StageSchema, func(context.Context) evidence.ReasoningStep {
			return v.schemaStage(res, records, def, period)
		}},
		{StageSemantic, func(ctx context.Context) evidence.ReasoningStep {
			return v.semanticStage(ctx, res, records, def, log)
		}},
		{StageCrossField, func(context.Context) evidence.ReasoningStep {
			return v.crossFieldStage(res, def)
		}},
	}

	var err error
	for _, stage := range stages {
		stageStart := time.Now()
		var step evidence.ReasoningStep
		if err = ctx.Err(); err != nil {
			step = evidence.ReasoningStep{Stage: stage.name, Output: "skipped", Reasoning: []string{"validation cancelled before " + stage.name}}
		} else {
			step = stage.run(ctx)
		}
		step.DurationMs = time.Since(stageStart).Milliseconds()
		res.Trace = append(res.Trace, step)
	}

	stageStart := time.Now()
	step := v.scoreStage(res, mapping)
	step.DurationMs = time.Since(stageStart).Milliseconds()
	res.Trace = append(res.Trace, step)

	res.DurationMs = time.Since(start).Milliseconds()
	log.WithFields(logrus.Fields{
		"valid_records": res.Summary.ValidRecords,
		"score":         res.OverallScore,
		"valid":         res.Valid,
		"review":        res.Quality.HumanReviewRequired,
		"duration_ms":   res.DurationMs,
	}).Info("validation complete")

	if err == nil {
		err = ctx.Err()
	}
	return res, err
}

func (v *Validator) schemaStage(res *ValidationResult, records []evidence.Record, def registry.EvidenceTypeDefinition, period PeriodContext) evidence.ReasoningStep {
	c := checker{now: v.cfg.Now(), period: period, grace: time.Duration(v.cfg.GraceDays) * 24 * time.Hour}
	flagged := 0
	for i, rec := range records {
		res.Records[i].FieldValidations, res.Records[i].Flags = c.record(rec, def)
		if len(res.Records[i].Flags) > 0 {
			flagged++
		}
	}
	return evidence.ReasoningStep{
		Stage:      StageSchema,
		Input:      fmt.Sprintf("%d records, %d fields", len(records), len(def.Fields)),
		Output:     fmt.Sprintf("%d records with field findings", flagged),
		Confidence: 1,
	}
}

func (v *Validator) crossFieldStage(res *ValidationResult, def registry.EvidenceTypeDefinition) evidence.ReasoningStep {
	rules := crossFieldRules[def.Category]
	flagged := 0
	for i := range res.Records {
		typed := res.Records[i].Typed()
		for _, rule := range rules {
			res.Records[i].CrossFieldIssues = append(res.Records[i].CrossFieldIssues, rule(typed)...)
		}
		if len(res.Records[i].CrossFieldIssues) > 0 {
			flagged++
		}
	}
	return evidence.ReasoningStep{
		Stage:      StageCrossField,
		Input:      fmt.Sprintf("%d records, %d rules for %s", len(res.Records), len(rules), def.Category),
		Output:     fmt.Sprintf("%d records with cross-field issues", flagged),
		Confidence: 1,
	}
}

func (v *Validator) scoreStage(res *ValidationResult, mapping evidence.TableSchemaMapping) evidence.ReasoningStep {
	res.Summary = Summary{TotalRecords: len(res.Records)}
	for i := range res.Records {
		r := &res.Records[i]
		r.Score = ScoreRecord(*r)
		r.Valid = r.Score >= v.cfg.RecordValidScore && !r.HasSeverity(SeverityCritical)
		if r.Valid {
			res.Summary.ValidRecords++
		}
		res.Summary.count(r.AllFlags())
	}
	res.Summary.InvalidRecords = res.Summary.TotalRecords - res.Summary.ValidRecords
	res.Summary.count(res.GlobalIssues)

	if res.Summary.TotalRecords > 0 {
		res.OverallScore = 100 * float64(res.Summary.ValidRecords) / float64(res.Summary.TotalRecords)
	}
	criticalGlobal := false
	for _, f := range res.GlobalIssues {
		if f.Severity == SeverityCritical {
			criticalGlobal = true
		}
	}
	res.Valid = res.Summary.TotalRecords > 0 && res.OverallScore >= v.cfg.BatchValidScore && !criticalGlobal
	res.Quality = BuildQualityMetadata(mapping, res.Records, res.GlobalIssues, res.OverallScore, v.cfg.ReviewConfidence)

	return evidence.ReasoningStep{
		Stage:      StageScore,
		Input:      fmt.Sprintf("%d records", res.Summary.TotalRecords),
		Output:     fmt.Sprintf("%d/%d valid, score %.1f, valid=%t", res.Summary.ValidRecords, res.Summary.TotalRecords, res.OverallScore, res.Valid),
		Reasoning:  append([]string(nil), res.Quality.ReviewReasons...),
		Confidence: res.OverallScore / 100,
	}
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}
