// SPDX-License-Identifier: Apache-2.0

package evidence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/sirupsen/logrus"

	"github.com/Smarticus81/psurRegOSv1-sub001/internal/classifier"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/logging"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/registry"
)

// Resolver defaults.
const (
	DefaultBatchMax                = 15
	DefaultPatternAccept           = 0.75
	DefaultKeywordAccept           = 0.6
	DefaultRefineBelow             = 0.7
	DefaultConfirmBelow            = 0.85
	DefaultClassifierMinConfidence = 0.5
	DefaultPatternSamples          = 10

	exactConfidence     = 1.0
	aliasConfidence     = 0.95
	minAliasSubstring   = 4
	minKeywordLength    = 3
	maxAlternatives     = 3
	maxCollectedSamples = 50
)

// SourceColumn is one column offered for resolution.
type SourceColumn struct {
	Name    string
	Index   int
	Samples []string
}

// ColumnsFromTable builds the resolver input for t. Samples hold the non-empty
// cells of each column in row order.
func ColumnsFromTable(t Table) []SourceColumn {
	cols := make([]SourceColumn, len(t.Headers))
	for c, h := range t.Headers {
		col := SourceColumn{Name: strings.TrimSpace(h), Index: c}
		for r := range t.Rows {
			if v := t.Cell(r, c); v != "" {
				col.Samples = append(col.Samples, v)
				if len(col.Samples) == maxCollectedSamples {
					break
				}
			}
		}
		cols[c] = col
	}
	return cols
}

// ResolverConfig tunes the cascade. Zero values take the package defaults.
type ResolverConfig struct {
	BatchMax                int
	PatternAccept           float64
	KeywordAccept           float64
	RefineBelow             float64
	ConfirmBelow            float64
	ClassifierMinConfidence float64
	PatternSamples          int
}

func (c ResolverConfig) withDefaults() ResolverConfig {
	if c.BatchMax <= 0 {
		c.BatchMax = DefaultBatchMax
	}
	if c.PatternAccept == 0 {
		c.PatternAccept = DefaultPatternAccept
	}
	if c.KeywordAccept == 0 {
		c.KeywordAccept = DefaultKeywordAccept
	}
	if c.RefineBelow == 0 {
		c.RefineBelow = DefaultRefineBelow
	}
	if c.ConfirmBelow == 0 {
		c.ConfirmBelow = DefaultConfirmBelow
	}
	if c.ClassifierMinConfidence == 0 {
		c.ClassifierMinConfidence = DefaultClassifierMinConfidence
	}
	if c.PatternSamples <= 0 {
		c.PatternSamples = DefaultPatternSamples
	}
	return c
}

// ColumnResolver maps the columns of one table onto the fields of one evidence type
// through a cascade of claim-once phases. It holds no per-run state and is safe for
// concurrent use.
type ColumnResolver struct {
	cfg        ResolverConfig
	classifier classifier.Classifier
	prompts    classifier.PromptSource
	log        *logrus.Entry
}

// NewColumnResolver creates a resolver. A nil classifier makes phases 5 and 6 degrade
// to unmapped columns.
func NewColumnResolver(c classifier.Classifier, prompts classifier.PromptSource, cfg ResolverConfig, logger *logrus.Logger) *ColumnResolver {
	if prompts == nil {
		prompts = classifier.DefaultPrompts()
	}
	return &ColumnResolver{
		cfg:        cfg.withDefaults(),
		classifier: c,
		prompts:    prompts,
		log:        logging.Component(logger, "resolver"),
	}
}

// claimState is the per-run bookkeeping. mappings[i] is nil until column i is decided.
type claimState struct {
	schema   registry.EvidenceTypeDefinition
	columns  []SourceColumn
	mappings []*ColumnMapping
	owner    map[string]int
	notes    [][]string
}

func newClaimState(columns []SourceColumn, schema registry.EvidenceTypeDefinition) *claimState {
	return &claimState{
		schema:   schema,
		columns:  columns,
		mappings: make([]*ColumnMapping, len(columns)),
		owner:    make(map[string]int),
		notes:    make([][]string, len(columns)),
	}
}

func (s *claimState) open() []int {
	var out []int
	for i, m := range s.mappings {
		if m == nil {
			out = append(out, i)
		}
	}
	return out
}

func (s *claimState) free(field string) bool {
	_, taken := s.owner[field]
	return !taken
}

func (s *claimState) freeFields() []registry.FieldDefinition {
	var out []registry.FieldDefinition
	for _, f := range s.schema.Fields {
		if s.free(f.Name) {
			out = append(out, f)
		}
	}
	return out
}

func (s *claimState) note(pos int, format string, args ...any) {
	s.notes[pos] = append(s.notes[pos], fmt.Sprintf(format, args...))
}

// set records the decision for pos, claiming its target if any.
func (s *claimState) set(pos int, m ColumnMapping) {
	s.mappings[pos] = &m
	if m.TargetField != nil {
		s.owner[*m.TargetField] = pos
	}
}

func (s *claimState) release(field string) {
	delete(s.owner, field)
}

func (r *ColumnResolver) mapping(col SourceColumn, evidenceType, field string, confidence float64, method Method, reasoning string) ColumnMapping {
	confidence = classifier.Clamp01(confidence)
	m := ColumnMapping{
		SourceColumn:         col.Name,
		SourceIndex:          col.Index,
		TargetEvidenceType:   evidenceType,
		Confidence:           confidence,
		Method:               method,
		Reasoning:            reasoning,
		RequiresConfirmation: confidence < r.cfg.ConfirmBelow,
	}
	if field != "" {
		f := field
		m.TargetField = &f
	}
	return m
}

func (r *ColumnResolver) unmapped(col SourceColumn, evidenceType, reasoning string) ColumnMapping {
	m := r.mapping(col, evidenceType, "", 0, MethodUnmapped, reasoning)
	m.RequiresConfirmation = true
	return m
}

// Resolve maps every column onto at most one field of schema. hints pins columns
// (by name) to fields and is applied first. The result has one entry per column in
// input order. A cancelled ctx stops the cascade between phases; remaining columns
// are returned unmapped together with ctx.Err().
func (r *ColumnResolver) Resolve(ctx context.Context, columns []SourceColumn, schema registry.EvidenceTypeDefinition, hints map[string]string) ([]ColumnMapping, error) {
	s := newClaimState(columns, schema)

	phases := []struct {
		name string
		run  func(context.Context, *claimState)
	}{
		{"user_hints", func(_ context.Context, s *claimState) { r.applyHints(s, hints) }},
		{"exact_alias", func(_ context.Context, s *claimState) { r.matchExactAlias(s) }},
		{"sample_pattern", func(_ context.Context, s *claimState) { r.matchSamplePatterns(s) }},
		{"semantic_keyword", func(_ context.Context, s *claimState) { r.matchKeywords(s) }},
		{"classifier_inference", r.inferWithClassifier},
		{"refinement", r.refine},
	}

	var err error
	for _, phase := range phases {
		if err = ctx.Err(); err != nil {
			for _, pos := range s.open() {
				s.note(pos, "resolution cancelled before %s", phase.name)
			}
			break
		}
		before := len(s.open())
		phase.run(ctx, s)
		r.log.WithFields(logrus.Fields{
			"phase":         phase.name,
			"evidence_type": schema.Type,
			"decided":       before - len(s.open()),
			"open":          len(s.open()),
		}).Debug("resolver phase complete")
	}

	r.finalize(s)

	out := make([]ColumnMapping, len(s.mappings))
	for i, m := range s.mappings {
		out[i] = *m
	}
	return out, err
}

// OverallConfidence is the mean confidence over mapped columns, or 0 when none are.
func OverallConfidence(mappings []ColumnMapping) float64 {
	sum, n := 0.0, 0
	for _, m := range mappings {
		if m.Mapped() {
			sum += m.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// ---------------------------------------------------------------------------
// Phase 1: user hints
// ---------------------------------------------------------------------------

func (r *ColumnResolver) applyHints(s *claimState, hints map[string]string) {
	if len(hints) == 0 {
		return
	}
	for pos, col := range s.columns {
		target, ok := hints[col.Name]
		if !ok || s.mappings[pos] != nil {
			continue
		}
		if _, known := s.schema.Field(target); !known {
			s.note(pos, "hint %q ignored: not a field of %s", target, s.schema.Type)
			continue
		}
		if !s.free(target) {
			s.note(pos, "hint %q ignored: already provided for another column", target)
			continue
		}
		s.set(pos, r.mapping(col, s.schema.Type, target, 1.0, MethodUserProvided, "mapping provided by user"))
	}
}

// ---------------------------------------------------------------------------
// Phase 2: exact and alias match
// ---------------------------------------------------------------------------

func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func fieldTerms(f registry.FieldDefinition) []string {
	terms := make([]string, 0, len(f.Aliases)+1)
	terms = append(terms, normalize(f.Name))
	for _, a := range f.Aliases {
		if n := normalize(a); n != "" {
			terms = append(terms, n)
		}
	}
	return terms
}

func (r *ColumnResolver) matchExactAlias(s *claimState) {
	// Equality first across all columns so a substring hit cannot steal a field
	// another column names exactly.
	for _, pos := range s.open() {
		col := s.columns[pos]
		norm := normalize(col.Name)
		if norm == "" {
			continue
		}
		for _, f := range s.freeFields() {
			for _, term := range fieldTerms(f) {
				if term == norm {
					reason := fmt.Sprintf("column name %q equals field %q or one of its aliases", col.Name, f.Name)
					s.set(pos, r.mapping(col, s.schema.Type, f.Name, exactConfidence, MethodExactMatch, reason))
					break
				}
			}
			if s.mappings[pos] != nil {
				break
			}
		}
	}

	for _, pos := range s.open() {
		col := s.columns[pos]
		norm := normalize(col.Name)
		if norm == "" {
			continue
		}
		best, bestTerm := "", ""
		for _, f := range s.freeFields() {
			for _, term := range fieldTerms(f) {
				if len(term) < minAliasSubstring || !strings.Contains(norm, term) {
					continue
				}
				if len(term) > len(bestTerm) {
					best, bestTerm = f.Name, term
				}
			}
		}
		if best != "" {
			reason := fmt.Sprintf("column name %q contains alias %q of field %q", col.Name, bestTerm, best)
			s.set(pos, r.mapping(col, s.schema.Type, best, aliasConfidence, MethodExactMatch, reason))
		}
	}
}

// ---------------------------------------------------------------------------
// Phase 3: sample-value pattern match
// ---------------------------------------------------------------------------

type scored struct {
	field string
	score float64
	order int
}

func rank(cands []scored) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].order < cands[j].order
	})
}

func alternatives(cands []scored) []Alternative {
	var out []Alternative
	for _, c := range cands {
		if len(out) == maxAlternatives {
			break
		}
		out = append(out, Alternative{Field: c.field, Confidence: c.score})
	}
	return out
}

func (r *ColumnResolver) matchSamplePatterns(s *claimState) {
	for _, pos := range s.open() {
		col := s.columns[pos]
		samples := col.Samples
		if len(samples) > r.cfg.PatternSamples {
			samples = samples[:r.cfg.PatternSamples]
		}
		if len(samples) == 0 {
			continue
		}

		var cands []scored
		for i, f := range s.freeFields() {
			if !f.HasValuePattern() {
				continue
			}
			hits := 0
			for _, v := range samples {
				if f.MatchesValue(v) {
					hits++
				}
			}
			if hits == 0 {
				continue
			}
			rate := float64(hits) / float64(len(samples))
			cands = append(cands, scored{field: f.Name, score: 0.6 + 0.35*rate, order: i})
		}
		if len(cands) == 0 {
			continue
		}
		rank(cands)
		best := cands[0]
		if best.score < r.cfg.PatternAccept {
			s.note(pos, "best sample pattern %q scored %.2f, below %.2f", best.field, best.score, r.cfg.PatternAccept)
			continue
		}
		reason := fmt.Sprintf("%d sample values fit the value patterns of %q", len(samples), best.field)
		m := r.mapping(col, s.schema.Type, best.field, best.score, MethodSamplePattern, reason)
		m.Alternatives = alternatives(cands[1:])
		s.set(pos, m)
	}
}

// ---------------------------------------------------------------------------
// Phase 4: semantic keyword match
// ---------------------------------------------------------------------------

func (r *ColumnResolver) matchKeywords(s *claimState) {
	for _, pos := range s.open() {
		col := s.columns[pos]
		norm := normalize(col.Name)
		if norm == "" {
			continue
		}

		var cands []scored
		for i, f := range s.freeFields() {
			count := 0
			for _, hint := range f.SemanticHints {
				h := normalize(hint)
				if len(h) >= minKeywordLength && strings.Contains(norm, h) {
					count++
				}
			}
			if count == 0 {
				continue
			}
			score := 0.5 + 0.15*float64(count)
			if score > 0.9 {
				score = 0.9
			}
			cands = append(cands, scored{field: f.Name, score: score, order: i})
		}
		if len(cands) == 0 {
			continue
		}
		rank(cands)
		best := cands[0]
		if best.score < r.cfg.KeywordAccept {
			continue
		}
		reason := fmt.Sprintf("column name %q contains semantic keywords of %q", col.Name, best.field)
		m := r.mapping(col, s.schema.Type, best.field, best.score, MethodSemanticKeyword, reason)
		m.Alternatives = alternatives(cands[1:])
		s.set(pos, m)
	}
}

// ---------------------------------------------------------------------------
// Phase 7: terminal
// ---------------------------------------------------------------------------

func (r *ColumnResolver) finalize(s *claimState) {
	for _, pos := range s.open() {
		reason := "no resolution strategy matched this column"
		if len(s.notes[pos]) > 0 {
			reason += "; " + strings.Join(s.notes[pos], "; ")
		}
		s.set(pos, r.unmapped(s.columns[pos], s.schema.Type, reason))
	}
}
