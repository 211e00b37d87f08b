// SPDX-License-Identifier: Apache-2.0

package validation

import (
	"fmt"
	"sort"

	"github.com/Smarticus81/psurRegOSv1-sub001/internal/evidence"
)

// Score deductions.
const (
	maxScore            = 100
	semanticDeduction   = 10
	crossFieldDeduction = 5
)

var severityDeduction = map[Severity]int{
	SeverityCritical: 50,
	SeverityError:    20,
	SeverityWarning:  5,
	SeverityInfo:     1,
}

// ScoreRecord scores r from 100 down: per schema flag by severity, 10 per semantic
// issue and 5 per cross-field issue, floored at 0.
func ScoreRecord(r RecordValidation) int {
	score := maxScore
	for _, f := range r.Flags {
		score -= severityDeduction[f.Severity]
	}
	score -= semanticDeduction * len(r.SemanticIssues)
	score -= crossFieldDeduction * len(r.CrossFieldIssues)
	return max(score, 0)
}

// QualityMetadata aggregates one validation batch. It is always recomputed from the
// full record set.
type QualityMetadata struct {
	SchemaConfidence      float64  `json:"schemaConfidence"`
	Completeness          float64  `json:"completeness"`
	ValidationScore       float64  `json:"validationScore"`
	HumanReviewRequired   bool     `json:"humanReviewRequired"`
	ReviewReasons         []string `json:"reviewReasons"`
	MissingRequiredFields []string `json:"missingRequiredFields"`
	IssueCategories       []string `json:"issueCategories"`
}

// BuildQualityMetadata derives the batch quality from the table mapping and every
// record validation. Review is required for any unmapped column, any required field
// missing from the mapping or from a record, mapping confidence below reviewBelow,
// any semantic issue on a record or across the batch, or any critical or error finding.
func BuildQualityMetadata(mapping evidence.TableSchemaMapping, records []RecordValidation, global []Flag, score, reviewBelow float64) QualityMetadata {
	q := QualityMetadata{
		SchemaConfidence:      mapping.PrimaryConfidence,
		ValidationScore:       score,
		ReviewReasons:         []string{},
		MissingRequiredFields: []string{},
		IssueCategories:       []string{},
	}
	if n := len(mapping.ColumnMappings); n > 0 {
		q.Completeness = float64(mapping.MappedCount()) / float64(n)
	}

	missing := make(map[string]struct{})
	for _, f := range mapping.MissingRequiredFields {
		missing[f] = struct{}{}
	}
	codes := make(map[string]struct{})
	semantic, severe := 0, 0
	for _, r := range records {
		semantic += len(r.SemanticIssues)
		for _, f := range r.AllFlags() {
			codes[f.Code] = struct{}{}
			if f.Severity == SeverityCritical || f.Severity == SeverityError {
				severe++
			}
			if f.Code == CodeRequiredFieldMissing {
				missing[f.Field] = struct{}{}
			}
		}
	}
	for _, f := range global {
		codes[f.Code] = struct{}{}
		if isSemanticFinding(f) {
			semantic++
		}
		if f.Severity == SeverityCritical || f.Severity == SeverityError {
			severe++
		}
	}
	q.MissingRequiredFields = sortedKeys(missing)
	q.IssueCategories = sortedKeys(codes)

	if unmapped := len(mapping.ColumnMappings) - mapping.MappedCount(); unmapped > 0 {
		q.ReviewReasons = append(q.ReviewReasons, fmt.Sprintf("%d unmapped columns", unmapped))
	}
	if len(q.MissingRequiredFields) > 0 {
		q.ReviewReasons = append(q.ReviewReasons, fmt.Sprintf("required fields missing: %v", q.MissingRequiredFields))
	}
	if q.SchemaConfidence < reviewBelow {
		q.ReviewReasons = append(q.ReviewReasons,
			fmt.Sprintf("mapping confidence %.2f is below %.2f", q.SchemaConfidence, reviewBelow))
	}
	if semantic > 0 {
		q.ReviewReasons = append(q.ReviewReasons, fmt.Sprintf("%d semantic issues", semantic))
	}
	if severe > 0 {
		q.ReviewReasons = append(q.ReviewReasons, fmt.Sprintf("%d critical or error findings", severe))
	}
	q.HumanReviewRequired = len(q.ReviewReasons) > 0
	return q
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
