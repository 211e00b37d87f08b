// SPDX-License-Identifier: Apache-2.0

package evidence

import (
	"fmt"
	"sort"
)

// AssessQuality derives the document-level quality assessment. It is a pure function
// of its inputs and makes no classifier calls.
//
// Overall confidence is the mean of the classification confidence, every detection
// confidence and every table's primary confidence. Human review is required when any
// review reason, unmapped column, mapping awaiting confirmation or missing required
// field exists.
func AssessQuality(c Classification, detections []DetectedEvidenceType, tables []TableSchemaMapping, threshold float64) QualityAssessment {
	q := QualityAssessment{
		UnmappedColumns:       []string{},
		LowConfidenceMappings: []string{},
		MissingRequiredFields: []string{},
		ReviewReasons:         []string{},
	}

	scores := []float64{c.Confidence}
	if c.Confidence < threshold {
		q.ReviewReasons = append(q.ReviewReasons,
			fmt.Sprintf("document classification confidence %.2f is below %.2f", c.Confidence, threshold))
	}

	missing := make(map[string]struct{})
	for _, d := range detections {
		scores = append(scores, d.Confidence)
		if d.Confidence < threshold {
			q.ReviewReasons = append(q.ReviewReasons,
				fmt.Sprintf("detection of %s has low confidence %.2f", d.EvidenceType, d.Confidence))
		}
		for _, f := range d.RequiredFieldsMissing {
			missing[d.EvidenceType+"."+f] = struct{}{}
		}
	}

	if len(tables) == 0 {
		q.ReviewReasons = append(q.ReviewReasons, "document contains no tables to map")
	}
	for _, t := range tables {
		scores = append(scores, t.PrimaryConfidence)
		label := tableLabel(t)

		if t.HasFlag(FlagFallbackType) {
			q.ReviewReasons = append(q.ReviewReasons,
				fmt.Sprintf("%s: no detection referenced this table; mapped as fallback type %s", label, t.PrimaryEvidenceType))
		}
		if t.PrimaryConfidence < threshold {
			q.ReviewReasons = append(q.ReviewReasons,
				fmt.Sprintf("%s: mapping confidence %.2f is below %.2f", label, t.PrimaryConfidence, threshold))
		}
		for _, m := range t.ColumnMappings {
			switch {
			case !m.Mapped():
				q.UnmappedColumns = append(q.UnmappedColumns, label+"."+m.SourceColumn)
			case m.RequiresConfirmation:
				q.LowConfidenceMappings = append(q.LowConfidenceMappings,
					fmt.Sprintf("%s.%s -> %s (%.2f)", label, m.SourceColumn, m.Target(), m.Confidence))
			}
		}
		for _, f := range t.MissingRequiredFields {
			missing[t.PrimaryEvidenceType+"."+f] = struct{}{}
		}
	}

	if n := len(q.LowConfidenceMappings); n > 0 {
		q.ReviewReasons = append(q.ReviewReasons, fmt.Sprintf("%d column mappings need confirmation", n))
	}

	for k := range missing {
		q.MissingRequiredFields = append(q.MissingRequiredFields, k)
	}
	sort.Strings(q.MissingRequiredFields)

	sum := 0.0
	for _, s := range scores {
		sum += s
	}
	q.OverallConfidence = sum / float64(len(scores))
	if q.OverallConfidence < threshold {
		q.ReviewReasons = append(q.ReviewReasons,
			fmt.Sprintf("overall confidence %.2f is below %.2f", q.OverallConfidence, threshold))
	}

	q.HumanReviewRequired = len(q.ReviewReasons) > 0 || len(q.UnmappedColumns) > 0 || len(q.MissingRequiredFields) > 0
	return q
}

func tableLabel(t TableSchemaMapping) string {
	if t.TableName != "" {
		return fmt.Sprintf("table[%d:%s]", t.TableIndex, t.TableName)
	}
	return fmt.Sprintf("table[%d]", t.TableIndex)
}
