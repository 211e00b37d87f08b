// SPDX-License-Identifier: Apache-2.0

package evidence

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Smarticus81/psurRegOSv1-sub001/internal/classifier"
)

// mappingVerdict is one classifier answer for one column.
type mappingVerdict struct {
	SourceColumn string  `json:"sourceColumn"`
	SourceIndex  *int    `json:"sourceIndex"`
	TargetField  *string `json:"targetField"`
	Confidence   float64 `json:"confidence"`
	Reasoning    string  `json:"reasoning"`
}

func (v mappingVerdict) target() string {
	if v.TargetField == nil {
		return ""
	}
	t := strings.TrimSpace(*v.TargetField)
	if strings.EqualFold(t, "null") || strings.EqualFold(t, "none") {
		return ""
	}
	return t
}

type batchVerdict struct {
	ColumnMappings []mappingVerdict `json:"columnMappings"`
}

// ---------------------------------------------------------------------------
// Phase 5: classifier-assisted inference
// ---------------------------------------------------------------------------

func (r *ColumnResolver) inferWithClassifier(ctx context.Context, s *claimState) {
	open := s.open()
	if len(open) == 0 {
		return
	}
	if len(s.freeFields()) == 0 {
		for _, pos := range open {
			s.note(pos, "every field of %s is already claimed", s.schema.Type)
		}
		return
	}

	if len(open) > 1 && len(open) <= r.cfg.BatchMax {
		r.inferBatch(ctx, s, open)
		return
	}
	for _, pos := range open {
		r.inferSingle(ctx, s, pos)
	}
}

func (r *ColumnResolver) inferBatch(ctx context.Context, s *claimState, open []int) {
	req := classifier.Request{
		Stage:     classifier.StageMap,
		System:    classifier.SystemPrompt(r.prompts, classifier.StageMap),
		Prompt:    mapColumnsPrompt(s, open, s.freeFields()),
		MaxTokens: 4096,
	}
	verdict, err := classifier.Call[batchVerdict](ctx, r.classifier, req)
	if err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"evidence_type": s.schema.Type,
			"columns":       len(open),
		}).Warn("batched column inference failed")
		for _, pos := range open {
			s.set(pos, r.unmapped(s.columns[pos], s.schema.Type, fmt.Sprintf("classifier inference failed: %v", err)))
		}
		return
	}

	pending := make(map[int]bool, len(open))
	for _, pos := range open {
		pending[pos] = true
	}
	// Response order decides conflicts: the first column to propose a field keeps it.
	for _, v := range verdict.ColumnMappings {
		pos, ok := verdictColumn(s, open, pending, v)
		if !ok {
			continue
		}
		delete(pending, pos)
		r.applyVerdict(s, pos, v)
	}
	for _, pos := range open {
		if pending[pos] {
			s.note(pos, "classifier returned no verdict for this column")
		}
	}
}

func (r *ColumnResolver) inferSingle(ctx context.Context, s *claimState, pos int) {
	fields := s.freeFields()
	if len(fields) == 0 {
		s.note(pos, "every field of %s is already claimed", s.schema.Type)
		return
	}
	req := classifier.Request{
		Stage:     classifier.StageMap,
		System:    classifier.SystemPrompt(r.prompts, classifier.StageMap),
		Prompt:    mapColumnPrompt(s, pos, fields),
		MaxTokens: 1024,
	}
	v, err := classifier.Call[mappingVerdict](ctx, r.classifier, req)
	if err != nil {
		r.log.WithError(err).WithFields(logrus.Fields{
			"evidence_type": s.schema.Type,
			"column":        s.columns[pos].Name,
		}).Warn("column inference failed")
		s.set(pos, r.unmapped(s.columns[pos], s.schema.Type, fmt.Sprintf("classifier inference failed: %v", err)))
		return
	}
	r.applyVerdict(s, pos, v)
}

// verdictColumn locates the still-pending column a verdict refers to, by index when
// given and otherwise by name.
func verdictColumn(s *claimState, open []int, pending map[int]bool, v mappingVerdict) (int, bool) {
	if v.SourceIndex != nil {
		for _, pos := range open {
			if pending[pos] && s.columns[pos].Index == *v.SourceIndex {
				return pos, true
			}
		}
	}
	name := strings.TrimSpace(v.SourceColumn)
	for _, pos := range open {
		if pending[pos] && s.columns[pos].Name == name {
			return pos, true
		}
	}
	for _, pos := range open {
		if pending[pos] && strings.EqualFold(s.columns[pos].Name, name) {
			return pos, true
		}
	}
	return 0, false
}

func (r *ColumnResolver) applyVerdict(s *claimState, pos int, v mappingVerdict) {
	col := s.columns[pos]
	target := v.target()
	confidence := classifier.Clamp01(v.Confidence)

	if target == "" {
		if v.Reasoning != "" {
			s.note(pos, "classifier found no matching field: %s", v.Reasoning)
		} else {
			s.note(pos, "classifier found no matching field")
		}
		return
	}
	if _, known := s.schema.Field(target); !known {
		s.set(pos, r.unmapped(col, s.schema.Type,
			fmt.Sprintf("classifier proposed %q, which is not a field of %s", target, s.schema.Type)))
		return
	}
	if !s.free(target) {
		owner := s.columns[s.owner[target]].Name
		s.set(pos, r.unmapped(col, s.schema.Type,
			fmt.Sprintf("duplicate target: classifier proposed %q, already claimed by column %q", target, owner)))
		return
	}
	if confidence < r.cfg.ClassifierMinConfidence {
		s.set(pos, r.unmapped(col, s.schema.Type,
			fmt.Sprintf("classifier proposed %q with confidence %.2f, below minimum %.2f", target, confidence, r.cfg.ClassifierMinConfidence)))
		return
	}

	reason := v.Reasoning
	if reason == "" {
		reason = "classifier inference"
	}
	s.set(pos, r.mapping(col, s.schema.Type, target, confidence, MethodClassifier, reason))
}

// ---------------------------------------------------------------------------
// Phase 6: self-critique refinement
// ---------------------------------------------------------------------------

// refine re-submits weak mappings. A refinement replaces the mapping only when its
// confidence is strictly higher and its target is free or unchanged. Earlier phases
// are not re-run, so a released field stays unclaimed.
func (r *ColumnResolver) refine(ctx context.Context, s *claimState) {
	for pos, current := range s.mappings {
		if current == nil || !current.Mapped() || current.Method == MethodUserProvided || current.Confidence >= r.cfg.RefineBelow {
			continue
		}
		prev := *current

		candidates := s.freeFields()
		if f, ok := s.schema.Field(prev.Target()); ok {
			candidates = append(candidates, f)
		}
		req := classifier.Request{
			Stage:     classifier.StageRefine,
			System:    classifier.SystemPrompt(r.prompts, classifier.StageRefine),
			Prompt:    refinePrompt(s, pos, prev, candidates),
			MaxTokens: 1024,
		}
		v, err := classifier.Call[mappingVerdict](ctx, r.classifier, req)
		if err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{
				"evidence_type": s.schema.Type,
				"column":        prev.SourceColumn,
			}).Warn("mapping refinement failed; keeping original")
			continue
		}

		target := v.target()
		confidence := classifier.Clamp01(v.Confidence)
		if target == "" || confidence <= prev.Confidence {
			continue
		}
		if _, known := s.schema.Field(target); !known {
			continue
		}
		if target != prev.Target() && !s.free(target) {
			continue
		}

		reason := fmt.Sprintf("refined from %q (%.2f via %s)", prev.Target(), prev.Confidence, prev.Method)
		if v.Reasoning != "" {
			reason += ": " + v.Reasoning
		}
		refined := r.mapping(s.columns[pos], s.schema.Type, target, confidence, MethodRefinement, reason)
		refined.Alternatives = []Alternative{{Field: prev.Target(), Confidence: prev.Confidence}}

		s.release(prev.Target())
		s.set(pos, refined)
	}
}
