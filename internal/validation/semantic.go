// SPDX-License-Identifier: Apache-2.0

package validation

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Smarticus81/psurRegOSv1-sub001/internal/classifier"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/evidence"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/registry"
)

// Semantic finding codes.
const (
	CodeSemanticAnomaly     = "SEMANTIC_ANOMALY"
	CodeSemanticUnavailable = "SEMANTIC_VALIDATION_UNAVAILABLE"
	CodeSemanticSkipped     = "SEMANTIC_VALIDATION_SKIPPED"
)

const semanticContract = `{"recordIssues":[{"sampleIndex":<int>,"field":"<field name or empty>","code":"<UPPER_SNAKE_CASE code>","severity":"info|warning|error","message":"<what is suspicious>"}],"globalIssues":[{"code":"<UPPER_SNAKE_CASE code>","severity":"info|warning|error","message":"<pattern across records>"}]}`

// SampleIndices picks up to target distinct indices out of n: the first and last
// index, then evenly spaced indices over half the target, then random indices from
// rng until the target is reached. The result is sorted. A nil rng fills with the
// lowest unused indices instead.
func SampleIndices(n, target int, rng *rand.Rand) []int {
	if n <= 0 || target <= 0 {
		return nil
	}
	if n <= target {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}

	chosen := make(map[int]struct{}, target)
	add := func(i int) {
		if len(chosen) < target {
			chosen[i] = struct{}{}
		}
	}
	add(0)
	add(n - 1)

	if spaced := target / 2; spaced > 1 {
		for k := 1; k < spaced; k++ {
			add(k * (n - 1) / spaced)
		}
	}

	for next := 0; len(chosen) < target; {
		var i int
		if rng != nil {
			i = rng.IntN(n)
		} else {
			i, next = next, next+1
		}
		add(i)
	}

	out := make([]int, 0, len(chosen))
	for i := range chosen {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

type semanticRecord struct {
	SampleIndex int             `json:"sampleIndex"`
	Values      evidence.Record `json:"values"`
}

type semanticIssue struct {
	SampleIndex int    `json:"sampleIndex"`
	Field       string `json:"field"`
	Code        string `json:"code"`
	Severity    string `json:"severity"`
	Message     string `json:"message"`
}

type semanticResponse struct {
	RecordIssues []semanticIssue `json:"recordIssues"`
	GlobalIssues []semanticIssue `json:"globalIssues"`
}

// semanticSeverity caps critical at error. Unknown values become warning.
func semanticSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeverityInfo:
		return SeverityInfo
	case SeverityError, SeverityCritical:
		return SeverityError
	default:
		return SeverityWarning
	}
}

// isSemanticFinding reports whether f is a classifier finding rather than a note
// that the semantic stage did not run.
func isSemanticFinding(f Flag) bool {
	return f.Code != CodeSemanticSkipped && f.Code != CodeSemanticUnavailable
}

func (i semanticIssue) flag() Flag {
	code := strings.ToUpper(strings.TrimSpace(i.Code))
	if code == "" {
		code = CodeSemanticAnomaly
	}
	return Flag{Code: code, Severity: semanticSeverity(i.Severity), Field: strings.TrimSpace(i.Field), Message: i.Message}
}

func semanticPrompt(def registry.EvidenceTypeDefinition, sample []int, records []evidence.Record) string {
	payload := struct {
		EvidenceType string           `json:"evidenceType"`
		Description  string           `json:"description,omitempty"`
		Fields       []string         `json:"fields"`
		Records      []semanticRecord `json:"records"`
	}{
		EvidenceType: def.Type,
		Description:  def.Description,
		Fields:       def.FieldNames(),
	}
	for si, idx := range sample {
		payload.Records = append(payload.Records, semanticRecord{SampleIndex: si, Values: records[idx]})
	}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		data = []byte(fmt.Sprintf("%q", fmt.Sprint(payload)))
	}
	var b strings.Builder
	b.WriteString("Review these sampled records for contextually suspicious content.\n\nInput:\n")
	b.Write(data)
	b.WriteString("\n\nRespond with JSON exactly matching this shape:\n")
	b.WriteString(semanticContract)
	return b.String()
}

func (v *Validator) semanticStage(ctx context.Context, res *ValidationResult, records []evidence.Record, def registry.EvidenceTypeDefinition, log *logrus.Entry) evidence.ReasoningStep {
	step := evidence.ReasoningStep{Stage: StageSemantic}
	if len(records) == 0 {
		step.Input, step.Output = "0 records", "skipped"
		return step
	}
	if v.classifier == nil {
		res.GlobalIssues = append(res.GlobalIssues, Flag{
			Code:     CodeSemanticSkipped,
			Severity: SeverityInfo,
			Message:  "semantic validation skipped: no classifier configured",
		})
		step.Input, step.Output = fmt.Sprintf("%d records", len(records)), "skipped"
		return step
	}

	sample := SampleIndices(len(records), v.cfg.SampleSize, newRand(v.cfg.SampleSeed))
	step.Input = fmt.Sprintf("%d of %d records sampled", len(sample), len(records))

	resp, err := classifier.Call[semanticResponse](ctx, v.classifier, classifier.Request{
		Stage:     classifier.StageSemantic,
		System:    classifier.SystemPrompt(v.cfg.Prompts, classifier.StageSemantic),
		Prompt:    semanticPrompt(def, sample, records),
		MaxTokens: 2048,
	})
	if err != nil {
		log.WithError(err).WithField("stage", StageSemantic).Warn("semantic validation failed")
		res.GlobalIssues = append(res.GlobalIssues, Flag{
			Code:     CodeSemanticUnavailable,
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("semantic validation unavailable: %v", err),
		})
		step.Output = "unavailable"
		step.Reasoning = []string{err.Error()}
		return step
	}

	found := 0
	for _, issue := range resp.RecordIssues {
		if issue.SampleIndex < 0 || issue.SampleIndex >= len(sample) {
			step.Reasoning = append(step.Reasoning, fmt.Sprintf("ignored issue for unknown sample index %d", issue.SampleIndex))
			continue
		}
		idx := sample[issue.SampleIndex]
		res.Records[idx].SemanticIssues = append(res.Records[idx].SemanticIssues, issue.flag())
		found++
	}
	for _, issue := range resp.GlobalIssues {
		res.GlobalIssues = append(res.GlobalIssues, issue.flag())
	}

	step.Output = fmt.Sprintf("%d record issues, %d document issues", found, len(resp.GlobalIssues))
	step.Confidence = 1
	return step
}
