// SPDX-License-Identifier: Apache-2.0

package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Smarticus81/psurRegOSv1-sub001/internal/evidence"
)

// DocumentReport pairs a discovery run with the validation of every mapped table.
type DocumentReport struct {
	Discovery *evidence.SchemaDiscoveryResult `json:"discovery"`
	Tables    []*ValidationResult             `json:"tables"`
}

// ValidateDocument discovers the schema of doc with p, projects each table through
// its mapping and validates the resulting records. A non-nil report is returned
// whenever discovery produced a result, including on cancellation.
func (v *Validator) ValidateDocument(ctx context.Context, p *evidence.Pipeline, doc evidence.ParsedDocument, period PeriodContext, opts ...evidence.DiscoverOption) (*DocumentReport, error) {
	disc, err := p.Discover(ctx, doc, opts...)
	if disc == nil {
		return nil, err
	}
	report := &DocumentReport{Discovery: disc, Tables: []*ValidationResult{}}
	if err != nil {
		return report, err
	}

	for _, tm := range disc.TableMappings {
		records := evidence.RecordsFromTable(doc.Tables[tm.TableIndex], tm)
		res, err := v.Validate(ctx, records, tm, period)
		if res != nil {
			report.Tables = append(report.Tables, res)
		}
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

// ParsePeriod builds a PeriodContext from two optional date strings.
func ParsePeriod(start, end string) (PeriodContext, error) {
	var p PeriodContext
	var errs []error
	if s := strings.TrimSpace(start); s != "" {
		t, ok := ParseDate(s)
		if !ok {
			errs = append(errs, fmt.Errorf("period start %q is not a date", s))
		}
		p.Start = t
	}
	if e := strings.TrimSpace(end); e != "" {
		t, ok := ParseDate(e)
		if !ok {
			errs = append(errs, fmt.Errorf("period end %q is not a date", e))
		}
		p.End = t
	}
	if err := errors.Join(errs...); err != nil {
		return PeriodContext{}, err
	}
	if !p.Start.IsZero() && !p.End.IsZero() && p.Start.After(p.End) {
		return PeriodContext{}, fmt.Errorf("period start %s is after period end %s", start, end)
	}
	return p, nil
}
