// SPDX-License-Identifier: Apache-2.0

package validation

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/Smarticus81/psurRegOSv1-sub001/internal/evidence"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/registry"
)

// Schema finding codes.
const (
	CodeRequiredFieldMissing = "REQUIRED_FIELD_MISSING"
	CodeInvalidNumber        = "INVALID_NUMBER"
	CodeInvalidDate          = "INVALID_DATE"
	CodeInvalidBoolean       = "INVALID_BOOLEAN"
	CodeInvalidEnumValue     = "INVALID_ENUM_VALUE"
	CodeBelowMinimum         = "BELOW_MINIMUM"
	CodeAboveMaximum         = "ABOVE_MAXIMUM"
	CodeTooShort             = "TOO_SHORT"
	CodeTooLong              = "TOO_LONG"
	CodePatternMismatch      = "PATTERN_MISMATCH"
	CodeNegativeQuantity     = "NEGATIVE_QUANTITY"
	CodeDateTooOld           = "DATE_TOO_OLD"
	CodeFutureDate           = "FUTURE_DATE"
	CodeDateOutsidePeriod    = "DATE_OUTSIDE_PERIOD"
)

// EarliestPlausibleYear bounds DATE_TOO_OLD.
const EarliestPlausibleYear = 1990

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05 -0700 MST",
	"2006/01/02",
	"1/2/2006",
	"1/2/06",
	"2-Jan-2006",
	"2 Jan 2006",
	"Jan 2, 2006",
	"January 2, 2006",
}

var booleanWords = map[string]bool{
	"true": true, "yes": true, "y": true, "1": true, "x": true,
	"false": false, "no": false, "n": false, "0": false,
}

// Value is a record value coerced to its field's data type. Exactly one of Number,
// Date and Bool is set for number, date and boolean fields that parsed.
type Value struct {
	Raw    string            `json:"raw"`
	Kind   registry.DataType `json:"kind"`
	Number *decimal.Decimal  `json:"number,omitempty"`
	Date   *time.Time        `json:"date,omitempty"`
	Bool   *bool             `json:"bool,omitempty"`
}

// Empty reports whether the raw value is blank.
func (v Value) Empty() bool {
	return v.Raw == ""
}

// ParseDate parses s with the accepted date layouts.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseNumber parses s as a decimal, tolerating thousands separators and blanks.
func ParseNumber(s string) (decimal.Decimal, bool) {
	s = strings.NewReplacer(",", "", " ", "", "\u00a0", "").Replace(strings.TrimSpace(s))
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// Coerce converts raw to the data type of f. The returned flag is non-nil when raw
// does not parse.
func Coerce(f registry.FieldDefinition, raw string) (Value, *Flag) {
	raw = strings.TrimSpace(raw)
	v := Value{Raw: raw, Kind: f.DataType}
	if raw == "" {
		return v, nil
	}

	switch f.DataType {
	case registry.TypeNumber:
		d, ok := ParseNumber(raw)
		if !ok {
			return v, fieldFlag(CodeInvalidNumber, SeverityError, f, raw, "%q is not a number", raw)
		}
		v.Number = &d
	case registry.TypeDate:
		t, ok := ParseDate(raw)
		if !ok {
			return v, fieldFlag(CodeInvalidDate, SeverityError, f, raw, "%q is not a recognised date", raw)
		}
		v.Date = &t
	case registry.TypeBoolean:
		b, ok := booleanWords[strings.ToLower(raw)]
		if !ok {
			return v, fieldFlag(CodeInvalidBoolean, SeverityError, f, raw, "%q is not a yes/no value", raw)
		}
		v.Bool = &b
	case registry.TypeEnum:
		for _, allowed := range f.Validation.EnumValues {
			if strings.EqualFold(allowed, raw) {
				v.Raw = allowed
				return v, nil
			}
		}
		if len(f.Validation.EnumValues) > 0 {
			return v, fieldFlag(CodeInvalidEnumValue, SeverityError, f, raw,
				"%q is not one of %s", raw, strings.Join(f.Validation.EnumValues, ", "))
		}
	}
	return v, nil
}

func fieldFlag(code string, sev Severity, f registry.FieldDefinition, value, format string, args ...any) *Flag {
	return &Flag{Code: code, Severity: sev, Field: f.Name, Value: value, Message: fmt.Sprintf(format, args...)}
}

// checker holds the per-run context of the schema stage.
type checker struct {
	now    time.Time
	period PeriodContext
	grace  time.Duration
}

// record validates every field of def that is required or present in rec, in
// declaration order.
func (c checker) record(rec evidence.Record, def registry.EvidenceTypeDefinition) ([]FieldValidation, []Flag) {
	fields := []FieldValidation{}
	flags := []Flag{}
	for _, f := range def.Fields {
		raw, present := rec[f.Name]
		if !present && !f.Required {
			continue
		}
		fv := c.field(f, raw)
		fields = append(fields, fv)
		flags = append(flags, fv.Flags...)
	}
	return fields, flags
}

func (c checker) field(f registry.FieldDefinition, raw string) FieldValidation {
	v, bad := Coerce(f, raw)
	fv := FieldValidation{Field: f.Name, Value: v, Valid: true}
	add := func(fl *Flag) {
		fv.Flags = append(fv.Flags, *fl)
		if fl.Severity == SeverityError || fl.Severity == SeverityCritical {
			fv.Valid = false
		}
	}

	if v.Empty() {
		if f.Required {
			add(fieldFlag(CodeRequiredFieldMissing, SeverityError, f, "", "required field %s is empty", f.Name))
		}
		return fv
	}
	if bad != nil {
		add(bad)
		return fv
	}

	rules := f.Validation
	if v.Number != nil {
		if rules.MinValue != nil && v.Number.LessThan(decimal.NewFromFloat(*rules.MinValue)) {
			add(fieldFlag(CodeBelowMinimum, SeverityError, f, v.Raw, "%s is below the minimum %v", v.Raw, *rules.MinValue))
		}
		if rules.MaxValue != nil && v.Number.GreaterThan(decimal.NewFromFloat(*rules.MaxValue)) {
			add(fieldFlag(CodeAboveMaximum, SeverityError, f, v.Raw, "%s is above the maximum %v", v.Raw, *rules.MaxValue))
		}
		if rules.MinValue == nil && v.Number.IsNegative() && quantityLike(f) {
			add(fieldFlag(CodeNegativeQuantity, SeverityWarning, f, v.Raw, "negative quantity %s", v.Raw))
		}
	}
	if v.Date != nil {
		for _, fl := range c.dateChecks(f, *v.Date, v.Raw) {
			add(fl)
		}
	}
	if f.DataType == registry.TypeString {
		n := utf8.RuneCountInString(v.Raw)
		if rules.MinLength != nil && n < *rules.MinLength {
			add(fieldFlag(CodeTooShort, SeverityWarning, f, v.Raw, "length %d is below %d", n, *rules.MinLength))
		}
		if rules.MaxLength != nil && n > *rules.MaxLength {
			add(fieldFlag(CodeTooLong, SeverityWarning, f, truncate(v.Raw, 40), "length %d exceeds %d", n, *rules.MaxLength))
		}
	}
	if !f.MatchesConstraintPattern(v.Raw) {
		add(fieldFlag(CodePatternMismatch, SeverityWarning, f, v.Raw, "%q does not match %s", v.Raw, rules.Pattern))
	}
	return fv
}

func (c checker) dateChecks(f registry.FieldDefinition, d time.Time, raw string) []*Flag {
	var out []*Flag
	if d.Year() < EarliestPlausibleYear {
		out = append(out, fieldFlag(CodeDateTooOld, SeverityWarning, f, raw, "date %s is before %d", raw, EarliestPlausibleYear))
	}
	if d.After(c.now) {
		out = append(out, fieldFlag(CodeFutureDate, SeverityWarning, f, raw, "date %s is in the future", raw))
	}
	if !c.period.Start.IsZero() && d.Before(c.period.Start.Add(-c.grace)) {
		out = append(out, fieldFlag(CodeDateOutsidePeriod, SeverityInfo, f, raw,
			"date %s is more than %d days before the reporting period", raw, int(c.grace.Hours()/24)))
	}
	if !c.period.End.IsZero() && d.After(c.period.End.Add(c.grace)) {
		out = append(out, fieldFlag(CodeDateOutsidePeriod, SeverityInfo, f, raw,
			"date %s is more than %d days after the reporting period", raw, int(c.grace.Hours()/24)))
	}
	return out
}

func quantityLike(f registry.FieldDefinition) bool {
	name := strings.ToLower(f.Name)
	for _, k := range []string{"quantity", "units", "count", "volume"} {
		if strings.Contains(name, k) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
