// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"regexp"
	"strings"
)

// DataType is the canonical type of a field value.
type DataType string

const (
	TypeString  DataType = "string"
	TypeNumber  DataType = "number"
	TypeDate    DataType = "date"
	TypeBoolean DataType = "boolean"
	TypeEnum    DataType = "enum"
)

// Constraints are the per-field validation limits. Nil pointers mean "no limit".
type Constraints struct {
	MinValue   *float64 `yaml:"minValue,omitempty" json:"minValue,omitempty"`
	MaxValue   *float64 `yaml:"maxValue,omitempty" json:"maxValue,omitempty"`
	MinLength  *int     `yaml:"minLength,omitempty" json:"minLength,omitempty"`
	MaxLength  *int     `yaml:"maxLength,omitempty" json:"maxLength,omitempty"`
	Pattern    string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	EnumValues []string `yaml:"enumValues,omitempty" json:"enumValues,omitempty"`
}

// FieldDefinition describes one canonical field of an evidence type.
//
// Aliases feed the exact/alias matching phase, ValuePatterns and ExampleValues the
// sample-pattern phase, and SemanticHints the keyword phase and classifier prompts.
type FieldDefinition struct {
	Name          string      `yaml:"name" json:"name"`
	DataType      DataType    `yaml:"dataType" json:"dataType"`
	Required      bool        `yaml:"required,omitempty" json:"required"`
	Description   string      `yaml:"description,omitempty" json:"description,omitempty"`
	SemanticHints []string    `yaml:"semanticHints,omitempty" json:"semanticHints,omitempty"`
	Aliases       []string    `yaml:"aliases,omitempty" json:"aliases,omitempty"`
	ValuePatterns []string    `yaml:"valuePatterns,omitempty" json:"valuePatterns,omitempty"`
	ExampleValues []string    `yaml:"exampleValues,omitempty" json:"exampleValues,omitempty"`
	Validation    Constraints `yaml:"validation,omitempty" json:"validation"`

	compiled *compiledPatterns
}

type compiledPatterns struct {
	values     []*regexp.Regexp
	constraint *regexp.Regexp
}

// HasValuePattern reports whether the field can take part in sample-value matching.
func (f FieldDefinition) HasValuePattern() bool {
	return len(f.ValuePatterns) > 0 || len(f.ExampleValues) > 0
}

// MatchesValue reports whether a sample value fits one of the field's value patterns
// or equals (case-insensitively) one of its example values.
func (f FieldDefinition) MatchesValue(v string) bool {
	v = strings.TrimSpace(v)
	if v == "" {
		return false
	}
	for _, ex := range f.ExampleValues {
		if strings.EqualFold(ex, v) {
			return true
		}
	}
	if f.compiled != nil {
		for _, re := range f.compiled.values {
			if re.MatchString(v) {
				return true
			}
		}
		return false
	}
	for _, p := range f.ValuePatterns {
		if ok, err := regexp.MatchString(p, v); err == nil && ok {
			return true
		}
	}
	return false
}

// MatchesConstraintPattern reports whether v satisfies Validation.Pattern.
// Fields without a pattern accept everything.
func (f FieldDefinition) MatchesConstraintPattern(v string) bool {
	if f.Validation.Pattern == "" {
		return true
	}
	if f.compiled != nil && f.compiled.constraint != nil {
		return f.compiled.constraint.MatchString(v)
	}
	ok, err := regexp.MatchString(f.Validation.Pattern, v)
	return err == nil && ok
}

// EvidenceTypeDefinition is the canonical schema for one evidence category.
type EvidenceTypeDefinition struct {
	Type               string            `yaml:"type" json:"type"`
	Category           string            `yaml:"category" json:"category"`
	Description        string            `yaml:"description,omitempty" json:"description,omitempty"`
	Fields             []FieldDefinition `yaml:"fields" json:"fields"`
	TableIndicators    []string          `yaml:"tableIndicators,omitempty" json:"tableIndicators,omitempty"`
	DocumentIndicators []string          `yaml:"documentIndicators,omitempty" json:"documentIndicators,omitempty"`
}

// Field returns the named field definition.
func (d EvidenceTypeDefinition) Field(name string) (FieldDefinition, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDefinition{}, false
}

// RequiredFields returns only the fields marked as required, in declaration order.
func (d EvidenceTypeDefinition) RequiredFields() []FieldDefinition {
	var out []FieldDefinition
	for _, f := range d.Fields {
		if f.Required {
			out = append(out, f)
		}
	}
	return out
}

// FieldNames returns the field names in declaration order.
func (d EvidenceTypeDefinition) FieldNames() []string {
	names := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		names[i] = f.Name
	}
	return names
}
