// SPDX-License-Identifier: Apache-2.0

// Package registry holds the immutable canonical schemas for every evidence category.
//
// The built-in registry is embedded as YAML and checked against an embedded CUE
// schema before it is decoded, so a malformed definition fails at load time rather
// than producing silent mismatches during column resolution.
package registry

import (
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
	"github.com/goccy/go-yaml"
)

//go:embed registry.yaml
var defaultRegistryYAML []byte

//go:embed registry.cue
var registrySchema string

// ErrUnknownType is returned by Lookup-style helpers when a type id is not registered.
var ErrUnknownType = errors.New("unknown evidence type")

// Registry is a read-only set of evidence type definitions keyed by type id.
// It is safe for concurrent use.
type Registry struct {
	version  string
	fallback string
	order    []string
	types    map[string]EvidenceTypeDefinition
}

type registryFile struct {
	Version       string                   `yaml:"version"`
	FallbackType  string                   `yaml:"fallbackType"`
	EvidenceTypes []EvidenceTypeDefinition `yaml:"evidenceTypes"`
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
	defaultErr  error
)

// Default returns the embedded registry. It is loaded once per process.
func Default() (*Registry, error) {
	defaultOnce.Do(func() {
		defaultReg, defaultErr = Load(defaultRegistryYAML)
	})
	return defaultReg, defaultErr
}

// MustDefault is Default for call sites where the embedded registry is known good.
func MustDefault() *Registry {
	reg, err := Default()
	if err != nil {
		panic(fmt.Sprintf("registry: embedded definitions invalid: %v", err))
	}
	return reg
}

// Load checks data against the CUE schema, decodes it and compiles all patterns.
func Load(data []byte) (*Registry, error) {
	if err := checkSchema(data); err != nil {
		return nil, err
	}

	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("registry: decode: %w", err)
	}

	reg, err := New(file.EvidenceTypes...)
	if err != nil {
		return nil, err
	}
	reg.version = file.Version
	if file.FallbackType != "" {
		if _, ok := reg.types[file.FallbackType]; !ok {
			return nil, fmt.Errorf("registry: fallback type %q: %w", file.FallbackType, ErrUnknownType)
		}
		reg.fallback = file.FallbackType
	}
	return reg, nil
}

// New builds a registry from in-memory definitions. The first definition is the
// fallback type until overridden.
func New(defs ...EvidenceTypeDefinition) (*Registry, error) {
	if len(defs) == 0 {
		return nil, errors.New("registry: no evidence types defined")
	}

	reg := &Registry{types: make(map[string]EvidenceTypeDefinition, len(defs))}
	for _, def := range defs {
		if _, dup := reg.types[def.Type]; dup {
			return nil, fmt.Errorf("registry: duplicate evidence type %q", def.Type)
		}
		compiled, err := compileDefinition(def)
		if err != nil {
			return nil, err
		}
		reg.types[def.Type] = compiled
		reg.order = append(reg.order, def.Type)
	}
	reg.fallback = reg.order[0]
	return reg, nil
}

func compileDefinition(def EvidenceTypeDefinition) (EvidenceTypeDefinition, error) {
	seen := make(map[string]bool, len(def.Fields))
	fields := make([]FieldDefinition, len(def.Fields))
	for i, f := range def.Fields {
		if seen[f.Name] {
			return def, fmt.Errorf("registry: %s: duplicate field %q", def.Type, f.Name)
		}
		seen[f.Name] = true

		if f.DataType == TypeEnum && len(f.Validation.EnumValues) == 0 {
			return def, fmt.Errorf("registry: %s.%s: enum field without enumValues", def.Type, f.Name)
		}

		cp := &compiledPatterns{}
		for _, p := range f.ValuePatterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return def, fmt.Errorf("registry: %s.%s: value pattern %q: %w", def.Type, f.Name, p, err)
			}
			cp.values = append(cp.values, re)
		}
		if f.Validation.Pattern != "" {
			re, err := regexp.Compile(f.Validation.Pattern)
			if err != nil {
				return def, fmt.Errorf("registry: %s.%s: validation pattern: %w", def.Type, f.Name, err)
			}
			cp.constraint = re
		}
		f.compiled = cp
		fields[i] = f
	}
	def.Fields = fields
	return def, nil
}

func checkSchema(data []byte) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(registrySchema, cue.Filename("registry.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("registry: compile schema: %w", err)
	}

	file, err := cueyaml.Extract("registry.yaml", data)
	if err != nil {
		return fmt.Errorf("registry: parse definitions: %w", err)
	}
	value := ctx.BuildFile(file)
	if err := value.Err(); err != nil {
		return fmt.Errorf("registry: build definitions: %w", err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Registry")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("registry: definitions do not match schema: %w", err)
	}
	return nil
}

// Version is the version string declared in the registry file.
func (r *Registry) Version() string { return r.version }

// Lookup returns the definition for a type id.
func (r *Registry) Lookup(typeID string) (EvidenceTypeDefinition, bool) {
	def, ok := r.types[typeID]
	return def, ok
}

// Types returns all definitions in registration order.
func (r *Registry) Types() []EvidenceTypeDefinition {
	out := make([]EvidenceTypeDefinition, len(r.order))
	for i, id := range r.order {
		out[i] = r.types[id]
	}
	return out
}

// TypeIDs returns all type ids in registration order.
func (r *Registry) TypeIDs() []string {
	return append([]string(nil), r.order...)
}

// Fallback is the type used for tables no detection claimed.
func (r *Registry) Fallback() string { return r.fallback }

// WithFallback returns a copy of the registry with a different fallback type.
func (r *Registry) WithFallback(typeID string) (*Registry, error) {
	if _, ok := r.types[typeID]; !ok {
		return nil, fmt.Errorf("registry: fallback %q: %w", typeID, ErrUnknownType)
	}
	cp := *r
	cp.fallback = typeID
	return &cp, nil
}

// Categories returns the distinct categories in registration order.
func (r *Registry) Categories() []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range r.order {
		c := r.types[id].Category
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}
