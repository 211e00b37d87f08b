// SPDX-License-Identifier: Apache-2.0

// Package classifier defines the boundary to the external semantic classifier.
//
// The engine never trusts the classifier: every call goes through Call, which turns
// transport failures and unparseable responses into a typed *Error so the call site
// can substitute its own degraded default.
package classifier

import (
	"context"
	"errors"
	"fmt"
)

// Well-known stages. They name prompts in a PromptSource and tag errors and logs.
const (
	StageClassify  = "classify_document"
	StageDetect    = "detect_evidence_types"
	StageMap       = "map_columns"
	StageRefine    = "refine_mapping"
	StageSemantic  = "semantic_validation"
	FormatJSONHint = "json"
)

var (
	// ErrNoClassifier is reported when no classifier has been configured.
	ErrNoClassifier = errors.New("no semantic classifier configured")

	// ErrNoJSON is reported when no extraction strategy finds a JSON object.
	ErrNoJSON = errors.New("no JSON object found in response")
)

// Request is one classifier invocation.
type Request struct {
	// Stage is one of the Stage* constants.
	Stage string

	// System holds the system instructions.
	System string

	// Prompt is the structured user prompt, including the JSON-shape contract.
	Prompt string

	// ResponseFormat is a hint for adapters that support constrained output.
	ResponseFormat string

	// MaxTokens bounds the response length; zero lets the adapter decide.
	MaxTokens int
}

// Classifier is the semantic classification capability. Implementations must be
// safe for concurrent use; tables of one document are mapped in parallel.
type Classifier interface {
	Classify(ctx context.Context, req Request) (string, error)
}

// Func adapts a plain function to the Classifier interface.
type Func func(ctx context.Context, req Request) (string, error)

// Classify calls f.
func (f Func) Classify(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// ErrorKind separates transport failures from unusable responses.
type ErrorKind string

const (
	KindInvocation ErrorKind = "invocation"
	KindParse      ErrorKind = "parse"
)

// Error is the failure type returned by Call.
type Error struct {
	Stage string
	Kind  ErrorKind
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("classifier %s (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Call invokes c and decodes the response into T. On any failure it returns the
// zero T and an *Error; it never panics on malformed output.
func Call[T any](ctx context.Context, c Classifier, req Request) (T, error) {
	var out T
	if c == nil {
		return out, &Error{Stage: req.Stage, Kind: KindInvocation, Err: ErrNoClassifier}
	}
	if req.ResponseFormat == "" {
		req.ResponseFormat = FormatJSONHint
	}

	raw, err := c.Classify(ctx, req)
	if err != nil {
		return out, &Error{Stage: req.Stage, Kind: KindInvocation, Err: err}
	}
	if err := ExtractJSON(raw, &out); err != nil {
		return out, &Error{Stage: req.Stage, Kind: KindParse, Err: err}
	}
	return out, nil
}

// Clamp01 bounds a classifier-reported confidence to [0,1]. NaN becomes 0.
func Clamp01(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
