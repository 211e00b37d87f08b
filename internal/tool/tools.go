// SPDX-License-Identifier: Apache-2.0

package tool

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/Smarticus81/psurRegOSv1-sub001/internal/classifier"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/evidence"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/evidence/parsers"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/logging"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/registry"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/validation"
)

// ErrInvalidInput marks tool arguments that cannot be turned into an evidence source.
var ErrInvalidInput = errors.New("invalid input")

var formatEnum = []string{"markdown", "md", "yaml", "yml", "json", "csv", "tsv", "xlsx"}

var documentProperties = map[string]interface{}{
	"content": map[string]interface{}{
		"type":        "string",
		"description": "Raw text content of the evidence document (markdown, YAML/JSON, CSV).",
	},
	"content_base64": map[string]interface{}{
		"type":        "string",
		"description": "Base64-encoded content for binary formats such as XLSX. Used when content is empty.",
	},
	"format": map[string]interface{}{
		"type":        "string",
		"description": "Format hint. If omitted, the parser is chosen from source_id and the content.",
		"enum":        formatEnum,
	},
	"source_id": map[string]interface{}{
		"type":        "string",
		"description": "Optional identifier for the document (file name or path), used for parser selection and reporting.",
	},
	"column_hints": map[string]interface{}{
		"type":        "object",
		"description": "Optional pinned mappings keyed by table index, then source column header, to canonical field name.",
		"additionalProperties": map[string]interface{}{
			"type":                 "object",
			"additionalProperties": map[string]interface{}{"type": "string"},
		},
	},
}

// looseObject accepts any object. Results embed timestamps and decimals whose
// inferred schemas would not describe their JSON form.
var looseObject = map[string]interface{}{"type": "object"}

// MetadataDiscoverEvidenceSchema describes the discover_evidence_schema tool.
var MetadataDiscoverEvidenceSchema = &mcp.Tool{
	Name: "discover_evidence_schema",
	Description: "Discover which PSUR evidence types an uploaded document contains and map every table column " +
		"onto the canonical fields of its evidence type. " +
		"Returns the document classification, detected evidence types, one column mapping per source column " +
		"(method, confidence, reasoning, alternatives), a quality assessment and the full reasoning trace. " +
		"Mappings with requiresConfirmation=true, and any run with humanReviewRequired=true, should be reviewed by a human.",
	InputSchema: map[string]interface{}{
		"type":       "object",
		"properties": documentProperties,
	},
	OutputSchema: looseObject,
}

// MetadataValidateEvidenceRecords describes the validate_evidence_records tool.
var MetadataValidateEvidenceRecords = &mcp.Tool{
	Name: "validate_evidence_records",
	Description: "Discover the schema of an evidence document, then validate every mapped table's records. " +
		"Each record gets schema, cross-field and sampled semantic checks and a score from 0 to 100 " +
		"(valid at 60 or above with no critical finding). Dates more than 90 days outside the reporting " +
		"period are reported as info, not errors.",
	InputSchema: map[string]interface{}{
		"type": "object",
		"properties": withProperties(documentProperties, map[string]interface{}{
			"period_start": map[string]interface{}{
				"type":        "string",
				"description": "Start of the reporting period (YYYY-MM-DD). Optional.",
			},
			"period_end": map[string]interface{}{
				"type":        "string",
				"description": "End of the reporting period (YYYY-MM-DD). Optional.",
			},
		}),
	},
	OutputSchema: looseObject,
}

// MetadataListEvidenceTypes describes the list_evidence_types tool.
var MetadataListEvidenceTypes = &mcp.Tool{
	Name:        "list_evidence_types",
	Description: "List the canonical PSUR evidence types and their fields, aliases and validation rules.",
	InputSchema: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"category": map[string]interface{}{
				"type":        "string",
				"description": "Only return evidence types of this category (complaints, incidents, sales, capa, fsca).",
			},
		},
	},
}

func withProperties(base, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// InputDocument is the document part shared by the discovery and validation tools.
type InputDocument struct {
	Content       string                       `json:"content"`
	ContentBase64 string                       `json:"content_base64"`
	Format        string                       `json:"format"`
	SourceID      string                       `json:"source_id"`
	ColumnHints   map[string]map[string]string `json:"column_hints"`
}

func (in InputDocument) source() (evidence.EvidenceSource, error) {
	content := []byte(in.Content)
	if in.Content == "" {
		if in.ContentBase64 == "" {
			return evidence.EvidenceSource{}, fmt.Errorf("%w: content is required", ErrInvalidInput)
		}
		decoded, err := base64.StdEncoding.DecodeString(in.ContentBase64)
		if err != nil {
			return evidence.EvidenceSource{}, fmt.Errorf("%w: content_base64: %v", ErrInvalidInput, err)
		}
		content = decoded
	}

	sourceID := in.SourceID
	if sourceID == "" {
		sourceID = "unknown"
	}
	return evidence.EvidenceSource{Content: content, Format: in.Format, ID: sourceID}, nil
}

func (in InputDocument) discoverOptions() ([]evidence.DiscoverOption, error) {
	var opts []evidence.DiscoverOption
	for key, hints := range in.ColumnHints {
		idx, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("%w: column_hints: %q is not a table index", ErrInvalidInput, key)
		}
		opts = append(opts, evidence.WithColumnHints(idx, hints))
	}
	return opts, nil
}

// InputDiscoverEvidenceSchema is the input for the DiscoverEvidenceSchema tool.
type InputDiscoverEvidenceSchema struct {
	InputDocument
}

// OutputDiscoverEvidenceSchema is the output for the DiscoverEvidenceSchema tool.
type OutputDiscoverEvidenceSchema struct {
	*evidence.SchemaDiscoveryResult
}

// InputValidateEvidenceRecords is the input for the ValidateEvidenceRecords tool.
type InputValidateEvidenceRecords struct {
	InputDocument
	PeriodStart string `json:"period_start"`
	PeriodEnd   string `json:"period_end"`
}

// OutputValidateEvidenceRecords is the output for the ValidateEvidenceRecords tool.
type OutputValidateEvidenceRecords struct {
	*validation.DocumentReport
}

// InputListEvidenceTypes is the input for the ListEvidenceTypes tool.
type InputListEvidenceTypes struct {
	Category string `json:"category"`
}

// OutputListEvidenceTypes is the output for the ListEvidenceTypes tool.
type OutputListEvidenceTypes struct {
	Version       string                            `json:"version"`
	FallbackType  string                            `json:"fallback_type"`
	EvidenceTypes []registry.EvidenceTypeDefinition `json:"evidence_types"`
}

// Options configures the tool handlers.
type Options struct {
	Registry   *registry.Registry
	Classifier classifier.Classifier

	// Sampling routes classifier requests to the calling MCP client when no
	// Classifier is configured.
	Sampling bool

	Pipeline   evidence.PipelineConfig
	Validation validation.Config
	Parsers    []evidence.DocumentParser
	Logger     *logrus.Logger
}

// Handlers implements the evidence tools.
type Handlers struct {
	opts Options
	log  *logrus.Entry
}

// NewHandlers creates the tool handlers. Missing parsers default to parsers.Default
// and a missing registry to registry.Default.
func NewHandlers(opts Options) (*Handlers, error) {
	if opts.Registry == nil {
		reg, err := registry.Default()
		if err != nil {
			return nil, err
		}
		opts.Registry = reg
	}
	if len(opts.Parsers) == 0 {
		opts.Parsers = parsers.Default()
	}
	opts.Pipeline.Registry = opts.Registry
	if opts.Pipeline.Logger == nil {
		opts.Pipeline.Logger = opts.Logger
	}
	if opts.Validation.Logger == nil {
		opts.Validation.Logger = opts.Logger
	}

	h := &Handlers{opts: opts, log: logging.Component(opts.Logger, "tool")}
	if _, err := h.pipeline(nil); err != nil {
		return nil, err
	}
	return h, nil
}

// Registry returns the evidence type registry the handlers serve.
func (h *Handlers) Registry() *registry.Registry {
	return h.opts.Registry
}

// classifierFor picks the configured classifier, or the calling client's sampling
// capability when enabled.
func (h *Handlers) classifierFor(req *mcp.CallToolRequest) classifier.Classifier {
	if h.opts.Classifier != nil {
		return h.opts.Classifier
	}
	if h.opts.Sampling && req != nil && req.Session != nil {
		return NewSamplingClassifier(req.Session)
	}
	return nil
}

func (h *Handlers) pipeline(c classifier.Classifier) (*evidence.Pipeline, error) {
	cfg := h.opts.Pipeline
	cfg.Classifier = c
	return evidence.NewPipeline(cfg, h.opts.Parsers...)
}

// DiscoverEvidenceSchema parses the document and runs schema discovery.
func (h *Handlers) DiscoverEvidenceSchema(ctx context.Context, req *mcp.CallToolRequest, input InputDiscoverEvidenceSchema) (*mcp.CallToolResult, OutputDiscoverEvidenceSchema, error) {
	src, err := input.source()
	if err != nil {
		return nil, OutputDiscoverEvidenceSchema{}, err
	}
	opts, err := input.discoverOptions()
	if err != nil {
		return nil, OutputDiscoverEvidenceSchema{}, err
	}

	p, err := h.pipeline(h.classifierFor(req))
	if err != nil {
		return nil, OutputDiscoverEvidenceSchema{}, err
	}
	result, err := p.RunSource(ctx, src, opts...)
	if err != nil {
		return nil, OutputDiscoverEvidenceSchema{}, err
	}

	h.log.WithFields(logrus.Fields{"source": src.ID, "run_id": result.RunID}).Debug("discover_evidence_schema served")
	return nil, OutputDiscoverEvidenceSchema{SchemaDiscoveryResult: result}, nil
}

// ValidateEvidenceRecords parses the document, discovers its schema and validates
// every mapped table.
func (h *Handlers) ValidateEvidenceRecords(ctx context.Context, req *mcp.CallToolRequest, input InputValidateEvidenceRecords) (*mcp.CallToolResult, OutputValidateEvidenceRecords, error) {
	src, err := input.source()
	if err != nil {
		return nil, OutputValidateEvidenceRecords{}, err
	}
	opts, err := input.discoverOptions()
	if err != nil {
		return nil, OutputValidateEvidenceRecords{}, err
	}
	period, err := validation.ParsePeriod(input.PeriodStart, input.PeriodEnd)
	if err != nil {
		return nil, OutputValidateEvidenceRecords{}, err
	}

	c := h.classifierFor(req)
	p, err := h.pipeline(c)
	if err != nil {
		return nil, OutputValidateEvidenceRecords{}, err
	}
	v, err := validation.NewValidator(h.opts.Registry, c, h.opts.Validation)
	if err != nil {
		return nil, OutputValidateEvidenceRecords{}, err
	}

	doc, err := p.ParseSource(ctx, src)
	if err != nil {
		return nil, OutputValidateEvidenceRecords{}, err
	}
	report, err := v.ValidateDocument(ctx, p, doc, period, opts...)
	if err != nil {
		return nil, OutputValidateEvidenceRecords{}, err
	}
	return nil, OutputValidateEvidenceRecords{DocumentReport: report}, nil
}

// ListEvidenceTypes returns the registry contents.
func (h *Handlers) ListEvidenceTypes(_ context.Context, _ *mcp.CallToolRequest, input InputListEvidenceTypes) (*mcp.CallToolResult, OutputListEvidenceTypes, error) {
	out := OutputListEvidenceTypes{
		Version:       h.opts.Registry.Version(),
		FallbackType:  h.opts.Registry.Fallback(),
		EvidenceTypes: []registry.EvidenceTypeDefinition{},
	}
	for _, def := range h.opts.Registry.Types() {
		if input.Category != "" && !strings.EqualFold(def.Category, input.Category) {
			continue
		}
		out.EvidenceTypes = append(out.EvidenceTypes, def)
	}
	return nil, out, nil
}
