// SPDX-License-Identifier: Apache-2.0

package evidence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Smarticus81/psurRegOSv1-sub001/internal/classifier"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/logging"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/registry"
)

// Pipeline defaults.
const (
	DefaultDiscoveryThreshold  = 0.7
	DefaultMaxConcurrentTables = 4
	DefaultPreviewRows         = 5
)

// PipelineConfig configures a Pipeline. Zero values take the package defaults; a nil
// Registry uses registry.Default.
type PipelineConfig struct {
	Registry            *registry.Registry
	Classifier          classifier.Classifier
	Prompts             classifier.PromptSource
	Resolver            ResolverConfig
	FallbackType        string
	DiscoveryThreshold  float64
	MaxConcurrentTables int
	PreviewRows         int
	Logger              *logrus.Logger
}

// Pipeline runs schema discovery over parsed documents:
// CLASSIFY, DETECT_TYPES, MAP_TABLES, ASSESS_QUALITY.
type Pipeline struct {
	parsers     []DocumentParser
	registry    *registry.Registry
	classifier  classifier.Classifier
	prompts     classifier.PromptSource
	resolver    *ColumnResolver
	fallback    string
	threshold   float64
	concurrency int
	previewRows int
	log         *logrus.Entry
	now         func() time.Time
}

// NewPipeline creates a Pipeline with the provided parsers.
func NewPipeline(cfg PipelineConfig, parsers ...DocumentParser) (*Pipeline, error) {
	reg := cfg.Registry
	if reg == nil {
		var err error
		if reg, err = registry.Default(); err != nil {
			return nil, err
		}
	}

	fallback := cfg.FallbackType
	if fallback == "" {
		fallback = reg.Fallback()
	}
	if _, ok := reg.Lookup(fallback); !ok {
		return nil, fmt.Errorf("fallback type %q: %w", fallback, ErrUnknownEvidenceType)
	}

	prompts := cfg.Prompts
	if prompts == nil {
		prompts = classifier.DefaultPrompts()
	}

	p := &Pipeline{
		parsers:     parsers,
		registry:    reg,
		classifier:  cfg.Classifier,
		prompts:     prompts,
		resolver:    NewColumnResolver(cfg.Classifier, prompts, cfg.Resolver, cfg.Logger),
		fallback:    fallback,
		threshold:   cfg.DiscoveryThreshold,
		concurrency: cfg.MaxConcurrentTables,
		previewRows: cfg.PreviewRows,
		log:         logging.Component(cfg.Logger, "discovery"),
		now:         time.Now,
	}
	if p.threshold <= 0 {
		p.threshold = DefaultDiscoveryThreshold
	}
	if p.concurrency <= 0 {
		p.concurrency = DefaultMaxConcurrentTables
	}
	if p.previewRows <= 0 {
		p.previewRows = DefaultPreviewRows
	}
	return p, nil
}

// Registry returns the schema registry the pipeline resolves against.
func (p *Pipeline) Registry() *registry.Registry {
	return p.registry
}

// DiscoverOption customises one Discover call.
type DiscoverOption func(*discoverOptions)

type discoverOptions struct {
	hints map[int]map[string]string
}

// WithColumnHints pins columns of one table (by header) to canonical fields.
func WithColumnHints(tableIndex int, hints map[string]string) DiscoverOption {
	return func(o *discoverOptions) {
		if o.hints == nil {
			o.hints = make(map[int]map[string]string)
		}
		o.hints[tableIndex] = hints
	}
}

// RunSource parses source with the first parser that accepts it and runs discovery.
func (p *Pipeline) RunSource(ctx context.Context, source EvidenceSource, opts ...DiscoverOption) (*SchemaDiscoveryResult, error) {
	doc, err := p.ParseSource(ctx, source)
	if err != nil {
		return nil, err
	}
	return p.Discover(ctx, doc, opts...)
}

// ParseSource turns source into a ParsedDocument.
func (p *Pipeline) ParseSource(ctx context.Context, source EvidenceSource) (ParsedDocument, error) {
	parser, err := p.selectParser(source)
	if err != nil {
		return ParsedDocument{}, err
	}

	doc, err := parser.Parse(ctx, source)
	if err != nil {
		return ParsedDocument{}, fmt.Errorf("parser %q failed: %w", parser.Name(), err)
	}
	if doc.Filename == "" {
		doc.Filename = source.ID
	}
	if doc.Empty() {
		return ParsedDocument{}, fmt.Errorf("%w: %s", ErrEmptyDocument, source.ID)
	}

	p.log.WithFields(logrus.Fields{
		"parser":   parser.Name(),
		"source":   source.ID,
		"tables":   len(doc.Tables),
		"sections": len(doc.Sections),
	}).Debug("document parsed")
	return doc, nil
}

// selectParser returns the first registered parser that can handle the given source.
func (p *Pipeline) selectParser(source EvidenceSource) (DocumentParser, error) {
	for _, parser := range p.parsers {
		if parser.CanHandle(source) {
			return parser, nil
		}
	}
	return nil, fmt.Errorf("%w: no parser found for source %q (format hint: %q)", ErrUnsupportedFormat, source.ID, source.Format)
}

// RegisteredParsers returns the names of all currently registered parsers.
func (p *Pipeline) RegisteredParsers() []string {
	names := make([]string, len(p.parsers))
	for i, parser := range p.parsers {
		names[i] = parser.Name()
	}
	return names
}

// Discover runs the four discovery stages over doc. Classifier failures degrade the
// affected stage to a zero-confidence result and never abort the run. If ctx is
// cancelled the remaining stages still produce a complete, degraded result, which
// is returned together with ctx.Err().
func (p *Pipeline) Discover(ctx context.Context, doc ParsedDocument, opts ...DiscoverOption) (*SchemaDiscoveryResult, error) {
	var o discoverOptions
	for _, opt := range opts {
		opt(&o)
	}

	start := p.now()
	res := &SchemaDiscoveryResult{
		RunID:     uuid.NewString(),
		Filename:  doc.Filename,
		StartedAt: start,
	}
	log := p.log.WithFields(logrus.Fields{"run_id": res.RunID, "filename": doc.Filename})

	var step ReasoningStep
	stageStart := time.Now()
	res.Classification, step = p.classify(ctx, doc, log)
	res.Reasoning = append(res.Reasoning, finish(step, stageStart))

	stageStart = time.Now()
	res.DetectedTypes, step = p.detect(ctx, doc, log)
	res.Reasoning = append(res.Reasoning, finish(step, stageStart))

	stageStart = time.Now()
	var mapErr error
	res.TableMappings, step, mapErr = p.mapTables(ctx, doc, res.DetectedTypes, o.hints)
	res.Reasoning = append(res.Reasoning, finish(step, stageStart))

	stageStart = time.Now()
	res.Quality = AssessQuality(res.Classification, res.DetectedTypes, res.TableMappings, p.threshold)
	res.Reasoning = append(res.Reasoning, finish(ReasoningStep{
		Stage:      StageAssessQuality,
		Input:      fmt.Sprintf("%d detections, %d table mappings", len(res.DetectedTypes), len(res.TableMappings)),
		Output:     fmt.Sprintf("overallConfidence=%.2f humanReviewRequired=%t", res.Quality.OverallConfidence, res.Quality.HumanReviewRequired),
		Reasoning:  append([]string(nil), res.Quality.ReviewReasons...),
		Confidence: res.Quality.OverallConfidence,
	}, stageStart))

	res.DurationMs = time.Since(start).Milliseconds()
	log.WithFields(logrus.Fields{
		"primary_type":   res.Classification.PrimaryType,
		"detections":     len(res.DetectedTypes),
		"tables":         len(res.TableMappings),
		"confidence":     res.Quality.OverallConfidence,
		"review":         res.Quality.HumanReviewRequired,
		"duration_ms":    res.DurationMs,
		"cancelled":      ctx.Err() != nil,
		"mapping_failed": mapErr != nil,
	}).Info("schema discovery complete")

	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, mapErr
}

func finish(step ReasoningStep, start time.Time) ReasoningStep {
	step.DurationMs = time.Since(start).Milliseconds()
	return step
}

// flexStrings accepts either a JSON string or an array of strings.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		if one != "" {
			*f = flexStrings{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*f = many
	return nil
}

// ---------------------------------------------------------------------------
// CLASSIFY
// ---------------------------------------------------------------------------

type classifyResponse struct {
	Thinking       string      `json:"thinking"`
	PrimaryType    string      `json:"primaryType"`
	SecondaryTypes []string    `json:"secondaryTypes"`
	Confidence     float64     `json:"confidence"`
	Reasoning      flexStrings `json:"reasoning"`
}

func (p *Pipeline) classify(ctx context.Context, doc ParsedDocument, log *logrus.Entry) (Classification, ReasoningStep) {
	step := ReasoningStep{
		Stage: StageClassify,
		Input: fmt.Sprintf("filename=%q tables=%d sections=%d", doc.Filename, len(doc.Tables), len(doc.Sections)),
	}

	resp, err := classifier.Call[classifyResponse](ctx, p.classifier, classifier.Request{
		Stage:     classifier.StageClassify,
		System:    classifier.SystemPrompt(p.prompts, classifier.StageClassify),
		Prompt:    classifyPrompt(doc, p.registry, p.previewRows),
		MaxTokens: 1024,
	})
	if err != nil {
		log.WithError(err).WithField("stage", StageClassify).Warn("document classification failed")
		c := Classification{PrimaryType: UnknownType, Reasoning: fmt.Sprintf("classification unavailable: %v", err)}
		step.Output = UnknownType
		step.Reasoning = []string{c.Reasoning}
		return c, step
	}

	primary := strings.TrimSpace(resp.PrimaryType)
	if primary == "" {
		primary = UnknownType
	}
	c := Classification{
		PrimaryType:    primary,
		SecondaryTypes: resp.SecondaryTypes,
		Confidence:     classifier.Clamp01(resp.Confidence),
		Reasoning:      strings.Join(resp.Reasoning, " "),
	}
	step.Output = fmt.Sprintf("primaryType=%s confidence=%.2f", c.PrimaryType, c.Confidence)
	step.Reasoning = append([]string(nil), resp.Reasoning...)
	if resp.Thinking != "" {
		step.Reasoning = append(step.Reasoning, resp.Thinking)
	}
	step.Confidence = c.Confidence
	return c, step
}

// ---------------------------------------------------------------------------
// DETECT_TYPES
// ---------------------------------------------------------------------------

type detectResponse struct {
	DetectedTypes []struct {
		EvidenceType            string           `json:"evidenceType"`
		Confidence              float64          `json:"confidence"`
		Reasoning               flexStrings      `json:"reasoning"`
		SourceLocations         []SourceLocation `json:"sourceLocations"`
		EstimatedRecordCount    int              `json:"estimatedRecordCount"`
		RequiredFieldsAvailable []string         `json:"requiredFieldsAvailable"`
		RequiredFieldsMissing   []string         `json:"requiredFieldsMissing"`
	} `json:"detectedTypes"`
}

func (p *Pipeline) detect(ctx context.Context, doc ParsedDocument, log *logrus.Entry) ([]DetectedEvidenceType, ReasoningStep) {
	step := ReasoningStep{
		Stage: StageDetectTypes,
		Input: fmt.Sprintf("%d tables, %d sections, %d evidence types", len(doc.Tables), len(doc.Sections), len(p.registry.Types())),
	}
	if doc.Empty() {
		step.Output = "0 detections"
		step.Reasoning = []string{"document has no tables or sections"}
		return nil, step
	}

	resp, err := classifier.Call[detectResponse](ctx, p.classifier, classifier.Request{
		Stage:     classifier.StageDetect,
		System:    classifier.SystemPrompt(p.prompts, classifier.StageDetect),
		Prompt:    detectPrompt(doc, p.registry, p.previewRows),
		MaxTokens: 4096,
	})
	if err != nil {
		log.WithError(err).WithField("stage", StageDetectTypes).Warn("evidence type detection failed")
		step.Output = "0 detections"
		step.Reasoning = []string{fmt.Sprintf("detection unavailable: %v", err)}
		return nil, step
	}

	var out []DetectedEvidenceType
	sum := 0.0
	for _, d := range resp.DetectedTypes {
		def, ok := p.registry.Lookup(strings.TrimSpace(d.EvidenceType))
		if !ok {
			step.Reasoning = append(step.Reasoning, fmt.Sprintf("ignored unknown evidence type %q", d.EvidenceType))
			continue
		}
		det := DetectedEvidenceType{
			EvidenceType:            def.Type,
			Confidence:              classifier.Clamp01(d.Confidence),
			Reasoning:               append([]string(nil), d.Reasoning...),
			SourceLocations:         validLocations(doc, d.SourceLocations),
			EstimatedRecordCount:    max(d.EstimatedRecordCount, 0),
			RequiredFieldsAvailable: requiredSubset(def, d.RequiredFieldsAvailable),
			RequiredFieldsMissing:   requiredSubset(def, d.RequiredFieldsMissing),
		}
		out = append(out, det)
		sum += det.Confidence
		step.Reasoning = append(step.Reasoning,
			fmt.Sprintf("%s (%.2f) at %d locations", det.EvidenceType, det.Confidence, len(det.SourceLocations)))
	}

	step.Output = fmt.Sprintf("%d detections", len(out))
	if len(out) > 0 {
		step.Confidence = sum / float64(len(out))
	}
	return out, step
}

func validLocations(doc ParsedDocument, locs []SourceLocation) []SourceLocation {
	var out []SourceLocation
	for _, l := range locs {
		kind := strings.ToLower(strings.TrimSpace(l.Kind))
		switch {
		case kind == LocationTable && l.Index >= 0 && l.Index < len(doc.Tables):
		case kind == LocationSection && l.Index >= 0 && l.Index < len(doc.Sections):
		default:
			continue
		}
		out = append(out, SourceLocation{Kind: kind, Index: l.Index})
	}
	return out
}

func requiredSubset(def registry.EvidenceTypeDefinition, names []string) []string {
	var out []string
	for _, n := range names {
		if f, ok := def.Field(strings.TrimSpace(n)); ok && f.Required {
			out = append(out, f.Name)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// MAP_TABLES
// ---------------------------------------------------------------------------

// pickDetection returns the highest-confidence detection pinned to tableIndex.
func pickDetection(detections []DetectedEvidenceType, tableIndex int) (DetectedEvidenceType, bool) {
	var best DetectedEvidenceType
	found := false
	for _, d := range detections {
		if !d.References(tableIndex) {
			continue
		}
		if !found || d.Confidence > best.Confidence {
			best, found = d, true
		}
	}
	return best, found
}

func (p *Pipeline) mapTables(ctx context.Context, doc ParsedDocument, detections []DetectedEvidenceType, hints map[int]map[string]string) ([]TableSchemaMapping, ReasoningStep, error) {
	step := ReasoningStep{
		Stage: StageMapTables,
		Input: fmt.Sprintf("%d tables, %d detections", len(doc.Tables), len(detections)),
	}
	out := make([]TableSchemaMapping, len(doc.Tables))

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i := range doc.Tables {
		g.Go(func() error {
			typeID, confidence, fallback := p.fallback, 0.0, true
			if d, ok := pickDetection(detections, i); ok {
				typeID, confidence, fallback = d.EvidenceType, d.Confidence, false
			}
			m, err := p.mapTable(ctx, doc.Tables[i], i, typeID, confidence, fallback, hints[i])
			out[i] = m
			return err
		})
	}
	err := g.Wait()

	mapped, total, sum := 0, 0, 0.0
	for _, m := range out {
		mapped += m.MappedCount()
		total += len(m.ColumnMappings)
		sum += m.PrimaryConfidence
		source := "detection"
		if m.HasFlag(FlagFallbackType) {
			source = "fallback"
		}
		step.Reasoning = append(step.Reasoning, fmt.Sprintf(
			"table %d (%q): %s via %s, %d/%d columns mapped, confidence %.2f",
			m.TableIndex, m.TableName, m.PrimaryEvidenceType, source, m.MappedCount(), len(m.ColumnMappings), m.PrimaryConfidence))
	}
	step.Output = fmt.Sprintf("%d/%d columns mapped across %d tables", mapped, total, len(out))
	if len(out) > 0 {
		step.Confidence = sum / float64(len(out))
	}
	return out, step, err
}

// MapTable resolves one table against an explicitly chosen evidence type.
func (p *Pipeline) MapTable(ctx context.Context, table Table, tableIndex int, evidenceType string, hints map[string]string) (TableSchemaMapping, error) {
	return p.mapTable(ctx, table, tableIndex, evidenceType, 1.0, false, hints)
}

func (p *Pipeline) mapTable(ctx context.Context, table Table, index int, typeID string, detection float64, fallback bool, hints map[string]string) (TableSchemaMapping, error) {
	def, ok := p.registry.Lookup(typeID)
	if !ok {
		return TableSchemaMapping{TableIndex: index, TableName: table.Name}, fmt.Errorf("%w: %q", ErrUnknownEvidenceType, typeID)
	}

	mappings, err := p.resolver.Resolve(ctx, ColumnsFromTable(table), def, hints)
	tm := TableSchemaMapping{
		TableIndex:          index,
		TableName:           table.Name,
		RowCount:            len(table.Rows),
		PrimaryEvidenceType: def.Type,
		PrimaryConfidence:   OverallConfidence(mappings),
		DetectionConfidence: detection,
		ColumnMappings:      mappings,
	}
	for _, f := range def.RequiredFields() {
		if tm.ColumnFor(f.Name) < 0 {
			tm.MissingRequiredFields = append(tm.MissingRequiredFields, f.Name)
		}
	}

	if fallback {
		tm.QualityFlags = append(tm.QualityFlags, FlagFallbackType)
	}
	if len(table.Rows) == 0 {
		tm.QualityFlags = append(tm.QualityFlags, FlagEmptyTable)
	}
	if tm.MappedCount() < len(mappings) {
		tm.QualityFlags = append(tm.QualityFlags, FlagUnmappedColumns)
	}
	for _, m := range mappings {
		if m.Mapped() && m.RequiresConfirmation {
			tm.QualityFlags = append(tm.QualityFlags, FlagRequiresConfirmation)
			break
		}
	}
	for _, f := range tm.MissingRequiredFields {
		tm.QualityFlags = append(tm.QualityFlags, FlagMissingRequiredPrefix+f)
	}
	return tm, err
}
