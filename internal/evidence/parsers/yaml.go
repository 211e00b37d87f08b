// SPDX-License-Identifier: Apache-2.0

package parsers

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/Smarticus81/psurRegOSv1-sub001/internal/evidence"
)

// YAMLParser parses YAML and JSON exports into tables and sections.
// A sequence of mappings becomes one table whose headers are the union of the
// mapping keys in first-seen order. At the top level of a mapping, every key holding
// such a sequence becomes a table named after the key and every other key becomes a
// section. Multi-document YAML (separated by '---') is split and each document parsed
// independently.
type YAMLParser struct{}

func NewYAMLParser() *YAMLParser {
	return &YAMLParser{}
}

func (p *YAMLParser) Name() string {
	return "yaml"
}

func (p *YAMLParser) CanHandle(source evidence.EvidenceSource) bool {
	switch strings.ToLower(source.Format) {
	case "yaml", "yml", "json":
		return true
	}
	content := strings.TrimSpace(string(source.Content))
	// JSON object or array
	if strings.HasPrefix(content, "{") || strings.HasPrefix(content, "[") {
		return true
	}
	// YAML sequence
	if strings.HasPrefix(content, "- ") {
		return true
	}
	// Plain YAML: key: value at the start
	if len(content) > 0 && strings.Contains(strings.SplitN(content, "\n", 2)[0], ":") {
		// Avoid stealing from the Markdown parser
		if !strings.HasPrefix(content, "#") && !strings.HasPrefix(content, "|") {
			return true
		}
	}
	return false
}

func (p *YAMLParser) Parse(_ context.Context, source evidence.EvidenceSource) (evidence.ParsedDocument, error) {
	doc := evidence.ParsedDocument{Filename: source.ID, RawText: string(source.Content)}

	parts := strings.Split(string(source.Content), "\n---")
	for i, part := range parts {
		part = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(part), "---"))
		if part == "" {
			continue
		}
		var value any
		if err := yaml.UnmarshalWithOptions([]byte(part), &value, yaml.UseOrderedMap()); err != nil {
			return evidence.ParsedDocument{}, fmt.Errorf("failed to unmarshal YAML/JSON document %d: %w", i, err)
		}
		name := source.ID
		if len(parts) > 1 {
			name = fmt.Sprintf("%s#%d", source.ID, i)
		}
		collect(&doc, name, value)
	}
	return doc, nil
}

func collect(doc *evidence.ParsedDocument, name string, value any) {
	switch v := value.(type) {
	case []any:
		if t, ok := sequenceTable(name, v); ok {
			doc.Tables = append(doc.Tables, t)
			return
		}
		doc.Sections = append(doc.Sections, evidence.Section{Title: name, Content: render(v)})
	case yaml.MapSlice:
		for _, item := range v {
			key := fmt.Sprint(item.Key)
			if seq, ok := item.Value.([]any); ok {
				if t, ok := sequenceTable(key, seq); ok {
					doc.Tables = append(doc.Tables, t)
					continue
				}
			}
			doc.Sections = append(doc.Sections, evidence.Section{Title: key, Content: render(item.Value)})
		}
	case nil:
	default:
		doc.Sections = append(doc.Sections, evidence.Section{Title: name, Content: render(v)})
	}
}

// sequenceTable converts a sequence of mappings into a table. It fails when any
// element is not a mapping.
func sequenceTable(name string, seq []any) (evidence.Table, bool) {
	if len(seq) == 0 {
		return evidence.Table{}, false
	}
	t := evidence.Table{Name: name}
	index := make(map[string]int)
	rows := make([]map[string]string, 0, len(seq))

	for _, el := range seq {
		m, ok := el.(yaml.MapSlice)
		if !ok {
			return evidence.Table{}, false
		}
		row := make(map[string]string, len(m))
		for _, item := range m {
			key := fmt.Sprint(item.Key)
			if _, seen := index[key]; !seen {
				index[key] = len(t.Headers)
				t.Headers = append(t.Headers, key)
			}
			row[key] = scalar(item.Value)
		}
		rows = append(rows, row)
	}

	for _, row := range rows {
		cells := make([]string, len(t.Headers))
		for i, h := range t.Headers {
			cells[i] = row[h]
		}
		t.Rows = append(t.Rows, cells)
	}
	return t, true
}

func scalar(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case yaml.MapSlice, []any:
		return render(x)
	default:
		return fmt.Sprint(x)
	}
}

func render(v any) string {
	rendered, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return strings.TrimSpace(string(rendered))
}
