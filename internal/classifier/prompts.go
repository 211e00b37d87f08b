// SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// PromptSource supplies the system instructions for each stage.
// Resolution and validation logic never depends on where prompts come from.
type PromptSource interface {
	Load(stage string) (string, error)
}

// defaultPrompts are the built-in system instructions, keyed by stage.
//
//nolint:lll // Prompt content is intentionally long.
var defaultPrompts = map[string]string{
	StageClassify: `You classify regulatory post-market surveillance documents for medical devices.
Decide which evidence category the document primarily contains (complaints, serious incidents, sales/distribution, CAPA, FSCA) using the filename, table headers, previews and section titles.
Respond with a single JSON object and nothing else.`,

	StageDetect: `You detect which canonical evidence types are present in each table and section of a parsed document.
Match column headers, section headings and sample rows against each evidence type's field hints and indicators.
A document may contain several evidence types. Pin every detection to table or section indices.
Respond with a single JSON object and nothing else.`,

	StageMap: `You map spreadsheet columns onto canonical evidence fields.
Reason over all listed columns together: sibling columns disambiguate each other (for example which date is the receipt date and which is the closure date).
Never assign the same target field to two columns. Use null when no field fits.
Respond with a single JSON object and nothing else.`,

	StageRefine: `You review a proposed column-to-field mapping that was made with low confidence.
Confirm it or reassign the column to a better field from the available list. Be conservative: only raise confidence when the evidence supports it.
Respond with a single JSON object and nothing else.`,

	StageSemantic: `You review evidence records that already passed format checks.
Flag records that are technically valid but contextually suspicious: templated or copy-pasted text, implausible duplicate values, placeholder data, contradictory narratives.
Refer to records only by the sampleIndex given. Respond with a single JSON object and nothing else.`,
}

// DefaultPrompts returns the built-in prompt source.
func DefaultPrompts() PromptSource {
	return builtinPrompts{}
}

type builtinPrompts struct{}

func (builtinPrompts) Load(stage string) (string, error) {
	p, ok := defaultPrompts[stage]
	if !ok {
		return "", fmt.Errorf("no built-in prompt for stage %q", stage)
	}
	return p, nil
}

// FilePrompts loads <dir>/<stage>.txt, falling back to the built-in prompt when the
// file is absent. Loaded prompts are cached until Reload.
type FilePrompts struct {
	dir   string
	mu    sync.RWMutex
	cache map[string]string
}

// NewFilePrompts returns a prompt source rooted at dir.
func NewFilePrompts(dir string) *FilePrompts {
	return &FilePrompts{dir: dir, cache: make(map[string]string)}
}

// Load returns the prompt for stage.
func (p *FilePrompts) Load(stage string) (string, error) {
	p.mu.RLock()
	if s, ok := p.cache[stage]; ok {
		p.mu.RUnlock()
		return s, nil
	}
	p.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(p.dir, stage+".txt"))
	if err != nil {
		if os.IsNotExist(err) {
			return builtinPrompts{}.Load(stage)
		}
		return "", fmt.Errorf("load prompt %q: %w", stage, err)
	}

	prompt := strings.TrimSpace(string(data))
	p.mu.Lock()
	p.cache[stage] = prompt
	p.mu.Unlock()
	return prompt, nil
}

// Reload clears the cache so edited files are picked up.
func (p *FilePrompts) Reload() {
	p.mu.Lock()
	p.cache = make(map[string]string)
	p.mu.Unlock()
}

// SystemPrompt loads the prompt for stage, using the built-in text when src is nil
// or fails.
func SystemPrompt(src PromptSource, stage string) string {
	if src != nil {
		if p, err := src.Load(stage); err == nil && p != "" {
			return p
		}
	}
	p, _ := builtinPrompts{}.Load(stage)
	return p
}
