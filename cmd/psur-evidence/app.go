// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/goccy/go-yaml"
	"github.com/sirupsen/logrus"

	"github.com/Smarticus81/psurRegOSv1-sub001/internal/classifier"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/classifier/anthropic"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/config"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/evidence"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/evidence/parsers"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/logging"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/registry"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/render"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/tool"
)

// app holds everything a command needs after config is resolved.
type app struct {
	cfg     *config.Config
	log     *logrus.Logger
	options tool.Options
}

// newApp loads env files and config, applies flag overrides and builds the tool options.
// Logs go to stderr so stdout stays parseable.
func newApp(flags *rootFlags, stderr io.Writer) (*app, error) {
	if err := config.LoadEnv(flags.envFiles...); err != nil {
		return nil, err
	}
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.provider != "" {
		cfg.Classifier.Provider = flags.provider
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format, stderr)

	reg, err := loadRegistry(cfg)
	if err != nil {
		return nil, err
	}

	opts := tool.Options{
		Registry:   reg,
		Pipeline:   cfg.PipelineConfig(),
		Validation: cfg.ValidatorConfig(),
		Parsers:    parsers.Default(),
		Logger:     logger,
	}
	opts.Pipeline.Logger = logger
	opts.Validation.Logger = logger
	if cfg.PromptDir != "" {
		prompts := classifier.NewFilePrompts(cfg.PromptDir)
		opts.Pipeline.Prompts = prompts
		opts.Validation.Prompts = prompts
	}

	switch cfg.Classifier.Provider {
	case config.ProviderAnthropic:
		c, err := anthropic.New(anthropic.Config{
			APIKey:      cfg.APIKey(),
			BaseURL:     cfg.Classifier.BaseURL,
			Model:       cfg.Classifier.Model,
			Timeout:     cfg.ClassifierTimeout(),
			Temperature: cfg.Classifier.Temperature,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("%w (set %s or use --provider=none)", err, cfg.Classifier.APIKeyEnv)
		}
		opts.Classifier = c
	case config.ProviderSampling:
		opts.Sampling = true
	}

	return &app{cfg: cfg, log: logger, options: opts}, nil
}

func loadRegistry(cfg *config.Config) (*registry.Registry, error) {
	if cfg.RegistryFile == "" {
		return registry.Default()
	}
	data, err := os.ReadFile(cfg.RegistryFile)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	return registry.Load(data)
}

func (a *app) handlers() (*tool.Handlers, error) {
	return tool.NewHandlers(a.options)
}

// pipeline builds a discovery pipeline for one-shot commands. Sampling needs a
// connected MCP client, so it runs without a classifier here.
func (a *app) pipeline() (*evidence.Pipeline, error) {
	h, err := a.handlers()
	if err != nil {
		return nil, err
	}
	if a.options.Classifier == nil && a.options.Sampling {
		a.log.Warn("sampling provider has no client outside `serve mcp`; running without a classifier")
	}
	cfg := a.options.Pipeline
	cfg.Registry = h.Registry()
	cfg.Classifier = a.options.Classifier
	return evidence.NewPipeline(cfg, a.options.Parsers...)
}

// readSource reads path ("-" for stdin) into an evidence source.
func readSource(path, format string, stdin io.Reader) (evidence.EvidenceSource, error) {
	var (
		data []byte
		err  error
		id   = filepath.Base(path)
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
		id = "stdin"
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return evidence.EvidenceSource{}, fmt.Errorf("read %s: %w", path, err)
	}
	return evidence.EvidenceSource{Content: data, Format: format, ID: id}, nil
}

// loadHints reads a YAML or JSON file of table index -> column -> field.
func loadHints(path string) ([]evidence.DiscoverOption, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hints: %w", err)
	}
	var raw map[string]map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse hints %s: %w", path, err)
	}

	opts := make([]evidence.DiscoverOption, 0, len(raw))
	for key, hints := range raw {
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("hints: %q is not a table index", key)
		}
		opts = append(opts, evidence.WithColumnHints(idx, hints))
	}
	return opts, nil
}

// write prints v as indented JSON or through the pretty renderer.
func write(out io.Writer, format string, v any, pretty func(io.Writer, render.Mode) error) error {
	switch format {
	case "json", "":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "pretty", "table":
		return pretty(out, render.ASCII)
	case "markdown", "md":
		return pretty(out, render.Markdown)
	}
	return fmt.Errorf("unknown output format %q (want json, pretty or markdown)", format)
}
