// SPDX-License-Identifier: Apache-2.0

// Package config loads engine settings from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"

	"github.com/Smarticus81/psurRegOSv1-sub001/internal/evidence"
	"github.com/Smarticus81/psurRegOSv1-sub001/internal/validation"
)

// Classifier providers.
const (
	ProviderAnthropic = "anthropic"
	ProviderSampling  = "sampling"
	ProviderNone      = "none"
)

// Config is the full engine configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Resolver   ResolverConfig   `yaml:"resolver"`
	Validation ValidationConfig `yaml:"validation"`
	Server     ServerConfig     `yaml:"server"`

	// RegistryFile replaces the built-in evidence type registry when set.
	RegistryFile string `yaml:"registryFile"`

	// PromptDir overrides the built-in system prompts per stage.
	PromptDir string `yaml:"promptDir"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn warning error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

type ClassifierConfig struct {
	Provider    string  `yaml:"provider" validate:"oneof=anthropic sampling none"`
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"baseURL" validate:"omitempty,url"`
	APIKeyEnv   string  `yaml:"apiKeyEnv" validate:"required"`
	Timeout     string  `yaml:"timeout" validate:"required"`
	Temperature float64 `yaml:"temperature" validate:"gte=0,lte=1"`
}

type DiscoveryConfig struct {
	Threshold           float64 `yaml:"threshold" validate:"gte=0,lte=1"`
	FallbackType        string  `yaml:"fallbackType"`
	MaxConcurrentTables int     `yaml:"maxConcurrentTables" validate:"gte=1"`
	PreviewRows         int     `yaml:"previewRows" validate:"gte=1"`
}

type ResolverConfig struct {
	BatchMax                int     `yaml:"batchMax" validate:"gte=1"`
	PatternAccept           float64 `yaml:"patternAccept" validate:"gte=0,lte=1"`
	KeywordAccept           float64 `yaml:"keywordAccept" validate:"gte=0,lte=1"`
	RefineBelow             float64 `yaml:"refineBelow" validate:"gte=0,lte=1"`
	ConfirmBelow            float64 `yaml:"confirmBelow" validate:"gte=0,lte=1"`
	ClassifierMinConfidence float64 `yaml:"classifierMinConfidence" validate:"gte=0,lte=1"`
}

type ValidationConfig struct {
	SampleSize       int     `yaml:"sampleSize" validate:"gte=1"`
	SampleSeed       uint64  `yaml:"sampleSeed"`
	GraceDays        int     `yaml:"graceDays" validate:"gte=0"`
	RecordValidScore int     `yaml:"recordValidScore" validate:"gte=0,lte=100"`
	BatchValidScore  float64 `yaml:"batchValidScore" validate:"gte=0,lte=100"`
	ReviewConfidence float64 `yaml:"reviewConfidence" validate:"gte=0,lte=1"`
}

type ServerConfig struct {
	HTTPAddr string `yaml:"httpAddr" validate:"required"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Classifier: ClassifierConfig{
			Provider:  ProviderAnthropic,
			APIKeyEnv: "ANTHROPIC_API_KEY",
			Timeout:   "60s",
		},
		Discovery: DiscoveryConfig{
			Threshold:           evidence.DefaultDiscoveryThreshold,
			MaxConcurrentTables: evidence.DefaultMaxConcurrentTables,
			PreviewRows:         evidence.DefaultPreviewRows,
		},
		Resolver: ResolverConfig{
			BatchMax:                evidence.DefaultBatchMax,
			PatternAccept:           evidence.DefaultPatternAccept,
			KeywordAccept:           evidence.DefaultKeywordAccept,
			RefineBelow:             evidence.DefaultRefineBelow,
			ConfirmBelow:            evidence.DefaultConfirmBelow,
			ClassifierMinConfidence: evidence.DefaultClassifierMinConfidence,
		},
		Validation: ValidationConfig{
			SampleSize:       validation.DefaultSampleSize,
			SampleSeed:       validation.DefaultSampleSeed,
			GraceDays:        validation.DefaultGraceDays,
			RecordValidScore: validation.DefaultRecordValidScore,
			BatchValidScore:  validation.DefaultBatchValidScore,
			ReviewConfidence: validation.DefaultReviewConfidence,
		},
		Server: ServerConfig{HTTPAddr: ":8080"},
	}
}

// Load overlays the YAML file at path onto Default and validates the result.
// An empty path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads .env files into the process environment. Missing files are ignored.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load env %s: %w", f, err)
		}
	}
	return nil
}

// ValidationError lists invalid settings as field -> failed rule.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "invalid config: " + strings.Join(parts, ", ")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field rules and cross-field constraints.
func (c *Config) Validate() error {
	fields := map[string]string{}
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for k, v := range processValidationErrors(verrs) {
			fields[k] = v
		}
	}
	if _, err := time.ParseDuration(c.Classifier.Timeout); err != nil {
		fields["classifier.timeout"] = "duration"
	}
	if c.Resolver.RefineBelow > c.Resolver.ConfirmBelow {
		fields["resolver.refineBelow"] = "ltefield=confirmBelow"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// processValidationErrors flattens validator errors into a yaml path -> tag map.
func processValidationErrors(verrs validator.ValidationErrors) map[string]string {
	out := make(map[string]string, len(verrs))
	for _, ve := range verrs {
		ns := ve.Namespace()
		if i := strings.IndexByte(ns, '.'); i >= 0 {
			ns = ns[i+1:]
		}
		out[ns] = ve.Tag()
	}
	return out
}

// APIKey returns the classifier API key from the configured environment variable.
func (c *Config) APIKey() string {
	return os.Getenv(c.Classifier.APIKeyEnv)
}

// ClassifierTimeout returns the parsed classifier timeout.
func (c *Config) ClassifierTimeout() time.Duration {
	d, err := time.ParseDuration(c.Classifier.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// PipelineConfig maps the discovery and resolver settings. Registry, classifier,
// prompts and logger are left for the caller.
func (c *Config) PipelineConfig() evidence.PipelineConfig {
	return evidence.PipelineConfig{
		FallbackType:        c.Discovery.FallbackType,
		DiscoveryThreshold:  c.Discovery.Threshold,
		MaxConcurrentTables: c.Discovery.MaxConcurrentTables,
		PreviewRows:         c.Discovery.PreviewRows,
		Resolver: evidence.ResolverConfig{
			BatchMax:                c.Resolver.BatchMax,
			PatternAccept:           c.Resolver.PatternAccept,
			KeywordAccept:           c.Resolver.KeywordAccept,
			RefineBelow:             c.Resolver.RefineBelow,
			ConfirmBelow:            c.Resolver.ConfirmBelow,
			ClassifierMinConfidence: c.Resolver.ClassifierMinConfidence,
		},
	}
}

// ValidatorConfig maps the validation settings.
func (c *Config) ValidatorConfig() validation.Config {
	return validation.Config{
		SampleSize:       c.Validation.SampleSize,
		SampleSeed:       c.Validation.SampleSeed,
		GraceDays:        c.Validation.GraceDays,
		RecordValidScore: c.Validation.RecordValidScore,
		BatchValidScore:  c.Validation.BatchValidScore,
		ReviewConfidence: c.Validation.ReviewConfidence,
	}
}
