// Package config loads run settings from flags, environment, .env and an
// optional .notemine.yaml through viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/jmylchreest/notemine/internal/version"
	"github.com/jmylchreest/notemine/pkg/batch"
	"github.com/jmylchreest/notemine/pkg/extractor"
	"github.com/jmylchreest/notemine/pkg/llm"
)

// EnvPrefix prefixes every environment override, e.g. NOTEMINE_CONCURRENCY.
const EnvPrefix = "NOTEMINE"

var validate = validator.New()

// Config is the full set of settings for one run.
type Config struct {
	Provider       string        `mapstructure:"provider"`
	Model          string        `mapstructure:"model"`
	APIKey         string        `mapstructure:"api_key"`
	BaseURL        string        `mapstructure:"base_url" validate:"omitempty,url"`
	Timeout        time.Duration `mapstructure:"timeout" validate:"gte=0"`
	Temperature    float64       `mapstructure:"temperature" validate:"gte=0,lte=2"`
	MaxTokens      int           `mapstructure:"max_tokens" validate:"gte=1"`
	MaxContentSize string        `mapstructure:"max_content_size"` // e.g. "100KB"; "0" or empty is unlimited
	RateLimitRPM   int           `mapstructure:"rate_limit_rpm" validate:"gte=0"`
	JSONSchema     bool          `mapstructure:"json_schema"`
	Strict         bool          `mapstructure:"strict"`
	IncludeRaw     bool          `mapstructure:"include_raw"`

	Concurrency int     `mapstructure:"concurrency" validate:"gte=1"`
	MaxAttempts int     `mapstructure:"max_attempts" validate:"gte=1"`
	Backoff     Backoff `mapstructure:"backoff"`

	Output    string   `mapstructure:"output"`
	Overwrite bool     `mapstructure:"overwrite"`
	Resume    bool     `mapstructure:"resume"`
	Total     int      `mapstructure:"total" validate:"gte=0"`
	Elements  []string `mapstructure:"elements"`

	MetricsAddr string `mapstructure:"metrics_addr"`

	Log Log `mapstructure:"log"`
}

// Backoff mirrors extractor.Backoff with config-file friendly durations.
type Backoff struct {
	Base       time.Duration `mapstructure:"base" validate:"gte=0"`
	Multiplier float64       `mapstructure:"multiplier" validate:"gte=1"`
	Cap        time.Duration `mapstructure:"cap" validate:"gte=0"`
	Jitter     float64       `mapstructure:"jitter" validate:"gte=0,lt=1"`
}

// Log selects the console log format.
type Log struct {
	Debug bool `mapstructure:"debug"`
	Quiet bool `mapstructure:"quiet"`
	JSON  bool `mapstructure:"json"`
	Color bool `mapstructure:"color"`
}

// Defaults returns the built-in settings.
func Defaults() Config {
	policy := extractor.DefaultPolicy()
	ext := extractor.DefaultConfig()
	return Config{
		Timeout:        llm.DefaultProviderConfig().Timeout,
		MaxTokens:      ext.MaxTokens,
		MaxContentSize: "100KB",
		JSONSchema:     ext.JSONSchema,
		Concurrency:    batch.DefaultConfig().Concurrency,
		MaxAttempts:    policy.MaxAttempts,
		Backoff: Backoff{
			Base:       policy.Backoff.Base,
			Multiplier: policy.Backoff.Multiplier,
			Cap:        policy.Backoff.Cap,
			Jitter:     policy.Backoff.Jitter,
		},
		Output: "results.jsonl",
		Log:    Log{Color: true},
	}
}

// SetDefaults registers every key with its default so that environment
// overrides apply during Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	defaults := map[string]any{
		"provider":           d.Provider,
		"model":              d.Model,
		"api_key":            d.APIKey,
		"base_url":           d.BaseURL,
		"timeout":            d.Timeout,
		"temperature":        d.Temperature,
		"max_tokens":         d.MaxTokens,
		"max_content_size":   d.MaxContentSize,
		"rate_limit_rpm":     d.RateLimitRPM,
		"json_schema":        d.JSONSchema,
		"strict":             d.Strict,
		"include_raw":        d.IncludeRaw,
		"concurrency":        d.Concurrency,
		"max_attempts":       d.MaxAttempts,
		"backoff.base":       d.Backoff.Base,
		"backoff.multiplier": d.Backoff.Multiplier,
		"backoff.cap":        d.Backoff.Cap,
		"backoff.jitter":     d.Backoff.Jitter,
		"output":             d.Output,
		"overwrite":          d.Overwrite,
		"resume":             d.Resume,
		"total":              d.Total,
		"elements":           d.Elements,
		"metrics_addr":       d.MetricsAddr,
		"log.debug":          d.Log.Debug,
		"log.quiet":          d.Log.Quiet,
		"log.json":           d.Log.JSON,
		"log.color":          d.Log.Color,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// NewViper returns a viper instance with defaults and NOTEMINE_* environment
// overrides. When configFile is empty, .notemine.yaml is looked up in the
// working directory and then the home directory; a missing file is fine.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", configFile, err)
		}
		return v, nil
	}

	v.SetConfigName(".notemine")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return v, nil
}

// Load decodes v into a Config, fills in the provider and API key from the
// environment when unset, and validates the result.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}

	if cfg.Provider == "" {
		cfg.Provider, _ = llm.DetectProvider()
	}
	if cfg.APIKey == "" {
		cfg.APIKey = llm.APIKeyFromEnv(cfg.Provider)
	}
	if cfg.Model == "" {
		cfg.Model = llm.GetDefaultModel(cfg.Provider)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field ranges and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if !llm.IsRegistered(c.Provider) {
		return fmt.Errorf("invalid config: unknown provider %q (available: %s)", c.Provider, strings.Join(llm.AvailableProviders(), ", "))
	}
	if c.APIKey == "" && llm.RequiresAPIKey(c.Provider) {
		return fmt.Errorf("invalid config: provider %s: %w", c.Provider, llm.ErrMissingAPIKey)
	}
	if _, err := c.MaxContentBytes(); err != nil {
		return fmt.Errorf("invalid config: max_content_size: %w", err)
	}
	if c.Overwrite && c.Resume {
		return errors.New("invalid config: overwrite and resume are mutually exclusive")
	}
	if c.Output == "" {
		return errors.New("invalid config: output is required")
	}
	return nil
}

// MaxContentBytes parses MaxContentSize. Zero means unlimited.
func (c Config) MaxContentBytes() (int, error) {
	s := strings.TrimSpace(c.MaxContentSize)
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Policy returns the retry policy.
func (c Config) Policy() extractor.Policy {
	return extractor.Policy{
		MaxAttempts: c.MaxAttempts,
		Backoff: extractor.Backoff{
			Base:       c.Backoff.Base,
			Multiplier: c.Backoff.Multiplier,
			Cap:        c.Backoff.Cap,
			Jitter:     c.Backoff.Jitter,
		},
	}
}

// BatchConfig returns the engine settings.
func (c Config) BatchConfig() batch.Config {
	return batch.Config{
		Concurrency: c.Concurrency,
		Output:      c.Output,
		Overwrite:   c.Overwrite,
		Total:       c.Total,
	}
}

// ProviderConfig returns the gateway settings.
func (c Config) ProviderConfig() llm.ProviderConfig {
	return llm.ProviderConfig{
		APIKey:    c.APIKey,
		BaseURL:   c.BaseURL,
		Model:     c.Model,
		Timeout:   c.Timeout,
		UserAgent: version.UserAgent(),
	}
}

// ExtractorOptions returns the per-note extraction options.
func (c Config) ExtractorOptions() []extractor.Option {
	maxContent, _ := c.MaxContentBytes()
	return []extractor.Option{
		extractor.WithPolicy(c.Policy()),
		extractor.WithTemperature(c.Temperature),
		extractor.WithMaxTokens(c.MaxTokens),
		extractor.WithMaxContentSize(maxContent),
		extractor.WithJSONSchema(c.JSONSchema),
		extractor.WithStrictMode(c.Strict),
		extractor.WithRawResponse(c.IncludeRaw),
	}
}
