// Package config loads the engine configuration and keyword vocabulary
// and watches both for changes.
package config

import (
	"time"

	"github.com/cognicore/triage/pkg/triage/decision"
	"github.com/cognicore/triage/pkg/triage/dedup"
	"github.com/cognicore/triage/pkg/triage/guardrail"
	"github.com/cognicore/triage/pkg/triage/internalerr"
	"github.com/cognicore/triage/pkg/triage/logging"
	"github.com/cognicore/triage/pkg/triage/match"
	"github.com/cognicore/triage/pkg/triage/oracle"
	"github.com/cognicore/triage/pkg/triage/sink"
	"github.com/cognicore/triage/pkg/triage/vector"
)

// Oracle providers.
const (
	ProviderNone      = "none"
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai" // any OpenAI-compatible chat endpoint
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Config is the full engine configuration.
type Config struct {
	VocabularyPath string           `koanf:"vocabulary_path"`
	Workers        int              `koanf:"workers"`
	Matching       match.Config     `koanf:"matching"`
	Dedup          dedup.Config     `koanf:"dedup"`
	Triage         decision.Policy  `koanf:"triage"`
	Oracle         OracleConfig     `koanf:"oracle"`
	Guardrail      guardrail.Config `koanf:"guardrail"`
	Store          StoreConfig      `koanf:"store"`
	Vector         vector.Config    `koanf:"vector"`
	Sink           sink.Config      `koanf:"sink"`
	Log            logging.Config   `koanf:"log"`
}

// OracleConfig configures the semantic scorer and the embedder.
type OracleConfig struct {
	Provider string        `koanf:"provider"`
	Model    string        `koanf:"model"`
	APIKey   string        `koanf:"api_key"`
	BaseURL  string        `koanf:"base_url"`
	Timeout  time.Duration `koanf:"timeout"` // overall, across retries

	Retry    oracle.RetryConfig    `koanf:"retry"`
	Embedder oracle.EmbedderConfig `koanf:"embedder"` // empty model disables Tier 2
}

// StoreConfig selects the cluster store.
type StoreConfig struct {
	Backend string `koanf:"backend"`
	Path    string `koanf:"path"`
}

// Default returns the built-in configuration. Loaded values are layered on
// top of it, so a key missing from the file keeps its default.
func Default() Config {
	return Config{
		Workers:   4,
		Matching:  match.DefaultConfig(),
		Dedup:     dedup.DefaultConfig(),
		Triage:    decision.DefaultPolicy(),
		Guardrail: guardrail.DefaultConfig(),
		Oracle: OracleConfig{
			Provider: ProviderNone,
			Timeout:  30 * time.Second,
			Retry:    oracle.DefaultRetryConfig(),
		},
		Store:  StoreConfig{Backend: StoreSQLite, Path: "triage.db"},
		Vector: vector.DefaultConfig(),
		Sink:   sink.DefaultConfig(),
		Log:    logging.DefaultConfig(),
	}
}

// Validate checks every section and returns the first ConfigurationError.
func (c *Config) Validate() error {
	if c.VocabularyPath == "" {
		return internalerr.Configf("vocabulary_path", "required")
	}
	if c.Workers < 1 {
		return internalerr.Configf("workers", "must be >= 1, got %d", c.Workers)
	}
	switch c.Oracle.Provider {
	case ProviderNone:
	case ProviderAnthropic, ProviderOpenAI:
		if c.Oracle.Model == "" {
			return internalerr.Configf("oracle.model", "required for provider %q", c.Oracle.Provider)
		}
	default:
		return internalerr.Configf("oracle.provider", "unknown provider %q", c.Oracle.Provider)
	}
	if c.Oracle.Provider == ProviderAnthropic && c.Oracle.APIKey == "" {
		return internalerr.Configf("oracle.api_key", "required for provider %q", ProviderAnthropic)
	}
	if c.Oracle.Provider == ProviderOpenAI && c.Oracle.BaseURL == "" {
		return internalerr.Configf("oracle.base_url", "required for provider %q", ProviderOpenAI)
	}
	if c.Oracle.Timeout <= 0 {
		return internalerr.Configf("oracle.timeout", "must be positive, got %s", c.Oracle.Timeout)
	}
	switch c.Store.Backend {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.Path == "" {
			return internalerr.Configf("store.path", "required for sqlite")
		}
	default:
		return internalerr.Configf("store.backend", "unknown backend %q", c.Store.Backend)
	}

	for _, v := range []interface{ Validate() error }{
		c.Matching, c.Dedup, c.Triage, c.Guardrail, c.Vector, c.Sink, c.Log,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}
