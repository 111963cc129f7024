package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment overrides:
// TRIAGE_MATCHING_MIN_CONFIDENCE -> matching.min_confidence.
const EnvPrefix = "TRIAGE_"

const maxConfigFileSize = 1 << 20

// topLevelKeys are keys without a section; their underscores are kept.
var topLevelKeys = map[string]bool{
	"vocabulary_path": true,
	"workers":         true,
}

// nestedSections maps a section to sub-sections one level deeper, so
// TRIAGE_ORACLE_RETRY_MAX_RETRIES resolves to oracle.retry.max_retries.
var nestedSections = map[string][]string{
	"oracle": {"retry", "embedder"},
}

// Load reads the YAML file at path (optional when empty), applies
// TRIAGE_* environment overrides over the defaults and validates the
// result. A relative vocabulary_path is resolved against the config file's
// directory.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		content, err := readConfigFile(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", EnvKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if path != "" && cfg.VocabularyPath != "" && !filepath.IsAbs(cfg.VocabularyPath) {
		cfg.VocabularyPath = filepath.Join(filepath.Dir(path), cfg.VocabularyPath)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config %s: %d bytes exceeds %d", path, info.Size(), maxConfigFileSize)
	}
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return content, nil
}

// EnvKey maps an environment variable name to its koanf key.
func EnvKey(name string) string {
	lower := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	if topLevelKeys[lower] {
		return lower
	}
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	for _, sub := range nestedSections[section] {
		if rest, ok := strings.CutPrefix(field, sub+"_"); ok {
			return section + "." + sub + "." + rest
		}
	}
	return section + "." + field
}
