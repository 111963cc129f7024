package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognicore/triage/pkg/triage/internalerr"
)

const testVocabulary = `
lexicon_path: lexicon.yaml
keywords:
  - term: Azure
    weight: 1.0
    category: vendor
  - term: Fortinet
    aliases: [FortiGate]
    weight: 0.9
    category: vendor
  - term: ransomware
    weight: 0.5
    category: threat
    requires_context: true
context_terms: [attack, exploit, vulnerability]
entities:
  actors:
    Volt Typhoon: [volt typhoon, bronze silhouette]
  sectors:
    healthcare: [hospital, clinic]
  regions:
    europe: [eu, europe]
`

const testLexicon = `
groups:
  - canonical: Azure
    aliases: [Microsoft Azure]
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadLayersFileAndEnvOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "triage.yaml", `
vocabulary_path: vocabulary.yaml
matching:
  enable_fuzzy_matching: true
  max_edit_distance: 1
dedup:
  window: 72h
triage:
  high_cutoff: 0.9
oracle:
  provider: openai
  model: llama3
  base_url: http://localhost:8000/v1/chat/completions
store:
  backend: memory
`)
	t.Setenv("TRIAGE_MATCHING_MIN_CONFIDENCE", "0.8")
	t.Setenv("TRIAGE_ORACLE_RETRY_MAX_RETRIES", "4")
	t.Setenv("TRIAGE_WORKERS", "9")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "vocabulary.yaml"), cfg.VocabularyPath)
	assert.True(t, cfg.Matching.EnableFuzzy)
	assert.Equal(t, 1, cfg.Matching.MaxEditDistance)
	assert.Equal(t, 0.8, cfg.Matching.MinConfidence)
	assert.True(t, cfg.Matching.WordBoundary, "unset keys keep defaults")
	assert.Equal(t, 72*time.Hour, cfg.Dedup.Window)
	assert.Equal(t, 0.85, cfg.Dedup.TitleThreshold)
	assert.Equal(t, 0.6, cfg.Triage.LowCutoff)
	assert.Equal(t, 0.9, cfg.Triage.HighCutoff)
	assert.Equal(t, 4, cfg.Oracle.Retry.MaxRetries)
	assert.Equal(t, 9, cfg.Workers)
	assert.Equal(t, StoreMemory, cfg.Store.Backend)
}

func TestLoadRejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"missing vocabulary": "workers: 2\n",
		"inverted cutoffs":   "vocabulary_path: v.yaml\ntriage:\n  low_cutoff: 0.9\n  high_cutoff: 0.5\n",
		"bad threshold":      "vocabulary_path: v.yaml\ndedup:\n  title_threshold: 1.5\n",
		"unknown provider":   "vocabulary_path: v.yaml\noracle:\n  provider: magic\n",
		"anthropic no key":   "vocabulary_path: v.yaml\noracle:\n  provider: anthropic\n  model: claude\n",
		"unknown store":      "vocabulary_path: v.yaml\nstore:\n  backend: redis\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, dir, "c.yaml", content))
			var cfgErr *internalerr.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"TRIAGE_MATCHING_MIN_CONFIDENCE":  "matching.min_confidence",
		"TRIAGE_VOCABULARY_PATH":          "vocabulary_path",
		"TRIAGE_ORACLE_RETRY_MAX_RETRIES": "oracle.retry.max_retries",
		"TRIAGE_ORACLE_EMBEDDER_MODEL":    "oracle.embedder.model",
		"TRIAGE_ORACLE_API_KEY":           "oracle.api_key",
		"TRIAGE_SINK_SUBJECT_PREFIX":      "sink.subject_prefix",
	}
	for in, want := range tests {
		assert.Equal(t, want, EnvKey(in), in)
	}
}

func TestLoadVocabulary(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "lexicon.yaml", testLexicon)
	path := writeFile(t, dir, "vocabulary.yaml", testVocabulary)

	v, err := LoadVocabulary(path, false)
	require.NoError(t, err)
	require.Len(t, v.Keywords, 3)
	assert.True(t, v.Keywords[2].RequiresContext)
	assert.Equal(t, []string{path, filepath.Join(dir, "lexicon.yaml")}, v.Files(path))

	idx, err := v.Index(false, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, idx.Lookup("microsoft azure"), "lexicon aliases are merged")
	assert.NotEmpty(t, idx.Lookup("fortigate"))
	assert.True(t, idx.IsContextTerm("exploit"))

	tax := v.Taxonomy()
	require.NotNil(t, tax)
}

func TestLoadVocabularyErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadVocabulary(filepath.Join(dir, "missing.yaml"), false)
	assert.Error(t, err)

	_, err = LoadVocabulary(writeFile(t, dir, "empty.yaml", "context_terms: [x]\n"), false)
	assert.ErrorIs(t, err, internalerr.ErrInvalidConfig)

	v, err := LoadVocabulary(writeFile(t, dir, "dup.yaml", `
keywords:
  - {term: Azure, weight: 1, category: vendor}
  - {term: azure, weight: 1, category: product}
`), false)
	require.NoError(t, err)
	_, err = v.Index(false, nil)
	assert.ErrorIs(t, err, internalerr.ErrInvalidConfig)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "vocabulary.yaml", testVocabulary)
	other := writeFile(t, dir, "unrelated.txt", "x")

	reloads := make(chan struct{}, 4)
	w, err := NewWatcher([]string{path}, func(context.Context) error {
		reloads <- struct{}{}
		return nil
	}, 20*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, os.WriteFile(other, []byte("y"), 0o600))
	require.NoError(t, os.WriteFile(path, []byte(testVocabulary+"\n# edited\n"), 0o600))

	select {
	case <-reloads:
	case <-time.After(5 * time.Second):
		t.Fatal("reload not triggered")
	}

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
