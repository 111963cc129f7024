package source

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const feed = `{"id":"a1","canonical_url":"https://example.com/a","title":"Azure outage","text":"body","published_at":"2026-03-01T10:00:00Z","source_domain":"Example.com"}
not json

{"url":"https://news.test/b?x=1","title":"Fortinet patch","text":"body","published_at":"2026-03-01T11:00:00+02:00","outlet":"news.test"}
{"title":"no id and no url","published_at":"2026-03-01T10:00:00Z"}
{"url":"https://blog.test/c","title":"domain from url","published_at":"2026-03-02T10:00:00Z"}
`

func TestRead(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	docs, err := Read(strings.NewReader(feed), zap.New(core))
	require.NoError(t, err)
	require.Len(t, docs, 3)

	assert.Equal(t, "a1", docs[0].ID)
	assert.Equal(t, "example.com", docs[0].SourceDomain)

	assert.Equal(t, uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://news.test/b?x=1")).String(), docs[1].ID)
	assert.Equal(t, "https://news.test/b?x=1", docs[1].CanonicalURL)
	assert.Equal(t, "news.test", docs[1].SourceDomain)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), docs[1].PublishedAt)

	assert.Equal(t, "blog.test", docs[2].SourceDomain)

	assert.Equal(t, 1, logs.FilterMessage("skipping malformed line").Len())
	assert.Equal(t, 1, logs.FilterMessage("skipping invalid document").Len())
}

func TestReadDerivesStableIDs(t *testing.T) {
	line := `{"url":"https://news.test/b","title":"t","published_at":"2026-03-01T10:00:00Z"}`
	first, err := Read(strings.NewReader(line), nil)
	require.NoError(t, err)
	second, err := Read(strings.NewReader(line), nil)
	require.NoError(t, err)
	assert.Equal(t, first[0].ID, second[0].ID)
}

func TestReadEmpty(t *testing.T) {
	_, err := Read(strings.NewReader("\nnot json\n"), nil)
	assert.Error(t, err)
}

func TestLoadFromJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(feed), 0o600))

	docs, err := LoadFromJSONL(path, zap.NewNop())
	require.NoError(t, err)
	assert.Len(t, docs, 3)

	_, err = LoadFromJSONL(filepath.Join(t.TempDir(), "missing.jsonl"), zap.NewNop())
	assert.Error(t, err)
}
