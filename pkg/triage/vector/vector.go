// Package vector holds the approximate nearest-neighbour index that backs
// semantic deduplication. Entries are scoped by publication time so a
// query only sees documents inside the dedup window.
package vector

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cognicore/triage/pkg/triage/internalerr"
)

// Entry is one indexed document embedding.
type Entry struct {
	DocID       string
	ClusterID   string
	PublishedAt time.Time
	Vector      []float32
}

// Neighbor is a query hit. Similarity is cosine similarity in [-1, 1].
type Neighbor struct {
	DocID       string
	ClusterID   string
	PublishedAt time.Time
	Similarity  float64
}

// Index is an ANN index over document embeddings.
type Index interface {
	Upsert(ctx context.Context, e Entry) error
	Nearest(ctx context.Context, vec []float32, since, until time.Time, k int) ([]Neighbor, error)
	Close() error
}

// Backends.
const (
	BackendNone    = "none"
	BackendChromem = "chromem"
	BackendQdrant  = "qdrant"
)

// Config selects and configures a backend.
type Config struct {
	Backend    string `koanf:"backend"`
	Collection string `koanf:"collection"`
	// chromem only; empty keeps the index in memory
	PersistPath string `koanf:"persist_path"`
	// qdrant only
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
	UseTLS bool   `koanf:"use_tls"`
	APIKey string `koanf:"api_key"`
	// Oversample multiplies k for the first query of backends that cannot
	// filter inside the ANN search; they widen from there as needed.
	Oversample int `koanf:"oversample"`
}

// DefaultConfig returns an in-memory chromem index.
func DefaultConfig() Config {
	return Config{
		Backend:    BackendChromem,
		Collection: "triage_documents",
		Host:       "localhost",
		Port:       6334,
		Oversample: 4,
	}
}

// Validate checks backend-specific settings.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendNone:
		return nil
	case BackendChromem, BackendQdrant:
	default:
		return internalerr.Configf("vector.backend", "unknown backend %q", c.Backend)
	}
	if c.Collection == "" {
		return internalerr.Configf("vector.collection", "must not be empty")
	}
	if c.Backend == BackendQdrant && (c.Host == "" || c.Port <= 0) {
		return internalerr.Configf("vector.host", "qdrant needs host and port")
	}
	if c.Oversample < 1 {
		return internalerr.Configf("vector.oversample", "must be >= 1, got %d", c.Oversample)
	}
	return nil
}

// Open builds the configured index. BackendNone returns nil, nil: semantic
// deduplication is then disabled.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (Index, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Backend {
	case BackendChromem:
		return NewChromem(cfg, logger)
	case BackendQdrant:
		return NewQdrant(ctx, cfg, logger)
	case BackendNone:
		return nil, nil
	}
	return nil, fmt.Errorf("vector backend %q: %w", cfg.Backend, internalerr.ErrInvalidConfig)
}
