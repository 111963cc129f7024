package dedup

import (
	"time"

	"github.com/cognicore/triage/pkg/triage/internalerr"
)

// Config holds the deduplication thresholds.
type Config struct {
	Window               time.Duration `koanf:"window"`
	TitleThreshold       float64       `koanf:"title_threshold"`
	SemanticThreshold    float64       `koanf:"semantic_threshold"`
	SemanticMinRelevance float64       `koanf:"semantic_min_relevance"`
	SemanticNeighbors    int           `koanf:"semantic_neighbors"`
	MaxRetries           int           `koanf:"max_retries"`
}

// DefaultConfig returns a 14 day window, title ratio 0.85 and cosine 0.92.
func DefaultConfig() Config {
	return Config{
		Window:               14 * 24 * time.Hour,
		TitleThreshold:       0.85,
		SemanticThreshold:    0.92,
		SemanticMinRelevance: 0.5,
		SemanticNeighbors:    5,
		MaxRetries:           3,
	}
}

// Validate checks ranges.
func (c Config) Validate() error {
	if c.Window <= 0 {
		return internalerr.Configf("dedup.window", "must be positive, got %s", c.Window)
	}
	if c.TitleThreshold <= 0 || c.TitleThreshold > 1 {
		return internalerr.Configf("dedup.title_threshold", "%v outside (0,1]", c.TitleThreshold)
	}
	if c.SemanticThreshold <= 0 || c.SemanticThreshold > 1 {
		return internalerr.Configf("dedup.semantic_threshold", "%v outside (0,1]", c.SemanticThreshold)
	}
	if c.SemanticMinRelevance < 0 || c.SemanticMinRelevance > 1 {
		return internalerr.Configf("dedup.semantic_min_relevance", "%v outside [0,1]", c.SemanticMinRelevance)
	}
	if c.SemanticNeighbors < 1 {
		return internalerr.Configf("dedup.semantic_neighbors", "must be >= 1, got %d", c.SemanticNeighbors)
	}
	if c.MaxRetries < 0 {
		return internalerr.Configf("dedup.max_retries", "must be >= 0, got %d", c.MaxRetries)
	}
	return nil
}
