package vector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("triage/vector")

const (
	metaCluster   = "cluster_id"
	metaPublished = "published_at"
)

var errNoEmbedding = errors.New("chromem: documents must carry precomputed embeddings")

// Chromem is an embedded index. chromem has exact-match metadata filters
// only, so the time window is applied to an oversampled result set that
// widens until it holds enough in-window entries.
type Chromem struct {
	db         *chromem.DB
	collection *chromem.Collection
	oversample int
	logger     *zap.Logger
}

// NewChromem opens an in-memory or persistent chromem collection.
func NewChromem(cfg Config, logger *zap.Logger) (*Chromem, error) {
	var (
		db  *chromem.DB
		err error
	)
	if cfg.PersistPath != "" {
		db, err = chromem.NewPersistentDB(cfg.PersistPath, false)
		if err != nil {
			return nil, fmt.Errorf("open chromem at %s: %w", cfg.PersistPath, err)
		}
	} else {
		db = chromem.NewDB()
	}

	// Vectors always arrive precomputed from the embedding oracle.
	embed := func(ctx context.Context, text string) ([]float32, error) { return nil, errNoEmbedding }
	coll, err := db.GetOrCreateCollection(cfg.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("chromem collection %s: %w", cfg.Collection, err)
	}
	if cfg.Oversample < 1 {
		cfg.Oversample = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Chromem{db: db, collection: coll, oversample: cfg.Oversample, logger: logger}, nil
}

// Upsert adds or replaces the entry for e.DocID.
func (c *Chromem) Upsert(ctx context.Context, e Entry) error {
	if len(e.Vector) == 0 {
		return fmt.Errorf("upsert %s: empty vector", e.DocID)
	}
	doc := chromem.Document{
		ID:      e.DocID,
		Content: e.DocID,
		Metadata: map[string]string{
			metaCluster:   e.ClusterID,
			metaPublished: strconv.FormatInt(e.PublishedAt.Unix(), 10),
		},
		Embedding: append([]float32(nil), e.Vector...),
	}
	if err := c.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("chromem upsert %s: %w", e.DocID, err)
	}
	return nil
}

// Nearest returns up to k neighbours published in [since, until], most
// similar first. The query starts at k*oversample results and doubles until
// k in-window neighbours are found or the whole collection was ranked, so
// closer entries outside the window never crowd out the ones inside it.
func (c *Chromem) Nearest(ctx context.Context, vec []float32, since, until time.Time, k int) ([]Neighbor, error) {
	ctx, span := tracer.Start(ctx, "Chromem.Nearest")
	defer span.End()

	if k <= 0 || len(vec) == 0 {
		return nil, nil
	}
	count := c.collection.Count()
	if count == 0 {
		return nil, nil
	}

	var (
		out     []Neighbor
		ranked  int
		queries int
	)
	for n := k * c.oversample; ; n *= 2 {
		// chromem requires nResults <= doc count
		if n > count {
			n = count
		}
		results, err := c.collection.QueryEmbedding(ctx, vec, n, nil, nil)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("chromem query: %w", err)
		}
		queries++
		ranked = len(results)
		out = c.inWindow(results, since, until)
		if len(out) >= k || n == count {
			break
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > k {
		out = out[:k]
	}

	span.SetAttributes(
		attribute.Int("candidates", ranked),
		attribute.Int("queries", queries),
		attribute.Int("results", len(out)),
	)
	span.SetStatus(codes.Ok, "success")
	return out, nil
}

func (c *Chromem) inWindow(results []chromem.Result, since, until time.Time) []Neighbor {
	out := make([]Neighbor, 0, len(results))
	for _, r := range results {
		sec, err := strconv.ParseInt(r.Metadata[metaPublished], 10, 64)
		if err != nil {
			c.logger.Warn("chromem entry without publication time", zap.String("doc_id", r.ID))
			continue
		}
		at := time.Unix(sec, 0).UTC()
		if at.Before(since.Truncate(time.Second)) || at.After(until) {
			continue
		}
		out = append(out, Neighbor{
			DocID:       r.ID,
			ClusterID:   r.Metadata[metaCluster],
			PublishedAt: at,
			Similarity:  float64(r.Similarity),
		})
	}
	return out
}

// Close is a no-op; persistent collections are written on every add.
func (c *Chromem) Close() error { return nil }

var _ Index = (*Chromem)(nil)
