package vector

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const payloadDocID = "doc_id"

// pointNamespace derives stable qdrant point ids from document ids.
var pointNamespace = uuid.MustParse("6f1c1d3e-2b7a-4c55-9a43-8d0f5e2b7c11")

// Qdrant is a remote index. The collection is created on first upsert,
// sized to the first vector seen.
type Qdrant struct {
	client     *qdrant.Client
	collection string
	logger     *zap.Logger

	mu    sync.Mutex
	ready bool
}

// NewQdrant connects to qdrant over gRPC.
func NewQdrant(ctx context.Context, cfg Config, logger *zap.Logger) (*Qdrant, error) {
	qcfg := &qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey,
	}
	if !cfg.UseTLS {
		qcfg.GrpcOptions = append(qcfg.GrpcOptions, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("connected to qdrant",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("collection", cfg.Collection),
	)
	return &Qdrant{client: client, collection: cfg.Collection, logger: logger}, nil
}

// Upsert adds or replaces the point for e.DocID.
func (q *Qdrant) Upsert(ctx context.Context, e Entry) error {
	ctx, span := tracer.Start(ctx, "Qdrant.Upsert")
	defer span.End()

	if len(e.Vector) == 0 {
		return fmt.Errorf("upsert %s: empty vector", e.DocID)
	}
	if err := q.ensureCollection(ctx, len(e.Vector)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         []*qdrant.PointStruct{toPoint(e)},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("upserting point to collection %s: %w", q.collection, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// Nearest returns up to k neighbours published in [since, until]. The
// window is a payload range filter evaluated inside qdrant.
func (q *Qdrant) Nearest(ctx context.Context, vec []float32, since, until time.Time, k int) ([]Neighbor, error) {
	ctx, span := tracer.Start(ctx, "Qdrant.Nearest")
	defer span.End()

	if k <= 0 || len(vec) == 0 {
		return nil, nil
	}

	res, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         windowFilter(since, until),
	})
	if err != nil {
		if st, ok := status.FromError(err); ok && st.Code() == grpccodes.NotFound {
			return nil, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("searching collection %s: %w", q.collection, err)
	}

	out := make([]Neighbor, 0, len(res))
	for _, p := range res {
		n, ok := fromPayload(p.GetPayload())
		if !ok {
			continue
		}
		n.Similarity = float64(p.GetScore())
		out = append(out, n)
	}
	span.SetAttributes(attribute.Int("results", len(out)))
	span.SetStatus(codes.Ok, "success")
	return out, nil
}

// Close closes the gRPC connection.
func (q *Qdrant) Close() error {
	return q.client.Close()
}

func (q *Qdrant) ensureCollection(ctx context.Context, size int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ready {
		return nil
	}

	_, err := q.client.GetCollectionInfo(ctx, q.collection)
	if err == nil {
		q.ready = true
		return nil
	}
	if st, ok := status.FromError(err); !ok || st.Code() != grpccodes.NotFound {
		return fmt.Errorf("checking collection %s: %w", q.collection, err)
	}

	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(size),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("creating collection %s: %w", q.collection, err)
	}
	q.logger.Info("created qdrant collection", zap.String("collection", q.collection), zap.Int("vector_size", size))
	q.ready = true
	return nil
}

func pointID(docID string) *qdrant.PointId {
	return qdrant.NewIDUUID(uuid.NewSHA1(pointNamespace, []byte(docID)).String())
}

func toPoint(e Entry) *qdrant.PointStruct {
	return &qdrant.PointStruct{
		Id:      pointID(e.DocID),
		Vectors: qdrant.NewVectors(e.Vector...),
		Payload: map[string]*qdrant.Value{
			payloadDocID:  {Kind: &qdrant.Value_StringValue{StringValue: e.DocID}},
			metaCluster:   {Kind: &qdrant.Value_StringValue{StringValue: e.ClusterID}},
			metaPublished: {Kind: &qdrant.Value_IntegerValue{IntegerValue: e.PublishedAt.Unix()}},
		},
	}
}

func fromPayload(payload map[string]*qdrant.Value) (Neighbor, bool) {
	var n Neighbor
	for k, v := range payload {
		switch val := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			switch k {
			case payloadDocID:
				n.DocID = val.StringValue
			case metaCluster:
				n.ClusterID = val.StringValue
			}
		case *qdrant.Value_IntegerValue:
			if k == metaPublished {
				n.PublishedAt = time.Unix(val.IntegerValue, 0).UTC()
			}
		}
	}
	return n, n.DocID != ""
}

func windowFilter(since, until time.Time) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: metaPublished,
					Range: &qdrant.Range{
						Gte: qdrant.PtrOf(float64(since.Unix())),
						Lte: qdrant.PtrOf(float64(until.Unix())),
					},
				},
			},
		}},
	}
}

var _ Index = (*Qdrant)(nil)
