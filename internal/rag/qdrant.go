package rag

import (
	"context"
	"errors"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
)

// ErrNotCompleted is returned when the vector store acknowledges a write
// without reporting completed status.
var ErrNotCompleted = errors.New("rag: operation not completed by store")

// QdrantConfig holds connection parameters for a Qdrant vector store instance.
type QdrantConfig struct {
	// Host is the Qdrant server hostname (default: localhost).
	Host string

	// Port is the Qdrant gRPC port (default: 6334).
	Port int

	// Collection is the Qdrant collection name to use.
	Collection string

	// VectorSize is the dimensionality of the embeddings stored in this
	// collection. Must match the embedding provider's output dimension; a
	// mismatch against an existing collection fails construction.
	VectorSize uint64

	// APIKey is the optional Qdrant API key for authenticated clusters.
	APIKey string

	// UseTLS enables TLS for the gRPC connection.
	UseTLS bool
}

// QdrantStore implements VectorStore backed by a Qdrant instance.
type QdrantStore struct {
	// client is the underlying Qdrant gRPC client.
	client *qdrant.Client

	// cfg holds the resolved configuration for this store.
	cfg *QdrantConfig
}

// NewQdrantStore creates a new QdrantStore, ensuring the target collection
// exists (creating it if necessary) and that its vector size matches the
// configured embedding dimension. A dimension mismatch is a configuration
// error and fails construction so the process aborts at startup rather
// than storing inconsistent vectors.
func NewQdrantStore(ctx context.Context, cfg *QdrantConfig) (*QdrantStore, error) {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}

	clientCfg := &qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
	}

	client, err := qdrant.NewClient(clientCfg)
	if err != nil {
		return nil, fmt.Errorf("qdrant: failed to create client: %w", err)
	}

	store := &QdrantStore{client: client, cfg: cfg}
	if err := store.ensureCollection(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// ensureCollection creates the Qdrant collection if it does not already
// exist, or verifies the existing collection's vector size.
func (s *QdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to check collection existence: %w", err)
	}
	if exists {
		return s.checkVectorSize(ctx)
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.cfg.Collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     s.cfg.VectorSize,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant: failed to create collection %q: %w", s.cfg.Collection, err)
	}

	return nil
}

// checkVectorSize compares the existing collection's configured vector size
// against cfg.VectorSize and fails on mismatch.
func (s *QdrantStore) checkVectorSize(ctx context.Context) error {
	info, err := s.client.GetCollectionInfo(ctx, s.cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant: failed to inspect collection %q: %w", s.cfg.Collection, err)
	}

	params := info.GetConfig().GetParams().GetVectorsConfig().GetParams()
	if params == nil {
		// Named-vector collections are not used by this service; nothing to verify.
		return nil
	}
	if got := params.GetSize(); got != s.cfg.VectorSize {
		return fmt.Errorf("qdrant: collection %q has vector size %d but the embedding dimension is %d; fix EMBEDDING_DIMENSIONS or recreate the collection",
			s.cfg.Collection, got, s.cfg.VectorSize)
	}
	return nil
}

// Upsert stores or fully replaces a batch of points. Each point must carry
// its pre-computed embedding; this method never calls the embedder.
func (s *QdrantStore) Upsert(ctx context.Context, points []Point) error {
	qpoints := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		qpoints = append(qpoints, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(p.Payload),
		})
	}

	result, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.cfg.Collection,
		Points:         qpoints,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("qdrant: upsert failed: %w", err)
	}
	if result.GetStatus() != qdrant.UpdateStatus_Completed {
		return fmt.Errorf("qdrant: upsert status %s: %w", result.GetStatus(), ErrNotCompleted)
	}

	return nil
}

// Retrieve fetches points by id. Ids that do not exist are absent from the
// returned slice rather than reported as errors.
func (s *QdrantStore) Retrieve(ctx context.Context, ids []string, withVectors bool) ([]Point, error) {
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewIDUUID(id))
	}

	records, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.cfg.Collection,
		Ids:            pointIDs,
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(withVectors),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: retrieve failed: %w", err)
	}

	points := make([]Point, 0, len(records))
	for _, r := range records {
		points = append(points, Point{
			ID:      r.GetId().GetUuid(),
			Vector:  r.GetVectors().GetVector().GetData(),
			Payload: payloadToMap(r.GetPayload()),
		})
	}

	return points, nil
}

// Search performs a cosine similarity search restricted by filter and
// returns the top-limit results.
func (s *QdrantStore) Search(ctx context.Context, vector []float32, limit int, filter Filter) ([]ScoredPoint, error) {
	results, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.cfg.Collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          qdrant.PtrOf(uint64(limit)), //nolint:gosec // limit is a small positive config constant
		Filter:         s.filterToQdrant(filter),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant: search failed: %w", err)
	}

	points := make([]ScoredPoint, 0, len(results))
	for _, r := range results {
		points = append(points, ScoredPoint{
			Point: Point{
				ID:      r.GetId().GetUuid(),
				Payload: payloadToMap(r.GetPayload()),
			},
			Score: r.GetScore(),
		})
	}

	return points, nil
}

// Scroll pages through filtered records. The cursor is Qdrant's
// next_page_offset point id, passed through as an opaque string; callers
// must never interpret it.
func (s *QdrantStore) Scroll(ctx context.Context, filter Filter, limit int, cursor string) ([]Point, string, error) {
	req := &qdrant.ScrollPoints{
		CollectionName: s.cfg.Collection,
		Filter:         s.filterToQdrant(filter),
		Limit:          qdrant.PtrOf(uint32(limit)), //nolint:gosec // limit is validated by callers
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if cursor != "" {
		req.Offset = qdrant.NewIDUUID(cursor)
	}

	// The high-level Scroll helper discards next_page_offset, so go through
	// the points client directly to keep the pagination token.
	resp, err := s.client.GetPointsClient().Scroll(ctx, req)
	if err != nil {
		return nil, "", fmt.Errorf("qdrant: scroll failed: %w", err)
	}

	points := make([]Point, 0, len(resp.GetResult()))
	for _, r := range resp.GetResult() {
		points = append(points, Point{
			ID:      r.GetId().GetUuid(),
			Vector:  r.GetVectors().GetVector().GetData(),
			Payload: payloadToMap(r.GetPayload()),
		})
	}

	next := resp.GetNextPageOffset().GetUuid()
	return points, next, nil
}

// Delete removes points from the collection by their ids.
func (s *QdrantStore) Delete(ctx context.Context, ids []string) error {
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		pointIDs = append(pointIDs, qdrant.NewIDUUID(id))
	}

	result, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("qdrant: delete failed: %w", err)
	}
	if result.GetStatus() != qdrant.UpdateStatus_Completed {
		return fmt.Errorf("qdrant: delete status %s: %w", result.GetStatus(), ErrNotCompleted)
	}

	return nil
}

// DeleteByFilter removes every point matching the filter.
func (s *QdrantStore) DeleteByFilter(ctx context.Context, filter Filter) error {
	result, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.cfg.Collection,
		Points:         qdrant.NewPointsSelectorFilter(s.filterToQdrant(filter)),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("qdrant: filtered delete failed: %w", err)
	}
	if result.GetStatus() != qdrant.UpdateStatus_Completed {
		return fmt.Errorf("qdrant: filtered delete status %s: %w", result.GetStatus(), ErrNotCompleted)
	}

	return nil
}

// Client exposes the underlying gRPC client for readiness probes.
func (s *QdrantStore) Client() *qdrant.Client {
	return s.client
}

// Close closes the underlying Qdrant gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// filterToQdrant converts the typed Filter into Qdrant match conditions.
// Returns nil for a zero filter so the store applies no restriction.
func (s *QdrantStore) filterToQdrant(f Filter) *qdrant.Filter {
	if f.IsZero() {
		return nil
	}

	var must []*qdrant.Condition
	if f.SourceType != "" {
		must = append(must, qdrant.NewMatch("source_type", f.SourceType))
	}
	if f.SourceFile != "" {
		must = append(must, qdrant.NewMatch("source_file", f.SourceFile))
	}

	return &qdrant.Filter{Must: must}
}

// payloadToMap converts a Qdrant payload into plain Go scalar values.
// Nested structs and lists are not used by this service and are skipped.
func payloadToMap(payload map[string]*qdrant.Value) map[string]any {
	m := make(map[string]any, len(payload))
	for k, v := range payload {
		switch kind := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			m[k] = kind.StringValue
		case *qdrant.Value_IntegerValue:
			m[k] = kind.IntegerValue
		case *qdrant.Value_DoubleValue:
			m[k] = kind.DoubleValue
		case *qdrant.Value_BoolValue:
			m[k] = kind.BoolValue
		}
	}
	return m
}
