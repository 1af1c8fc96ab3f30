package qdrant

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"ragindex/internal/domain"
	"ragindex/internal/vectorstore/remote"
)

// Kind is the backend name reported in collection stats.
const Kind = "qdrant"

// Config configures the Qdrant adapter.
type Config struct {
	URL        string
	APIKey     string
	Collection string
	// Dimension of stored vectors; zero adopts the first insert.
	Dimension int
	// Distance used when the collection is created: Cosine, Dot or Euclid.
	Distance string
	Timeout  time.Duration
	Logger   *slog.Logger
}

// pointNamespace scopes the UUIDv5 point ids derived from chunk ids.
var pointNamespace = uuid.MustParse("6f1c2d0e-5a4b-4c8e-9d3f-2b7a1e0c9f51")

// Store is a REST client to a Qdrant collection. The collection is created
// with the configured distance on first insert.
type Store struct {
	client     *remote.Client
	collection string
	distance   string
	logger     *slog.Logger

	mu        sync.Mutex
	dimension int
	ready     bool
}

// New creates a Qdrant store. No request is made until first use.
func New(cfg Config) *Store {
	if cfg.Collection == "" {
		cfg.Collection = "documents"
	}
	if cfg.Distance == "" {
		cfg.Distance = "Cosine"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		client:     remote.NewClient(remote.Config{BaseURL: cfg.URL, APIKey: cfg.APIKey, Timeout: cfg.Timeout}),
		collection: cfg.Collection,
		distance:   cfg.Distance,
		dimension:  cfg.Dimension,
		logger:     cfg.Logger,
	}
}

// PointID maps a chunk id to its deterministic Qdrant point id.
func PointID(chunkID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(chunkID)).String()
}

func (s *Store) Kind() string { return Kind }

func (s *Store) collectionPath(suffix string) string {
	return "/collections/" + url.PathEscape(s.collection) + suffix
}

func (s *Store) metric() remote.Metric {
	switch s.distance {
	case "Dot":
		return remote.DotProduct
	case "Euclid":
		return remote.Euclidean
	default:
		return remote.CosineSimilarity
	}
}

func (s *Store) ensureCollection(ctx context.Context, dimension int) error {
	if s.ready {
		return nil
	}
	err := s.client.Do(ctx, http.MethodGet, s.collectionPath(""), nil, nil)
	switch {
	case err == nil:
		s.ready = true
		return nil
	case !remote.IsNotFound(err):
		return err
	}
	body := map[string]any{
		"vectors": map[string]any{
			"size":     dimension,
			"distance": s.distance,
		},
	}
	if err := s.client.Do(ctx, http.MethodPut, s.collectionPath(""), body, nil); err != nil {
		return fmt.Errorf("create collection %s: %w", s.collection, err)
	}
	s.logger.Info("created qdrant collection", "collection", s.collection, "dimension", dimension, "distance", s.distance)
	s.ready = true
	return nil
}

// Insert upserts entries as points. Re-inserting a chunk id overwrites its
// point.
func (s *Store) Insert(ctx context.Context, entries []domain.EmbeddedChunk) (domain.InsertReport, error) {
	if len(entries) == 0 {
		return domain.InsertReport{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	points, report, err := s.points(entries)
	if err != nil {
		return report, err
	}
	return report, s.upsert(ctx, points, &report)
}

// ReplaceSource deletes the points whose metadata.source equals source and
// upserts entries. Nothing is deleted when every entry is rejected.
func (s *Store) ReplaceSource(ctx context.Context, source string, entries []domain.EmbeddedChunk) (domain.InsertReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	points, report, err := s.points(entries)
	if err != nil {
		return report, err
	}
	filter := map[string]any{
		"filter": map[string]any{
			"must": []map[string]any{{
				"key":   "metadata." + domain.MetaSource,
				"match": map[string]any{"value": source},
			}},
		},
	}
	err = s.client.Do(ctx, http.MethodPost, s.collectionPath("/points/delete?wait=true"), filter, nil)
	if err != nil && !remote.IsNotFound(err) {
		return report, fmt.Errorf("delete points of %s: %w", source, err)
	}
	if len(points) == 0 {
		return report, nil
	}
	return report, s.upsert(ctx, points, &report)
}

// points converts entries to Qdrant points, rejecting wrong dimensions.
// Callers hold s.mu.
func (s *Store) points(entries []domain.EmbeddedChunk) ([]map[string]any, domain.InsertReport, error) {
	var report domain.InsertReport
	if len(entries) == 0 {
		return nil, report, nil
	}
	if s.dimension == 0 {
		s.dimension = len(entries[0].Vector)
	}
	points := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		if len(e.Vector) != s.dimension || s.dimension == 0 {
			report.Rejected = append(report.Rejected, &domain.DimensionError{ChunkID: e.ChunkID, Expected: s.dimension, Got: len(e.Vector)})
			continue
		}
		points = append(points, map[string]any{
			"id":     PointID(e.ChunkID),
			"vector": e.Vector,
			"payload": map[string]any{
				"chunk_id": e.ChunkID,
				"content":  e.Content,
				"metadata": e.Metadata,
			},
		})
	}
	if len(points) == 0 {
		return nil, report, fmt.Errorf("all %d entries rejected: %w", len(entries), report.Rejected[0])
	}
	return points, report, nil
}

func (s *Store) upsert(ctx context.Context, points []map[string]any, report *domain.InsertReport) error {
	if err := s.ensureCollection(ctx, s.dimension); err != nil {
		return err
	}
	if err := s.client.Do(ctx, http.MethodPut, s.collectionPath("/points?wait=true"), map[string]any{"points": points}, nil); err != nil {
		return fmt.Errorf("upsert points: %w", err)
	}
	report.Inserted = len(points)
	return nil
}

type searchResponse struct {
	Result []struct {
		Score   float64 `json:"score"`
		Payload struct {
			ChunkID  string            `json:"chunk_id"`
			Content  string            `json:"content"`
			Metadata map[string]string `json:"metadata"`
		} `json:"payload"`
	} `json:"result"`
}

// Search returns the k nearest points. A missing collection yields no
// results.
func (s *Store) Search(ctx context.Context, query []float32, k int) ([]domain.RetrievedDocument, error) {
	if k <= 0 {
		return []domain.RetrievedDocument{}, nil
	}
	req := map[string]any{
		"vector":       query,
		"limit":        k,
		"with_payload": true,
	}
	var resp searchResponse
	err := s.client.Do(ctx, http.MethodPost, s.collectionPath("/points/search"), req, &resp)
	if remote.IsNotFound(err) {
		return []domain.RetrievedDocument{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("search points: %w", err)
	}

	s.mu.Lock()
	metric := s.metric()
	s.mu.Unlock()
	results := make([]domain.RetrievedDocument, 0, len(resp.Result))
	for _, r := range resp.Result {
		results = append(results, domain.RetrievedDocument{
			ChunkID:    r.Payload.ChunkID,
			Content:    r.Payload.Content,
			Metadata:   r.Payload.Metadata,
			Score:      remote.ToSimilarity(metric, r.Score),
			SourceType: domain.SourceInternal,
		})
	}
	return results, nil
}

// DeleteAll drops the collection. A missing collection is not an error.
func (s *Store) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.client.Do(ctx, http.MethodDelete, s.collectionPath(""), nil, nil)
	if err != nil && !remote.IsNotFound(err) {
		return fmt.Errorf("delete collection %s: %w", s.collection, err)
	}
	s.ready = false
	return nil
}

// Persist is a no-op; Qdrant persists on its own.
func (s *Store) Persist(context.Context) error { return nil }

type collectionInfo struct {
	Result struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size     int    `json:"size"`
					Distance string `json:"distance"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	} `json:"result"`
}

// Load checks that the server is reachable and adopts the existing
// collection's dimension and distance.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var info collectionInfo
	err := s.client.Do(ctx, http.MethodGet, s.collectionPath(""), nil, &info)
	if remote.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	vec := info.Result.Config.Params.Vectors
	if s.dimension != 0 && vec.Size != 0 && vec.Size != s.dimension {
		return fmt.Errorf("collection %s: %w", s.collection, &domain.DimensionError{Expected: s.dimension, Got: vec.Size})
	}
	if vec.Size != 0 {
		s.dimension = vec.Size
	}
	if vec.Distance != "" {
		s.distance = vec.Distance
	}
	s.ready = true
	return nil
}

// Count returns the exact number of points.
func (s *Store) Count(ctx context.Context) (int, error) {
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	err := s.client.Do(ctx, http.MethodPost, s.collectionPath("/points/count"), map[string]any{"exact": true}, &resp)
	if remote.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("count points: %w", err)
	}
	return resp.Result.Count, nil
}

func (s *Store) Close() error { return nil }

var _ domain.VectorIndex = (*Store)(nil)
