// Package chroma adapts a Chroma server's v1 REST API to domain.VectorIndex.
package chroma

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"ragindex/internal/domain"
	"ragindex/internal/vectorstore/remote"
)

// Kind is the backend name reported in collection stats.
const Kind = "chroma"

type Config struct {
	URL        string
	APIKey     string
	Collection string
	Dimension  int
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Store talks to one Chroma collection created with cosine space.
type Store struct {
	client     *remote.Client
	collection string
	logger     *slog.Logger

	mu        sync.Mutex
	id        string
	dimension int
}

func New(cfg Config) *Store {
	if cfg.Collection == "" {
		cfg.Collection = "documents"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		client: remote.NewClient(remote.Config{
			BaseURL:      cfg.URL,
			APIKey:       cfg.APIKey,
			APIKeyHeader: "X-Chroma-Token",
			Timeout:      cfg.Timeout,
		}),
		collection: cfg.Collection,
		dimension:  cfg.Dimension,
		logger:     cfg.Logger,
	}
}

func (s *Store) Kind() string { return Kind }

// collectionID returns the id of the collection, creating it if needed.
// Callers hold s.mu.
func (s *Store) collectionID(ctx context.Context) (string, error) {
	if s.id != "" {
		return s.id, nil
	}
	body := map[string]any{
		"name":          s.collection,
		"metadata":      map[string]any{"hnsw:space": "cosine"},
		"get_or_create": true,
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := s.client.Do(ctx, http.MethodPost, "/api/v1/collections", body, &resp); err != nil {
		return "", fmt.Errorf("get or create collection %s: %w", s.collection, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("get or create collection %s: empty id", s.collection)
	}
	s.id = resp.ID
	return s.id, nil
}

func (s *Store) resolve(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collectionID(ctx)
}

// Insert upserts entries keyed by chunk id.
func (s *Store) Insert(ctx context.Context, entries []domain.EmbeddedChunk) (domain.InsertReport, error) {
	if len(entries) == 0 {
		return domain.InsertReport{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, report, err := s.batch(entries)
	if err != nil {
		return report, err
	}
	id, err := s.collectionID(ctx)
	if err != nil {
		return report, err
	}
	return report, s.upsert(ctx, id, batch, &report)
}

// ReplaceSource deletes the records whose source metadata equals source and
// upserts entries. Nothing is deleted when every entry is rejected.
func (s *Store) ReplaceSource(ctx context.Context, source string, entries []domain.EmbeddedChunk) (domain.InsertReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, report, err := s.batch(entries)
	if err != nil {
		return report, err
	}
	id, err := s.collectionID(ctx)
	if err != nil {
		return report, err
	}
	where := map[string]any{"where": map[string]any{domain.MetaSource: source}}
	if err := s.client.Do(ctx, http.MethodPost, "/api/v1/collections/"+url.PathEscape(id)+"/delete", where, nil); err != nil {
		return report, fmt.Errorf("delete records of %s: %w", source, err)
	}
	if batch == nil {
		return report, nil
	}
	return report, s.upsert(ctx, id, batch, &report)
}

type upsertBatch struct {
	IDs        []string            `json:"ids"`
	Embeddings [][]float32         `json:"embeddings"`
	Documents  []string            `json:"documents"`
	Metadatas  []map[string]string `json:"metadatas"`
}

// batch builds the upsert body, rejecting wrong dimensions. A nil batch
// means there was nothing to insert. Callers hold s.mu.
func (s *Store) batch(entries []domain.EmbeddedChunk) (*upsertBatch, domain.InsertReport, error) {
	var report domain.InsertReport
	if len(entries) == 0 {
		return nil, report, nil
	}
	if s.dimension == 0 {
		s.dimension = len(entries[0].Vector)
	}
	b := &upsertBatch{}
	for _, e := range entries {
		if len(e.Vector) != s.dimension || s.dimension == 0 {
			report.Rejected = append(report.Rejected, &domain.DimensionError{ChunkID: e.ChunkID, Expected: s.dimension, Got: len(e.Vector)})
			continue
		}
		b.IDs = append(b.IDs, e.ChunkID)
		b.Embeddings = append(b.Embeddings, e.Vector)
		b.Documents = append(b.Documents, e.Content)
		md := e.Metadata
		if len(md) == 0 {
			md = map[string]string{"chunk_id": e.ChunkID}
		}
		b.Metadatas = append(b.Metadatas, md)
	}
	if len(b.IDs) == 0 {
		return nil, report, fmt.Errorf("all %d entries rejected: %w", len(entries), report.Rejected[0])
	}
	return b, report, nil
}

func (s *Store) upsert(ctx context.Context, id string, b *upsertBatch, report *domain.InsertReport) error {
	if err := s.client.Do(ctx, http.MethodPost, "/api/v1/collections/"+url.PathEscape(id)+"/upsert", b, nil); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	report.Inserted = len(b.IDs)
	return nil
}

type queryResponse struct {
	IDs       [][]string            `json:"ids"`
	Documents [][]string            `json:"documents"`
	Metadatas [][]map[string]string `json:"metadatas"`
	Distances [][]float64           `json:"distances"`
}

// Search queries the collection and converts cosine distance to
// similarity.
func (s *Store) Search(ctx context.Context, query []float32, k int) ([]domain.RetrievedDocument, error) {
	if k <= 0 {
		return []domain.RetrievedDocument{}, nil
	}
	id, err := s.resolve(ctx)
	if err != nil {
		return nil, err
	}
	body := map[string]any{
		"query_embeddings": [][]float32{query},
		"n_results":        k,
		"include":          []string{"documents", "metadatas", "distances"},
	}
	var resp queryResponse
	if err := s.client.Do(ctx, http.MethodPost, "/api/v1/collections/"+url.PathEscape(id)+"/query", body, &resp); err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	if len(resp.IDs) == 0 {
		return []domain.RetrievedDocument{}, nil
	}

	ids := resp.IDs[0]
	results := make([]domain.RetrievedDocument, 0, len(ids))
	for i, chunkID := range ids {
		doc := domain.RetrievedDocument{ChunkID: chunkID, SourceType: domain.SourceInternal}
		if len(resp.Documents) > 0 && i < len(resp.Documents[0]) {
			doc.Content = resp.Documents[0][i]
		}
		if len(resp.Metadatas) > 0 && i < len(resp.Metadatas[0]) {
			doc.Metadata = resp.Metadatas[0][i]
		}
		if len(resp.Distances) > 0 && i < len(resp.Distances[0]) {
			doc.Score = remote.ToSimilarity(remote.CosineDistance, resp.Distances[0][i])
		}
		results = append(results, doc)
	}
	return results, nil
}

// DeleteAll deletes the collection. It is recreated on next use.
func (s *Store) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.client.Do(ctx, http.MethodDelete, "/api/v1/collections/"+url.PathEscape(s.collection), nil, nil)
	if err != nil && !remote.IsNotFound(err) {
		return fmt.Errorf("delete collection %s: %w", s.collection, err)
	}
	s.id = ""
	return nil
}

// Persist is a no-op; the Chroma server owns persistence.
func (s *Store) Persist(context.Context) error { return nil }

// Load checks the server heartbeat and resolves the collection.
func (s *Store) Load(ctx context.Context) error {
	if err := s.client.Do(ctx, http.MethodGet, "/api/v1/heartbeat", nil, nil); err != nil {
		return err
	}
	_, err := s.resolve(ctx)
	return err
}

func (s *Store) Count(ctx context.Context) (int, error) {
	id, err := s.resolve(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	if err := s.client.Do(ctx, http.MethodGet, "/api/v1/collections/"+url.PathEscape(id)+"/count", nil, &n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (s *Store) Close() error { return nil }

var _ domain.VectorIndex = (*Store)(nil)
