package retriever

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"ragindex/internal/domain"
	"ragindex/internal/embedding"
)

// RelevanceFloor is the similarity at or below which results are dropped.
const RelevanceFloor = 0.1

// DefaultK is used when Retrieve is called with k <= 0.
const DefaultK = 5

// Source is one place the retriever can search.
type Source interface {
	Name() string
	Type() domain.SourceType
	Search(ctx context.Context, vec []float32, k int) ([]domain.RetrievedDocument, error)
}

// IndexSource adapts a VectorIndex to Source.
type IndexSource struct {
	name  string
	typ   domain.SourceType
	index domain.VectorIndex
}

func NewIndexSource(name string, typ domain.SourceType, index domain.VectorIndex) *IndexSource {
	return &IndexSource{name: name, typ: typ, index: index}
}

func (s *IndexSource) Name() string            { return s.name }
func (s *IndexSource) Type() domain.SourceType { return s.typ }

func (s *IndexSource) Search(ctx context.Context, vec []float32, k int) ([]domain.RetrievedDocument, error) {
	docs, err := s.index.Search(ctx, vec, k)
	if err != nil {
		return nil, err
	}
	for i := range docs {
		docs[i].SourceType = s.typ
	}
	return docs, nil
}

// Config tunes retrieval.
type Config struct {
	DefaultK int
	Weights  Weights
	Logger   *slog.Logger
}

// Retriever embeds a query, searches every source concurrently and fuses
// the results into one ranked list.
type Retriever struct {
	embedder domain.EmbeddingProvider
	sources  []Source
	defaultK int
	weights  Weights
	logger   *slog.Logger
}

// New creates a retriever. Sources are searched in parallel but their
// results are concatenated in the order given here.
func New(embedder domain.EmbeddingProvider, sources []Source, cfg Config) *Retriever {
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = DefaultK
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Retriever{
		embedder: embedder,
		sources:  sources,
		defaultK: cfg.DefaultK,
		weights:  cfg.Weights,
		logger:   cfg.Logger,
	}
}

type candidate struct {
	doc   domain.RetrievedDocument
	score float64
}

// Retrieve returns documents relevant to query, best first, with ranks
// starting at 1.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int, rerank bool) ([]domain.RankedDocument, error) {
	if k <= 0 {
		k = r.defaultK
	}

	vec, err := embedding.Embed(ctx, r.embedder, query)
	if err != nil {
		if !errors.Is(err, domain.ErrEmbeddingFailure) {
			err = fmt.Errorf("%w: %w", domain.ErrEmbeddingFailure, err)
		}
		return nil, err
	}

	perSource := make([][]domain.RetrievedDocument, len(r.sources))
	failures := make([]error, len(r.sources))
	var g errgroup.Group
	for i, src := range r.sources {
		g.Go(func() error {
			docs, err := src.Search(ctx, vec, k)
			if err != nil {
				failures[i] = err
				r.logger.Warn("source search failed", "source", src.Name(), "error", err)
				return nil
			}
			perSource[i] = docs
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, err := range failures {
		if errors.Is(err, domain.ErrCorruptIndex) {
			return nil, err
		}
	}

	var candidates []candidate
	for _, docs := range perSource {
		for _, d := range docs {
			candidates = append(candidates, candidate{doc: d, score: d.Score})
		}
	}

	if rerank && len(candidates) > 1 {
		terms := queryTerms(query)
		for i := range candidates {
			score, err := r.weights.Score(candidates[i].doc.Score, terms, candidates[i].doc.Content)
			if err != nil {
				r.logger.Debug("kept similarity score", "chunk_id", candidates[i].doc.ChunkID, "error", err)
			}
			candidates[i].score = score
		}
	}

	slices.SortStableFunc(candidates, func(a, b candidate) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		}
		return 0
	})

	ranked := make([]domain.RankedDocument, 0, len(candidates))
	for _, c := range candidates {
		// the floor applies to the source similarity, not the fused score
		if c.doc.Score <= RelevanceFloor {
			continue
		}
		ranked = append(ranked, domain.RankedDocument{
			RetrievedDocument: c.doc,
			Rank:              len(ranked) + 1,
			RelevanceScore:    c.score,
		})
	}
	r.logger.Info("retrieved documents", "candidates", len(candidates), "relevant", len(ranked), "rerank", rerank)
	return ranked, nil
}
