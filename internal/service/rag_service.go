package service

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"ragindex/internal/catalog"
	"ragindex/internal/domain"
	"ragindex/internal/ingest"
	"ragindex/internal/retriever"
)

// Collection status values reported by CollectionStats.
const (
	StatusActive = "active"
	StatusEmpty  = "empty"
	StatusError  = "error"
)

// Options tunes the service.
type Options struct {
	// ParallelIngest runs batch ingestion on the worker pool.
	ParallelIngest bool
	Logger         *slog.Logger
}

// RAGServiceImpl exposes ingestion, search, stats and deletion over one
// index. It is built once at startup and shared by every front end.
type RAGServiceImpl struct {
	pipeline  *ingest.Pipeline
	retriever *retriever.Retriever
	index     domain.VectorIndex
	catalog   *catalog.Catalog
	parallel  bool
	logger    *slog.Logger
}

// NewRAGService assembles the service from its components.
func NewRAGService(p *ingest.Pipeline, r *retriever.Retriever, idx domain.VectorIndex, cat *catalog.Catalog, opts Options) *RAGServiceImpl {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &RAGServiceImpl{
		pipeline:  p,
		retriever: r,
		index:     idx,
		catalog:   cat,
		parallel:  opts.ParallelIngest,
		logger:    opts.Logger,
	}
}

// IngestDocument indexes one file.
func (s *RAGServiceImpl) IngestDocument(ctx context.Context, path string, meta map[string]string) domain.IngestionOutcome {
	return s.pipeline.IngestDocument(ctx, path, meta)
}

// IngestText indexes uploaded content under name.
func (s *RAGServiceImpl) IngestText(ctx context.Context, name, text string, meta map[string]string) domain.IngestionOutcome {
	return s.pipeline.IngestText(ctx, name, text, meta)
}

// IngestBatch indexes every path, each independently.
func (s *RAGServiceImpl) IngestBatch(ctx context.Context, paths []string, meta map[string]string) domain.BatchOutcome {
	return s.pipeline.IngestBatch(ctx, paths, meta, s.parallel)
}

// IngestDocuments expands globs and directories into supported files and
// ingests them as one batch.
func (s *RAGServiceImpl) IngestDocuments(ctx context.Context, patterns []string, meta map[string]string) (domain.BatchOutcome, error) {
	paths, err := ExpandPaths(patterns)
	if err != nil {
		return domain.BatchOutcome{}, err
	}
	if len(paths) == 0 {
		return domain.BatchOutcome{}, fmt.Errorf("no .txt or .md documents found")
	}
	return s.IngestBatch(ctx, paths, meta), nil
}

// Search retrieves documents for query. k <= 0 uses the configured default.
func (s *RAGServiceImpl) Search(ctx context.Context, query string, k int, rerank bool) ([]domain.RankedDocument, error) {
	return s.retriever.Retrieve(ctx, query, k, rerank)
}

// CollectionStats reports the backend type, its status and catalog totals.
// Backend failures are reported in the result rather than returned.
func (s *RAGServiceImpl) CollectionStats(ctx context.Context) domain.CollectionStats {
	stats := domain.CollectionStats{BackendType: s.index.Kind()}

	n, err := s.index.Count(ctx)
	if err != nil {
		stats.Status = StatusError
		stats.Error = err.Error()
		s.logger.Error("failed to read collection stats", "backend", stats.BackendType, "error", err)
		return stats
	}
	stats.IndexedEntries = n
	stats.Status = StatusEmpty
	if n > 0 {
		stats.Status = StatusActive
	}

	if s.catalog != nil {
		cs, err := s.catalog.Stats(ctx)
		if err != nil {
			s.logger.Warn("catalog stats unavailable", "error", err)
		} else {
			stats.TotalDocuments = cs.TotalDocuments
			stats.TotalChunks = cs.TotalChunks
			stats.LastUpdated = cs.LastUpdated
		}
	}
	return stats
}

// ListDocuments returns the most recently ingested documents.
func (s *RAGServiceImpl) ListDocuments(ctx context.Context, limit int) ([]catalog.Document, error) {
	if s.catalog == nil {
		return nil, nil
	}
	return s.catalog.List(ctx, limit)
}

// DeleteAllDocuments clears the index and the catalog.
func (s *RAGServiceImpl) DeleteAllDocuments(ctx context.Context) error {
	if err := s.index.DeleteAll(ctx); err != nil {
		return fmt.Errorf("delete index: %w", err)
	}
	if s.catalog != nil {
		if err := s.catalog.Clear(ctx); err != nil {
			return err
		}
	}
	s.logger.Info("deleted all documents", "backend", s.index.Kind())
	return nil
}

// Close releases the worker pool, the index and the catalog.
func (s *RAGServiceImpl) Close() error {
	s.pipeline.Close()
	err := s.index.Close()
	if s.catalog != nil {
		if cerr := s.catalog.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// ExpandPaths resolves glob patterns and walks directories, keeping only
// ingestible files. Literal paths that match nothing are kept so the
// caller sees their failure.
func ExpandPaths(patterns []string) ([]string, error) {
	var out []string
	for _, p := range patterns {
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", p, err)
		}
		if matches == nil {
			matches = []string{p}
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || !info.IsDir() {
				if ingest.Supported(m) {
					out = append(out, m)
				}
				continue
			}
			err = filepath.WalkDir(m, func(path string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if !d.IsDir() && ingest.Supported(path) {
					out = append(out, path)
				}
				return nil
			})
			if err != nil {
				return nil, err
			}
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}
