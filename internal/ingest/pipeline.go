// Package ingest turns source files into indexed chunks.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"ragindex/internal/catalog"
	"ragindex/internal/chunker"
	"ragindex/internal/domain"
	"ragindex/internal/embedding"
)

// MetaFileType holds the lowercased extension of the source file.
const MetaFileType = "file_type"

// ErrUnsupportedType is returned for files other than .txt, .md and .pdf.
var ErrUnsupportedType = errors.New("unsupported file type")

var supported = []string{".txt", ".md", ".pdf"}

// Supported reports whether path has an ingestible extension.
func Supported(path string) bool {
	return slices.Contains(supported, extOf(path))
}

func extOf(path string) string {
	return strings.ToLower(filepath.Ext(path))
}

// Recorder stores successful ingestions.
type Recorder interface {
	Record(ctx context.Context, doc catalog.Document) error
}

// Config tunes the pipeline.
type Config struct {
	// BatchSize bounds the texts sent to the embedder per call. Default 32.
	BatchSize int
	// Workers bounds parallel batch ingestion. Default 4.
	Workers int
	// Persist flushes the index after every successful document.
	Persist bool
	Logger  *slog.Logger
}

// Pipeline chunks, embeds and indexes documents.
type Pipeline struct {
	chunker  domain.Chunker
	embedder domain.EmbeddingProvider
	index    domain.VectorIndex
	recorder Recorder
	cfg      Config
	pool     *ants.Pool
	logger   *slog.Logger
}

// New creates a pipeline and its worker pool. recorder may be nil.
func New(c domain.Chunker, e domain.EmbeddingProvider, idx domain.VectorIndex, recorder Recorder, cfg Config) (*Pipeline, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	logger := cfg.Logger
	pool, err := ants.NewPool(cfg.Workers,
		ants.WithExpiryDuration(30*time.Second),
		ants.WithPanicHandler(func(v any) {
			logger.Error("ingestion worker panicked", "panic", v)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create ingestion pool: %w", err)
	}
	return &Pipeline{
		chunker:  c,
		embedder: e,
		index:    idx,
		recorder: recorder,
		cfg:      cfg,
		pool:     pool,
		logger:   logger,
	}, nil
}

// Close releases the worker pool.
func (p *Pipeline) Close() {
	p.pool.Release()
}

// IngestDocument loads one file and indexes all its chunks. Failures are
// reported in the outcome, never returned.
func (p *Pipeline) IngestDocument(ctx context.Context, path string, meta map[string]string) domain.IngestionOutcome {
	start := time.Now()
	out := domain.IngestionOutcome{Path: path}
	fail := func(err error) domain.IngestionOutcome {
		out.Error = err.Error()
		out.Duration = time.Since(start)
		p.logger.Error("document ingestion failed", "path", path, "error", err)
		return out
	}

	if !Supported(path) {
		return fail(fmt.Errorf("%w: %s", ErrUnsupportedType, filepath.Ext(path)))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fail(fmt.Errorf("read document: %w", err))
	}
	out.FileSize = int64(len(data))
	text, err := extractText(path, data)
	if err != nil {
		return fail(err)
	}

	chunks, err := p.ingest(ctx, path, text, out.FileSize, meta)
	if err != nil {
		out.ChunksCreated = 0
		return fail(err)
	}
	out.ChunksCreated = chunks
	out.Success = true
	out.Duration = time.Since(start)
	p.logger.Info("ingested document", "path", path, "chunks", chunks, "duration", out.Duration)
	return out
}

// IngestText indexes content that arrived without a file on disk, such as
// an upload. name supplies the filename and extension; for a .pdf name the
// content is the raw file.
func (p *Pipeline) IngestText(ctx context.Context, name, content string, meta map[string]string) domain.IngestionOutcome {
	start := time.Now()
	out := domain.IngestionOutcome{Path: name, FileSize: int64(len(content))}

	var err error
	if !Supported(name) {
		err = fmt.Errorf("%w: %s", ErrUnsupportedType, filepath.Ext(name))
	} else {
		var text string
		if text, err = extractText(name, []byte(content)); err == nil {
			out.ChunksCreated, err = p.ingest(ctx, name, text, out.FileSize, meta)
		}
	}
	out.Duration = time.Since(start)
	if err != nil {
		out.ChunksCreated = 0
		out.Error = err.Error()
		p.logger.Error("text ingestion failed", "name", name, "error", err)
		return out
	}
	out.Success = true
	p.logger.Info("ingested text", "name", name, "chunks", out.ChunksCreated)
	return out
}

// IngestBatch ingests every path independently. With parallel set the
// documents run on the worker pool. Results keep the order of paths.
func (p *Pipeline) IngestBatch(ctx context.Context, paths []string, meta map[string]string, parallel bool) domain.BatchOutcome {
	start := time.Now()
	results := make([]domain.IngestionOutcome, len(paths))

	if parallel && len(paths) > 1 {
		var wg sync.WaitGroup
		for i, path := range paths {
			wg.Add(1)
			task := func() {
				defer wg.Done()
				results[i] = p.IngestDocument(ctx, path, meta)
			}
			if err := p.pool.Submit(task); err != nil {
				wg.Done()
				results[i] = domain.IngestionOutcome{Path: path, Error: fmt.Sprintf("submit: %v", err)}
			}
		}
		wg.Wait()
	} else {
		for i, path := range paths {
			results[i] = p.IngestDocument(ctx, path, meta)
		}
	}

	batch := domain.BatchOutcome{Total: len(paths), Results: results}
	for _, r := range results {
		if r.Success {
			batch.Succeeded++
			batch.TotalChunks += r.ChunksCreated
		} else {
			batch.Failed++
		}
	}
	batch.Duration = time.Since(start)
	p.logger.Info("batch ingestion finished", "total", batch.Total, "succeeded", batch.Succeeded, "failed", batch.Failed, "chunks", batch.TotalChunks)
	return batch
}

func (p *Pipeline) ingest(ctx context.Context, path, text string, size int64, meta map[string]string) (int, error) {
	base := make(map[string]string, len(meta)+3)
	maps.Copy(base, meta)
	base[chunker.MetaSource] = path
	base[chunker.MetaFilename] = filepath.Base(path)
	base[MetaFileType] = extOf(path)

	chunks := slices.Collect(p.chunker.Chunk(text, base))
	var entries []domain.EmbeddedChunk
	if len(chunks) > 0 {
		var err error
		if entries, err = p.embed(ctx, chunks); err != nil {
			return 0, err
		}
	}
	// chunks from an earlier version of the document must not survive a
	// re-ingest, even one that yields no chunks
	report, err := p.index.ReplaceSource(ctx, path, entries)
	if err != nil {
		return 0, fmt.Errorf("insert chunks: %w", err)
	}
	if len(report.Rejected) > 0 {
		return 0, fmt.Errorf("insert chunks: %d of %d rejected: %w", len(report.Rejected), len(entries), report.Rejected[0])
	}
	if p.cfg.Persist {
		if err := p.index.Persist(ctx); err != nil {
			return 0, err
		}
	}

	if p.recorder != nil {
		doc := catalog.Document{
			Path:     path,
			Filename: base[chunker.MetaFilename],
			FileType: base[MetaFileType],
			Chunks:   len(chunks),
			FileSize: size,
		}
		if err := p.recorder.Record(ctx, doc); err != nil {
			p.logger.Warn("failed to record document in catalog", "path", path, "error", err)
		}
	}
	return len(chunks), nil
}

func (p *Pipeline) embed(ctx context.Context, chunks []domain.Chunk) ([]domain.EmbeddedChunk, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}
	entries := make([]domain.EmbeddedChunk, 0, len(chunks))
	for _, batch := range embedding.Batches(texts, p.cfg.BatchSize) {
		vecs, err := p.embedder.EmbedBatch(ctx, batch)
		if err != nil {
			if errors.Is(err, domain.ErrEmbeddingFailure) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", domain.ErrEmbeddingFailure, err)
		}
		if err := embedding.Validate(vecs, len(batch)); err != nil {
			return nil, err
		}
		for _, v := range vecs {
			entries = append(entries, domain.EmbeddedChunk{Chunk: chunks[len(entries)], Vector: v})
		}
	}
	return entries, nil
}
