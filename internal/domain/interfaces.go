package domain

import (
	"context"
	"iter"
	"time"
)

// SourceType tells which retrieval source produced a document.
type SourceType string

const (
	SourceInternal SourceType = "internal"
	SourceExternal SourceType = "external"
)

// MetaSource is the chunk metadata key holding the path or name of the
// document the chunk was cut from. Indexes use it to replace a document's
// chunks on re-ingestion.
const MetaSource = "source"

// Chunk is a bounded span of a source document plus positional metadata.
// Chunks are never mutated; re-ingestion supersedes them.
type Chunk struct {
	ChunkID  string            `json:"chunk_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
}

// EmbeddedChunk is a chunk together with its embedding vector.
type EmbeddedChunk struct {
	Chunk
	Vector []float32 `json:"-"`
}

// IndexEntry is the unit a vector index stores. IndexID is owned by the index
// and is never reused.
type IndexEntry struct {
	EmbeddedChunk
	IndexID uint64 `json:"index_id"`
}

// RetrievedDocument is a single search hit.
type RetrievedDocument struct {
	ChunkID    string            `json:"chunk_id"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata"`
	Score      float64           `json:"score"`
	SourceType SourceType        `json:"source_type"`
}

// RankedDocument is a retrieved document after fusion and ranking.
type RankedDocument struct {
	RetrievedDocument
	Rank           int     `json:"rank"`
	RelevanceScore float64 `json:"relevance_score"`
}

// InsertReport describes which entries of an insert were stored.
type InsertReport struct {
	Inserted int
	Rejected []error
}

// IngestionOutcome is the per-document result of an ingestion.
type IngestionOutcome struct {
	Path          string        `json:"path"`
	ChunksCreated int           `json:"chunks_created"`
	FileSize      int64         `json:"file_size"`
	Duration      time.Duration `json:"processing_time"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
}

// BatchOutcome aggregates the outcomes of a batch ingestion.
type BatchOutcome struct {
	Total       int                `json:"total_documents"`
	Succeeded   int                `json:"successful_ingestions"`
	Failed      int                `json:"failed_ingestions"`
	TotalChunks int                `json:"total_chunks_created"`
	Duration    time.Duration      `json:"processing_time"`
	Results     []IngestionOutcome `json:"results"`
}

// CollectionStats summarises the state of the indexed collection.
type CollectionStats struct {
	BackendType    string    `json:"backend_type"`
	Status         string    `json:"status"`
	TotalDocuments int       `json:"total_documents"`
	TotalChunks    int       `json:"total_chunks"`
	IndexedEntries int       `json:"indexed_entries"`
	LastUpdated    time.Time `json:"last_updated,omitzero"`
	Error          string    `json:"error,omitempty"`
}

// Chunker splits text into overlapping chunks.
type Chunker interface {
	Chunk(text string, base map[string]string) iter.Seq[Chunk]
}

// EmbeddingProvider converts text into fixed-length vectors.
// Empty input yields empty output; no element of the output is nil.
type EmbeddingProvider interface {
	Name() string
	Dimension() int
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorIndex owns embedded chunks and answers nearest-neighbour queries.
type VectorIndex interface {
	Kind() string
	Insert(ctx context.Context, entries []EmbeddedChunk) (InsertReport, error)
	// ReplaceSource removes every entry whose MetaSource equals source and
	// then inserts entries. An empty entries slice only removes.
	ReplaceSource(ctx context.Context, source string, entries []EmbeddedChunk) (InsertReport, error)
	Search(ctx context.Context, query []float32, k int) ([]RetrievedDocument, error)
	DeleteAll(ctx context.Context) error
	Persist(ctx context.Context) error
	Load(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	Close() error
}
