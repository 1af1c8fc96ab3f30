package flat

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"

	"ragindex/internal/domain"
)

// Kind is the backend name reported in collection stats.
const Kind = "flat"

// Config configures a flat index.
type Config struct {
	// Dimension of every stored vector. Zero adopts the dimension of the
	// first insert or of the loaded snapshot.
	Dimension int
	// Dir holds the snapshot. Empty keeps the index in memory only.
	Dir string
	// AutoPersist writes the snapshot after every mutation, inside the
	// same write lock.
	AutoPersist bool
	// Name overrides the backend name reported by Kind.
	Name   string
	Logger *slog.Logger
}

type entry struct {
	id    uint64
	chunk domain.Chunk
	vec   []float32
}

// Index is an in-process vector index using brute-force cosine similarity.
// Vectors are L2-normalised on insert so inner product equals cosine.
type Index struct {
	mu          sync.RWMutex
	name        string
	dimension   int
	dir         string
	autoPersist bool
	entries     []entry
	byChunk     map[string]int
	nextID      uint64
	corrupt     error
	logger      *slog.Logger
}

// New creates an empty flat index. Call Load to restore a snapshot.
func New(cfg Config) *Index {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Name == "" {
		cfg.Name = Kind
	}
	return &Index{
		name:        cfg.Name,
		dimension:   cfg.Dimension,
		dir:         cfg.Dir,
		autoPersist: cfg.AutoPersist,
		byChunk:     make(map[string]int),
		logger:      cfg.Logger,
	}
}

// Kind returns the backend name, Kind unless Config.Name was set.
func (s *Index) Kind() string { return s.name }

// Dimension returns the fixed vector dimension, or 0 if not yet known.
func (s *Index) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dimension
}

// Insert appends entries. Entries with the wrong dimension are rejected
// individually; the call fails only when every entry is rejected. An entry
// whose chunk id is already stored supersedes the old entry.
func (s *Index) Insert(_ context.Context, entries []domain.EmbeddedChunk) (domain.InsertReport, error) {
	if len(entries) == 0 {
		return domain.InsertReport{}, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(entries, nil)
}

// ReplaceSource drops every entry whose source metadata equals source and
// inserts entries, all under one write lock. When every new entry is
// rejected the old entries are kept.
func (s *Index) ReplaceSource(_ context.Context, source string, entries []domain.EmbeddedChunk) (domain.InsertReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stale := func(e entry) bool { return e.chunk.Metadata[domain.MetaSource] == source }
	if len(entries) > 0 {
		return s.insertLocked(entries, stale)
	}
	if s.corrupt != nil {
		return domain.InsertReport{}, s.corrupt
	}
	before := len(s.entries)
	s.entries = slices.DeleteFunc(s.entries, stale)
	if len(s.entries) == before {
		return domain.InsertReport{}, nil
	}
	s.reindex()
	s.logger.Debug("removed entries of source", "source", source, "removed", before-len(s.entries))
	if s.autoPersist {
		return domain.InsertReport{}, s.persistLocked()
	}
	return domain.InsertReport{}, nil
}

// insertLocked stores entries, first removing superseded chunk ids and any
// entry matching drop. Callers hold s.mu.
func (s *Index) insertLocked(entries []domain.EmbeddedChunk, drop func(entry) bool) (domain.InsertReport, error) {
	var report domain.InsertReport
	if s.corrupt != nil {
		return report, s.corrupt
	}
	if s.dimension == 0 {
		s.dimension = len(entries[0].Vector)
	}

	accepted := make([]entry, 0, len(entries))
	superseded := make(map[string]struct{})
	for _, e := range entries {
		if len(e.Vector) != s.dimension || s.dimension == 0 {
			report.Rejected = append(report.Rejected, &domain.DimensionError{
				ChunkID:  e.ChunkID,
				Expected: s.dimension,
				Got:      len(e.Vector),
			})
			continue
		}
		if _, ok := s.byChunk[e.ChunkID]; ok {
			superseded[e.ChunkID] = struct{}{}
		}
		accepted = append(accepted, entry{chunk: e.Chunk, vec: Normalize(e.Vector)})
	}
	if len(accepted) == 0 {
		return report, fmt.Errorf("all %d entries rejected: %w", len(entries), report.Rejected[0])
	}

	// later duplicates inside one batch win
	last := make(map[string]int, len(accepted))
	for i, e := range accepted {
		last[e.chunk.ChunkID] = i
	}
	if len(superseded) > 0 || drop != nil {
		s.entries = slices.DeleteFunc(s.entries, func(e entry) bool {
			if _, ok := superseded[e.chunk.ChunkID]; ok {
				return true
			}
			return drop != nil && drop(e)
		})
	}
	for i, e := range accepted {
		if last[e.chunk.ChunkID] != i {
			continue
		}
		e.id = s.nextID
		s.nextID++
		s.entries = append(s.entries, e)
		report.Inserted++
	}
	s.reindex()

	if len(report.Rejected) > 0 {
		s.logger.Warn("rejected entries with wrong dimension", "rejected", len(report.Rejected), "dimension", s.dimension)
	}
	if s.autoPersist {
		if err := s.persistLocked(); err != nil {
			return report, err
		}
	}
	return report, nil
}

// Search returns the k entries most similar to query, best first. Ties keep
// insertion order.
func (s *Index) Search(_ context.Context, query []float32, k int) ([]domain.RetrievedDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.corrupt != nil {
		return nil, s.corrupt
	}
	if len(s.entries) == 0 || k <= 0 {
		return []domain.RetrievedDocument{}, nil
	}
	if len(query) != s.dimension {
		return nil, &domain.DimensionError{Expected: s.dimension, Got: len(query)}
	}

	q := Normalize(query)
	type scored struct {
		pos   int
		score float64
	}
	scores := make([]scored, len(s.entries))
	for i := range s.entries {
		scores[i] = scored{pos: i, score: dot(s.entries[i].vec, q)}
	}
	slices.SortStableFunc(scores, func(a, b scored) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		}
		return 0
	})
	k = min(k, len(scores))

	results := make([]domain.RetrievedDocument, 0, k)
	for _, sc := range scores[:k] {
		e := s.entries[sc.pos]
		results = append(results, domain.RetrievedDocument{
			ChunkID:    e.chunk.ChunkID,
			Content:    e.chunk.Content,
			Metadata:   e.chunk.Metadata,
			Score:      sc.score,
			SourceType: domain.SourceInternal,
		})
	}
	return results, nil
}

// DeleteAll clears the index and removes the snapshot. The id counter keeps
// counting.
func (s *Index) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = nil
	s.byChunk = make(map[string]int)
	s.corrupt = nil
	if s.dir == "" {
		return nil
	}
	return removeSnapshot(s.dir)
}

// Persist writes the snapshot to disk.
func (s *Index) Persist(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked()
}

// Load replaces the in-memory state with the snapshot on disk. A missing
// snapshot leaves an empty index. A corrupt snapshot fails with
// ErrCorruptIndex and the index refuses searches until DeleteAll or a
// successful Load.
func (s *Index) Load(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dir == "" {
		return nil
	}
	snap, err := readSnapshot(s.dir, s.dimension)
	if err != nil {
		s.entries = nil
		s.byChunk = make(map[string]int)
		s.corrupt = err
		s.logger.Error("failed to load index snapshot", "dir", s.dir, "error", err)
		return err
	}
	s.corrupt = nil
	if snap == nil {
		s.entries = nil
		s.byChunk = make(map[string]int)
		return nil
	}
	if s.dimension == 0 {
		s.dimension = snap.dimension
	}
	s.nextID = max(s.nextID, snap.nextID)
	s.entries = snap.entries
	s.reindex()
	s.logger.Info("loaded index snapshot", "dir", s.dir, "entries", len(s.entries), "dimension", s.dimension)
	return nil
}

// Count returns the number of stored entries.
func (s *Index) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.corrupt != nil {
		return 0, s.corrupt
	}
	return len(s.entries), nil
}

// Entries returns a copy of the stored entries in index id order.
func (s *Index) Entries() []domain.IndexEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.IndexEntry, len(s.entries))
	for i, e := range s.entries {
		out[i] = domain.IndexEntry{
			EmbeddedChunk: domain.EmbeddedChunk{Chunk: e.chunk, Vector: slices.Clone(e.vec)},
			IndexID:       e.id,
		}
	}
	return out
}

// Close is a no-op; the snapshot is only written by Persist.
func (s *Index) Close() error { return nil }

func (s *Index) persistLocked() error {
	if s.dir == "" {
		return nil
	}
	if s.corrupt != nil {
		return s.corrupt
	}
	if err := writeSnapshot(s.dir, s.dimension, s.nextID, s.entries); err != nil {
		return fmt.Errorf("persist index: %w", err)
	}
	s.logger.Debug("persisted index snapshot", "dir", s.dir, "entries", len(s.entries))
	return nil
}

func (s *Index) reindex() {
	s.byChunk = make(map[string]int, len(s.entries))
	for i, e := range s.entries {
		s.byChunk[e.chunk.ChunkID] = i
	}
}

// Normalize returns v scaled to unit length. The zero vector stays zero.
func Normalize(v []float32) []float32 {
	sum := 0.0
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		return out
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

func dot(a, b []float32) float64 {
	n := min(len(a), len(b))
	sum := 0.0
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

var _ domain.VectorIndex = (*Index)(nil)
