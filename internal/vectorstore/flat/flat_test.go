package flat

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ragindex/internal/domain"
)

func embedded(id string, vec ...float32) domain.EmbeddedChunk {
	return domain.EmbeddedChunk{
		Chunk:  domain.Chunk{ChunkID: id, Content: "content of " + id, Metadata: map[string]string{"filename": id}},
		Vector: vec,
	}
}

// liveFile returns the path of name inside the generation CURRENT points at.
func liveFile(t *testing.T, dir, name string) string {
	t.Helper()
	cur, err := os.ReadFile(filepath.Join(dir, currentFile))
	require.NoError(t, err)
	return filepath.Join(dir, strings.TrimSpace(string(cur)), name)
}

func sourced(id, source string, vec ...float32) domain.EmbeddedChunk {
	e := embedded(id, vec...)
	e.Metadata[domain.MetaSource] = source
	return e
}

func norm(v []float32) float64 {
	sum := 0.0
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func TestNormalize(t *testing.T) {
	v := Normalize([]float32{3, 4})
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	again := Normalize(v)
	assert.InDeltaSlice(t, v, again, 1e-6)

	assert.Equal(t, []float32{0, 0, 0}, Normalize([]float32{0, 0, 0}))
}

func TestInsertAndSelfRecall(t *testing.T) {
	ctx := context.Background()
	idx := New(Config{Dimension: 3})

	report, err := idx.Insert(ctx, []domain.EmbeddedChunk{
		embedded("a", 1, 0, 0),
		embedded("b", 0, 2, 0),
		embedded("c", 0, 0, 5),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, report.Inserted)
	assert.Empty(t, report.Rejected)

	for _, e := range idx.Entries() {
		assert.InDelta(t, 1.0, norm(e.Vector), 1e-5)
	}

	res, err := idx.Search(ctx, []float32{0, 7, 0}, 1)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "b", res[0].ChunkID)
	assert.InDelta(t, 1.0, res[0].Score, 1e-5)
	assert.Equal(t, domain.SourceInternal, res[0].SourceType)
	assert.Equal(t, "content of b", res[0].Content)
}

func TestSearchOrderingAndLimits(t *testing.T) {
	ctx := context.Background()
	idx := New(Config{Dimension: 2})
	_, err := idx.Insert(ctx, []domain.EmbeddedChunk{
		embedded("far", -1, 0),
		embedded("near", 1, 0.1),
		embedded("mid", 1, 1),
	})
	require.NoError(t, err)

	res, err := idx.Search(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, []string{"near", "mid", "far"}, []string{res[0].ChunkID, res[1].ChunkID, res[2].ChunkID})
	for i := 1; i < len(res); i++ {
		assert.GreaterOrEqual(t, res[i-1].Score, res[i].Score)
	}
	assert.InDelta(t, -1.0, res[2].Score, 1e-5)

	res, err = idx.Search(ctx, []float32{1, 0}, 0)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestSearchTiesKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	idx := New(Config{Dimension: 2})
	_, err := idx.Insert(ctx, []domain.EmbeddedChunk{embedded("first", 1, 1), embedded("second", 1, 1)})
	require.NoError(t, err)
	_, err = idx.Insert(ctx, []domain.EmbeddedChunk{embedded("third", 1, 1)})
	require.NoError(t, err)

	res, err := idx.Search(ctx, []float32{1, 1}, 3)
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, "first", res[0].ChunkID)
	assert.Equal(t, "second", res[1].ChunkID)
	assert.Equal(t, "third", res[2].ChunkID)
}

func TestSearchEmptyIndex(t *testing.T) {
	idx := New(Config{Dimension: 4})
	res, err := idx.Search(context.Background(), []float32{1, 0, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestSearchRejectsWrongQueryDimension(t *testing.T) {
	ctx := context.Background()
	idx := New(Config{Dimension: 2})
	_, err := idx.Insert(ctx, []domain.EmbeddedChunk{embedded("a", 1, 0)})
	require.NoError(t, err)

	_, err = idx.Search(ctx, []float32{1, 0, 0}, 1)
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
}

func TestInsertRejectsWrongDimensionPerEntry(t *testing.T) {
	ctx := context.Background()
	idx := New(Config{Dimension: 3})

	report, err := idx.Insert(ctx, []domain.EmbeddedChunk{
		embedded("ok", 1, 0, 0),
		embedded("short", 1, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Inserted)
	require.Len(t, report.Rejected, 1)

	var dimErr *domain.DimensionError
	require.ErrorAs(t, report.Rejected[0], &dimErr)
	assert.Equal(t, "short", dimErr.ChunkID)
	assert.Equal(t, 3, dimErr.Expected)
	assert.Equal(t, 2, dimErr.Got)

	_, err = idx.Insert(ctx, []domain.EmbeddedChunk{embedded("bad", 1)})
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInsertAdoptsDimension(t *testing.T) {
	ctx := context.Background()
	idx := New(Config{})
	assert.Zero(t, idx.Dimension())

	_, err := idx.Insert(ctx, []domain.EmbeddedChunk{embedded("a", 1, 2, 3, 4)})
	require.NoError(t, err)
	assert.Equal(t, 4, idx.Dimension())
}

func TestInsertSupersedesChunkID(t *testing.T) {
	ctx := context.Background()
	idx := New(Config{Dimension: 2})
	_, err := idx.Insert(ctx, []domain.EmbeddedChunk{embedded("a", 1, 0), embedded("b", 0, 1)})
	require.NoError(t, err)

	replacement := embedded("a", 0, 1)
	replacement.Content = "new content"
	report, err := idx.Insert(ctx, []domain.EmbeddedChunk{replacement})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Inserted)

	entries := idx.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].ChunkID)
	assert.Equal(t, "a", entries[1].ChunkID)
	assert.Equal(t, "new content", entries[1].Content)
	assert.Greater(t, entries[1].IndexID, entries[0].IndexID)
}

func TestReplaceSourceDropsStaleEntries(t *testing.T) {
	ctx := context.Background()
	idx := New(Config{Dimension: 2})
	_, err := idx.Insert(ctx, []domain.EmbeddedChunk{
		sourced("a_chunk_0", "docs/a.md", 1, 0),
		sourced("a_chunk_1", "docs/a.md", 1, 1),
		sourced("a_chunk_2", "docs/a.md", 0, 1),
		sourced("b_chunk_0", "docs/b.md", 1, 0),
	})
	require.NoError(t, err)

	report, err := idx.ReplaceSource(ctx, "docs/a.md", []domain.EmbeddedChunk{sourced("a_chunk_0", "docs/a.md", 0, 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Inserted)
	entries := idx.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "b_chunk_0", entries[0].ChunkID)
	assert.Equal(t, "a_chunk_0", entries[1].ChunkID)

	res, err := idx.Search(ctx, []float32{1, 1}, 10)
	require.NoError(t, err)
	for _, r := range res {
		assert.NotEqual(t, "a_chunk_1", r.ChunkID)
		assert.NotEqual(t, "a_chunk_2", r.ChunkID)
	}

	// every replacement rejected leaves the old entries in place
	_, err = idx.ReplaceSource(ctx, "docs/b.md", []domain.EmbeddedChunk{sourced("b_chunk_0", "docs/b.md", 1, 2, 3)})
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
	assert.Len(t, idx.Entries(), 2)

	_, err = idx.ReplaceSource(ctx, "docs/b.md", nil)
	require.NoError(t, err)
	entries = idx.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "a_chunk_0", entries[0].ChunkID)
}

func TestReplaceSourceAutoPersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	idx := New(Config{Dimension: 2, Dir: dir, AutoPersist: true})
	_, err := idx.Insert(ctx, []domain.EmbeddedChunk{sourced("a", "a.md", 1, 0), sourced("b", "b.md", 0, 1)})
	require.NoError(t, err)
	_, err = idx.ReplaceSource(ctx, "a.md", nil)
	require.NoError(t, err)

	loaded := New(Config{Dir: dir})
	require.NoError(t, loaded.Load(ctx))
	entries := loaded.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "b", entries[0].ChunkID)
}

func TestIndexIDsAreNeverReused(t *testing.T) {
	ctx := context.Background()
	idx := New(Config{Dimension: 2})
	_, err := idx.Insert(ctx, []domain.EmbeddedChunk{embedded("a", 1, 0), embedded("b", 0, 1)})
	require.NoError(t, err)
	before := idx.Entries()

	require.NoError(t, idx.DeleteAll(ctx))
	_, err = idx.Insert(ctx, []domain.EmbeddedChunk{embedded("c", 1, 1)})
	require.NoError(t, err)

	after := idx.Entries()
	require.Len(t, after, 1)
	for _, e := range before {
		assert.NotEqual(t, e.IndexID, after[0].IndexID)
	}
}

func TestDeleteAllThenSearchReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	idx := New(Config{Dimension: 2, Dir: dir})
	_, err := idx.Insert(ctx, []domain.EmbeddedChunk{embedded("a", 1, 0)})
	require.NoError(t, err)
	require.NoError(t, idx.Persist(ctx))

	require.NoError(t, idx.DeleteAll(ctx))
	res, err := idx.Search(ctx, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, res)

	_, err = os.Stat(filepath.Join(dir, currentFile))
	assert.True(t, errors.Is(err, os.ErrNotExist))
	gens, err := generations(dir)
	require.NoError(t, err)
	assert.Empty(t, gens)
}

func TestPersistLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	idx := New(Config{Dimension: 3, Dir: dir})
	_, err := idx.Insert(ctx, []domain.EmbeddedChunk{
		embedded("a", 1, 0, 0),
		embedded("b", 0, 1, 1),
		embedded("c", 0.5, 0.5, 0),
	})
	require.NoError(t, err)
	require.NoError(t, idx.Persist(ctx))

	want, err := idx.Search(ctx, []float32{0.2, 1, 0.3}, 3)
	require.NoError(t, err)

	loaded := New(Config{Dir: dir})
	require.NoError(t, loaded.Load(ctx))
	assert.Equal(t, 3, loaded.Dimension())
	assert.Equal(t, idx.Entries(), loaded.Entries())

	got, err := loaded.Search(ctx, []float32{0.2, 1, 0.3}, 3)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = loaded.Insert(ctx, []domain.EmbeddedChunk{embedded("d", 1, 1, 1)})
	require.NoError(t, err)
	entries := loaded.Entries()
	assert.Equal(t, uint64(3), entries[len(entries)-1].IndexID)
}

func TestInterruptedPersistKeepsPreviousSnapshot(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	idx := New(Config{Dimension: 2, Dir: dir})
	_, err := idx.Insert(ctx, []domain.EmbeddedChunk{embedded("a", 1, 0)})
	require.NoError(t, err)
	require.NoError(t, idx.Persist(ctx))

	// a writer died after starting the next generation but before
	// switching CURRENT
	torn := filepath.Join(dir, "snap-2")
	require.NoError(t, os.Mkdir(torn, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(torn, vectorsFile), []byte("RAGV partial"), 0o644))

	loaded := New(Config{Dir: dir})
	require.NoError(t, loaded.Load(ctx))
	assert.Equal(t, idx.Entries(), loaded.Entries())

	_, err = loaded.Insert(ctx, []domain.EmbeddedChunk{embedded("b", 0, 1)})
	require.NoError(t, err)
	require.NoError(t, loaded.Persist(ctx))
	assert.Equal(t, filepath.Join(dir, "snap-3", vectorsFile), liveFile(t, dir, vectorsFile))
	assert.NoDirExists(t, torn)
	assert.NoDirExists(t, filepath.Join(dir, "snap-1"))

	again := New(Config{Dir: dir})
	require.NoError(t, again.Load(ctx))
	n, err := again.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestLoadReadsTopLevelPair(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	idx := New(Config{Dimension: 2, Dir: dir})
	_, err := idx.Insert(ctx, []domain.EmbeddedChunk{embedded("a", 1, 0)})
	require.NoError(t, err)
	require.NoError(t, idx.Persist(ctx))

	// move the pair to the top level, the layout before generations
	for _, name := range []string{vectorsFile, metadataFile} {
		require.NoError(t, os.Rename(liveFile(t, dir, name), filepath.Join(dir, name)))
	}
	require.NoError(t, os.Remove(filepath.Join(dir, currentFile)))

	loaded := New(Config{Dir: dir})
	require.NoError(t, loaded.Load(ctx))
	assert.Equal(t, idx.Entries(), loaded.Entries())

	require.NoError(t, loaded.Persist(ctx))
	assert.NoFileExists(t, filepath.Join(dir, vectorsFile))
	assert.FileExists(t, liveFile(t, dir, vectorsFile))
}

func TestLoadWithoutSnapshotIsEmpty(t *testing.T) {
	ctx := context.Background()
	idx := New(Config{Dimension: 2, Dir: t.TempDir()})
	require.NoError(t, idx.Load(ctx))
	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, idx.Dimension())
}

func TestAutoPersist(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	idx := New(Config{Dimension: 2, Dir: dir, AutoPersist: true})
	_, err := idx.Insert(ctx, []domain.EmbeddedChunk{embedded("a", 1, 0)})
	require.NoError(t, err)

	loaded := New(Config{Dir: dir})
	require.NoError(t, loaded.Load(ctx))
	n, err := loaded.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLoadDetectsCorruption(t *testing.T) {
	tests := []struct {
		name   string
		damage func(t *testing.T, dir string)
		dim    int
	}{
		{"missing metadata", func(t *testing.T, dir string) {
			require.NoError(t, os.Remove(liveFile(t, dir, metadataFile)))
		}, 0},
		{"missing vectors", func(t *testing.T, dir string) {
			require.NoError(t, os.Remove(liveFile(t, dir, vectorsFile)))
		}, 0},
		{"truncated vectors", func(t *testing.T, dir string) {
			path := liveFile(t, dir, vectorsFile)
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(path, data[:len(data)-6], 0o644))
		}, 0},
		{"flipped vector byte", func(t *testing.T, dir string) {
			path := liveFile(t, dir, vectorsFile)
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			data[headerSize+1] ^= 0xff
			require.NoError(t, os.WriteFile(path, data, 0o644))
		}, 0},
		{"bad magic", func(t *testing.T, dir string) {
			path := liveFile(t, dir, vectorsFile)
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			copy(data, "NOPE")
			require.NoError(t, os.WriteFile(path, data, 0o644))
		}, 0},
		{"garbage metadata", func(t *testing.T, dir string) {
			require.NoError(t, os.WriteFile(liveFile(t, dir, metadataFile), []byte("{not json"), 0o644))
		}, 0},
		{"metadata count mismatch", func(t *testing.T, dir string) {
			require.NoError(t, os.WriteFile(liveFile(t, dir, metadataFile),
				[]byte(`{"version":1,"dimension":2,"count":1,"next_id":2,"entries":[]}`), 0o644))
		}, 0},
		{"configured dimension differs", func(t *testing.T, dir string) {}, 8},
		{"current names missing generation", func(t *testing.T, dir string) {
			require.NoError(t, os.WriteFile(filepath.Join(dir, currentFile), []byte("snap-99\n"), 0o644))
		}, 0},
		{"current is garbage", func(t *testing.T, dir string) {
			require.NoError(t, os.WriteFile(filepath.Join(dir, currentFile), []byte("../etc"), 0o644))
		}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			src := New(Config{Dimension: 2, Dir: dir})
			_, err := src.Insert(ctx, []domain.EmbeddedChunk{embedded("a", 1, 0), embedded("b", 0, 1)})
			require.NoError(t, err)
			require.NoError(t, src.Persist(ctx))

			tt.damage(t, dir)

			idx := New(Config{Dimension: tt.dim, Dir: dir})
			err = idx.Load(ctx)
			require.ErrorIs(t, err, domain.ErrCorruptIndex)

			_, err = idx.Search(ctx, []float32{1, 0}, 1)
			assert.ErrorIs(t, err, domain.ErrCorruptIndex)
			_, err = idx.Insert(ctx, []domain.EmbeddedChunk{embedded("c", 1, 1)})
			assert.ErrorIs(t, err, domain.ErrCorruptIndex)

			require.NoError(t, idx.DeleteAll(ctx))
			res, err := idx.Search(ctx, []float32{1, 0}, 1)
			require.NoError(t, err)
			assert.Empty(t, res)
		})
	}
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	ctx := context.Background()
	idx := New(Config{Dimension: 2})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_, err := idx.Insert(ctx, []domain.EmbeddedChunk{embedded(fmt.Sprintf("c%d", i), float32(i), 1)})
			assert.NoError(t, err)
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				res, err := idx.Search(ctx, []float32{1, 1}, 3)
				assert.NoError(t, err)
				assert.LessOrEqual(t, len(res), 3)
			}
		}()
	}
	wg.Wait()

	n, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, n)
}
