package chunker

import (
	"fmt"
	"iter"
	"maps"
	"strconv"
	"strings"

	"ragindex/internal/domain"
)

// Metadata keys added to every chunk.
const (
	MetaChunkIndex = "chunk_index"
	MetaStartChar  = "start_char"
	MetaEndChar    = "end_char"
	MetaFilename   = "filename"
	MetaSource     = domain.MetaSource
)

// WindowChunker slides a fixed-size character window over text.
// Offsets are counted in runes.
type WindowChunker struct {
	size    int
	overlap int
}

// NewWindowChunker validates the window configuration.
func NewWindowChunker(size, overlap int) (*WindowChunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", domain.ErrInvalidConfig, size)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("%w: chunk overlap must not be negative, got %d", domain.ErrInvalidConfig, overlap)
	}
	if overlap >= size {
		return nil, fmt.Errorf("%w: chunk overlap %d must be less than chunk size %d", domain.ErrInvalidConfig, overlap, size)
	}
	return &WindowChunker{size: size, overlap: overlap}, nil
}

// Size returns the window size in characters.
func (c *WindowChunker) Size() int { return c.size }

// Overlap returns the number of characters shared by adjacent windows.
func (c *WindowChunker) Overlap() int { return c.overlap }

// Chunk returns a lazy sequence of chunks. The sequence may be ranged over
// any number of times and always yields the same chunks.
func (c *WindowChunker) Chunk(text string, base map[string]string) iter.Seq[domain.Chunk] {
	return func(yield func(domain.Chunk) bool) {
		runes := []rune(text)
		name := documentName(base)
		step := c.size - c.overlap
		ordinal := 0
		for start := 0; start < len(runes); start += step {
			end := min(start+c.size, len(runes))
			content := string(runes[start:end])
			if strings.TrimSpace(content) != "" {
				md := make(map[string]string, len(base)+3)
				maps.Copy(md, base)
				md[MetaChunkIndex] = strconv.Itoa(ordinal)
				md[MetaStartChar] = strconv.Itoa(start)
				md[MetaEndChar] = strconv.Itoa(end)
				ch := domain.Chunk{
					ChunkID:  ChunkID(name, ordinal),
					Content:  content,
					Metadata: md,
				}
				if !yield(ch) {
					return
				}
				ordinal++
			}
			if end == len(runes) {
				return
			}
		}
	}
}

// ChunkAll collects every chunk of text.
func (c *WindowChunker) ChunkAll(text string, base map[string]string) []domain.Chunk {
	var out []domain.Chunk
	for ch := range c.Chunk(text, base) {
		out = append(out, ch)
	}
	return out
}

// ChunkID derives the chunk identifier from a document name and ordinal.
func ChunkID(name string, ordinal int) string {
	return name + "_chunk_" + strconv.Itoa(ordinal)
}

// documentName prefers the full source path so that same-named files in
// different directories get distinct chunk ids.
func documentName(base map[string]string) string {
	if v := base[MetaSource]; v != "" {
		return v
	}
	if v := base[MetaFilename]; v != "" {
		return v
	}
	return "document"
}
