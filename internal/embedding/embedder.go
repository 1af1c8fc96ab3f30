package embedding

import (
	"context"
	"fmt"

	"ragindex/internal/domain"
)

// Embed returns the vector for a single text.
func Embed(ctx context.Context, p domain.EmbeddingProvider, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if err := Validate(vecs, 1); err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Validate checks that a provider returned one non-empty vector per input.
func Validate(vecs [][]float32, want int) error {
	if len(vecs) != want {
		return fmt.Errorf("%w: expected %d vectors, got %d", domain.ErrEmbeddingFailure, want, len(vecs))
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return fmt.Errorf("%w: empty vector at position %d", domain.ErrEmbeddingFailure, i)
		}
	}
	return nil
}

// Batches splits texts into consecutive slices of at most size elements.
func Batches(texts []string, size int) [][]string {
	if size <= 0 {
		size = 32
	}
	var out [][]string
	for start := 0; start < len(texts); start += size {
		end := min(start+size, len(texts))
		out = append(out, texts[start:end])
	}
	return out
}
