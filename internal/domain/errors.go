package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDimensionMismatch  = errors.New("dimension mismatch")
	ErrCorruptIndex       = errors.New("corrupt index")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrEmbeddingFailure   = errors.New("embedding failure")
	ErrInvalidConfig      = errors.New("invalid configuration")
)

// DimensionError reports a vector whose length differs from the index dimension.
type DimensionError struct {
	ChunkID  string
	Expected int
	Got      int
}

func (e *DimensionError) Error() string {
	if e.ChunkID == "" {
		return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
	}
	return fmt.Sprintf("dimension mismatch for %s: expected %d, got %d", e.ChunkID, e.Expected, e.Got)
}

func (e *DimensionError) Unwrap() error { return ErrDimensionMismatch }
