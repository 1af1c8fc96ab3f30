// Package vectorstore selects a domain.VectorIndex implementation by name.
package vectorstore

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ragindex/internal/domain"
	"ragindex/internal/vectorstore/chroma"
	"ragindex/internal/vectorstore/flat"
	"ragindex/internal/vectorstore/qdrant"
)

// Memory is a flat index that never touches disk.
const Memory = "memory"

// Config is the union of the settings every backend understands.
type Config struct {
	Type        string
	Dimension   int
	Dir         string
	AutoPersist bool

	URL        string
	APIKey     string
	Collection string
	Distance   string
	Timeout    time.Duration

	Logger *slog.Logger
}

// Kinds lists the accepted backend names.
func Kinds() []string { return []string{flat.Kind, Memory, qdrant.Kind, chroma.Kind} }

// New builds the backend named by cfg.Type. Nothing is loaded; call Load on
// the result.
func New(cfg Config) (domain.VectorIndex, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	kind := strings.ToLower(strings.TrimSpace(cfg.Type))
	logger = logger.With("backend", kind)

	switch kind {
	case flat.Kind, "":
		return flat.New(flat.Config{
			Dimension:   cfg.Dimension,
			Dir:         cfg.Dir,
			AutoPersist: cfg.AutoPersist,
			Logger:      logger,
		}), nil
	case Memory:
		return flat.New(flat.Config{Dimension: cfg.Dimension, Name: Memory, Logger: logger}), nil
	case qdrant.Kind:
		if cfg.URL == "" {
			return nil, fmt.Errorf("%w: qdrant url is required", domain.ErrInvalidConfig)
		}
		return qdrant.New(qdrant.Config{
			URL:        cfg.URL,
			APIKey:     cfg.APIKey,
			Collection: cfg.Collection,
			Dimension:  cfg.Dimension,
			Distance:   cfg.Distance,
			Timeout:    cfg.Timeout,
			Logger:     logger,
		}), nil
	case chroma.Kind:
		if cfg.URL == "" {
			return nil, fmt.Errorf("%w: chroma url is required", domain.ErrInvalidConfig)
		}
		return chroma.New(chroma.Config{
			URL:        cfg.URL,
			APIKey:     cfg.APIKey,
			Collection: cfg.Collection,
			Dimension:  cfg.Dimension,
			Timeout:    cfg.Timeout,
			Logger:     logger,
		}), nil
	default:
		return nil, fmt.Errorf("%w: unknown vector store type %q (want one of %s)",
			domain.ErrInvalidConfig, cfg.Type, strings.Join(Kinds(), ", "))
	}
}

// NeedsExplicitPersist reports whether idx keeps state that the caller
// must flush after writes.
func NeedsExplicitPersist(idx domain.VectorIndex, autoPersist bool) bool {
	return idx.Kind() == flat.Kind && !autoPersist
}
