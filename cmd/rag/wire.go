package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"ragindex/internal/catalog"
	"ragindex/internal/chunker"
	"ragindex/internal/config"
	"ragindex/internal/domain"
	"ragindex/internal/embedding/cache"
	"ragindex/internal/embedding/hashing"
	"ragindex/internal/embedding/openai"
	"ragindex/internal/ingest"
	"ragindex/internal/logging"
	"ragindex/internal/retriever"
	"ragindex/internal/service"
	"ragindex/internal/vectorstore"
)

// app holds the lazily assembled service shared by every subcommand.
type app struct {
	cfgPath string

	cfg     *config.AppConfig
	logger  *slog.Logger
	svc     *service.RAGServiceImpl
	closers []func() error
}

func newApp() *app { return &app{} }

// config loads and validates the configuration once.
func (a *app) config() (*config.AppConfig, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	var (
		cfg *config.AppConfig
		err error
	)
	if a.cfgPath == "" {
		cfg, _, err = config.LoadDefault()
	} else {
		cfg, err = config.Load(a.cfgPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a.cfg = cfg
	return cfg, nil
}

// service assembles every component on first use. Log output goes to the
// command's stderr.
func (a *app) service(cmd *cobra.Command) (*service.RAGServiceImpl, error) {
	if a.svc != nil {
		return a.svc, nil
	}
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	a.logger = logging.New(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
	svc, err := a.build(cmd.Context(), cfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.svc = svc
	return svc, nil
}

func (a *app) build(ctx context.Context, cfg *config.AppConfig) (*service.RAGServiceImpl, error) {
	logger := a.logger

	var emb domain.EmbeddingProvider
	switch cfg.Embedder.Type {
	case "hashing", "":
		emb = hashing.NewEmbedder(cfg.Embedder.Dimension)
	case "openai":
		oc := cfg.Embedder.OpenAI
		client, err := openai.NewClient(openai.Config{
			BaseURL:    oc.BaseURL,
			APIKeyEnv:  oc.APIKeyEnv,
			Model:      oc.Model,
			Dimension:  cfg.Embedder.Dimension,
			Timeout:    time.Duration(oc.TimeoutSecs) * time.Second,
			MaxRetries: oc.MaxRetries,
			Logger:     logger.With("component", "embedder"),
		})
		if err != nil {
			return nil, fmt.Errorf("openai embedder init failed: %w", err)
		}
		emb = client
	default:
		return nil, fmt.Errorf("%w: unknown embedder %q", domain.ErrInvalidConfig, cfg.Embedder.Type)
	}

	if cc := cfg.Embedder.Cache; cc.Enabled {
		rdb := goredis.NewClient(&goredis.Options{Addr: cc.Addr, Password: cc.Password, DB: cc.DB})
		a.closers = append(a.closers, rdb.Close)
		emb = cache.New(emb, rdb, cache.Config{
			TTL:       time.Duration(cc.TTLSecs) * time.Second,
			KeyPrefix: cc.KeyPrefix,
			Logger:    logger.With("component", "embedding-cache"),
		})
	}

	ch, err := chunker.NewWindowChunker(cfg.Chunker.ChunkSize, cfg.Chunker.ChunkOverlap)
	if err != nil {
		return nil, err
	}

	vs := cfg.VectorStore
	storeCfg := vectorstore.Config{
		Type:        vs.Type,
		Dimension:   emb.Dimension(),
		Dir:         vs.Dir,
		AutoPersist: vs.AutoPersist,
		Logger:      logger,
	}
	switch vs.Type {
	case "qdrant":
		applyRemote(&storeCfg, vs.Qdrant)
	case "chroma":
		applyRemote(&storeCfg, vs.Chroma)
	}
	idx, err := vectorstore.New(storeCfg)
	if err != nil {
		return nil, err
	}
	if err := idx.Load(ctx); err != nil {
		if !errors.Is(err, domain.ErrCorruptIndex) && !errors.Is(err, domain.ErrBackendUnavailable) {
			_ = idx.Close()
			return nil, fmt.Errorf("load index: %w", err)
		}
		logger.Error("index unavailable; searches will fail until it is rebuilt", "backend", idx.Kind(), "error", err)
	}

	sources := []retriever.Source{retriever.NewIndexSource("local", domain.SourceInternal, idx)}
	if cfg.Retrieval.MultiSource {
		ext := cfg.Retrieval.External
		extCfg := vectorstore.Config{Type: ext.Type, Dimension: emb.Dimension(), Logger: logger.With("source", "external")}
		applyRemote(&extCfg, ext.Remote)
		extIdx, err := vectorstore.New(extCfg)
		if err != nil {
			_ = idx.Close()
			return nil, fmt.Errorf("external source: %w", err)
		}
		a.closers = append(a.closers, extIdx.Close)
		if err := extIdx.Load(ctx); err != nil {
			logger.Warn("external source not loaded", "error", err)
		}
		sources = append(sources, retriever.NewIndexSource("external", domain.SourceExternal, extIdx))
	}

	cat, err := catalog.Open(cfg.Catalog.Path, logger.With("component", "catalog"))
	if err != nil {
		_ = idx.Close()
		return nil, err
	}

	pipeline, err := ingest.New(ch, emb, idx, cat, ingest.Config{
		BatchSize: cfg.Embedder.BatchSize,
		Workers:   cfg.Ingest.Workers,
		Persist:   vectorstore.NeedsExplicitPersist(idx, vs.AutoPersist),
		Logger:    logger.With("component", "ingest"),
	})
	if err != nil {
		_ = cat.Close()
		_ = idx.Close()
		return nil, err
	}

	ret := retriever.New(emb, sources, retriever.Config{
		DefaultK: cfg.Retrieval.MaxDocumentsPerQuery,
		Weights:  retriever.Weights{Similarity: cfg.Retrieval.SimilarityWeight, Terms: cfg.Retrieval.TermWeight},
		Logger:   logger.With("component", "retriever"),
	})

	logger.Debug("service assembled", "embedder", emb.Name(), "dimension", emb.Dimension(), "backend", idx.Kind(), "sources", len(sources))
	return service.NewRAGService(pipeline, ret, idx, cat, service.Options{
		ParallelIngest: cfg.Ingest.Parallel,
		Logger:         logger,
	}), nil
}

func applyRemote(dst *vectorstore.Config, rc config.RemoteStoreConfig) {
	dst.URL = rc.URL
	dst.APIKey = rc.APIKey
	dst.Collection = rc.Collection
	dst.Distance = rc.Distance
	dst.Timeout = time.Duration(rc.TimeoutSecs) * time.Second
}

// Close releases everything build opened. The service owns the pipeline,
// the primary index and the catalog. It is safe to call twice.
func (a *app) Close() error {
	var errs []error
	if a.svc != nil {
		errs = append(errs, a.svc.Close())
		a.svc = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}
