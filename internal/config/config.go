package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"ragindex/internal/domain"
)

// EnvPrefix prefixes environment overrides, e.g. RAG_CHUNKER_CHUNK_SIZE.
const EnvPrefix = "RAG"

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// OpenAIEmbedderConfig holds configuration for the OpenAI-compatible embedder.
type OpenAIEmbedderConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	APIKeyEnv   string `yaml:"api_key_env" mapstructure:"api_key_env"`
	Model       string `yaml:"model" mapstructure:"model"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int    `yaml:"max_retries" mapstructure:"max_retries"`
}

// CacheConfig configures the Redis embedding cache.
type CacheConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Password  string `yaml:"password" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db"`
	TTLSecs   int    `yaml:"ttl_secs" mapstructure:"ttl_secs"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// EmbedderConfig selects and configures the text embedder implementation.
type EmbedderConfig struct {
	Type string `yaml:"type" mapstructure:"type"`
	// Dimension 0 selects the provider's default.
	Dimension int                  `yaml:"dimension" mapstructure:"dimension"`
	BatchSize int                  `yaml:"batch_size" mapstructure:"batch_size"`
	OpenAI    OpenAIEmbedderConfig `yaml:"openai" mapstructure:"openai"`
	Cache     CacheConfig          `yaml:"cache" mapstructure:"cache"`
}

// ChunkerConfig configures how documents are split into chunks.
type ChunkerConfig struct {
	ChunkSize    int `yaml:"chunk_size" mapstructure:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap" mapstructure:"chunk_overlap"`
}

// RemoteStoreConfig contains connection details for a managed vector store.
type RemoteStoreConfig struct {
	URL         string `yaml:"url" mapstructure:"url"`
	APIKey      string `yaml:"api_key" mapstructure:"api_key"`
	Collection  string `yaml:"collection" mapstructure:"collection"`
	Distance    string `yaml:"distance,omitempty" mapstructure:"distance"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// VectorStoreConfig selects and configures the vector store implementation.
type VectorStoreConfig struct {
	Type        string            `yaml:"type" mapstructure:"type"`
	Dir         string            `yaml:"dir" mapstructure:"dir"`
	AutoPersist bool              `yaml:"auto_persist" mapstructure:"auto_persist"`
	Qdrant      RemoteStoreConfig `yaml:"qdrant" mapstructure:"qdrant"`
	Chroma      RemoteStoreConfig `yaml:"chroma" mapstructure:"chroma"`
}

// ExternalSourceConfig describes the optional second retrieval source.
type ExternalSourceConfig struct {
	Type   string            `yaml:"type" mapstructure:"type"`
	Remote RemoteStoreConfig `yaml:"remote" mapstructure:"remote"`
}

// RetrievalConfig tunes query-time fusion.
type RetrievalConfig struct {
	MaxDocumentsPerQuery int                  `yaml:"max_documents_per_query" mapstructure:"max_documents_per_query"`
	SimilarityWeight     float64              `yaml:"similarity_weight" mapstructure:"similarity_weight"`
	TermWeight           float64              `yaml:"term_weight" mapstructure:"term_weight"`
	MultiSource          bool                 `yaml:"multi_source" mapstructure:"multi_source"`
	External             ExternalSourceConfig `yaml:"external" mapstructure:"external"`
}

// IngestConfig tunes batch ingestion.
type IngestConfig struct {
	Workers  int  `yaml:"workers" mapstructure:"workers"`
	Parallel bool `yaml:"parallel" mapstructure:"parallel"`
}

// CatalogConfig locates the document catalog database.
type CatalogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr          string `yaml:"addr" mapstructure:"addr"`
	Mode          string `yaml:"mode" mapstructure:"mode"`
	MaxUploadMB   int    `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
	WatchDebounce int    `yaml:"watch_debounce_ms" mapstructure:"watch_debounce_ms"`
	// DocumentRoot confines the path-based ingestion endpoints. Empty
	// disables them; uploads still work.
	DocumentRoot string `yaml:"document_root" mapstructure:"document_root"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Logging     LoggingConfig     `yaml:"logging" mapstructure:"logging"`
	Embedder    EmbedderConfig    `yaml:"embedder" mapstructure:"embedder"`
	Chunker     ChunkerConfig     `yaml:"chunker" mapstructure:"chunker"`
	VectorStore VectorStoreConfig `yaml:"vector_store" mapstructure:"vector_store"`
	Retrieval   RetrievalConfig   `yaml:"retrieval" mapstructure:"retrieval"`
	Ingest      IngestConfig      `yaml:"ingest" mapstructure:"ingest"`
	Catalog     CatalogConfig     `yaml:"catalog" mapstructure:"catalog"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
}

// Load reads a config from a specified path, layered over the defaults and
// under RAG_* environment overrides. A missing file yields the defaults.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	defaults, err := yaml.Marshal(defaultConfig())
	if err != nil {
		return nil, err
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, err
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := v.MergeConfig(bytes.NewReader(data)); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	applyConfigDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/rag/config.yaml.
// If neither exists, it writes defaults to ~/.config/rag/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err != nil {
		if err := Save(userPath, defaultConfig()); err != nil {
			return nil, "", err
		}
	}
	cfg, err := Load(userPath)
	return cfg, userPath, err
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Default returns a copy of the built-in configuration.
func Default() *AppConfig { return defaultConfig() }

// Validate rejects settings the components cannot run with.
func (c *AppConfig) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Chunker.ChunkSize <= 0 {
		add("chunker.chunk_size must be positive, got %d", c.Chunker.ChunkSize)
	}
	if c.Chunker.ChunkOverlap < 0 || c.Chunker.ChunkOverlap >= c.Chunker.ChunkSize {
		add("chunker.chunk_overlap must be in [0, chunk_size), got %d", c.Chunker.ChunkOverlap)
	}
	if !slices.Contains([]string{"hashing", "openai"}, c.Embedder.Type) {
		add("embedder.type must be hashing or openai, got %q", c.Embedder.Type)
	}
	if c.Embedder.Dimension < 0 {
		add("embedder.dimension must not be negative, got %d", c.Embedder.Dimension)
	}
	if !slices.Contains([]string{"flat", "memory", "qdrant", "chroma"}, c.VectorStore.Type) {
		add("vector_store.type must be flat, memory, qdrant or chroma, got %q", c.VectorStore.Type)
	}
	if c.Retrieval.SimilarityWeight < 0 || c.Retrieval.TermWeight < 0 {
		add("retrieval weights must not be negative")
	}
	if c.Retrieval.SimilarityWeight == 0 && c.Retrieval.TermWeight == 0 {
		add("retrieval weights must not both be zero")
	}
	if c.Retrieval.MaxDocumentsPerQuery <= 0 {
		add("retrieval.max_documents_per_query must be positive, got %d", c.Retrieval.MaxDocumentsPerQuery)
	}
	if c.Retrieval.MultiSource && c.Retrieval.External.Remote.URL == "" {
		add("retrieval.external.remote.url is required when multi_source is enabled")
	}
	if !slices.Contains([]string{"text", "json"}, c.Logging.Format) {
		add("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", domain.ErrInvalidConfig, errors.Join(errs...))
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "rag", "config.yaml"), nil
}

func defaultConfig() *AppConfig {
	return &AppConfig{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Embedder: EmbedderConfig{
			Type:      "hashing",
			BatchSize: 32,
			OpenAI: OpenAIEmbedderConfig{
				BaseURL:     "https://api.openai.com/v1",
				APIKeyEnv:   "OPENAI_API_KEY",
				Model:       "text-embedding-3-small",
				TimeoutSecs: 30,
				MaxRetries:  3,
			},
			Cache: CacheConfig{Addr: "localhost:6379", TTLSecs: 86400, KeyPrefix: "rag:embedding:"},
		},
		Chunker: ChunkerConfig{ChunkSize: 1000, ChunkOverlap: 200},
		VectorStore: VectorStoreConfig{
			Type: "flat",
			Dir:  filepath.Join("data", "index"),
			Qdrant: RemoteStoreConfig{
				URL:         "http://localhost:6333",
				Collection:  "documents",
				Distance:    "Cosine",
				TimeoutSecs: 15,
			},
			Chroma: RemoteStoreConfig{
				URL:         "http://localhost:8000",
				Collection:  "documents",
				TimeoutSecs: 15,
			},
		},
		Retrieval: RetrievalConfig{
			MaxDocumentsPerQuery: 5,
			SimilarityWeight:     0.7,
			TermWeight:           0.3,
			External: ExternalSourceConfig{
				Type:   "qdrant",
				Remote: RemoteStoreConfig{Collection: "external", TimeoutSecs: 15},
			},
		},
		Ingest:  IngestConfig{Workers: 4},
		Catalog: CatalogConfig{Path: filepath.Join("data", "catalog.db")},
		Server:  ServerConfig{Addr: ":8080", Mode: "release", MaxUploadMB: 32, WatchDebounce: 500},
	}
}

func applyConfigDefaults(cfg *AppConfig) {
	cfg.Embedder.Type = strings.ToLower(strings.TrimSpace(cfg.Embedder.Type))
	cfg.VectorStore.Type = strings.ToLower(strings.TrimSpace(cfg.VectorStore.Type))
	cfg.Logging.Format = strings.ToLower(strings.TrimSpace(cfg.Logging.Format))
	if cfg.Embedder.BatchSize <= 0 {
		cfg.Embedder.BatchSize = 32
	}
	if cfg.Embedder.OpenAI.BaseURL == "" {
		cfg.Embedder.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Embedder.OpenAI.APIKeyEnv == "" {
		cfg.Embedder.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Ingest.Workers <= 0 {
		cfg.Ingest.Workers = 4
	}
	if cfg.Server.MaxUploadMB <= 0 {
		cfg.Server.MaxUploadMB = 32
	}
	if cfg.Server.WatchDebounce <= 0 {
		cfg.Server.WatchDebounce = 500
	}
}
