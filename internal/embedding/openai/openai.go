package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"ragindex/internal/domain"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client is an OpenAI-compatible embeddings client implementing EmbeddingProvider.
// Ollama and other servers exposing /v1/embeddings work through BaseURL.
type Client struct {
	api        *goopenai.Client
	model      string
	dimension  atomic.Int64
	maxRetries int
	logger     *slog.Logger
}

// Config configures the OpenAI-compatible embeddings client.
type Config struct {
	BaseURL    string
	APIKeyEnv  string
	Model      string
	Dimension  int
	Timeout    time.Duration
	MaxRetries int
	Logger     *slog.Logger
}

// NewClient creates a new embeddings client using the provided configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.APIKeyEnv == "" {
		cfg.APIKeyEnv = "OPENAI_API_KEY"
	}
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" && cfg.BaseURL == defaultBaseURL {
		return nil, fmt.Errorf("missing API key in env %s", cfg.APIKeyEnv)
	}
	if cfg.Model == "" {
		cfg.Model = string(goopenai.SmallEmbedding3)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	apiCfg := goopenai.DefaultConfig(key)
	apiCfg.BaseURL = cfg.BaseURL
	apiCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	c := &Client{
		api:        goopenai.NewClientWithConfig(apiCfg),
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		logger:     cfg.Logger,
	}
	c.dimension.Store(int64(cfg.Dimension))
	return c, nil
}

// Name returns the identifier of this embedder implementation.
func (c *Client) Name() string { return "openai:" + c.model }

// Dimension returns the configured dimension, or the one observed on the
// first response when none was configured.
func (c *Client) Dimension() int { return int(c.dimension.Load()) }

// EmbedBatch returns one embedding per input text, in input order.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	req := goopenai.EmbeddingRequest{
		Input: texts,
		Model: goopenai.EmbeddingModel(c.model),
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", domain.ErrEmbeddingFailure, ctx.Err())
			case <-time.After(retryDelay(attempt - 1)):
			}
		}
		resp, err := c.api.CreateEmbeddings(ctx, req)
		if err != nil {
			lastErr = err
			if retryable(err) && ctx.Err() == nil {
				c.logger.Warn("embedding request failed, retrying", "attempt", attempt, "error", err)
				continue
			}
			return nil, fmt.Errorf("%w: %w", domain.ErrEmbeddingFailure, err)
		}
		return c.collect(resp, len(texts))
	}
	return nil, fmt.Errorf("%w: retries exhausted: %w", domain.ErrEmbeddingFailure, lastErr)
}

func (c *Client) collect(resp goopenai.EmbeddingResponse, want int) ([][]float32, error) {
	if len(resp.Data) != want {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", domain.ErrEmbeddingFailure, want, len(resp.Data))
	}
	out := make([][]float32, want)
	for i, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= want || out[idx] != nil {
			idx = i
		}
		if len(d.Embedding) == 0 {
			return nil, fmt.Errorf("%w: empty embedding at position %d", domain.ErrEmbeddingFailure, idx)
		}
		out[idx] = d.Embedding
	}
	dim := int64(len(out[0]))
	c.dimension.CompareAndSwap(0, dim)
	return out, nil
}

func retryable(err error) bool {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func retryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := 200 * time.Millisecond
	// exponential backoff capped at 5s
	d := base << attempt
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

var _ domain.EmbeddingProvider = (*Client)(nil)
