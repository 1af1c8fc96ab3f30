package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"ragindex/internal/domain"
)

// Config configures the embedding cache.
type Config struct {
	TTL       time.Duration
	KeyPrefix string
	Logger    *slog.Logger
}

// Provider wraps an EmbeddingProvider and keeps vectors in Redis.
// Redis failures are logged and fall through to the wrapped provider.
type Provider struct {
	inner  domain.EmbeddingProvider
	redis  goredis.UniversalClient
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

// New creates a caching provider around inner.
func New(inner domain.EmbeddingProvider, client goredis.UniversalClient, cfg Config) *Provider {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rag:embedding:"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Provider{inner: inner, redis: client, ttl: cfg.TTL, prefix: cfg.KeyPrefix, logger: cfg.Logger}
}

// Name returns the wrapped provider's name.
func (p *Provider) Name() string { return p.inner.Name() }

// Dimension returns the wrapped provider's dimension.
func (p *Provider) Dimension() int { return p.inner.Dimension() }

// EmbedBatch serves cached vectors and embeds only the misses.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = p.key(t)
	}

	out := make([][]float32, len(texts))
	cached, err := p.redis.MGet(ctx, keys...).Result()
	if err != nil {
		p.logger.Warn("embedding cache read failed", "error", err)
		cached = nil
	}
	var missIdx []int
	var missTexts []string
	for i := range texts {
		if i < len(cached) {
			if s, ok := cached[i].(string); ok {
				if v, err := decodeVector(s); err == nil {
					out[i] = v
					continue
				}
			}
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, texts[i])
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := p.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, fmt.Errorf("%w: expected %d vectors, got %d", domain.ErrEmbeddingFailure, len(missTexts), len(vecs))
	}

	pipe := p.redis.Pipeline()
	for j, i := range missIdx {
		out[i] = vecs[j]
		if len(vecs[j]) > 0 {
			pipe.Set(ctx, keys[i], encodeVector(vecs[j]), p.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		p.logger.Warn("embedding cache write failed", "error", err)
	}
	return out, nil
}

func (p *Provider) key(text string) string {
	h := sha256.Sum256([]byte(p.inner.Name() + "\x00" + text))
	return p.prefix + hex.EncodeToString(h[:])
}

func encodeVector(v []float32) string {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return string(buf)
}

func decodeVector(s string) ([]float32, error) {
	if len(s) == 0 || len(s)%4 != 0 {
		return nil, errors.New("malformed cached vector")
	}
	b := []byte(s)
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}

var _ domain.EmbeddingProvider = (*Provider)(nil)
