package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingProvider struct {
	calls atomic.Int32
	texts atomic.Int32
}

func (c *countingProvider) Name() string   { return "counting" }
func (c *countingProvider) Dimension() int { return 3 }
func (c *countingProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	c.calls.Add(1)
	c.texts.Add(int32(len(texts)))
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1, -0.5}
	}
	return out, nil
}

func setupTestRedis(t *testing.T) *goredis.Client {
	t.Helper()
	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("redis not available, skipping")
	}
	client.FlushDB(ctx)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestVectorEncodingRoundTrip(t *testing.T) {
	v := []float32{0, 1.5, -2.25, 3.4028235e38}
	got, err := decodeVector(encodeVector(v))
	require.NoError(t, err)
	assert.Equal(t, v, got)

	_, err = decodeVector("abc")
	assert.Error(t, err)
	_, err = decodeVector("")
	assert.Error(t, err)
}

func TestProviderFallsThroughWhenRedisIsDown(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	inner := &countingProvider{}
	p := New(inner, client, Config{})

	vecs, err := p.EmbedBatch(context.Background(), []string{"ab", "abcd"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{2, 1, -0.5}, {4, 1, -0.5}}, vecs)
	assert.Equal(t, int32(1), inner.calls.Load())
	assert.Equal(t, "counting", p.Name())
	assert.Equal(t, 3, p.Dimension())
}

func TestProviderServesHitsFromRedis(t *testing.T) {
	client := setupTestRedis(t)
	inner := &countingProvider{}
	p := New(inner, client, Config{TTL: time.Minute, KeyPrefix: "test:embedding:"})
	ctx := context.Background()

	first, err := p.EmbedBatch(ctx, []string{"alpha", "beta"})
	require.NoError(t, err)

	second, err := p.EmbedBatch(ctx, []string{"beta", "gamma", "alpha"})
	require.NoError(t, err)

	assert.Equal(t, first[1], second[0])
	assert.Equal(t, first[0], second[2])
	assert.Equal(t, int32(3), inner.texts.Load(), "only gamma should miss on the second call")
}

func TestProviderEmptyInput(t *testing.T) {
	inner := &countingProvider{}
	p := New(inner, goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1"}), Config{})
	vecs, err := p.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
	assert.Zero(t, inner.calls.Load())
}
