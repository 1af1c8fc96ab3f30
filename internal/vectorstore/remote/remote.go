// Package remote holds the JSON-over-HTTP plumbing shared by the managed
// vector store adapters.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ragindex/internal/domain"
)

// Config configures a Client.
type Config struct {
	BaseURL string
	APIKey  string
	// APIKeyHeader defaults to "api-key".
	APIKeyHeader string
	Timeout      time.Duration
}

// Client sends JSON requests to a vector database.
type Client struct {
	base      string
	apiKey    string
	keyHeader string
	http      *http.Client
}

// StatusError is returned for non-2xx responses below 500.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// IsNotFound reports whether err is a 404 StatusError.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// NewClient creates a client. A zero timeout defaults to 15s.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "api-key"
	}
	return &Client{
		base:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		keyHeader: cfg.APIKeyHeader,
		http:      &http.Client{Timeout: cfg.Timeout},
	}
}

// BaseURL returns the server root the client talks to.
func (c *Client) BaseURL() string { return c.base }

// Do sends body as JSON and decodes the response into out when out is
// non-nil. Transport failures, deadlines and 5xx responses wrap
// domain.ErrBackendUnavailable.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	url := c.base + path

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set(c.keyHeader, c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", domain.ErrBackendUnavailable, method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s %s: status %d: %s", domain.ErrBackendUnavailable, method, url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: method, URL: url, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: %s %s: %w", domain.ErrBackendUnavailable, method, url, err)
		}
		return fmt.Errorf("decode %s %s response: %w", method, url, err)
	}
	return nil
}

// Metric names how a backend reports raw scores.
type Metric string

const (
	// CosineSimilarity scores are already similarities.
	CosineSimilarity Metric = "cosine"
	// CosineDistance scores are 1 - cosine.
	CosineDistance Metric = "cosine_distance"
	// DotProduct scores are inner products.
	DotProduct Metric = "dot"
	// Euclidean scores are L2 distances.
	Euclidean Metric = "euclid"
)

// ToSimilarity maps a raw backend score to the higher-is-better convention
// used by the flat index.
func ToSimilarity(metric Metric, raw float64) float64 {
	switch metric {
	case CosineDistance:
		return 1 - raw
	case Euclidean:
		if raw < 0 {
			raw = 0
		}
		return 1 / (1 + raw)
	default:
		return raw
	}
}
