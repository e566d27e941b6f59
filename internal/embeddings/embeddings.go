// Package embeddings provides the text embedding client used by the memory
// and doctor-search subsystems.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vsf-health/vsf-agent/internal/telemetry"
)

// Client generates embedding vectors from text.
type Client interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dims() int
}

// Config for the HTTP client. BaseURL points at any OpenAI-compatible
// /embeddings endpoint.
type Config struct {
	BaseURL          string
	APIKey           string
	Model            string
	Dimensions       int
	MaxRetries       int
	RateLimitBackoff time.Duration
}

// HTTPClient implements Client against an OpenAI-compatible API.
type HTTPClient struct {
	cfg    Config
	client *http.Client
	log    *logrus.Logger
}

// NewHTTPClient builds the embedding client. Zero retry settings fall back
// to the defaults the ingest pipeline was written for.
func NewHTTPClient(cfg Config, log *logrus.Logger) *HTTPClient {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RateLimitBackoff <= 0 {
		cfg.RateLimitBackoff = time.Minute
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &HTTPClient{
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
		log:    log,
	}
}

func (c *HTTPClient) Dims() int { return c.cfg.Dimensions }

// Embed returns the vector for a single text.
func (c *HTTPClient) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// EmbedBatch embeds texts in one API request. Rate-limit responses trigger a
// fixed backoff before retrying; other failures retry immediately, up to
// MaxRetries attempts.
func (c *HTTPClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, span := telemetry.Tracer().Start(ctx, "create_embedding")
	defer span.End()
	span.SetAttributes(
		attribute.Int("embedding.batch_size", len(texts)),
		attribute.String("embedding.model", c.cfg.Model),
	)

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		vectors, err := c.request(ctx, texts)
		if err == nil {
			span.SetAttributes(attribute.Int("embedding.dimension", len(vectors[0])))
			return vectors, nil
		}
		lastErr = err

		if isRateLimited(err) {
			if attempt == c.cfg.MaxRetries-1 {
				break
			}
			c.log.WithField("backoff", c.cfg.RateLimitBackoff).Warn("embedding API rate limited, waiting before retry")
			select {
			case <-time.After(c.cfg.RateLimitBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		c.log.WithError(err).WithField("attempt", attempt+1).Warn("embedding request failed, retrying")
	}
	span.RecordError(lastErr)
	return nil, fmt.Errorf("embed %d texts after %d attempts: %w", len(texts), c.cfg.MaxRetries, lastErr)
}

func (c *HTTPClient) request(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.cfg.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &apiError{status: resp.StatusCode, body: string(b)}
	}

	var result embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response has %d vectors for %d inputs", len(result.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range result.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding response index %d out of range", item.Index)
		}
		if c.cfg.Dimensions > 0 && len(item.Embedding) != c.cfg.Dimensions {
			return nil, fmt.Errorf("embedding has %d dimensions, expected %d", len(item.Embedding), c.cfg.Dimensions)
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("embedding API error %d: %s", e.status, e.body)
}

func isRateLimited(err error) bool {
	apiErr, ok := err.(*apiError)
	if ok && apiErr.status == http.StatusTooManyRequests {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "per-minute")
}

// CosineSimilarity computes cosine similarity between two vectors. Mismatched
// or zero-length vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
