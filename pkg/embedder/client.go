// Package embedder provides a client for an OpenAI-compatible text
// embeddings API.
package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/harborwell/intake-cli/internal/resilience"
)

// Client defines the embeddings operations.
type Client interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) (*EmbedResponse, error)
}

// EmbedResponse is the parsed embeddings API response.
type EmbedResponse struct {
	Data  []Embedding `json:"data"`
	Model string      `json:"model"`
	Usage Usage       `json:"usage"`
}

// Embedding is one vector in an EmbedResponse.
type Embedding struct {
	Index  int       `json:"index"`
	Vector []float32 `json:"embedding"`
}

// Usage tracks token consumption.
type Usage struct {
	TotalTokens int `json:"total_tokens"`
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// Option configures the embeddings client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithModel overrides the embedding model.
func WithModel(model string) Option {
	return func(c *httpClient) {
		c.model = model
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps outgoing requests per second.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a new embeddings client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.openai.com/v1",
		model:   "text-embedding-3-small",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(5), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// retryableStatusCode returns true if the HTTP status code should trigger a retry.
func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// retryDo posts payload with exponential backoff retries on transient
// failures (429, 500, 502, 503). The request is rebuilt each attempt so
// the body can be resent.
func (c *httpClient) retryDo(ctx context.Context, url string, payload []byte) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := 1 * time.Second

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, 0, err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, 0, eris.Wrap(err, "embedder: create request")
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return nil, 0, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
				continue
			}
			return nil, 0, lastErr
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, resp.StatusCode, eris.Wrap(readErr, "embedder: read response body")
		}

		if retryableStatusCode(resp.StatusCode) && attempt < maxAttempts {
			lastErr = eris.Errorf("embedder: status %d: %s", resp.StatusCode, string(body))
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			continue
		}

		return body, resp.StatusCode, nil
	}

	return nil, 0, lastErr
}

func (c *httpClient) Embed(ctx context.Context, texts []string) (*EmbedResponse, error) {
	if len(texts) == 0 {
		return nil, eris.New("embedder: no input texts")
	}

	payload, err := json.Marshal(embedRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, eris.Wrap(err, "embedder: marshal request")
	}

	body, statusCode, err := c.retryDo(ctx, c.baseURL+"/embeddings", payload)
	if err != nil {
		return nil, eris.Wrap(err, "embedder: request failed")
	}
	if statusCode != http.StatusOK {
		err := eris.Errorf("embedder: unexpected status %d: %s", statusCode, string(body))
		// A retryable status that outlived the in-call retries is still
		// transient: the job queue reschedules it with its own backoff.
		if resilience.IsTransientHTTPStatus(statusCode) {
			return nil, resilience.NewTransientError(err, statusCode)
		}
		return nil, err
	}

	var result EmbedResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, eris.Wrap(err, "embedder: unmarshal response")
	}
	if len(result.Data) != len(texts) {
		return nil, eris.Errorf("embedder: got %d vectors for %d inputs", len(result.Data), len(texts))
	}
	return &result, nil
}
