// Package embedding provides the OpenAI-compatible embeddings client
// used for artifact, chunk, and query vectors.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/memoryplane/memoryplane/pkg/memerr"
	"github.com/memoryplane/memoryplane/pkg/tokenizer"
)

// Embedder is the surface ingest and retrieval consume.
type Embedder interface {
	// EmbedOne embeds a single text.
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	// EmbedMany embeds texts in order; result[i] corresponds to texts[i].
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
	// HealthCheck verifies the provider is reachable.
	HealthCheck(ctx context.Context) error
}

// Config for the HTTP client.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	// BatchSize caps texts per request; the provider hard cap is 2048.
	BatchSize  int
	MaxRetries int
	// RetryInterval is the first backoff delay; doubles per attempt.
	RetryInterval time.Duration
	Timeout       time.Duration
	// Tokenizer, when set, enforces the provider's per-text token
	// ceiling by truncating over-limit inputs at a token boundary.
	Tokenizer     tokenizer.Tokenizer
	MaxTextTokens int
}

// Client talks to any /v1/embeddings-compatible endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

const (
	providerBatchCap     = 2048
	providerTextTokenCap = 8191
)

func NewClient(cfg Config) *Client {
	if cfg.BatchSize <= 0 || cfg.BatchSize > providerBatchCap {
		cfg.BatchSize = 100
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxTextTokens <= 0 || cfg.MaxTextTokens > providerTextTokenCap {
		cfg.MaxTextTokens = providerTextTokenCap
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (c *Client) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedMany(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedMany splits texts into batches and embeds each with retries. On a
// batch failure the error reports which batch failed, so callers know
// nothing after that point was embedded.
func (c *Client) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	texts = c.capTokens(texts)
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embedding batch %d (texts %d-%d): %w",
				start/c.cfg.BatchSize, start, end-1, err)
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// embedBatch retries transient failures with exponential backoff
// (1s, 2s, 4s by default). Terminal provider errors fail immediately.
func (c *Client) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vecs [][]float32
	op := func() error {
		var err error
		vecs, err = c.doRequest(ctx, texts)
		if err != nil && !memerr.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.RetryInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(c.cfg.MaxRetries)), ctx))
	if err != nil {
		return nil, err
	}
	return vecs, nil
}

// capTokens truncates texts past the per-text token ceiling. Chunked
// content sits far below the ceiling by construction; this guards raw
// queries and unchunked inputs. The caller's slice is never mutated.
func (c *Client) capTokens(texts []string) []string {
	if c.cfg.Tokenizer == nil {
		return texts
	}
	var out []string
	for i, text := range texts {
		toks := c.cfg.Tokenizer.Encode(text)
		if len(toks) <= c.cfg.MaxTextTokens {
			continue
		}
		if out == nil {
			out = append([]string(nil), texts...)
		}
		out[i] = c.cfg.Tokenizer.Decode(toks[:c.cfg.MaxTextTokens])
	}
	if out == nil {
		return texts
	}
	return out
}

func (c *Client) doRequest(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingRequest{
		Model:      c.cfg.Model,
		Input:      texts,
		Dimensions: c.cfg.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindTransient, "EMBEDDING_UNAVAILABLE", "embedding request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, memerr.Wrap(memerr.KindTransient, "EMBEDDING_UNAVAILABLE", "reading embedding response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, raw)
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, memerr.Wrap(memerr.KindTerminal, "EMBEDDING_INVALID_RESPONSE", "decoding embedding response", err)
	}
	if parsed.Error != nil {
		return nil, memerr.Newf(memerr.KindTerminal, "EMBEDDING_INVALID_RESPONSE",
			"provider error: %s", parsed.Error.Message)
	}
	if len(parsed.Data) != len(texts) {
		return nil, memerr.Newf(memerr.KindTerminal, "EMBEDDING_INVALID_RESPONSE",
			"expected %d embeddings, got %d", len(texts), len(parsed.Data))
	}

	// Providers return data with index fields; order by index rather
	// than trusting array order.
	vecs := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, memerr.Newf(memerr.KindTerminal, "EMBEDDING_INVALID_RESPONSE",
				"embedding index %d out of range", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

// classifyStatus maps HTTP status codes onto the retry taxonomy:
// rate limits and server errors are transient, auth and bad requests
// are terminal.
func classifyStatus(status int, body []byte) error {
	msg := string(body)
	if len(msg) > 500 {
		msg = msg[:500]
	}
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return memerr.Newf(memerr.KindTransient, "EMBEDDING_UNAVAILABLE",
			"embedding provider returned %d: %s", status, msg)
	default:
		return memerr.Newf(memerr.KindTerminal, "EMBEDDING_REJECTED",
			"embedding provider returned %d: %s", status, msg)
	}
}

func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.EmbedOne(ctx, "ping")
	return err
}

var _ Embedder = (*Client)(nil)
