package llm

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
)

// Config for the OpenAI-compatible chat client. Works against OpenAI,
// vLLM, Ollama, and anything else speaking /v1/chat/completions.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	MaxRetries int
	// RetryInterval is the first backoff delay; doubles per attempt.
	RetryInterval time.Duration
	Timeout       time.Duration
}

// OpenAIClient implements Provider over the OpenAI chat completions API.
type OpenAIClient struct {
	cfg        Config
	httpClient *http.Client
}

func NewOpenAIClient(cfg Config) *OpenAIClient {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &OpenAIClient{cfg: cfg, httpClient: &http.Client{Timeout: cfg.Timeout}}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float32         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	var content string
	op := func() error {
		var err error
		content, err = c.doRequest(ctx, req)
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
		return "", err
	}
	return content, nil
}

func (c *OpenAIClient) doRequest(ctx context.Context, req Request) (string, error) {
	payload := chatRequest{
		Model:       c.cfg.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSONMode {
		payload.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encoding chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", memerr.Wrap(memerr.KindTransient, "LLM_UNAVAILABLE", "chat request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return "", memerr.Wrap(memerr.KindTransient, "LLM_UNAVAILABLE", "reading chat response", err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(raw)
		if len(msg) > 500 {
			msg = msg[:500]
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", memerr.Newf(memerr.KindTransient, "LLM_UNAVAILABLE",
				"llm provider returned %d: %s", resp.StatusCode, msg)
		}
		return "", memerr.Newf(memerr.KindTerminal, "LLM_REJECTED",
			"llm provider returned %d: %s", resp.StatusCode, msg)
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", memerr.Wrap(memerr.KindTerminal, "LLM_INVALID_RESPONSE", "decoding chat response", err)
	}
	if parsed.Error != nil {
		return "", memerr.Newf(memerr.KindTerminal, "LLM_INVALID_RESPONSE",
			"provider error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", memerr.New(memerr.KindTerminal, "LLM_INVALID_RESPONSE", "no choices in response")
	}
	return parsed.Choices[0].Message.Content, nil
}

var _ Provider = (*OpenAIClient)(nil)
