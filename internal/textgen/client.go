// Package textgen calls an OpenAI compatible chat completions endpoint.
package textgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

var ErrNotConfigured = errors.New("text generation is not configured")

const systemPrompt = "You write tailored, professional cover letters. Reply with the letter text only."

type Config struct {
	BaseURL           string
	APIKey            string
	Model             string
	Timeout           time.Duration // per request
	MaxAttempts       int
	InitialBackoff    time.Duration
	RequestsPerMinute int // 0 disables rate limiting
}

func DefaultConfig() Config {
	return Config{
		BaseURL:           "https://api.openai.com/v1",
		Model:             "gpt-4o-mini",
		Timeout:           60 * time.Second,
		MaxAttempts:       3,
		InitialBackoff:    time.Second,
		RequestsPerMinute: 60,
	}
}

// Client generates text with its own bounded retries, independent of the
// retries the workflow engine applies to the calling activity.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

func NewClient(cfg Config) *Client {
	defaults := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if c.cfg.BaseURL == "" || c.cfg.APIKey == "" {
		return "", ErrNotConfigured
	}
	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: 0.7,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to encode request")
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxAttempts-1)), ctx)

	var text string
	err = backoff.Retry(func() error {
		var err error
		text, err = c.complete(ctx, body)
		return err
	}, policy)
	if err != nil {
		return "", err
	}
	return text, nil
}

// complete sends one request. Client errors other than rate limiting are
// permanent.
func (c *Client) complete(ctx context.Context, body []byte) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", backoff.Permanent(err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "chat completion request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrap(err, "failed to read chat completion response")
	}
	var result chatResponse
	decodeErr := json.Unmarshal(raw, &result)

	if resp.StatusCode != http.StatusOK {
		apiErr := fmt.Errorf("chat completion returned %d: %s", resp.StatusCode, result.Error.Message)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", apiErr
		}
		return "", backoff.Permanent(apiErr)
	}
	if decodeErr != nil {
		return "", backoff.Permanent(errors.Wrap(decodeErr, "failed to decode chat completion response"))
	}
	if len(result.Choices) == 0 || strings.TrimSpace(result.Choices[0].Message.Content) == "" {
		return "", errors.New("chat completion returned no text")
	}
	return strings.TrimSpace(result.Choices[0].Message.Content), nil
}
