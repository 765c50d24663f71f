// Package ollama talks to a local Ollama server. It provides the third
// detection tier (a language model asked to list identifiers) and the
// validator that re-checks ambiguous candidates.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"phi-deid/internal/logger"
	"phi-deid/internal/phi"
)

const (
	DefaultEndpoint = "http://127.0.0.1:11434"
	DefaultModel    = "llama3.2:3b"
	DefaultTimeout  = 30 * time.Second

	maxResponseBytes = 10 << 20
)

// Options configures a Client.
type Options struct {
	Endpoint string
	Model    string
	Timeout  time.Duration
	// Concurrency caps simultaneous generate calls. Zero means one.
	Concurrency int
	Log         *logger.Logger
	HTTPClient  *http.Client
}

// Client is a minimal /api/generate client shared by Detector and
// Validator. It is safe for concurrent use.
type Client struct {
	url   string
	model string
	http  *http.Client
	sem   chan struct{}
	log   *logger.Logger
}

// New creates a Client, filling unset options with defaults.
func New(opts Options) *Client {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		url:   strings.TrimRight(opts.Endpoint, "/") + "/api/generate",
		model: opts.Model,
		http:  hc,
		sem:   make(chan struct{}, opts.Concurrency),
		log:   opts.Log,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// generate runs one non-streaming completion and returns the model's text.
// Transport failures wrap phi.ErrProviderUnavailable; anything wrong with
// the answer wraps phi.ErrProviderError.
func (c *Client) generate(ctx context.Context, prompt string) (string, error) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return "", ctx.Err()
	}

	reqBody, err := json.Marshal(generateRequest{
		Model:   c.model,
		Prompt:  prompt,
		Stream:  false,
		Options: map[string]any{"temperature": 0},
	})
	if err != nil {
		return "", fmt.Errorf("%w: marshal: %w", phi.ErrProviderError, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("%w: create request: %w", phi.ErrProviderError, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req) // #nosec G704 -- URL from trusted config, not user input
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %w", phi.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close on HTTP response body

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return "", fmt.Errorf("%w: read: %w", phi.ErrProviderError, err)
	}
	if len(body) > maxResponseBytes {
		c.log.Warnf("generate", "response truncated at %d bytes", maxResponseBytes)
		body = body[:maxResponseBytes]
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d: %s", phi.ErrProviderError, resp.StatusCode, snippet(body))
	}

	var gr generateResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return "", fmt.Errorf("%w: response parse error: %w", phi.ErrProviderError, err)
	}
	return strings.TrimSpace(gr.Response), nil
}

func snippet(b []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
