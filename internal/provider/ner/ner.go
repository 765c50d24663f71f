// Package ner is the second detection tier: a named-entity recognizer
// running as an HTTP sidecar. The sidecar receives {"text": ...} on
// /classify and answers with labelled spans.
package ner

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
	// DefaultTimeout bounds one /classify round trip.
	DefaultTimeout = 10 * time.Second
	// DefaultMinScore drops spans the recognizer is unsure about.
	DefaultMinScore = 0.5

	maxResponseBytes = 10 << 20
)

// labels maps recognizer labels to kinds. Labels not listed are dropped.
var labels = map[string]phi.Kind{
	"PER":     phi.KindName,
	"PERSON":  phi.KindName,
	"LOC":     phi.KindLocation,
	"GPE":     phi.KindLocation,
	"ADDRESS": phi.KindLocation,
	"DATE":    phi.KindDate,
	"TIME":    phi.KindDate,
	"ORG":     phi.KindOrganization,
}

// Options configures a Client.
type Options struct {
	// URL is the sidecar base URL, e.g. "http://127.0.0.1:8001".
	URL      string
	MinScore float64
	Timeout  time.Duration
	Log      *logger.Logger
	// HTTPClient overrides the default client; its Timeout is left alone.
	HTTPClient *http.Client
}

// Client calls the sidecar. It is safe for concurrent use.
type Client struct {
	url      string
	minScore float64
	http     *http.Client
	log      *logger.Logger
}

// New creates a Client. Zero MinScore and Timeout select the defaults.
func New(opts Options) *Client {
	if opts.MinScore <= 0 {
		opts.MinScore = DefaultMinScore
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		url:      strings.TrimRight(opts.URL, "/") + "/classify",
		minScore: opts.MinScore,
		http:     hc,
		log:      opts.Log,
	}
}

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Spans []span `json:"spans"`
}

// span offsets are character (rune) offsets, as Python string indexes are.
type span struct {
	Start int      `json:"start"`
	End   int      `json:"end"`
	Label string   `json:"label"`
	Text  string   `json:"text"`
	Score *float64 `json:"score"`
}

// Name implements phi.Provider.
func (c *Client) Name() string { return "ner" }

// Source implements phi.Provider.
func (c *Client) Source() phi.Source { return phi.SourceNER }

// Detect sends text to the sidecar. An unreachable sidecar yields
// phi.ErrProviderUnavailable; a bad status or body yields phi.ErrProviderError.
func (c *Client) Detect(ctx context.Context, text string) ([]phi.Candidate, error) {
	body, err := json.Marshal(classifyRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal: %w", phi.ErrProviderError, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: request: %w", phi.ErrProviderError, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", phi.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("%w: status %d: %s", phi.ErrProviderError, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var result classifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", phi.ErrProviderError, err)
	}
	return c.candidates(text, result.Spans), nil
}

func (c *Client) candidates(text string, spans []span) []phi.Candidate {
	if len(spans) == 0 {
		return nil
	}
	offsets := runeOffsets(text)
	out := make([]phi.Candidate, 0, len(spans))
	dropped := 0
	for _, s := range spans {
		kind, ok := labels[strings.ToUpper(s.Label)]
		if !ok {
			dropped++
			continue
		}
		score := 1.0
		if s.Score != nil {
			score = *s.Score
		}
		if score < c.minScore {
			dropped++
			continue
		}
		cand := phi.Candidate{Kind: kind, Confidence: score, Source: phi.SourceNER, Value: s.Text}
		// Out-of-range offsets are passed through unchanged so ingestion
		// reports them as invalid.
		cand.Start, cand.End = s.Start, s.End
		if s.Start >= 0 && s.End < len(offsets) && s.Start <= s.End {
			cand.Start, cand.End = offsets[s.Start], offsets[s.End]
		}
		out = append(out, cand)
	}
	if dropped > 0 {
		c.log.Debugf("classify", "dropped %d of %d spans (label or score)", dropped, len(spans))
	}
	return out
}

// runeOffsets maps rune indexes to byte offsets, with one extra entry for
// the end of the text.
func runeOffsets(text string) []int {
	offsets := make([]int, 0, len(text)+1)
	for i := range text {
		offsets = append(offsets, i)
	}
	return append(offsets, len(text))
}
