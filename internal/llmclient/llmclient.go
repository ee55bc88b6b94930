// Package llmclient implements the vendor-neutral JSON-over-HTTPS LLM
// contract: a single non-streaming batch call, opaque to provider.
package llmclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Part is one piece of a content block's parts array.
type Part struct {
	Text string `json:"text"`
}

// Content is a single conversational turn.
type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// SystemInstruction carries the fixed system prompt for a request.
type SystemInstruction struct {
	Parts []Part `json:"parts"`
}

// GenerationConfig tunes sampling and output shape.
type GenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"response_mime_type"`
}

// Request is the full request body posted to the configured LLM endpoint.
type Request struct {
	Contents          []Content          `json:"contents"`
	SystemInstruction SystemInstruction  `json:"systemInstruction"`
	GenerationConfig  GenerationConfig   `json:"generationConfig"`
}

// Candidate is one entry of the response's candidates array.
type Candidate struct {
	Content Content `json:"content"`
}

// Response is the full response body from the LLM endpoint.
type Response struct {
	Candidates []Candidate `json:"candidates"`
}

// Entry is one parsed analysis result, per the response contract in §6.
type Entry struct {
	Summary        string   `json:"summary"`
	Analysis       string   `json:"analysis"`
	FactCheck      string   `json:"fact_check,omitempty"`
	RelevanceScore int      `json:"relevance_score"`
	Sentiment      string   `json:"sentiment"`
	Tickers        []string `json:"tickers,omitempty"`
	Tags           []string `json:"tags,omitempty"`
	SourceIDs      []string `json:"source_ids,omitempty"`
	IsUrgent       bool     `json:"is_urgent,omitempty"`
	Triples        []any    `json:"triples,omitempty"`
}

// Client calls a single, opaque LLM endpoint over HTTPS.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// New builds a Client against endpoint, authenticating with apiKey as a
// bearer token, bounding every call to timeout.
func New(endpoint, apiKey string, timeout time.Duration) *Client {
	return &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Analyze posts batchText under systemPrompt and parses the response into
// a slice of Entry, tolerating a bare single-object response by wrapping
// it (§4.4 step 2c).
func (c *Client) Analyze(ctx context.Context, batchText, systemPrompt string, temperature float64) ([]Entry, error) {
	reqBody := Request{
		Contents: []Content{{
			Role:  "user",
			Parts: []Part{{Text: batchText}},
		}},
		SystemInstruction: SystemInstruction{Parts: []Part{{Text: systemPrompt}}},
		GenerationConfig: GenerationConfig{
			Temperature:      temperature,
			ResponseMimeType: "application/json",
		},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal llm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("build llm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransientError{Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read llm response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &TransientError{Cause: fmt.Errorf("llm endpoint status %d: %s", resp.StatusCode, truncate(string(body), 200))}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llm endpoint status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed Response
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("%w: empty candidates", ErrMalformed)
	}

	text := parsed.Candidates[0].Content.Parts[0].Text
	return parseEntries(text)
}

func parseEntries(text string) ([]Entry, error) {
	trimmed := strings.TrimSpace(text)

	var entries []Entry
	if err := json.UnmarshalFromString(trimmed, &entries); err == nil {
		return entries, nil
	}

	var single Entry
	if err := json.UnmarshalFromString(trimmed, &single); err == nil {
		return []Entry{single}, nil
	}

	return nil, fmt.Errorf("%w: response is neither a JSON array nor object: %s", ErrMalformed, truncate(trimmed, 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
