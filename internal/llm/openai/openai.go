// Package openai implements llm.Provider for OpenAI-compatible APIs
// (OpenAI, Ollama, vLLM, Groq, Together, ...).
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/efebarandurmaz/imagesearch/internal/llm"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	defaultModel      = "gpt-4o-mini"
	defaultEmbedModel = "text-embedding-3-small"
)

// Client implements llm.Provider for OpenAI-compatible APIs.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	embedModel string
	dimensions int
	prompt     string
	http       *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithDimensions requests embeddings of the given width. Models that do not
// support shortening ignore it.
func WithDimensions(n int) Option { return func(c *Client) { c.dimensions = n } }

// WithPrompt overrides the caption prompt.
func WithPrompt(p string) Option {
	return func(c *Client) {
		if p != "" {
			c.prompt = p
		}
	}
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// New creates an OpenAI-compatible provider.
func New(apiKey, model, baseURL, embedModel string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if model == "" {
		model = defaultModel
	}
	if embedModel == "" {
		embedModel = defaultEmbedModel
	}
	c := &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		embedModel: embedModel,
		prompt:     llm.CaptionPrompt,
		http:       &http.Client{Timeout: 300 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) Name() string { return "openai" }

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

// Caption asks the chat model to describe img, sending it inline as a data URI.
func (c *Client) Caption(ctx context.Context, img *llm.Image) (string, error) {
	if img == nil || len(img.Data) == 0 {
		return "", fmt.Errorf("openai caption: no image data")
	}

	body := map[string]any{
		"model": c.model,
		"messages": []map[string]any{{
			"role": "user",
			"content": []contentPart{
				{Type: "text", Text: c.prompt},
				{Type: "image_url", ImageURL: &imageURL{URL: img.DataURI()}},
			},
		}},
		"max_tokens": 300,
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := c.post(ctx, "/chat/completions", body, &result); err != nil {
		return "", fmt.Errorf("openai caption: %w", err)
	}

	if len(result.Choices) == 0 {
		return "", llm.ErrEmptyCaption
	}
	caption := llm.CleanCaption(result.Choices[0].Message.Content)
	if caption == "" {
		return "", llm.ErrEmptyCaption
	}
	return caption, nil
}

// Embed returns one embedding per input text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, llm.ErrEmptyEmbedding
	}

	body := map[string]any{
		"model": c.embedModel,
		"input": texts,
	}
	if c.dimensions > 0 {
		body["dimensions"] = c.dimensions
	}

	var result struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/embeddings", body, &result); err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}

	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("openai embed: got %d embeddings for %d inputs: %w", len(result.Data), len(texts), llm.ErrEmptyEmbedding)
	}
	embeddings := make([][]float32, len(texts))
	for i, d := range result.Data {
		idx := d.Index
		if idx < 0 || idx >= len(texts) {
			idx = i
		}
		embeddings[idx] = d.Embedding
	}
	for _, e := range embeddings {
		if len(e) == 0 {
			return nil, llm.ErrEmptyEmbedding
		}
	}
	return embeddings, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return &llm.StatusError{Provider: "openai", Code: resp.StatusCode, Body: string(respBody)}
	}
	return json.Unmarshal(respBody, out)
}

var _ llm.Provider = (*Client)(nil)
