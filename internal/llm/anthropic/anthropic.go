// Package anthropic implements image captioning on the Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/efebarandurmaz/imagesearch/internal/llm"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"
	defaultModel   = "claude-3-5-haiku-latest"
	apiVersion     = "2023-06-01"
)

// Client implements llm.Provider for the Anthropic Messages API. Anthropic
// has no embedding endpoint, so Embed always fails; pair it with another
// embedding provider.
type Client struct {
	apiKey  string
	model   string
	baseURL string
	prompt  string
	http    *http.Client
}

// New creates an Anthropic provider.
func New(apiKey, model, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if model == "" {
		model = defaultModel
	}
	return &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		prompt:  llm.CaptionPrompt,
		http:    &http.Client{},
	}
}

// SetPrompt overrides the caption prompt. An empty prompt is ignored.
func (c *Client) SetPrompt(p string) {
	if p != "" {
		c.prompt = p
	}
}

func (c *Client) Name() string { return "anthropic" }

func (c *Client) Caption(ctx context.Context, img *llm.Image) (string, error) {
	if img == nil || len(img.Data) == 0 {
		return "", fmt.Errorf("anthropic: no image data")
	}

	body := map[string]any{
		"model":      c.model,
		"max_tokens": 300,
		"messages": []map[string]any{{
			"role": "user",
			"content": []map[string]any{
				{
					"type": "image",
					"source": map[string]string{
						"type":       "base64",
						"media_type": img.MediaType,
						"data":       img.Base64(),
					},
				},
				{"type": "text", "text": c.prompt},
			},
		}},
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &llm.StatusError{Provider: "anthropic", Code: resp.StatusCode, Body: string(respBody)}
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", err
	}

	for _, block := range result.Content {
		if block.Type != "" && block.Type != "text" {
			continue
		}
		if caption := llm.CleanCaption(block.Text); caption != "" {
			return caption, nil
		}
	}
	return "", llm.ErrEmptyCaption
}

func (c *Client) Embed(_ context.Context, _ []string) ([][]float32, error) {
	return nil, fmt.Errorf("anthropic: %w", llm.ErrEmbeddingUnsupported)
}
