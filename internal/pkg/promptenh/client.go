package promptenh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Config holds prompt enhancement service configuration
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client calls the prompt enhancement service, which rewrites a raw user
// prompt into a richer generation prompt. Strictly best-effort: callers fall
// back to the original prompt on any failure.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a prompt enhancement client
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type enhanceRequest struct {
	Prompt string `json:"prompt"`
	Style  string `json:"style,omitempty"`
}

type enhanceResponse struct {
	EnhancedPrompt string `json:"enhanced_prompt"`
}

// Enhance returns an enriched version of the prompt. The context deadline
// bounds the call; callers must treat every error as "use the original".
func (c *Client) Enhance(ctx context.Context, prompt, style string) (string, error) {
	if c.cfg.BaseURL == "" {
		return "", fmt.Errorf("promptenh: not configured")
	}

	body, err := json.Marshal(enhanceRequest{Prompt: prompt, Style: style})
	if err != nil {
		return "", fmt.Errorf("promptenh: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/enhance", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("promptenh: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("promptenh: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("promptenh: status=%d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("promptenh: read body: %w", err)
	}

	var out enhanceResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("promptenh: decode body: %w", err)
	}
	if strings.TrimSpace(out.EnhancedPrompt) == "" {
		return "", fmt.Errorf("promptenh: empty enhanced prompt")
	}

	return out.EnhancedPrompt, nil
}
