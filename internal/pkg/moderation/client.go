package moderation

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

// Config holds content moderation service configuration
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client calls the content classification service. The classifier itself is
// a black box; this client only surfaces its boolean verdict.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a moderation client
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Flagged bool `json:"flagged"`
}

// IsFlagged reports whether the text requests explicit content.
func (c *Client) IsFlagged(ctx context.Context, text string) (bool, error) {
	if c.cfg.BaseURL == "" {
		// Moderation not configured: nothing is flagged. Plan-level NSFW
		// gating still applies upstream.
		return false, nil
	}

	body, err := json.Marshal(classifyRequest{Text: text})
	if err != nil {
		return false, fmt.Errorf("moderation: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/classify", bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("moderation: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("moderation: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return false, fmt.Errorf("moderation: status=%d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("moderation: read body: %w", err)
	}

	var out classifyResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return false, fmt.Errorf("moderation: decode body: %w", err)
	}

	return out.Flagged, nil
}
