package renderapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrGenerationFailed is returned when the provider reports a terminal failure.
var ErrGenerationFailed = errors.New("provider generation failed")

// Config holds render API configuration
type Config struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration // overall ceiling per generation, polling included
	PollEvery time.Duration
}

// Client talks to the image generation provider. The provider's API is
// asynchronous: a task is created, then polled until it reaches a terminal
// state. Generate hides that behind a synchronous call bounded by the
// configured timeout.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// GenerateInput describes one image to render
type GenerateInput struct {
	Model          string
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int
	Seed           int64
	GuidanceScale  float64
	ReferenceImage string // optional source image URL
}

// Artifact is a successfully rendered image hosted by the provider.
type Artifact struct {
	ProviderTaskID string
	URL            string
}

// NewClient creates a render API client
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Generate renders one image and blocks until the provider finishes or the
// overall ceiling expires.
func (c *Client) Generate(ctx context.Context, in GenerateInput) (*Artifact, error) {
	if strings.TrimSpace(c.cfg.BaseURL) == "" {
		return nil, fmt.Errorf("renderapi: base_url is empty")
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, fmt.Errorf("renderapi: prompt must be non-empty")
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	taskID, err := c.createTask(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	return c.pollTask(ctx, taskID)
}

type taskEnvelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		TaskID  string `json:"task_id"`
		State   string `json:"state"`
		FailMsg string `json:"fail_msg"`
		Result  struct {
			URL string `json:"url"`
		} `json:"result"`
	} `json:"data"`
}

func (c *Client) createTask(ctx context.Context, in GenerateInput) (string, error) {
	input := map[string]any{
		"prompt": in.Prompt,
		"width":  in.Width,
		"height": in.Height,
	}
	if in.NegativePrompt != "" {
		input["negative_prompt"] = in.NegativePrompt
	}
	if in.Seed != 0 {
		input["seed"] = in.Seed
	}
	if in.GuidanceScale != 0 {
		input["guidance_scale"] = in.GuidanceScale
	}
	if in.ReferenceImage != "" {
		input["reference_image_url"] = in.ReferenceImage
	}

	payload := map[string]any{
		"model": in.Model,
		"input": input,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/api/v1/images/tasks", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	env, err := c.do(req)
	if err != nil {
		return "", err
	}
	if env.Data.TaskID == "" {
		return "", fmt.Errorf("empty task_id in response")
	}

	return env.Data.TaskID, nil
}

func (c *Client) pollTask(ctx context.Context, taskID string) (*Artifact, error) {
	url := fmt.Sprintf("%s/api/v1/images/tasks/%s", c.cfg.BaseURL, taskID)

	ticker := time.NewTicker(c.cfg.PollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("task %s: %w", taskID, ctx.Err())
		case <-ticker.C:
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("new request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		req.Header.Set("Accept", "application/json")

		env, err := c.do(req)
		if err != nil {
			return nil, err
		}

		switch env.Data.State {
		case "success":
			if env.Data.Result.URL == "" {
				return nil, fmt.Errorf("task %s: success without result url", taskID)
			}
			return &Artifact{ProviderTaskID: taskID, URL: env.Data.Result.URL}, nil
		case "failed":
			log.Warn().Str("task_id", taskID).Str("fail_msg", env.Data.FailMsg).Msg("Provider task failed")
			return nil, fmt.Errorf("%w: %s", ErrGenerationFailed, env.Data.FailMsg)
		case "pending", "processing", "queued":
			// keep polling
		default:
			return nil, fmt.Errorf("task %s: unknown state %q", taskID, env.Data.State)
		}
	}
}

// Download fetches the rendered image bytes from the provider-hosted URL.
func (c *Client) Download(ctx context.Context, artifactURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifactURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("new request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("download artifact: status=%d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read artifact body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/png"
	}

	return data, contentType, nil
}

func (c *Client) do(req *http.Request) (*taskEnvelope, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("render api request: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("render api error: status=%d body=%s", resp.StatusCode, truncate(rawBody))
	}

	var env taskEnvelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w (body=%s)", err, truncate(rawBody))
	}
	if env.Code != 200 {
		return nil, fmt.Errorf("render api error: code=%d msg=%s", env.Code, env.Msg)
	}

	return &env, nil
}

func truncate(b []byte) string {
	const max = 512
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
