package generation

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenerateRequest is the validated body of POST /generate.
type GenerateRequest struct {
	Prompt         string  `json:"prompt" validate:"required,min=1,max=2000"`
	NegativePrompt string  `json:"negative_prompt,omitempty" validate:"max=2000"`
	Size           string  `json:"size,omitempty" validate:"image_size"`
	Seed           int64   `json:"seed,omitempty"`
	GuidanceScale  float64 `json:"guidance_scale,omitempty" validate:"gte=0,lte=30"`
	ImageCount     int     `json:"image_count,omitempty" validate:"gte=0,lte=10"`
	Model          string  `json:"model,omitempty" validate:"gen_model"`
	ReferenceImage string  `json:"reference_image,omitempty" validate:"omitempty,url"`
	CharacterID    string  `json:"character_id,omitempty" validate:"omitempty,uuid"`
	AutoSave       bool    `json:"auto_save,omitempty"`
}

// Normalize applies defaults after validation.
func (r *GenerateRequest) Normalize() {
	r.Prompt = strings.TrimSpace(r.Prompt)
	if r.ImageCount < 1 {
		r.ImageCount = 1
	}
	if r.Model == "" {
		r.Model = "muse-v2"
	}
	if r.Size == "" {
		r.Size = "1024x1024"
	}
}

// Dimensions parses the size string into width and height.
func (r *GenerateRequest) Dimensions() (int, int) {
	parts := strings.SplitN(r.Size, "x", 2)
	if len(parts) != 2 {
		return 1024, 1024
	}
	w, err1 := strconv.Atoi(parts[0])
	h, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 1024, 1024
	}
	return w, h
}

// GenerateResponse is the success body of POST /generate.
type GenerateResponse struct {
	TaskID         uuid.UUID `json:"task_id"`
	Status         string    `json:"status"`
	TokensUsed     int       `json:"tokens_used"`
	WebhookEnabled bool      `json:"webhook_enabled"`
	Message        string    `json:"message"`
}

// SubResultResponse represents one batch item in API responses.
type SubResultResponse struct {
	Index        int    `json:"index"`
	Success      bool   `json:"success"`
	ArtifactURL  string `json:"artifact_url,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	Error        string `json:"error,omitempty"`
}

// TaskResponse represents a task in API responses.
type TaskResponse struct {
	ID             uuid.UUID           `json:"id"`
	Prompt         string              `json:"prompt"`
	Model          string              `json:"model"`
	ImageCount     int                 `json:"image_count"`
	TokensDeducted int                 `json:"tokens_deducted"`
	RefundedTokens int                 `json:"refunded_tokens,omitempty"`
	Status         string              `json:"status"`
	FailureReason  string              `json:"failure_reason,omitempty"`
	SubResults     []SubResultResponse `json:"sub_results"`
	CreatedAt      string              `json:"created_at"`
	UpdatedAt      string              `json:"updated_at"`
}

// TaskResponseFromEntity converts a task to its API shape.
func TaskResponseFromEntity(t *GenerationTask) *TaskResponse {
	resp := &TaskResponse{
		ID:             t.ID,
		Prompt:         t.Prompt,
		Model:          t.Model,
		ImageCount:     t.ImageCount,
		TokensDeducted: t.TokensDeducted,
		RefundedTokens: t.RefundedTokens,
		Status:         string(t.Status),
		FailureReason:  t.FailureReason,
		SubResults:     make([]SubResultResponse, 0, len(t.SubResults)),
		CreatedAt:      t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      t.UpdatedAt.Format(time.RFC3339),
	}
	for _, r := range t.SubResults {
		resp.SubResults = append(resp.SubResults, SubResultResponse{
			Index:        r.Index,
			Success:      r.Success,
			ArtifactURL:  r.ArtifactURL,
			ThumbnailURL: r.ThumbnailURL,
			Error:        r.Error,
		})
	}
	return resp
}

// WebhookPayload is the body posted by the provider's delivery mechanism to
// the reconciliation endpoint.
type WebhookPayload struct {
	TaskID  uuid.UUID `json:"task_id" validate:"required"`
	Results []struct {
		Index          int    `json:"index"`
		Success        bool   `json:"success"`
		ProviderTaskID string `json:"provider_task_id,omitempty"`
		ArtifactURL    string `json:"artifact_url,omitempty"`
		Error          string `json:"error,omitempty"`
	} `json:"results" validate:"required"`
}
