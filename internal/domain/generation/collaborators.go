package generation

import (
	"context"

	"github.com/google/uuid"

	"github.com/musegen/musegen-api/internal/domain/ledger"
	"github.com/musegen/musegen-api/internal/domain/policy"
	"github.com/musegen/musegen-api/internal/pkg/renderapi"
)

// TokenLedger is the slice of the ledger the orchestrator bills through.
// Satisfied by ledger.Service.
type TokenLedger interface {
	Debit(ctx context.Context, userID uuid.UUID, amount int, reason string, relatedTaskID uuid.UUID) (uuid.UUID, error)
	Refund(ctx context.Context, userID uuid.UUID, amount int, reason string, relatedTaskID uuid.UUID) (ledger.RefundResult, error)
	GetBalance(ctx context.Context, userID uuid.UUID) (int, error)
	HasRefund(ctx context.Context, relatedTaskID uuid.UUID) (bool, error)
}

// PolicyEvaluator decides whether a generation request may proceed.
// Satisfied by policy.Engine.
type PolicyEvaluator interface {
	Evaluate(ctx context.Context, in policy.Input) (policy.Decision, error)
}

// ImageGenerator renders a single image via the external provider.
// Satisfied by renderapi.Client.
type ImageGenerator interface {
	Generate(ctx context.Context, in renderapi.GenerateInput) (*renderapi.Artifact, error)
	Download(ctx context.Context, artifactURL string) ([]byte, string, error)
}

// PromptEnhancer rewrites a prompt for better render quality. Failures are
// advisory: the caller falls back to the original prompt.
type PromptEnhancer interface {
	Enhance(ctx context.Context, prompt, style string) (string, error)
}

// StatusNotifier pushes task status changes to connected clients.
type StatusNotifier interface {
	NotifyStatus(taskID uuid.UUID, userID uuid.UUID, status Status, subResults SubResults)
}
