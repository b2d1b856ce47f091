package generation

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Refund reasons. Each (task, reason) pair is credited at most once by the
// ledger, which makes every compensation path safe to replay.
const (
	refundReasonGenerationFailed   = "generation failed"
	refundReasonPersistenceFailure = "persistence failure"
	refundReasonPartialFailure     = "partial generation failure"
	refundReasonServerError        = "server error"
)

// CompensationManager returns tokens to users when a paid batch does not
// deliver what was charged for.
type CompensationManager struct {
	ledger TokenLedger
	policy PartialFailureRefundPolicy
}

func NewCompensationManager(ledger TokenLedger, policy PartialFailureRefundPolicy) *CompensationManager {
	return &CompensationManager{ledger: ledger, policy: policy}
}

// Plan classifies a finished batch without touching the ledger. successCount
// is how many renders the provider returned, persistedCount how many made it
// into our storage. Returns the tokens owed back and the refund reason.
func (m *CompensationManager) Plan(task *GenerationTask, successCount, persistedCount int) (int, string) {
	if task.TokensDeducted <= 0 {
		// Admin runs and free single images never debited anything.
		return 0, ""
	}

	switch {
	case successCount == 0:
		return task.TokensDeducted, refundReasonGenerationFailed
	case persistedCount == 0:
		// Provider rendered everything but we could not keep any of it.
		// The user ends up with nothing, so the charge comes back in full.
		return task.TokensDeducted, refundReasonPersistenceFailure
	case persistedCount < task.ImageCount:
		failed := task.ImageCount - persistedCount
		amount := m.policy.partialRefund(task.TokensDeducted, task.ImageCount, failed)
		if amount <= 0 {
			return 0, ""
		}
		return amount, refundReasonPartialFailure
	default:
		return 0, ""
	}
}

// Compensate settles a finished batch, crediting whatever Plan says is owed.
// Returns the number of tokens credited back.
func (m *CompensationManager) Compensate(ctx context.Context, task *GenerationTask, successCount, persistedCount int) (int, error) {
	amount, reason := m.Plan(task, successCount, persistedCount)
	if amount <= 0 {
		return 0, nil
	}
	return m.refund(ctx, task, amount, reason)
}

// Credit applies a refund previously computed by Plan. Safe to replay.
func (m *CompensationManager) Credit(ctx context.Context, task *GenerationTask, amount int, reason string) (int, error) {
	if amount <= 0 {
		return 0, nil
	}
	return m.refund(ctx, task, amount, reason)
}

// ReplayRefund re-credits a settled task whose recorded refund never reached
// the ledger. A no-op when the ledger already holds any refund for the task.
// Returns true when a credit was issued.
func (m *CompensationManager) ReplayRefund(ctx context.Context, task *GenerationTask) (bool, error) {
	if task.RefundedTokens <= 0 {
		return false, nil
	}
	exists, err := m.ledger.HasRefund(ctx, task.ID)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	_, reason := m.Plan(task, task.SubResults.SuccessCount(), task.SubResults.PersistedCount())
	if reason == "" {
		reason = refundReasonServerError
	}
	if _, err := m.refund(ctx, task, task.RefundedTokens, reason); err != nil {
		return false, err
	}
	return true, nil
}

// CompensateError refunds the full charge after an unexpected pipeline
// failure where no per-image accounting is trustworthy.
func (m *CompensationManager) CompensateError(ctx context.Context, task *GenerationTask) (int, error) {
	if task.TokensDeducted <= 0 {
		return 0, nil
	}
	return m.refund(ctx, task, task.TokensDeducted, refundReasonServerError)
}

func (m *CompensationManager) refund(ctx context.Context, task *GenerationTask, amount int, reason string) (int, error) {
	result, err := m.ledger.Refund(ctx, task.UserID, amount, reason, task.ID)
	if err != nil {
		return 0, err
	}
	if !result.Applied {
		log.Info().
			Str("task_id", task.ID.String()).
			Str("reason", reason).
			Msg("Refund already recorded, skipping")
	}
	return amount, nil
}
