package generation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// TaskRepository defines generation task persistence.
type TaskRepository interface {
	Create(ctx context.Context, task *GenerationTask) error
	GetByID(ctx context.Context, id uuid.UUID) (*GenerationTask, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*GenerationTask, error)

	// SetDebit links the ledger debit to the task after billing succeeds.
	SetDebit(ctx context.Context, id uuid.UUID, debitTxID uuid.UUID, tokens int) error

	// SetPreparedPrompt stores the prompt actually sent to the provider.
	SetPreparedPrompt(ctx context.Context, id uuid.UUID, prompt string) error

	// UpdateStatus advances the task along the forward-only state machine.
	// Returns ErrInvalidTransition when the current state does not permit it.
	UpdateStatus(ctx context.Context, id uuid.UUID, next Status) error

	// Finalize moves the task to a terminal state together with its outcome.
	// Same transition guard as UpdateStatus.
	Finalize(ctx context.Context, id uuid.UUID, next Status, subResults SubResults, failureReason string, refundedTokens int) error

	// ListStuck returns non-terminal tasks untouched since the cutoff.
	ListStuck(ctx context.Context, cutoff time.Time) ([]*GenerationTask, error)

	// ListRefundsDue returns terminal tasks settled since the given time
	// whose row records a refund. Candidates for refund credit replay.
	ListRefundsDue(ctx context.Context, since time.Time) ([]*GenerationTask, error)
}

type taskRepository struct {
	db *sqlx.DB
}

// NewTaskRepository creates the task repository
func NewTaskRepository(db *sqlx.DB) TaskRepository {
	return &taskRepository{db: db}
}

const taskColumns = `
	id, user_id, prompt, prepared_prompt, model, image_count,
	tokens_deducted, debit_tx_id, status, sub_results, failure_reason,
	refunded_tokens, created_at, updated_at
`

func (r *taskRepository) Create(ctx context.Context, task *GenerationTask) error {
	query := `
		INSERT INTO generation_tasks (
			id, user_id, prompt, prepared_prompt, model, image_count,
			tokens_deducted, debit_tx_id, status, sub_results, failure_reason,
			refunded_tokens, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.ExecContext(ctx, query,
		task.ID,
		task.UserID,
		task.Prompt,
		task.PreparedPrompt,
		task.Model,
		task.ImageCount,
		task.TokensDeducted,
		task.DebitTxID,
		task.Status,
		task.SubResults,
		task.FailureReason,
		task.RefundedTokens,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: create task", ErrInternal)
	}
	return nil
}

func (r *taskRepository) GetByID(ctx context.Context, id uuid.UUID) (*GenerationTask, error) {
	var task GenerationTask
	err := r.db.GetContext(ctx, &task, `SELECT `+taskColumns+` FROM generation_tasks WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get task", ErrInternal)
	}
	return &task, nil
}

func (r *taskRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*GenerationTask, error) {
	if limit <= 0 {
		limit = 20
	}
	tasks := make([]*GenerationTask, 0)
	err := r.db.SelectContext(ctx, &tasks, `
		SELECT `+taskColumns+`
		FROM generation_tasks
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list tasks", ErrInternal)
	}
	return tasks, nil
}

func (r *taskRepository) SetDebit(ctx context.Context, id uuid.UUID, debitTxID uuid.UUID, tokens int) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE generation_tasks
		SET debit_tx_id = $2, tokens_deducted = $3, updated_at = NOW()
		WHERE id = $1
	`, id, debitTxID, tokens)
	if err != nil {
		return fmt.Errorf("%w: set debit", ErrInternal)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (r *taskRepository) SetPreparedPrompt(ctx context.Context, id uuid.UUID, prompt string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE generation_tasks
		SET prepared_prompt = $2, updated_at = NOW()
		WHERE id = $1
	`, id, prompt)
	if err != nil {
		return fmt.Errorf("%w: set prepared prompt", ErrInternal)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (r *taskRepository) UpdateStatus(ctx context.Context, id uuid.UUID, next Status) error {
	prior := priorStatuses(next)
	if len(prior) == 0 {
		return ErrInvalidTransition
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE generation_tasks
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, next, pq.Array(prior))
	if err != nil {
		return fmt.Errorf("%w: update status", ErrInternal)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected", ErrInternal)
	}
	if rows == 0 {
		return r.classifyTransitionFailure(ctx, id)
	}
	return nil
}

func (r *taskRepository) Finalize(ctx context.Context, id uuid.UUID, next Status, subResults SubResults, failureReason string, refundedTokens int) error {
	if !next.IsTerminal() {
		return ErrInvalidTransition
	}
	prior := priorStatuses(next)

	result, err := r.db.ExecContext(ctx, `
		UPDATE generation_tasks
		SET status = $2, sub_results = $3, failure_reason = $4,
		    refunded_tokens = $5, updated_at = NOW()
		WHERE id = $1 AND status = ANY($6)
	`, id, next, subResults, failureReason, refundedTokens, pq.Array(prior))
	if err != nil {
		return fmt.Errorf("%w: finalize task", ErrInternal)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected", ErrInternal)
	}
	if rows == 0 {
		return r.classifyTransitionFailure(ctx, id)
	}
	return nil
}

func (r *taskRepository) ListStuck(ctx context.Context, cutoff time.Time) ([]*GenerationTask, error) {
	tasks := make([]*GenerationTask, 0)
	err := r.db.SelectContext(ctx, &tasks, `
		SELECT `+taskColumns+`
		FROM generation_tasks
		WHERE status IN ('pending', 'processing') AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT 100
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: list stuck tasks", ErrInternal)
	}
	return tasks, nil
}

func (r *taskRepository) ListRefundsDue(ctx context.Context, since time.Time) ([]*GenerationTask, error) {
	tasks := make([]*GenerationTask, 0)
	err := r.db.SelectContext(ctx, &tasks, `
		SELECT `+taskColumns+`
		FROM generation_tasks
		WHERE status IN ('completed', 'failed') AND refunded_tokens > 0 AND updated_at >= $1
		ORDER BY updated_at ASC
		LIMIT 100
	`, since)
	if err != nil {
		return nil, fmt.Errorf("%w: list refunds due", ErrInternal)
	}
	return tasks, nil
}

// classifyTransitionFailure distinguishes a missing task from a state
// machine violation after a guarded update matched no rows.
func (r *taskRepository) classifyTransitionFailure(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM generation_tasks WHERE id = $1)`, id)
	if err != nil {
		return fmt.Errorf("%w: check task", ErrInternal)
	}
	if !exists {
		return ErrTaskNotFound
	}
	return ErrInvalidTransition
}
