package generation

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a generation task. Transitions are
// forward-only: PENDING -> PROCESSING -> {COMPLETED, FAILED}, with direct
// PENDING -> terminal allowed for the synchronous path.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether the forward-only state machine permits
// moving from s to next.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusCompleted || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// priorStatuses returns the set of states allowed to precede next.
// Used by the repository to guard updates in SQL.
func priorStatuses(next Status) []string {
	switch next {
	case StatusProcessing:
		return []string{string(StatusPending)}
	case StatusCompleted, StatusFailed:
		return []string{string(StatusPending), string(StatusProcessing)}
	default:
		return nil
	}
}

// SubResult is the outcome of one item of a batch, order-preserving.
type SubResult struct {
	Index          int    `json:"index"`
	Success        bool   `json:"success"`
	ProviderTaskID string `json:"provider_task_id,omitempty"`
	ArtifactURL    string `json:"artifact_url,omitempty"`
	ThumbnailURL   string `json:"thumbnail_url,omitempty"`
	Error          string `json:"error,omitempty"`
}

// SubResults is stored as a JSONB column.
type SubResults []SubResult

func (s SubResults) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	return json.Marshal(s)
}

func (s *SubResults) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*s = nil
		return nil
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("unsupported type for SubResults: %T", src)
	}
}

// SuccessCount returns how many items succeeded.
func (s SubResults) SuccessCount() int {
	n := 0
	for _, r := range s {
		if r.Success {
			n++
		}
	}
	return n
}

// PersistedCount returns how many items have a durably stored artifact.
func (s SubResults) PersistedCount() int {
	n := 0
	for _, r := range s {
		if r.Success && r.ArtifactURL != "" {
			n++
		}
	}
	return n
}

// GenerationTask is one user-submitted batch.
type GenerationTask struct {
	ID              uuid.UUID     `db:"id"`
	UserID          uuid.UUID     `db:"user_id"`
	Prompt          string        `db:"prompt"`
	PreparedPrompt  string        `db:"prepared_prompt"`
	Model           string        `db:"model"`
	ImageCount      int           `db:"image_count"`
	TokensDeducted  int           `db:"tokens_deducted"`
	DebitTxID       uuid.NullUUID `db:"debit_tx_id"`
	Status          Status        `db:"status"`
	SubResults      SubResults    `db:"sub_results"`
	FailureReason   string        `db:"failure_reason"`
	RefundedTokens  int           `db:"refunded_tokens"`
	CreatedAt       time.Time     `db:"created_at"`
	UpdatedAt       time.Time     `db:"updated_at"`
}
