package policy

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/musegen/musegen-api/internal/domain/plan"
)

// ContentClassifier flags prompts that request explicit content.
// Treated as a black box.
type ContentClassifier interface {
	IsFlagged(ctx context.Context, text string) (bool, error)
}

// Input carries everything a single evaluation needs. The engine itself
// performs no lookups besides the content classifier.
type Input struct {
	UserID     uuid.UUID
	IsAdmin    bool
	Plan       *plan.Info
	Model      string
	ImageCount int
	Prompt     string
}

// Engine decides whether a generation request may proceed. Purely advisory:
// it never debits, never writes, and returns a reason code precise enough to
// drive a client-side upgrade prompt.
type Engine struct {
	classifier ContentClassifier
	upgradeURL string
}

func NewEngine(classifier ContentClassifier, upgradeURL string) *Engine {
	return &Engine{classifier: classifier, upgradeURL: upgradeURL}
}

// Evaluate runs the ordered policy checks; the first failing check wins.
// Admins bypass every check. Checks 1-3 apply to free tier only, checks 4-5
// apply to every plan.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	if in.IsAdmin {
		return allow(), nil
	}

	if in.Plan == nil {
		return Decision{}, fmt.Errorf("policy: missing plan info for user %s", in.UserID)
	}

	// The classifier verdict is needed by two checks; resolve it at most once.
	flagged := false
	classified := false
	classify := func() (bool, error) {
		if classified {
			return flagged, nil
		}
		var err error
		flagged, err = e.classifier.IsFlagged(ctx, in.Prompt)
		if err != nil {
			return false, fmt.Errorf("policy: content classification: %w", err)
		}
		classified = true
		return flagged, nil
	}

	if !in.Plan.IsPremium() {
		isFlagged, err := classify()
		if err != nil {
			return Decision{}, err
		}
		if isFlagged {
			return deny(ReasonNSFWBlocked, "Explicit content requires a premium plan", e.upgradeURL), nil
		}

		if in.ImageCount > 1 {
			return deny(ReasonBatchSizeRestricted, "Free plan generates one image at a time", e.upgradeURL), nil
		}

		if in.Plan.WeeklyQuotaRemaining >= 0 && in.Plan.WeeklyQuotaRemaining < in.ImageCount {
			return deny(ReasonQuotaExceeded, "Weekly image quota exhausted", e.upgradeURL), nil
		}
	}

	if !in.Plan.AllowsModel(in.Model) {
		return deny(ReasonModelRestricted, fmt.Sprintf("Model %q is not included in your plan", in.Model), e.upgradeURL), nil
	}

	if !in.Plan.NSFWAllowed {
		isFlagged, err := classify()
		if err != nil {
			return Decision{}, err
		}
		if isFlagged {
			return deny(ReasonNSFWBlocked, "Explicit content is disabled for this account", e.upgradeURL), nil
		}
	}

	return allow(), nil
}
