package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/musegen/musegen-api/internal/domain/plan"
)

type classifierStub struct {
	flagged bool
	err     error
	calls   int
}

func (c *classifierStub) IsFlagged(ctx context.Context, text string) (bool, error) {
	c.calls++
	return c.flagged, c.err
}

func freePlan() *plan.Info {
	return &plan.Info{
		PlanType:             plan.TypeFree,
		NSFWAllowed:          false,
		WeeklyQuotaRemaining: 10,
		AllowedModels:        []string{"muse-v2"},
	}
}

func premiumPlan() *plan.Info {
	return &plan.Info{
		PlanType:             plan.TypePremium,
		NSFWAllowed:          true,
		WeeklyQuotaRemaining: -1,
		AllowedModels:        []string{"muse-v2", "muse-v2-turbo", "muse-photoreal"},
	}
}

func TestAdminBypassesEverything(t *testing.T) {
	classifier := &classifierStub{flagged: true}
	engine := NewEngine(classifier, "https://musegen.app/upgrade")

	// No plan at all: admin must still pass without any lookup.
	d, err := engine.Evaluate(context.Background(), Input{
		UserID:     uuid.New(),
		IsAdmin:    true,
		Model:      "muse-photoreal",
		ImageCount: 8,
		Prompt:     "anything",
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected admin to be allowed, got %+v", d)
	}
	if classifier.calls != 0 {
		t.Fatalf("expected classifier not to run for admin, ran %d times", classifier.calls)
	}
}

func TestFreeTierNSFWDenied(t *testing.T) {
	engine := NewEngine(&classifierStub{flagged: true}, "https://musegen.app/upgrade")

	d, err := engine.Evaluate(context.Background(), Input{
		UserID:     uuid.New(),
		Plan:       freePlan(),
		Model:      "muse-v2",
		ImageCount: 1,
		Prompt:     "flagged prompt",
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected denial")
	}
	if d.ReasonCode != ReasonNSFWBlocked {
		t.Fatalf("expected NSFW_BLOCKED, got %s", d.ReasonCode)
	}
	if d.UpgradeHint == "" {
		t.Fatal("expected an upgrade hint on NSFW denial")
	}
}

func TestFreeTierBatchRestricted(t *testing.T) {
	engine := NewEngine(&classifierStub{}, "")

	d, err := engine.Evaluate(context.Background(), Input{
		UserID:     uuid.New(),
		Plan:       freePlan(),
		Model:      "muse-v2",
		ImageCount: 4,
		Prompt:     "a castle",
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if d.ReasonCode != ReasonBatchSizeRestricted {
		t.Fatalf("expected BATCH_SIZE_RESTRICTED, got %s", d.ReasonCode)
	}
}

func TestFreeTierQuotaExceeded(t *testing.T) {
	engine := NewEngine(&classifierStub{}, "")

	p := freePlan()
	p.WeeklyQuotaRemaining = 0

	d, err := engine.Evaluate(context.Background(), Input{
		UserID:     uuid.New(),
		Plan:       p,
		Model:      "muse-v2",
		ImageCount: 1,
		Prompt:     "a castle",
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if d.ReasonCode != ReasonQuotaExceeded {
		t.Fatalf("expected QUOTA_EXCEEDED, got %s", d.ReasonCode)
	}
}

func TestNSFWCheckedBeforeBatchSize(t *testing.T) {
	// A free user sending a flagged 4-image request must see NSFW_BLOCKED,
	// not BATCH_SIZE_RESTRICTED: first failing check wins.
	engine := NewEngine(&classifierStub{flagged: true}, "")

	d, err := engine.Evaluate(context.Background(), Input{
		UserID:     uuid.New(),
		Plan:       freePlan(),
		Model:      "muse-v2",
		ImageCount: 4,
		Prompt:     "flagged",
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if d.ReasonCode != ReasonNSFWBlocked {
		t.Fatalf("expected NSFW_BLOCKED to win, got %s", d.ReasonCode)
	}
}

func TestModelGatingAppliesToPremium(t *testing.T) {
	engine := NewEngine(&classifierStub{}, "")

	p := premiumPlan()
	p.AllowedModels = []string{"muse-v2"}

	d, err := engine.Evaluate(context.Background(), Input{
		UserID:     uuid.New(),
		Plan:       p,
		Model:      "muse-photoreal",
		ImageCount: 4,
		Prompt:     "a castle",
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if d.ReasonCode != ReasonModelRestricted {
		t.Fatalf("expected MODEL_RESTRICTED, got %s", d.ReasonCode)
	}
}

func TestPremiumWithNSFWDisabledStillBlocked(t *testing.T) {
	classifier := &classifierStub{flagged: true}
	engine := NewEngine(classifier, "")

	p := premiumPlan()
	p.NSFWAllowed = false

	d, err := engine.Evaluate(context.Background(), Input{
		UserID:     uuid.New(),
		Plan:       p,
		Model:      "muse-v2",
		ImageCount: 2,
		Prompt:     "flagged",
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if d.ReasonCode != ReasonNSFWBlocked {
		t.Fatalf("expected NSFW_BLOCKED, got %s", d.ReasonCode)
	}
}

func TestPremiumNSFWAllowedSkipsClassifier(t *testing.T) {
	classifier := &classifierStub{flagged: true}
	engine := NewEngine(classifier, "")

	d, err := engine.Evaluate(context.Background(), Input{
		UserID:     uuid.New(),
		Plan:       premiumPlan(),
		Model:      "muse-v2",
		ImageCount: 4,
		Prompt:     "anything",
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected allow, got %+v", d)
	}
	if classifier.calls != 0 {
		t.Fatalf("expected classifier to be skipped, ran %d times", classifier.calls)
	}
}

func TestClassifierErrorPropagates(t *testing.T) {
	engine := NewEngine(&classifierStub{err: errors.New("upstream down")}, "")

	_, err := engine.Evaluate(context.Background(), Input{
		UserID:     uuid.New(),
		Plan:       freePlan(),
		Model:      "muse-v2",
		ImageCount: 1,
		Prompt:     "a castle",
	})
	if err == nil {
		t.Fatal("expected classifier error to propagate")
	}
}
