package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/musegen/musegen-api/internal/pkg/imaging"
)

func newTestReconciler(repo *memTaskRepo, led *memLedger) *Reconciler {
	generator := &stubGenerator{}
	persister := NewArtifactPersister(generator, newMemStorage(), imaging.NewDeriver(imaging.DefaultConfig()))
	return NewReconciler(repo, persister, NewCompensationManager(led, RefundNone), nil, 30*time.Minute)
}

func orphanedTask(t *testing.T, repo *memTaskRepo, tokens int, age time.Duration) *GenerationTask {
	t.Helper()
	now := time.Now().UTC().Add(-age)
	task := &GenerationTask{
		ID:             uuid.New(),
		UserID:         uuid.New(),
		Prompt:         "a lighthouse at dusk",
		PreparedPrompt: "a lighthouse at dusk",
		Model:          "muse-v2",
		ImageCount:     4,
		TokensDeducted: tokens,
		DebitTxID:      uuid.NullUUID{UUID: uuid.New(), Valid: true},
		Status:         StatusProcessing,
		SubResults:     SubResults{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := repo.Create(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func webhookPayload(t *testing.T, taskID uuid.UUID, successes, failures int) *WebhookPayload {
	t.Helper()
	type result struct {
		Index          int    `json:"index"`
		Success        bool   `json:"success"`
		ProviderTaskID string `json:"provider_task_id,omitempty"`
		ArtifactURL    string `json:"artifact_url,omitempty"`
		Error          string `json:"error,omitempty"`
	}
	var results []result
	for i := 0; i < successes; i++ {
		results = append(results, result{
			Index:          i,
			Success:        true,
			ProviderTaskID: fmt.Sprintf("prov-%d", i),
			ArtifactURL:    fmt.Sprintf("https://provider.test/out/%d.png", i),
		})
	}
	for i := successes; i < successes+failures; i++ {
		results = append(results, result{Index: i, Error: "render backend unavailable"})
	}

	raw, err := json.Marshal(map[string]interface{}{"task_id": taskID, "results": results})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	var payload WebhookPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return &payload
}

func TestReconcileAppliesLateResults(t *testing.T) {
	repo := newMemTaskRepo()
	led := newMemLedger(0)
	rec := newTestReconciler(repo, led)

	task := orphanedTask(t, repo, 20, time.Hour)
	payload := webhookPayload(t, task.ID, 4, 0)

	if err := rec.Reconcile(context.Background(), payload); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	settled, _ := repo.GetByID(context.Background(), task.ID)
	if settled.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", settled.Status)
	}
	if got := settled.SubResults.PersistedCount(); got != 4 {
		t.Errorf("expected 4 persisted, got %d", got)
	}
	if settled.RefundedTokens != 0 {
		t.Errorf("full success must not refund, got %d", settled.RefundedTokens)
	}
}

func TestReconcileFullFailureRefunds(t *testing.T) {
	repo := newMemTaskRepo()
	led := newMemLedger(0)
	rec := newTestReconciler(repo, led)

	task := orphanedTask(t, repo, 20, time.Hour)
	payload := webhookPayload(t, task.ID, 0, 4)

	if err := rec.Reconcile(context.Background(), payload); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	settled, _ := repo.GetByID(context.Background(), task.ID)
	if settled.Status != StatusFailed {
		t.Errorf("expected failed, got %s", settled.Status)
	}
	if settled.FailureReason != "generation failed" {
		t.Errorf("unexpected failure reason %q", settled.FailureReason)
	}
	if settled.RefundedTokens != 20 {
		t.Errorf("expected full refund, got %d", settled.RefundedTokens)
	}
	if balance, _ := led.GetBalance(context.Background(), task.UserID); balance != 20 {
		t.Errorf("expected balance 20, got %d", balance)
	}
}

func TestReconcileReplayIsIdempotent(t *testing.T) {
	repo := newMemTaskRepo()
	led := newMemLedger(0)
	rec := newTestReconciler(repo, led)

	task := orphanedTask(t, repo, 20, time.Hour)
	payload := webhookPayload(t, task.ID, 0, 4)

	for i := 0; i < 3; i++ {
		if err := rec.Reconcile(context.Background(), payload); err != nil {
			t.Fatalf("Reconcile replay %d failed: %v", i, err)
		}
	}

	if balance, _ := led.GetBalance(context.Background(), task.UserID); balance != 20 {
		t.Errorf("replays must not double-credit: balance %d", balance)
	}
}

func TestReconcileUnknownTask(t *testing.T) {
	repo := newMemTaskRepo()
	rec := newTestReconciler(repo, newMemLedger(0))

	err := rec.Reconcile(context.Background(), webhookPayload(t, uuid.New(), 1, 0))
	if err != ErrTaskNotFound {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestSweepStuckFailsExpiredTasks(t *testing.T) {
	repo := newMemTaskRepo()
	led := newMemLedger(0)
	rec := newTestReconciler(repo, led)

	expired := orphanedTask(t, repo, 20, time.Hour)
	fresh := orphanedTask(t, repo, 20, time.Minute)

	settled, err := rec.SweepStuck(context.Background())
	if err != nil {
		t.Fatalf("SweepStuck failed: %v", err)
	}
	if settled != 1 {
		t.Errorf("expected 1 settled task, got %d", settled)
	}

	got, _ := repo.GetByID(context.Background(), expired.ID)
	if got.Status != StatusFailed {
		t.Errorf("expired task should be failed, got %s", got.Status)
	}
	if got.RefundedTokens != 20 {
		t.Errorf("expired task should be refunded, got %d", got.RefundedTokens)
	}

	untouched, _ := repo.GetByID(context.Background(), fresh.ID)
	if untouched.Status != StatusProcessing {
		t.Errorf("fresh task must stay processing, got %s", untouched.Status)
	}
}

func TestSettleLostRaceLeavesLedgerUntouched(t *testing.T) {
	repo := newMemTaskRepo()
	led := newMemLedger(0)
	rec := newTestReconciler(repo, led)

	task := orphanedTask(t, repo, 20, time.Hour)

	// The live pipeline completes the batch between the sweeper reading the
	// row and settling it.
	results := SubResults{
		{Index: 0, Success: true, ArtifactURL: "https://cdn.test/a.png"},
		{Index: 1, Success: true, ArtifactURL: "https://cdn.test/b.png"},
		{Index: 2, Success: true, ArtifactURL: "https://cdn.test/c.png"},
		{Index: 3, Success: true, ArtifactURL: "https://cdn.test/d.png"},
	}
	if err := repo.Finalize(context.Background(), task.ID, StatusCompleted, results, "", 0); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	stale := *task // sweeper's snapshot, still processing
	if err := rec.settle(context.Background(), &stale, stale.SubResults); err != nil {
		t.Fatalf("settle after lost race: %v", err)
	}

	if balance, _ := led.GetBalance(context.Background(), task.UserID); balance != 0 {
		t.Errorf("losing settler credited %d tokens to a completed task", balance)
	}
	got, _ := repo.GetByID(context.Background(), task.ID)
	if got.Status != StatusCompleted || got.RefundedTokens != 0 {
		t.Errorf("completed row disturbed: status=%s refunded=%d", got.Status, got.RefundedTokens)
	}
}

func TestSweepReplaysMissingRefundCredit(t *testing.T) {
	repo := newMemTaskRepo()
	led := newMemLedger(0)
	rec := newTestReconciler(repo, led)

	// A settler finalized this row with a recorded refund but crashed
	// before the ledger credit landed.
	task := orphanedTask(t, repo, 20, time.Hour)
	if err := repo.Finalize(context.Background(), task.ID, StatusFailed, SubResults{}, "generation failed", 20); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	if _, err := rec.SweepStuck(context.Background()); err != nil {
		t.Fatalf("SweepStuck failed: %v", err)
	}
	if balance, _ := led.GetBalance(context.Background(), task.UserID); balance != 20 {
		t.Errorf("expected replayed refund of 20, balance = %d", balance)
	}

	// A second sweep must not credit again.
	if _, err := rec.SweepStuck(context.Background()); err != nil {
		t.Fatalf("second SweepStuck failed: %v", err)
	}
	if balance, _ := led.GetBalance(context.Background(), task.UserID); balance != 20 {
		t.Errorf("replay double-credited, balance = %d", balance)
	}
}

func TestCompensatePrecedence(t *testing.T) {
	ctx := context.Background()

	// Unbilled task: always a no-op.
	led := newMemLedger(0)
	m := NewCompensationManager(led, RefundProportional)
	free := &GenerationTask{ID: uuid.New(), UserID: uuid.New(), ImageCount: 1}
	if refunded, err := m.Compensate(ctx, free, 0, 0); err != nil || refunded != 0 {
		t.Errorf("unbilled task: refunded=%d err=%v", refunded, err)
	}

	// All rendered, none persisted: full refund under "persistence failure".
	led = newMemLedger(0)
	m = NewCompensationManager(led, RefundNone)
	task := &GenerationTask{ID: uuid.New(), UserID: uuid.New(), ImageCount: 4, TokensDeducted: 20}
	refunded, err := m.Compensate(ctx, task, 4, 0)
	if err != nil || refunded != 20 {
		t.Errorf("persistence failure: refunded=%d err=%v", refunded, err)
	}

	// Unexpected pipeline error: full refund.
	led = newMemLedger(0)
	m = NewCompensationManager(led, RefundNone)
	refunded, err = m.CompensateError(ctx, task)
	if err != nil || refunded != 20 {
		t.Errorf("server error: refunded=%d err=%v", refunded, err)
	}
}
