package generation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/musegen/musegen-api/internal/domain/ledger"
	"github.com/musegen/musegen-api/internal/domain/plan"
	"github.com/musegen/musegen-api/internal/domain/policy"
	"github.com/musegen/musegen-api/internal/pkg/renderapi"
	"github.com/musegen/musegen-api/internal/pkg/telemetry"
)

const debitReason = "image generation"

// Orchestrator runs the full generation pipeline: policy check, billing,
// prompt preparation, fan-out to the render provider, artifact persistence,
// compensation and final accounting.
type Orchestrator struct {
	repo          TaskRepository
	ledger        TokenLedger
	plans         plan.Provider
	policy        PolicyEvaluator
	preparer      *Preparer
	generator     ImageGenerator
	persister     *ArtifactPersister
	compensation  *CompensationManager
	telemetry     telemetry.Emitter
	notifier      StatusNotifier
	maxConcurrent int
}

type OrchestratorConfig struct {
	Repo          TaskRepository
	Ledger        TokenLedger
	Plans         plan.Provider
	Policy        PolicyEvaluator
	Preparer      *Preparer
	Generator     ImageGenerator
	Persister     *ArtifactPersister
	Compensation  *CompensationManager
	Telemetry     telemetry.Emitter
	Notifier      StatusNotifier
	MaxConcurrent int
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = telemetry.NoopEmitter{}
	}
	return &Orchestrator{
		repo:          cfg.Repo,
		ledger:        cfg.Ledger,
		plans:         cfg.Plans,
		policy:        cfg.Policy,
		preparer:      cfg.Preparer,
		generator:     cfg.Generator,
		persister:     cfg.Persister,
		compensation:  cfg.Compensation,
		telemetry:     cfg.Telemetry,
		notifier:      cfg.Notifier,
		maxConcurrent: cfg.MaxConcurrent,
	}
}

// Generate runs one batch end to end and returns the finished task.
// Policy and billing failures surface as typed errors before any rendering
// starts; a fully failed batch returns BatchFailedError after compensation.
func (o *Orchestrator) Generate(ctx context.Context, userID uuid.UUID, isAdmin bool, req *GenerateRequest) (*GenerationTask, error) {
	req.Normalize()

	var planInfo *plan.Info
	if !isAdmin {
		var err error
		planInfo, err = o.plans.GetInfo(ctx, userID)
		if err != nil {
			return nil, err
		}
	}

	decision, err := o.policy.Evaluate(ctx, policy.Input{
		UserID:     userID,
		IsAdmin:    isAdmin,
		Plan:       planInfo,
		Model:      req.Model,
		ImageCount: req.ImageCount,
		Prompt:     req.Prompt,
	})
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, &PolicyDeniedError{Decision: decision}
	}

	cost := ledger.ComputeCost(req.ImageCount)
	if isAdmin {
		cost = 0
	}

	now := time.Now().UTC()
	task := &GenerationTask{
		ID:         uuid.New(),
		UserID:     userID,
		Prompt:     req.Prompt,
		Model:      req.Model,
		ImageCount: req.ImageCount,
		Status:     StatusPending,
		SubResults: SubResults{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := o.repo.Create(ctx, task); err != nil {
		return nil, err
	}

	if cost > 0 {
		txID, err := o.ledger.Debit(ctx, userID, cost, debitReason, task.ID)
		if err != nil {
			if errors.Is(err, ledger.ErrInsufficientTokens) {
				balance, berr := o.ledger.GetBalance(ctx, userID)
				if berr != nil {
					log.Error().Err(berr).Str("user_id", userID.String()).Msg("Failed to read balance")
				}
				o.finalize(ctx, task, StatusFailed, nil, "insufficient balance", 0)
				return nil, &InsufficientBalanceError{CurrentBalance: balance, RequiredTokens: cost}
			}
			o.finalize(ctx, task, StatusFailed, nil, "billing error", 0)
			return nil, err
		}
		task.TokensDeducted = cost
		task.DebitTxID = uuid.NullUUID{UUID: txID, Valid: true}
		if err := o.repo.SetDebit(ctx, task.ID, txID, cost); err != nil {
			return nil, o.failUnexpected(ctx, task, err)
		}
	}

	// Enhancement runs only after billing succeeded, so a request that
	// fails the debit never spends a provider call.
	task.PreparedPrompt = o.preparer.Prepare(ctx, req.Prompt, req.Model)
	if err := o.repo.SetPreparedPrompt(ctx, task.ID, task.PreparedPrompt); err != nil {
		// Renders use the in-memory value; the stored copy is informational.
		log.Warn().Err(err).Str("task_id", task.ID.String()).Msg("Failed to store prepared prompt")
	}

	if err := o.repo.UpdateStatus(ctx, task.ID, StatusProcessing); err != nil {
		return nil, o.failUnexpected(ctx, task, err)
	}
	task.Status = StatusProcessing
	o.notify(task)

	task.SubResults = o.renderBatch(ctx, task, req)

	successes := task.SubResults.SuccessCount()
	persisted := task.SubResults.PersistedCount()

	status := StatusCompleted
	failureReason := ""
	if persisted == 0 {
		status = StatusFailed
		if successes == 0 {
			failureReason = "generation failed"
		} else {
			failureReason = "persistence failure"
		}
	}

	refunded, rerr := o.compensation.Compensate(ctx, task, successes, persisted)
	if rerr != nil {
		// The ledger credit is idempotent; reconciliation replays it later.
		log.Error().Err(rerr).Str("task_id", task.ID.String()).Msg("Compensation failed")
		refunded = 0
	}

	if err := o.finalize(ctx, task, status, task.SubResults, failureReason, refunded); err != nil {
		return nil, err
	}

	if status == StatusCompleted && !isAdmin {
		if qerr := o.plans.ConsumeQuota(ctx, userID, persisted); qerr != nil {
			log.Warn().Err(qerr).Str("user_id", userID.String()).Msg("Quota accounting failed")
		}
	}

	o.emitOutcome(task)
	o.notify(task)

	if status == StatusFailed {
		return task, &BatchFailedError{
			TaskID:         task.ID.String(),
			Reason:         failureReason,
			Refunded:       refunded > 0,
			RefundedTokens: refunded,
		}
	}
	return task, nil
}

// renderBatch fans the batch out to the provider with bounded concurrency.
// Results land at their original index; one item failing never cancels its
// siblings.
func (o *Orchestrator) renderBatch(ctx context.Context, task *GenerationTask, req *GenerateRequest) SubResults {
	width, height := req.Dimensions()
	results := make(SubResults, task.ImageCount)

	var wg sync.WaitGroup
	sem := make(chan struct{}, o.maxConcurrent)

	for i := 0; i < task.ImageCount; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			results[index] = o.renderOne(ctx, task, req, index, width, height)
		}(i)
	}
	wg.Wait()

	return results
}

func (o *Orchestrator) renderOne(ctx context.Context, task *GenerationTask, req *GenerateRequest, index, width, height int) SubResult {
	in := renderapi.GenerateInput{
		Model:          task.Model,
		Prompt:         task.PreparedPrompt,
		NegativePrompt: req.NegativePrompt,
		Width:          width,
		Height:         height,
		GuidanceScale:  req.GuidanceScale,
		ReferenceImage: req.ReferenceImage,
	}
	if req.Seed != 0 {
		in.Seed = req.Seed + int64(index)
	}

	artifact, err := o.generator.Generate(ctx, in)
	if err != nil {
		log.Warn().Err(err).Str("task_id", task.ID.String()).Int("index", index).
			Msg("Render failed")
		return SubResult{Index: index, Success: false, Error: err.Error()}
	}

	imageURL, thumbURL, err := o.persister.Persist(ctx, task.ID, index, artifact.URL)
	if err != nil {
		log.Warn().Err(err).Str("task_id", task.ID.String()).Int("index", index).
			Msg("Artifact persistence failed")
		return SubResult{
			Index:          index,
			Success:        true,
			ProviderTaskID: artifact.ProviderTaskID,
			Error:          err.Error(),
		}
	}

	return SubResult{
		Index:          index,
		Success:        true,
		ProviderTaskID: artifact.ProviderTaskID,
		ArtifactURL:    imageURL,
		ThumbnailURL:   thumbURL,
	}
}

// failUnexpected settles a task after an internal pipeline error: refund the
// full debit, mark the task failed, and surface the outcome with the refund
// state so the client can be told whether the charge came back.
func (o *Orchestrator) failUnexpected(ctx context.Context, task *GenerationTask, cause error) error {
	log.Error().Err(cause).Str("task_id", task.ID.String()).Msg("Generation pipeline error")

	refunded, rerr := o.compensation.CompensateError(ctx, task)
	if rerr != nil {
		log.Error().Err(rerr).Str("task_id", task.ID.String()).Msg("Compensation failed")
		refunded = 0
	}
	o.finalize(ctx, task, StatusFailed, task.SubResults, "server error", refunded)
	return &BatchFailedError{
		TaskID:         task.ID.String(),
		Reason:         "server error",
		Refunded:       refunded > 0,
		RefundedTokens: refunded,
	}
}

func (o *Orchestrator) finalize(ctx context.Context, task *GenerationTask, status Status, subResults SubResults, failureReason string, refunded int) error {
	if subResults == nil {
		subResults = SubResults{}
	}
	if err := o.repo.Finalize(ctx, task.ID, status, subResults, failureReason, refunded); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			// Already settled elsewhere (reconciliation raced us).
			log.Warn().Str("task_id", task.ID.String()).Msg("Task already finalized")
			return nil
		}
		log.Error().Err(err).Str("task_id", task.ID.String()).Msg("Failed to finalize task")
		return err
	}
	task.Status = status
	task.SubResults = subResults
	task.FailureReason = failureReason
	task.RefundedTokens = refunded
	task.UpdatedAt = time.Now().UTC()
	return nil
}

func (o *Orchestrator) emitOutcome(task *GenerationTask) {
	name := "generation.completed"
	if task.Status == StatusFailed {
		name = "generation.failed"
	}
	o.telemetry.Emit(telemetry.Event{
		Name:       name,
		UserID:     task.UserID,
		TaskID:     task.ID,
		TokensCost: task.TokensDeducted - task.RefundedTokens,
		ImageCount: task.SubResults.PersistedCount(),
		OccurredAt: time.Now().UTC(),
	})
}

func (o *Orchestrator) notify(task *GenerationTask) {
	if o.notifier == nil {
		return
	}
	o.notifier.NotifyStatus(task.ID, task.UserID, task.Status, task.SubResults)
}

// GetTask returns a task owned by the user. Admins may read any task.
func (o *Orchestrator) GetTask(ctx context.Context, userID uuid.UUID, isAdmin bool, taskID uuid.UUID) (*GenerationTask, error) {
	task, err := o.repo.GetByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	if task.UserID != userID && !isAdmin {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

// ListTasks returns the user's recent tasks, newest first.
func (o *Orchestrator) ListTasks(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*GenerationTask, error) {
	return o.repo.ListByUser(ctx, userID, limit, offset)
}
