package generation

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// Reconciler settles tasks the synchronous pipeline lost track of: provider
// webhooks delivering results after a crash, and a periodic sweep that fails
// tasks stuck in a non-terminal state. Every path is idempotent, so webhook
// replays and overlapping sweeps are harmless.
type Reconciler struct {
	repo         TaskRepository
	persister    *ArtifactPersister
	compensation *CompensationManager
	notifier     StatusNotifier
	expiry       time.Duration
}

func NewReconciler(repo TaskRepository, persister *ArtifactPersister, compensation *CompensationManager, notifier StatusNotifier, expiry time.Duration) *Reconciler {
	if expiry <= 0 {
		expiry = 30 * time.Minute
	}
	return &Reconciler{
		repo:         repo,
		persister:    persister,
		compensation: compensation,
		notifier:     notifier,
		expiry:       expiry,
	}
}

// Reconcile applies provider-delivered results to a task. Terminal tasks are
// left untouched, so the same webhook can be delivered any number of times.
func (r *Reconciler) Reconcile(ctx context.Context, payload *WebhookPayload) error {
	task, err := r.repo.GetByID(ctx, payload.TaskID)
	if err != nil {
		return err
	}
	if task == nil {
		return ErrTaskNotFound
	}
	if task.Status.IsTerminal() {
		log.Info().Str("task_id", task.ID.String()).Str("status", string(task.Status)).
			Msg("Webhook for settled task, ignoring")
		return nil
	}

	results := make(SubResults, 0, len(payload.Results))
	for _, pr := range payload.Results {
		sub := SubResult{
			Index:          pr.Index,
			Success:        pr.Success,
			ProviderTaskID: pr.ProviderTaskID,
			Error:          pr.Error,
		}
		if pr.Success && pr.ArtifactURL != "" {
			imageURL, thumbURL, perr := r.persister.Persist(ctx, task.ID, pr.Index, pr.ArtifactURL)
			if perr != nil {
				log.Warn().Err(perr).Str("task_id", task.ID.String()).Int("index", pr.Index).
					Msg("Artifact persistence failed during reconciliation")
				sub.Error = perr.Error()
			} else {
				sub.ArtifactURL = imageURL
				sub.ThumbnailURL = thumbURL
			}
		}
		results = append(results, sub)
	}

	return r.settle(ctx, task, results)
}

// How far back the sweep looks for settled tasks whose refund credit never
// reached the ledger (crash between Finalize and the credit).
const refundReplayWindow = 24 * time.Hour

// SweepStuck fails every non-terminal task untouched for longer than the
// configured expiry and refunds its debit, then replays any missing refund
// credits on recently settled tasks. Returns how many tasks it settled.
func (r *Reconciler) SweepStuck(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-r.expiry)
	tasks, err := r.repo.ListStuck(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, task := range tasks {
		if err := r.settle(ctx, task, task.SubResults); err != nil {
			log.Error().Err(err).Str("task_id", task.ID.String()).Msg("Failed to settle stuck task")
			continue
		}
		settled++
	}

	if err := r.replayMissingRefunds(ctx); err != nil {
		log.Error().Err(err).Msg("Refund replay pass failed")
	}
	return settled, nil
}

// replayMissingRefunds credits settled tasks whose terminal row records a
// refund the ledger never received. The ledger dedupes per (task, reason),
// so replaying against an already-credited task is harmless.
func (r *Reconciler) replayMissingRefunds(ctx context.Context) error {
	since := time.Now().UTC().Add(-refundReplayWindow)
	tasks, err := r.repo.ListRefundsDue(ctx, since)
	if err != nil {
		return err
	}

	for _, task := range tasks {
		applied, err := r.compensation.ReplayRefund(ctx, task)
		if err != nil {
			log.Error().Err(err).Str("task_id", task.ID.String()).Msg("Failed to replay refund credit")
			continue
		}
		if applied {
			log.Warn().
				Str("task_id", task.ID.String()).
				Int("refunded_tokens", task.RefundedTokens).
				Msg("Replayed refund credit missing from ledger")
		}
	}
	return nil
}

func (r *Reconciler) settle(ctx context.Context, task *GenerationTask, results SubResults) error {
	successes := results.SuccessCount()
	persisted := results.PersistedCount()

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

	refund, reason := r.compensation.Plan(task, successes, persisted)

	if results == nil {
		results = SubResults{}
	}
	// Win the terminal transition before touching the ledger: a settler
	// that loses this race to the live pipeline must not leave a credit
	// behind on a task that completed normally.
	if err := r.repo.Finalize(ctx, task.ID, status, results, failureReason, refund); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return nil
		}
		return err
	}

	refunded := 0
	if refund > 0 {
		if _, err := r.compensation.Credit(ctx, task, refund, reason); err != nil {
			// The terminal row records the refund; the next sweep
			// replays the credit.
			log.Error().Err(err).Str("task_id", task.ID.String()).Msg("Refund credit failed, sweep will replay it")
		} else {
			refunded = refund
		}
	}

	log.Info().
		Str("task_id", task.ID.String()).
		Str("status", string(status)).
		Int("refunded_tokens", refunded).
		Msg("Task reconciled")

	if r.notifier != nil {
		r.notifier.NotifyStatus(task.ID, task.UserID, status, results)
	}
	return nil
}
