package generation

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/musegen/musegen-api/internal/middleware"
	"github.com/musegen/musegen-api/internal/pkg/response"
	"github.com/musegen/musegen-api/internal/pkg/validator"
)

// Handler handles generation HTTP requests
type Handler struct {
	orchestrator   *Orchestrator
	reconciler     *Reconciler
	webhookEnabled bool
	webhookSecret  string
}

// HandlerConfig holds handler configuration
type HandlerConfig struct {
	WebhookEnabled bool
	WebhookSecret  string
}

// NewHandler creates generation handler
func NewHandler(orchestrator *Orchestrator, reconciler *Reconciler, cfg HandlerConfig) *Handler {
	return &Handler{
		orchestrator:   orchestrator,
		reconciler:     reconciler,
		webhookEnabled: cfg.WebhookEnabled,
		webhookSecret:  cfg.WebhookSecret,
	}
}

// Generate handles POST /generate
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	isAdmin := middleware.IsAdmin(r.Context())

	var req GenerateRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}
	if details := validator.Validate(&req); details != nil {
		response.ValidationError(w, details)
		return
	}

	task, err := h.orchestrator.Generate(r.Context(), userID, isAdmin, &req)
	if err != nil {
		h.writeGenerateError(w, err)
		return
	}

	response.OK(w, &GenerateResponse{
		TaskID:         task.ID,
		Status:         string(task.Status),
		TokensUsed:     task.TokensDeducted - task.RefundedTokens,
		WebhookEnabled: h.webhookEnabled,
		Message:        "Generation completed",
	})
}

func (h *Handler) writeGenerateError(w http.ResponseWriter, err error) {
	var policyErr *PolicyDeniedError
	if errors.As(err, &policyErr) {
		details := map[string]string{}
		if policyErr.Decision.UpgradeHint != "" {
			details["upgrade_required"] = "true"
			details["upgrade_url"] = policyErr.Decision.UpgradeHint
		}
		response.ForbiddenWithDetails(w, string(policyErr.Decision.ReasonCode), policyErr.Decision.Message, details)
		return
	}

	var balanceErr *InsufficientBalanceError
	if errors.As(err, &balanceErr) {
		response.PaymentRequired(w, "Not enough tokens for this batch", map[string]string{
			"current_balance": strconv.Itoa(balanceErr.CurrentBalance),
			"required_tokens": strconv.Itoa(balanceErr.RequiredTokens),
		})
		return
	}

	var batchErr *BatchFailedError
	if errors.As(err, &batchErr) {
		details := map[string]string{
			"task_id":  batchErr.TaskID,
			"refunded": strconv.FormatBool(batchErr.Refunded),
		}
		if batchErr.RefundedTokens > 0 {
			details["refunded_tokens"] = strconv.Itoa(batchErr.RefundedTokens)
		}
		response.InternalErrorWithDetails(w, "Generation failed", details)
		return
	}

	log.Error().Err(err).Msg("Generate request failed")
	response.InternalError(w)
}

// GetTask handles GET /generations/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	isAdmin := middleware.IsAdmin(r.Context())

	taskID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid task ID")
		return
	}

	task, err := h.orchestrator.GetTask(r.Context(), userID, isAdmin, taskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			response.NotFound(w, "Task not found")
			return
		}
		response.InternalError(w)
		return
	}

	response.OK(w, TaskResponseFromEntity(task))
}

// ListTasks handles GET /generations
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	tasks, err := h.orchestrator.ListTasks(r.Context(), userID, limit, offset)
	if err != nil {
		response.InternalError(w)
		return
	}

	items := make([]*TaskResponse, len(tasks))
	for i, t := range tasks {
		items[i] = TaskResponseFromEntity(t)
	}
	response.OK(w, items)
}

// Webhook handles POST /generations/webhook (provider callback, no JWT)
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	if !h.webhookEnabled {
		response.NotFound(w, "Not found")
		return
	}
	secret := r.Header.Get("X-Webhook-Secret")
	// An empty configured secret must never match; it would open the
	// callback to anyone who can reach the endpoint.
	if h.webhookSecret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(h.webhookSecret)) != 1 {
		response.Unauthorized(w, "Invalid webhook secret")
		return
	}

	var payload WebhookPayload
	if err := response.DecodeJSON(r.Body, &payload); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}
	if details := validator.Validate(&payload); details != nil {
		response.ValidationError(w, details)
		return
	}

	if err := h.reconciler.Reconcile(r.Context(), &payload); err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			response.NotFound(w, "Task not found")
			return
		}
		log.Error().Err(err).Str("task_id", payload.TaskID.String()).Msg("Webhook reconciliation failed")
		response.InternalError(w)
		return
	}

	response.OK(w, map[string]string{"status": "reconciled"})
}

// Routes returns the generation routes
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Post("/webhook", h.Webhook)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/", h.Generate)
		r.Get("/", h.ListTasks)
		r.Get("/{id}", h.GetTask)
	})

	return r
}
