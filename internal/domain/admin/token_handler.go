package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/musegen/musegen-api/internal/domain/ledger"
	"github.com/musegen/musegen-api/internal/middleware"
	"github.com/musegen/musegen-api/internal/pkg/response"
	"github.com/musegen/musegen-api/internal/pkg/validator"
)

// GrantTokensRequest represents the request to grant tokens
type GrantTokensRequest struct {
	Amount int    `json:"amount" validate:"required,min=1,max=1000000"`
	Reason string `json:"reason" validate:"required,min=3,max=500"`
}

// TokenHandler handles admin token operations
type TokenHandler struct {
	ledger ledger.Service
	repo   Repository
}

// NewTokenHandler creates a new token handler
func NewTokenHandler(ledgerService ledger.Service, repo Repository) *TokenHandler {
	return &TokenHandler{ledger: ledgerService, repo: repo}
}

// GrantTokens handles POST /admin/users/{id}/tokens/grant
func (h *TokenHandler) GrantTokens(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid user ID")
		return
	}

	var req GrantTokensRequest
	if err := response.DecodeJSON(r.Body, &req); err != nil {
		response.BadRequest(w, "Invalid request body")
		return
	}
	if details := validator.Validate(&req); details != nil {
		response.ValidationError(w, details)
		return
	}

	adminID := middleware.GetUserID(r.Context())

	txID, err := h.ledger.Grant(r.Context(), userID, req.Amount, req.Reason)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidAmount) {
			response.BadRequest(w, "Invalid token amount")
			return
		}
		log.Error().Err(err).Str("user_id", userID.String()).Msg("Token grant failed")
		response.InternalError(w)
		return
	}

	h.audit(adminID, r, AuditLog{
		Action:     "tokens.grant",
		EntityType: "user",
		EntityID:   uuid.NullUUID{UUID: userID, Valid: true},
		Reason:     sql.NullString{String: req.Reason, Valid: true},
	}, map[string]interface{}{
		"amount":         req.Amount,
		"transaction_id": txID,
	})

	balance, err := h.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		// The grant already went through; report it anyway.
		balance = 0
	}

	response.OK(w, map[string]interface{}{
		"user_id":        userID,
		"amount_granted": req.Amount,
		"transaction_id": txID,
		"new_balance":    balance,
	})
}

// GetUserTokens handles GET /admin/users/{id}/tokens
func (h *TokenHandler) GetUserTokens(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid user ID")
		return
	}

	balance, err := h.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		response.InternalError(w)
		return
	}

	consistent, err := h.ledger.CheckConsistency(r.Context(), userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID.String()).Msg("Consistency check failed")
		response.InternalError(w)
		return
	}

	response.OK(w, map[string]interface{}{
		"user_id":    userID,
		"balance":    balance,
		"consistent": consistent,
	})
}

// SearchTransactions handles GET /admin/tokens/transactions
func (h *TokenHandler) SearchTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := ledger.SearchFilters{}

	if s := q.Get("user_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			response.BadRequest(w, "Invalid user_id filter")
			return
		}
		filters.UserID = &id
	}
	if s := q.Get("tx_type"); s != "" {
		filters.TxType = &s
	}
	if s := q.Get("task_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			response.BadRequest(w, "Invalid task_id filter")
			return
		}
		filters.RelatedTaskID = &id
	}
	if s := q.Get("from"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			response.BadRequest(w, "Invalid from filter, expected RFC3339")
			return
		}
		filters.DateFrom = &t
	}
	if s := q.Get("to"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			response.BadRequest(w, "Invalid to filter, expected RFC3339")
			return
		}
		filters.DateTo = &t
	}
	filters.Limit, _ = strconv.Atoi(q.Get("limit"))
	filters.Offset, _ = strconv.Atoi(q.Get("offset"))

	txs, err := h.ledger.SearchTransactions(r.Context(), filters)
	if err != nil {
		response.InternalError(w)
		return
	}
	response.OK(w, txs)
}

// ListAuditLogs handles GET /admin/audit
func (h *TokenHandler) ListAuditLogs(w http.ResponseWriter, r *http.Request) {
	var adminID uuid.UUID
	if s := r.URL.Query().Get("admin_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			response.BadRequest(w, "Invalid admin_id filter")
			return
		}
		adminID = id
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	logs, err := h.repo.ListAuditLogs(r.Context(), adminID, limit, offset)
	if err != nil {
		response.InternalError(w)
		return
	}
	response.OK(w, logs)
}

// audit records an admin action in the background; failures are logged only.
func (h *TokenHandler) audit(adminID uuid.UUID, r *http.Request, entry AuditLog, details map[string]interface{}) {
	entry.AdminID = uuid.NullUUID{UUID: adminID, Valid: true}
	entry.IPAddress = sql.NullString{String: r.RemoteAddr, Valid: r.RemoteAddr != ""}
	if details != nil {
		entry.Details, _ = json.Marshal(details)
	}

	go func() {
		if err := h.repo.InsertAuditLog(context.Background(), entry); err != nil {
			log.Error().Err(err).Str("action", entry.Action).Msg("Failed to write audit log")
		}
	}()
}

// Routes returns the admin routes
func (h *TokenHandler) Routes(authMiddleware, requireAdmin func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)
	r.Use(requireAdmin)

	r.Post("/users/{id}/tokens/grant", h.GrantTokens)
	r.Get("/users/{id}/tokens", h.GetUserTokens)
	r.Get("/tokens/transactions", h.SearchTransactions)
	r.Get("/audit", h.ListAuditLogs)

	return r
}
