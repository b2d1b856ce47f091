package ledger

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/musegen/musegen-api/internal/middleware"
	"github.com/musegen/musegen-api/internal/pkg/response"
)

// Handler handles token HTTP requests
type Handler struct {
	service Service
}

// NewHandler creates ledger handler
func NewHandler(service Service) *Handler {
	return &Handler{service: service}
}

// GetBalance handles GET /tokens/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		response.InternalError(w)
		return
	}

	response.OK(w, map[string]interface{}{
		"user_id": userID,
		"balance": balance,
	})
}

// TransactionResponse represents a ledger row in API responses.
type TransactionResponse struct {
	ID            uuid.UUID `json:"id"`
	Amount        int       `json:"amount"`
	TxType        string    `json:"tx_type"`
	Reason        string    `json:"reason"`
	RelatedTaskID string    `json:"related_task_id,omitempty"`
	CreatedAt     string    `json:"created_at"`
}

// ListTransactions handles GET /tokens/transactions
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	txs, err := h.service.ListTransactions(r.Context(), userID, limit, offset)
	if err != nil {
		response.InternalError(w)
		return
	}

	items := make([]TransactionResponse, 0, len(txs))
	for _, tx := range txs {
		item := TransactionResponse{
			ID:        tx.ID,
			Amount:    tx.Amount,
			TxType:    string(tx.TxType),
			Reason:    tx.Reason,
			CreatedAt: tx.CreatedAt.Format(time.RFC3339),
		}
		if tx.RelatedTaskID.Valid {
			item.RelatedTaskID = tx.RelatedTaskID.UUID.String()
		}
		items = append(items, item)
	}
	response.OK(w, items)
}

// Routes returns the token routes
func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)

	r.Get("/balance", h.GetBalance)
	r.Get("/transactions", h.ListTransactions)

	return r
}
