package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/musegen/musegen-api/internal/middleware"
	"github.com/musegen/musegen-api/internal/pkg/imaging"
)

func testAuth(userID uuid.UUID, role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), middleware.UserIDKey, userID)
			ctx = context.WithValue(ctx, middleware.RoleKey, role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func newTestHandler(r *rig, cfg HandlerConfig) *Handler {
	persister := NewArtifactPersister(r.generator, r.storage, imaging.NewDeriver(imaging.DefaultConfig()))
	rec := NewReconciler(r.repo, persister, NewCompensationManager(r.ledger, RefundNone), nil, 30*time.Minute)
	return NewHandler(r.orch, rec, cfg)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Details map[string]string `json:"details"`
	} `json:"error"`
}

func doRequest(t *testing.T, h http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, *envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return w, &env
}

func TestHandlerGenerateSuccess(t *testing.T) {
	r := newRig(rigConfig{balance: 20, planInfo: premiumPlan()})
	h := newTestHandler(r, HandlerConfig{})
	router := h.Routes(testAuth(uuid.New(), "user"))

	w, env := doRequest(t, router, http.MethodPost, "/", map[string]interface{}{
		"prompt":      "a lighthouse at dusk",
		"image_count": 4,
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp GenerateResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if resp.Status != string(StatusCompleted) {
		t.Errorf("expected completed, got %s", resp.Status)
	}
	if resp.TokensUsed != 20 {
		t.Errorf("expected 20 tokens used, got %d", resp.TokensUsed)
	}
}

func TestHandlerGenerateValidation(t *testing.T) {
	r := newRig(rigConfig{balance: 20, planInfo: premiumPlan()})
	h := newTestHandler(r, HandlerConfig{})
	router := h.Routes(testAuth(uuid.New(), "user"))

	w, _ := doRequest(t, router, http.MethodPost, "/", map[string]interface{}{
		"prompt":      "",
		"image_count": 4,
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("empty prompt: status = %d", w.Code)
	}

	w, _ = doRequest(t, router, http.MethodPost, "/", map[string]interface{}{
		"prompt":      "ok",
		"image_count": 50,
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("oversized batch: status = %d", w.Code)
	}
}

func TestHandlerGenerateInsufficientBalance(t *testing.T) {
	r := newRig(rigConfig{balance: 3, planInfo: premiumPlan()})
	h := newTestHandler(r, HandlerConfig{})
	router := h.Routes(testAuth(uuid.New(), "user"))

	w, env := doRequest(t, router, http.MethodPost, "/", map[string]interface{}{
		"prompt":      "a lighthouse at dusk",
		"image_count": 4,
	})

	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", w.Code)
	}
	if env.Error == nil || env.Error.Code != "INSUFFICIENT_BALANCE" {
		t.Fatalf("unexpected error envelope: %+v", env.Error)
	}
	if env.Error.Details["current_balance"] != "3" || env.Error.Details["required_tokens"] != "20" {
		t.Errorf("unexpected details: %v", env.Error.Details)
	}
}

func TestHandlerGeneratePolicyDenied(t *testing.T) {
	r := newRig(rigConfig{balance: 100, planInfo: freePlan(), flagged: true})
	h := newTestHandler(r, HandlerConfig{})
	router := h.Routes(testAuth(uuid.New(), "user"))

	w, env := doRequest(t, router, http.MethodPost, "/", map[string]interface{}{
		"prompt": "something explicit",
	})

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if env.Error == nil || env.Error.Code != "NSFW_BLOCKED" {
		t.Fatalf("unexpected error envelope: %+v", env.Error)
	}
	if env.Error.Details["upgrade_url"] == "" {
		t.Error("expected an upgrade hint")
	}
}

func TestHandlerGetTaskOwnership(t *testing.T) {
	owner := uuid.New()
	r := newRig(rigConfig{balance: 20, planInfo: premiumPlan()})

	task, err := r.orch.Generate(context.Background(), owner, false, &GenerateRequest{
		Prompt:     "a lighthouse at dusk",
		ImageCount: 2,
	})
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}

	h := newTestHandler(r, HandlerConfig{})

	ownerRouter := h.Routes(testAuth(owner, "user"))
	w, env := doRequest(t, ownerRouter, http.MethodGet, "/"+task.ID.String(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("owner read: status = %d", w.Code)
	}
	var resp TaskResponse
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if resp.ID != task.ID {
		t.Errorf("got task %s, want %s", resp.ID, task.ID)
	}

	// Another user sees a 404, not a 403, to avoid leaking task existence.
	otherRouter := h.Routes(testAuth(uuid.New(), "user"))
	w, _ = doRequest(t, otherRouter, http.MethodGet, "/"+task.ID.String(), nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("foreign read: status = %d, want 404", w.Code)
	}

	adminRouter := h.Routes(testAuth(uuid.New(), "admin"))
	w, _ = doRequest(t, adminRouter, http.MethodGet, "/"+task.ID.String(), nil)
	if w.Code != http.StatusOK {
		t.Errorf("admin read: status = %d, want 200", w.Code)
	}
}

func TestHandlerWebhookAuth(t *testing.T) {
	r := newRig(rigConfig{balance: 0, planInfo: premiumPlan()})
	h := newTestHandler(r, HandlerConfig{WebhookEnabled: true, WebhookSecret: "s3cret"})
	router := h.Routes(testAuth(uuid.New(), "user"))

	body := map[string]interface{}{
		"task_id": uuid.New(),
		"results": []map[string]interface{}{{"index": 0, "success": false, "error": "boom"}},
	}

	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(body)
	req := httptest.NewRequest(http.MethodPost, "/webhook", &buf)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing secret: status = %d, want 401", w.Code)
	}

	buf.Reset()
	_ = json.NewEncoder(&buf).Encode(body)
	req = httptest.NewRequest(http.MethodPost, "/webhook", &buf)
	req.Header.Set("X-Webhook-Secret", "s3cret")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		// Unknown task with a valid secret.
		t.Errorf("unknown task: status = %d, want 404", w.Code)
	}
}

func TestHandlerWebhookEmptySecretRejectsAll(t *testing.T) {
	r := newRig(rigConfig{balance: 0, planInfo: premiumPlan()})
	h := newTestHandler(r, HandlerConfig{WebhookEnabled: true, WebhookSecret: ""})
	router := h.Routes(testAuth(uuid.New(), "user"))

	body := map[string]interface{}{
		"task_id": uuid.New(),
		"results": []map[string]interface{}{{"index": 0, "success": false, "error": "boom"}},
	}

	for _, secret := range []string{"", "guess"} {
		var buf bytes.Buffer
		_ = json.NewEncoder(&buf).Encode(body)
		req := httptest.NewRequest(http.MethodPost, "/webhook", &buf)
		if secret != "" {
			req.Header.Set("X-Webhook-Secret", secret)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("secret %q: status = %d, want 401", secret, w.Code)
		}
	}
}

func TestHandlerWebhookDisabled(t *testing.T) {
	r := newRig(rigConfig{balance: 0, planInfo: premiumPlan()})
	h := newTestHandler(r, HandlerConfig{WebhookEnabled: false})
	router := h.Routes(testAuth(uuid.New(), "user"))

	w, _ := doRequest(t, router, http.MethodPost, "/webhook", map[string]interface{}{})
	if w.Code != http.StatusNotFound {
		t.Errorf("disabled webhook: status = %d, want 404", w.Code)
	}
}
