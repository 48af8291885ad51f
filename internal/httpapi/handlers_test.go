package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	catmemory "tokodraft/backend/internal/catalog/memory"
	"tokodraft/backend/internal/domain"
	"tokodraft/backend/internal/draft"
	draftmemory "tokodraft/backend/internal/draft/memory"
	"tokodraft/backend/internal/engine"
)

func newTestAPI(t *testing.T) (http.Handler, *catmemory.Client, *draftmemory.Storage) {
	t.Helper()
	client := catmemory.NewSeeded()
	storage := draftmemory.New()
	auth := NewAuthManager("test-secret-0123456789-0123456789-01", time.Hour, []domain.UserAccount{
		{Username: "admin", Password: "rahasia123", Role: "admin", Active: true},
		{Username: "dormant", Password: "rahasia123", Role: "clerk", Active: false},
	})
	api := New(client, storage, 10*time.Millisecond, auth, "")
	return api.Handler(), client, storage
}

func doRequest(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func loginAs(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()
	rec := doRequest(t, handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{
		Username: username,
		Password: password,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: status %d body %s", rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if resp.AccessToken == "" {
		t.Fatalf("empty access token")
	}
	return resp.AccessToken
}

type formEnvelope struct {
	SessionID string              `json:"session_id"`
	Index     int                 `json:"index"`
	Accepted  bool                `json:"accepted"`
	Error     string              `json:"error"`
	Form      engine.FormSnapshot `json:"form"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) formEnvelope {
	t.Helper()
	var env formEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return env
}

func pollForm(t *testing.T, handler http.Handler, token, sessionID, what string, cond func(engine.FormSnapshot) bool) engine.FormSnapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	var last engine.FormSnapshot
	for time.Now().Before(deadline) {
		rec := doRequest(t, handler, http.MethodGet, "/api/v1/sessions/"+sessionID, token, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("snapshot failed: status %d body %s", rec.Code, rec.Body.String())
		}
		last = decodeEnvelope(t, rec).Form
		if cond(last) {
			return last
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s; last form: %+v", what, last)
	return last
}

func TestHealth(t *testing.T) {
	handler, _, _ := newTestAPI(t)
	rec := doRequest(t, handler, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	handler, _, _ := newTestAPI(t)

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{
		Username: "admin", Password: "salah",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{
		Username: "dormant", Password: "rahasia123",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for inactive account, got %d", rec.Code)
	}
}

func TestLoginRateLimited(t *testing.T) {
	handler, _, _ := newTestAPI(t)

	for i := 0; i < 5; i++ {
		rec := doRequest(t, handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{
			Username: "admin", Password: "salah",
		})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, rec.Code)
		}
	}

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{
		Username: "admin", Password: "salah",
	})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on the sixth attempt, got %d", rec.Code)
	}
}

func TestAttemptLimiterEvictsIdleClients(t *testing.T) {
	limiter := newAttemptLimiter(2, 20*time.Millisecond)

	for i := 0; i < 50; i++ {
		limiter.Allow(fmt.Sprintf("10.0.0.%d", i))
	}
	limiter.mu.Lock()
	before := len(limiter.entries)
	limiter.mu.Unlock()
	if before != 50 {
		t.Fatalf("expected 50 tracked clients, got %d", before)
	}

	// After a full window of silence, the next call sweeps the idle keys.
	time.Sleep(30 * time.Millisecond)
	if !limiter.Allow("10.0.1.1") {
		t.Fatalf("fresh client must be allowed")
	}

	limiter.mu.Lock()
	after := len(limiter.entries)
	limiter.mu.Unlock()
	if after != 1 {
		t.Fatalf("idle clients must be evicted, still tracking %d", after)
	}
}

func TestAttemptLimiterWindowStillEnforced(t *testing.T) {
	limiter := newAttemptLimiter(2, time.Minute)
	if !limiter.Allow("1.2.3.4") || !limiter.Allow("1.2.3.4") {
		t.Fatalf("first two attempts must pass")
	}
	if limiter.Allow("1.2.3.4") {
		t.Fatalf("third attempt inside the window must be blocked")
	}
	if !limiter.Allow("5.6.7.8") {
		t.Fatalf("a different client must not be affected")
	}
}

func TestProtectedEndpointsRequireToken(t *testing.T) {
	handler, _, _ := newTestAPI(t)

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/reference/categories", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/reference/categories", "not-a-jwt", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with garbage token, got %d", rec.Code)
	}
}

func TestReferenceData(t *testing.T) {
	handler, _, _ := newTestAPI(t)
	token := loginAs(t, handler, "admin", "rahasia123")

	rec := doRequest(t, handler, http.MethodGet, "/api/v1/reference/categories", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Categories []domain.Option `json:"categories"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Categories) != 3 {
		t.Fatalf("expected 3 seeded categories, got %d", len(resp.Categories))
	}
}

func TestOpenFormRejectsUnknownKind(t *testing.T) {
	handler, _, _ := newTestAPI(t)
	token := loginAs(t, handler, "admin", "rahasia123")

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/forms/refund", token, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d", rec.Code)
	}
}

func TestPurchaseFormFlow(t *testing.T) {
	handler, client, storage := newTestAPI(t)
	token := loginAs(t, handler, "admin", "rahasia123")

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/forms/purchase", token, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("open form: status %d body %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	if env.SessionID == "" {
		t.Fatalf("missing session id")
	}
	if len(env.Form.Rows) != 1 {
		t.Fatalf("expected 1 starting row, got %d", len(env.Form.Rows))
	}
	sessionID := env.SessionID

	pollForm(t, handler, token, sessionID, "candidate options", func(f engine.FormSnapshot) bool {
		return len(f.Rows[0].Options) > 0
	})

	rec = doRequest(t, handler, http.MethodPatch, "/api/v1/sessions/"+sessionID+"/rows/0", token,
		map[string]any{"product_id": map[string]any{"value": 101}})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch product: status %d body %s", rec.Code, rec.Body.String())
	}

	// The default purchase unit for product 101 is karton at 4800000.
	pollForm(t, handler, token, sessionID, "resolved unit", func(f engine.FormSnapshot) bool {
		item := f.Rows[0].Item
		return item.UnitID != nil && *item.UnitID == 2 && item.PriceCents == 4800000
	})

	rec = doRequest(t, handler, http.MethodPatch, "/api/v1/sessions/"+sessionID+"/rows/0", token,
		map[string]any{"quantity": 2})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch quantity: status %d", rec.Code)
	}
	if form := decodeEnvelope(t, rec).Form; form.TotalCents != 9600000 {
		t.Fatalf("expected total 9600000, got %d", form.TotalCents)
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/v1/sessions/"+sessionID+"/submit", token, nil)
	env = decodeEnvelope(t, rec)
	if !env.Accepted || env.Form.State != domain.StateConfirmPending {
		t.Fatalf("submit not accepted: %+v", env.Form)
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/v1/sessions/"+sessionID+"/confirm", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm: status %d body %s", rec.Code, rec.Body.String())
	}
	env = decodeEnvelope(t, rec)
	if env.Form.State != domain.StateSucceeded {
		t.Fatalf("expected succeeded, got %s", env.Form.State)
	}

	created := client.Created()
	if len(created) != 1 {
		t.Fatalf("expected 1 created transaction, got %d", len(created))
	}
	if created[0].Kind != domain.KindPurchase || created[0].Payload.TotalCents != 9600000 {
		t.Fatalf("unexpected recorded transaction: %+v", created[0])
	}

	if _, ok, _ := storage.ReadDraft(context.Background(), draft.SlotKey(domain.KindPurchase)); ok {
		t.Fatalf("draft must be cleared after submission")
	}
}

func TestSubmitValidationErrorsOverHTTP(t *testing.T) {
	handler, client, _ := newTestAPI(t)
	token := loginAs(t, handler, "admin", "rahasia123")

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/forms/sale", token, nil)
	sessionID := decodeEnvelope(t, rec).SessionID

	rec = doRequest(t, handler, http.MethodPost, "/api/v1/sessions/"+sessionID+"/submit", token, nil)
	env := decodeEnvelope(t, rec)
	if env.Accepted {
		t.Fatalf("an empty row must not pass validation")
	}
	if env.Form.State != domain.StateEditing {
		t.Fatalf("expected editing, got %s", env.Form.State)
	}
	if !env.Form.Rows[0].Errors.Product {
		t.Fatalf("expected product flag on the empty row: %+v", env.Form.Rows[0].Errors)
	}
	if env.Form.Summary == "" {
		t.Fatalf("expected a summary message")
	}
	if len(client.Created()) != 0 {
		t.Fatalf("backend must not be called on failed validation")
	}
}

func TestConfirmWithoutSubmitConflicts(t *testing.T) {
	handler, _, _ := newTestAPI(t)
	token := loginAs(t, handler, "admin", "rahasia123")

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/forms/purchase", token, nil)
	sessionID := decodeEnvelope(t, rec).SessionID

	rec = doRequest(t, handler, http.MethodPost, "/api/v1/sessions/"+sessionID+"/confirm", token, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestConfirmBackendFailureKeepsForm(t *testing.T) {
	handler, client, _ := newTestAPI(t)
	client.Gate = func(_ context.Context, op string) error {
		if op == "create" {
			return errors.New("stok tidak mencukupi")
		}
		return nil
	}
	token := loginAs(t, handler, "admin", "rahasia123")

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/forms/purchase", token, nil)
	sessionID := decodeEnvelope(t, rec).SessionID

	pollForm(t, handler, token, sessionID, "candidate options", func(f engine.FormSnapshot) bool {
		return len(f.Rows[0].Options) > 0
	})
	doRequest(t, handler, http.MethodPatch, "/api/v1/sessions/"+sessionID+"/rows/0", token,
		map[string]any{"product_id": map[string]any{"value": 102}})
	pollForm(t, handler, token, sessionID, "resolved unit", func(f engine.FormSnapshot) bool {
		return f.Rows[0].Item.UnitID != nil
	})
	doRequest(t, handler, http.MethodPatch, "/api/v1/sessions/"+sessionID+"/rows/0", token,
		map[string]any{"quantity": 1})
	doRequest(t, handler, http.MethodPost, "/api/v1/sessions/"+sessionID+"/submit", token, nil)

	rec = doRequest(t, handler, http.MethodPost, "/api/v1/sessions/"+sessionID+"/confirm", token, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 on backend rejection, got %d body %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	if env.Form.State != domain.StateFailed {
		t.Fatalf("expected failed state, got %s", env.Form.State)
	}
	if env.Form.Rows[0].Item.ProductID == nil {
		t.Fatalf("table must be preserved for retry")
	}
}

func TestRowLifecycleOverHTTP(t *testing.T) {
	handler, _, _ := newTestAPI(t)
	token := loginAs(t, handler, "admin", "rahasia123")

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/forms/adjustment", token, nil)
	sessionID := decodeEnvelope(t, rec).SessionID

	rec = doRequest(t, handler, http.MethodPost, "/api/v1/sessions/"+sessionID+"/rows", token, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add row: status %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Index != 1 || len(env.Form.Rows) != 2 {
		t.Fatalf("expected index 1 of 2 rows, got index %d of %d", env.Index, len(env.Form.Rows))
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/v1/sessions/"+sessionID+"/rows/remove", token,
		map[string]any{"indices": []int{0}})
	if rec.Code != http.StatusOK {
		t.Fatalf("remove row: status %d", rec.Code)
	}
	if env := decodeEnvelope(t, rec); len(env.Form.Rows) != 1 {
		t.Fatalf("expected 1 row after removal, got %d", len(env.Form.Rows))
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/v1/sessions/"+sessionID+"/rows/remove", token,
		map[string]any{"indices": []int{7}})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for out of range index, got %d", rec.Code)
	}
}

func TestSetDateAndBrowse(t *testing.T) {
	handler, _, _ := newTestAPI(t)
	token := loginAs(t, handler, "admin", "rahasia123")

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/forms/sale", token, nil)
	sessionID := decodeEnvelope(t, rec).SessionID

	rec = doRequest(t, handler, http.MethodPut, "/api/v1/sessions/"+sessionID+"/date", token,
		map[string]any{"date": "2026-08-01"})
	if rec.Code != http.StatusOK {
		t.Fatalf("set date: status %d", rec.Code)
	}
	if env := decodeEnvelope(t, rec); env.Form.Date != "2026-08-01" {
		t.Fatalf("date not applied: %s", env.Form.Date)
	}

	rec = doRequest(t, handler, http.MethodPut, "/api/v1/sessions/"+sessionID+"/date", token,
		map[string]any{"date": "01/08/2026"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for bad date, got %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodPut, "/api/v1/sessions/"+sessionID+"/filters", token,
		map[string]any{"search": "teh"})
	if rec.Code != http.StatusOK {
		t.Fatalf("set filters: status %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/sessions/"+sessionID+"/browse?page=1", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("browse: status %d", rec.Code)
	}
	var page domain.ProductPage
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode browse: %v", err)
	}
	if page.Total != 1 || page.Items[0].ID != 102 {
		t.Fatalf("expected only Teh Botol, got %+v", page.Items)
	}
}

func TestSessionCloseAndNotFound(t *testing.T) {
	handler, _, _ := newTestAPI(t)
	token := loginAs(t, handler, "admin", "rahasia123")

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/forms/purchase", token, nil)
	sessionID := decodeEnvelope(t, rec).SessionID

	rec = doRequest(t, handler, http.MethodDelete, "/api/v1/sessions/"+sessionID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("close session: status %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/sessions/"+sessionID, token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after close, got %d", rec.Code)
	}

	rec = doRequest(t, handler, http.MethodGet, "/api/v1/sessions/no-such-session", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestDraftSurvivesSessionReopen(t *testing.T) {
	handler, _, storage := newTestAPI(t)
	token := loginAs(t, handler, "admin", "rahasia123")

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/forms/purchase", token, nil)
	sessionID := decodeEnvelope(t, rec).SessionID

	pollForm(t, handler, token, sessionID, "candidate options", func(f engine.FormSnapshot) bool {
		return len(f.Rows[0].Options) > 0
	})
	doRequest(t, handler, http.MethodPatch, "/api/v1/sessions/"+sessionID+"/rows/0", token,
		map[string]any{"product_id": map[string]any{"value": 104}, "quantity": 3})
	pollForm(t, handler, token, sessionID, "resolved unit", func(f engine.FormSnapshot) bool {
		return f.Rows[0].Item.UnitID != nil
	})

	// Closing flushes the pending debounced save.
	rec = doRequest(t, handler, http.MethodDelete, "/api/v1/sessions/"+sessionID, token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("close: status %d", rec.Code)
	}
	if _, ok, _ := storage.ReadDraft(context.Background(), draft.SlotKey(domain.KindPurchase)); !ok {
		t.Fatalf("draft must be persisted on close")
	}

	rec = doRequest(t, handler, http.MethodPost, "/api/v1/forms/purchase", token, nil)
	env := decodeEnvelope(t, rec)
	if len(env.Form.Rows) != 1 {
		t.Fatalf("expected 1 hydrated row, got %d", len(env.Form.Rows))
	}
	item := env.Form.Rows[0].Item
	if item.ProductID == nil || *item.ProductID != 104 || item.Quantity != 3 {
		t.Fatalf("reopened form lost draft state: %+v", item)
	}
}

func TestUnknownFieldsRejected(t *testing.T) {
	handler, _, _ := newTestAPI(t)
	token := loginAs(t, handler, "admin", "rahasia123")

	rec := doRequest(t, handler, http.MethodPost, "/api/v1/forms/purchase", token, nil)
	sessionID := decodeEnvelope(t, rec).SessionID

	rec = doRequest(t, handler, http.MethodPatch, fmt.Sprintf("/api/v1/sessions/%s/rows/0", sessionID), token,
		map[string]any{"produk": 101})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}
