package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"rekonkas/backend/internal/domain"
	"rekonkas/backend/internal/notify"
	"rekonkas/backend/internal/service"
	"rekonkas/backend/internal/session"
	"rekonkas/backend/internal/store"
	"rekonkas/backend/internal/store/memory"
)

const testAPIKey = "test-sync-key-0123456789"

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()

	repo := memory.New()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret-pass"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	_, err = repo.ApplySyncBatch(context.Background(), domain.SyncApply{
		Admins: []domain.Admin{{Username: "admin", PasswordHash: string(hash), Name: "Administrator"}},
	})
	if err != nil {
		t.Fatalf("seed admin: %v", err)
	}

	dispatcher := notify.NewDispatcher(notify.NoopSender{}, 16)
	t.Cleanup(dispatcher.Close)

	svc := service.New(repo, dispatcher, testAPIKey, 5*time.Second)
	auth := NewAuthManager(repo, session.NewMemoryStore(), time.Hour)
	api := New(svc, auth, "*", "app-test")
	return api.Handler()
}

func doJSON(t *testing.T, handler http.Handler, method string, path string, body string, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func loginToken(t *testing.T, handler http.Handler) string {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/login", `{"username":"admin","password":"s3cret-pass"}`, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed with status %d: %s", rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.Token
}

func TestHealthEndpoint(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body)
	}
}

func TestConfigIsPublic(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodGet, "/api/config", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "app-test") {
		t.Fatalf("expected notify app id in body, got %s", rec.Body.String())
	}
}

func TestLoginFailureEnvelope(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodPost, "/api/login", `{"username":"admin","password":"wrong"}`, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Success || body.Message == "" {
		t.Fatalf("expected error envelope, got %+v", body)
	}
}

func TestLoginRateLimited(t *testing.T) {
	handler := newTestHandler(t)

	for i := 0; i < 5; i++ {
		rec := doJSON(t, handler, http.MethodPost, "/api/login", `{"username":"admin","password":"wrong"}`, "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, rec.Code)
		}
	}
	rec := doJSON(t, handler, http.MethodPost, "/api/login", `{"username":"admin","password":"wrong"}`, "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after exhausting attempts, got %d", rec.Code)
	}
}

func TestProtectedEndpointsRequireToken(t *testing.T) {
	handler := newTestHandler(t)

	for _, path := range []string{"/api/metadata", "/api/stats", "/api/reports", "/api/reports/1"} {
		rec := doJSON(t, handler, http.MethodGet, path, "", "")
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401 without token, got %d", path, rec.Code)
		}
	}

	token := loginToken(t, handler)
	rec := doJSON(t, handler, http.MethodGet, "/api/reports", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSyncPushEndToEnd(t *testing.T) {
	handler := newTestHandler(t)

	payload := fmt.Sprintf(`{
		"apiKey": %q,
		"sourceId": "register-1",
		"data": {
			"branches": [{"id": 5, "branch_name": "Downtown", "active": true}],
			"cashiers": [{"id": 2, "name": "Alice", "branch_id": 5, "active": true}],
			"accountants": [{"id": 3, "name": "Bob", "username": "bob"}],
			"reconciliations": [
				{"id": 1, "reconciliation_number": 7, "cashier_id": 2, "accountant_id": 3,
				 "date": "2026-08-20", "system_sales": 1000, "total_receipts": 1050, "status": "completed"}
			]
		}
	}`, testAPIKey)

	rec := doJSON(t, handler, http.MethodPost, "/api/sync/push", payload, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"success":true`) {
		t.Fatalf("expected success report, got %s", rec.Body.String())
	}

	token := loginToken(t, handler)
	rec = doJSON(t, handler, http.MethodGet, "/api/reports/1", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for detail, got %d: %s", rec.Code, rec.Body.String())
	}
	var detail domain.ReportDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Number != 7 || detail.CashierName != "Alice" {
		t.Fatalf("unexpected detail: %+v", detail.ReportRow)
	}
}

func TestSyncPushEmptyListClearsAbsentDoesNot(t *testing.T) {
	handler := newTestHandler(t)

	seed := fmt.Sprintf(`{"apiKey": %q, "data": {
		"cashiers": [{"id": 2, "name": "Alice", "active": true}],
		"accountants": [{"id": 3, "name": "Bob"}],
		"reconciliations": [{"id": 1, "reconciliation_number": 1, "cashier_id": 2, "accountant_id": 3, "date": "2026-08-20"}]
	}}`, testAPIKey)
	if rec := doJSON(t, handler, http.MethodPost, "/api/sync/push", seed, ""); rec.Code != http.StatusOK {
		t.Fatalf("seed push failed: %d %s", rec.Code, rec.Body.String())
	}

	token := loginToken(t, handler)

	// Absent key: the stored reconciliations stay.
	absent := fmt.Sprintf(`{"apiKey": %q, "data": {"cashiers": [{"id": 2, "name": "Alice", "active": true}]}}`, testAPIKey)
	if rec := doJSON(t, handler, http.MethodPost, "/api/sync/push", absent, ""); rec.Code != http.StatusOK {
		t.Fatalf("push failed: %d %s", rec.Code, rec.Body.String())
	}
	rec := doJSON(t, handler, http.MethodGet, "/api/reports", "", token)
	var rows []domain.ReportRow
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("absent collection must leave rows untouched, got %d", len(rows))
	}

	// Explicit empty array: full clear.
	empty := fmt.Sprintf(`{"apiKey": %q, "data": {"reconciliations": []}}`, testAPIKey)
	if rec := doJSON(t, handler, http.MethodPost, "/api/sync/push", empty, ""); rec.Code != http.StatusOK {
		t.Fatalf("push failed: %d %s", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, handler, http.MethodGet, "/api/reports", "", token)
	rows = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("decode rows: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("empty array must clear the collection, got %d rows", len(rows))
	}
}

func TestSyncPushRejectsBadKeyAndBadJSON(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodPost, "/api/sync/push", `{"apiKey":"wrong","data":{}}`, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for bad key, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/sync/push", `{"apiKey": not-json`, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestResetDataEndpoint(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodPost, "/api/reset-data", `{"apiKey":"wrong"}`, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for bad key, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/reset-data", fmt.Sprintf(`{"apiKey": %q}`, testAPIKey), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestReportDetailErrors(t *testing.T) {
	handler := newTestHandler(t)
	token := loginToken(t, handler)

	rec := doJSON(t, handler, http.MethodGet, "/api/reports/999", "", token)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/reports/banana", "", token)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for junk id, got %d", rec.Code)
	}
}

func TestReportsFilterValidation(t *testing.T) {
	handler := newTestHandler(t)
	token := loginToken(t, handler)

	rec := doJSON(t, handler, http.MethodGet, "/api/reports?status=finished", "", token)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodGet, "/api/reports?dateFrom=20-08-2026", "", token)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad date, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodGet, "/api/stats?branchId=0", "", token)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-positive branchId, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodGet, "/api/stats?status=completed&branchId=5", "", token)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for valid combined filter, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodGet, "/api/login", "", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestOptionsPreflight(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodOptions, "/api/reports", "", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected CORS origin header, got %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("expected security headers on every response")
	}
}

// failingRepo forces the store layer to error so the 5xx envelope can be
// asserted: internals never leak into the response body.
type failingRepo struct{}

var errBoom = errors.New("pq: connection reset while scanning row")

func (failingRepo) ApplySyncBatch(context.Context, domain.SyncApply) (*domain.SyncResult, error) {
	return nil, errBoom
}
func (failingRepo) ResetOperationalData(context.Context) error { return errBoom }
func (failingRepo) GetAdminByUsername(context.Context, string) (*domain.Admin, error) {
	return nil, errBoom
}
func (failingRepo) GetCashier(context.Context, int64) (*domain.Cashier, error) {
	return nil, errBoom
}
func (failingRepo) ListActiveBranches(context.Context) ([]domain.Branch, error) {
	return nil, errBoom
}
func (failingRepo) ListActiveCashiers(context.Context) ([]domain.Cashier, error) {
	return nil, errBoom
}
func (failingRepo) ListReports(context.Context, domain.ReportFilter, int) ([]domain.ReportRow, error) {
	return nil, errBoom
}
func (failingRepo) ComputeStats(context.Context, domain.ReportFilter) (domain.StatsSummary, error) {
	return domain.StatsSummary{}, errBoom
}
func (failingRepo) GetReportDetail(context.Context, int64) (*domain.ReportDetail, error) {
	return nil, errBoom
}

func TestLoginStoreFailureIsSanitized(t *testing.T) {
	dispatcher := notify.NewDispatcher(notify.NoopSender{}, 16)
	t.Cleanup(dispatcher.Close)

	svc := service.New(failingRepo{}, dispatcher, testAPIKey, 5*time.Second)
	auth := NewAuthManager(failingRepo{}, session.NewMemoryStore(), time.Hour)
	handler := New(svc, auth, "*", "app-test").Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/login", `{"username":"admin","password":"whatever"}`, "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for repository failure, got %d: %s", rec.Code, rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "pq:") {
		t.Fatalf("store internals leaked into login response: %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "internal server error") {
		t.Fatalf("expected generic 5xx message, got %s", rec.Body.String())
	}
}

// failingSessions errors on every call, standing in for an unreachable redis.
type failingSessions struct{}

func (failingSessions) Set(context.Context, string, domain.Principal, time.Duration) error {
	return errBoom
}
func (failingSessions) Get(context.Context, string) (*domain.Principal, bool, error) {
	return nil, false, errBoom
}
func (failingSessions) Delete(context.Context, string) error { return errBoom }

func TestAuthorizeSessionStoreFailureIsSanitized(t *testing.T) {
	dispatcher := notify.NewDispatcher(notify.NoopSender{}, 16)
	t.Cleanup(dispatcher.Close)

	repo := memory.New()
	svc := service.New(repo, dispatcher, testAPIKey, 5*time.Second)
	auth := NewAuthManager(repo, failingSessions{}, time.Hour)
	handler := New(svc, auth, "*", "app-test").Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/reports", "", "sess-whatever")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for session store failure, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "internal server error") {
		t.Fatalf("expected generic 5xx message, got %s", rec.Body.String())
	}
}

func TestAttemptLimiterEvictsIdleKeys(t *testing.T) {
	limiter := newAttemptLimiter(5, 20*time.Millisecond)

	limiter.Allow("10.0.0.1")
	limiter.Allow("10.0.0.2")
	time.Sleep(50 * time.Millisecond)
	limiter.Allow("10.0.0.3")

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if len(limiter.entries) != 1 {
		t.Fatalf("expected only the active key to remain, got %d entries", len(limiter.entries))
	}
	if _, ok := limiter.entries["10.0.0.3"]; !ok {
		t.Fatalf("active key missing after sweep: %v", limiter.entries)
	}
}

func TestInternalErrorsAreSanitized(t *testing.T) {
	dispatcher := notify.NewDispatcher(notify.NoopSender{}, 16)
	t.Cleanup(dispatcher.Close)

	svc := service.New(failingRepo{}, dispatcher, testAPIKey, 5*time.Second)
	auth := NewAuthManager(failingRepo{}, session.NewMemoryStore(), time.Hour)
	handler := New(svc, auth, "*", "app-test").Handler()

	payload := fmt.Sprintf(`{"apiKey": %q, "data": {"branches": [{"id": 1, "branch_name": "X", "active": true}]}}`, testAPIKey)
	rec := doJSON(t, handler, http.MethodPost, "/api/sync/push", payload, "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "pq:") {
		t.Fatalf("store internals leaked into response: %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "internal server error") {
		t.Fatalf("expected generic 5xx message, got %s", rec.Body.String())
	}
}

var _ store.Repository = failingRepo{}
