package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"rekonkas/backend/internal/domain"
	"rekonkas/backend/internal/service"
	"rekonkas/backend/internal/store"
)

// syncBodyLimit allows large full-collection pushes from the desktop client;
// every other JSON body is capped at 1MB.
const (
	syncBodyLimit    = 50 << 20
	defaultBodyLimit = 1 << 20
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	notifyAppID   string
	loginLimiter  *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, notifyAppID string) *API {
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		notifyAppID:   notifyAppID,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
	}
}

type attemptLimiter struct {
	mu        sync.Mutex
	max       int
	window    time.Duration
	entries   map[string][]time.Time
	lastSweep time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	// Drop keys with no attempts inside the window once per window, so the
	// map stays bounded by currently active clients.
	if now.Sub(l.lastSweep) > l.window {
		for k, h := range l.entries {
			if len(h) == 0 || !h[len(h)-1].After(cutoff) {
				delete(l.entries, k)
			}
		}
		l.lastSweep = now
	}

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)

	// Allow-list: login, logout, public config and the two API-key-gated sync
	// endpoints never require a session token.
	mux.HandleFunc("/api/login", a.handleLogin)
	mux.HandleFunc("/api/logout", a.handleLogout)
	mux.HandleFunc("/api/config", a.handleConfig)
	mux.HandleFunc("/api/sync/push", a.handleSyncPush)
	mux.HandleFunc("/api/reset-data", a.handleResetData)

	mux.HandleFunc("/api/metadata", a.requireAuth(a.handleMetadata))
	mux.HandleFunc("/api/stats", a.requireAuth(a.handleStats))
	mux.HandleFunc("/api/reports", a.requireAuth(a.handleReports))
	mux.HandleFunc("/api/reports/", a.requireAuth(a.handleReportDetail))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		if _, err := a.auth.Authorize(r.Context(), token); err != nil {
			writeError(w, authStatus(err), err)
			return
		}

		next(w, r)
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, authStatus(err), err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	authorization := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
		token := strings.TrimSpace(authorization[len("Bearer "):])
		if err := a.auth.Logout(r.Context(), token); err != nil {
			log.Printf("[httpapi] logout: %v", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleConfig exposes the non-sensitive client configuration the dashboard
// needs before any session exists.
func (a *API) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notifyAppId": a.notifyAppID,
	})
}

func (a *API) handleSyncPush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.SyncPushRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	report, err := a.service.SyncPush(r.Context(), req)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleResetData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req struct {
		APIKey string `json:"apiKey"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := a.service.ResetData(r.Context(), req.APIKey); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "data reset"})
}

func (a *API) handleMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	meta, err := a.service.Metadata(r.Context())
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	filter, err := parseReportFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	stats, err := a.service.Stats(r.Context(), filter)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleReports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	filter, err := parseReportFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	reports, err := a.service.ListReports(r.Context(), filter)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

func (a *API) handleReportDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	prefix := "/api/reports/"
	tail := strings.TrimSpace(strings.Trim(strings.TrimPrefix(r.URL.Path, prefix), "/"))
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("report id required"))
		return
	}
	id, err := strconv.ParseInt(tail, 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, errors.New("report id must be a positive integer"))
		return
	}

	detail, err := a.service.ReportDetail(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

// parseReportFilter reads the optional dashboard filters. All fields combine
// with AND; absent fields impose no constraint.
func parseReportFilter(r *http.Request) (domain.ReportFilter, error) {
	var filter domain.ReportFilter
	query := r.URL.Query()

	if raw := strings.TrimSpace(query.Get("dateFrom")); raw != "" {
		parsed, err := time.ParseInLocation(time.DateOnly, raw, time.UTC)
		if err != nil {
			return domain.ReportFilter{}, errors.New("dateFrom must be YYYY-MM-DD")
		}
		filter.DateFrom = &parsed
	}
	if raw := strings.TrimSpace(query.Get("dateTo")); raw != "" {
		parsed, err := time.ParseInLocation(time.DateOnly, raw, time.UTC)
		if err != nil {
			return domain.ReportFilter{}, errors.New("dateTo must be YYYY-MM-DD")
		}
		filter.DateTo = &parsed
	}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		if raw != domain.StatusDraft && raw != domain.StatusCompleted {
			return domain.ReportFilter{}, errors.New("status must be draft or completed")
		}
		filter.Status = raw
	}
	if raw := strings.TrimSpace(query.Get("branchId")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 1 {
			return domain.ReportFilter{}, errors.New("branchId must be a positive integer")
		}
		filter.BranchID = &parsed
	}
	if raw := strings.TrimSpace(query.Get("cashierId")); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 1 {
			return domain.ReportFilter{}, errors.New("cashierId must be a positive integer")
		}
		filter.CashierID = &parsed
	}

	return filter, nil
}

// authStatus maps auth-layer errors: credential and token failures are 401,
// everything else (repository or session store down) falls through to the
// sanitized 5xx path.
func authStatus(err error) int {
	if errors.Is(err, store.ErrUnauthorized) {
		return http.StatusUnauthorized
	}
	return statusForError(err)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost {
			limit := int64(defaultBodyLimit)
			if r.URL.Path == "/api/sync/push" {
				limit = syncBodyLimit
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies get a generic message so store internals never leak; the
	// cause is logged server-side. 4xx messages are user-facing.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"success": false,
		"message": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
