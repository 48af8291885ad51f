package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"tokodraft/backend/internal/catalog"
	"tokodraft/backend/internal/domain"
	"tokodraft/backend/internal/draft"
	"tokodraft/backend/internal/engine"
)

// API exposes the form engine to the back-office UI: login, shared
// reference data, and per-session form operations.
type API struct {
	registry      *sessionRegistry
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
}

func New(client catalog.Client, storage draft.Storage, debounce time.Duration, auth *AuthManager, allowedOrigin string) *API {
	return &API{
		registry:      newSessionRegistry(client, storage, debounce),
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("/api/v1/reference/categories", a.requireAuth(a.handleCategories))
	mux.HandleFunc("/api/v1/reference/manufacturers", a.requireAuth(a.handleManufacturers))

	mux.HandleFunc("/api/v1/forms/", a.requireAuth(a.handleFormOpen))
	mux.HandleFunc("/api/v1/sessions/", a.requireAuth(a.handleSessionActions))

	return a.withMiddleware(mux)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		if a.allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		next(w, r.WithContext(withActor(r.Context(), actor)))
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

	resp, err := a.auth.Login(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCategories(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	categories, err := a.registry.refdata.Categories(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": categories})
}

func (a *API) handleManufacturers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	manufacturers, err := a.registry.refdata.Manufacturers(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"manufacturers": manufacturers})
}

// handleFormOpen mounts a new form session for a transaction kind:
// POST /api/v1/forms/{kind}
func (a *API) handleFormOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	kind := domain.TransactionKind(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/forms/"), "/"))
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, errors.New("unknown transaction kind"))
		return
	}

	actor, _ := actorFromContext(r.Context())
	sess := a.registry.Open(r.Context(), kind, actor.Username)

	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": sess.id,
		"form":       sess.form.Snapshot(),
	})
}

// handleSessionActions routes /api/v1/sessions/{id}[/...] to the owning
// form. Path layout mirrors the engine's operations one-to-one.
func (a *API) handleSessionActions(w http.ResponseWriter, r *http.Request) {
	tail := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/"), "/")
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("session id required"))
		return
	}

	parts := strings.Split(tail, "/")
	sess, err := a.registry.Get(parts[0])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"form": sess.form.Snapshot()})

	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := a.registry.Close(r.Context(), sess.id); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"closed": true})

	case len(parts) == 2 && parts[1] == "rows":
		a.handleRows(w, r, sess)

	case len(parts) == 3 && parts[1] == "rows" && parts[2] == "remove" && r.Method == http.MethodPost:
		a.handleRowRemove(w, r, sess)

	case len(parts) == 3 && parts[1] == "rows":
		a.handleRowByIndex(w, r, sess, parts[2], "")

	case len(parts) == 4 && parts[1] == "rows":
		a.handleRowByIndex(w, r, sess, parts[2], parts[3])

	case len(parts) == 2 && parts[1] == "date" && r.Method == http.MethodPut:
		a.handleSetDate(w, r, sess)

	case len(parts) == 2 && parts[1] == "filters" && r.Method == http.MethodPut:
		a.handleSetFilters(w, r, sess)

	case len(parts) == 2 && parts[1] == "browse" && r.Method == http.MethodGet:
		a.handleBrowse(w, r, sess)

	case len(parts) == 2 && parts[1] == "submit" && r.Method == http.MethodPost:
		ok := sess.form.Submit()
		writeJSON(w, http.StatusOK, map[string]any{"accepted": ok, "form": sess.form.Snapshot()})

	case len(parts) == 2 && parts[1] == "confirm" && r.Method == http.MethodPost:
		a.handleConfirm(w, r, sess)

	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		sess.form.CancelConfirm()
		writeJSON(w, http.StatusOK, map[string]any{"form": sess.form.Snapshot()})

	case len(parts) == 2 && parts[1] == "discard" && r.Method == http.MethodPost:
		if err := sess.form.Discard(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"form": sess.form.Snapshot()})

	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleRows(w http.ResponseWriter, r *http.Request, sess *session) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	index := sess.form.AddRow()
	writeJSON(w, http.StatusCreated, map[string]any{"index": index, "form": sess.form.Snapshot()})
}

func (a *API) handleRowRemove(w http.ResponseWriter, r *http.Request, sess *session) {
	var req struct {
		Indices []int `json:"indices"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := sess.form.RemoveRows(req.Indices); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"form": sess.form.Snapshot()})
}

func (a *API) handleRowByIndex(w http.ResponseWriter, r *http.Request, sess *session, rawIndex string, action string) {
	index, err := strconv.Atoi(rawIndex)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid row index"))
		return
	}

	switch {
	case action == "" && r.Method == http.MethodPatch:
		var patch domain.RowPatch
		if err := decodeJSON(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if err := sess.form.UpdateRow(index, patch); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"form": sess.form.Snapshot()})

	case action == "duplicate" && r.Method == http.MethodPost:
		copyIndex, err := sess.form.DuplicateRow(index)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"index": copyIndex, "form": sess.form.Snapshot()})

	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleSetDate(w http.ResponseWriter, r *http.Request, sess *session) {
	var req struct {
		Date string `json:"date"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := sess.form.SetDate(req.Date); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"form": sess.form.Snapshot()})
}

func (a *API) handleSetFilters(w http.ResponseWriter, r *http.Request, sess *session) {
	var filters domain.BrowserFilter
	if err := decodeJSON(r, &filters); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sess.form.SetFilters(filters)
	writeJSON(w, http.StatusOK, map[string]any{"form": sess.form.Snapshot()})
}

func (a *API) handleBrowse(w http.ResponseWriter, r *http.Request, sess *session) {
	page := 1
	if raw := strings.TrimSpace(r.URL.Query().Get("page")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			page = parsed
		}
	}
	result, err := sess.form.BrowseProducts(r.Context(), page)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleConfirm(w http.ResponseWriter, r *http.Request, sess *session) {
	receipt, err := sess.form.Confirm(r.Context())
	if err != nil {
		if errors.Is(err, engine.ErrBadState) {
			writeError(w, http.StatusConflict, err)
			return
		}
		// Submission failure: state and draft are preserved for retry.
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error": err.Error(),
			"form":  sess.form.Snapshot(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipt": receipt, "form": sess.form.Snapshot()})
}

type actorContextKey struct{}

func withActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func actorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
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
	return &attemptLimiter{
		max:       max,
		window:    window,
		entries:   make(map[string][]time.Time),
		lastSweep: time.Now(),
	}
}

func (l *attemptLimiter) Allow(key string) bool {
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	// Keys for clients that went quiet would otherwise accumulate forever.
	if now.Sub(l.lastSweep) > l.window {
		l.sweepLocked(cutoff)
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

func (l *attemptLimiter) sweepLocked(cutoff time.Time) {
	for key, history := range l.entries {
		live := history[:0]
		for _, ts := range history {
			if ts.After(cutoff) {
				live = append(live, ts)
			}
		}
		if len(live) == 0 {
			delete(l.entries, key)
			continue
		}
		l.entries[key] = live
	}
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

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx responses get a generic message so internal details never leak;
	// 4xx messages are user-facing and pass through.
	msg := err.Error()
	if status >= 500 {
		log.Printf("[httpapi] internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
