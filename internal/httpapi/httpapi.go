package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"kasirinaja/backoffice/internal/domain"
	"kasirinaja/backoffice/internal/metrics"
	"kasirinaja/backoffice/internal/service"
)

type Options struct {
	AllowedOrigin string
	RetryAttempts int
	Metrics       *metrics.Engine
	Logger        logrus.FieldLogger
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	retryAttempts int
	loginLimiter  *clientLimiter
	metrics       *metrics.Engine
	logger        logrus.FieldLogger
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: opts.AllowedOrigin,
		retryAttempts: opts.RetryAttempts,
		loginLimiter:  newClientLimiter(rate.Every(12*time.Second), 5),
		metrics:       opts.Metrics,
		logger:        opts.Logger,
	}
}

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	mu      sync.Mutex
	every   rate.Limit
	burst   int
	entries map[string]*rate.Limiter
}

func newClientLimiter(every rate.Limit, burst int) *clientLimiter {
	return &clientLimiter{every: every, burst: burst, entries: make(map[string]*rate.Limiter)}
}

func (l *clientLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	limiter, ok := l.entries[key]
	if !ok {
		limiter = rate.NewLimiter(l.every, l.burst)
		l.entries[key] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
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

	mux.HandleFunc("GET /healthz", a.handleHealth)
	if a.metrics != nil {
		mux.Handle("GET /metrics", a.metrics.Handler())
	}
	mux.HandleFunc("POST /api/v1/auth/login", a.handleLogin)

	staff := []string{domain.RoleCashier, domain.RoleAdmin}
	mux.HandleFunc("POST /api/v1/orders", a.requireAuth(a.handleCreateOrder, staff...))
	mux.HandleFunc("GET /api/v1/orders/{id}", a.requireAuth(a.handleGetOrder, staff...))
	mux.HandleFunc("POST /api/v1/orders/{id}/items", a.requireAuth(a.handleAddItem, staff...))
	mux.HandleFunc("PATCH /api/v1/items/{itemId}", a.requireAuth(a.handleUpdateItem, staff...))
	mux.HandleFunc("DELETE /api/v1/items/{itemId}", a.requireAuth(a.handleRemoveItem, staff...))
	mux.HandleFunc("POST /api/v1/orders/{id}/confirm", a.requireAuth(a.handleConfirm, staff...))
	mux.HandleFunc("POST /api/v1/orders/{id}/cancel", a.requireAuth(a.handleCancel, staff...))
	mux.HandleFunc("POST /api/v1/orders/{id}/cancel/approve", a.requireAuth(a.handleApproveCancel, domain.RoleAdmin))
	mux.HandleFunc("POST /api/v1/orders/{id}/cancel/reject", a.requireAuth(a.handleRejectCancel, domain.RoleAdmin))
	mux.HandleFunc("POST /api/v1/orders/{id}/return", a.requireAuth(a.handleReturn, staff...))
	mux.HandleFunc("GET /api/v1/orders/{id}/adjustments", a.requireAuth(a.handleAdjustments, staff...))
	mux.HandleFunc("GET /api/v1/orders/{id}/audit-logs", a.requireAuth(a.handleAuditLogs, domain.RoleAdmin))
	mux.HandleFunc("POST /api/v1/orders/{id}/fulfillment/scan", a.requireAuth(a.handleScan, staff...))
	mux.HandleFunc("GET /api/v1/orders/{id}/fulfillment", a.requireAuth(a.handleFulfillment, staff...))
	mux.HandleFunc("POST /api/v1/orders/{id}/fulfillment/complete", a.requireAuth(a.handleCompleteFulfillment, staff...))
	mux.HandleFunc("GET /api/v1/stock", a.requireAuth(a.handleStock, staff...))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
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

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
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
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.OrderCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	order, err := a.service.CreateOrder(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"order": order})
}

func (a *API) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := a.service.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *API) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req domain.AddItemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.mutateOrder(w, r, func(ctx context.Context) (domain.SalesOrder, error) {
		return a.service.AddItem(ctx, r.PathValue("id"), req)
	})
}

func (a *API) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdateItemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.mutateOrder(w, r, func(ctx context.Context) (domain.SalesOrder, error) {
		return a.service.UpdateItem(ctx, r.PathValue("itemId"), req)
	})
}

func (a *API) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	a.mutateOrder(w, r, func(ctx context.Context) (domain.SalesOrder, error) {
		return a.service.RemoveItem(ctx, r.PathValue("itemId"))
	})
}

func (a *API) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req domain.ConfirmRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.mutateOrder(w, r, func(ctx context.Context) (domain.SalesOrder, error) {
		return a.service.Confirm(ctx, r.PathValue("id"), req)
	})
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req domain.CancelRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.mutateOrder(w, r, func(ctx context.Context) (domain.SalesOrder, error) {
		return a.service.Cancel(ctx, r.PathValue("id"), req)
	})
}

func (a *API) handleApproveCancel(w http.ResponseWriter, r *http.Request) {
	a.mutateOrder(w, r, func(ctx context.Context) (domain.SalesOrder, error) {
		return a.service.ApproveCancel(ctx, r.PathValue("id"))
	})
}

func (a *API) handleRejectCancel(w http.ResponseWriter, r *http.Request) {
	a.mutateOrder(w, r, func(ctx context.Context) (domain.SalesOrder, error) {
		return a.service.RejectCancel(ctx, r.PathValue("id"))
	})
}

func (a *API) handleReturn(w http.ResponseWriter, r *http.Request) {
	var req domain.ReturnRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.mutateOrder(w, r, func(ctx context.Context) (domain.SalesOrder, error) {
		return a.service.ReturnOrder(ctx, r.PathValue("id"), req)
	})
}

func (a *API) handleAdjustments(w http.ResponseWriter, r *http.Request) {
	adjustments, err := a.service.ListAdjustments(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"adjustments": adjustments})
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
	logs, err := a.service.ListAuditLogs(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit_logs": logs})
}

func (a *API) handleScan(w http.ResponseWriter, r *http.Request) {
	var req domain.ScanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var resp domain.ScanResponse
	err := service.RetryOnConflict(r.Context(), a.retryAttempts, a.metrics, func(ctx context.Context) error {
		var err error
		resp, err = a.service.Scan(ctx, r.PathValue("id"), req.Code)
		return err
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleFulfillment(w http.ResponseWriter, r *http.Request) {
	status, err := a.service.Fulfillment(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fulfillment": status})
}

func (a *API) handleCompleteFulfillment(w http.ResponseWriter, r *http.Request) {
	var status domain.FulfillmentStatus
	err := service.RetryOnConflict(r.Context(), a.retryAttempts, a.metrics, func(ctx context.Context) error {
		var err error
		status, err = a.service.Complete(ctx, r.PathValue("id"))
		return err
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fulfillment": status})
}

func (a *API) handleStock(w http.ResponseWriter, r *http.Request) {
	ids := make([]string, 0)
	for _, raw := range r.URL.Query()["product_id"] {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	levels, err := a.service.GetStock(r.Context(), ids)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stock": levels})
}

// mutateOrder runs an order mutation with conflict retries and writes the
// resulting order.
func (a *API) mutateOrder(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context) (domain.SalesOrder, error)) {
	var order domain.SalesOrder
	err := service.RetryOnConflict(r.Context(), a.retryAttempts, a.metrics, func(ctx context.Context) error {
		var err error
		order, err = fn(ctx)
		return err
	})
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 && a.logger != nil {
		a.logger.WithField("module", "httpapi").Errorf("internal error: %v", err)
	}

	var shortage *domain.InsufficientStockError
	if errors.As(err, &shortage) {
		writeJSON(w, status, map[string]any{
			"error":      err.Error(),
			"product_id": shortage.ProductID,
			"requested":  shortage.Requested,
			"available":  shortage.Available,
		})
		return
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrItemNotFound),
		errors.Is(err, domain.ErrProductNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrInvalidQuantity):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrApprovalRequired),
		errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrOrderNotEditable),
		errors.Is(err, domain.ErrApprovalPending),
		errors.Is(err, domain.ErrAlreadyFulfilled),
		errors.Is(err, domain.ErrConcurrentModification):
		return http.StatusConflict
	case errors.Is(err, domain.ErrEmptyOrder),
		errors.Is(err, domain.ErrItemNotInOrder),
		errors.Is(err, domain.ErrFulfillmentIncomplete):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// statusRecorder captures the response code for request metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(startedAt)

		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		a.metrics.ObserveRequest(pattern, rec.status, elapsed)
		if a.logger != nil {
			a.logger.WithFields(logrus.Fields{
				"method":  r.Method,
				"path":    r.URL.Path,
				"status":  rec.status,
				"elapsed": elapsed.String(),
			}).Debug("request")
		}
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

// decodeOptionalJSON accepts an empty body for actions whose payload is optional.
func decodeOptionalJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return nil
	}
	if err := decodeJSON(r, dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
