// Package httpapi exposes the register to the terminal UI over a loopback
// JSON API.
package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"kasirinaja/terminal/internal/cart"
	"kasirinaja/terminal/internal/domain"
	"kasirinaja/terminal/internal/outbox"
	"kasirinaja/terminal/internal/service"
	"kasirinaja/terminal/internal/store"
)

type API struct {
	register      *service.Register
	logger        *zap.Logger
	allowedOrigin string
	pinLimiter    *attemptLimiter
	csrfSecret    []byte
}

func New(reg *service.Register, logger *zap.Logger, allowedOrigin string) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		logger.Error("generate csrf secret", zap.Error(err))
		csrfSecret = []byte(fmt.Sprintf("csrf-%d", time.Now().UnixNano()))
	}
	return &API{
		register:      reg,
		logger:        logger.Named("httpapi"),
		allowedOrigin: allowedOrigin,
		pinLimiter:    newAttemptLimiter(5, time.Minute),
		csrfSecret:    csrfSecret,
	}
}

// csrfTokenForHour computes an HMAC-SHA256 token for the given hour bucket.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	return a.csrfTokenForHour(time.Now().UTC().Truncate(time.Hour).Unix())
}

// validateCSRFToken accepts the current and previous hour bucket.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	current := time.Now().UTC().Truncate(time.Hour).Unix()
	return hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(current))) ||
		hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(current-3600)))
}

// attemptLimiter throttles manager PIN guesses per client.
type attemptLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*rate.Limiter
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{
		limit:   rate.Every(window / time.Duration(max)),
		burst:   max,
		entries: make(map[string]*rate.Limiter),
	}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	limiter, ok := l.entries[key]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
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
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(a.withMiddleware)
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) { writeMethodNotAllowed(w) })
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("route not found"))
	})

	r.Get("/healthz", a.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/csrf-token", a.handleCSRFToken)

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", a.handleCart)
			r.Post("/clear", a.handleCartClear)
			r.Post("/items", a.handleAddItem)
			r.Post("/items/{productID}/adjust", a.handleAdjustItem)
			r.Post("/items/{productID}/discount", a.handleDiscountItem)
			r.Post("/items/{productID}/remove", a.handleRemoveItem)
		})
		r.Put("/lots/{productID}", a.handleLots)
		r.Post("/checkout", a.handleCheckout)

		r.Route("/carts/hold", func(r chi.Router) {
			r.Get("/", a.handleListHeld)
			r.Post("/", a.handleHold)
			r.Post("/{holdID}/resume", a.handleResumeHeld)
			r.Post("/{holdID}/discard", a.handleDiscardHeld)
		})

		r.Route("/outbox", func(r chi.Router) {
			r.Get("/", a.handleOutbox)
			r.Post("/sync", a.handleOutboxSync)
			r.Post("/{itemID}/requeue", a.handleRequeue)
			r.Post("/{itemID}/discard", a.handleDiscardQueued)
		})
	})

	return r
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleCSRFToken(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

// checkCSRF enforces the CSRF token on state-changing methods.
func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	method := r.Method
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch && method != http.MethodDelete {
		return true
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

type cartView struct {
	Lines  []domain.CartLine `json:"lines"`
	Totals domain.CartTotals `json:"totals"`
}

func (a *API) handleCart(w http.ResponseWriter, _ *http.Request) {
	a.writeCart(w, http.StatusOK)
}

func (a *API) handleCartClear(w http.ResponseWriter, _ *http.Request) {
	a.register.ClearCart()
	a.writeCart(w, http.StatusOK)
}

type addItemRequest struct {
	Product domain.Product `json:"product"`
	Qty     int            `json:"qty"`
	Lots    []domain.Lot   `json:"lots"`
}

func (a *API) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Qty == 0 {
		req.Qty = 1
	}

	line, err := a.register.AddProduct(r.Context(), req.Product, req.Qty, req.Lots)
	a.writeLineResult(w, line, err)
}

type adjustRequest struct {
	Delta int `json:"delta"`
}

func (a *API) handleAdjustItem(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	line, err := a.register.AdjustLine(r.Context(), chi.URLParam(r, "productID"), req.Delta)
	a.writeLineResult(w, line, err)
}

type discountRequest struct {
	Discount decimal.Decimal `json:"discount"`
}

func (a *API) handleDiscountItem(w http.ResponseWriter, r *http.Request) {
	var req discountRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	line, err := a.register.SetDiscount(chi.URLParam(r, "productID"), req.Discount)
	a.writeLineResult(w, line, err)
}

func (a *API) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	if err := a.register.RemoveLine(chi.URLParam(r, "productID")); err != nil {
		a.fail(w, err)
		return
	}
	a.writeCart(w, http.StatusOK)
}

type lotsRequest struct {
	Lots []domain.Lot `json:"lots"`
}

func (a *API) handleLots(w http.ResponseWriter, r *http.Request) {
	var req lotsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.register.UpdateLots(r.Context(), chi.URLParam(r, "productID"), req.Lots)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type checkoutRequest struct {
	PaymentType domain.PaymentType `json:"payment_type"`
	Tendered    decimal.Decimal    `json:"tendered"`
}

// handleCheckout answers 200 for every outcome the register decided on;
// the UI reads the outcome field.
func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := a.register.Checkout(r.Context(), service.Payment{Type: req.PaymentType, Tendered: req.Tendered})
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleListHeld(w http.ResponseWriter, r *http.Request) {
	held, err := a.register.ListHeld(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"held_carts": held})
}

type holdRequest struct {
	Note string `json:"note"`
}

func (a *API) handleHold(w http.ResponseWriter, r *http.Request) {
	var req holdRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	held, err := a.register.Hold(r.Context(), req.Note)
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, held)
}

func (a *API) handleResumeHeld(w http.ResponseWriter, r *http.Request) {
	if _, err := a.register.Resume(r.Context(), chi.URLParam(r, "holdID")); err != nil {
		a.fail(w, err)
		return
	}
	a.writeCart(w, http.StatusOK)
}

func (a *API) handleDiscardHeld(w http.ResponseWriter, r *http.Request) {
	if err := a.register.DeleteHeld(r.Context(), chi.URLParam(r, "holdID")); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleOutbox(w http.ResponseWriter, r *http.Request) {
	items, err := a.register.QueuedSales(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleOutboxSync(w http.ResponseWriter, r *http.Request) {
	report, err := a.register.RetryQueued(r.Context())
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"skipped":   report.Skipped,
		"committed": len(report.Committed),
		"failed":    report.Failed,
		"rejected":  report.Rejected,
		"remaining": report.Remaining,
	})
}

func (a *API) handleRequeue(w http.ResponseWriter, r *http.Request) {
	item, err := a.register.RequeueRejected(r.Context(), chi.URLParam(r, "itemID"))
	if err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type discardRequest struct {
	ManagerPIN string `json:"manager_pin"`
}

func (a *API) handleDiscardQueued(w http.ResponseWriter, r *http.Request) {
	if !a.pinLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many manager PIN attempts"))
		return
	}
	var req discardRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.register.DiscardQueued(r.Context(), chi.URLParam(r, "itemID"), req.ManagerPIN); err != nil {
		a.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) writeCart(w http.ResponseWriter, status int) {
	writeJSON(w, status, cartView{
		Lines:  a.register.Lines(),
		Totals: a.register.Totals(),
	})
}

// writeLineResult reports a partial allocation as 409 with the line as it
// now stands so the UI can show what was actually added.
func (a *API) writeLineResult(w http.ResponseWriter, line domain.CartLine, err error) {
	var short *cart.ShortfallError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"line": line, "totals": a.register.Totals()})
	case errors.As(err, &short):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":       err.Error(),
			"line":        line,
			"unallocated": short.Unallocated,
			"totals":      a.register.Totals(),
		})
	default:
		a.fail(w, err)
	}
}

func (a *API) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= 500 {
		a.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrManagerPINRequired):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound), errors.Is(err, cart.ErrLineNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNoLotSnapshot), errors.Is(err, outbox.ErrNotRejected), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !a.checkCSRF(w, r) {
			return
		}

		startedAt := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(startedAt)),
		)
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

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

// writeError hides the cause of 5xx responses.
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
