// Package api provides the HTTP server for voxnote.
// It exposes the credit ledger and the credit-gated note operations.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/voxnote/voxnote/internal/app/credit"
	"github.com/voxnote/voxnote/internal/app/gate"
	"github.com/voxnote/voxnote/internal/domain"
	"github.com/voxnote/voxnote/internal/infra/completion"
	"github.com/voxnote/voxnote/internal/infra/observability"
)

// Completer runs the AI side of the note operations.
type Completer interface {
	Polish(ctx context.Context, text string) (completion.Result, error)
	Translate(ctx context.Context, text, targetLanguage string) (completion.Result, error)
	Complete(ctx context.Context, system, user string) (completion.Result, error)
}

// Server is the voxnote HTTP API server.
type Server struct {
	credits        *credit.Manager
	notes          Completer
	logger         *zap.Logger
	tracer         *observability.Tracer
	hub            *BalanceHub
	adminToken     string
	allowedOrigins []string
	metricsEnabled bool

	gatesOnce sync.Once
	noteGates *noteGates
}

// NewServer creates a new API server.
func NewServer(credits *credit.Manager, notes Completer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{credits: credits, notes: notes, logger: logger.Named("api")}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetAdminToken enables the admin routes (reset, clear). Empty disables them.
func (s *Server) SetAdminToken(token string) { s.adminToken = token }

// SetTracer records a span per gated note operation.
func (s *Server) SetTracer(t *observability.Tracer) { s.tracer = t }

// SetBalanceHub sets the live balance hub behind /events and /ws.
func (s *Server) SetBalanceHub(h *BalanceHub) { s.hub = h }

// SetAllowedOrigins lists the browser origins, besides the server's own,
// that may call the API. "*" allows any origin.
func (s *Server) SetAllowedOrigins(origins []string) { s.allowedOrigins = origins }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(traceIDFromRequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc: func(r *http.Request, _ string) bool { return s.originAllowed(r) },
		AllowedMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:  []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:  []string{"Content-Disposition"},
		MaxAge:          300,
	}))
	r.Use(s.rejectForeignOrigin)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"state":  s.credits.State().String(),
		})
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if s.tracer != nil {
		r.Get("/api/debug/spans", s.handleSpans)
	}

	r.Route("/api/credits", func(r chi.Router) {
		// Streams must not sit behind the request timeout.
		if s.hub != nil {
			s.hub.SetOriginCheck(s.originAllowed)
			r.Get("/events", s.hub.HandleSSE)
			r.Get("/ws", s.hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(middleware.AllowContentType("application/json"))

			r.With(s.refreshBalance).Get("/balance", s.handleBalance)
			r.With(s.refreshBalance).Get("/preview/{operation}", s.handlePreview)
			r.Get("/packages", s.handlePackages)
			r.Post("/purchase", s.handlePurchase)
			r.Get("/history", s.handleHistory)
			r.Post("/backup-codes", s.handleGenerateBackupCodes)
			r.Post("/backup-codes/redeem", s.handleRedeemBackupCode)
			r.Post("/recover", s.handleRecover)
			r.Get("/export", s.handleExport)

			r.With(s.requireAdmin).Post("/reset", s.handleReset)
			r.With(s.requireAdmin).Delete("/", s.handleClear)
		})
	})

	r.Route("/api/notes", func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Minute))
		r.Use(middleware.AllowContentType("application/json"))
		r.Use(s.refreshBalance)
		r.Post("/polish", s.handlePolish)
		r.Post("/translate", s.handleTranslate)
		r.Post("/complete", s.handleComplete)
	})

	return r
}

// traceIDFromRequestID makes the chi request ID the trace ID of every span
// recorded while serving the request.
func traceIDFromRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(observability.WithTraceID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// refreshBalance picks up balance writes made by other processes sharing
// the data directory, such as one-shot CLI commands.
func (s *Server) refreshBalance(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.credits.Refresh(r.Context()); err != nil && !errors.Is(err, domain.ErrNotInitialized) {
			s.logger.Warn("balance refresh failed", zap.Error(err))
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Origins ────────────────────────────────────────────────────────────────

// originAllowed accepts requests without an Origin header (CLI, curl),
// same-origin browser requests and the configured origins.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(s.allowedOrigins, "*") || slices.Contains(s.allowedOrigins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host != "" && strings.EqualFold(u.Host, r.Host)
}

// rejectForeignOrigin refuses state-changing requests from origins that
// CORS would not let read the response, since browsers still send them.
func (s *Server) rejectForeignOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
		default:
			if !s.originAllowed(r) {
				writeError(w, http.StatusForbidden, "cross-origin request rejected")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// GET /api/debug/spans?limit=
func (s *Server) handleSpans(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	spans := s.tracer.Spans(limit)
	if spans == nil {
		spans = []observability.Span{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"spans": spans})
}

// ─── Admin ──────────────────────────────────────────────────────────────────

// requireAdmin checks the bearer token against the configured admin token.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeError(w, http.StatusForbidden, "admin operations disabled")
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="voxnote"`)
			writeError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Error Mapping ──────────────────────────────────────────────────────────

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInsufficientCredits), errors.Is(err, domain.ErrPaymentFailed):
		return http.StatusPaymentRequired
	case errors.Is(err, domain.ErrDeclined), errors.Is(err, domain.ErrNotCorrupted):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnknownOperation), errors.Is(err, domain.ErrUnknownPackage):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrNegativeBalance),
		errors.Is(err, domain.ErrInvalidBackupCode),
		errors.Is(err, completion.ErrEmptyInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrBalanceCorrupted):
		return http.StatusLocked
	case errors.Is(err, domain.ErrNotInitialized),
		errors.Is(err, domain.ErrBalanceConflict),
		errors.Is(err, completion.ErrNotConfigured):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeDomainError maps err and writes it. An abort carries its preview.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}

	var abort *gate.AbortError
	if errors.As(err, &abort) {
		writeJSON(w, status, map[string]interface{}{
			"error": map[string]interface{}{
				"message": err.Error(),
				"type":    errorType(status),
			},
			"preview": abort.Preview,
		})
		return
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": err.Error(),
			"type":    errorType(status),
		},
	})
}

func errorType(status int) string {
	switch status {
	case http.StatusPaymentRequired:
		return "insufficient_credits"
	case http.StatusConflict:
		return "confirmation_required"
	case http.StatusLocked:
		return "balance_corrupted"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized, http.StatusForbidden:
		return "forbidden"
	}
	return "error"
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// decodeBody decodes a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    errorType(status),
		},
	})
}
