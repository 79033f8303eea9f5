package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"edge-guard/internal/apierror"
	"edge-guard/internal/audit"
	"edge-guard/internal/csrf"
	"edge-guard/internal/middleware"
	"edge-guard/internal/models"
	"edge-guard/internal/ratelimit"
	"edge-guard/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type CSRFHandler struct {
	guard     *csrf.Guard
	limiter   *ratelimit.Service
	auth      *middleware.AuthMiddleware
	publisher audit.Publisher
	logger    *zap.Logger
	redact    bool
}

func NewCSRFHandler(guard *csrf.Guard, limiter *ratelimit.Service, auth *middleware.AuthMiddleware, publisher audit.Publisher, logger *zap.Logger, redact bool) *CSRFHandler {
	if publisher == nil {
		publisher = audit.Nop()
	}
	return &CSRFHandler{
		guard:     guard,
		limiter:   limiter,
		auth:      auth,
		publisher: publisher,
		logger:    logger,
		redact:    redact,
	}
}

// RegisterRoutes mounts the token endpoints under the caller's router.
func (h *CSRFHandler) RegisterRoutes(router chi.Router) {
	router.Group(func(r chi.Router) {
		r.Use(h.auth.Handler(middleware.Options{}))
		r.Get("/csrf-token", h.IssueToken)
		r.Get("/me", h.Me)
	})

	router.Group(func(r chi.Router) {
		r.Use(h.auth.Handler(middleware.Options{RequireCSRF: true}))
		r.Post("/csrf-token", h.ValidateToken)
	})
}

// IssueToken returns a fresh token in the body and X-CSRF-Token header
// and sets the matching cookie. Issuance counts against the user quota.
func (h *CSRFHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ac, _ := middleware.FromContext(ctx)
	userID := ac.Identity.ID

	result, err := h.limiter.CheckUserRateLimit(ctx, userID)
	if err != nil {
		apierror.Internal(err, h.redact).WriteJSON(w)
		return
	}
	if !result.Allowed {
		meta := csrf.MetaFromRequest(r)
		h.publisher.Publish(ctx, &models.SecurityEvent{
			EventType: models.EventRateLimited,
			UserID:    userID,
			IPAddress: meta.IP,
			UserAgent: meta.UserAgent,
			RequestID: meta.RequestID,
			Reason:    "rate limit exceeded",
			Details:   map[string]string{"bucket": ratelimit.BucketUser},
		})
		apierror.RateLimited(result.RetryAfter, ratelimit.CreateHeaders(result)).WriteJSON(w)
		return
	}
	ratelimit.ApplyHeaders(w.Header(), result)

	tok, err := h.guard.Issue(ctx, userID, csrf.MetaFromRequest(r))
	if err != nil {
		h.logger.Error("failed to issue CSRF token",
			util.String("user_id", userID),
			util.ErrorField(err))
		apierror.Internal(err, h.redact).WriteJSON(w)
		return
	}

	http.SetCookie(w, h.guard.Cookie(tok))
	w.Header().Set(csrf.HeaderName, tok.Token)
	w.Header().Set("Cache-Control", "no-store")
	h.respondWithJSON(w, http.StatusOK, tok)
}

// ValidateToken only runs after the middleware accepted the token.
func (h *CSRFHandler) ValidateToken(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

type meResponse struct {
	User      interface{}       `json:"user"`
	RateLimit *ratelimit.Result `json:"rateLimit"`
	CheckedAt time.Time         `json:"checkedAt"`
}

func (h *CSRFHandler) Me(w http.ResponseWriter, r *http.Request) {
	ac, _ := middleware.FromContext(r.Context())
	h.respondWithJSON(w, http.StatusOK, meResponse{
		User:      ac.Identity,
		RateLimit: ac.RateLimit,
		CheckedAt: time.Now().UTC(),
	})
}

func (h *CSRFHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}
