// Package middleware authenticates API requests, applies the api-general
// rate limit and validates CSRF tokens on unsafe methods.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"edge-guard/internal/apierror"
	"edge-guard/internal/audit"
	"edge-guard/internal/csrf"
	"edge-guard/internal/identity"
	"edge-guard/internal/models"
	"edge-guard/internal/ratelimit"
	"edge-guard/internal/util"

	"go.uber.org/zap"
)

type contextKey struct{}

// AuthContext is what a handler behind the middleware gets to see.
type AuthContext struct {
	Identity  *identity.Identity
	RateLimit *ratelimit.Result
}

type Options struct {
	RequireCSRF bool
}

type AuthMiddleware struct {
	resolver  identity.Resolver
	limiter   *ratelimit.Service
	guard     *csrf.Guard
	publisher audit.Publisher
	logger    *zap.Logger
	redact    bool
}

// NewAuthMiddleware wires the collaborators. With redact set, internal
// error details never reach the client.
func NewAuthMiddleware(resolver identity.Resolver, limiter *ratelimit.Service, guard *csrf.Guard, publisher audit.Publisher, logger *zap.Logger, redact bool) *AuthMiddleware {
	if publisher == nil {
		publisher = audit.Nop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthMiddleware{
		resolver:  resolver,
		limiter:   limiter,
		guard:     guard,
		publisher: publisher,
		logger:    logger,
		redact:    redact,
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// AuthenticateAndValidateCSRF runs bearer authentication, the api-general
// rate limit and, for unsafe methods when opts.RequireCSRF is set, CSRF
// validation. Every failure, panics included, comes back as an
// *apierror.Error ready to be written.
func (m *AuthMiddleware) AuthenticateAndValidateCSRF(r *http.Request, opts Options) (ac *AuthContext, apiErr *apierror.Error) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("panic during request authentication",
				util.Any("panic", rec),
				util.String("path", r.URL.Path),
			)
			ac, apiErr = nil, apierror.Internal(fmt.Errorf("panic: %v", rec), m.redact)
		}
	}()

	ctx := r.Context()

	token, err := identity.BearerToken(r)
	if err != nil {
		return nil, apierror.Unauthorized("Missing or invalid authorization header", err)
	}

	id, err := m.resolver.Resolve(ctx, token)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidToken) {
			m.logger.Debug("bearer token rejected", util.ErrorField(err))
			return nil, apierror.Unauthorized("Invalid or expired token", err)
		}
		m.logger.Error("identity resolution failed", util.ErrorField(err))
		return nil, apierror.Internal(err, m.redact)
	}

	result, err := m.limiter.CheckAPIRateLimit(ctx, id.ID)
	if err != nil {
		return nil, apierror.Internal(err, m.redact)
	}
	headers := ratelimit.CreateHeaders(result)
	if !result.Allowed {
		m.publishRateLimited(ctx, r, id.ID, ratelimit.BucketAPI, result)
		return nil, apierror.RateLimited(result.RetryAfter, headers)
	}

	if opts.RequireCSRF && !isSafeMethod(r.Method) {
		if err := m.guard.ValidateRequest(r, id.ID); err != nil {
			var e *apierror.Error
			if csrf.IsRejection(err) {
				e = apierror.CSRFRejected(err)
			} else {
				e = apierror.Internal(err, m.redact)
			}
			e.Headers = headers
			return nil, e
		}
	}

	return &AuthContext{Identity: id, RateLimit: result}, nil
}

// Handler is the chi form of AuthenticateAndValidateCSRF. The auth
// context is stored on the request context and the rate-limit headers
// are set on the response.
func (m *AuthMiddleware) Handler(opts Options) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac, apiErr := m.AuthenticateAndValidateCSRF(r, opts)
			if apiErr != nil {
				apiErr.WriteJSON(w)
				return
			}
			ratelimit.ApplyHeaders(w.Header(), ac.RateLimit)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, ac)))
		})
	}
}

func FromContext(ctx context.Context) (*AuthContext, bool) {
	ac, ok := ctx.Value(contextKey{}).(*AuthContext)
	return ac, ok
}

func (m *AuthMiddleware) publishRateLimited(ctx context.Context, r *http.Request, userID, bucket string, result *ratelimit.Result) {
	meta := csrf.MetaFromRequest(r)
	m.publisher.Publish(ctx, &models.SecurityEvent{
		EventType: models.EventRateLimited,
		UserID:    userID,
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
		RequestID: meta.RequestID,
		Reason:    "rate limit exceeded",
		Details: map[string]string{
			"bucket":      bucket,
			"limit":       fmt.Sprint(result.Limit),
			"retry_after": fmt.Sprint(result.RetryAfter),
		},
	})
}
