package middleware

import (
	"fmt"
	"net/http"

	"edge-guard/internal/apierror"
	"edge-guard/internal/audit"
	"edge-guard/internal/csrf"
	"edge-guard/internal/models"
	"edge-guard/internal/ratelimit"
)

// IPRateLimit applies the anonymous per-IP quota before any
// authentication work is done.
func IPRateLimit(limiter *ratelimit.Service, publisher audit.Publisher, redact bool) func(http.Handler) http.Handler {
	if publisher == nil {
		publisher = audit.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ratelimit.GetClientIP(r)
			result, err := limiter.CheckIPRateLimit(r.Context(), ip)
			if err != nil {
				apierror.Internal(err, redact).WriteJSON(w)
				return
			}
			if !result.Allowed {
				meta := csrf.MetaFromRequest(r)
				publisher.Publish(r.Context(), &models.SecurityEvent{
					EventType: models.EventRateLimited,
					IPAddress: ip,
					UserAgent: meta.UserAgent,
					RequestID: meta.RequestID,
					Reason:    "rate limit exceeded",
					Details: map[string]string{
						"bucket":      ratelimit.BucketIP,
						"retry_after": fmt.Sprint(result.RetryAfter),
					},
				})
				apierror.RateLimited(result.RetryAfter, ratelimit.CreateHeaders(result)).WriteJSON(w)
				return
			}
			ratelimit.ApplyHeaders(w.Header(), result)
			next.ServeHTTP(w, r)
		})
	}
}
