package handler

import (
	"context"
	"net/http"
	"time"

	"edge-guard/internal/apierror"
	"edge-guard/internal/audit"
	"edge-guard/internal/config"
	"edge-guard/internal/csrf"
	"edge-guard/internal/metrics"
	"edge-guard/internal/middleware"
	"edge-guard/internal/ratelimit"
	"edge-guard/internal/util"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

type RouterConfig struct {
	CSRF         *CSRFHandler
	Limiter      *ratelimit.Service
	Publisher    audit.Publisher
	Metrics      *metrics.Metrics
	Health       func(ctx context.Context) error
	CORS         config.CORSConfig
	RequireHTTPS bool
	Timeout      time.Duration
	Redact       bool
}

// requireHTTPS rejects any request that wasn't made over TLS, directly or
// through a terminating proxy.
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
			apierror.ErrHTTPSRequired.WriteJSON(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter creates and configures the Chi router with all middleware and routes
func NewRouter(cfg RouterConfig, logger *zap.Logger) chi.Router {
	router := chi.NewRouter()

	if cfg.RequireHTTPS {
		router.Use(requireHTTPS)
	}

	router.Use(chimw.RequestID)
	router.Use(LoggerMiddleware(logger))
	router.Use(chimw.Recoverer)
	if cfg.Timeout > 0 {
		router.Use(chimw.Timeout(cfg.Timeout))
	}

	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", csrf.HeaderName},
		ExposedHeaders:   []string{csrf.HeaderName, ratelimit.HeaderLimit, ratelimit.HeaderRemaining, ratelimit.HeaderReset, ratelimit.HeaderRetryAfter},
		AllowCredentials: true,
		MaxAge:           cfg.CORS.MaxAge,
	}))

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if cfg.Health != nil {
			if err := cfg.Health(r.Context()); err != nil {
				logger.Warn("Health check failed", util.ErrorField(err))
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unhealthy","service":"edge-guard"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","service":"edge-guard"}`))
	})

	router.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.IPRateLimit(cfg.Limiter, cfg.Publisher, cfg.Redact))
		cfg.CSRF.RegisterRoutes(r)
	})

	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apierror.ErrNotFound.WriteJSON(w)
	})

	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apierror.ErrMethodNotAllowed.WriteJSON(w)
	})

	return router
}

// LoggerMiddleware creates a middleware that logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("client_ip", ratelimit.GetClientIP(r)),
					util.String("request_id", chimw.GetReqID(r.Context())),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", util.SanitizeHeaderValue(r.UserAgent(), 256)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
