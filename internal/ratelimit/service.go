package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"edge-guard/internal/config"
	"edge-guard/internal/metrics"
	"edge-guard/internal/util"

	"go.uber.org/zap"
)

const (
	BucketAPI  = "api-general"
	BucketUser = "user"
	BucketIP   = "ip"
)

// ErrUnavailable wraps store failures surfaced under the fail-closed policy.
var ErrUnavailable = errors.New("rate limit store unavailable")

// Policy holds the default quotas and the store failure policy.
type Policy struct {
	API      Config
	User     Config
	IP       Config
	FailOpen bool
}

func DefaultPolicy() Policy {
	return Policy{
		API:  Config{Bucket: BucketAPI, MaxRequests: 100, Window: time.Hour},
		User: Config{Bucket: BucketUser, MaxRequests: 100, Window: 15 * time.Minute},
		IP:   Config{Bucket: BucketIP, MaxRequests: 50, Window: 15 * time.Minute},
	}
}

func PolicyFromConfig(cfg config.RateLimitConfig) Policy {
	return Policy{
		API:      Config{Bucket: BucketAPI, MaxRequests: cfg.API.MaxRequests, Window: cfg.API.Window},
		User:     Config{Bucket: BucketUser, MaxRequests: cfg.User.MaxRequests, Window: cfg.User.Window},
		IP:       Config{Bucket: BucketIP, MaxRequests: cfg.IP.MaxRequests, Window: cfg.IP.Window},
		FailOpen: cfg.FailurePolicy == config.FailOpen,
	}
}

// Service runs limit checks against one store with the configured
// defaults.
type Service struct {
	store   Store
	policy  Policy
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewService(store Store, policy Policy, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:   store,
		policy:  policy,
		metrics: m,
		logger:  logger,
	}
}

// Check applies cfg to identifier. Store errors either surface wrapped in
// ErrUnavailable or, under the fail-open policy, allow the request.
func (s *Service) Check(ctx context.Context, identifier string, cfg Config) (*Result, error) {
	limiter := NewRateLimiter(s.store, identifier, cfg)
	result, err := limiter.CheckLimit(ctx)
	if err != nil {
		if errors.Is(err, ErrInvalidConfig) {
			return nil, err
		}
		s.metrics.StoreError("ratelimit")
		if s.policy.FailOpen {
			s.logger.Warn("rate limit store failed, allowing request",
				util.String("bucket", cfg.Bucket),
				util.ErrorField(err),
			)
			return &Result{
				Allowed:   true,
				Limit:     cfg.MaxRequests,
				Remaining: cfg.MaxRequests,
				ResetAt:   time.Now().Add(cfg.Window),
			}, nil
		}
		s.logger.Error("rate limit store failed",
			util.String("bucket", cfg.Bucket),
			util.ErrorField(err),
		)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	s.metrics.RateLimitDecision(cfg.Bucket, result.Allowed)
	if !result.Allowed {
		s.logger.Info("rate limit exceeded",
			util.String("bucket", cfg.Bucket),
			util.String("identifier", identifier),
			util.Int("retry_after", result.RetryAfter),
		)
	}
	return result, nil
}

// CheckUserRateLimit applies the per-user quota.
func (s *Service) CheckUserRateLimit(ctx context.Context, userID string) (*Result, error) {
	return s.Check(ctx, userID, s.policy.User)
}

// CheckIPRateLimit applies the stricter anonymous per-IP quota.
func (s *Service) CheckIPRateLimit(ctx context.Context, ip string) (*Result, error) {
	return s.Check(ctx, ip, s.policy.IP)
}

// CheckAPIRateLimit applies the api-general quota used by the auth
// middleware.
func (s *Service) CheckAPIRateLimit(ctx context.Context, userID string) (*Result, error) {
	return s.Check(ctx, userID, s.policy.API)
}

func (s *Service) Policy() Policy {
	return s.policy
}
