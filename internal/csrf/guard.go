// Package csrf implements double-submit CSRF tokens. A random secret is
// sent as an HttpOnly cookie and, joined with a salt, as a token the
// client echoes in a header or body field. Only the SHA-256 of the
// secret is stored.
package csrf

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"edge-guard/internal/audit"
	"edge-guard/internal/config"
	"edge-guard/internal/cookie"
	"edge-guard/internal/hashing"
	"edge-guard/internal/metrics"
	"edge-guard/internal/models"
	"edge-guard/internal/repository"
	"edge-guard/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type IPPolicy string

const (
	IPPolicyLog   IPPolicy = config.IPPolicyLog
	IPPolicyBlock IPPolicy = config.IPPolicyBlock
)

type Options struct {
	TokenTTL     time.Duration
	CookieName   string
	CookiePath   string
	CookieDomain string
	CookieSecure bool
	// ReplayProtection makes every token single-use.
	ReplayProtection bool
	IPPolicy         IPPolicy
	MaxBodyBytes     int64
}

func DefaultOptions() Options {
	return Options{
		TokenTTL:         24 * time.Hour,
		CookieName:       FieldName,
		CookiePath:       "/",
		CookieSecure:     true,
		ReplayProtection: true,
		IPPolicy:         IPPolicyLog,
		MaxBodyBytes:     1 << 20,
	}
}

func OptionsFromConfig(cfg config.CSRFConfig) Options {
	return Options{
		TokenTTL:         cfg.TokenTTL,
		CookieName:       cfg.CookieName,
		CookiePath:       cfg.CookiePath,
		CookieDomain:     cfg.CookieDomain,
		CookieSecure:     cfg.CookieSecure,
		ReplayProtection: cfg.ReplayProtection,
		IPPolicy:         IPPolicy(cfg.IPPolicy),
		MaxBodyBytes:     cfg.MaxBodyBytes,
	}
}

// IssuedToken is handed to the client once and never stored as is.
type IssuedToken struct {
	ID          string    `json:"-"`
	Token       string    `json:"csrf_token"`
	CookieValue string    `json:"-"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Submission is what a client presented on an unsafe request.
type Submission struct {
	UserID      string
	CookieToken string
	Token       string
	Meta        RequestMeta
}

type Guard struct {
	store     TokenStore
	opts      Options
	publisher audit.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time
}

func NewGuard(store TokenStore, opts Options, publisher audit.Publisher, m *metrics.Metrics, logger *zap.Logger) *Guard {
	defaults := DefaultOptions()
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = defaults.TokenTTL
	}
	if opts.CookieName == "" {
		opts.CookieName = defaults.CookieName
	}
	if opts.CookiePath == "" {
		opts.CookiePath = defaults.CookiePath
	}
	if opts.IPPolicy == "" {
		opts.IPPolicy = defaults.IPPolicy
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaults.MaxBodyBytes
	}
	if publisher == nil {
		publisher = audit.Nop()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Guard{
		store:     store,
		opts:      opts,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

func (g *Guard) Options() Options {
	return g.opts
}

// Issue removes the user's stale tokens, then creates and stores a new one.
func (g *Guard) Issue(ctx context.Context, userID string, meta RequestMeta) (*IssuedToken, error) {
	now := g.now()

	if removed, err := g.store.DeleteStale(ctx, userID, now); err != nil {
		g.metrics.StoreError("csrf")
		g.logger.Warn("failed to delete stale CSRF tokens",
			util.String("user_id", userID),
			util.ErrorField(err),
		)
	} else if removed > 0 {
		g.logger.Debug("deleted stale CSRF tokens",
			util.String("user_id", userID),
			util.Int("count", removed),
		)
	}

	cookieValue, token, err := newTokenPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate csrf token: %w", err)
	}

	record := &models.CSRFToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: hashing.HashToken(cookieValue),
		ExpiresAt: now.Add(g.opts.TokenTTL),
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
		CreatedAt: now,
	}
	if err := g.store.Insert(ctx, record); err != nil {
		g.metrics.StoreError("csrf")
		return nil, fmt.Errorf("failed to store csrf token: %w", err)
	}

	g.metrics.CSRFTokenIssued()
	g.publish(ctx, models.EventCSRFTokenIssued, userID, meta, "", nil)

	return &IssuedToken{
		ID:          record.ID,
		Token:       token,
		CookieValue: cookieValue,
		ExpiresAt:   record.ExpiresAt,
	}, nil
}

// Cookie builds the HttpOnly, SameSite=Strict cookie carrying the secret.
func (g *Guard) Cookie(t *IssuedToken) *http.Cookie {
	return &http.Cookie{
		Name:     g.opts.CookieName,
		Value:    t.CookieValue,
		Path:     g.opts.CookiePath,
		Domain:   g.opts.CookieDomain,
		MaxAge:   int(g.opts.TokenTTL / time.Second),
		HttpOnly: true,
		Secure:   g.opts.CookieSecure,
		SameSite: http.SameSiteStrictMode,
	}
}

// ValidateRequest reads the cookie and companion token from r and
// validates them for userID.
func (g *Guard) ValidateRequest(r *http.Request, userID string) error {
	cookieToken, _ := cookie.Get(r, g.opts.CookieName)
	sub := Submission{
		UserID:      userID,
		CookieToken: cookieToken,
		Meta:        MetaFromRequest(r),
	}
	if cookieToken != "" {
		sub.Token = submittedToken(r, g.opts.MaxBodyBytes)
	}
	return g.Validate(r.Context(), sub)
}

// Validate checks a submission and, with replay protection on, consumes
// the token. Rejections are *RejectionError values; anything else is an
// internal failure.
func (g *Guard) Validate(ctx context.Context, sub Submission) error {
	err := g.validate(ctx, sub)
	switch {
	case err == nil:
		g.metrics.CSRFValidation("valid")
	case IsRejection(err):
		g.metrics.CSRFValidation(RejectionCode(err))
		g.logger.Info("CSRF validation rejected",
			util.String("user_id", sub.UserID),
			util.String("reason", RejectionCode(err)),
			util.String("ip_address", sub.Meta.IP),
			util.String("request_id", sub.Meta.RequestID),
		)
		g.publish(ctx, models.EventCSRFRejected, sub.UserID, sub.Meta, err.Error(), map[string]string{
			"code": RejectionCode(err),
		})
	default:
		g.metrics.CSRFValidation("error")
		g.metrics.StoreError("csrf")
		g.logger.Error("CSRF validation failed",
			util.String("user_id", sub.UserID),
			util.ErrorField(err),
		)
	}
	return err
}

func (g *Guard) validate(ctx context.Context, sub Submission) error {
	if sub.CookieToken == "" {
		return ErrCookieMissing
	}
	if sub.Token == "" {
		return ErrTokenMissing
	}

	base, err := splitToken(sub.Token)
	if err != nil {
		return err
	}
	if !hashing.Equal(base, sub.CookieToken) {
		return ErrTokenMismatch
	}

	tokenHash := hashing.HashToken(sub.CookieToken)
	record, err := g.store.FindByHash(ctx, sub.UserID, tokenHash)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrTokenNotFound
		}
		return fmt.Errorf("failed to look up csrf token: %w", err)
	}

	now := g.now()
	if record.Expired(now) {
		return ErrTokenNotFound
	}
	if g.opts.ReplayProtection && record.Used {
		return ErrTokenAlreadyUsed
	}

	if record.IPAddress != "" && sub.Meta.IP != "" && record.IPAddress != sub.Meta.IP {
		g.logger.Warn("CSRF token presented from a different IP address",
			util.String("user_id", sub.UserID),
			util.String("issued_ip", record.IPAddress),
			util.String("request_ip", sub.Meta.IP),
			util.String("policy", string(g.opts.IPPolicy)),
		)
		g.publish(ctx, models.EventCSRFIPMismatch, sub.UserID, sub.Meta, "", map[string]string{
			"issued_ip": record.IPAddress,
			"policy":    string(g.opts.IPPolicy),
		})
		if g.opts.IPPolicy == IPPolicyBlock {
			return ErrIPMismatch
		}
	}

	if g.opts.ReplayProtection {
		if err := g.store.MarkUsed(ctx, sub.UserID, tokenHash, now); err != nil {
			switch {
			case errors.Is(err, repository.ErrAlreadyUsed):
				return ErrTokenAlreadyUsed
			case errors.Is(err, repository.ErrNotFound):
				return ErrTokenNotFound
			default:
				return fmt.Errorf("failed to mark csrf token used: %w", err)
			}
		}
	}

	return nil
}

func (g *Guard) publish(ctx context.Context, eventType, userID string, meta RequestMeta, reason string, details map[string]string) {
	g.publisher.Publish(ctx, &models.SecurityEvent{
		EventType: eventType,
		UserID:    userID,
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
		RequestID: meta.RequestID,
		Reason:    reason,
		Details:   details,
	})
}
