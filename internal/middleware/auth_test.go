package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"edge-guard/internal/csrf"
	"edge-guard/internal/identity"
	"edge-guard/internal/models"
	"edge-guard/internal/ratelimit"
	"edge-guard/internal/repository/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resolverFunc func(ctx context.Context, token string) (*identity.Identity, error)

func (f resolverFunc) Resolve(ctx context.Context, token string) (*identity.Identity, error) {
	return f(ctx, token)
}

var staticResolver = resolverFunc(func(ctx context.Context, token string) (*identity.Identity, error) {
	if token != "good-token" {
		return nil, identity.ErrInvalidToken
	}
	return &identity.Identity{ID: "user-1", Email: "user@example.com"}, nil
})

type recordingPublisher struct {
	mu     sync.Mutex
	events []*models.SecurityEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, e *models.SecurityEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

type brokenStore struct{}

func (brokenStore) Increment(ctx context.Context, identifier, bucket string, window time.Duration) (*models.RateLimitRecord, error) {
	return nil, errors.New("connection refused")
}

type fixture struct {
	mw        *AuthMiddleware
	guard     *csrf.Guard
	publisher *recordingPublisher
}

func newFixture(t *testing.T, resolver identity.Resolver, store ratelimit.Store, apiMax int) *fixture {
	t.Helper()
	if store == nil {
		s := memory.NewRateLimitStore(time.Minute)
		t.Cleanup(func() { s.Close() })
		store = s
	}
	policy := ratelimit.DefaultPolicy()
	if apiMax > 0 {
		policy.API.MaxRequests = apiMax
	}
	pub := &recordingPublisher{}
	guard := csrf.NewGuard(memory.NewCSRFTokenStore(), csrf.DefaultOptions(), pub, nil, nil)
	return &fixture{
		mw:        NewAuthMiddleware(resolver, ratelimit.NewService(store, policy, nil, nil), guard, pub, nil, true),
		guard:     guard,
		publisher: pub,
	}
}

func authedRequest(method string) *http.Request {
	req := httptest.NewRequest(method, "/api/v1/journal", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	return req
}

func withCSRF(t *testing.T, f *fixture, req *http.Request) {
	t.Helper()
	tok, err := f.guard.Issue(context.Background(), "user-1", csrf.RequestMeta{IP: ratelimit.LoopbackIP})
	require.NoError(t, err)
	req.AddCookie(f.guard.Cookie(tok))
	req.Header.Set(csrf.HeaderName, tok.Token)
}

func TestAuthenticate_Unauthorized(t *testing.T) {
	f := newFixture(t, staticResolver, nil, 0)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, apiErr := f.mw.AuthenticateAndValidateCSRF(req, Options{})
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.ErrorIs(t, apiErr, identity.ErrMissingToken)

	req.Header.Set("Authorization", "Bearer forged")
	_, apiErr = f.mw.AuthenticateAndValidateCSRF(req, Options{})
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.Equal(t, "Invalid or expired token", apiErr.Message)
}

func TestAuthenticate_ResolverFailureIsInternal(t *testing.T) {
	outage := resolverFunc(func(ctx context.Context, token string) (*identity.Identity, error) {
		return nil, errors.New("auth provider timeout")
	})
	f := newFixture(t, outage, nil, 0)

	_, apiErr := f.mw.AuthenticateAndValidateCSRF(authedRequest(http.MethodGet), Options{})
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Equal(t, "Internal server error", apiErr.Message)
}

func TestAuthenticate_PanicIsInternal(t *testing.T) {
	boom := resolverFunc(func(ctx context.Context, token string) (*identity.Identity, error) {
		panic("nil map")
	})
	f := newFixture(t, boom, nil, 0)

	ac, apiErr := f.mw.AuthenticateAndValidateCSRF(authedRequest(http.MethodGet), Options{})
	assert.Nil(t, ac)
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
}

func TestAuthenticate_RateLimited(t *testing.T) {
	f := newFixture(t, staticResolver, nil, 2)

	for i := 0; i < 2; i++ {
		ac, apiErr := f.mw.AuthenticateAndValidateCSRF(authedRequest(http.MethodGet), Options{})
		require.Nil(t, apiErr)
		assert.Equal(t, 1-i, ac.RateLimit.Remaining)
	}

	_, apiErr := f.mw.AuthenticateAndValidateCSRF(authedRequest(http.MethodGet), Options{})
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Positive(t, apiErr.RetryAfter)
	assert.Equal(t, "0", apiErr.Headers.Get(ratelimit.HeaderRemaining))
	assert.NotEmpty(t, apiErr.Headers.Get(ratelimit.HeaderRetryAfter))
	assert.Equal(t, 1, f.publisher.count(models.EventRateLimited))
}

func TestAuthenticate_StoreFailureIsInternal(t *testing.T) {
	f := newFixture(t, staticResolver, brokenStore{}, 0)

	_, apiErr := f.mw.AuthenticateAndValidateCSRF(authedRequest(http.MethodGet), Options{RequireCSRF: true})
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.ErrorIs(t, apiErr, ratelimit.ErrUnavailable)
}

func TestAuthenticate_SafeMethodsSkipCSRF(t *testing.T) {
	f := newFixture(t, staticResolver, nil, 0)

	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		ac, apiErr := f.mw.AuthenticateAndValidateCSRF(authedRequest(method), Options{RequireCSRF: true})
		require.Nil(t, apiErr, method)
		assert.Equal(t, "user-1", ac.Identity.ID)
	}
}

func TestAuthenticate_CSRFNotRequired(t *testing.T) {
	f := newFixture(t, staticResolver, nil, 0)

	_, apiErr := f.mw.AuthenticateAndValidateCSRF(authedRequest(http.MethodPost), Options{})
	assert.Nil(t, apiErr)
}

func TestAuthenticate_CSRFRejected(t *testing.T) {
	f := newFixture(t, staticResolver, nil, 0)

	_, apiErr := f.mw.AuthenticateAndValidateCSRF(authedRequest(http.MethodPost), Options{RequireCSRF: true})
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, csrf.ErrCookieMissing.Message, apiErr.Message)
	require.NotNil(t, apiErr.Valid)
	assert.False(t, *apiErr.Valid)
	assert.NotEmpty(t, apiErr.Headers.Get(ratelimit.HeaderLimit))
}

func TestAuthenticate_CSRFValidThenReplayed(t *testing.T) {
	f := newFixture(t, staticResolver, nil, 0)

	req := authedRequest(http.MethodDelete)
	withCSRF(t, f, req)

	ac, apiErr := f.mw.AuthenticateAndValidateCSRF(req, Options{RequireCSRF: true})
	require.Nil(t, apiErr)
	assert.Equal(t, "user-1", ac.Identity.ID)

	_, apiErr = f.mw.AuthenticateAndValidateCSRF(req, Options{RequireCSRF: true})
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, csrf.ErrTokenAlreadyUsed.Message, apiErr.Message)
}

func TestHandler(t *testing.T) {
	f := newFixture(t, staticResolver, nil, 0)

	var seen *AuthContext
	h := f.mw.Handler(Options{RequireCSRF: true})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authedRequest(http.MethodGet))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "user-1", seen.Identity.ID)
	assert.Equal(t, "100", rec.Header().Get(ratelimit.HeaderLimit))
	assert.Equal(t, "99", rec.Header().Get(ratelimit.HeaderRemaining))
	assert.Empty(t, rec.Header().Get(ratelimit.HeaderRetryAfter))

	rec = httptest.NewRecorder()
	req := authedRequest(http.MethodPost)
	req.Header.Set(csrf.HeaderName, strings.Repeat("a", 64)+"."+strings.Repeat("b", 32))
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, map[string]interface{}{"error": csrf.ErrCookieMissing.Message, "valid": false}, body)
}

func TestFromContext_Missing(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)
}
