package csrf

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"edge-guard/internal/hashing"
	"edge-guard/internal/metrics"
	"edge-guard/internal/models"
	"edge-guard/internal/repository/memory"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*models.SecurityEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, e *models.SecurityEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType)
	}
	return out
}

type failingStore struct {
	*memory.CSRFTokenStore
	findErr   error
	deleteErr error
	insertErr error
}

func (s *failingStore) DeleteStale(ctx context.Context, userID string, now time.Time) (int, error) {
	if s.deleteErr != nil {
		return 0, s.deleteErr
	}
	return s.CSRFTokenStore.DeleteStale(ctx, userID, now)
}

func (s *failingStore) Insert(ctx context.Context, token *models.CSRFToken) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	return s.CSRFTokenStore.Insert(ctx, token)
}

func (s *failingStore) FindByHash(ctx context.Context, userID, tokenHash string) (*models.CSRFToken, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.CSRFTokenStore.FindByHash(ctx, userID, tokenHash)
}

type testGuard struct {
	*Guard
	store     *memory.CSRFTokenStore
	publisher *recordingPublisher
	metrics   *metrics.Metrics
}

func newTestGuard(t *testing.T, mutate func(*Options)) *testGuard {
	t.Helper()
	opts := DefaultOptions()
	if mutate != nil {
		mutate(&opts)
	}
	store := memory.NewCSRFTokenStore()
	pub := &recordingPublisher{}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	return &testGuard{
		Guard:     NewGuard(store, opts, pub, m, zap.NewNop()),
		store:     store,
		publisher: pub,
		metrics:   m,
	}
}

var meta = RequestMeta{IP: "203.0.113.7", UserAgent: "test-agent"}

func issue(t *testing.T, g *testGuard, userID string) *IssuedToken {
	t.Helper()
	tok, err := g.Issue(context.Background(), userID, meta)
	require.NoError(t, err)
	return tok
}

func submission(userID string, tok *IssuedToken) Submission {
	return Submission{UserID: userID, CookieToken: tok.CookieValue, Token: tok.Token, Meta: meta}
}

func TestIssue(t *testing.T) {
	g := newTestGuard(t, nil)
	tok := issue(t, g, "user-1")

	base, salt, ok := strings.Cut(tok.Token, ".")
	require.True(t, ok)
	assert.Len(t, tok.CookieValue, 64)
	assert.Equal(t, tok.CookieValue, base)
	assert.Len(t, salt, 32)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), tok.ExpiresAt, 5*time.Second)

	stored, err := g.store.FindByHash(context.Background(), "user-1", hashing.HashToken(tok.CookieValue))
	require.NoError(t, err)
	assert.Equal(t, tok.ID, stored.ID)
	assert.Equal(t, "203.0.113.7", stored.IPAddress)
	assert.Equal(t, "test-agent", stored.UserAgent)
	assert.False(t, stored.Used)
	assert.NotEqual(t, tok.CookieValue, stored.TokenHash)

	assert.Equal(t, []string{models.EventCSRFTokenIssued}, g.publisher.types())
	assert.Equal(t, 1.0, testutil.ToFloat64(g.metrics.CSRFTokensIssuedTotal))
}

func TestIssue_TokensAreUnique(t *testing.T) {
	g := newTestGuard(t, nil)
	a := issue(t, g, "user-1")
	b := issue(t, g, "user-1")
	assert.NotEqual(t, a.CookieValue, b.CookieValue)
	assert.NotEqual(t, a.Token, b.Token)
	assert.Equal(t, 2, g.store.Len("user-1"))
}

func TestIssue_DeletesStaleTokens(t *testing.T) {
	g := newTestGuard(t, nil)
	used := issue(t, g, "user-1")
	require.NoError(t, g.Validate(context.Background(), submission("user-1", used)))

	start := time.Now()
	g.now = func() time.Time { return start }
	issue(t, g, "user-1")
	g.now = func() time.Time { return start.Add(25 * time.Hour) }
	issue(t, g, "user-1")

	// the used token and the token that expired are gone
	assert.Equal(t, 1, g.store.Len("user-1"))
}

func TestIssue_StoreFailures(t *testing.T) {
	t.Run("cleanup failure does not block issuance", func(t *testing.T) {
		store := &failingStore{CSRFTokenStore: memory.NewCSRFTokenStore(), deleteErr: errors.New("timeout")}
		g := NewGuard(store, DefaultOptions(), nil, nil, nil)

		_, err := g.Issue(context.Background(), "user-1", meta)
		assert.NoError(t, err)
	})

	t.Run("insert failure is returned", func(t *testing.T) {
		insertErr := errors.New("disk full")
		store := &failingStore{CSRFTokenStore: memory.NewCSRFTokenStore(), insertErr: insertErr}
		g := NewGuard(store, DefaultOptions(), nil, nil, nil)

		_, err := g.Issue(context.Background(), "user-1", meta)
		assert.ErrorIs(t, err, insertErr)
		assert.False(t, IsRejection(err))
	})

	t.Run("random source failure is returned", func(t *testing.T) {
		orig := hashing.Reader
		hashing.Reader = bytes.NewReader(nil)
		defer func() { hashing.Reader = orig }()

		g := newTestGuard(t, nil)
		_, err := g.Issue(context.Background(), "user-1", meta)
		assert.ErrorIs(t, err, hashing.ErrRandomSource)
	})
}

func TestCookie(t *testing.T) {
	g := newTestGuard(t, func(o *Options) { o.CookieDomain = "example.com" })
	tok := issue(t, g, "user-1")

	c := g.Cookie(tok)
	assert.Equal(t, "csrf_token", c.Name)
	assert.Equal(t, tok.CookieValue, c.Value)
	assert.Equal(t, "/", c.Path)
	assert.Equal(t, "example.com", c.Domain)
	assert.Equal(t, 86400, c.MaxAge)
	assert.True(t, c.HttpOnly)
	assert.True(t, c.Secure)
	assert.Equal(t, http.SameSiteStrictMode, c.SameSite)

	header := c.String()
	assert.Contains(t, header, "csrf_token="+tok.CookieValue)
	assert.Contains(t, header, "HttpOnly")
	assert.Contains(t, header, "Secure")
	assert.Contains(t, header, "SameSite=Strict")
	assert.Contains(t, header, "Max-Age=86400")
	assert.Contains(t, header, "Path=/")
	assert.Contains(t, header, "Domain=example.com")
}

func TestCookie_Insecure(t *testing.T) {
	g := newTestGuard(t, func(o *Options) { o.CookieSecure = false })
	c := g.Cookie(issue(t, g, "user-1"))
	assert.False(t, c.Secure)
	assert.NotContains(t, c.String(), "Secure")
}

func TestValidate_RoundTrip(t *testing.T) {
	g := newTestGuard(t, nil)
	tok := issue(t, g, "user-1")

	require.NoError(t, g.Validate(context.Background(), submission("user-1", tok)))
	assert.Equal(t, 1.0, testutil.ToFloat64(g.metrics.CSRFValidationsTotal.WithLabelValues("valid")))
}

func TestValidate_Replay(t *testing.T) {
	g := newTestGuard(t, nil)
	tok := issue(t, g, "user-1")

	require.NoError(t, g.Validate(context.Background(), submission("user-1", tok)))
	err := g.Validate(context.Background(), submission("user-1", tok))
	assert.ErrorIs(t, err, ErrTokenAlreadyUsed)
	assert.Equal(t, "CSRF token already used", err.Error())
}

func TestValidate_ReplayProtectionDisabled(t *testing.T) {
	g := newTestGuard(t, func(o *Options) { o.ReplayProtection = false })
	tok := issue(t, g, "user-1")

	for i := 0; i < 3; i++ {
		require.NoError(t, g.Validate(context.Background(), submission("user-1", tok)))
	}
	stored, err := g.store.FindByHash(context.Background(), "user-1", hashing.HashToken(tok.CookieValue))
	require.NoError(t, err)
	assert.False(t, stored.Used)
}

func TestValidate_ConcurrentReplayHasOneWinner(t *testing.T) {
	g := newTestGuard(t, nil)
	tok := issue(t, g, "user-1")

	var ok, used int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch err := g.Validate(context.Background(), submission("user-1", tok)); {
			case err == nil:
				atomic.AddInt64(&ok, 1)
			case errors.Is(err, ErrTokenAlreadyUsed):
				atomic.AddInt64(&used, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), ok)
	assert.Equal(t, int64(19), used)
}

func TestValidate_Rejections(t *testing.T) {
	g := newTestGuard(t, nil)
	tok := issue(t, g, "user-1")
	other := issue(t, g, "user-1")

	tamperedBase := strings.Repeat("a", 64) + ".0123456789abcdef"
	swapped := other.CookieValue + tok.Token[64:]

	tests := []struct {
		name string
		sub  Submission
		want error
	}{
		{"cookie missing", Submission{UserID: "user-1", Token: tok.Token}, ErrCookieMissing},
		{"token missing", Submission{UserID: "user-1", CookieToken: tok.CookieValue}, ErrTokenMissing},
		{"no separator", Submission{UserID: "user-1", CookieToken: tok.CookieValue, Token: tok.CookieValue + "0123"}, ErrTokenFormat},
		{"too short", Submission{UserID: "user-1", CookieToken: tok.CookieValue, Token: "abc.def"}, ErrTokenFormat},
		{"empty salt", Submission{UserID: "user-1", CookieToken: tok.CookieValue, Token: tok.CookieValue + "."}, ErrTokenFormat},
		{"tampered base", Submission{UserID: "user-1", CookieToken: tok.CookieValue, Token: tamperedBase}, ErrTokenMismatch},
		{"token from another pair", Submission{UserID: "user-1", CookieToken: tok.CookieValue, Token: swapped}, ErrTokenMismatch},
		{"other user", Submission{UserID: "user-2", CookieToken: tok.CookieValue, Token: tok.Token}, ErrTokenNotFound},
		{
			"unknown secret",
			Submission{UserID: "user-1", CookieToken: strings.Repeat("b", 64), Token: strings.Repeat("b", 64) + ".00"},
			ErrTokenNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.Validate(context.Background(), tt.sub)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsRejection(err))
		})
	}

	assert.Contains(t, g.publisher.types(), models.EventCSRFRejected)
	assert.Equal(t, 2.0, testutil.ToFloat64(g.metrics.CSRFValidationsTotal.WithLabelValues("token_mismatch")))
}

func TestValidate_Expired(t *testing.T) {
	g := newTestGuard(t, nil)
	tok := issue(t, g, "user-1")

	g.now = func() time.Time { return tok.ExpiresAt.Add(time.Second) }
	assert.ErrorIs(t, g.Validate(context.Background(), submission("user-1", tok)), ErrTokenNotFound)
}

func TestValidate_IPPolicy(t *testing.T) {
	moved := func(tok *IssuedToken) Submission {
		s := submission("user-1", tok)
		s.Meta.IP = "198.51.100.99"
		return s
	}

	t.Run("log policy allows and records", func(t *testing.T) {
		g := newTestGuard(t, nil)
		tok := issue(t, g, "user-1")

		require.NoError(t, g.Validate(context.Background(), moved(tok)))
		assert.Contains(t, g.publisher.types(), models.EventCSRFIPMismatch)
	})

	t.Run("block policy rejects", func(t *testing.T) {
		g := newTestGuard(t, func(o *Options) { o.IPPolicy = IPPolicyBlock })
		tok := issue(t, g, "user-1")

		assert.ErrorIs(t, g.Validate(context.Background(), moved(tok)), ErrIPMismatch)

		// a rejected attempt does not consume the token
		require.NoError(t, g.Validate(context.Background(), submission("user-1", tok)))
	})
}

func TestValidate_StoreFailureIsInternal(t *testing.T) {
	storeErr := errors.New("connection reset")
	store := &failingStore{CSRFTokenStore: memory.NewCSRFTokenStore()}
	g := NewGuard(store, DefaultOptions(), nil, nil, nil)
	tok, err := g.Issue(context.Background(), "user-1", meta)
	require.NoError(t, err)

	store.findErr = storeErr
	err = g.Validate(context.Background(), submission("user-1", tok))
	assert.ErrorIs(t, err, storeErr)
	assert.False(t, IsRejection(err))
	assert.Empty(t, RejectionCode(err))
}

func newPost(t *testing.T, body io.Reader, contentType string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/things", body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req
}

func TestValidateRequest_Sources(t *testing.T) {
	g := newTestGuard(t, func(o *Options) { o.ReplayProtection = false })
	tok := issue(t, g, "user-1")
	cookieHeader := "session=s; csrf_token=" + tok.CookieValue

	t.Run("header", func(t *testing.T) {
		req := newPost(t, nil, "")
		req.Header.Set("Cookie", cookieHeader)
		req.Header.Set(HeaderName, tok.Token)
		assert.NoError(t, g.ValidateRequest(req, "user-1"))
	})

	t.Run("json body, restored for the handler", func(t *testing.T) {
		body := `{"title":"hello","csrf_token":"` + tok.Token + `"}`
		req := newPost(t, strings.NewReader(body), "application/json; charset=utf-8")
		req.Header.Set("Cookie", cookieHeader)

		require.NoError(t, g.ValidateRequest(req, "user-1"))
		rest, err := io.ReadAll(req.Body)
		require.NoError(t, err)
		assert.Equal(t, body, string(rest))
	})

	t.Run("multipart form", func(t *testing.T) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		require.NoError(t, w.WriteField("title", "hello"))
		require.NoError(t, w.WriteField(FieldName, tok.Token))
		require.NoError(t, w.Close())

		req := newPost(t, &buf, w.FormDataContentType())
		req.Header.Set("Cookie", cookieHeader)

		require.NoError(t, g.ValidateRequest(req, "user-1"))
		require.NoError(t, req.ParseMultipartForm(1<<20))
		assert.Equal(t, "hello", req.FormValue("title"))
	})

	t.Run("urlencoded form", func(t *testing.T) {
		req := newPost(t, strings.NewReader("a=1&csrf_token="+tok.Token), "application/x-www-form-urlencoded")
		req.Header.Set("Cookie", cookieHeader)
		assert.NoError(t, g.ValidateRequest(req, "user-1"))
	})

	t.Run("header wins over body", func(t *testing.T) {
		req := newPost(t, strings.NewReader(`{"csrf_token":"`+tok.Token+`"}`), "application/json")
		req.Header.Set("Cookie", cookieHeader)
		req.Header.Set(HeaderName, "bogus")
		assert.ErrorIs(t, g.ValidateRequest(req, "user-1"), ErrTokenFormat)
	})

	t.Run("non string json field", func(t *testing.T) {
		req := newPost(t, strings.NewReader(`{"csrf_token":123}`), "application/json")
		req.Header.Set("Cookie", cookieHeader)
		assert.ErrorIs(t, g.ValidateRequest(req, "user-1"), ErrTokenMissing)
	})

	t.Run("unsupported content type", func(t *testing.T) {
		req := newPost(t, strings.NewReader("csrf_token="+tok.Token), "text/plain")
		req.Header.Set("Cookie", cookieHeader)
		assert.ErrorIs(t, g.ValidateRequest(req, "user-1"), ErrTokenMissing)
	})

	t.Run("missing cookie", func(t *testing.T) {
		req := newPost(t, nil, "")
		req.Header.Set(HeaderName, tok.Token)
		assert.ErrorIs(t, g.ValidateRequest(req, "user-1"), ErrCookieMissing)
	})
}

func TestValidateRequest_OversizedBodyIsNotScanned(t *testing.T) {
	g := newTestGuard(t, func(o *Options) { o.MaxBodyBytes = 64 })
	tok := issue(t, g, "user-1")

	body := `{"csrf_token":"` + tok.Token + `"}`
	req := newPost(t, strings.NewReader(body), "application/json")
	req.Header.Set("Cookie", "csrf_token="+tok.CookieValue)

	assert.ErrorIs(t, g.ValidateRequest(req, "user-1"), ErrTokenMissing)

	rest, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, body, string(rest))
}

func TestMetaFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	req.Header.Set("User-Agent", "agent\r\n")

	m := MetaFromRequest(req)
	assert.Equal(t, "203.0.113.7", m.IP)
	assert.Equal(t, "agent", m.UserAgent)
}

func TestOptionsDefaults(t *testing.T) {
	g := NewGuard(memory.NewCSRFTokenStore(), Options{}, nil, nil, nil)
	opts := g.Options()

	assert.Equal(t, 24*time.Hour, opts.TokenTTL)
	assert.Equal(t, "csrf_token", opts.CookieName)
	assert.Equal(t, "/", opts.CookiePath)
	assert.Equal(t, IPPolicyLog, opts.IPPolicy)
	assert.False(t, opts.ReplayProtection)
}
