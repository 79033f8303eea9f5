// Package identity resolves bearer tokens into authenticated users.
package identity

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"edge-guard/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid bearer token")
)

type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Resolver turns a bearer token into an Identity. It returns an error
// wrapping ErrInvalidToken for tokens that must be answered with 401;
// any other error is an outage of the identity provider.
type Resolver interface {
	Resolve(ctx context.Context, token string) (*Identity, error)
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) (string, error) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMissingToken
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

type claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTResolver verifies HS256 tokens against a shared secret and RS256
// tokens against a public key. Either key may be absent.
type JWTResolver struct {
	secret    []byte
	publicKey *rsa.PublicKey
	parser    *jwt.Parser
}

func NewJWTResolver(secret []byte, publicKey *rsa.PublicKey, issuer, audience string) (*JWTResolver, error) {
	if len(secret) == 0 && publicKey == nil {
		return nil, errors.New("jwt resolver requires a secret or a public key")
	}

	var methods []string
	if len(secret) > 0 {
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	}
	if publicKey != nil {
		methods = append(methods, jwt.SigningMethodRS256.Alg())
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}

	return &JWTResolver{
		secret:    secret,
		publicKey: publicKey,
		parser:    jwt.NewParser(opts...),
	}, nil
}

// NewJWTResolverFromConfig loads the public key file when configured.
func NewJWTResolverFromConfig(cfg config.AuthConfig) (*JWTResolver, error) {
	var publicKey *rsa.PublicKey
	if cfg.JWTPublicKeyPath != "" {
		pem, err := os.ReadFile(cfg.JWTPublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read jwt public key: %w", err)
		}
		publicKey, err = jwt.ParseRSAPublicKeyFromPEM(pem)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jwt public key: %w", err)
		}
	}
	return NewJWTResolver([]byte(cfg.JWTSecret), publicKey, cfg.Issuer, cfg.Audience)
}

func (r *JWTResolver) Resolve(ctx context.Context, token string) (*Identity, error) {
	var c claims
	if _, err := r.parser.ParseWithClaims(token, &c, r.keyFunc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("%w: subject claim is required", ErrInvalidToken)
	}
	return &Identity{
		ID:    c.Subject,
		Email: c.Email,
		Role:  c.Role,
	}, nil
}

func (r *JWTResolver) keyFunc(t *jwt.Token) (interface{}, error) {
	switch t.Method.(type) {
	case *jwt.SigningMethodHMAC:
		if len(r.secret) > 0 {
			return r.secret, nil
		}
	case *jwt.SigningMethodRSA:
		if r.publicKey != nil {
			return r.publicKey, nil
		}
	}
	return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
}
