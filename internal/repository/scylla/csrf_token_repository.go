package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"edge-guard/internal/bucketing"
	"edge-guard/internal/models"
	"edge-guard/internal/repository"
	"edge-guard/internal/util"
)

const CreateCSRFTokensTable = `
CREATE TABLE IF NOT EXISTS csrf_tokens (
	user_bucket int,
	user_id text,
	token_hash text,
	id uuid,
	expires_at timestamp,
	used boolean,
	used_at timestamp,
	ip_address text,
	user_agent text,
	created_at timestamp,
	PRIMARY KEY ((user_bucket, user_id), token_hash)
) WITH gc_grace_seconds = 3600`

const (
	insertCSRFToken = `
	INSERT INTO csrf_tokens (
		user_bucket, user_id, token_hash, id, expires_at, used,
		ip_address, user_agent, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) USING TTL ?`

	selectCSRFToken = `
	SELECT id, expires_at, used, used_at, ip_address, user_agent, created_at
	FROM csrf_tokens WHERE user_bucket = ? AND user_id = ? AND token_hash = ?`

	selectUserCSRFTokens = `
	SELECT token_hash, used, expires_at
	FROM csrf_tokens WHERE user_bucket = ? AND user_id = ?`

	markCSRFTokenUsed = `
	UPDATE csrf_tokens USING TTL ? SET used = true, used_at = ?
	WHERE user_bucket = ? AND user_id = ? AND token_hash = ? IF used = false`

	deleteCSRFTokens = `
	DELETE FROM csrf_tokens WHERE user_bucket = ? AND user_id = ? AND token_hash IN ?`
)

// CSRFTokenRepository writes each token with a TTL equal to its lifetime.
// The used flag is flipped with a lightweight transaction.
type CSRFTokenRepository struct {
	session  Session
	buckets  *bucketing.BucketingManager
	tokenTTL time.Duration
	now      func() time.Time
}

func NewCSRFTokenRepository(session Session, buckets *bucketing.BucketingManager, tokenTTL time.Duration) *CSRFTokenRepository {
	return &CSRFTokenRepository{
		session:  session,
		buckets:  buckets,
		tokenTTL: tokenTTL,
		now:      time.Now,
	}
}

// EnsureSchema creates the table in the session's keyspace.
func (r *CSRFTokenRepository) EnsureSchema(ctx context.Context) error {
	if err := r.session.Exec(ctx, CreateCSRFTokensTable); err != nil {
		return fmt.Errorf("failed to create csrf_tokens table: %w", err)
	}
	return nil
}

func ttlSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (r *CSRFTokenRepository) Insert(ctx context.Context, t *models.CSRFToken) error {
	id, err := gocql.ParseUUID(t.ID)
	if err != nil {
		return fmt.Errorf("invalid csrf token id: %w", err)
	}

	err = r.session.Exec(ctx, insertCSRFToken,
		r.buckets.GetUserBucket(t.UserID), t.UserID, t.TokenHash, id,
		t.ExpiresAt.UTC(), t.Used, t.IPAddress, t.UserAgent, t.CreatedAt.UTC(),
		ttlSeconds(t.ExpiresAt.Sub(r.now())),
	)
	if err != nil {
		util.Error("Failed to create CSRF token",
			util.String("user_id", t.UserID),
			util.ErrorField(err))
		return fmt.Errorf("failed to create csrf token: %w", err)
	}
	return nil
}

func (r *CSRFTokenRepository) FindByHash(ctx context.Context, userID, tokenHash string) (*models.CSRFToken, error) {
	var (
		id     gocql.UUID
		usedAt time.Time
	)
	t := &models.CSRFToken{UserID: userID, TokenHash: tokenHash}

	err := r.session.Scan(ctx, selectCSRFToken,
		[]interface{}{r.buckets.GetUserBucket(userID), userID, tokenHash},
		&id, &t.ExpiresAt, &t.Used, &usedAt, &t.IPAddress, &t.UserAgent, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get csrf token: %w", err)
	}

	t.ID = id.String()
	if !usedAt.IsZero() {
		t.UsedAt = &usedAt
	}
	return t, nil
}

func (r *CSRFTokenRepository) MarkUsed(ctx context.Context, userID, tokenHash string, usedAt time.Time) error {
	previous := map[string]interface{}{}
	applied, err := r.session.MapScanCAS(ctx, markCSRFTokenUsed,
		[]interface{}{ttlSeconds(r.tokenTTL), usedAt.UTC(), r.buckets.GetUserBucket(userID), userID, tokenHash},
		previous,
	)
	if err != nil {
		return fmt.Errorf("failed to mark csrf token used: %w", err)
	}
	if applied {
		return nil
	}
	// A missing row reports only [applied].
	if used, ok := previous["used"].(bool); ok && used {
		return repository.ErrAlreadyUsed
	}
	return repository.ErrNotFound
}

func (r *CSRFTokenRepository) DeleteStale(ctx context.Context, userID string, now time.Time) (int, error) {
	bucket := r.buckets.GetUserBucket(userID)

	rows, err := r.session.Rows(ctx, selectUserCSRFTokens, bucket, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to list csrf tokens: %w", err)
	}

	var stale []string
	for _, row := range rows {
		hash, _ := row["token_hash"].(string)
		used, _ := row["used"].(bool)
		expires, _ := row["expires_at"].(time.Time)
		if used || expires.IsZero() || now.After(expires) {
			stale = append(stale, hash)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	if err := r.session.Exec(ctx, deleteCSRFTokens, bucket, userID, stale); err != nil {
		return 0, fmt.Errorf("failed to delete stale csrf tokens: %w", err)
	}
	return len(stale), nil
}
