package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"edge-guard/internal/models"
	"edge-guard/internal/repository"
)

type CSRFTokenStore struct {
	db *sql.DB
}

func NewCSRFTokenStore(db *sql.DB) *CSRFTokenStore {
	return &CSRFTokenStore{db: db}
}

func (s *CSRFTokenStore) DeleteStale(ctx context.Context, userID string, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM csrf_tokens WHERE user_id = $1 AND (used = TRUE OR expires_at < $2)`,
		userID, now.UTC(),
	)
	if err != nil {
		return 0, wrap(err, "delete stale csrf tokens")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap(err, "delete stale csrf tokens")
	}
	return int(n), nil
}

func (s *CSRFTokenStore) Insert(ctx context.Context, t *models.CSRFToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO csrf_tokens (id, user_id, token_hash, expires_at, used, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.UserID, t.TokenHash, t.ExpiresAt.UTC(), t.Used, t.IPAddress, t.UserAgent, t.CreatedAt.UTC(),
	)
	if err != nil {
		return wrap(err, "insert csrf token")
	}
	return nil
}

func (s *CSRFTokenStore) FindByHash(ctx context.Context, userID, tokenHash string) (*models.CSRFToken, error) {
	var (
		t      models.CSRFToken
		usedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, expires_at, used, used_at, ip_address, user_agent, created_at
		FROM csrf_tokens
		WHERE user_id = $1 AND token_hash = $2`,
		userID, tokenHash,
	).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.Used, &usedAt, &t.IPAddress, &t.UserAgent, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, wrap(err, "find csrf token")
	}
	if usedAt.Valid {
		t.UsedAt = &usedAt.Time
	}
	return &t, nil
}

// MarkUsed only updates unused rows. When nothing was updated a second
// query tells a replay apart from a missing token.
func (s *CSRFTokenStore) MarkUsed(ctx context.Context, userID, tokenHash string, usedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE csrf_tokens SET used = TRUE, used_at = $3
		WHERE user_id = $1 AND token_hash = $2 AND used = FALSE`,
		userID, tokenHash, usedAt.UTC(),
	)
	if err != nil {
		return wrap(err, "mark csrf token used")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap(err, "mark csrf token used")
	}
	if n == 1 {
		return nil
	}

	var exists bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM csrf_tokens WHERE user_id = $1 AND token_hash = $2)`,
		userID, tokenHash,
	).Scan(&exists)
	if err != nil {
		return wrap(err, "mark csrf token used")
	}
	if exists {
		return repository.ErrAlreadyUsed
	}
	return repository.ErrNotFound
}
