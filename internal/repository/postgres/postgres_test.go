package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edge-guard/internal/models"
	"edge-guard/internal/repository"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

func TestRateLimitStore_Increment(t *testing.T) {
	db, mock := newMock(t)
	store := NewRateLimitStore(db)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	mock.ExpectQuery(`INSERT INTO rate_limits .+ ON CONFLICT \(identifier, bucket\) DO UPDATE .+ RETURNING window_start, window_end, count`).
		WithArgs("user-1", "api-general", now, now.Add(time.Hour)).
		WillReturnRows(sqlmock.NewRows([]string{"window_start", "window_end", "count"}).
			AddRow(now.Add(-10*time.Minute), now.Add(50*time.Minute), int64(7)))

	rec, err := store.Increment(context.Background(), "user-1", "api-general", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, &models.RateLimitRecord{
		Identifier:  "user-1",
		Bucket:      "api-general",
		WindowStart: now.Add(-10 * time.Minute),
		WindowEnd:   now.Add(50 * time.Minute),
		Count:       7,
	}, rec)
}

func TestRateLimitStore_MissingTable(t *testing.T) {
	db, mock := newMock(t)
	store := NewRateLimitStore(db)

	mock.ExpectQuery(`INSERT INTO rate_limits`).
		WillReturnError(&pq.Error{Code: "42P01", Message: `relation "rate_limits" does not exist`})

	_, err := store.Increment(context.Background(), "user-1", "ip", time.Minute)
	require.Error(t, err)
	var pqErr *pq.Error
	require.True(t, errors.As(err, &pqErr))
	assert.Equal(t, pq.ErrorCode("42P01"), pqErr.Code)
}

func TestRateLimitStore_PurgeExpired(t *testing.T) {
	db, mock := newMock(t)
	cutoff := time.Now()

	mock.ExpectExec(`DELETE FROM rate_limits WHERE window_end < \$1`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := NewRateLimitStore(db).PurgeExpired(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

var tokenColumns = []string{"id", "user_id", "token_hash", "expires_at", "used", "used_at", "ip_address", "user_agent", "created_at"}

func TestCSRFTokenStore_InsertAndFind(t *testing.T) {
	db, mock := newMock(t)
	store := NewCSRFTokenStore(db)
	ctx := context.Background()
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tok := &models.CSRFToken{
		ID:        "6f1c7c1e-8f0e-4c1b-9a55-8d0c0b0f4a11",
		UserID:    "user-1",
		TokenHash: "hash",
		ExpiresAt: created.Add(24 * time.Hour),
		IPAddress: "203.0.113.7",
		UserAgent: "test-agent",
		CreatedAt: created,
	}

	mock.ExpectExec(`INSERT INTO csrf_tokens`).
		WithArgs(tok.ID, tok.UserID, tok.TokenHash, tok.ExpiresAt, false, tok.IPAddress, tok.UserAgent, tok.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Insert(ctx, tok))

	mock.ExpectQuery(`SELECT .+ FROM csrf_tokens\s+WHERE user_id = \$1 AND token_hash = \$2`).
		WithArgs("user-1", "hash").
		WillReturnRows(sqlmock.NewRows(tokenColumns).
			AddRow(tok.ID, tok.UserID, tok.TokenHash, tok.ExpiresAt, false, nil, tok.IPAddress, tok.UserAgent, tok.CreatedAt))

	got, err := store.FindByHash(ctx, "user-1", "hash")
	require.NoError(t, err)
	assert.Equal(t, tok, got)

	usedAt := created.Add(time.Hour)
	mock.ExpectQuery(`SELECT .+ FROM csrf_tokens`).
		WithArgs("user-1", "hash").
		WillReturnRows(sqlmock.NewRows(tokenColumns).
			AddRow(tok.ID, tok.UserID, tok.TokenHash, tok.ExpiresAt, true, usedAt, tok.IPAddress, tok.UserAgent, tok.CreatedAt))

	got, err = store.FindByHash(ctx, "user-1", "hash")
	require.NoError(t, err)
	assert.True(t, got.Used)
	require.NotNil(t, got.UsedAt)
	assert.True(t, got.UsedAt.Equal(usedAt))
}

func TestCSRFTokenStore_FindMissing(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectQuery(`SELECT .+ FROM csrf_tokens`).
		WithArgs("user-1", "nope").
		WillReturnError(sql.ErrNoRows)

	_, err := NewCSRFTokenStore(db).FindByHash(context.Background(), "user-1", "nope")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCSRFTokenStore_MarkUsed(t *testing.T) {
	usedAt := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	update := `UPDATE csrf_tokens SET used = TRUE, used_at = \$3\s+WHERE user_id = \$1 AND token_hash = \$2 AND used = FALSE`
	exists := `SELECT EXISTS \(SELECT 1 FROM csrf_tokens`

	t.Run("first use", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(update).WithArgs("user-1", "hash", usedAt).WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, NewCSRFTokenStore(db).MarkUsed(context.Background(), "user-1", "hash", usedAt))
	})

	t.Run("replay", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(update).WithArgs("user-1", "hash", usedAt).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(exists).WithArgs("user-1", "hash").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		err := NewCSRFTokenStore(db).MarkUsed(context.Background(), "user-1", "hash", usedAt)
		assert.ErrorIs(t, err, repository.ErrAlreadyUsed)
	})

	t.Run("missing", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(update).WithArgs("user-1", "hash", usedAt).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(exists).WithArgs("user-1", "hash").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		err := NewCSRFTokenStore(db).MarkUsed(context.Background(), "user-1", "hash", usedAt)
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})

	t.Run("database error", func(t *testing.T) {
		db, mock := newMock(t)
		mock.ExpectExec(update).WillReturnError(errors.New("connection reset"))

		err := NewCSRFTokenStore(db).MarkUsed(context.Background(), "user-1", "hash", usedAt)
		require.Error(t, err)
		assert.NotErrorIs(t, err, repository.ErrNotFound)
	})
}

func TestCSRFTokenStore_DeleteStale(t *testing.T) {
	db, mock := newMock(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`DELETE FROM csrf_tokens WHERE user_id = \$1 AND \(used = TRUE OR expires_at < \$2\)`).
		WithArgs("user-1", now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := NewCSRFTokenStore(db).DeleteStale(context.Background(), "user-1", now)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestEnsureSchema(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS rate_limits`).WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, EnsureSchema(context.Background(), db))
}
