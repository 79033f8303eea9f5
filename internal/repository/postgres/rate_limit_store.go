package postgres

import (
	"context"
	"database/sql"
	"time"

	"edge-guard/internal/models"
)

// The upsert takes the row lock, so concurrent increments of one
// (identifier, bucket) serialize. An elapsed window is replaced in place.
const incrementQuery = `
INSERT INTO rate_limits (identifier, bucket, window_start, window_end, count)
VALUES ($1, $2, $3, $4, 1)
ON CONFLICT (identifier, bucket) DO UPDATE SET
	window_start = CASE WHEN rate_limits.window_end <= $3 THEN EXCLUDED.window_start ELSE rate_limits.window_start END,
	window_end   = CASE WHEN rate_limits.window_end <= $3 THEN EXCLUDED.window_end ELSE rate_limits.window_end END,
	count        = CASE WHEN rate_limits.window_end <= $3 THEN 1 ELSE rate_limits.count + 1 END
RETURNING window_start, window_end, count`

type RateLimitStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewRateLimitStore(db *sql.DB) *RateLimitStore {
	return &RateLimitStore{db: db, now: time.Now}
}

func (s *RateLimitStore) Increment(ctx context.Context, identifier, bucket string, window time.Duration) (*models.RateLimitRecord, error) {
	now := s.now().UTC()
	rec := &models.RateLimitRecord{Identifier: identifier, Bucket: bucket}

	err := s.db.QueryRowContext(ctx, incrementQuery,
		identifier, bucket, now, now.Add(window),
	).Scan(&rec.WindowStart, &rec.WindowEnd, &rec.Count)
	if err != nil {
		return nil, wrap(err, "increment rate limit window")
	}
	return rec, nil
}

// PurgeExpired deletes windows that ended before cutoff.
func (s *RateLimitStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_limits WHERE window_end < $1`, cutoff)
	if err != nil {
		return 0, wrap(err, "purge rate limit windows")
	}
	return res.RowsAffected()
}
