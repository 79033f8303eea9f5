// Package redis stores rate-limit windows and CSRF tokens in Redis so that
// every instance behind the load balancer shares them.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"edge-guard/internal/models"
	"edge-guard/internal/util"
)

const rateLimitPrefix = "rate_limit:"

// incrementWindow opens a new window when none is live, otherwise bumps
// the counter. Window bounds are kept in the hash so every caller sees
// the same reset time.
//
// KEYS[1] window hash
// ARGV[1] now (unix ms), ARGV[2] window (ms), ARGV[3] window end (unix ms)
var incrementWindow = redis.NewScript(`
local now = tonumber(ARGV[1])
local stored = redis.call('HMGET', KEYS[1], 'count', 'start', 'end')
local finish = tonumber(stored[3])
if not finish or finish <= now then
  redis.call('DEL', KEYS[1])
  redis.call('HSET', KEYS[1], 'count', 1, 'start', ARGV[1], 'end', ARGV[3])
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return {1, tonumber(ARGV[1]), tonumber(ARGV[3])}
end
local count = redis.call('HINCRBY', KEYS[1], 'count', 1)
return {count, tonumber(stored[2]), finish}
`)

type RateLimitStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRateLimitStore(client redis.UniversalClient) *RateLimitStore {
	return &RateLimitStore{client: client, now: time.Now}
}

func rateLimitKey(bucket, identifier string) string {
	return rateLimitPrefix + bucket + ":" + identifier
}

func (s *RateLimitStore) Increment(ctx context.Context, identifier, bucket string, window time.Duration) (*models.RateLimitRecord, error) {
	now := s.now()
	end := now.Add(window)

	vals, err := incrementWindow.Run(ctx, s.client,
		[]string{rateLimitKey(bucket, identifier)},
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(window.Milliseconds(), 10),
		strconv.FormatInt(end.UnixMilli(), 10),
	).Int64Slice()
	if err != nil {
		util.Error("Failed to increment rate limit window",
			util.String("bucket", bucket),
			util.String("identifier", identifier),
			util.ErrorField(err))
		return nil, fmt.Errorf("failed to increment rate limit window: %w", err)
	}
	if len(vals) != 3 {
		return nil, fmt.Errorf("unexpected rate limit script reply: %v", vals)
	}

	return &models.RateLimitRecord{
		Identifier:  identifier,
		Bucket:      bucket,
		Count:       vals[0],
		WindowStart: time.UnixMilli(vals[1]),
		WindowEnd:   time.UnixMilli(vals[2]),
	}, nil
}

// Reset drops the live window for identifier in bucket.
func (s *RateLimitStore) Reset(ctx context.Context, identifier, bucket string) error {
	if err := s.client.Del(ctx, rateLimitKey(bucket, identifier)).Err(); err != nil {
		return fmt.Errorf("failed to reset rate limit window: %w", err)
	}
	return nil
}
