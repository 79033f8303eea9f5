package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"edge-guard/internal/models"
	"edge-guard/internal/repository"
	"edge-guard/internal/util"
)

const (
	csrfTokenPrefix     = "csrf_token:"
	csrfUserTokenPrefix = "csrf_user_tokens:"
)

// markUsed flips the used flag once.
// Returns -1 when the token is gone, 0 when it was already used, 1 on success.
var markUsed = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
if redis.call('HGET', KEYS[1], 'used') == '1' then
  return 0
end
redis.call('HSET', KEYS[1], 'used', '1', 'used_at', ARGV[1])
return 1
`)

// CSRFTokenStore keeps one hash per token, expiring with the token, and a
// per-user set of token hashes used for stale cleanup.
type CSRFTokenStore struct {
	client redis.UniversalClient
}

func NewCSRFTokenStore(client redis.UniversalClient) *CSRFTokenStore {
	return &CSRFTokenStore{client: client}
}

func tokenKey(userID, tokenHash string) string {
	return csrfTokenPrefix + userID + ":" + tokenHash
}

func userTokensKey(userID string) string {
	return csrfUserTokenPrefix + userID
}

func (s *CSRFTokenStore) Insert(ctx context.Context, token *models.CSRFToken) error {
	key := tokenKey(token.UserID, token.TokenHash)
	setKey := userTokensKey(token.UserID)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"id", token.ID,
			"user_id", token.UserID,
			"token_hash", token.TokenHash,
			"expires_at", token.ExpiresAt.UnixMilli(),
			"used", boolFlag(token.Used),
			"ip_address", token.IPAddress,
			"user_agent", token.UserAgent,
			"created_at", token.CreatedAt.UnixMilli(),
		)
		pipe.PExpireAt(ctx, key, token.ExpiresAt)
		pipe.SAdd(ctx, setKey, token.TokenHash)
		pipe.PExpireAt(ctx, setKey, token.ExpiresAt)
		return nil
	})
	if err != nil {
		util.Error("Failed to store CSRF token",
			util.String("user_id", token.UserID),
			util.ErrorField(err))
		return fmt.Errorf("failed to store csrf token: %w", err)
	}
	return nil
}

func (s *CSRFTokenStore) FindByHash(ctx context.Context, userID, tokenHash string) (*models.CSRFToken, error) {
	fields, err := s.client.HGetAll(ctx, tokenKey(userID, tokenHash)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load csrf token: %w", err)
	}
	if len(fields) == 0 {
		return nil, repository.ErrNotFound
	}
	return decodeToken(fields)
}

func (s *CSRFTokenStore) MarkUsed(ctx context.Context, userID, tokenHash string, usedAt time.Time) error {
	res, err := markUsed.Run(ctx, s.client,
		[]string{tokenKey(userID, tokenHash)},
		strconv.FormatInt(usedAt.UnixMilli(), 10),
	).Int64()
	if err != nil {
		return fmt.Errorf("failed to mark csrf token used: %w", err)
	}
	switch res {
	case -1:
		return repository.ErrNotFound
	case 0:
		return repository.ErrAlreadyUsed
	}
	return nil
}

// DeleteStale removes the user's used and expired tokens. Hashes whose
// key Redis already evicted are dropped from the user set as well.
func (s *CSRFTokenStore) DeleteStale(ctx context.Context, userID string, now time.Time) (int, error) {
	setKey := userTokensKey(userID)
	hashes, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list csrf tokens: %w", err)
	}
	if len(hashes) == 0 {
		return 0, nil
	}

	cmds, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, h := range hashes {
			pipe.HMGet(ctx, tokenKey(userID, h), "used", "expires_at")
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to inspect csrf tokens: %w", err)
	}

	var stale []string
	for i, cmd := range cmds {
		vals, err := cmd.(*redis.SliceCmd).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to inspect csrf tokens: %w", err)
		}
		if isStale(vals, now) {
			stale = append(stale, hashes[i])
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		keys := make([]string, 0, len(stale))
		members := make([]interface{}, 0, len(stale))
		for _, h := range stale {
			keys = append(keys, tokenKey(userID, h))
			members = append(members, h)
		}
		pipe.Del(ctx, keys...)
		pipe.SRem(ctx, setKey, members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale csrf tokens: %w", err)
	}
	return len(stale), nil
}

// isStale reads an HMGET reply of (used, expires_at). A missing hash
// counts as stale.
func isStale(vals []interface{}, now time.Time) bool {
	used, _ := vals[0].(string)
	expires, _ := vals[1].(string)
	if expires == "" {
		return true
	}
	if used == "1" {
		return true
	}
	ms, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return true
	}
	return now.After(time.UnixMilli(ms))
}

func decodeToken(f map[string]string) (*models.CSRFToken, error) {
	expires, err := strconv.ParseInt(f["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt csrf token expires_at: %w", err)
	}
	created, _ := strconv.ParseInt(f["created_at"], 10, 64)

	t := &models.CSRFToken{
		ID:        f["id"],
		UserID:    f["user_id"],
		TokenHash: f["token_hash"],
		ExpiresAt: time.UnixMilli(expires),
		Used:      f["used"] == "1",
		IPAddress: f["ip_address"],
		UserAgent: f["user_agent"],
		CreatedAt: time.UnixMilli(created),
	}
	if v, ok := f["used_at"]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			at := time.UnixMilli(ms)
			t.UsedAt = &at
		}
	}
	return t, nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
