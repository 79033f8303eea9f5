package csrf

import (
	"context"
	"time"

	"edge-guard/internal/models"
)

// TokenStore persists token records. Lookups are scoped to the owning
// user. FindByHash returns repository.ErrNotFound on a miss; MarkUsed is
// a conditional update that returns repository.ErrAlreadyUsed when the
// record was already consumed, so two racing validations cannot both win.
type TokenStore interface {
	DeleteStale(ctx context.Context, userID string, now time.Time) (int, error)
	Insert(ctx context.Context, token *models.CSRFToken) error
	FindByHash(ctx context.Context, userID, tokenHash string) (*models.CSRFToken, error)
	MarkUsed(ctx context.Context, userID, tokenHash string, usedAt time.Time) error
}
