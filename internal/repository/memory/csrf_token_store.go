package memory

import (
	"context"
	"sync"
	"time"

	"edge-guard/internal/models"
	"edge-guard/internal/repository"
)

// CSRFTokenStore keeps token records per user.
type CSRFTokenStore struct {
	mu     sync.Mutex
	tokens map[string]map[string]*models.CSRFToken
}

func NewCSRFTokenStore() *CSRFTokenStore {
	return &CSRFTokenStore{
		tokens: make(map[string]map[string]*models.CSRFToken),
	}
}

func (s *CSRFTokenStore) DeleteStale(ctx context.Context, userID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for hash, t := range s.tokens[userID] {
		if t.Stale(now) {
			delete(s.tokens[userID], hash)
			removed++
		}
	}
	if len(s.tokens[userID]) == 0 {
		delete(s.tokens, userID)
	}
	return removed, nil
}

func (s *CSRFTokenStore) Insert(ctx context.Context, token *models.CSRFToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byHash, ok := s.tokens[token.UserID]
	if !ok {
		byHash = make(map[string]*models.CSRFToken)
		s.tokens[token.UserID] = byHash
	}
	t := *token
	byHash[token.TokenHash] = &t
	return nil
}

func (s *CSRFTokenStore) FindByHash(ctx context.Context, userID, tokenHash string) (*models.CSRFToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[userID][tokenHash]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *t
	return &out, nil
}

func (s *CSRFTokenStore) MarkUsed(ctx context.Context, userID, tokenHash string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[userID][tokenHash]
	if !ok {
		return repository.ErrNotFound
	}
	if t.Used {
		return repository.ErrAlreadyUsed
	}
	t.Used = true
	at := usedAt
	t.UsedAt = &at
	return nil
}

// Len reports the number of stored tokens for userID.
func (s *CSRFTokenStore) Len(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens[userID])
}
