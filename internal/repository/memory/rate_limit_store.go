// Package memory provides single-process stores for development and
// tests. State is not shared across instances.
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"edge-guard/internal/models"
)

// RateLimitStore keeps one window per (identifier, bucket) in a map.
type RateLimitStore struct {
	data       map[string]*models.RateLimitRecord
	mu         sync.Mutex
	gcInterval time.Duration
	stopCh     chan struct{}
	stopped    int32
	now        func() time.Time
}

func NewRateLimitStore(gcInterval time.Duration) *RateLimitStore {
	if gcInterval <= 0 {
		gcInterval = 10 * time.Minute
	}

	s := &RateLimitStore{
		data:       make(map[string]*models.RateLimitRecord),
		gcInterval: gcInterval,
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}

	go s.gc()

	return s
}

func rateLimitKey(identifier, bucket string) string {
	return bucket + "\x00" + identifier
}

// Increment bumps the live window or opens a new one.
func (s *RateLimitStore) Increment(ctx context.Context, identifier, bucket string, window time.Duration) (*models.RateLimitRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := rateLimitKey(identifier, bucket)
	rec, exists := s.data[key]

	if !exists || rec.Expired(now) {
		rec = &models.RateLimitRecord{
			Identifier:  identifier,
			Bucket:      bucket,
			WindowStart: now,
			WindowEnd:   now.Add(window),
		}
		s.data[key] = rec
	}
	rec.Count++

	out := *rec
	return &out, nil
}

// Reset drops the window for (identifier, bucket).
func (s *RateLimitStore) Reset(ctx context.Context, identifier, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, rateLimitKey(identifier, bucket))
	return nil
}

func (s *RateLimitStore) Close() error {
	if !atomic.CompareAndSwapInt32(&s.stopped, 0, 1) {
		return nil
	}
	close(s.stopCh)
	return nil
}

func (s *RateLimitStore) gc() {
	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *RateLimitStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, rec := range s.data {
		if rec.Expired(now) {
			delete(s.data, key)
		}
	}
}
