package bucketing

import (
	"hash"
	"sync"

	"edge-guard/internal/config"

	"github.com/spaolacci/murmur3"
)

// BucketingManager maps identifiers onto a fixed number of partitions
// with murmur3. The same identifier always lands in the same bucket.
type BucketingManager struct {
	userBuckets  int
	eventBuckets int
	hasherPool   sync.Pool
}

func NewBucketingManager(cfg config.BucketingConfig) *BucketingManager {
	bm := &BucketingManager{
		userBuckets:  cfg.UserBuckets,
		eventBuckets: cfg.EventBuckets,
	}
	if bm.userBuckets <= 0 {
		bm.userBuckets = 1
	}
	if bm.eventBuckets <= 0 {
		bm.eventBuckets = 1
	}

	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// GetUserBucket returns the partition for a user id (0 to userBuckets-1).
// Scylla CSRF token rows are partitioned by it.
func (bm *BucketingManager) GetUserBucket(userID string) int {
	return bm.getBucket(userID, bm.userBuckets)
}

// GetEventBucket returns the partition for security events.
func (bm *BucketingManager) GetEventBucket(identifier string) int {
	return bm.getBucket(identifier, bm.eventBuckets)
}

func (bm *BucketingManager) GetUserBuckets() int {
	return bm.userBuckets
}

func (bm *BucketingManager) GetEventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
