package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"security-monitor/internal/config"
	"security-monitor/internal/model"
)

// BucketingManager assigns events to stable hash buckets so the event-history
// partitions stay balanced regardless of how skewed user or IP activity is.
type BucketingManager struct {
	eventBuckets int
	hasherPool   sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		eventBuckets: cfg.Bucketing.EventBuckets,
	}

	// Pool of hash functions to avoid allocation overhead on the hot path
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return bm
}

// EventBucket returns the partition bucket for an event. The key prefers the
// user, then the source IP, then the event id, so events from one actor land
// in one partition.
func (bm *BucketingManager) EventBucket(ev *model.Event) int {
	key := ev.UserID
	if key == "" {
		key = ev.IPAddress
	}
	if key == "" {
		key = ev.ID
	}
	return bm.getBucket(key, bm.eventBuckets)
}

// KeyBucket returns the bucket for an arbitrary identifier.
func (bm *BucketingManager) KeyBucket(identifier string) int {
	return bm.getBucket(identifier, bm.eventBuckets)
}

// TimeBucket truncates now to the window boundary, used to group stats rows.
func (bm *BucketingManager) TimeBucket(now time.Time, window time.Duration) int64 {
	secs := int64(window / time.Second)
	if secs <= 0 {
		return now.Unix()
	}
	return now.Unix() / secs * secs
}

// EventBuckets returns the configured bucket count.
func (bm *BucketingManager) EventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	if numBuckets <= 0 {
		return 0
	}
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
