package bucketing

import (
	"fmt"
	"hash"
	"sync"

	"github.com/spaolacci/murmur3"
)

// BucketingManager spreads keys over a fixed number of buckets so a single
// Redis hash never grows without bound.
type BucketingManager struct {
	buckets    int
	hasherPool sync.Pool
}

func NewBucketingManager(buckets int) *BucketingManager {
	if buckets <= 0 {
		buckets = 1
	}
	bm := &BucketingManager{buckets: buckets}

	// Create pool of hash functions to avoid allocation overhead
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// Bucket returns a stable bucket in [0, Buckets()) for key.
func (bm *BucketingManager) Bucket(key string) int {
	return int(bm.getHash(key) % uint64(bm.buckets))
}

// Key prefixes a bucketed key, e.g. "otp_history:7".
func (bm *BucketingManager) Key(prefix, key string) string {
	return fmt.Sprintf("%s:%d", prefix, bm.Bucket(key))
}

// Keys lists every bucket key under prefix.
func (bm *BucketingManager) Keys(prefix string) []string {
	keys := make([]string, bm.buckets)
	for i := range keys {
		keys[i] = fmt.Sprintf("%s:%d", prefix, i)
	}
	return keys
}

func (bm *BucketingManager) Buckets() int {
	return bm.buckets
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
