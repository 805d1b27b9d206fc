package lowpan

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
)

// recentTags suppresses a late-arriving duplicate fragment for a datagram
// whose context has already been released: without it, one straggling
// fragment after completion would reallocate a fresh context only to sit
// there until its own reassembly timeout. Grounded directly on the
// teacher's `completed map[uint16]time.Time` idiom in
// internal/server/reassembly.go, generalized from a single global ID space
// to the engine's (direction,src,dst,tag) tuple and backed by
// github.com/patrickmn/go-cache instead of a hand-rolled sweep loop.
type recentTags struct {
	store *cache.Cache
}

func newRecentTags(ttl time.Duration) *recentTags {
	return &recentTags{store: cache.New(ttl, 2*ttl)}
}

func recentTagKey(dir Direction, src, dst uint64, tag uint16) string {
	return fmt.Sprintf("%d:%x:%x:%d", dir, src, dst, tag)
}

func (r *recentTags) markCompleted(dir Direction, src, dst uint64, tag uint16) {
	r.store.SetDefault(recentTagKey(dir, src, dst, tag), struct{}{})
}

func (r *recentTags) wasRecentlyCompleted(dir Direction, src, dst uint64, tag uint16) bool {
	_, found := r.store.Get(recentTagKey(dir, src, dst, tag))
	return found
}
