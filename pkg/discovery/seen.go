package discovery

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// SeenSet remembers the responders already reported during an enumeration.
// It starts with room for a fixed number of node ids and doubles whenever
// it fills up, so no responder is forgotten before Reset. It is safe for
// concurrent use.
type SeenSet struct {
	mu    sync.Mutex
	size  int
	cache *lru.Cache[uint64, struct{}]
}

// NewSeenSet creates a SeenSet with initial room for capacity node ids. A
// non-positive capacity selects DefaultSeenCapacity.
func NewSeenSet(capacity int) *SeenSet {
	if capacity <= 0 {
		capacity = DefaultSeenCapacity
	}
	// lru.New only fails for a non-positive size.
	cache, _ := lru.New[uint64, struct{}](capacity)
	return &SeenSet{size: capacity, cache: cache}
}

// Add records nodeID and reports whether it was not seen before.
func (s *SeenSet) Add(nodeID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache.Contains(nodeID) {
		return false
	}
	if s.cache.Len() >= s.size {
		s.size *= 2
		s.cache.Resize(s.size)
	}
	s.cache.Add(nodeID, struct{}{})
	return true
}

// Contains reports whether nodeID was seen.
func (s *SeenSet) Contains(nodeID uint64) bool {
	return s.cache.Contains(nodeID)
}

// Len returns the number of remembered node ids.
func (s *SeenSet) Len() int {
	return s.cache.Len()
}

// Reset forgets all node ids.
func (s *SeenSet) Reset() {
	s.cache.Purge()
}
