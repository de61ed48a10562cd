package collab

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// ParticipantsCache holds the last computed active-user list per project. Entries are
// replaced on every join (so a joining client always sees itself), dropped on leave and
// reap, and otherwise expire after the TTL.
//
// A list read from the store is only cached if the project was not invalidated while it
// was being read: callers take a Generation before the read and pass it to SetIfCurrent.
type ParticipantsCache struct {
	cache *ttlcache.Cache[string, []Participant]

	mu  sync.Mutex
	seq uint64
	// project ID => seq at its last invalidation. Kept well beyond any store read.
	invalidated *ttlcache.Cache[string, uint64]
}

func NewParticipantsCache(ttl time.Duration) *ParticipantsCache {
	tombstoneTTL := ttl
	if tombstoneTTL < time.Minute {
		tombstoneTTL = time.Minute
	}
	return &ParticipantsCache{
		cache: ttlcache.New[string, []Participant](
			ttlcache.WithTTL[string, []Participant](ttl),
			ttlcache.WithDisableTouchOnHit[string, []Participant](),
		),
		invalidated: ttlcache.New[string, uint64](
			ttlcache.WithTTL[string, uint64](tombstoneTTL),
			ttlcache.WithDisableTouchOnHit[string, uint64](),
		),
	}
}

// Start the expiry loops. Blocks until Stop is called.
func (c *ParticipantsCache) Start() {
	go c.invalidated.Start()
	c.cache.Start()
}

func (c *ParticipantsCache) Stop() {
	c.cache.Stop()
	c.invalidated.Stop()
}

func (c *ParticipantsCache) Get(projectID string) ([]Participant, bool) {
	item := c.cache.Get(projectID)
	if item == nil || item.IsExpired() {
		return nil, false
	}
	return item.Value(), true
}

// Generation returns a token to pass to SetIfCurrent. Take it before reading the store.
func (c *ParticipantsCache) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// SetIfCurrent caches participants unless projectID was invalidated after gen was taken.
// Returns false if the list was discarded.
func (c *ParticipantsCache) SetIfCurrent(projectID string, gen uint64, participants []Participant) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item := c.invalidated.Get(projectID); item != nil && item.Value() > gen {
		return false
	}
	c.cache.Set(projectID, participants, ttlcache.DefaultTTL)
	return true
}

func (c *ParticipantsCache) Invalidate(projectIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	for _, projectID := range projectIDs {
		c.cache.Delete(projectID)
		c.invalidated.Set(projectID, c.seq, ttlcache.DefaultTTL)
	}
}
