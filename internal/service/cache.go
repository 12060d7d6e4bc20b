package service

import (
	"sync"
	"time"

	"ephemeral-bot/internal/models"
)

type cacheEntry struct {
	policy  *models.Policy // nil records a channel without an active policy
	expires time.Time
}

// PolicyCache keeps recently resolved channel policies in memory so the
// ingestion path does not hit the database for every message.
//
// Writes stamp their key with a new generation. A read-through fill carries
// the generation observed before it queried the store and is dropped when a
// write happened in between, so a stale "no rule" never hides a new rule.
type PolicyCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	gens    map[string]uint64 // only keys that were written, bounded by configured channels
	seq     uint64
	ttl     time.Duration
	now     func() time.Time
}

func NewPolicyCache(ttl time.Duration, now func() time.Time) *PolicyCache {
	return &PolicyCache{
		entries: make(map[string]cacheEntry),
		gens:    make(map[string]uint64),
		ttl:     ttl,
		now:     now,
	}
}

func cacheKey(communityID, channelID string) string {
	return communityID + "/" + channelID
}

// Get returns the cached policy and whether the entry was present. A present
// entry with a nil policy means the channel is known to have no rule.
func (c *PolicyCache) Get(communityID, channelID string) (*models.Policy, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[cacheKey(communityID, channelID)]
	if !ok || !c.now().Before(e.expires) {
		return nil, false
	}
	if e.policy == nil {
		return nil, true
	}
	p := *e.policy
	return &p, true
}

// Generation returns the write generation of a channel, to be passed to Fill.
func (c *PolicyCache) Generation(communityID, channelID string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[cacheKey(communityID, channelID)]
}

// Put stores p, or a negative entry when p is nil, as the result of a write.
func (c *PolicyCache) Put(communityID, channelID string, p *models.Policy) {
	stored := clonePolicy(p)

	c.mu.Lock()
	defer c.mu.Unlock()
	key := c.bump(communityID, channelID)
	c.entries[key] = cacheEntry{policy: stored, expires: c.now().Add(c.ttl)}
}

// Fill stores the result of a store read unless the channel was written
// after gen was taken. It reports whether the entry was stored.
func (c *PolicyCache) Fill(communityID, channelID string, p *models.Policy, gen uint64) bool {
	stored := clonePolicy(p)

	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(communityID, channelID)
	if c.gens[key] != gen {
		return false
	}
	c.entries[key] = cacheEntry{policy: stored, expires: c.now().Add(c.ttl)}
	return true
}

func (c *PolicyCache) Invalidate(communityID, channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, c.bump(communityID, channelID))
}

// bump must be called with mu held.
func (c *PolicyCache) bump(communityID, channelID string) string {
	key := cacheKey(communityID, channelID)
	c.seq++
	c.gens[key] = c.seq
	return key
}

func clonePolicy(p *models.Policy) *models.Policy {
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// Prune drops expired entries and returns how many were removed.
func (c *PolicyCache) Prune() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

func (c *PolicyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
