// Package namecache is a time-bounded claim registry that serializes
// registrations of unique identifiers. A submission claims every name,
// origin and address its item declares before voting starts; a claim
// held by a different submission is a conflict and the whole claim set
// is rolled back.
package namecache

import (
	"sync"
	"time"

	"github.com/terminal-bench/notarium/pkg/items"
)

// The three namespaces never collide: a name claim does not block an
// equal address claim.
const (
	namePrefix    = "n_"
	originPrefix  = "o_"
	addressPrefix = "a_"
)

type claim struct {
	holder    items.HashID
	expiresAt time.Time
}

// NameCache holds exclusive TTL claims. The zero value is not usable;
// call New.
type NameCache struct {
	mu     sync.Mutex
	maxAge time.Duration
	claims map[string]claim

	stop chan struct{}
	once sync.Once
}

// New creates a cache whose claims expire after maxAge. A background
// sweeper purges stale entries every cleanInterval; pass zero to disable
// the sweeper and drive CleanUp manually (tests do this).
func New(maxAge, cleanInterval time.Duration) *NameCache {
	c := &NameCache{
		maxAge: maxAge,
		claims: make(map[string]claim),
		stop:   make(chan struct{}),
	}
	if cleanInterval > 0 {
		go c.sweep(cleanInterval)
	}
	return c
}

func (c *NameCache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.CleanUp()
		case <-c.stop:
			return
		}
	}
}

// Shutdown stops the background sweeper.
func (c *NameCache) Shutdown() {
	c.once.Do(func() { close(c.stop) })
}

// CleanUp purges claims whose TTL has elapsed, making their keys
// claimable again.
func (c *NameCache) CleanUp() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, cl := range c.claims {
		if cl.expiresAt.Before(now) {
			delete(c.claims, key)
		}
	}
}

// lockKeys claims every key for holder, or none. It returns the keys
// already held by a different, still-valid holder; an empty result means
// all keys are now claimed. Re-claiming by the same holder refreshes the
// TTL and is never a conflict.
func (c *NameCache) lockKeys(prefix string, keys []string, holder items.HashID) []string {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	var conflicting []string
	for _, key := range keys {
		pk := prefix + key
		if cl, ok := c.claims[pk]; ok && cl.holder != holder && cl.expiresAt.After(now) {
			conflicting = append(conflicting, key)
		}
	}
	if len(conflicting) > 0 {
		return conflicting
	}
	expires := now.Add(c.maxAge)
	for _, key := range keys {
		c.claims[prefix+key] = claim{holder: holder, expiresAt: expires}
	}
	return nil
}

func (c *NameCache) unlockKeys(prefix string, keys []string, holder items.HashID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		pk := prefix + key
		if cl, ok := c.claims[pk]; ok && cl.holder == holder {
			delete(c.claims, pk)
		}
	}
}

// LockNames claims human-readable names for holder.
func (c *NameCache) LockNames(names []string, holder items.HashID) []string {
	return c.lockKeys(namePrefix, names, holder)
}

// UnlockNames releases name claims held by holder.
func (c *NameCache) UnlockNames(names []string, holder items.HashID) {
	c.unlockKeys(namePrefix, names, holder)
}

// LockOrigins claims cryptographic origins for holder.
func (c *NameCache) LockOrigins(origins []items.HashID, holder items.HashID) []string {
	return c.lockKeys(originPrefix, encodeIDs(origins), holder)
}

// UnlockOrigins releases origin claims held by holder.
func (c *NameCache) UnlockOrigins(origins []items.HashID, holder items.HashID) {
	c.unlockKeys(originPrefix, encodeIDs(origins), holder)
}

// LockAddresses claims addresses for holder.
func (c *NameCache) LockAddresses(addresses []string, holder items.HashID) []string {
	return c.lockKeys(addressPrefix, addresses, holder)
}

// UnlockAddresses releases address claims held by holder.
func (c *NameCache) UnlockAddresses(addresses []string, holder items.HashID) {
	c.unlockKeys(addressPrefix, addresses, holder)
}

// Size returns the number of live claims across all namespaces.
func (c *NameCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.claims)
}

func encodeIDs(ids []items.HashID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
