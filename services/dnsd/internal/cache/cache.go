// Package cache holds the resolver's name to address table.
package cache

import (
	"net"
	"sort"
	"sync"
	"time"

	"netlease/pkg/wire"
)

// Provenance records where an entry came from.
type Provenance string

const (
	Static       Provenance = "static"
	Upstream     Provenance = "upstream"
	LeaseDerived Provenance = "lease-derived"
)

// Entry is one cached name.
type Entry struct {
	Name       string     `json:"name"`
	Address    net.IP     `json:"address"`
	Provenance Provenance `json:"provenance"`
	UpdatedAt  time.Time  `json:"updated_at"`
	// ExpiresAt is zero for entries that never expire.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !e.ExpiresAt.After(now)
}

// Cache is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

func New() *Cache {
	return &Cache{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Set stores a non-expiring entry, replacing any previous entry for name.
func (c *Cache) Set(name string, ip net.IP, p Provenance) Entry {
	return c.SetExpiring(name, ip, p, 0)
}

// SetExpiring stores an entry that disappears after ttl. A non-positive ttl never expires.
func (c *Cache) SetExpiring(name string, ip net.IP, p Provenance, ttl time.Duration) Entry {
	now := c.now()
	e := Entry{
		Name:       wire.CanonicalName(name),
		Address:    append(net.IP(nil), ip.To4()...),
		Provenance: p,
		UpdatedAt:  now,
	}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[e.Name] = e
	return e
}

// Lookup returns the live entry for name.
func (c *Cache) Lookup(name string) (Entry, bool) {
	key := wire.CanonicalName(name)

	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || e.expired(c.now()) {
		return Entry{}, false
	}
	return e, true
}

// Delete removes name and reports whether it was present.
func (c *Cache) Delete(name string) bool {
	key := wire.CanonicalName(name)

	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok
}

// List returns the live entries sorted by name.
func (c *Cache) List() []Entry {
	c.mu.RLock()
	now := c.now()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if !e.expired(now) {
			out = append(out, e)
		}
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Prune drops expired entries and returns how many were removed.
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len counts stored entries, including expired ones not yet pruned.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
