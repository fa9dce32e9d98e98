// Package typecache caches the user-visible types of resources. Changes
// made in a transaction go to a session cache and reach the shared cache
// only when the transaction commits.
package typecache

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/immutable"

	"github.com/dd0wney/cluso-repository/pkg/identifier"
	"github.com/dd0wney/cluso-repository/pkg/kernel"
)

// Cache maps a resource to its types. Readers of the shared cache work on
// an immutable snapshot and never block writers.
type Cache struct {
	shared atomic.Pointer[immutable.Map[string, []string]]
	// writeMu serializes replacements of the shared snapshot.
	writeMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]map[string][]string
}

var _ kernel.TypesCache = (*Cache)(nil)

func New() *Cache {
	c := &Cache{sessions: make(map[string]map[string][]string)}
	c.shared.Store(immutable.NewMap[string, []string](nil))
	return c
}

// Types returns the cached types of id as seen by txID: the session cache
// first, then the shared cache. An empty txID reads the shared cache only.
func (c *Cache) Types(txID string, id identifier.ResourceID) ([]string, bool) {
	key := id.BaseID()
	if txID != "" {
		c.mu.Lock()
		types, ok := c.sessions[txID][key]
		c.mu.Unlock()
		if ok {
			return slices.Clone(types), true
		}
	}
	v, ok := c.shared.Load().Get(key)
	if !ok {
		return nil, false
	}
	return slices.Clone(v), true
}

// Cache records the types of id in the session cache of txID. An empty
// txID writes straight to the shared cache.
func (c *Cache) Cache(txID string, id identifier.ResourceID, types []string) {
	key := id.BaseID()
	types = slices.Clone(types)
	if txID == "" {
		c.writeMu.Lock()
		c.shared.Store(c.shared.Load().Set(key, types))
		c.writeMu.Unlock()
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	session := c.sessions[txID]
	if session == nil {
		session = make(map[string][]string)
		c.sessions[txID] = session
	}
	session[key] = types
}

// Evict removes id from the shared cache.
func (c *Cache) Evict(id identifier.ResourceID) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.shared.Store(c.shared.Load().Delete(id.BaseID()))
}

// MergeSessionCache publishes the session cache of txID to the shared
// cache and forgets the session.
func (c *Cache) MergeSessionCache(txID string) {
	c.mu.Lock()
	session := c.sessions[txID]
	delete(c.sessions, txID)
	c.mu.Unlock()
	if len(session) == 0 {
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	m := c.shared.Load()
	for k, v := range session {
		m = m.Set(k, v)
	}
	c.shared.Store(m)
}

// DropSessionCache discards the session cache of txID.
func (c *Cache) DropSessionCache(txID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, txID)
}

// Len returns the number of resources in the shared cache.
func (c *Cache) Len() int {
	return c.shared.Load().Len()
}

// Sessions returns the number of transactions with a session cache.
func (c *Cache) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}
