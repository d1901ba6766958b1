package cache

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrCacheDeleted is returned when writing through a handle to a cache that
// has since been deleted from its storage. The write is dropped so a deleted
// cache can never be resurrected by a late writer.
var ErrCacheDeleted = errors.New("cache has been deleted")

// Storage is a set of named caches, the equivalent of a browser's CacheStorage.
// Caches are created on first Open and live until deleted.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns the cache with the given name, creating it if absent.
	Open(name string) (Cache, error)
	// Has reports whether a cache with the given name exists.
	Has(name string) (bool, error)
	// Delete removes the named cache and all its entries.
	// The boolean reports whether there was anything to delete.
	Delete(name string) (bool, error)
	// Keys returns the names of all caches in creation order.
	Keys() ([]string, error)
	// Close releases the resources held by the storage.
	Close() error
}

// Cache is a single named cache mapping request keys to stored responses.
//
// Implementations must be thread-safe!
type Cache interface {
	Name() string
	// Match returns the entry stored under key.
	// The boolean is false if there is no such entry.
	Match(key string) (Entry, bool, error)
	// Put stores the entry, replacing any entry under the same key.
	Put(e Entry) error
	// PutAll stores all entries or none of them.
	PutAll(es []Entry) error
	// Delete removes the entry stored under key.
	Delete(key string) (bool, error)
	// Keys returns all keys in the cache, sorted.
	Keys() ([]string, error)
}

// Entry is a stored response.
type Entry struct {
	// Key is the request key, usually the absolute request URL.
	Key string
	// StoredAt is the time the entry was written.
	StoredAt time.Time
	// Bytes is the serialized request and response.
	Bytes []byte
}

// MemStorage keeps all caches in process memory.
type MemStorage struct {
	mutex  *sync.RWMutex
	names  []string
	caches map[string]*memCache
}

type memCache struct {
	name    string
	mutex   *sync.RWMutex
	db      map[string]Entry
	deleted bool
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		mutex:  &sync.RWMutex{},
		caches: make(map[string]*memCache),
	}
}

func (m *MemStorage) Open(name string) (Cache, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if c, ok := m.caches[name]; ok {
		return c, nil
	}
	c := &memCache{
		name:  name,
		mutex: &sync.RWMutex{},
		db:    make(map[string]Entry),
	}
	m.caches[name] = c
	m.names = append(m.names, name)
	return c, nil
}

func (m *MemStorage) Has(name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.caches[name]
	return ok, nil
}

func (m *MemStorage) Delete(name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	c, ok := m.caches[name]
	if !ok {
		return false, nil
	}
	c.mutex.Lock()
	c.deleted = true
	c.mutex.Unlock()
	delete(m.caches, name)
	m.names = removeName(m.names, name)
	return true, nil
}

func (m *MemStorage) Keys() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return append([]string(nil), m.names...), nil
}

func (m *MemStorage) Close() error {
	return nil
}

func (c *memCache) Name() string {
	return c.name
}

func (c *memCache) Match(key string) (Entry, bool, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	e, ok := c.db[key]
	return e, ok, nil
}

func (c *memCache) Put(e Entry) error {
	return c.PutAll([]Entry{e})
}

func (c *memCache) PutAll(es []Entry) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.deleted {
		return ErrCacheDeleted
	}
	for _, e := range es {
		c.db[e.Key] = e
	}
	return nil
}

func (c *memCache) Delete(key string) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	_, ok := c.db[key]
	delete(c.db, key)
	return ok, nil
}

func (c *memCache) Keys() ([]string, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	keys := make([]string, 0, len(c.db))
	for key := range c.db {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func removeName(names []string, name string) []string {
	out := names[:0]
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}
