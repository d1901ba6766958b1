package cache

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/golang-lru"
)

// LRUStorage keeps caches in memory, each bounded to a fixed number of entries.
// When a cache is full the least recently matched entry is evicted.
// Memory usage is roughly size * averageResponseSize per cache.
type LRUStorage struct {
	size   int
	mutex  *sync.RWMutex
	names  []string
	caches map[string]*lruCache
}

type lruCache struct {
	name    string
	size    int
	mutex   *sync.Mutex
	db      *lru.Cache
	deleted bool
}

// NewLRUStorage returns an LRU storage whose caches hold at most size entries.
func NewLRUStorage(size int) (*LRUStorage, error) {
	if size <= 0 {
		return nil, fmt.Errorf("lru size must be positive, got %d", size)
	}
	return &LRUStorage{
		size:   size,
		mutex:  &sync.RWMutex{},
		caches: make(map[string]*lruCache),
	}, nil
}

func (s *LRUStorage) Open(name string) (Cache, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if c, ok := s.caches[name]; ok {
		return c, nil
	}
	db, err := lru.New(s.size)
	if err != nil {
		return nil, err
	}
	c := &lruCache{
		name:  name,
		size:  s.size,
		mutex: &sync.Mutex{},
		db:    db,
	}
	s.caches[name] = c
	s.names = append(s.names, name)
	return c, nil
}

func (s *LRUStorage) Has(name string) (bool, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	_, ok := s.caches[name]
	return ok, nil
}

func (s *LRUStorage) Delete(name string) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	c, ok := s.caches[name]
	if !ok {
		return false, nil
	}
	c.mutex.Lock()
	c.deleted = true
	c.db.Purge()
	c.mutex.Unlock()
	delete(s.caches, name)
	s.names = removeName(s.names, name)
	return true, nil
}

func (s *LRUStorage) Keys() ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return append([]string(nil), s.names...), nil
}

func (s *LRUStorage) Close() error {
	return nil
}

func (c *lruCache) Name() string {
	return c.name
}

func (c *lruCache) Match(key string) (Entry, bool, error) {
	obj, ok := c.db.Get(key)
	if !ok {
		return Entry{}, false, nil
	}
	return obj.(Entry), true, nil
}

func (c *lruCache) Put(e Entry) error {
	return c.PutAll([]Entry{e})
}

// PutAll refuses batches larger than the cache,
// since earlier entries of the batch would be evicted by later ones.
func (c *lruCache) PutAll(es []Entry) error {
	if len(es) > c.size {
		return fmt.Errorf("%d entries do not fit in cache %s of size %d", len(es), c.name, c.size)
	}
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.deleted {
		return ErrCacheDeleted
	}
	for _, e := range es {
		c.db.Add(e.Key, e)
	}
	return nil
}

func (c *lruCache) Delete(key string) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ok := c.db.Contains(key)
	c.db.Remove(key)
	return ok, nil
}

func (c *lruCache) Keys() ([]string, error) {
	objs := c.db.Keys()
	keys := make([]string, 0, len(objs))
	for _, obj := range objs {
		keys = append(keys, obj.(string))
	}
	sort.Strings(keys)
	return keys, nil
}
