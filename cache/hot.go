package cache

import (
	"sync"

	"github.com/dgraph-io/ristretto"
)

// HotStorage is a read-through layer in front of another Storage.
// Matched entries are kept in a cost-bounded ristretto cache, so frequently
// requested assets are served without touching the underlying storage.
// Writes go straight to the underlying storage and invalidate the hot copy.
type HotStorage struct {
	Storage

	hot *ristretto.Cache

	// Every hot copy records the versions it was read at. A write to its key
	// bumps gens, deleting a cache bumps epoch, and either makes the copy a miss.
	mutex sync.Mutex
	epoch uint64
	gens  map[string]uint64
}

type hotEntry struct {
	epoch uint64
	gen   uint64
	entry Entry
}

// NewHotStorage wraps inner with a hot layer holding at most maxBytes of entries.
func NewHotStorage(inner Storage, maxBytes int64) (*HotStorage, error) {
	if maxBytes <= 0 {
		maxBytes = 1
	}
	hot, err := ristretto.NewCache(&ristretto.Config{
		// roughly one counter per 1kB stored, times ten as recommended
		NumCounters: maxBytes/100 + 10,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &HotStorage{Storage: inner, hot: hot, gens: make(map[string]uint64)}, nil
}

func (s *HotStorage) Open(name string) (Cache, error) {
	c, err := s.Storage.Open(name)
	if err != nil {
		return nil, err
	}
	return &hotCache{Cache: c, s: s}, nil
}

// Delete removes the named cache from the underlying storage.
// The hot layer cannot be enumerated by cache, so it is cleared entirely.
func (s *HotStorage) Delete(name string) (bool, error) {
	ok, err := s.Storage.Delete(name)
	s.mutex.Lock()
	s.epoch++
	s.mutex.Unlock()
	s.hot.Clear()
	return ok, err
}

func (s *HotStorage) Close() error {
	s.hot.Close()
	return s.Storage.Close()
}

func (s *HotStorage) version(hotKey string) (epoch, gen uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.epoch, s.gens[hotKey]
}

// invalidate must be called after the underlying write has finished.
func (s *HotStorage) invalidate(hotKey string) {
	s.mutex.Lock()
	s.gens[hotKey]++
	s.mutex.Unlock()
	s.hot.Del(hotKey)
}

type hotCache struct {
	Cache

	s *HotStorage
}

func (c *hotCache) hotKey(key string) string {
	return c.Name() + "\x00" + key
}

func (c *hotCache) Match(key string) (Entry, bool, error) {
	hk := c.hotKey(key)
	epoch, gen := c.s.version(hk)
	if obj, ok := c.s.hot.Get(hk); ok && obj != nil {
		if h := obj.(hotEntry); h.epoch == epoch && h.gen == gen {
			return h.entry, true, nil
		}
	}
	// a write landing during the read leaves a copy with an old version behind
	e, ok, err := c.Cache.Match(key)
	if ok && err == nil {
		c.s.hot.Set(hk, hotEntry{epoch: epoch, gen: gen, entry: e}, int64(len(e.Bytes)+len(e.Key)))
	}
	return e, ok, err
}

func (c *hotCache) Put(e Entry) error {
	err := c.Cache.Put(e)
	c.s.invalidate(c.hotKey(e.Key))
	return err
}

func (c *hotCache) PutAll(es []Entry) error {
	err := c.Cache.PutAll(es)
	for _, e := range es {
		c.s.invalidate(c.hotKey(e.Key))
	}
	return err
}

func (c *hotCache) Delete(key string) (bool, error) {
	ok, err := c.Cache.Delete(key)
	c.s.invalidate(c.hotKey(key))
	return ok, err
}
