package snstore

import (
	"github.com/bsm/snstore/amqf"
	"github.com/syndtr/goleveldb/leveldb/cache"
)

// DefaultFilterCacheCapacity is the capacity of filter caches created on demand,
// measured in filter slots.
const DefaultFilterCacheCapacity = 16 << 20

// FilterCache is a weighted LRU cache of decoded table filters, keyed by
// table sequence number. It is safe for concurrent use.
type FilterCache struct {
	c *cache.Cache
}

// NewFilterCache inits a new cache which holds up to capacity filter slots.
func NewFilterCache(capacity int) *FilterCache {
	return &FilterCache{c: cache.NewCache(cache.NewLRU(capacity))}
}

// Evict removes the filter of a table.
func (c *FilterCache) Evict(seq uint32) {
	c.c.Delete(0, uint64(seq), nil)
}

// Close releases the cache.
func (c *FilterCache) Close() error {
	return c.c.Close()
}

func (c *FilterCache) get(seq uint32, load func() (*amqf.Filter, error)) (*amqf.Filter, error) {
	var err error
	h := c.c.Get(0, uint64(seq), func() (int, cache.Value) {
		var f *amqf.Filter
		if f, err = load(); err != nil {
			return 0, nil
		}
		return f.Capacity(), f
	})
	if h == nil {
		return nil, err
	}
	defer h.Release()

	return h.Value().(*amqf.Filter), nil
}

// --------------------------------------------------------------------

// BlockCache is a weighted LRU cache of decompressed blocks, namespaced by
// table sequence number. It is safe for concurrent use.
type BlockCache struct {
	c *cache.Cache
}

// NewBlockCache inits a new cache which holds up to capacity bytes.
func NewBlockCache(capacity int) *BlockCache {
	return &BlockCache{c: cache.NewCache(cache.NewLRU(capacity))}
}

// Close releases the cache.
func (c *BlockCache) Close() error {
	return c.c.Close()
}

func (c *BlockCache) evict(seq uint32) {
	c.c.EvictNS(uint64(seq))
}

func (c *BlockCache) get(seq uint32, pos uint16, load func() ([]byte, error)) ([]byte, error) {
	var err error
	h := c.c.Get(uint64(seq), uint64(pos), func() (int, cache.Value) {
		var b []byte
		if b, err = load(); err != nil {
			return 0, nil
		}
		return len(b), b
	})
	if h == nil {
		return nil, err
	}
	defer h.Release()

	return h.Value().([]byte), nil
}
