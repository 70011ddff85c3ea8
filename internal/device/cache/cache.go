// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package cache is an in-memory block cache for a single connection. Reads
// populate it from the storage backend, writes land in it dirty and reach
// the backend on flush or when an entry is evicted to stay within capacity.
// A flush is the only point at which prior writes are guaranteed durable.
package cache

import (
	"container/list"
	"sort"

	"github.com/oxtoacart/bpool"

	"github.com/asch/nbs/internal/metrics"
	"github.com/asch/nbs/internal/storage"
)

// Cache maps block ids to cached block buffers with least-recently-used
// eviction. It is owned by one connection and is not safe for concurrent
// use; the protocol layer serializes requests per connection.
type Cache struct {
	store     storage.BlockStore
	export    string
	blockSize int
	capacity  int

	// Block buffers are pooled so that a long-lived connection churning
	// through blocks does not churn through allocations. Evicted entries
	// return their buffer.
	pool *bpool.BytePool

	entries map[int64]*entry
	lru     *list.List // front = most recently used
}

// entry lifecycle: absent -> clean (read-through) -> dirty (write) -> clean
// (flush or write-back-on-evict) -> evicted. A dirty entry may be rewritten
// any number of times before it is persisted.
type entry struct {
	blockID int64
	data    []byte
	dirty   bool
	elem    *list.Element
}

func New(store storage.BlockStore, export string, blockSize, capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}

	return &Cache{
		store:     store,
		export:    export,
		blockSize: blockSize,
		capacity:  capacity,
		pool:      bpool.NewBytePool(capacity+1, blockSize),
		entries:   make(map[int64]*entry),
		lru:       list.New(),
	}
}

// GetBlock returns the current full block for blockID, fetching it from the
// storage backend on a miss. The returned buffer is owned by the cache and
// is only valid until the next cache operation.
func (c *Cache) GetBlock(blockID int64) ([]byte, error) {
	if e, ok := c.entries[blockID]; ok {
		metrics.CacheHits.Inc()
		c.lru.MoveToFront(e.elem)

		return e.data, nil
	}

	metrics.CacheMisses.Inc()

	data, err := c.store.ReadBlock(c.export, blockID, c.blockSize)
	if err != nil {
		return nil, err
	}

	e, err := c.insert(blockID, data, false)
	if err != nil {
		return nil, err
	}

	return e.data, nil
}

// PutBlock stores data as the current value of blockID and marks the entry
// dirty. data must be a full block.
func (c *Cache) PutBlock(blockID int64, data []byte) error {
	if len(data) != c.blockSize {
		return &storage.BlockSizeError{
			Export: c.export, BlockID: blockID, Got: len(data), Want: c.blockSize,
		}
	}

	if e, ok := c.entries[blockID]; ok {
		copy(e.data, data)
		e.dirty = true
		c.lru.MoveToFront(e.elem)

		return nil
	}

	_, err := c.insert(blockID, data, true)

	return err
}

// Flush persists every dirty entry and then asks the backend to make the
// writes durable. Entries are written in ascending block order; an entry
// turns clean the moment its own write succeeds, so a failed flush leaves
// exactly the unwritten entries dirty and a retry resumes where it stopped.
func (c *Cache) Flush() error {
	ids := make([]int64, 0, len(c.entries))
	for id, e := range c.entries {
		if e.dirty {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if err := c.persistEntry(c.entries[id]); err != nil {
			return err
		}
	}

	return c.store.Flush(c.export)
}

// Dirty reports how many entries hold unpersisted writes.
func (c *Cache) Dirty() int {
	n := 0
	for _, e := range c.entries {
		if e.dirty {
			n++
		}
	}

	return n
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Drop discards every entry without persisting anything. This is the
// disconnect path: writes that were never flushed are lost by contract.
func (c *Cache) Drop() {
	for _, e := range c.entries {
		c.pool.Put(e.data)
	}

	c.entries = make(map[int64]*entry)
	c.lru.Init()
}

// Insert a new entry for blockID holding a copy of data, evicting the least
// recently used entry first if the cache is full. The entry being inserted
// can never be the eviction victim.
func (c *Cache) insert(blockID int64, data []byte, dirty bool) (*entry, error) {
	if err := c.evictIfFull(); err != nil {
		return nil, err
	}

	buf := c.pool.Get()
	copy(buf, data)

	e := &entry{blockID: blockID, data: buf, dirty: dirty}
	e.elem = c.lru.PushFront(e)
	c.entries[blockID] = e

	return e, nil
}

// Evict the entry at the back of the recency list if the cache is at
// capacity. A dirty victim is written back first, so eviction never loses
// data; a failed write-back aborts the eviction and the insert that wanted
// the room.
func (c *Cache) evictIfFull() error {
	if len(c.entries) < c.capacity {
		return nil
	}

	victim := c.lru.Back().Value.(*entry)

	if victim.dirty {
		if err := c.persistEntry(victim); err != nil {
			return err
		}
	}

	c.lru.Remove(victim.elem)
	delete(c.entries, victim.blockID)
	c.pool.Put(victim.data)

	metrics.CacheEvictions.Inc()

	return nil
}

// Single write-back path shared by flush and eviction, so both have the same
// durability semantics: on success the entry is clean, on failure it stays
// dirty and the error surfaces to the caller.
func (c *Cache) persistEntry(e *entry) error {
	if err := c.store.WriteBlock(c.export, e.blockID, e.data); err != nil {
		return err
	}

	e.dirty = false
	metrics.CacheWritebacks.Inc()

	return nil
}
