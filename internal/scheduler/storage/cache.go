package storage

import (
	"container/list"
	"sync"
)

// cacheEntry holds the encoded records of one job. Reports are never cached.
type cacheEntry struct {
	id      string
	records map[Kind][]byte
}

// recordCache is a bounded LRU keyed by job id. All records of an id are
// evicted together.
type recordCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	lookup   map[string]*list.Element
}

func newRecordCache(capacity int) *recordCache {
	return &recordCache{
		capacity: capacity,
		order:    list.New(),
		lookup:   make(map[string]*list.Element),
	}
}

// get returns a cached record and marks the id most recently used
func (c *recordCache) get(kind Kind, id string) ([]byte, bool) {
	if c.capacity <= 0 {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.lookup[id]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)

	data, ok := elem.Value.(*cacheEntry).records[kind]
	return data, ok
}

// put stores a record and evicts least recently used ids beyond capacity
func (c *recordCache) put(kind Kind, id string, data []byte) {
	if c.capacity <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.lookup[id]; ok {
		elem.Value.(*cacheEntry).records[kind] = data
		c.order.MoveToFront(elem)
		return
	}

	entry := &cacheEntry{id: id, records: map[Kind][]byte{kind: data}}
	c.lookup[id] = c.order.PushFront(entry)

	for c.order.Len() > c.capacity {
		tail := c.order.Back()
		c.order.Remove(tail)
		delete(c.lookup, tail.Value.(*cacheEntry).id)
	}
}

// remove drops every record of an id
func (c *recordCache) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.lookup[id]; ok {
		c.order.Remove(elem)
		delete(c.lookup, id)
	}
}

func (c *recordCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *recordCache) contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lookup[id]
	return ok
}
