package recall

import (
	"container/list"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/burrowkit/burrow/pkg/index"
	"github.com/burrowkit/burrow/pkg/types"
)

// queryCache is a small LRU over search results keyed by
// hash(query, filters, limit) with a short TTL.
type queryCache struct {
	mu      sync.Mutex
	entries map[uint64]*list.Element
	order   *list.List
	max     int
	ttl     time.Duration
}

type cacheEntry struct {
	key     uint64
	results []*types.MemoryResult
	stored  time.Time
}

func newQueryCache(max int, ttl time.Duration) *queryCache {
	if max <= 0 {
		max = 100
	}
	return &queryCache{
		entries: make(map[uint64]*list.Element),
		order:   list.New(),
		max:     max,
		ttl:     ttl,
	}
}

func cacheKey(query string, filters *index.Filters, limit int) uint64 {
	h := fnv.New64a()
	h.Write([]byte(query))
	fmt.Fprintf(h, "|%d", limit)
	if filters != nil {
		fmt.Fprintf(h, "|%s|%s|%s|%s|%d|%d|%s",
			filters.RepoPath, filters.Namespace, filters.Spec, filters.Status,
			filters.Since.UnixNano(), filters.Until.UnixNano(),
			strings.Join(filters.TagsAny, ","))
	}
	return h.Sum64()
}

func (c *queryCache) get(query string, filters *index.Filters, limit int) ([]*types.MemoryResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(query, filters, limit)
	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*cacheEntry)
	if time.Since(entry.stored) > c.ttl {
		c.order.Remove(elem)
		delete(c.entries, key)
		return nil, false
	}
	c.order.MoveToFront(elem)
	return entry.results, true
}

func (c *queryCache) put(query string, filters *index.Filters, limit int, results []*types.MemoryResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(query, filters, limit)
	if elem, ok := c.entries[key]; ok {
		elem.Value.(*cacheEntry).results = results
		elem.Value.(*cacheEntry).stored = time.Now()
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(&cacheEntry{key: key, results: results, stored: time.Now()})
	c.entries[key] = elem

	for c.order.Len() > c.max {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

// invalidate drops every cached result. Nothing in the engine calls it on
// capture or sync; results cached before a write are served until their
// TTL expires unless Invalidate is called.
func (c *queryCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*list.Element)
	c.order.Init()
}

// Invalidate clears the engine's query cache
func (e *Engine) Invalidate() {
	e.cache.invalidate()
}
