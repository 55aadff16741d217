// Package stmtcache maps query text to a prepared statement handle for a
// single backend connection.
//
// A Cache is owned by exactly one client and is not safe for concurrent use.
// Handles stored in it are only valid on the connection they were prepared on,
// so a Cache must never be shared between connections.
package stmtcache

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// PrepareFunc compiles query on the owning connection.
type PrepareFunc[H any] func(ctx context.Context, query string) (H, error)

type store[H any] interface {
	get(query string) (H, bool)
	add(query string, h H)
	len() int
	purge()
}

// EvictFunc receives each entry the cache drops, whether by LRU eviction
// or by Clear.
type EvictFunc[H any] func(query string, h H)

// Cache holds prepared statement handles keyed by the verbatim query text.
type Cache[H any] struct {
	entries store[H]
}

// New returns an unbounded cache. Entries are never evicted.
func New[H any]() *Cache[H] {
	return &Cache[H]{entries: &mapStore[H]{m: make(map[string]H)}}
}

// NewBounded returns a cache holding at most size entries, evicting the least
// recently used one.
func NewBounded[H any](size int) (*Cache[H], error) {
	return newLRU[H](size, nil)
}

// NewWithEvict returns a cache that reports dropped entries to onEvict so the
// owner can release them on the server. size 0 means unbounded.
func NewWithEvict[H any](size int, onEvict EvictFunc[H]) (*Cache[H], error) {
	if size == 0 {
		return &Cache[H]{entries: &mapStore[H]{m: make(map[string]H), onEvict: onEvict}}, nil
	}
	return newLRU(size, onEvict)
}

func newLRU[H any](size int, onEvict EvictFunc[H]) (*Cache[H], error) {
	l, err := lru.NewWithEvict[string, H](size, onEvict)
	if err != nil {
		return nil, fmt.Errorf("create bounded statement cache: %w", err)
	}
	return &Cache[H]{entries: lruStore[H]{l}}, nil
}

// GetOrPrepare returns the cached handle for query, preparing and storing it
// on a miss. A failed prepare leaves the cache unchanged.
func (c *Cache[H]) GetOrPrepare(ctx context.Context, query string, prepare PrepareFunc[H]) (H, error) {
	if h, ok := c.entries.get(query); ok {
		return h, nil
	}

	h, err := prepare(ctx, query)
	if err != nil {
		var zero H
		return zero, err
	}
	c.entries.add(query, h)
	return h, nil
}

// Get returns the cached handle for query without preparing.
func (c *Cache[H]) Get(query string) (H, bool) {
	return c.entries.get(query)
}

// Size returns the number of cached statements.
func (c *Cache[H]) Size() int {
	return c.entries.len()
}

// Clear drops every entry, reporting each to the eviction callback if any.
func (c *Cache[H]) Clear() {
	c.entries.purge()
}

type mapStore[H any] struct {
	m       map[string]H
	onEvict EvictFunc[H]
}

func (s *mapStore[H]) get(query string) (H, bool) {
	h, ok := s.m[query]
	return h, ok
}

func (s *mapStore[H]) add(query string, h H) { s.m[query] = h }
func (s *mapStore[H]) len() int              { return len(s.m) }

func (s *mapStore[H]) purge() {
	old := s.m
	s.m = make(map[string]H)
	if s.onEvict == nil {
		return
	}
	for query, h := range old {
		s.onEvict(query, h)
	}
}

type lruStore[H any] struct {
	l *lru.Cache[string, H]
}

func (s lruStore[H]) get(query string) (H, bool) { return s.l.Get(query) }
func (s lruStore[H]) add(query string, h H)      { s.l.Add(query, h) }
func (s lruStore[H]) len() int                   { return s.l.Len() }
func (s lruStore[H]) purge()                     { s.l.Purge() }
