// Package cache provides the key/value caches injected into components that
// memoize expensive results (embeddings, fetched documents).
package cache

import (
	"container/list"
	"context"
	"sync"
)

// Cache is a byte-valued key/value store.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// LRU is an in-memory cache that evicts the least recently used entry once
// it holds capacity entries. It is safe for concurrent use.
type LRU struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[string]*list.Element
}

type lruEntry struct {
	key   string
	value []byte
}

// NewLRU creates an LRU cache. A capacity below 1 is treated as 1.
func NewLRU(capacity int) *LRU {
	if capacity < 1 {
		capacity = 1
	}
	return &LRU{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

// Get returns the cached value and marks it recently used.
func (c *LRU) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).value, true, nil
}

// Set stores value, evicting the oldest entry when full.
func (c *LRU) Set(_ context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).value = value
		c.order.MoveToFront(el)
		return nil
	}
	c.items[key] = c.order.PushFront(&lruEntry{key: key, value: value})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).key)
	}
	return nil
}

// Len returns the number of cached entries.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Backend is durable entry storage, implemented by the database package.
type Backend interface {
	GetCacheEntry(namespace, key string) ([]byte, bool, error)
	PutCacheEntry(namespace, key string, value []byte) error
}

// Persistent is a namespaced cache over a Backend.
type Persistent struct {
	backend   Backend
	namespace string
}

// NewPersistent creates a cache storing entries under namespace.
func NewPersistent(backend Backend, namespace string) *Persistent {
	return &Persistent{backend: backend, namespace: namespace}
}

func (p *Persistent) Get(_ context.Context, key string) ([]byte, bool, error) {
	return p.backend.GetCacheEntry(p.namespace, key)
}

func (p *Persistent) Set(_ context.Context, key string, value []byte) error {
	return p.backend.PutCacheEntry(p.namespace, key, value)
}

// Tiered reads through a fast cache to a slower one and fills the fast one
// on a slow hit.
type Tiered struct {
	fast, slow Cache
}

// NewTiered layers fast in front of slow.
func NewTiered(fast, slow Cache) *Tiered {
	return &Tiered{fast: fast, slow: slow}
}

func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok, err := t.fast.Get(ctx, key); err != nil || ok {
		return v, ok, err
	}
	v, ok, err := t.slow.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if err := t.fast.Set(ctx, key, v); err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (t *Tiered) Set(ctx context.Context, key string, value []byte) error {
	if err := t.slow.Set(ctx, key, value); err != nil {
		return err
	}
	return t.fast.Set(ctx, key, value)
}
