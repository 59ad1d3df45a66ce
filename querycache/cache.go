package querycache

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Cache is a keyed client-side query cache. Values are stored CBOR-encoded,
// which makes every stored value an immutable byte string: a snapshot taken
// before an optimistic mutation can be restored byte-identical, no deep copy
// bookkeeping required.
type Cache struct {
	mux     sync.RWMutex
	entries map[string][]byte
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string][]byte)}
}

// Set stores a value under key.
func (c *Cache) Set(key string, value any) error {
	raw, err := cbor.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value for '%s': %w", key, err)
	}
	c.rawSet(key, raw)
	return nil
}

// Get decodes the value stored under key into out. The second return is
// false when the key is absent.
func (c *Cache) Get(key string, out any) (bool, error) {
	raw, ok := c.rawGet(key)
	if !ok {
		return false, nil
	}
	if err := cbor.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode cache value for '%s': %w", key, err)
	}
	return true, nil
}

// Invalidate drops the given keys so the next read goes to the upstream.
func (c *Cache) Invalidate(keys ...string) {
	c.mux.Lock()
	defer c.mux.Unlock()
	for _, key := range keys {
		delete(c.entries, key)
	}
}

func (c *Cache) rawGet(key string) ([]byte, bool) {
	c.mux.RLock()
	defer c.mux.RUnlock()
	raw, ok := c.entries[key]
	return raw, ok
}

func (c *Cache) rawSet(key string, raw []byte) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.entries[key] = raw
}
