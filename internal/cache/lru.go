// Package cache provides a small in-process memoizer in front of the
// persistent text cache, avoiding repeated store round-trips within one run.
package cache

import (
	"container/list"
	"fmt"
	"os"
	"sync"

	"github.com/vajwanigithud/DocSort/internal/fingerprint"
)

// DefaultCapacity bounds the memoizer when no capacity is configured.
const DefaultCapacity = 128

// TextLRU is a bounded least-recently-used map of extraction results. The key
// embeds the file's modification time, so a changed file naturally misses
// instead of serving stale text. Safe for concurrent use.
type TextLRU struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recently used
	entries  map[string]*list.Element
}

type lruEntry struct {
	key  string
	text string
}

func NewTextLRU(capacity int) *TextLRU {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &TextLRU{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element, capacity),
	}
}

// Key builds the memoizer key for path at maxPages. The integer mtime is part
// of the key; a file that cannot be stat'd keys with mtime 0.
func Key(path string, maxPages int) string {
	var mtime int64
	if info, err := os.Stat(path); err == nil {
		mtime = info.ModTime().Unix()
	}
	return fmt.Sprintf("%s::%d::%d", fingerprint.NormalizePath(path), mtime, maxPages)
}

// Get returns the memoized text for key and promotes the entry to most
// recently used.
func (c *TextLRU) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return "", false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).text, true
}

// Put stores text under key, evicting the least recently used entry when the
// capacity is exceeded.
func (c *TextLRU) Put(key, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*lruEntry).text = text
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&lruEntry{key: key, text: text})
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*lruEntry).key)
	}
}

// Len returns the number of memoized entries.
func (c *TextLRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
