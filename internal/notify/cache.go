package notify

import (
	"sync/atomic"
	"time"
)

type snapshot struct {
	blocks []string
	at     time.Time
}

// Cache holds the preloaded notification blocks for the current day.
//
// Single writer (the preload job), many readers (delivery jobs and /bdays).
// Replace swaps the whole snapshot atomically: a concurrent reader sees
// either the previous complete value or the new one, never a mix. Empty at
// startup until the first preload.
type Cache struct {
	v atomic.Value // snapshot
}

func NewCache() *Cache {
	c := &Cache{}
	c.v.Store(snapshot{})
	return c
}

// Replace installs a new set of blocks. The slice is copied; callers may
// reuse theirs.
func (c *Cache) Replace(blocks []string) {
	cp := make([]string, len(blocks))
	copy(cp, blocks)
	c.v.Store(snapshot{blocks: cp, at: time.Now()})
}

// Snapshot returns the current blocks and when they were generated.
// The returned slice must not be mutated.
func (c *Cache) Snapshot() ([]string, time.Time) {
	s, _ := c.v.Load().(snapshot)
	return s.blocks, s.at
}

func (c *Cache) Empty() bool {
	s, _ := c.v.Load().(snapshot)
	return len(s.blocks) == 0
}
