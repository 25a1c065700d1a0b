// Package snapshot holds the most recently rendered frame for the HTTP
// server.
package snapshot

import (
	"sync/atomic"
	"time"
)

// Snapshot is one encoded frame with its render metadata.
//
// IMMUTABILITY CONTRACT:
//   - Publisher: MUST NOT modify JPEG after Publish
//   - Readers: MUST NOT modify JPEG (shared by reference)
type Snapshot struct {
	// JPEG is the encoded image
	JPEG []byte
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Timestamp is when the frame was rendered
	Timestamp time.Time
	// ProcessingTime is how long rendering and processing of this frame took
	ProcessingTime time.Duration
	// Effect is the label of the effect active when the frame was drawn
	Effect string
}

// Stats reports cache activity.
type Stats struct {
	// Publishes is the total number of Publish calls
	Publishes uint64
	// Overwrites counts snapshots replaced without ever being read
	Overwrites uint64
	// Reads counts successful Peek calls
	Reads uint64
}

type slot struct {
	snap Snapshot
	read atomic.Bool
}

// Cache is a single-slot, overwrite-on-write snapshot holder.
//
// Semantics:
//   - Publish replaces the slot atomically; readers see either the old or
//     the new snapshot, never a mix
//   - Peek does not consume; repeated reads return the same snapshot until
//     the next Publish
//   - Neither operation blocks
//
// Thread-safety: all methods are safe for concurrent use. The zero value
// is an empty cache.
type Cache struct {
	cur        atomic.Pointer[slot]
	publishes  atomic.Uint64
	overwrites atomic.Uint64
	reads      atomic.Uint64
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{}
}

// Publish makes s the current snapshot.
func (c *Cache) Publish(s Snapshot) {
	prev := c.cur.Swap(&slot{snap: s})
	c.publishes.Add(1)
	if prev != nil && !prev.read.Load() {
		c.overwrites.Add(1)
	}
}

// Peek returns the current snapshot, or false when nothing was published yet.
func (c *Cache) Peek() (Snapshot, bool) {
	cur := c.cur.Load()
	if cur == nil {
		return Snapshot{}, false
	}
	cur.read.Store(true)
	c.reads.Add(1)
	return cur.snap, true
}

// HasFrame reports whether a snapshot is available.
func (c *Cache) HasFrame() bool {
	return c.cur.Load() != nil
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.cur.Store(nil)
}

// Stats returns a copy of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Publishes:  c.publishes.Load(),
		Overwrites: c.overwrites.Load(),
		Reads:      c.reads.Load(),
	}
}
