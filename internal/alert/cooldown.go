// ABOUTME: Thread-safe per-key cooldown window for alert suppression
// ABOUTME: Size-bounded with oldest-first eviction and periodic expiry sweep

package alert

import (
	"container/list"
	"sync"
	"time"
)

type cooldownEntry struct {
	at      time.Time
	element *list.Element
}

// Cooldown remembers when each key last fired and suppresses repeats inside
// the window. Keys are held in firing order so eviction at capacity is O(1).
type Cooldown struct {
	mu      sync.Mutex
	entries map[string]*cooldownEntry
	order   *list.List // oldest at front
	window  time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// NewCooldown creates a cooldown with the given window and capacity. A
// non-positive window disables suppression. A background goroutine drops
// expired keys until Close.
func NewCooldown(window time.Duration, maxSize int) *Cooldown {
	if maxSize <= 0 {
		maxSize = 1024
	}
	c := &Cooldown{
		entries: make(map[string]*cooldownEntry),
		order:   list.New(),
		window:  window,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.expireLoop()
	return c
}

// Acquire reports whether key may fire now and, if so, starts its window.
// Check and mark happen under one lock.
func (c *Cooldown) Acquire(key string) bool {
	if c.window <= 0 {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[key]; ok {
		if now.Sub(e.at) < c.window {
			return false
		}
		e.at = now
		c.order.MoveToBack(e.element)
		return true
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	c.entries[key] = &cooldownEntry{at: now, element: c.order.PushBack(key)}
	return true
}

// Release forgets key, so the next Acquire succeeds. Used when a delivery
// that took the slot failed.
func (c *Cooldown) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		c.order.Remove(e.element)
		delete(c.entries, key)
	}
}

// Len returns the number of tracked keys.
func (c *Cooldown) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldest must be called with mu held.
func (c *Cooldown) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

func (c *Cooldown) expireLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expire()
		case <-c.done:
			return
		}
	}
}

// expire drops keys whose window has passed. Entries are in firing order, so
// it stops at the first live one.
func (c *Cooldown) expire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key, _ := front.Value.(string)
		if now.Sub(c.entries[key].at) < c.window {
			return
		}
		c.order.Remove(front)
		delete(c.entries, key)
	}
}

// Close stops the expiry goroutine. Safe to call more than once.
func (c *Cooldown) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
