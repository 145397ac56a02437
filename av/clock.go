package av

import (
	"sync"
	"time"
)

// Clock is the reference point all outgoing timestamps are measured
// from. The first stamped time becomes zero; results wrap modulo 2^32
// milliseconds and never go below zero.
type Clock struct {
	mu      sync.Mutex
	started bool
	base    time.Duration
}

func NewClock() *Clock {
	return &Clock{}
}

func (c *Clock) Stamp(t time.Duration) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		c.started = true
		c.base = t
	}
	d := t - c.base
	if d < 0 {
		return 0
	}
	return uint32(int64(d / time.Millisecond))
}

func (c *Clock) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *Clock) Reset() {
	c.mu.Lock()
	c.started = false
	c.base = 0
	c.mu.Unlock()
}
