package reconnect

import (
	"sync"
	"time"
)

// Throttle decides whether frame admission should be held back. It
// engages when the peer has left more than a window of bytes
// unacknowledged for longer than the grace period, or when the buffer
// fill reaches the high water mark, and releases with hysteresis.
type Throttle struct {
	mu           sync.Mutex
	grace        time.Duration
	highWater    float64
	deficitSince time.Time
	ackHeld      bool
	fillHeld     bool
	held         bool
	signal       chan bool
	now          func() time.Time
}

func NewThrottle(grace time.Duration, highWater float64) *Throttle {
	return &Throttle{
		grace:     grace,
		highWater: highWater,
		signal:    make(chan bool, 1),
		now:       time.Now,
	}
}

// Observe feeds the current ack state and buffer fill and returns
// whether admission is throttled. ackKnown is false until the peer has
// acknowledged anything.
func (t *Throttle) Observe(unacked uint32, ackKnown bool, window uint32, fill float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	deficit := ackKnown && window > 0 && unacked > window
	switch {
	case deficit:
		now := t.now()
		if t.deficitSince.IsZero() {
			t.deficitSince = now
		}
		if now.Sub(t.deficitSince) >= t.grace {
			t.ackHeld = true
		}
	default:
		t.deficitSince = time.Time{}
		if t.ackHeld && (!ackKnown || unacked < window/2) {
			t.ackHeld = false
		}
	}

	if t.highWater > 0 {
		switch {
		case fill >= t.highWater:
			t.fillHeld = true
		case fill <= t.highWater/2:
			t.fillHeld = false
		}
	}

	held := t.ackHeld || t.fillHeld
	if held != t.held {
		t.held = held
		select {
		case <-t.signal:
		default:
		}
		t.signal <- held
	}
	return held
}

func (t *Throttle) Throttled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.held
}

// Signal delivers the latest throttle level each time it changes.
// Only the most recent value is kept.
func (t *Throttle) Signal() <-chan bool {
	return t.signal
}

func (t *Throttle) Reset() {
	t.mu.Lock()
	t.deficitSince = time.Time{}
	t.ackHeld = false
	t.mu.Unlock()
}
