package cache

import (
	"github.com/zijiren233/livesession/av"
)

// Limits bounds one media kind. Zero means unbounded.
type Limits struct {
	Frames int `yaml:"frames"`
	Bytes  int `yaml:"bytes"`
}

type entry struct {
	seq   uint64
	frame *av.Frame
}

// queue holds the frames of one media kind in submit order.
type queue struct {
	limits  Limits
	entries []entry
	bytes   int
	dropped uint64
	// keyframeAware evicts non-keyframes before keyframes and config.
	keyframeAware bool
}

func newQueue(limits Limits, keyframeAware bool) *queue {
	return &queue{
		limits:        limits,
		keyframeAware: keyframeAware,
	}
}

func protected(f *av.Frame) bool {
	return f.Keyframe || f.Config
}

func (q *queue) over() bool {
	return (q.limits.Frames > 0 && len(q.entries) > q.limits.Frames) ||
		(q.limits.Bytes > 0 && q.bytes > q.limits.Bytes)
}

// victim is the index to evict: the oldest non-keyframe, or the oldest
// frame when only keyframes remain.
func (q *queue) victim() int {
	if q.keyframeAware {
		for i, e := range q.entries {
			if !protected(e.frame) {
				return i
			}
		}
	}
	return 0
}

// push appends e and evicts until the queue is back within its limits.
// discontinuity reports that a keyframe or config frame was evicted;
// kept reports whether e itself survived.
func (q *queue) push(e entry) (discontinuity, kept bool) {
	q.entries = append(q.entries, e)
	q.bytes += e.frame.Size()
	kept = true
	for q.over() {
		i := q.victim()
		victim := q.entries[i]
		if q.keyframeAware && protected(victim.frame) {
			discontinuity = true
		}
		if victim.seq == e.seq {
			kept = false
		}
		q.remove(i)
		q.dropped++
	}
	return discontinuity, kept
}

func (q *queue) remove(i int) {
	q.bytes -= q.entries[i].frame.Size()
	copy(q.entries[i:], q.entries[i+1:])
	q.entries[len(q.entries)-1] = entry{}
	q.entries = q.entries[:len(q.entries)-1]
}

func (q *queue) head() (entry, bool) {
	if len(q.entries) == 0 {
		return entry{}, false
	}
	return q.entries[0], true
}

func (q *queue) pop() (entry, bool) {
	e, ok := q.head()
	if ok {
		q.remove(0)
	}
	return e, ok
}

func (q *queue) fill() float64 {
	var f float64
	if q.limits.Frames > 0 {
		f = float64(len(q.entries)) / float64(q.limits.Frames)
	}
	if q.limits.Bytes > 0 {
		f = max(f, float64(q.bytes)/float64(q.limits.Bytes))
	}
	return f
}

func (q *queue) reset() {
	clear(q.entries)
	q.entries = q.entries[:0]
	q.bytes = 0
}
