package cache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zijiren233/livesession/av"
)

// Default per kind limits.
var (
	DefaultVideoLimits = Limits{Frames: 300, Bytes: 8 << 20}
	DefaultAudioLimits = Limits{Frames: 500, Bytes: 1 << 20}
	DefaultDataLimits  = Limits{Frames: 16, Bytes: 256 << 10}
)

type ItemType uint8

const (
	ItemEmpty ItemType = iota
	ItemFrame
	ItemDiscontinuity
)

func (t ItemType) String() string {
	switch t {
	case ItemFrame:
		return "frame"
	case ItemDiscontinuity:
		return "discontinuity"
	default:
		return "empty"
	}
}

// Item is the result of TakeNext. Frame is set for ItemFrame; Kind
// names the media kind a discontinuity happened on.
type Item struct {
	Type  ItemType
	Kind  av.Kind
	Frame *av.Frame
}

// BufferStats is indexed by media kind minus one: audio, video, data.
type BufferStats struct {
	Frames  [3]int
	Bytes   [3]int
	Dropped [3]uint64
}

// Buffer sits between a frame producer and the sender. Frames are
// stamped against a Clock on the way in and handed out in submit order.
// Each media kind is bounded on its own; overflow evicts rather than
// blocks.
type Buffer struct {
	mu     sync.Mutex
	clock  *av.Clock
	queues [3]*queue
	// last stamped timestamp per kind
	last    [3]uint32
	stamped [3]bool
	seq     uint64
	// pending discontinuity, reported before the next frame
	discontinuity bool
	discKind      av.Kind

	metadata *SpecialCache
	videoSeq *SpecialCache
	audioSeq *SpecialCache

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	log       zerolog.Logger
}

type BufferConf func(*Buffer)

func WithLimits(kind av.Kind, limits Limits) BufferConf {
	return func(b *Buffer) {
		if i, ok := index(kind); ok {
			b.queues[i].limits = limits
		}
	}
}

// WithClock shares a clock reference, so several buffers of one session
// stamp against the same origin.
func WithClock(clock *av.Clock) BufferConf {
	return func(b *Buffer) {
		b.clock = clock
	}
}

func WithBufferLogger(log zerolog.Logger) BufferConf {
	return func(b *Buffer) {
		b.log = log
	}
}

func NewBuffer(conf ...BufferConf) *Buffer {
	b := &Buffer{
		clock: av.NewClock(),
		queues: [3]*queue{
			newQueue(DefaultAudioLimits, false),
			newQueue(DefaultVideoLimits, true),
			newQueue(DefaultDataLimits, false),
		},
		metadata: NewSpecialCache(),
		videoSeq: NewSpecialCache(),
		audioSeq: NewSpecialCache(),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		log:      zerolog.Nop(),
	}
	for _, f := range conf {
		f(b)
	}
	return b
}

func index(kind av.Kind) (int, bool) {
	switch kind {
	case av.KindAudio, av.KindVideo, av.KindData:
		return int(kind) - 1, true
	}
	return 0, false
}

// before compares wire timestamps modulo 2^32.
func before(a, b uint32) bool {
	return int32(a-b) < 0
}

// Submit stamps f and queues it. It never blocks and reports whether f
// is still queued once the bounds have been enforced. f is not
// modified.
func (b *Buffer) Submit(f *av.Frame) bool {
	i, ok := index(f.Kind)
	if !ok {
		return false
	}
	select {
	case <-b.done:
		return false
	default:
	}

	b.mu.Lock()
	ts := b.clock.Stamp(f.DecodeTime())
	if b.stamped[i] && before(ts, b.last[i]) {
		ts = b.last[i]
	}
	b.last[i] = ts
	b.stamped[i] = true

	sf := *f
	sf.Timestamp = ts
	b.seq++
	switch {
	case sf.Kind == av.KindData:
		b.metadata.Write(&sf)
	case sf.Config && sf.Kind == av.KindVideo:
		b.videoSeq.Write(&sf)
	case sf.Config && sf.Kind == av.KindAudio:
		b.audioSeq.Write(&sf)
	}
	disc, kept := b.queues[i].push(entry{seq: b.seq, frame: &sf})
	if disc {
		b.discontinuity = true
		b.discKind = f.Kind
	}
	b.mu.Unlock()

	if disc {
		b.log.Warn().Stringer("kind", f.Kind).Msg("keyframe evicted, discontinuity")
	} else if !kept {
		b.log.Debug().Stringer("kind", f.Kind).Uint32("timestamp", ts).Msg("frame dropped")
	}

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return kept
}

func (b *Buffer) take() (Item, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.discontinuity {
		b.discontinuity = false
		return Item{Type: ItemDiscontinuity, Kind: b.discKind}, true
	}
	next := -1
	var seq uint64
	for i, q := range b.queues {
		e, ok := q.head()
		if ok && (next < 0 || e.seq < seq) {
			next, seq = i, e.seq
		}
	}
	if next < 0 {
		return Item{}, false
	}
	e, _ := b.queues[next].pop()
	return Item{Type: ItemFrame, Kind: e.frame.Kind, Frame: e.frame}, true
}

// TakeNext returns the next frame or pending discontinuity. It waits up
// to timeout and then returns an ItemEmpty; a zero timeout polls and a
// negative one waits until ctx is done. av.ErrClosed is returned once
// the buffer is closed.
func (b *Buffer) TakeNext(ctx context.Context, timeout time.Duration) (Item, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	for {
		select {
		case <-b.done:
			return Item{}, av.ErrClosed
		default:
		}
		if it, ok := b.take(); ok {
			return it, nil
		}
		if timeout == 0 {
			return Item{Type: ItemEmpty}, nil
		}
		select {
		case <-b.notify:
		case <-expired:
			return Item{Type: ItemEmpty}, nil
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-b.done:
			return Item{}, av.ErrClosed
		}
	}
}

// Configs returns the retained metadata and sequence headers in the
// order they must be sent after a reconnect.
func (b *Buffer) Configs() []*av.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ret []*av.Frame
	for _, s := range []*SpecialCache{b.metadata, b.videoSeq, b.audioSeq} {
		if f, ok := s.Frame(); ok {
			ret = append(ret, f)
		}
	}
	return ret
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, q := range b.queues {
		n += len(q.entries)
	}
	return n
}

// Fill is the occupancy of the fullest kind relative to its limits.
func (b *Buffer) Fill() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var f float64
	for _, q := range b.queues {
		f = max(f, q.fill())
	}
	return f
}

func (b *Buffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	var s BufferStats
	for i, q := range b.queues {
		s.Frames[i] = len(q.entries)
		s.Bytes[i] = q.bytes
		s.Dropped[i] = q.dropped
	}
	return s
}

// Close drops queued frames and wakes any TakeNext. Safe to call more
// than once.
func (b *Buffer) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
		b.mu.Lock()
		for _, q := range b.queues {
			q.reset()
		}
		b.mu.Unlock()
	})
}
