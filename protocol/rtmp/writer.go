package rtmp

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/zijiren233/livesession/av"
	"github.com/zijiren233/livesession/cache"
)

// idleTimeout bounds each wait on the buffer so cancellation is noticed
// even without frames.
const idleTimeout = 500 * time.Millisecond

// Writer drains a sync buffer into a connection.
type Writer struct {
	ctx    context.Context
	cancel context.CancelFunc
	conn   FrameWriter
	buf    *cache.Buffer
	// ownBuffer closes buf with the writer.
	ownBuffer       bool
	stats           *Stats
	onDiscontinuity func(av.Kind)
	onSent          func(f *av.Frame, format uint32)
	log             zerolog.Logger
}

type WriterConf func(*Writer)

func WithWriteStats(s *Stats) WriterConf {
	return func(w *Writer) {
		w.stats = s
	}
}

func WithDiscontinuityHandler(f func(av.Kind)) WriterConf {
	return func(w *Writer) {
		w.onDiscontinuity = f
	}
}

// WithSentHandler observes each frame after it was written, with the
// header type of its first chunk.
func WithSentHandler(f func(f *av.Frame, format uint32)) WriterConf {
	return func(w *Writer) {
		w.onSent = f
	}
}

func WithWriterLogger(log zerolog.Logger) WriterConf {
	return func(w *Writer) {
		w.log = log
	}
}

// WithOwnBuffer hands buf to the writer, which closes it on Close.
func WithOwnBuffer() WriterConf {
	return func(w *Writer) {
		w.ownBuffer = true
	}
}

func NewWriter(ctx context.Context, conn FrameWriter, buf *cache.Buffer, conf ...WriterConf) *Writer {
	ret := &Writer{
		conn:  conn,
		buf:   buf,
		stats: new(Stats),
		log:   zerolog.Nop(),
	}
	ret.ctx, ret.cancel = context.WithCancel(ctx)
	for _, f := range conf {
		f(ret)
	}
	return ret
}

// Write queues f. It never blocks; overflow is resolved by the buffer.
func (v *Writer) Write(f *av.Frame) error {
	if v.Closed() {
		return av.ErrClosed
	}
	v.buf.Submit(f)
	return nil
}

// WriteNow sends f at once, ahead of anything queued. Used for config
// replay after a reconnect.
func (v *Writer) WriteNow(f *av.Frame) error {
	if err := v.send(f); err != nil {
		return err
	}
	return v.conn.Flush()
}

func (v *Writer) send(f *av.Frame) error {
	format, err := v.conn.WriteFrame(f)
	if err != nil {
		return err
	}
	v.stats.SaveStatics(f.StreamID, uint64(f.Size()), f.Kind)
	if v.onSent != nil {
		v.onSent(f, format)
	}
	return nil
}

// SendFrames runs until the writer is closed, the buffer is closed or a
// write fails.
func (v *Writer) SendFrames() error {
	for {
		it, err := v.buf.TakeNext(v.ctx, idleTimeout)
		if err != nil {
			if errors.Is(err, av.ErrClosed) || v.ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch it.Type {
		case cache.ItemEmpty:
			continue
		case cache.ItemDiscontinuity:
			v.log.Debug().Stringer("kind", it.Kind).Msg("discontinuity")
			if v.onDiscontinuity != nil {
				v.onDiscontinuity(it.Kind)
			}
			continue
		}
		if err := v.send(it.Frame); err != nil {
			return err
		}
		if err := v.conn.Flush(); err != nil {
			return err
		}
	}
}

func (v *Writer) Stats() StaticsBW {
	return v.stats.Snapshot()
}

func (v *Writer) Closed() bool {
	select {
	case <-v.ctx.Done():
		return true
	default:
		return false
	}
}

func (v *Writer) Close() error {
	if !v.Closed() {
		v.cancel()
		if v.ownBuffer {
			v.buf.Close()
		}
	}
	return nil
}
