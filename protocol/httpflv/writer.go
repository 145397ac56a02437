package httpflv

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/zijiren233/livesession/av"
	"github.com/zijiren233/livesession/cache"
	"github.com/zijiren233/livesession/container/flv"
)

const ContentType = "video/x-flv"

// idleTimeout bounds each wait on the queue so cancellation is noticed.
const idleTimeout = 500 * time.Millisecond

type Flusher interface {
	Flush()
}

// HttpFlvWriter is a channel player that streams FLV over an HTTP
// response. Frames are queued in a sync buffer and written by
// SendPacket; a slow client loses frames instead of stalling the
// channel.
type HttpFlvWriter struct {
	w       *flv.Writer
	flusher Flusher
	buf     *cache.Buffer
	bufConf []cache.BufferConf

	closed bool
	mu     sync.RWMutex
}

type HttpFlvWriterConf func(*HttpFlvWriter)

func WithBufferConf(conf ...cache.BufferConf) HttpFlvWriterConf {
	return func(w *HttpFlvWriter) {
		w.bufConf = append(w.bufConf, conf...)
	}
}

func NewHttpFLVWriter(w io.Writer, conf ...HttpFlvWriterConf) *HttpFlvWriter {
	writer := &HttpFlvWriter{
		w: flv.NewWriter(w),
	}
	if f, ok := w.(Flusher); ok {
		writer.flusher = f
	}

	for _, hfwc := range conf {
		hfwc(writer)
	}
	writer.buf = cache.NewBuffer(writer.bufConf...)

	return writer
}

func (w *HttpFlvWriter) Write(f *av.Frame) (err error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return av.ErrClosed
	}
	w.buf.Submit(f)
	return nil
}

// SendPacket writes queued frames until ctx is done or the writer is
// closed.
func (w *HttpFlvWriter) SendPacket(ctx context.Context) error {
	for {
		it, err := w.buf.TakeNext(ctx, idleTimeout)
		if err != nil {
			if errors.Is(err, av.ErrClosed) {
				return nil
			}
			return err
		}
		if it.Type != cache.ItemFrame {
			continue
		}
		if err := w.w.Write(it.Frame); err != nil {
			return err
		}
		if w.flusher != nil {
			w.flusher.Flush()
		}
	}
}

func (w *HttpFlvWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return av.ErrClosed
	}
	w.closed = true
	w.buf.Close()
	return w.w.Close()
}
