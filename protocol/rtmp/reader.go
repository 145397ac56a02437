package rtmp

import (
	"sync/atomic"
	"time"

	"github.com/zijiren233/livesession/av"
	"github.com/zijiren233/livesession/protocol/rtmp/core"
	"github.com/zijiren233/livesession/utils"
)

// Reader turns media messages into frames. Payloads are passed on as
// received.
type Reader struct {
	conn  ChunkReader
	stats *Stats
	ts    *utils.Timestamp
	// onMessage sees every non media message.
	onMessage func(*core.ChunkStream)

	closed atomic.Bool
}

type ReaderConf func(*Reader)

// WithTimestamp rebases timestamps through t, which may outlive the
// reader to keep them monotonic across reconnects.
func WithTimestamp(t *utils.Timestamp) ReaderConf {
	return func(r *Reader) {
		r.ts = t
	}
}

func WithReadStats(s *Stats) ReaderConf {
	return func(r *Reader) {
		r.stats = s
	}
}

func WithMessageHandler(f func(*core.ChunkStream)) ReaderConf {
	return func(r *Reader) {
		r.onMessage = f
	}
}

func NewReader(conn ChunkReader, conf ...ReaderConf) *Reader {
	r := &Reader{
		conn:  conn,
		stats: new(Stats),
	}
	for _, f := range conf {
		f(r)
	}
	return r
}

func (v *Reader) Read() (*av.Frame, error) {
	if v.Closed() {
		return nil, av.ErrClosed
	}
	for {
		cs, err := v.conn.Read()
		if err != nil {
			return nil, err
		}
		f, ok := core.MediaFrame(cs)
		if !ok {
			if v.onMessage != nil {
				v.onMessage(cs)
			}
			if v.Closed() {
				return nil, av.ErrClosed
			}
			continue
		}
		if v.ts != nil {
			f.Timestamp = v.ts.RecTimeStamp(f.Timestamp)
			f.PTS = time.Duration(f.Timestamp) * time.Millisecond
			f.DTS = f.PTS
		}
		v.stats.SaveStatics(f.StreamID, uint64(len(cs.Data)), f.Kind)
		return f, nil
	}
}

func (v *Reader) Stats() StaticsBW {
	return v.stats.Snapshot()
}

func (v *Reader) Closed() bool {
	return v.closed.Load()
}

func (v *Reader) Close() error {
	if v.closed.CompareAndSwap(false, true) {
		return nil
	}
	return av.ErrClosed
}
