package rtmp

import (
	"io"
	"sync"
	"time"

	"github.com/zijiren233/livesession/av"
	"github.com/zijiren233/livesession/protocol/rtmp/core"
)

const SAVE_STATICS_INTERVAL = 5000

type ChunkReader interface {
	Read() (*core.ChunkStream, error)
}

type ChunkReadCloser interface {
	io.Closer
	ChunkReader
}

// FrameWriter is the sending side of a ConnClient or ConnServer.
type FrameWriter interface {
	WriteFrame(*av.Frame) (uint32, error)
	Flush() error
}

type StaticsBW struct {
	StreamId         uint32 `json:"streamId"`
	VideoDatainBytes uint64 `json:"videoBytes"`
	AudioDatainBytes uint64 `json:"audioBytes"`
	DataDatainBytes  uint64 `json:"dataBytes"`
	Frames           uint64 `json:"frames"`

	// kbit/s over the last SAVE_STATICS_INTERVAL
	VideoKbps uint64 `json:"videoKbps"`
	AudioKbps uint64 `json:"audioKbps"`
}

// Stats counts media bytes in one direction and derives bitrates.
type Stats struct {
	mu                   sync.Mutex
	bw                   StaticsBW
	lastVideoDatainBytes uint64
	lastAudioDatainBytes uint64
	lastTimestamp        int64
}

func (s *Stats) SaveStatics(streamid uint32, length uint64, kind av.Kind) {
	nowInMS := time.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.bw.StreamId = streamid
	s.bw.Frames++
	switch kind {
	case av.KindVideo:
		s.bw.VideoDatainBytes += length
	case av.KindAudio:
		s.bw.AudioDatainBytes += length
	default:
		s.bw.DataDatainBytes += length
	}

	if s.lastTimestamp == 0 {
		s.lastTimestamp = nowInMS
	} else if (nowInMS - s.lastTimestamp) >= SAVE_STATICS_INTERVAL {
		diffTimestamp := uint64(nowInMS-s.lastTimestamp) / 1000

		s.bw.VideoKbps = (s.bw.VideoDatainBytes - s.lastVideoDatainBytes) * 8 / diffTimestamp / 1000
		s.bw.AudioKbps = (s.bw.AudioDatainBytes - s.lastAudioDatainBytes) * 8 / diffTimestamp / 1000

		s.lastVideoDatainBytes = s.bw.VideoDatainBytes
		s.lastAudioDatainBytes = s.bw.AudioDatainBytes
		s.lastTimestamp = nowInMS
	}
}

func (s *Stats) Snapshot() StaticsBW {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bw
}
