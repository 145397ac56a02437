package rtmp

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/zijiren233/livesession/av"
	"github.com/zijiren233/livesession/cache"
	"github.com/zijiren233/livesession/protocol/rtmp/core"
	"github.com/zijiren233/livesession/utils"
)

type recorder struct {
	mu      sync.Mutex
	frames  []*av.Frame
	flushes int
}

func (r *recorder) WriteFrame(f *av.Frame) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return 0, nil
}

func (r *recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
	return nil
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

type chunks []*core.ChunkStream

func (c *chunks) Read() (*core.ChunkStream, error) {
	if len(*c) == 0 {
		return nil, io.EOF
	}
	cs := (*c)[0]
	*c = (*c)[1:]
	return cs, nil
}

func video(dts time.Duration, key bool) *av.Frame {
	tag := byte(0x27)
	if key {
		tag = 0x17
	}
	return &av.Frame{Kind: av.KindVideo, DTS: dts, PTS: dts, Keyframe: key, Tag: tag, Payload: []byte{1, 0, 0, 0, 0xaa}}
}

func TestStats(t *testing.T) {
	var s Stats
	s.SaveStatics(1, 100, av.KindVideo)
	s.SaveStatics(1, 20, av.KindAudio)
	s.SaveStatics(1, 5, av.KindData)
	got := s.Snapshot()
	if got.StreamId != 1 || got.Frames != 3 || got.VideoDatainBytes != 100 || got.AudioDatainBytes != 20 || got.DataDatainBytes != 5 {
		t.Fatalf("stats = %+v", got)
	}
}

func TestWriterSendsInOrder(t *testing.T) {
	rec := new(recorder)
	buf := cache.NewBuffer()
	var sent []uint32
	w := NewWriter(context.Background(), rec, buf,
		WithOwnBuffer(),
		WithSentHandler(func(f *av.Frame, _ uint32) { sent = append(sent, f.Timestamp) }),
	)
	for i := range 3 {
		if err := w.Write(video(time.Duration(i)*40*time.Millisecond, i == 0)); err != nil {
			t.Fatal(err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- w.SendFrames() }()
	deadline := time.Now().Add(5 * time.Second)
	for rec.len() < 3 {
		if time.Now().After(deadline) {
			t.Fatal("frames not sent")
		}
		time.Sleep(5 * time.Millisecond)
	}
	w.Close()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if err := w.Write(video(0, true)); !errors.Is(err, av.ErrClosed) {
		t.Fatalf("write after close: %v", err)
	}

	for i, want := range []uint32{0, 40, 80} {
		if rec.frames[i].Timestamp != want || sent[i] != want {
			t.Fatalf("frame %d timestamp = %d/%d, want %d", i, rec.frames[i].Timestamp, sent[i], want)
		}
	}
	if rec.flushes != 3 {
		t.Fatalf("flushes = %d", rec.flushes)
	}
	if st := w.Stats(); st.Frames != 3 || st.VideoDatainBytes != 18 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestWriterReportsDiscontinuity(t *testing.T) {
	rec := new(recorder)
	buf := cache.NewBuffer(cache.WithLimits(av.KindVideo, cache.Limits{Frames: 1}))
	kinds := make(chan av.Kind, 1)
	w := NewWriter(context.Background(), rec, buf,
		WithOwnBuffer(),
		WithDiscontinuityHandler(func(k av.Kind) { kinds <- k }),
	)
	defer w.Close()
	// the second keyframe pushes the first one out
	w.Write(video(0, true))
	w.Write(video(40*time.Millisecond, true))
	go w.SendFrames()

	select {
	case k := <-kinds:
		if k != av.KindVideo {
			t.Fatalf("kind = %v", k)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no discontinuity")
	}
}

func TestWriteNow(t *testing.T) {
	rec := new(recorder)
	w := NewWriter(context.Background(), rec, cache.NewBuffer(), WithOwnBuffer())
	defer w.Close()
	if err := w.WriteNow(video(0, true)); err != nil {
		t.Fatal(err)
	}
	if rec.len() != 1 || rec.flushes != 1 {
		t.Fatalf("frames = %d flushes = %d", rec.len(), rec.flushes)
	}
}

func TestReader(t *testing.T) {
	var handled []uint32
	src := &chunks{
		{TypeID: core.TypeVideo, Timestamp: 1000, StreamID: 1, Data: []byte{0x17, 0, 0, 0, 0}},
		{TypeID: core.TypeCommandAMF0, Data: []byte{2, 0, 0}},
		// the sender restarted its clock
		{TypeID: core.TypeAudio, Timestamp: 0, StreamID: 1, Data: []byte{0xaf, 1, 0x21}},
	}
	r := NewReader(src,
		WithTimestamp(new(utils.Timestamp)),
		WithMessageHandler(func(cs *core.ChunkStream) { handled = append(handled, cs.TypeID) }),
	)

	f, err := r.Read()
	if err != nil {
		t.Fatal(err)
	}
	if f.Kind != av.KindVideo || f.Timestamp != 1000 || f.DTS != time.Second || f.Tag != 0x17 {
		t.Fatalf("first frame = %+v", f)
	}
	f, err = r.Read()
	if err != nil {
		t.Fatal(err)
	}
	if f.Kind != av.KindAudio || f.Timestamp != 1000 {
		t.Fatalf("second frame = %+v", f)
	}
	if len(handled) != 1 || handled[0] != core.TypeCommandAMF0 {
		t.Fatalf("handled = %v", handled)
	}
	if _, err := r.Read(); !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v", err)
	}
	if st := r.Stats(); st.Frames != 2 || st.VideoDatainBytes != 5 || st.AudioDatainBytes != 3 {
		t.Fatalf("stats = %+v", st)
	}

	r.Close()
	if _, err := r.Read(); !errors.Is(err, av.ErrClosed) {
		t.Fatalf("read after close: %v", err)
	}
	if err := r.Close(); !errors.Is(err, av.ErrClosed) {
		t.Fatalf("second close: %v", err)
	}
}
