package cache

import (
	"fmt"

	"github.com/zijiren233/livesession/av"
)

var (
	maxGOPCap    int = 1024
	ErrGopTooBig     = fmt.Errorf("gop to big")
)

type array struct {
	frames     []*av.Frame
	isComplete bool
}

func newArray() *array {
	return &array{
		frames:     make([]*av.Frame, 0, maxGOPCap),
		isComplete: false,
	}
}

func (a *array) reset() {
	clear(a.frames)
	a.frames = a.frames[:0]
	a.isComplete = false
}

// write starts a new group at each video keyframe. Frames before the
// first keyframe are not kept.
func (a *array) write(f *av.Frame) error {
	isKeyFrame := f.Kind == av.KindVideo && f.Keyframe
	if !a.isComplete && !isKeyFrame {
		return nil
	}
	if isKeyFrame {
		a.reset()
		a.isComplete = true
	}
	if len(a.frames) >= maxGOPCap {
		return ErrGopTooBig
	}
	a.frames = append(a.frames, f)
	return nil
}

func (a *array) send(w av.Writer) error {
	if !a.isComplete {
		return nil
	}
	for _, f := range a.frames {
		if err := w.Write(f); err != nil {
			return err
		}
	}
	return nil
}

// GopCache holds the frames since the last video keyframe so a late
// joining player can start decoding at once.
type GopCache struct {
	gop *array
}

func NewGopCache() *GopCache {
	return &GopCache{
		gop: newArray(),
	}
}

func (g *GopCache) Write(f *av.Frame) error {
	return g.gop.write(f)
}

func (g *GopCache) Send(w av.Writer) error {
	return g.gop.send(w)
}

func (g *GopCache) Len() int {
	return len(g.gop.frames)
}
