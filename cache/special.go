package cache

import (
	"github.com/zijiren233/livesession/av"
)

// SpecialCache keeps the last frame of one config class: metadata, the
// video sequence header or the audio sequence header.
type SpecialCache struct {
	f          *av.Frame
	isComplete bool
}

func NewSpecialCache() *SpecialCache {
	return &SpecialCache{}
}

func (s *SpecialCache) Write(f *av.Frame) {
	s.isComplete = true
	s.f = f
}

func (s *SpecialCache) Frame() (*av.Frame, bool) {
	return s.f, s.isComplete
}

func (s *SpecialCache) Send(w av.Writer) error {
	if !s.isComplete {
		return nil
	}

	return w.Write(s.f)
}
