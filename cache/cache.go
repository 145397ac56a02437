package cache

import (
	"github.com/zijiren233/livesession/av"
)

// Cache is what a late joiner is sent before live frames: metadata,
// sequence headers, then the current group of pictures.
type Cache struct {
	gop      *GopCache
	videoSeq *SpecialCache
	audioSeq *SpecialCache
	metadata *SpecialCache
}

func NewCache() *Cache {
	return &Cache{
		gop:      NewGopCache(),
		videoSeq: NewSpecialCache(),
		audioSeq: NewSpecialCache(),
		metadata: NewSpecialCache(),
	}
}

func (cache *Cache) Write(f *av.Frame) {
	switch {
	case f.Kind == av.KindData:
		cache.metadata.Write(f)
	case f.Config && f.Kind == av.KindAudio:
		cache.audioSeq.Write(f)
	case f.Config && f.Kind == av.KindVideo:
		cache.videoSeq.Write(f)
	default:
		_ = cache.gop.Write(f)
	}
}

func (cache *Cache) Send(w av.Writer) error {
	if err := cache.metadata.Send(w); err != nil {
		return err
	}

	if err := cache.videoSeq.Send(w); err != nil {
		return err
	}

	if err := cache.audioSeq.Send(w); err != nil {
		return err
	}

	if err := cache.gop.Send(w); err != nil {
		return err
	}

	return nil
}
