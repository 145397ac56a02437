package server

import (
	"errors"
	"sync"
	"time"

	"github.com/zijiren233/gencontainer/rwmap"
	"github.com/zijiren233/livesession/av"
	"github.com/zijiren233/livesession/cache"
	"github.com/zijiren233/livesession/container/flv"
	"github.com/zijiren233/livesession/protocol/rtmp"
)

// Channel fans one publisher out to any number of players. Late joiners
// first get metadata, sequence headers and the current group of
// pictures.
type Channel struct {
	name          string
	inPublication bool
	players       rwmap.RWMap[av.WriteCloser, *packWriter]
	stats         *rtmp.Stats
	since         time.Time

	mu     sync.RWMutex
	closed bool
}

func NewChannel(name string) *Channel {
	return &Channel{
		name:  name,
		stats: new(rtmp.Stats),
	}
}

var (
	ErrPusherAlreadyInPublication = errors.New("pusher already in publication")
	ErrPusherNotInPublication     = errors.New("pusher not in publication")
	ErrPlayerAlreadyExists        = errors.New("player already exists")
)

type packWriter struct {
	init bool
	w    av.WriteCloser
}

func newPackWriterCloser(w av.WriteCloser) *packWriter {
	return &packWriter{
		w: w,
	}
}

func (p *packWriter) GetWriter() av.WriteCloser {
	return p.w
}

func (p *packWriter) Init() {
	p.init = true
}

func (p *packWriter) Inited() bool {
	return p.init
}

var (
	ErrPusherIsNil = errors.New("pusher is nil")
	ErrClosed      = errors.New("channel closed")
)

// PushStart reads frames from pusher until it fails or the channel is
// closed. Players are kicked when it returns.
func (c *Channel) PushStart(pusher av.Reader) error {
	if pusher == nil {
		return ErrPusherIsNil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	if c.inPublication {
		c.mu.Unlock()
		return ErrPusherAlreadyInPublication
	}
	c.inPublication = true
	c.stats = new(rtmp.Stats)
	c.since = time.Now()
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.kickAllPlayers()
		c.inPublication = false
	}()

	cache := cache.NewCache()

	for {
		if c.Closed() {
			return nil
		}
		f, err := pusher.Read()
		if err != nil {
			return err
		}
		if c.Closed() {
			return nil
		}

		flv.Classify(f)
		c.stats.SaveStatics(f.StreamID, uint64(f.Size()), f.Kind)
		cache.Write(f)

		c.players.Range(func(w av.WriteCloser, player *packWriter) bool {
			if !player.Inited() {
				if err = cache.Send(player.GetWriter()); err != nil {
					c.players.Delete(w)
					player.GetWriter().Close()
				}
				player.Init()
			} else {
				if err = player.GetWriter().Write(f); err != nil {
					c.players.Delete(w)
					player.GetWriter().Close()
				}
			}
			return true
		})
	}
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.closed = true

	c.kickAllPlayers()
	return nil
}

func (c *Channel) kickAllPlayers() {
	c.players.Range(func(w av.WriteCloser, player *packWriter) bool {
		c.players.Delete(w)
		player.GetWriter().Close()
		return true
	})
}

func (c *Channel) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Channel) InPublication() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inPublication
}

func (c *Channel) AddPlayer(w av.WriteCloser) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.inPublication {
		return ErrPusherNotInPublication
	}
	_, loaded := c.players.LoadOrStore(w, newPackWriterCloser(w))
	if loaded {
		return ErrPlayerAlreadyExists
	}
	return nil
}

func (c *Channel) DelPlayer(w av.WriteCloser) bool {
	pw, loaded := c.players.LoadAndDelete(w)
	if loaded {
		pw.GetWriter().Close()
	}
	return loaded
}

type ChannelInfo struct {
	Name          string         `json:"name"`
	InPublication bool           `json:"inPublication"`
	Since         time.Time      `json:"since,omitempty"`
	Players       int            `json:"players"`
	Stats         rtmp.StaticsBW `json:"stats"`
}

func (c *Channel) Info() ChannelInfo {
	c.mu.RLock()
	info := ChannelInfo{
		Name:          c.name,
		InPublication: c.inPublication,
		Since:         c.since,
		Stats:         c.stats.Snapshot(),
	}
	c.mu.RUnlock()
	c.players.Range(func(av.WriteCloser, *packWriter) bool {
		info.Players++
		return true
	})
	return info
}
