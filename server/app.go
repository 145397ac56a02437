package server

import (
	"errors"
	"sync/atomic"

	"github.com/zijiren233/gencontainer/rwmap"
)

type App struct {
	appName  string
	channels rwmap.RWMap[string, *Channel]
	closed   atomic.Bool
}

func NewApp(appName string) *App {
	return &App{
		appName: appName,
	}
}

func (a *App) Name() string {
	return a.appName
}

var ErrAppClosed = errors.New("app closed")

func (a *App) NewChannel(channelName string) (*Channel, error) {
	if a.closed.Load() {
		return nil, ErrAppClosed
	}
	c, loaded := a.channels.LoadOrStore(channelName, NewChannel(channelName))
	if loaded {
		return nil, ErrChannelAlreadyExists
	}
	return c, nil
}

func (a *App) GetOrNewChannel(channelName string) (*Channel, error) {
	if a.closed.Load() {
		return nil, ErrAppClosed
	}
	c, _ := a.channels.LoadOrStore(channelName, NewChannel(channelName))
	return c, nil
}

var (
	ErrChannelNotFound      = errors.New("channel not found")
	ErrChannelAlreadyExists = errors.New("channel already exists")
)

func (a *App) GetChannel(channelName string) (*Channel, error) {
	if c, ok := a.channels.Load(channelName); ok {
		return c, nil
	}
	return nil, ErrChannelNotFound
}

// GetChannels returns a snapshot of the channels by name.
func (a *App) GetChannels() map[string]*Channel {
	ret := make(map[string]*Channel)
	a.channels.Range(func(name string, c *Channel) bool {
		ret[name] = c
		return true
	})
	return ret
}

func (a *App) DelChannel(channelName string) error {
	if c, ok := a.channels.LoadAndDelete(channelName); ok {
		return c.Close()
	}
	return ErrChannelNotFound
}

func (a *App) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	a.channels.Range(func(name string, c *Channel) bool {
		a.channels.Delete(name)
		c.Close()
		return true
	})
	return nil
}
