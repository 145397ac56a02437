package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zijiren233/gencontainer/rwmap"
	"github.com/zijiren233/livesession/av"
	"github.com/zijiren233/livesession/cache"
	"github.com/zijiren233/livesession/protocol/rtmp"
	"github.com/zijiren233/livesession/protocol/rtmp/core"
	"github.com/zijiren233/livesession/transport"
)

// Server is an in-process RTMP server: an app → channel registry fed by
// publishers and drained by players.
type Server struct {
	apps                   rwmap.RWMap[string, *App]
	conns                  rwmap.RWMap[string, io.Closer]
	connBufferSize         int32
	parseChannelFunc       ParseChannelFunc
	connectHook            func(core.ConnectInfo) error
	publishHook            func(app, name string) error
	autoCreateAppOrChannel bool
	playerBuffer           []cache.BufferConf
	log                    zerolog.Logger

	wg     sync.WaitGroup
	closed atomic.Bool
}

type ParseChannelFunc func(ReqAppName, ReqChannelName string, IsPublisher bool) (TrueAppName string, TrueChannel string, err error)

func DefaultRtmpServer() *Server {
	return &Server{
		connBufferSize:         4096,
		autoCreateAppOrChannel: false,
		log:                    zerolog.Nop(),
	}
}

type ServerConf func(*Server)

func WithParseChannelFunc(f ParseChannelFunc) ServerConf {
	return func(s *Server) {
		s.parseChannelFunc = f
	}
}

// WithConnectHook vets each connect; an error refuses it with the error
// text as the reason.
func WithConnectHook(f func(core.ConnectInfo) error) ServerConf {
	return func(s *Server) {
		s.connectHook = f
	}
}

func WithPublishHook(f func(app, name string) error) ServerConf {
	return func(s *Server) {
		s.publishHook = f
	}
}

func WithConnBufferSize(bufferSize int32) ServerConf {
	return func(s *Server) {
		s.connBufferSize = bufferSize
	}
}

func WithAutoCreateAppOrChannel(auto bool) ServerConf {
	return func(s *Server) {
		s.autoCreateAppOrChannel = auto
	}
}

// WithPlayerBuffer configures the queue in front of each player.
func WithPlayerBuffer(conf ...cache.BufferConf) ServerConf {
	return func(s *Server) {
		s.playerBuffer = append(s.playerBuffer, conf...)
	}
}

func WithLogger(log zerolog.Logger) ServerConf {
	return func(s *Server) {
		s.log = log
	}
}

func NewRtmpServer(c ...ServerConf) *Server {
	s := DefaultRtmpServer()
	for _, conf := range c {
		conf(s)
	}
	s.log = s.log.With().Str("component", "server").Logger()
	return s
}

func (s *Server) SetParseChannelFunc(f ParseChannelFunc) {
	s.parseChannelFunc = f
}

func (s *Server) SetConnBufferSize(bufferSize int32) {
	atomic.StoreInt32(&s.connBufferSize, bufferSize)
}

var (
	ErrAppAlreadyExists = errors.New("app already exists")
	ErrServerClosed     = errors.New("server closed")
)

func (s *Server) NewApp(appName string) (*App, error) {
	a := NewApp(appName)
	_, loaded := s.apps.LoadOrStore(appName, a)
	if loaded {
		return nil, ErrAppAlreadyExists
	}
	return a, nil
}

func (s *Server) GetOrNewApp(appName string) *App {
	a, _ := s.apps.LoadOrStore(appName, NewApp(appName))
	return a
}

var ErrAppNotFount = errors.New("app not found")

func (s *Server) GetApp(appName string) (*App, error) {
	a, ok := s.apps.Load(appName)
	if !ok {
		return nil, ErrAppNotFount
	}
	return a, nil
}

func (s *Server) DelApp(appName string) error {
	a, loaded := s.apps.LoadAndDelete(appName)
	if !loaded {
		return ErrAppNotFount
	}
	return a.Close()
}

func (s *Server) Apps() []*App {
	var ret []*App
	s.apps.Range(func(_ string, a *App) bool {
		ret = append(ret, a)
		return true
	})
	return ret
}

func (s *Server) GetChannelWithApp(appName, channelName string) (*Channel, error) {
	a, err := s.GetApp(appName)
	if err != nil {
		return nil, err
	}
	return a.GetChannel(channelName)
}

func (s *Server) GetOrNewChannelWithApp(appName, channelName string) (*Channel, error) {
	return s.GetOrNewApp(appName).GetOrNewChannel(channelName)
}

// resolve maps a requested stream to its channel.
func (s *Server) resolve(app, name string, isPublisher bool) (*Channel, error) {
	var err error
	if s.parseChannelFunc != nil {
		app, name, err = s.parseChannelFunc(app, name, isPublisher)
		if err != nil {
			return nil, err
		}
	}
	if s.autoCreateAppOrChannel {
		return s.GetOrNewChannelWithApp(app, name)
	}
	return s.GetChannelWithApp(app, name)
}

// Serve accepts plain connections until l is closed.
func (s *Server) Serve(l net.Listener) error {
	return s.ServeListener(context.Background(), transport.NetListener(l))
}

// ServeListener accepts connections of any carrier until ctx is done,
// l is closed or the server is closed.
func (s *Server) ServeListener(ctx context.Context, l transport.Listener) error {
	s.log.Info().Stringer("addr", l.Addr()).Msg("serving")
	for {
		rwc, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn().Err(err).Msg("accept")
			continue
		}
		if s.closed.Load() {
			rwc.Close()
			return ErrServerClosed
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			_ = s.handleConn(rwc)
		}()
	}
}

func (s *Server) handleConn(rwc io.ReadWriteCloser) (err error) {
	id := uuid.NewString()
	log := s.log.With().Str("conn", id).Logger()
	conn := core.NewConn(rwc, int(atomic.LoadInt32(&s.connBufferSize)), core.WithConnLogger(log))
	s.conns.Store(id, conn)
	defer func() {
		s.conns.Delete(id)
		conn.Close()
		if err != nil && !errors.Is(err, io.EOF) {
			log.Debug().Err(err).Msg("connection ended")
		}
	}()

	if err := conn.HandshakeServer(); err != nil {
		return err
	}

	var channel *Channel
	connServer := core.NewConnServer(conn, core.ConnServerHooks{
		OnConnect: s.connectHook,
		OnPublish: func(app, name string) (err error) {
			if s.publishHook != nil {
				if err := s.publishHook(app, name); err != nil {
					return err
				}
			}
			channel, err = s.resolve(app, name, true)
			if err == nil && channel.InPublication() {
				return ErrPusherAlreadyInPublication
			}
			return err
		},
		OnPlay: func(app, name string) (err error) {
			channel, err = s.resolve(app, name, false)
			if err == nil && !channel.InPublication() {
				return ErrPusherNotInPublication
			}
			return err
		},
	}, log)

	if err = connServer.ReadInitMsg(); err != nil {
		return
	}
	app, name := connServer.GetInfo()
	log = log.With().Str("app", app).Str("stream", name).Logger()

	if connServer.IsPublisher() {
		log.Info().Msg("publisher started")
		var reader *rtmp.Reader
		reader = rtmp.NewReader(connServer, rtmp.WithMessageHandler(func(cs *core.ChunkStream) {
			if closed, _ := connServer.HandleCommand(cs); closed {
				reader.Close()
			}
		}))
		defer reader.Close()
		err = channel.PushStart(reader)
		log.Info().Err(err).Msg("publisher stopped")
		return err
	}

	log.Info().Msg("player started")
	player := newRtmpPlayer(connServer, s.playerBuffer, log)
	if err := channel.AddPlayer(player); err != nil {
		connServer.Stop()
		return err
	}
	defer channel.DelPlayer(player)
	go func() {
		for {
			cs, err := connServer.Read()
			if err != nil {
				player.Writer.Close()
				return
			}
			if cs.TypeID != core.TypeCommandAMF0 && cs.TypeID != core.TypeCommandAMF3 {
				continue
			}
			if closed, _ := connServer.HandleCommand(cs); closed {
				player.Writer.Close()
				return
			}
		}
	}()
	err = player.SendFrames()
	if player.kicked.Load() {
		_ = connServer.Stop()
	}
	log.Info().Msg("player stopped")
	return err
}

// rtmpPlayer is a channel player on an RTMP connection. Close is called
// by the channel when the publisher goes away.
type rtmpPlayer struct {
	*rtmp.Writer
	kicked atomic.Bool
}

func newRtmpPlayer(connServer *core.ConnServer, bufConf []cache.BufferConf, log zerolog.Logger) *rtmpPlayer {
	buf := cache.NewBuffer(append(bufConf, cache.WithBufferLogger(log))...)
	return &rtmpPlayer{
		Writer: rtmp.NewWriter(context.Background(), connServer, buf,
			rtmp.WithOwnBuffer(),
			rtmp.WithWriterLogger(log),
		),
	}
}

func (p *rtmpPlayer) Write(f *av.Frame) error {
	return p.Writer.Write(f)
}

func (p *rtmpPlayer) Close() error {
	p.kicked.Store(true)
	return p.Writer.Close()
}

// Close kicks every player, ends every connection and waits for their
// handlers.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrServerClosed
	}
	s.apps.Range(func(name string, a *App) bool {
		s.apps.Delete(name)
		a.Close()
		return true
	})
	s.conns.Range(func(_ string, c io.Closer) bool {
		c.Close()
		return true
	})
	s.wg.Wait()
	return nil
}
