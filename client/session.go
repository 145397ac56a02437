package client

import (
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zijiren233/livesession/av"
	"github.com/zijiren233/livesession/cache"
	"github.com/zijiren233/livesession/container/flv"
	"github.com/zijiren233/livesession/protocol/amf"
	"github.com/zijiren233/livesession/protocol/rtmp"
	"github.com/zijiren233/livesession/protocol/rtmp/core"
	"github.com/zijiren233/livesession/reconnect"
	"github.com/zijiren233/livesession/transport"
	"github.com/zijiren233/livesession/utils"
	"golang.org/x/sync/errgroup"
)

const (
	// throttlePoll is how often ack and buffer levels are sampled.
	throttlePoll = 100 * time.Millisecond
	// readPoll bounds a ReadFrame wait so a finished stream is noticed.
	readPoll = 200 * time.Millisecond
)

var errStreamEOF = errors.New("stream eof")

type mode uint8

const (
	modeNone mode = iota
	modePublish
	modePlay
)

// Session is one client connection to a streaming server: it opens the
// connection, then either publishes or plays a single stream, and keeps
// doing so across reconnects until closed or a fatal error.
type Session struct {
	id           string
	log          zerolog.Logger
	cfg          Config
	tr           transport.Transport
	trOpts       transport.Options
	reconnectCfg reconnect.Config
	bufConf      []cache.BufferConf
	classify     func(*av.Frame)
	onSent       func(*av.Frame, uint32)
	eventBuffer  int

	mu     sync.Mutex
	state  State
	mode   mode
	name   string
	target Target
	conn   *core.ConnClient
	err    error
	done   chan struct{}
	// dialing is the connection being set up, closed by Close before
	// it is handed over to conn.
	dialing    *core.Conn
	stopWriter func()

	events       chan Event
	eventsClosed bool

	ctx    context.Context
	cancel context.CancelFunc
	buf    *cache.Buffer
	ctrl   *reconnect.Controller
	ts     *utils.Timestamp
	sent   *rtmp.Stats
	recv   *rtmp.Stats

	eof        atomic.Bool
	reconnects atomic.Int64
	// lastDTS of submitted media stamps frames from Send; position of
	// played frames goes with pause.
	lastDTS  atomic.Int64
	position atomic.Int64
}

func NewSession(opts ...Option) *Session {
	s := &Session{
		id:           uuid.NewString(),
		log:          zerolog.Nop(),
		cfg:          DefaultConfig(),
		reconnectCfg: reconnect.DefaultConfig(),
		classify:     flv.Classify,
		eventBuffer:  64,
		ts:           new(utils.Timestamp),
		sent:         new(rtmp.Stats),
		recv:         new(rtmp.Stats),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With().Str("component", "session").Str("session", s.id).Logger()
	s.events = make(chan Event, s.eventBuffer)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.buf = cache.NewBuffer(append(s.bufConf, cache.WithBufferLogger(s.log))...)
	s.ctrl = reconnect.New(s.reconnectCfg, s.log)
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events delivers status changes. The channel is closed after the final
// EventClosed. Events are dropped when nobody keeps up.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Throttle reports admission throttling changes, latest value only.
func (s *Session) Throttle() <-chan bool {
	return s.ctrl.Signal()
}

// Err is the error that put the session into Error.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventsClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warn().Stringer("event", ev.Type).Msg("event dropped")
	}
}

func (s *Session) closeEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.eventsClosed {
		s.eventsClosed = true
		close(s.events)
	}
}

// transition moves to a live state unless the session is shutting down.
func (s *Session) transition(to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.done() {
		return false
	}
	s.state = to
	return true
}

// Open connects to target and completes the connect command. On
// failure the session is left in Error.
func (s *Session) Open(ctx context.Context, target string) error {
	s.mu.Lock()
	if s.state != Idle {
		st := s.state
		s.mu.Unlock()
		return core.InvalidState("open", st)
	}
	s.state = Handshaking
	s.mu.Unlock()

	t, err := ParseTarget(target)
	if err != nil {
		s.fail(err)
		return err
	}
	if s.tr == nil {
		s.tr, err = transport.New(t.Kind, s.trOpts)
		if err != nil {
			s.fail(err)
			return err
		}
	}
	s.mu.Lock()
	s.target = t
	s.mu.Unlock()

	s.log.Info().Str("addr", t.Addr).Str("app", t.App).Str("transport", string(s.tr.Kind())).Msg("opening")
	cc, err := s.dial(ctx)
	if err != nil {
		s.fail(err)
		return err
	}
	s.mu.Lock()
	if s.state.done() {
		s.mu.Unlock()
		cc.Close()
		return av.ErrClosed
	}
	s.conn = cc
	s.mu.Unlock()
	return nil
}

// dial opens a fresh connection and runs handshake and connect. It
// gives up when ctx is done or the session is closed; the handshake is
// bounded by the request timeout like every command.
func (s *Session) dial(ctx context.Context) (*core.ConnClient, error) {
	if !s.transition(Handshaking) {
		return nil, av.ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	rwc, err := s.tr.Open(ctx, s.target.Addr)
	if err != nil {
		if s.ctx.Err() != nil {
			return nil, av.ErrClosed
		}
		return nil, core.ConnectionLost("dial", err)
	}
	var c *core.Conn
	c = core.NewConn(rwc, s.cfg.ConnBufferSize,
		core.WithConnLogger(s.log),
		core.WithMaxMessageLength(s.cfg.MaxMessageLength),
		core.WithUserControlHandler(func(event uint16, _ []byte) {
			if event == core.EventStreamEOF && s.playing() {
				s.eof.Store(true)
				c.Close()
			}
		}),
	)
	if !s.track(c) {
		c.Close()
		return nil, av.ErrClosed
	}
	defer s.track(nil)

	hctx, hcancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	stopHandshake := context.AfterFunc(hctx, func() {
		c.Close()
	})
	err = c.HandshakeClient()
	if !stopHandshake() {
		err = core.ConnectionLost("handshake", hctx.Err())
	}
	hcancel()
	if err != nil {
		c.Close()
		if s.ctx.Err() != nil {
			return nil, av.ErrClosed
		}
		return nil, err
	}

	if !s.transition(Connecting) {
		c.Close()
		return nil, av.ErrClosed
	}
	s.emit(Event{Type: EventConnecting})
	conf := []core.ConnClientConf{
		core.WithRequestTimeout(s.cfg.RequestTimeout),
		core.WithOutChunkSize(s.cfg.ChunkSize),
		core.WithWindowAckSize(s.cfg.WindowAckSize),
		core.WithClientLogger(s.log),
	}
	if s.cfg.PublishType != "" {
		conf = append(conf, core.WithPublishType(s.cfg.PublishType))
	}
	cc := core.NewConnClient(c, conf...)
	if err := cc.Connect(ctx, core.NewConnectInfo(s.target.App, s.target.TcURL)); err != nil {
		cc.Close()
		if s.ctx.Err() != nil {
			return nil, av.ErrClosed
		}
		return nil, err
	}
	if !s.transition(Connected) {
		cc.Close()
		return nil, av.ErrClosed
	}
	s.log.Info().Msg("connected")
	s.emit(Event{Type: EventConnected})
	return cc, nil
}

// track records the connection being dialed so Close can reach it.
// It refuses once the session is shutting down.
func (s *Session) track(c *core.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c != nil && s.state.done() {
		return false
	}
	s.dialing = c
	return true
}

func (s *Session) playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode == modePlay
}

func (s *Session) begin(op string, m mode, name string) (*core.ConnClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected {
		return nil, core.InvalidState(op, s.state)
	}
	if name == "" {
		name = s.target.Name
	}
	s.mode, s.name = m, name
	return s.conn, nil
}

// Publish starts publishing name, or the stream named in the URL when
// name is empty. Frames are accepted by Submit afterwards.
func (s *Session) Publish(ctx context.Context, name string) error {
	cc, err := s.begin("publish", modePublish, name)
	if err != nil {
		return err
	}
	if err := cc.Publish(ctx, s.name); err != nil {
		s.fail(err)
		return err
	}
	if !s.transition(Publishing) {
		return av.ErrClosed
	}
	s.ctrl.OnConnected()
	s.log.Info().Str("stream", s.name).Msg("publishing")
	s.emit(Event{Type: EventPublishing})
	s.start(cc)
	return nil
}

// Play starts playing name, or the stream named in the URL when name is
// empty. Frames are returned by ReadFrame afterwards.
func (s *Session) Play(ctx context.Context, name string) error {
	cc, err := s.begin("play", modePlay, name)
	if err != nil {
		return err
	}
	if err := cc.Play(ctx, s.name); err != nil {
		s.fail(err)
		return err
	}
	if !s.transition(Playing) {
		return av.ErrClosed
	}
	s.ctrl.OnConnected()
	s.log.Info().Str("stream", s.name).Msg("playing")
	s.emit(Event{Type: EventPlaying})
	s.start(cc)
	return nil
}

// Submit queues a frame for sending. It never blocks. While admission
// is throttled only config frames are accepted and everything else gets
// reconnect.ErrThrottled.
func (s *Session) Submit(f *av.Frame) error {
	s.mu.Lock()
	st, m := s.state, s.mode
	s.mu.Unlock()
	if m != modePublish || st.done() {
		return core.InvalidState("submit", st)
	}
	if !f.Config && s.ctrl.Throttled() {
		return reconnect.ErrThrottled
	}
	if f.Kind != av.KindData {
		s.lastDTS.Store(int64(f.DecodeTime()))
	}
	s.buf.Submit(f)
	return nil
}

// Send queues a data message such as onCuePoint, or @setDataFrame
// onMetaData, stamped with the latest submitted media time. Metadata
// is kept for replay like any config frame.
func (s *Session) Send(handler string, args ...any) error {
	body, err := core.EncodeData(handler, args...)
	if err != nil {
		return err
	}
	dts := time.Duration(s.lastDTS.Load())
	f := &av.Frame{
		Kind:    av.KindData,
		PTS:     dts,
		DTS:     dts,
		Config:  handler == amf.SetDataFrame || handler == amf.OnMetaData,
		Tag:     body[0],
		Payload: body[1:],
	}
	return s.Submit(f)
}

// active returns the connection if the session is in one of states.
func (s *Session) active(op string, states ...State) (*core.ConnClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !slices.Contains(states, s.state) || s.conn == nil {
		return nil, core.InvalidState(op, s.state)
	}
	return s.conn, nil
}

// Call sends an arbitrary command to the server. reply, if not nil,
// gets the answer or core.ErrRequestTimeout. Answers are picked up by
// the publish or play loops, so a Call made while only Connected is
// answered once Publish or Play runs.
func (s *Session) Call(name string, reply func(*core.Command, error), args ...any) error {
	cc, err := s.active("call", Connected, Publishing, Playing)
	if err != nil {
		return err
	}
	return cc.Call(name, reply, args...)
}

// Pause pauses or resumes playback at the last played position. The
// server confirms with an EventStatus.
func (s *Session) Pause(paused bool) error {
	cc, err := s.active("pause", Playing)
	if err != nil {
		return err
	}
	return cc.Pause(paused, time.Duration(s.position.Load()))
}

func (s *Session) Seek(offset time.Duration) error {
	cc, err := s.active("seek", Playing)
	if err != nil {
		return err
	}
	return cc.Seek(offset)
}

func (s *Session) ReceiveAudio(on bool) error {
	cc, err := s.active("receive audio", Playing)
	if err != nil {
		return err
	}
	return cc.ReceiveAudio(on)
}

func (s *Session) ReceiveVideo(on bool) error {
	cc, err := s.active("receive video", Playing)
	if err != nil {
		return err
	}
	return cc.ReceiveVideo(on)
}

// ReadFrame returns the next played frame. io.EOF is returned once the
// stream has ended or the session was closed.
func (s *Session) ReadFrame(ctx context.Context) (*av.Frame, error) {
	s.mu.Lock()
	st, m := s.state, s.mode
	s.mu.Unlock()
	if m != modePlay {
		return nil, core.InvalidState("read", st)
	}
	for {
		it, err := s.buf.TakeNext(ctx, readPoll)
		if err != nil {
			if errors.Is(err, av.ErrClosed) {
				return nil, s.endErr()
			}
			return nil, err
		}
		switch it.Type {
		case cache.ItemFrame:
			return it.Frame, nil
		case cache.ItemDiscontinuity:
			s.emit(Event{Type: EventDiscontinuity, Kind: it.Kind})
		case cache.ItemEmpty:
			if s.State().done() {
				return nil, s.endErr()
			}
		}
	}
}

func (s *Session) endErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Error && s.err != nil {
		return s.err
	}
	return io.EOF
}

func (s *Session) start(cc *core.ConnClient) {
	done := make(chan struct{})
	s.mu.Lock()
	s.done = done
	s.mu.Unlock()
	go func() {
		defer close(done)
		s.supervise(cc)
	}()
}

// supervise runs the loops of one connection after another until the
// session is closed or the controller gives up.
func (s *Session) supervise(cc *core.ConnClient) {
	for {
		err := s.run(cc)
		if s.ctx.Err() != nil {
			return
		}
		if s.eof.Load() {
			s.finish(errStreamEOF.Error())
			return
		}
		s.log.Warn().Err(err).Msg("connection broken")
		cc, err = s.reconnect(err)
		if err != nil {
			if s.ctx.Err() == nil {
				s.fail(err)
			}
			return
		}
	}
}

func (s *Session) run(cc *core.ConnClient) error {
	g, ctx := errgroup.WithContext(s.ctx)
	stop := context.AfterFunc(ctx, func() {
		cc.Close()
	})
	defer stop()

	if s.playing() {
		r := rtmp.NewReader(cc,
			rtmp.WithTimestamp(s.ts),
			rtmp.WithReadStats(s.recv),
			rtmp.WithMessageHandler(s.handleMessage),
		)
		g.Go(func() error {
			for {
				f, err := r.Read()
				if err != nil {
					return err
				}
				if s.classify != nil {
					s.classify(f)
				}
				s.position.Store(int64(f.DecodeTime()))
				s.buf.Submit(f)
			}
		})
		return g.Wait()
	}

	// The writer stops on its own context so Close can end it before
	// tearing down the stream, with the connection still open.
	wctx, wcancel := context.WithCancel(ctx)
	defer wcancel()
	wdone := make(chan struct{})
	s.setStopWriter(func() {
		wcancel()
		t := time.NewTimer(s.cfg.CloseGrace)
		defer t.Stop()
		select {
		case <-wdone:
		case <-t.C:
			s.log.Warn().Msg("writer still running after close")
		}
	})
	defer s.setStopWriter(nil)

	w := rtmp.NewWriter(wctx, cc, s.buf,
		rtmp.WithWriteStats(s.sent),
		rtmp.WithSentHandler(s.onSent),
		rtmp.WithWriterLogger(s.log),
		rtmp.WithDiscontinuityHandler(func(kind av.Kind) {
			s.emit(Event{Type: EventDiscontinuity, Kind: kind})
		}),
	)
	g.Go(func() error {
		defer close(wdone)
		defer w.Close()
		if err := w.SendFrames(); err != nil {
			return err
		}
		return ctx.Err()
	})
	g.Go(func() error {
		for {
			cs, err := cc.Read()
			if err != nil {
				return err
			}
			s.handleMessage(cs)
		}
	})
	g.Go(func() error {
		t := time.NewTicker(throttlePoll)
		defer t.Stop()
		conn := cc.Conn()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				unacked, known := conn.Unacked()
				s.ctrl.Observe(unacked, known, conn.WindowAckSize(), s.buf.Fill())
			}
		}
	})
	return g.Wait()
}

func (s *Session) setStopWriter(f func()) {
	s.mu.Lock()
	s.stopWriter = f
	s.mu.Unlock()
}

func (s *Session) handleMessage(cs *core.ChunkStream) {
	cmd, err := core.DecodeCommand(cs)
	if err != nil {
		if !errors.Is(err, core.ErrNotCommand) {
			s.log.Warn().Err(err).Msg("bad command message")
		}
		return
	}
	if info, ok := cmd.Info(); ok {
		st := core.StatusOf(info)
		ev := s.log.Debug()
		if st.IsError() {
			ev = s.log.Warn()
		}
		ev.Str("command", cmd.Name).Str("code", st.Code).Str("description", st.Description).Msg("status")
		if cmd.Name == "onStatus" {
			s.emit(Event{Type: EventStatus, Code: st.Code, Reason: st.Description})
		}
		return
	}
	s.log.Debug().Str("command", cmd.Name).Msg("command ignored")
}

// reconnect dials until a connection is back in the mode it was in or
// the controller gives up.
func (s *Session) reconnect(cause error) (*core.ConnClient, error) {
	for {
		step, err := s.ctrl.OnFailure(cause)
		if err != nil {
			return nil, err
		}
		s.reconnects.Add(1)
		s.emit(Event{Type: EventReconnecting, Attempt: step.Attempt, Delay: step.Delay, Err: cause})
		if err := s.ctrl.Wait(s.ctx, step); err != nil {
			return nil, err
		}
		cc, err := s.dial(s.ctx)
		if err == nil {
			err = s.resume(cc)
			if err != nil {
				cc.Close()
			}
		}
		if err == nil {
			s.ctrl.OnConnected()
			return cc, nil
		}
		if s.ctx.Err() != nil {
			return nil, s.ctx.Err()
		}
		cause = err
	}
}

// resume repeats publish or play on a new connection. A publisher
// resends the retained metadata and sequence headers first.
func (s *Session) resume(cc *core.ConnClient) error {
	s.mu.Lock()
	m, name := s.mode, s.name
	s.mu.Unlock()

	to, ev := Publishing, EventPublishing
	if m == modePlay {
		if err := cc.Play(s.ctx, name); err != nil {
			return err
		}
		to, ev = Playing, EventPlaying
	} else {
		if err := cc.Publish(s.ctx, name); err != nil {
			return err
		}
		for _, f := range s.buf.Configs() {
			if _, err := cc.WriteFrame(f); err != nil {
				return err
			}
		}
		if err := cc.Flush(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.state.done() {
		s.mu.Unlock()
		return av.ErrClosed
	}
	s.state = to
	s.conn = cc
	s.mu.Unlock()
	s.log.Info().Stringer("state", to).Msg("resumed")
	s.emit(Event{Type: ev})
	return nil
}

// fail moves the session to Error and releases everything.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state.done() {
		s.mu.Unlock()
		return
	}
	s.state = Error
	s.err = err
	cc := s.conn
	s.mu.Unlock()

	s.log.Error().Err(err).Msg("session failed")
	s.cancel()
	if cc != nil {
		cc.Close()
	}
	s.buf.Close()
	s.emit(Event{Type: EventClosed, Reason: err.Error(), Err: err})
	s.closeEvents()
}

// finish closes the session from the server side. Frames already
// queued can still be read.
func (s *Session) finish(reason string) {
	s.mu.Lock()
	if s.state.done() {
		s.mu.Unlock()
		return
	}
	s.state = Closed
	cc := s.conn
	s.mu.Unlock()

	s.log.Info().Str("reason", reason).Msg("session finished")
	s.cancel()
	if cc != nil {
		cc.Close()
	}
	s.emit(Event{Type: EventClosed, Reason: reason})
	s.closeEvents()
}

// Close ends the session from any state. It is safe to call more than
// once; a session in Error stays there.
func (s *Session) Close() error {
	s.mu.Lock()
	switch s.state {
	case Idle:
		s.state = Closed
		s.mu.Unlock()
		s.cancel()
		s.buf.Close()
		s.emit(Event{Type: EventClosed, Reason: "closed"})
		s.closeEvents()
		return nil
	case Closing, Closed, Error:
		s.mu.Unlock()
		s.buf.Close()
		return nil
	}
	s.state = Closing
	cc, m, name, done := s.conn, s.mode, s.name, s.done
	dialing, stopWriter := s.dialing, s.stopWriter
	s.mu.Unlock()

	s.log.Info().Msg("closing")
	if stopWriter != nil {
		stopWriter()
	}
	if cc != nil && m != modeNone {
		if err := cc.CloseStream(name, m == modePublish); err != nil {
			s.log.Debug().Err(err).Msg("close stream")
		}
	}
	s.cancel()
	if cc != nil {
		cc.Close()
	}
	if dialing != nil {
		dialing.Close()
	}
	s.buf.Close()
	if done != nil {
		t := time.NewTimer(s.cfg.CloseGrace)
		select {
		case <-done:
		case <-t.C:
			s.log.Warn().Dur("grace", s.cfg.CloseGrace).Msg("loops still running after close")
		}
		t.Stop()
	}

	s.mu.Lock()
	s.state = Closed
	s.mu.Unlock()
	s.emit(Event{Type: EventClosed, Reason: "closed"})
	s.closeEvents()
	return nil
}

type Stats struct {
	ID         string            `json:"id"`
	State      string            `json:"state"`
	Sent       rtmp.StaticsBW    `json:"sent"`
	Received   rtmp.StaticsBW    `json:"received"`
	Buffer     cache.BufferStats `json:"buffer"`
	BytesIn    uint64            `json:"bytesIn"`
	BytesOut   uint64            `json:"bytesOut"`
	Reconnects int64             `json:"reconnects"`
	Throttled  bool              `json:"throttled"`
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	st, cc := s.state, s.conn
	s.mu.Unlock()
	ret := Stats{
		ID:         s.id,
		State:      st.String(),
		Sent:       s.sent.Snapshot(),
		Received:   s.recv.Snapshot(),
		Buffer:     s.buf.Stats(),
		Reconnects: s.reconnects.Load(),
		Throttled:  s.ctrl.Throttled(),
	}
	if cc != nil {
		ret.BytesIn = cc.Conn().BytesIn()
		ret.BytesOut = cc.Conn().BytesOut()
	}
	return ret
}
