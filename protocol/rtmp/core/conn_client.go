package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/zijiren233/gencontainer/rwmap"
	"github.com/zijiren233/livesession/av"
	"github.com/zijiren233/livesession/protocol/amf"
)

const DefaultRequestTimeout = 3 * time.Second

type ConnectInfo struct {
	App            string `amf:"app" json:"app"`
	Flashver       string `amf:"flashVer" json:"flashVer"`
	SwfUrl         string `amf:"swfUrl" json:"swfUrl"`
	TcUrl          string `amf:"tcUrl" json:"tcUrl"`
	Fpad           bool   `amf:"fpad" json:"fpad"`
	Capabilities   int    `amf:"capabilities" json:"capabilities"`
	AudioCodecs    int    `amf:"audioCodecs" json:"audioCodecs"`
	VideoCodecs    int    `amf:"videoCodecs" json:"videoCodecs"`
	VideoFunction  int    `amf:"videoFunction" json:"videoFunction"`
	PageUrl        string `amf:"pageUrl" json:"pageUrl"`
	ObjectEncoding int    `amf:"objectEncoding" json:"objectEncoding"`
}

func (ci *ConnectInfo) object() amf.Object {
	return amf.Object{
		"app":            ci.App,
		"flashVer":       ci.Flashver,
		"swfUrl":         ci.SwfUrl,
		"tcUrl":          ci.TcUrl,
		"fpad":           ci.Fpad,
		"capabilities":   ci.Capabilities,
		"audioCodecs":    ci.AudioCodecs,
		"videoCodecs":    ci.VideoCodecs,
		"videoFunction":  ci.VideoFunction,
		"pageUrl":        ci.PageUrl,
		"objectEncoding": ci.ObjectEncoding,
	}
}

func connectInfoOf(o amf.Object) ConnectInfo {
	var ci ConnectInfo
	ci.App, _ = o["app"].(string)
	ci.Flashver, _ = o["flashVer"].(string)
	ci.SwfUrl, _ = o["swfUrl"].(string)
	ci.TcUrl, _ = o["tcUrl"].(string)
	ci.PageUrl, _ = o["pageUrl"].(string)
	ci.Fpad, _ = o["fpad"].(bool)
	if v, ok := o["objectEncoding"].(float64); ok {
		ci.ObjectEncoding = int(v)
	}
	if v, ok := o["capabilities"].(float64); ok {
		ci.Capabilities = int(v)
	}
	return ci
}

// NewConnectInfo fills the fields an encoder style client announces.
func NewConnectInfo(app, tcURL string) ConnectInfo {
	return ConnectInfo{
		App:            app,
		Flashver:       "FMLE/3.0 (compatible; FMSc/1.0)",
		TcUrl:          tcURL,
		Capabilities:   239,
		AudioCodecs:    0x0400,
		VideoCodecs:    0x0080,
		VideoFunction:  1,
		ObjectEncoding: 0,
	}
}

// ErrRequestTimeout is handed to a Call reply that got no answer in
// time.
var ErrRequestTimeout = errors.New("request timed out")

// pendingCall is an entry of the transaction table. reply is nil for
// requests whose answer is awaited inline.
type pendingCall struct {
	name  string
	reply func(*Command, error)
}

// ConnClient drives the client side command exchange over a Conn.
type ConnClient struct {
	conn *Conn

	mu      sync.Mutex
	transID int
	// streamID is read by the frame writer while commands run on
	// other goroutines.
	streamID atomic.Uint32
	pending  rwmap.RWMap[int, *pendingCall]

	requestTimeout time.Duration
	chunkSize      uint32
	windowAckSize  uint32
	publishType    PublishType
	// early holds messages read while waiting for a response.
	early []*ChunkStream
	log   zerolog.Logger
}

type ConnClientConf func(*ConnClient)

func WithRequestTimeout(d time.Duration) ConnClientConf {
	return func(c *ConnClient) {
		c.requestTimeout = d
	}
}

// WithOutChunkSize sets the chunk size announced after connect.
func WithOutChunkSize(size uint32) ConnClientConf {
	return func(c *ConnClient) {
		c.chunkSize = size
	}
}

func WithWindowAckSize(size uint32) ConnClientConf {
	return func(c *ConnClient) {
		c.windowAckSize = size
	}
}

// WithPublishType picks live, record or append for publish.
func WithPublishType(t PublishType) ConnClientConf {
	return func(c *ConnClient) {
		c.publishType = t
	}
}

func WithClientLogger(log zerolog.Logger) ConnClientConf {
	return func(c *ConnClient) {
		c.log = log
	}
}

func NewConnClient(conn *Conn, conf ...ConnClientConf) *ConnClient {
	c := &ConnClient{
		conn:           conn,
		requestTimeout: DefaultRequestTimeout,
		chunkSize:      8192,
		windowAckSize:  DefaultWindowAckSize,
		publishType:    PublishLive,
		log:            zerolog.Nop(),
	}
	for _, f := range conf {
		f(c)
	}
	return c
}

func (connClient *ConnClient) Conn() *Conn {
	return connClient.conn
}

func (connClient *ConnClient) StreamID() uint32 {
	return connClient.streamID.Load()
}

// allocTransID hands out the next transaction id without registering
// it. Used for commands whose answer nobody waits for.
func (connClient *ConnClient) allocTransID() int {
	connClient.mu.Lock()
	defer connClient.mu.Unlock()
	connClient.transID++
	return connClient.transID
}

func (connClient *ConnClient) issued(id int) bool {
	connClient.mu.Lock()
	defer connClient.mu.Unlock()
	return id > 0 && id <= connClient.transID
}

// register adds a transaction the caller removes once it is answered
// or abandoned.
func (connClient *ConnClient) register(name string, reply func(*Command, error)) int {
	id := connClient.allocTransID()
	connClient.pending.Store(id, &pendingCall{name: name, reply: reply})
	return id
}

func (connClient *ConnClient) writeMsg(streamID uint32, name string, transID int, args ...any) error {
	c, err := EncodeCommand(streamID, name, transID, args...)
	if err != nil {
		return err
	}
	return connClient.conn.Send(c)
}

// withDeadline closes the connection if ctx or the request timeout
// expires first, which unblocks the pending read.
func (connClient *ConnClient) withDeadline(ctx context.Context, op string, f func() error) error {
	ctx, cancel := context.WithTimeout(ctx, connClient.requestTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		connClient.conn.Close()
	})
	err := f()
	if !stop() && err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ConnectionLost(op, ctxErr)
		}
	}
	return err
}

// dispatch settles the transaction a _result or _error answers. It
// reports the entry that was waiting, if any; Call replies are invoked
// here.
func (connClient *ConnClient) dispatch(cmd *Command) (*pendingCall, bool) {
	call, ok := connClient.pending.LoadAndDelete(cmd.TransactionID)
	if !ok {
		if connClient.issued(cmd.TransactionID) {
			connClient.log.Debug().Int("transaction", cmd.TransactionID).Msg("reply to unanswered command dropped")
		} else {
			connClient.log.Warn().Int("transaction", cmd.TransactionID).Msg("response for unknown transaction dropped")
		}
		return nil, false
	}
	if call.reply != nil {
		if cmd.Name == respError {
			call.reply(cmd, CommandRejected(call.name, rejectReason(cmd)))
		} else {
			call.reply(cmd, nil)
		}
	}
	return call, true
}

func rejectReason(cmd *Command) string {
	if info, ok := cmd.Info(); ok {
		return StatusOf(info).Reason()
	}
	return "rejected"
}

// readResponse reads until the result for transID arrives. Results for
// other transactions are dispatched; media and control messages are
// kept for Read.
func (connClient *ConnClient) readResponse(op string, transID int) (*Command, error) {
	for {
		cs, err := connClient.conn.Read()
		if err != nil {
			return nil, err
		}
		cmd, err := DecodeCommand(cs)
		if errors.Is(err, ErrNotCommand) {
			connClient.keep(cs)
			continue
		}
		if err != nil {
			return nil, err
		}
		switch cmd.Name {
		case respResult, respError:
		default:
			connClient.log.Debug().Str("command", cmd.Name).Str("waiting", op).Msg("ignored command")
			continue
		}
		if cmd.TransactionID != transID {
			if call, ok := connClient.dispatch(cmd); ok && call.reply == nil {
				connClient.log.Debug().Int("transaction", cmd.TransactionID).Str("command", call.name).Msg("late response dropped")
			}
			continue
		}
		connClient.pending.Delete(transID)
		if cmd.Name == respError {
			return nil, CommandRejected(op, rejectReason(cmd))
		}
		return cmd, nil
	}
}

// readStatus reads until an onStatus with one of codes arrives. Error
// level statuses reject the operation.
func (connClient *ConnClient) readStatus(op string, codes ...string) (Status, error) {
	for {
		cs, err := connClient.conn.Read()
		if err != nil {
			return Status{}, err
		}
		cmd, err := DecodeCommand(cs)
		if errors.Is(err, ErrNotCommand) {
			connClient.keep(cs)
			continue
		}
		if err != nil {
			return Status{}, err
		}
		if cmd.Name != cmdOnStatus {
			if cmd.Name == respResult || cmd.Name == respError {
				connClient.dispatch(cmd)
			}
			continue
		}
		info, ok := cmd.Info()
		if !ok {
			continue
		}
		st := StatusOf(info)
		if st.IsError() {
			return st, CommandRejected(op, st.Reason())
		}
		for _, code := range codes {
			if st.Code == code {
				return st, nil
			}
		}
		connClient.log.Debug().Str("code", st.Code).Msg("status")
	}
}

func (connClient *ConnClient) keep(cs *ChunkStream) {
	if _, ok := av.KindOf(cs.TypeID); ok {
		connClient.early = append(connClient.early, cs)
	}
}

// Connect sends connect and waits for NetConnection.Connect.Success,
// then announces the outbound chunk size and ack window.
func (connClient *ConnClient) Connect(ctx context.Context, info ConnectInfo) error {
	return connClient.withDeadline(ctx, cmdConnect, func() error {
		id := connClient.register(cmdConnect, nil)
		defer connClient.pending.Delete(id)
		if err := connClient.writeMsg(0, cmdConnect, id, info.object()); err != nil {
			return err
		}
		resp, err := connClient.readResponse(cmdConnect, id)
		if err != nil {
			return err
		}
		if info, ok := resp.Info(); ok {
			st := StatusOf(info)
			if st.Code != CodeConnectSuccess {
				return CommandRejected(cmdConnect, st.Reason())
			}
		}
		connClient.log.Debug().Msg("connected")
		return connClient.conn.Send(
			connClient.conn.NewSetChunkSize(connClient.chunkSize),
			connClient.conn.NewWindowAckSize(connClient.windowAckSize),
		)
	})
}

func (connClient *ConnClient) CreateStream(ctx context.Context) (uint32, error) {
	err := connClient.withDeadline(ctx, cmdCreateStream, func() error {
		id := connClient.register(cmdCreateStream, nil)
		defer connClient.pending.Delete(id)
		if err := connClient.writeMsg(0, cmdCreateStream, id, nil); err != nil {
			return err
		}
		resp, err := connClient.readResponse(cmdCreateStream, id)
		if err != nil {
			return err
		}
		sid, ok := resp.Arg(0).(float64)
		if !ok {
			return FramingError(cmdCreateStream, "stream id is %T", resp.Arg(0))
		}
		connClient.streamID.Store(uint32(sid))
		return nil
	})
	return connClient.streamID.Load(), err
}

// Publish runs releaseStream, FCPublish, createStream and publish, and
// waits for NetStream.Publish.Start. releaseStream and FCPublish are
// not waited for.
func (connClient *ConnClient) Publish(ctx context.Context, name string) error {
	if err := connClient.writeMsg(0, cmdReleaseStream, connClient.allocTransID(), nil, name); err != nil {
		return err
	}
	if err := connClient.writeMsg(0, cmdFcpublish, connClient.allocTransID(), nil, name); err != nil {
		return err
	}
	sid, err := connClient.CreateStream(ctx)
	if err != nil {
		return err
	}
	return connClient.withDeadline(ctx, cmdPublish, func() error {
		if err := connClient.writeMsg(sid, cmdPublish, 0, nil, name, string(connClient.publishType)); err != nil {
			return err
		}
		_, err := connClient.readStatus(cmdPublish, CodePublishStart)
		return err
	})
}

// Play runs createStream and play, and waits for NetStream.Play.Start.
func (connClient *ConnClient) Play(ctx context.Context, name string) error {
	sid, err := connClient.CreateStream(ctx)
	if err != nil {
		return err
	}
	return connClient.withDeadline(ctx, cmdPlay, func() error {
		if err := connClient.writeMsg(sid, cmdPlay, 0, nil, name); err != nil {
			return err
		}
		_, err := connClient.readStatus(cmdPlay, CodePlayStart)
		return err
	})
}

// Call sends an arbitrary command on the connection. A nil reply sends
// it with transaction id 0. Otherwise reply gets the _result or _error
// once whoever reads the connection sees it, or ErrRequestTimeout.
func (connClient *ConnClient) Call(name string, reply func(*Command, error), args ...any) error {
	if reply == nil {
		return connClient.writeMsg(0, name, 0, append([]any{nil}, args...)...)
	}
	id := connClient.register(name, reply)
	time.AfterFunc(connClient.requestTimeout, func() {
		if _, ok := connClient.pending.LoadAndDelete(id); ok {
			reply(nil, fmt.Errorf("%s: %w", name, ErrRequestTimeout))
		}
	})
	if err := connClient.writeMsg(0, name, id, append([]any{nil}, args...)...); err != nil {
		connClient.pending.Delete(id)
		return err
	}
	return nil
}

// streamCommand sends a command on the current stream. The answer, if
// any, comes back as onStatus.
func (connClient *ConnClient) streamCommand(name string, args ...any) error {
	sid := connClient.streamID.Load()
	if sid == 0 {
		return noStream(name)
	}
	return connClient.writeMsg(sid, name, 0, append([]any{nil}, args...)...)
}

// Pause pauses or resumes playback; position is where playback stands.
func (connClient *ConnClient) Pause(paused bool, position time.Duration) error {
	return connClient.streamCommand(cmdPause, paused, position.Milliseconds())
}

// Seek asks the server to continue playback from offset.
func (connClient *ConnClient) Seek(offset time.Duration) error {
	return connClient.streamCommand(cmdSeek, offset.Milliseconds())
}

func (connClient *ConnClient) ReceiveAudio(on bool) error {
	return connClient.streamCommand(cmdReceiveAudio, on)
}

func (connClient *ConnClient) ReceiveVideo(on bool) error {
	return connClient.streamCommand(cmdReceiveVideo, on)
}

// CloseStream tears down the stream without waiting for replies.
func (connClient *ConnClient) CloseStream(name string, publishing bool) error {
	sid := connClient.streamID.Swap(0)
	if sid == 0 {
		return nil
	}
	var errs []error
	if publishing {
		errs = append(errs, connClient.writeMsg(0, cmdFCUnpublish, connClient.allocTransID(), nil, name))
	}
	errs = append(errs,
		connClient.writeMsg(sid, cmdCloseStream, 0, nil),
		connClient.writeMsg(0, cmdDeleteStream, connClient.allocTransID(), nil, sid),
	)
	return errors.Join(errs...)
}

// WriteFrame sends one media message on the current stream and returns
// the header type of its first chunk. Nothing is flushed.
func (connClient *ConnClient) WriteFrame(f *av.Frame) (uint32, error) {
	sid := connClient.streamID.Load()
	if sid == 0 {
		return 0, noStream("write frame")
	}
	if f.Kind == av.KindData {
		body, err := amf.MetaDataReform(f.Body(), amf.ADD)
		if err != nil {
			return 0, err
		}
		if len(body) == 0 {
			return 0, nil
		}
		f = &av.Frame{Kind: f.Kind, Timestamp: f.Timestamp, Tag: body[0], Payload: body[1:]}
	}
	return connClient.conn.Write(NewMediaMessage(f, sid))
}

func noStream(op string) *Error {
	return &Error{Kind: KindInvalidState, Op: op, Reason: "no stream"}
}

func (connClient *ConnClient) Flush() error {
	return connClient.conn.Flush()
}

// Read returns the next message, starting with anything buffered while
// commands were in flight. Answers to Call are consumed here.
func (connClient *ConnClient) Read() (*ChunkStream, error) {
	for {
		if len(connClient.early) > 0 {
			cs := connClient.early[0]
			connClient.early = connClient.early[1:]
			return cs, nil
		}
		cs, err := connClient.conn.Read()
		if err != nil {
			return nil, err
		}
		if cs.TypeID == TypeCommandAMF0 || cs.TypeID == TypeCommandAMF3 {
			if cmd, err := DecodeCommand(cs); err == nil && (cmd.Name == respResult || cmd.Name == respError) {
				connClient.dispatch(cmd)
				continue
			}
		}
		return cs, nil
	}
}

// Close closes the connection and fails every outstanding Call.
func (connClient *ConnClient) Close() error {
	err := connClient.conn.Close()
	connClient.pending.Range(func(id int, call *pendingCall) bool {
		if _, ok := connClient.pending.LoadAndDelete(id); ok && call.reply != nil {
			call.reply(nil, ConnectionLost(call.name, errConnClosed))
		}
		return true
	})
	return err
}

var errConnClosed = errors.New("connection closed")
