package core

import (
	"errors"

	"github.com/rs/zerolog"
	"github.com/zijiren233/livesession/av"
	"github.com/zijiren233/livesession/protocol/amf"
)

var ErrReq = errors.New("req error")

type PublishInfo struct {
	Name string
	Type string
}

// ConnServerHooks let the embedding server accept or refuse requests.
// A non-nil error refuses with err.Error() as the description.
type ConnServerHooks struct {
	OnConnect func(info ConnectInfo) error
	OnPublish func(app, name string) error
	OnPlay    func(app, name string) error
}

type ConnServer struct {
	done          bool
	streamID      uint32
	isPublisher   bool
	conn          *Conn
	transactionID int
	hooks         ConnServerHooks
	ConnInfo      ConnectInfo
	PublishInfo   PublishInfo
	log           zerolog.Logger
}

func NewConnServer(conn *Conn, hooks ConnServerHooks, log zerolog.Logger) *ConnServer {
	return &ConnServer{
		conn:     conn,
		streamID: 1,
		hooks:    hooks,
		log:      log,
	}
}

func (connServer *ConnServer) writeMsg(streamID uint32, name string, transID int, args ...any) error {
	c, err := EncodeCommand(streamID, name, transID, args...)
	if err != nil {
		return err
	}
	return connServer.conn.Send(c)
}

func (connServer *ConnServer) connect(cmd *Command) error {
	if o, ok := cmd.Object.(amf.Object); ok {
		connServer.ConnInfo = connectInfoOf(o)
	}
	connServer.transactionID = cmd.TransactionID

	if connServer.hooks.OnConnect != nil {
		if err := connServer.hooks.OnConnect(connServer.ConnInfo); err != nil {
			connServer.log.Info().Str("app", connServer.ConnInfo.App).Err(err).Msg("connect rejected")
			if werr := connServer.writeMsg(0, respError, cmd.TransactionID, nil,
				statusObject(levelError, CodeConnectRejected, err.Error())); werr != nil {
				return werr
			}
			return CommandRejected(cmdConnect, err.Error())
		}
	}
	return connServer.connectResp()
}

func (connServer *ConnServer) connectResp() error {
	conn := connServer.conn
	if err := conn.Send(
		conn.NewWindowAckSize(2500000),
		conn.NewSetPeerBandwidth(2500000),
		conn.NewSetChunkSize(1024),
	); err != nil {
		return err
	}

	resp := amf.Object{
		"fmsVer":       "FMS/3,0,1,123",
		"capabilities": 31,
	}
	event := statusObject(levelStatus, CodeConnectSuccess, "Connection succeeded.")
	event["objectEncoding"] = connServer.ConnInfo.ObjectEncoding
	return connServer.writeMsg(0, respResult, connServer.transactionID, resp, event)
}

func (connServer *ConnServer) createStreamResp(cmd *Command) error {
	return connServer.writeMsg(0, respResult, cmd.TransactionID, nil, connServer.streamID)
}

func (connServer *ConnServer) publishOrPlay(cmd *Command) {
	connServer.PublishInfo.Name, _ = cmd.Arg(0).(string)
	connServer.PublishInfo.Type, _ = cmd.Arg(1).(string)
	connServer.transactionID = cmd.TransactionID
}

func (connServer *ConnServer) onStatus(level, code, description string) error {
	return connServer.writeMsg(connServer.streamID, cmdOnStatus, 0, nil, statusObject(level, code, description))
}

func (connServer *ConnServer) publishResp() error {
	if connServer.hooks.OnPublish != nil {
		if err := connServer.hooks.OnPublish(connServer.ConnInfo.App, connServer.PublishInfo.Name); err != nil {
			if werr := connServer.onStatus(levelError, CodePublishBadName, err.Error()); werr != nil {
				return werr
			}
			return CommandRejected(cmdPublish, err.Error())
		}
	}
	if err := connServer.conn.SetBegin(connServer.streamID); err != nil {
		return err
	}
	return connServer.onStatus(levelStatus, CodePublishStart, "Start publishing.")
}

func (connServer *ConnServer) playResp() error {
	if connServer.hooks.OnPlay != nil {
		if err := connServer.hooks.OnPlay(connServer.ConnInfo.App, connServer.PublishInfo.Name); err != nil {
			if werr := connServer.onStatus(levelError, CodePlayStreamNotFound, err.Error()); werr != nil {
				return werr
			}
			return CommandRejected(cmdPlay, err.Error())
		}
	}
	if err := connServer.conn.SetRecorded(connServer.streamID); err != nil {
		return err
	}
	if err := connServer.conn.SetBegin(connServer.streamID); err != nil {
		return err
	}
	if err := connServer.onStatus(levelStatus, CodePlayReset, "Playing and resetting stream."); err != nil {
		return err
	}
	if err := connServer.onStatus(levelStatus, CodePlayStart, "Started playing stream."); err != nil {
		return err
	}
	return connServer.onStatus(levelStatus, CodeDataStart, "Started playing stream.")
}

// HandleCommand answers one command message. It reports whether the
// stream was closed by the peer.
func (connServer *ConnServer) HandleCommand(c *ChunkStream) (closed bool, err error) {
	cmd, err := DecodeCommand(c)
	if err != nil {
		return false, err
	}

	switch cmd.Name {
	case cmdConnect:
		return false, connServer.connect(cmd)
	case cmdCreateStream:
		return false, connServer.createStreamResp(cmd)
	case cmdPublish:
		connServer.publishOrPlay(cmd)
		if err = connServer.publishResp(); err != nil {
			return false, err
		}
		connServer.done = true
		connServer.isPublisher = true
	case cmdPlay:
		connServer.publishOrPlay(cmd)
		if err = connServer.playResp(); err != nil {
			return false, err
		}
		connServer.done = true
		connServer.isPublisher = false
	case cmdReleaseStream, cmdFcpublish:
		return false, connServer.writeMsg(0, respResult, cmd.TransactionID, nil)
	case cmdPause:
		paused, _ := cmd.Arg(0).(bool)
		code, desc := CodeUnpauseNotify, "Resumed."
		if paused {
			code, desc = CodePauseNotify, "Paused."
		}
		return false, connServer.onStatus(levelStatus, code, desc)
	case cmdSeek:
		return false, connServer.onStatus(levelStatus, CodeSeekNotify, "Seeking.")
	case cmdReceiveAudio, cmdReceiveVideo:
		on, _ := cmd.Arg(0).(bool)
		connServer.log.Debug().Str("command", cmd.Name).Bool("on", on).Msg("stream control")
	case cmdFCUnpublish:
	case cmdCloseStream, cmdDeleteStream:
		if connServer.done && connServer.isPublisher {
			_ = connServer.onStatus(levelStatus, CodeUnpublishSuccess, "Stop publishing.")
		}
		return true, nil
	default:
		connServer.log.Debug().Str("command", cmd.Name).Msg("unhandled command")
	}

	return false, nil
}

// ReadInitMsg answers commands until the peer starts publishing or
// playing.
func (connServer *ConnServer) ReadInitMsg() error {
	for !connServer.done {
		c, err := connServer.conn.Read()
		if err != nil {
			return err
		}
		switch c.TypeID {
		case TypeCommandAMF0, TypeCommandAMF3:
			closed, err := connServer.HandleCommand(c)
			if err != nil {
				return err
			}
			if closed {
				return ErrReq
			}
		}
	}
	return nil
}

func (connServer *ConnServer) IsPublisher() bool {
	return connServer.isPublisher
}

// WriteFrame sends f to a player and returns the header type of its
// first chunk. Data frames lose their @setDataFrame wrapper. Nothing is
// flushed.
func (connServer *ConnServer) WriteFrame(f *av.Frame) (uint32, error) {
	if f.Kind == av.KindData {
		body, err := amf.MetaDataReform(f.Body(), amf.DEL)
		if err != nil {
			return 0, err
		}
		if len(body) == 0 {
			return 0, nil
		}
		f = &av.Frame{Kind: f.Kind, Timestamp: f.Timestamp, Tag: body[0], Payload: body[1:]}
	}
	return connServer.conn.Write(NewMediaMessage(f, connServer.streamID))
}

func (connServer *ConnServer) Flush() error {
	return connServer.conn.Flush()
}

func (connServer *ConnServer) Read() (*ChunkStream, error) {
	return connServer.conn.Read()
}

// Stop tells a player the stream has ended.
func (connServer *ConnServer) Stop() error {
	if err := connServer.onStatus(levelStatus, CodePlayStop, "Stopped playing stream."); err != nil {
		return err
	}
	return connServer.conn.SetEOF(connServer.streamID)
}

func (connServer *ConnServer) GetInfo() (app string, name string) {
	app = connServer.ConnInfo.App
	name = connServer.PublishInfo.Name
	return
}

func (connServer *ConnServer) Conn() *Conn {
	return connServer.conn
}

func (connServer *ConnServer) Close() error {
	return connServer.conn.Close()
}
