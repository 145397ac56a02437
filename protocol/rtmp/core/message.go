package core

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/zijiren233/livesession/av"
	"github.com/zijiren233/livesession/protocol/amf"
)

const (
	cmdConnect       = "connect"
	cmdFcpublish     = "FCPublish"
	cmdReleaseStream = "releaseStream"
	cmdCreateStream  = "createStream"
	cmdPublish       = "publish"
	cmdFCUnpublish   = "FCUnpublish"
	cmdDeleteStream  = "deleteStream"
	cmdCloseStream   = "closeStream"
	cmdPlay          = "play"
	cmdOnStatus      = "onStatus"
	cmdOnBWDone      = "onBWDone"
	cmdPause         = "pause"
	cmdSeek          = "seek"
	cmdReceiveAudio  = "receiveAudio"
	cmdReceiveVideo  = "receiveVideo"

	respResult = "_result"
	respError  = "_error"
)

// PublishType is the second argument of publish.
type PublishType string

const (
	PublishLive   PublishType = "live"
	PublishRecord PublishType = "record"
	PublishAppend PublishType = "append"
)

func (t PublishType) Valid() bool {
	switch t {
	case PublishLive, PublishRecord, PublishAppend:
		return true
	}
	return false
}

const (
	levelStatus = "status"
	levelError  = "error"
)

// Status codes carried in onStatus and command result info objects.
const (
	CodeConnectSuccess      = "NetConnection.Connect.Success"
	CodeConnectRejected     = "NetConnection.Connect.Rejected"
	CodeConnectFailed       = "NetConnection.Connect.Failed"
	CodeConnectClosed       = "NetConnection.Connect.Closed"
	CodePublishStart        = "NetStream.Publish.Start"
	CodePublishBadName      = "NetStream.Publish.BadName"
	CodeUnpublishSuccess    = "NetStream.Unpublish.Success"
	CodePlayStart           = "NetStream.Play.Start"
	CodePlayReset           = "NetStream.Play.Reset"
	CodePlayStop            = "NetStream.Play.Stop"
	CodePlayStreamNotFound  = "NetStream.Play.StreamNotFound"
	CodePlayUnpublishNotify = "NetStream.Play.UnpublishNotify"
	CodeDataStart           = "NetStream.Data.Start"
	CodePauseNotify         = "NetStream.Pause.Notify"
	CodeUnpauseNotify       = "NetStream.Unpause.Notify"
	CodeSeekNotify          = "NetStream.Seek.Notify"
)

// Command is a decoded command message: name, transaction id, command
// object, then any further arguments.
type Command struct {
	Name          string
	TransactionID int
	Object        any
	Args          []any
	StreamID      uint32
}

func (c *Command) Arg(i int) any {
	if i < 0 || i >= len(c.Args) {
		return nil
	}
	return c.Args[i]
}

// Info returns the first object among the arguments, where results and
// onStatus carry their info object.
func (c *Command) Info() (amf.Object, bool) {
	for _, a := range c.Args {
		if o, ok := a.(amf.Object); ok {
			return o, true
		}
	}
	return nil, false
}

type Status struct {
	Level       string
	Code        string
	Description string
}

func (s Status) IsError() bool {
	return s.Level == levelError
}

// Reason is the text surfaced for a rejection.
func (s Status) Reason() string {
	if s.Description != "" {
		return s.Description
	}
	return s.Code
}

func StatusOf(o amf.Object) Status {
	var s Status
	s.Level, _ = o["level"].(string)
	s.Code, _ = o["code"].(string)
	s.Description, _ = o["description"].(string)
	return s
}

func statusObject(level, code, description string) amf.Object {
	return amf.Object{
		"level":       level,
		"code":        code,
		"description": description,
	}
}

var encoder = new(amf.Encoder)

// EncodeCommand builds an AMF0 command message on the command chunk
// stream.
func EncodeCommand(streamID uint32, name string, transactionID int, args ...any) (*ChunkStream, error) {
	buf := bytes.NewBuffer(nil)
	if _, err := encoder.EncodeBatch(buf, amf.AMF0, name, transactionID); err != nil {
		return nil, err
	}
	if _, err := encoder.EncodeBatch(buf, amf.AMF0, args...); err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return &ChunkStream{
		CSID:     CSIDCommand,
		TypeID:   TypeCommandAMF0,
		StreamID: streamID,
		Length:   uint32(buf.Len()),
		Data:     buf.Bytes(),
	}, nil
}

var ErrNotCommand = errors.New("not a command message")

func DecodeCommand(cs *ChunkStream) (*Command, error) {
	data := cs.Data
	switch cs.TypeID {
	case TypeCommandAMF0:
	case TypeCommandAMF3:
		// AMF3 commands start with a format byte, then AMF0 values that
		// may switch to AMF3 per value.
		if len(data) == 0 {
			return nil, FramingError("decode command", "empty AMF3 command")
		}
		data = data[1:]
	default:
		return nil, ErrNotCommand
	}

	vs, err := new(amf.Decoder).DecodeBatch(bytes.NewReader(data), amf.AMF0)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, FramingError("decode command", "%v", err)
	}
	if len(vs) < 2 {
		return nil, FramingError("decode command", "%d values", len(vs))
	}
	name, ok := vs[0].(string)
	if !ok {
		return nil, FramingError("decode command", "name is %T", vs[0])
	}
	tid, ok := vs[1].(float64)
	if !ok {
		return nil, FramingError("decode command", "transaction id is %T", vs[1])
	}
	c := &Command{
		Name:          name,
		TransactionID: int(tid),
		StreamID:      cs.StreamID,
	}
	if len(vs) > 2 {
		c.Object = vs[2]
		c.Args = vs[3:]
	}
	return c, nil
}

// EncodeData builds the body of a data message: handler name, then
// args, all AMF0.
func EncodeData(handler string, args ...any) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	if _, err := encoder.EncodeBatch(buf, amf.AMF0, handler); err != nil {
		return nil, err
	}
	if _, err := encoder.EncodeBatch(buf, amf.AMF0, args...); err != nil {
		return nil, fmt.Errorf("encode %s: %w", handler, err)
	}
	return buf.Bytes(), nil
}

// NewMediaMessage frames f as an audio, video or data message, each
// kind on its own chunk stream.
func NewMediaMessage(f *av.Frame, streamID uint32) *ChunkStream {
	var csid uint32
	switch f.Kind {
	case av.KindAudio:
		csid = CSIDAudio
	case av.KindVideo:
		csid = CSIDVideo
	default:
		csid = CSIDData
	}
	body := f.Body()
	return &ChunkStream{
		CSID:      csid,
		Timestamp: f.Timestamp,
		TypeID:    f.Kind.TypeID(),
		StreamID:  streamID,
		Length:    uint32(len(body)),
		Data:      body,
	}
}

// MediaFrame returns the frame carried by cs, if it is a media message.
func MediaFrame(cs *ChunkStream) (*av.Frame, bool) {
	kind, ok := av.KindOf(cs.TypeID)
	if !ok {
		return nil, false
	}
	f := av.FrameFromBody(kind, cs.Timestamp, cs.Data)
	f.StreamID = cs.StreamID
	return f, true
}
