package core

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/zijiren233/stream"
)

const (
	_ = iota
	idSetChunkSize
	idAbortMessage
	idAck
	idUserControlMessages
	idWindowAckSize
	idSetPeerBandwidth
)

// Message type ids above the control range.
const (
	TypeAudio         = 8
	TypeVideo         = 9
	TypeDataAMF3      = 15
	TypeCommandAMF3   = 17
	TypeDataAMF0      = 18
	TypeCommandAMF0   = 20
	TypeAggregateData = 22
)

const DefaultWindowAckSize uint32 = 250000

// Conn is one RTMP connection over an already established transport:
// chunk codec in both directions plus protocol control handling.
// Read must be called from a single goroutine; writes are serialized
// per message.
type Conn struct {
	rwc    io.ReadWriteCloser
	rw     *ReadWriter
	reader *ChunkReader
	writer *ChunkWriter
	wmu    sync.Mutex

	// windowAckSize is the window we announced; the peer acks each time
	// it has received that many bytes from us.
	windowAckSize atomic.Uint32
	// remoteWindowAckSize is the window the peer announced.
	remoteWindowAckSize atomic.Uint32
	peerBandwidth       atomic.Uint32

	inBase, outBase atomic.Uint64
	ackedIn         uint64
	peerAck         atomic.Uint32
	peerAcked       atomic.Bool

	onUserControl func(event uint16, data []byte)

	closeOnce sync.Once
	closeErr  error
	log       zerolog.Logger
}

type ConnConf func(*Conn)

func WithConnLogger(log zerolog.Logger) ConnConf {
	return func(c *Conn) {
		c.log = log
	}
}

func WithMaxMessageLength(n uint32) ConnConf {
	return func(c *Conn) {
		c.reader.SetMaxMessageLength(n)
	}
}

// WithUserControlHandler observes user control events other than ping,
// which Conn answers itself.
func WithUserControlHandler(f func(event uint16, data []byte)) ConnConf {
	return func(c *Conn) {
		c.onUserControl = f
	}
}

func NewConn(rwc io.ReadWriteCloser, bufferSize int, conf ...ConnConf) *Conn {
	rw := NewReadWriter(rwc, bufferSize)
	c := &Conn{
		rwc:    rwc,
		rw:     rw,
		writer: NewChunkWriter(rw),
		log:    zerolog.Nop(),
	}
	c.reader = NewChunkReader(rw, c.log)
	c.windowAckSize.Store(DefaultWindowAckSize)
	c.remoteWindowAckSize.Store(DefaultWindowAckSize)
	for _, f := range conf {
		f(c)
	}
	c.reader.log = c.log
	return c
}

// markHandshakeDone starts byte accounting for acknowledgements.
func (conn *Conn) markHandshakeDone() {
	conn.inBase.Store(conn.rw.BytesIn())
	conn.outBase.Store(conn.rw.BytesOut())
	conn.ackedIn = conn.rw.BytesIn()
}

// Read returns the next complete message. Protocol control messages are
// applied before being returned.
func (conn *Conn) Read() (*ChunkStream, error) {
	cs, err := conn.reader.ReadMessage()
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			return nil, err
		}
		return nil, ConnectionLost("read", err)
	}

	if err := conn.handleControlMsg(cs); err != nil {
		return nil, err
	}
	conn.ack()

	return cs, nil
}

// Write emits one message and reports the header type of its first
// chunk. Nothing is flushed.
func (conn *Conn) Write(cs *ChunkStream) (uint32, error) {
	conn.wmu.Lock()
	defer conn.wmu.Unlock()
	return conn.write(cs)
}

func (conn *Conn) write(cs *ChunkStream) (uint32, error) {
	format, err := conn.writer.WriteMessage(cs)
	if err != nil {
		return 0, ConnectionLost("write", err)
	}
	switch cs.TypeID {
	case idSetChunkSize:
		if err := conn.writer.SetChunkSize(stream.BigEndian.ReadU32(cs.Data)); err != nil {
			return 0, err
		}
	case idWindowAckSize:
		conn.windowAckSize.Store(stream.BigEndian.ReadU32(cs.Data))
	}
	return format, nil
}

func (conn *Conn) Flush() error {
	conn.wmu.Lock()
	defer conn.wmu.Unlock()
	if err := conn.rw.Flush(); err != nil {
		return ConnectionLost("flush", err)
	}
	return nil
}

// Send writes and flushes each message as one unit.
func (conn *Conn) Send(cs ...*ChunkStream) error {
	conn.wmu.Lock()
	defer conn.wmu.Unlock()
	for _, c := range cs {
		if _, err := conn.write(c); err != nil {
			return err
		}
	}
	if err := conn.rw.Flush(); err != nil {
		return ConnectionLost("flush", err)
	}
	return nil
}

func (conn *Conn) Close() error {
	conn.closeOnce.Do(func() {
		conn.closeErr = conn.rwc.Close()
	})
	return conn.closeErr
}

func (conn *Conn) BytesIn() uint64 {
	return conn.rw.BytesIn()
}

func (conn *Conn) BytesOut() uint64 {
	return conn.rw.BytesOut()
}

func (conn *Conn) ChunkSize() (out, in uint32) {
	conn.wmu.Lock()
	out = conn.writer.ChunkSize()
	conn.wmu.Unlock()
	return out, conn.reader.ChunkSize()
}

func (conn *Conn) WindowAckSize() uint32 {
	return conn.windowAckSize.Load()
}

func (conn *Conn) PeerBandwidth() uint32 {
	return conn.peerBandwidth.Load()
}

// Unacked reports bytes sent that the peer has not acknowledged yet.
// ok is false until the peer has sent its first acknowledgement, so a
// peer that never acks is never seen as falling behind. Sequence
// numbers wrap at 32 bits; a peer acking at or past what it was sent
// counts as fully caught up.
func (conn *Conn) Unacked() (n uint32, ok bool) {
	if !conn.peerAcked.Load() {
		return 0, false
	}
	sent := uint32(conn.rw.BytesOut() - conn.outBase.Load())
	delta := int32(sent - conn.peerAck.Load())
	if delta <= 0 {
		return 0, true
	}
	return uint32(delta), true
}

func (conn *Conn) NewAck(size uint32) *ChunkStream {
	return initControlMsg(idAck, 4, size)
}

func (conn *Conn) NewSetChunkSize(size uint32) *ChunkStream {
	return initControlMsg(idSetChunkSize, 4, size)
}

func (conn *Conn) NewWindowAckSize(size uint32) *ChunkStream {
	return initControlMsg(idWindowAckSize, 4, size)
}

// NewSetPeerBandwidth uses the dynamic limit type.
func (conn *Conn) NewSetPeerBandwidth(size uint32) *ChunkStream {
	ret := initControlMsg(idSetPeerBandwidth, 5, size)
	ret.Data[4] = 2
	return ret
}

func (conn *Conn) handleControlMsg(c *ChunkStream) error {
	if c.TypeID < idSetChunkSize || c.TypeID > idSetPeerBandwidth {
		return nil
	}
	if c.TypeID != idUserControlMessages && len(c.Data) < 4 {
		return FramingError("control message", "type %d with %d byte payload", c.TypeID, len(c.Data))
	}

	switch c.TypeID {
	case idSetChunkSize:
		size := stream.BigEndian.ReadU32(c.Data) & 0x7fffffff
		if err := conn.reader.SetChunkSize(size); err != nil {
			return err
		}
		conn.log.Debug().Uint32("size", size).Msg("peer chunk size")
	case idAbortMessage:
		conn.reader.Abort(stream.BigEndian.ReadU32(c.Data))
	case idAck:
		conn.peerAck.Store(stream.BigEndian.ReadU32(c.Data))
		conn.peerAcked.Store(true)
	case idWindowAckSize:
		conn.remoteWindowAckSize.Store(stream.BigEndian.ReadU32(c.Data))
	case idSetPeerBandwidth:
		conn.peerBandwidth.Store(stream.BigEndian.ReadU32(c.Data))
	case idUserControlMessages:
		if len(c.Data) < 2 {
			return FramingError("user control", "%d byte payload", len(c.Data))
		}
		event := stream.BigEndian.ReadU16(c.Data)
		if event == pingRequest && len(c.Data) >= 6 {
			pong := conn.userControlMsg(pingResponse, 4)
			copy(pong.Data[2:], c.Data[2:6])
			if err := conn.Send(pong); err != nil {
				return err
			}
			return nil
		}
		if conn.onUserControl != nil {
			conn.onUserControl(event, c.Data[2:])
		}
	}
	return nil
}

func (conn *Conn) ack() {
	window := uint64(conn.remoteWindowAckSize.Load())
	in := conn.rw.BytesIn()
	if window == 0 || in-conn.ackedIn < window {
		return
	}
	seq := uint32(in - conn.inBase.Load())
	if err := conn.Send(conn.NewAck(seq)); err != nil {
		conn.log.Debug().Err(err).Msg("send ack")
		return
	}
	conn.ackedIn = in
}

func initControlMsg(id, size, value uint32) *ChunkStream {
	ret := &ChunkStream{
		Format:   0,
		CSID:     CSIDControl,
		TypeID:   id,
		StreamID: 0,
		Length:   size,
		Data:     make([]byte, size),
	}
	stream.BigEndian.WriteU32(ret.Data[:4], value)
	return ret
}

const (
	streamBegin      uint16 = 0
	streamEOF        uint16 = 1
	streamDry        uint16 = 2
	setBufferLen     uint16 = 3
	streamIsRecorded uint16 = 4
	pingRequest      uint16 = 6
	pingResponse     uint16 = 7
)

// Exported user control event types.
const (
	EventStreamBegin = streamBegin
	EventStreamEOF   = streamEOF
	EventStreamDry   = streamDry
)

/*
+------------------------------+-------------------------
|     Event Type ( 2- bytes )  | Event Data
+------------------------------+-------------------------
Pay load for the ‘User Control Message’.
*/
func (conn *Conn) userControlMsg(eventType uint16, buflen uint32) *ChunkStream {
	buflen += 2
	ret := &ChunkStream{
		CSID:     CSIDControl,
		TypeID:   idUserControlMessages,
		StreamID: 0,
		Length:   buflen,
		Data:     make([]byte, buflen),
	}
	stream.BigEndian.WriteU16(ret.Data, eventType)
	return ret
}

func (conn *Conn) streamEvent(eventType uint16, streamID uint32) error {
	ret := conn.userControlMsg(eventType, 4)
	stream.BigEndian.WriteU32(ret.Data[2:], streamID)
	return conn.Send(ret)
}

func (conn *Conn) SetBegin(streamID uint32) error {
	return conn.streamEvent(streamBegin, streamID)
}

func (conn *Conn) SetRecorded(streamID uint32) error {
	return conn.streamEvent(streamIsRecorded, streamID)
}

func (conn *Conn) SetEOF(streamID uint32) error {
	return conn.streamEvent(streamEOF, streamID)
}

func (conn *Conn) PingRequest(timestamp uint32) error {
	return conn.streamEvent(pingRequest, timestamp)
}
