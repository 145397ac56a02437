package av

import (
	"fmt"
	"time"
)

type Kind uint8

const (
	KindAudio Kind = iota + 1
	KindVideo
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	case KindData:
		return "data"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// TypeID is the message type id a frame of this kind travels as.
func (k Kind) TypeID() uint32 {
	switch k {
	case KindAudio:
		return TAG_AUDIO
	case KindVideo:
		return TAG_VIDEO
	default:
		return TAG_SCRIPTDATAAMF0
	}
}

func KindOf(typeID uint32) (Kind, bool) {
	switch typeID {
	case TAG_AUDIO:
		return KindAudio, true
	case TAG_VIDEO:
		return KindVideo, true
	case TAG_SCRIPTDATAAMF0, TAG_SCRIPTDATAAMF3:
		return KindData, true
	default:
		return 0, false
	}
}

// Frame is one encoded unit handed over by the encoder. Tag is the
// one-byte codec tag that precedes Payload on the wire; neither is
// inspected by the protocol core.
type Frame struct {
	Kind     Kind
	PTS      time.Duration
	DTS      time.Duration // video only, equal to PTS without reordering
	Keyframe bool
	// Config marks sequence headers and metadata, which are replayed
	// after a reconnect and to late joiners.
	Config  bool
	Tag     byte
	Payload []byte

	// Timestamp is the relative wire timestamp in milliseconds.
	Timestamp uint32
	StreamID  uint32
}

// DecodeTime is the timestamp frames are ordered and stamped by.
func (f *Frame) DecodeTime() time.Duration {
	if f.Kind == KindVideo {
		return f.DTS
	}
	return f.PTS
}

func (f *Frame) CompositionTime() time.Duration {
	if f.Kind != KindVideo {
		return 0
	}
	return f.PTS - f.DTS
}

// Size is the message body length: tag byte plus payload.
func (f *Frame) Size() int {
	return len(f.Payload) + 1
}

func (f *Frame) Body() []byte {
	b := make([]byte, f.Size())
	b[0] = f.Tag
	copy(b[1:], f.Payload)
	return b
}

func (f *Frame) Clone() *Frame {
	var tf = *f
	tf.Payload = make([]byte, len(f.Payload))
	copy(tf.Payload, f.Payload)
	return &tf
}

// FrameFromBody rebuilds a frame from a received message body.
func FrameFromBody(kind Kind, timestamp uint32, body []byte) *Frame {
	f := &Frame{
		Kind:      kind,
		Timestamp: timestamp,
		PTS:       time.Duration(timestamp) * time.Millisecond,
		DTS:       time.Duration(timestamp) * time.Millisecond,
	}
	if len(body) == 0 {
		return f
	}
	f.Tag = body[0]
	f.Payload = body[1:]
	return f
}
