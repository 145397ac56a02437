package flv

import (
	"time"

	"github.com/zijiren233/livesession/av"
)

// enhanced RTMP: IsExHeader bit in the video tag byte
const exHeader = 0x80

const (
	exPacketTypeSequenceStart = 0
	exPacketTypeCodedFrames   = 1
	exPacketTypeCodedFramesX  = 3
)

// Classify sets Keyframe and Config from the codec tag byte and the
// first payload byte, the only places FLV exposes them. For AVC and
// HEVC frames carrying a composition time, PTS is moved off DTS.
func Classify(f *av.Frame) {
	switch f.Kind {
	case av.KindData:
		f.Config = true
	case av.KindAudio:
		f.Keyframe = true
		f.Config = f.Tag>>4 == av.SOUND_AAC &&
			len(f.Payload) > 0 && f.Payload[0] == av.AAC_SEQHDR
	case av.KindVideo:
		if f.Tag&exHeader != 0 {
			f.Keyframe = (f.Tag>>4)&0x07 == av.FRAME_KEY
			packetType := f.Tag & 0x0f
			f.Config = packetType == exPacketTypeSequenceStart
			if packetType == exPacketTypeCodedFrames && len(f.Payload) >= 7 {
				f.PTS = f.DTS + compositionTime(f.Payload[4:7])
			}
			return
		}
		frameType := f.Tag >> 4
		codecID := f.Tag & 0x0f
		f.Keyframe = frameType == av.FRAME_KEY
		if codecID != av.CODEC_AVC && codecID != av.CODEC_HEVC {
			return
		}
		if len(f.Payload) == 0 {
			return
		}
		f.Config = f.Payload[0] == av.AVC_SEQHDR
		if f.Payload[0] == av.AVC_NALU && len(f.Payload) >= 4 {
			f.PTS = f.DTS + compositionTime(f.Payload[1:4])
		}
	}
}

// signed 24-bit milliseconds
func compositionTime(b []byte) time.Duration {
	v := int32(b[0])<<16 | int32(b[1])<<8 | int32(b[2])
	if v&0x800000 != 0 {
		v -= 1 << 24
	}
	return time.Duration(v) * time.Millisecond
}
