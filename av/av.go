package av

import (
	"errors"
	"io"
)

// Flv Tag Header
const (
	TAG_AUDIO          = 0x08
	TAG_VIDEO          = 0x09
	TAG_SCRIPTDATAAMF0 = 0x12
	TAG_SCRIPTDATAAMF3 = 0xf
)

const (
	SOUND_AAC = 10

	AAC_SEQHDR = 0
	AAC_RAW    = 1
)

const (
	AVC_SEQHDR = 0
	AVC_NALU   = 1
	AVC_EOS    = 2
)

// Flv Video Tag Data Frame Type
const (
	FRAME_KEY   = 1
	FRAME_INTER = 2
	FRAME_DISPO = 3
)

const (
	CODEC_AVC  = 7
	CODEC_HEVC = 12
)

var (
	PUBLISH = "publish"
	PLAY    = "play"
)

var ErrClosed = errors.New("channel closed")

type Writer interface {
	Write(*Frame) error
}

type Reader interface {
	Read() (*Frame, error)
}

type ReadCloser interface {
	io.Closer
	Reader
}

type WriteCloser interface {
	io.Closer
	Writer
}
