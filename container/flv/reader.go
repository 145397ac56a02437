package flv

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"github.com/zijiren233/livesession/av"
	"github.com/zijiren233/stream"
)

type Reader struct {
	r       *stream.Reader
	inited  bool
	bufSize int
}

type ReaderConf func(*Reader)

func WithReaderBuffer(size int) ReaderConf {
	return func(r *Reader) {
		r.bufSize = size
	}
}

func NewReader(r io.Reader, conf ...ReaderConf) *Reader {
	reader := &Reader{
		bufSize: 1024,
	}
	for _, rc := range conf {
		rc(reader)
	}
	reader.r = stream.NewReader(bufio.NewReaderSize(r, reader.bufSize), stream.BigEndian)
	return reader
}

var ErrHeader = errors.New("read flv header error")
var ErrPreDataLen = errors.New("read flv pre data len error")

// Read returns the next audio, video or script tag as a classified
// frame. Other tag types are skipped. io.EOF marks the end of the file.
func (fr *Reader) Read() (*av.Frame, error) {
	if !fr.inited {
		var (
			sig    [4]byte
			flags  uint8
			offset uint32
		)
		if err := fr.r.Bytes(sig[:]).U8(&flags).U32(&offset).Error(); err != nil {
			return nil, err
		}
		// audio/video presence flags vary between files
		if !bytes.Equal(sig[:], FlvHeader[:4]) || offset < 9 {
			return nil, ErrHeader
		}
		// rest of the header, then the zero previous tag size
		if err := fr.r.SkipBytes(int64(offset) - 9 + 4).Error(); err != nil {
			return nil, unexpected(err)
		}
		fr.inited = true
	}

	for {
		typeID, err := fr.r.ReadU8()
		if err != nil {
			return nil, err
		}
		var (
			dataLen, ts, streamID, preDataLen uint32
			tsExt                             uint8
		)
		if err := fr.r.U24(&dataLen).U24(&ts).U8(&tsExt).U24(&streamID).Error(); err != nil {
			return nil, unexpected(err)
		}
		data := make([]byte, dataLen)
		if err := fr.r.Bytes(data).U32(&preDataLen).Error(); err != nil {
			return nil, unexpected(err)
		}
		if preDataLen != dataLen+headerLen {
			return nil, ErrPreDataLen
		}

		kind, ok := av.KindOf(uint32(typeID))
		if !ok || len(data) == 0 {
			continue
		}
		f := av.FrameFromBody(kind, uint32(tsExt)<<24|ts, data)
		Classify(f)
		return f, nil
	}
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
