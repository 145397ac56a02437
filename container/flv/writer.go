package flv

import (
	"errors"
	"io"
	"sync"

	"github.com/zijiren233/livesession/av"
	"github.com/zijiren233/livesession/protocol/amf"
	"github.com/zijiren233/stream"
)

var (
	FlvHeader          = []byte{0x46, 0x4c, 0x56, 0x01, 0x05, 0x00, 0x00, 0x00, 0x09}
	FlvFirstPreTagSize = []byte{0x00, 0x00, 0x00, 0x00}
	FlvFirstHeader     = append(FlvHeader, FlvFirstPreTagSize...)
)

const (
	headerLen = 11
)

var ErrWriterClosed = errors.New("flv writer closed")

// Writer records frames as FLV tags. Script data is written without the
// @setDataFrame wrapper.
type Writer struct {
	w      *stream.Writer
	inited bool

	lock   sync.Mutex
	closed bool
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{
		w: stream.NewWriter(w, stream.BigEndian),
	}
}

func (w *Writer) Write(f *av.Frame) error {
	_, err := w.WriteFrame(f)
	return err
}

// WriteFrame writes f as one tag. The returned header type is always 0
// since FLV tags carry full headers.
func (w *Writer) WriteFrame(f *av.Frame) (uint32, error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.closed {
		return 0, ErrWriterClosed
	}
	if !w.inited {
		if err := w.w.Bytes(FlvFirstHeader).Error(); err != nil {
			return 0, err
		}
		w.inited = true
	}

	body := f.Body()
	if f.Kind == av.KindData {
		var err error
		body, err = amf.MetaDataReform(body, amf.DEL)
		if err != nil {
			return 0, err
		}
	}
	dataLen := uint32(len(body))

	return 0, w.w.
		U8(uint8(f.Kind.TypeID())).
		U24(dataLen).
		U24(f.Timestamp).
		U8(uint8(f.Timestamp >> 24)).
		U24(0).
		Bytes(body).
		U32(dataLen + headerLen).Error()
}

// Flush is a no-op; stream.Writer writes through.
func (w *Writer) Flush() error {
	return nil
}

func (w *Writer) Close() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	w.closed = true
	return nil
}
