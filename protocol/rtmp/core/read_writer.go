package core

import (
	"bufio"
	"io"
	"sync/atomic"
)

// ReadWriter buffers a transport in both directions and counts the
// bytes that actually crossed it, which is what acknowledgements and
// the send window are measured in.
type ReadWriter struct {
	*bufio.ReadWriter
	in  *countingReader
	out *countingWriter
}

type countingReader struct {
	r io.Reader
	n atomic.Uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(uint64(n))
	return n, err
}

type countingWriter struct {
	w io.Writer
	n atomic.Uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n.Add(uint64(n))
	return n, err
}

func NewReadWriter(rw io.ReadWriter, bufSize int) *ReadWriter {
	in := &countingReader{r: rw}
	out := &countingWriter{w: rw}
	return &ReadWriter{
		ReadWriter: bufio.NewReadWriter(bufio.NewReaderSize(in, bufSize), bufio.NewWriterSize(out, bufSize)),
		in:         in,
		out:        out,
	}
}

// Read fills p completely or fails.
func (rw *ReadWriter) Read(p []byte) (int, error) {
	return io.ReadFull(rw.ReadWriter, p)
}

func (rw *ReadWriter) ReadUintBE(n int) (uint32, error) {
	ret := uint32(0)
	for i := 0; i < n; i++ {
		b, err := rw.ReadByte()
		if err != nil {
			return 0, err
		}
		ret = ret<<8 + uint32(b)
	}
	return ret, nil
}

func (rw *ReadWriter) ReadUintLE(n int) (uint32, error) {
	ret := uint32(0)
	for i := 0; i < n; i++ {
		b, err := rw.ReadByte()
		if err != nil {
			return 0, err
		}
		ret += uint32(b) << uint32(i*8)
	}
	return ret, nil
}

func (rw *ReadWriter) BytesIn() uint64 {
	return rw.in.n.Load()
}

func (rw *ReadWriter) BytesOut() uint64 {
	return rw.out.n.Load()
}
