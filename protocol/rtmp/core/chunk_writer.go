package core

import (
	"fmt"
	"io"

	"github.com/zijiren233/stream"
)

// ChunkWriter splits messages into chunks. It owns the header cache of
// the sending direction and must be driven by one goroutine at a time.
type ChunkWriter struct {
	w         *stream.Writer
	chunkSize uint32
	headers   map[uint32]*chunkHeader
}

func NewChunkWriter(w io.Writer) *ChunkWriter {
	return &ChunkWriter{
		w:         stream.NewWriter(w, stream.BigEndian),
		chunkSize: DefaultChunkSize,
		headers:   make(map[uint32]*chunkHeader),
	}
}

func (cw *ChunkWriter) ChunkSize() uint32 {
	return cw.chunkSize
}

func (cw *ChunkWriter) SetChunkSize(size uint32) error {
	if size < 1 || size > MaxChunkSize {
		return fmt.Errorf("invalid chunk size %d", size)
	}
	cw.chunkSize = size
	return nil
}

// WriteMessage emits cs and returns the header type of its first chunk.
func (cw *ChunkWriter) WriteMessage(cs *ChunkStream) (uint32, error) {
	if cs.CSID < 2 || cs.CSID > maxCSID {
		return 0, fmt.Errorf("invalid chunk stream id %d", cs.CSID)
	}
	cs.Length = uint32(len(cs.Data))
	if cs.Length > 0xffffff {
		return 0, fmt.Errorf("message too long: %d", cs.Length)
	}

	prev := cw.headers[cs.CSID]
	format, delta := selectFormat(prev, cs)

	// field is what goes in the 3-byte timestamp slot, or its extension.
	field := delta
	extended := false
	switch format {
	case ChunkFull:
		field = cs.Timestamp
		extended = field >= extendedTimestamp
	case ChunkContinue:
		extended = prev.extended
	default:
		extended = field >= extendedTimestamp
	}

	if err := cw.writeHeader(format, cs, field, extended); err != nil {
		return 0, err
	}

	for off := uint32(0); ; {
		n := min(cw.chunkSize, cs.Length-off)
		if err := cw.w.Bytes(cs.Data[off : off+n]).Error(); err != nil {
			return 0, err
		}
		off += n
		if off >= cs.Length {
			break
		}
		if err := cw.writeHeader(ChunkContinue, cs, field, extended); err != nil {
			return 0, err
		}
	}

	if prev == nil {
		prev = new(chunkHeader)
		cw.headers[cs.CSID] = prev
	}
	prev.timestamp = cs.Timestamp
	prev.delta = field
	prev.length = cs.Length
	prev.typeID = cs.TypeID
	prev.streamID = cs.StreamID
	prev.extended = extended

	return format, nil
}

func (cw *ChunkWriter) writeHeader(format uint32, cs *ChunkStream, field uint32, extended bool) error {
	// Chunk Basic Header
	h := uint8(format << 6)
	switch {
	case cs.CSID < 64:
		cw.w.U8(h | uint8(cs.CSID))
	case cs.CSID < 320:
		cw.w.U8(h).U8(uint8(cs.CSID - 64))
	default:
		id := cs.CSID - 64
		cw.w.U8(h | 1).U8(uint8(id)).U8(uint8(id >> 8))
	}

	// Chunk Message Header
	ts := field
	if extended {
		ts = extendedTimestamp
	}
	switch format {
	case ChunkFull:
		var sid [4]byte
		stream.LittleEndian.WriteU32(sid[:], cs.StreamID)
		cw.w.U24(ts).U24(cs.Length).U8(uint8(cs.TypeID)).Bytes(sid[:])
	case ChunkSameStream:
		cw.w.U24(ts).U24(cs.Length).U8(uint8(cs.TypeID))
	case ChunkSameLength:
		cw.w.U24(ts)
	}

	// Extended Timestamp
	if extended {
		cw.w.U32(field)
	}
	return cw.w.Error()
}
