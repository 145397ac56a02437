package core

import (
	"fmt"

	"github.com/rs/zerolog"
)

type inboundChunk struct {
	chunkHeader
	format uint32
	remain uint32
	data   []byte
}

// ChunkReader reassembles messages from chunks. It owns the header cache
// of the receiving direction and must be driven by one goroutine.
type ChunkReader struct {
	r                *ReadWriter
	chunkSize        uint32
	maxMessageLength uint32
	chunks           map[uint32]*inboundChunk
	log              zerolog.Logger
}

func NewChunkReader(r *ReadWriter, log zerolog.Logger) *ChunkReader {
	return &ChunkReader{
		r:                r,
		chunkSize:        DefaultChunkSize,
		maxMessageLength: DefaultMaxMessageLength,
		chunks:           make(map[uint32]*inboundChunk),
		log:              log,
	}
}

func (cr *ChunkReader) ChunkSize() uint32 {
	return cr.chunkSize
}

func (cr *ChunkReader) SetChunkSize(size uint32) error {
	if size < 1 || size > 0x7fffffff {
		return FramingError("set chunk size", "invalid chunk size %d", size)
	}
	cr.chunkSize = size
	return nil
}

func (cr *ChunkReader) SetMaxMessageLength(n uint32) {
	cr.maxMessageLength = n
}

// Abort drops the partially received message on csid.
func (cr *ChunkReader) Abort(csid uint32) {
	if c, ok := cr.chunks[csid]; ok {
		c.remain = 0
		c.data = nil
	}
}

// ReadMessage reads chunks until one message is complete.
func (cr *ChunkReader) ReadMessage() (*ChunkStream, error) {
	for {
		cs, err := cr.readChunk()
		if err != nil {
			return nil, err
		}
		if cs != nil {
			return cs, nil
		}
	}
}

func (cr *ChunkReader) readChunk() (*ChunkStream, error) {
	h, err := cr.r.ReadUintBE(1)
	if err != nil {
		return nil, err
	}
	format := h >> 6
	csid := h & 0x3f
	switch csid {
	case 0:
		id, err := cr.r.ReadUintLE(1)
		if err != nil {
			return nil, err
		}
		csid = id + 64
	case 1:
		id, err := cr.r.ReadUintLE(2)
		if err != nil {
			return nil, err
		}
		csid = id + 64
	}

	c, ok := cr.chunks[csid]
	if !ok {
		if format != ChunkFull {
			return nil, FramingError("read chunk", "header type %d on unseen chunk stream %d", format, csid)
		}
		c = new(inboundChunk)
		cr.chunks[csid] = c
	}

	if format != ChunkContinue && c.remain != 0 {
		cr.log.Debug().Uint32("csid", csid).Uint32("remain", c.remain).Msg("message interrupted by new header, dropped")
		c.remain = 0
		c.data = nil
	}
	start := c.remain == 0

	switch format {
	case ChunkFull:
		ts, err := cr.r.ReadUintBE(3)
		if err != nil {
			return nil, err
		}
		if c.length, err = cr.r.ReadUintBE(3); err != nil {
			return nil, err
		}
		if c.typeID, err = cr.r.ReadUintBE(1); err != nil {
			return nil, err
		}
		if c.streamID, err = cr.r.ReadUintLE(4); err != nil {
			return nil, err
		}
		if ts, err = cr.readExtended(&c.chunkHeader, ts); err != nil {
			return nil, err
		}
		c.timestamp = ts
		c.delta = ts
	case ChunkSameStream, ChunkSameLength:
		delta, err := cr.r.ReadUintBE(3)
		if err != nil {
			return nil, err
		}
		if format == ChunkSameStream {
			if c.length, err = cr.r.ReadUintBE(3); err != nil {
				return nil, err
			}
			if c.typeID, err = cr.r.ReadUintBE(1); err != nil {
				return nil, err
			}
		}
		if delta, err = cr.readExtended(&c.chunkHeader, delta); err != nil {
			return nil, err
		}
		c.delta = delta
		c.timestamp += delta
	case ChunkContinue:
		delta := c.delta
		if c.extended {
			// Repeated on every chunk of a message whose header overflowed.
			v, err := cr.r.ReadUintBE(4)
			if err != nil {
				return nil, err
			}
			if start {
				delta = v
			}
		}
		if start {
			c.delta = delta
			c.timestamp += delta
		}
	}

	if start {
		if c.length > cr.maxMessageLength {
			return nil, FramingError("read chunk", "message length %d exceeds %d", c.length, cr.maxMessageLength)
		}
		c.format = format
		c.remain = c.length
		c.data = make([]byte, 0, c.length)
	}

	size := min(c.remain, cr.chunkSize)
	if size > 0 {
		off := len(c.data)
		c.data = c.data[:off+int(size)]
		if _, err := cr.r.Read(c.data[off:]); err != nil {
			return nil, err
		}
		c.remain -= size
	}
	if c.remain != 0 {
		return nil, nil
	}

	cs := &ChunkStream{
		Format:    c.format,
		CSID:      csid,
		Timestamp: c.timestamp,
		Length:    c.length,
		TypeID:    c.typeID,
		StreamID:  c.streamID,
		Data:      c.data,
	}
	c.data = nil
	return cs, nil
}

func (cr *ChunkReader) readExtended(h *chunkHeader, field uint32) (uint32, error) {
	h.extended = field == extendedTimestamp
	if !h.extended {
		return field, nil
	}
	v, err := cr.r.ReadUintBE(4)
	if err != nil {
		return 0, fmt.Errorf("extended timestamp: %w", err)
	}
	return v, nil
}
