package core

import "fmt"

const (
	ChunkFull       uint32 = 0
	ChunkSameStream uint32 = 1
	ChunkSameLength uint32 = 2
	ChunkContinue   uint32 = 3
)

const (
	DefaultChunkSize uint32 = 128
	MaxChunkSize     uint32 = 0xffffff
	// DefaultMaxMessageLength caps a declared message length before any
	// memory is committed to it.
	DefaultMaxMessageLength uint32 = 8 << 20

	extendedTimestamp uint32 = 0xffffff
	maxCSID           uint32 = 65599
)

// Chunk stream ids used for outgoing messages.
const (
	CSIDControl uint32 = 2
	CSIDCommand uint32 = 3
	CSIDAudio   uint32 = 4
	CSIDData    uint32 = 5
	CSIDVideo   uint32 = 6
)

// ChunkStream is one reassembled message. On read Format is the header
// type of the message's first chunk.
type ChunkStream struct {
	Format    uint32
	CSID      uint32
	Timestamp uint32
	Length    uint32
	TypeID    uint32
	StreamID  uint32
	Data      []byte
}

func (cs *ChunkStream) String() string {
	return fmt.Sprintf("csid=%d fmt=%d type=%d sid=%d ts=%d len=%d", cs.CSID, cs.Format, cs.TypeID, cs.StreamID, cs.Timestamp, cs.Length)
}

// chunkHeader is the per chunk stream id state compact headers are
// resolved against. delta is the last timestamp delta; after a full
// header it holds the absolute timestamp, as a following type 3 chunk
// takes that as its delta.
type chunkHeader struct {
	timestamp uint32
	delta     uint32
	length    uint32
	typeID    uint32
	streamID  uint32
	// extended reports whether the last timestamp field overflowed
	// into the 4-byte extension.
	extended bool
}

// selectFormat picks the most compact header type a receiver holding
// prev can resolve cs against.
func selectFormat(prev *chunkHeader, cs *ChunkStream) (format, delta uint32) {
	if prev == nil || prev.streamID != cs.StreamID || cs.Timestamp < prev.timestamp {
		return ChunkFull, cs.Timestamp
	}
	delta = cs.Timestamp - prev.timestamp
	switch {
	case prev.length != cs.Length || prev.typeID != cs.TypeID:
		return ChunkSameStream, delta
	case delta != prev.delta:
		return ChunkSameLength, delta
	default:
		return ChunkContinue, delta
	}
}
