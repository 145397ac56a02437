package core

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"time"

	"github.com/zijiren233/stream"
)

const (
	rtmpVersion   = 3
	handshakeSize = 1536
)

// newHandshakePacket builds C1/S1: time, zero, random fill.
func newHandshakePacket() ([]byte, error) {
	p := make([]byte, handshakeSize)
	stream.BigEndian.WriteU32(p[0:4], uint32(time.Now().UnixMilli()))
	if _, err := rand.Read(p[8:]); err != nil {
		return nil, err
	}
	return p, nil
}

// echoMatches compares the random part of an echoed packet. The time
// fields are allowed to differ.
func echoMatches(echo, sent []byte) bool {
	return bytes.Equal(echo[8:], sent[8:])
}

// HandshakeClient runs C0/C1 -> S0/S1/S2 -> C2.
func (conn *Conn) HandshakeClient() error {
	c1, err := newHandshakePacket()
	if err != nil {
		return HandshakeFailed(err)
	}
	if err := conn.rw.WriteByte(rtmpVersion); err != nil {
		return ConnectionLost("handshake", err)
	}
	if _, err := conn.rw.Write(c1); err != nil {
		return ConnectionLost("handshake", err)
	}
	if err := conn.rw.Flush(); err != nil {
		return ConnectionLost("handshake", err)
	}

	s0, err := conn.rw.ReadByte()
	if err != nil {
		return handshakeReadErr(err)
	}
	if s0 != rtmpVersion {
		return HandshakeFailed(fmt.Errorf("unsupported version %d", s0))
	}
	s1 := make([]byte, handshakeSize)
	if _, err := conn.rw.Read(s1); err != nil {
		return handshakeReadErr(err)
	}
	s2 := make([]byte, handshakeSize)
	if _, err := conn.rw.Read(s2); err != nil {
		return handshakeReadErr(err)
	}
	if !echoMatches(s2, c1) {
		return HandshakeFailed(fmt.Errorf("S2 does not echo C1"))
	}

	if _, err := conn.rw.Write(s1); err != nil {
		return ConnectionLost("handshake", err)
	}
	if err := conn.rw.Flush(); err != nil {
		return ConnectionLost("handshake", err)
	}
	conn.markHandshakeDone()
	conn.log.Debug().Msg("client handshake done")
	return nil
}

// HandshakeServer runs C0/C1 -> S0/S1/S2 -> C2.
func (conn *Conn) HandshakeServer() error {
	c0, err := conn.rw.ReadByte()
	if err != nil {
		return handshakeReadErr(err)
	}
	if c0 != rtmpVersion {
		return HandshakeFailed(fmt.Errorf("unsupported version %d", c0))
	}
	c1 := make([]byte, handshakeSize)
	if _, err := conn.rw.Read(c1); err != nil {
		return handshakeReadErr(err)
	}

	s1, err := newHandshakePacket()
	if err != nil {
		return HandshakeFailed(err)
	}
	if err := conn.rw.WriteByte(rtmpVersion); err != nil {
		return ConnectionLost("handshake", err)
	}
	if _, err := conn.rw.Write(s1); err != nil {
		return ConnectionLost("handshake", err)
	}
	if _, err := conn.rw.Write(c1); err != nil {
		return ConnectionLost("handshake", err)
	}
	if err := conn.rw.Flush(); err != nil {
		return ConnectionLost("handshake", err)
	}

	c2 := make([]byte, handshakeSize)
	if _, err := conn.rw.Read(c2); err != nil {
		return handshakeReadErr(err)
	}
	if !echoMatches(c2, s1) {
		return HandshakeFailed(fmt.Errorf("C2 does not echo S1"))
	}
	conn.markHandshakeDone()
	conn.log.Debug().Msg("server handshake done")
	return nil
}

// A peer hanging up mid handshake is retryable; only bad bytes are
// HandshakeFailed.
func handshakeReadErr(err error) error {
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	return ConnectionLost("handshake", err)
}
