package transport

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

var quicConfig = &quic.Config{
	MaxIdleTimeout:  30 * time.Second,
	KeepAlivePeriod: 10 * time.Second,
}

// QUIC carries the session on one bidirectional stream.
type QUIC struct {
	opts Options
}

func (t *QUIC) Kind() Kind {
	return KindQUIC
}

func (t *QUIC) Open(ctx context.Context, address string) (io.ReadWriteCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, t.opts.dialTimeout())
	defer cancel()
	conn, err := quic.DialAddr(ctx, address, t.opts.clientTLS(), quicConfig)
	if err != nil {
		return nil, err
	}
	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return &quicConn{Stream: st, conn: conn}, nil
}

type quicConn struct {
	*quic.Stream
	conn *quic.Conn
}

func (c *quicConn) Close() error {
	c.Stream.Close()
	return c.conn.CloseWithError(0, "")
}

type quicListener struct {
	l *quic.Listener
}

func ListenQUIC(address string, opts Options) (Listener, error) {
	tlsConf, err := opts.serverTLS()
	if err != nil {
		return nil, err
	}
	l, err := quic.ListenAddr(address, tlsConf, quicConfig)
	if err != nil {
		return nil, err
	}
	return &quicListener{l: l}, nil
}

// Accept waits for a connection and its first stream.
func (l *quicListener) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	conn, err := l.l.Accept(ctx)
	if err != nil {
		return nil, err
	}
	st, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return &quicConn{Stream: st, conn: conn}, nil
}

func (l *quicListener) Addr() net.Addr {
	return l.l.Addr()
}

func (l *quicListener) Close() error {
	return l.l.Close()
}
