package transport

import (
	"context"
	"fmt"
	"io"
	"net"

	srtgo "github.com/zsiec/srtgo"
)

// srtLatencyNs is the receiver latency in nanoseconds (120ms).
const srtLatencyNs = 120_000_000

// srtPayloadSize is the largest payload one live mode SRT message
// carries.
const srtPayloadSize = 1316

// SRT is the reliable datagram carrier.
type SRT struct {
	opts Options
}

func (t *SRT) Kind() Kind {
	return KindSRT
}

func (t *SRT) Open(ctx context.Context, address string) (io.ReadWriteCloser, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	if t.opts.StreamID != "" {
		cfg.StreamID = t.opts.StreamID
	}

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(address, cfg)
		ch <- dialResult{conn, err}
	}()

	ctx, cancel := context.WithTimeout(ctx, t.opts.dialTimeout())
	defer cancel()
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("srt dial: %w", res.err)
		}
		return &srtConn{conn: res.conn}, nil
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// srtConn splits writes into messages no larger than the live mode
// payload size.
type srtConn struct {
	conn *srtgo.Conn
}

func (c *srtConn) Read(p []byte) (int, error) {
	return c.conn.Read(p)
}

func (c *srtConn) Write(p []byte) (int, error) {
	n := 0
	for len(p) > 0 {
		m := min(len(p), srtPayloadSize)
		w, err := c.conn.Write(p[:m])
		n += w
		if err != nil {
			return n, err
		}
		p = p[m:]
	}
	return n, nil
}

func (c *srtConn) Close() error {
	c.conn.Close()
	return nil
}

type srtListener struct {
	accept func() (*srtgo.Conn, error)
	close  func()
	addr   net.Addr
}

func ListenSRT(address string) (Listener, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	l, err := srtgo.Listen(address, cfg)
	if err != nil {
		return nil, fmt.Errorf("srt listen on %s: %w", address, err)
	}
	addr, _ := net.ResolveUDPAddr("udp", address)
	return &srtListener{
		accept: l.Accept,
		close:  func() { l.Close() },
		addr:   addr,
	}, nil
}

func (l *srtListener) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	stop := context.AfterFunc(ctx, l.close)
	defer stop()
	conn, err := l.accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return &srtConn{conn: conn}, nil
}

func (l *srtListener) Addr() net.Addr {
	return l.addr
}

func (l *srtListener) Close() error {
	l.close()
	return nil
}
