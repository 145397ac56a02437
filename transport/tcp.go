package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
)

// TCP is the reliable stream carrier, optionally wrapped in TLS.
type TCP struct {
	opts Options
	tls  bool
}

func (t *TCP) Kind() Kind {
	if t.tls {
		return KindTLS
	}
	return KindTCP
}

func (t *TCP) Open(ctx context.Context, address string) (io.ReadWriteCloser, error) {
	d := &net.Dialer{Timeout: t.opts.dialTimeout()}
	if !t.tls {
		return d.DialContext(ctx, "tcp", address)
	}
	td := &tls.Dialer{NetDialer: d, Config: t.opts.clientTLS()}
	return td.DialContext(ctx, "tcp", address)
}

type tcpListener struct {
	net.Listener
}

// ListenTCP listens on address, with TLS when config is not nil.
func ListenTCP(address string, config *tls.Config) (Listener, error) {
	l, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	if config != nil {
		l = tls.NewListener(l, config)
	}
	return &tcpListener{Listener: l}, nil
}

// NetListener wraps an existing listener, such as a cmux match.
func NetListener(l net.Listener) Listener {
	return &tcpListener{Listener: l}
}

func (l *tcpListener) Accept(ctx context.Context) (io.ReadWriteCloser, error) {
	stop := context.AfterFunc(ctx, func() {
		l.Listener.Close()
	})
	defer stop()
	c, err := l.Listener.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return c, nil
}
