// Package transport provides the byte stream carriers a session runs
// over. The session only sees io.ReadWriteCloser; each carrier is picked
// once, when the session is built.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

type Kind string

const (
	KindTCP  Kind = "tcp"
	KindTLS  Kind = "tls"
	KindSRT  Kind = "srt"
	KindQUIC Kind = "quic"
)

// ALPN is offered on QUIC and TLS carriers.
const ALPN = "rtmp"

// Transport opens connections to a server.
type Transport interface {
	Kind() Kind
	Open(ctx context.Context, address string) (io.ReadWriteCloser, error)
}

// Listener accepts connections of one carrier kind.
type Listener interface {
	Accept(ctx context.Context) (io.ReadWriteCloser, error)
	Addr() net.Addr
	Close() error
}

type Options struct {
	DialTimeout time.Duration
	// TLSConfig is used by TLS and QUIC carriers. Listeners without
	// certificates get a self signed one.
	TLSConfig *tls.Config
	// StreamID is announced by SRT callers.
	StreamID string
}

func (o *Options) dialTimeout() time.Duration {
	if o.DialTimeout > 0 {
		return o.DialTimeout
	}
	return 10 * time.Second
}

func (o *Options) clientTLS() *tls.Config {
	c := &tls.Config{}
	if o.TLSConfig != nil {
		c = o.TLSConfig.Clone()
	}
	if len(c.NextProtos) == 0 {
		c.NextProtos = []string{ALPN}
	}
	return c
}

func (o *Options) serverTLS() (*tls.Config, error) {
	c := &tls.Config{}
	if o.TLSConfig != nil {
		c = o.TLSConfig.Clone()
	}
	if len(c.Certificates) == 0 && c.GetCertificate == nil {
		cert, err := SelfSigned(24 * time.Hour)
		if err != nil {
			return nil, err
		}
		c.Certificates = []tls.Certificate{cert}
	}
	if len(c.NextProtos) == 0 {
		c.NextProtos = []string{ALPN}
	}
	return c, nil
}

func New(kind Kind, opts Options) (Transport, error) {
	switch kind {
	case KindTCP, "":
		return &TCP{opts: opts}, nil
	case KindTLS:
		return &TCP{opts: opts, tls: true}, nil
	case KindSRT:
		return &SRT{opts: opts}, nil
	case KindQUIC:
		return &QUIC{opts: opts}, nil
	}
	return nil, fmt.Errorf("transport: unknown kind %q", kind)
}

func Listen(kind Kind, address string, opts Options) (Listener, error) {
	switch kind {
	case KindTCP, "":
		return ListenTCP(address, nil)
	case KindTLS:
		c, err := opts.serverTLS()
		if err != nil {
			return nil, err
		}
		return ListenTCP(address, c)
	case KindSRT:
		return ListenSRT(address)
	case KindQUIC:
		return ListenQUIC(address, opts)
	}
	return nil, fmt.Errorf("transport: unknown kind %q", kind)
}

// FromScheme maps a URL scheme to a carrier kind and its default port.
func FromScheme(scheme string) (kind Kind, port string, ok bool) {
	switch strings.ToLower(scheme) {
	case "rtmp":
		return KindTCP, "1935", true
	case "rtmps":
		return KindTLS, "443", true
	case "rtmp+srt", "srt":
		return KindSRT, "1935", true
	case "rtmp+quic", "quic":
		return KindQUIC, "1935", true
	}
	return "", "", false
}
