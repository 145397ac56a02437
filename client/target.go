package client

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/zijiren233/livesession/transport"
)

// Target is a parsed stream URL such as rtmp://host/app/name.
type Target struct {
	Kind transport.Kind
	Addr string
	App  string
	// Name is the stream key, query included. It may be empty when the
	// URL only names the application.
	Name  string
	TcURL string
}

var ErrBadTarget = errors.New("bad target url")

func ParseTarget(raw string) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("%w: %w", ErrBadTarget, err)
	}
	kind, defaultPort, ok := transport.FromScheme(u.Scheme)
	if !ok {
		return Target{}, fmt.Errorf("%w: unsupported scheme %q", ErrBadTarget, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return Target{}, fmt.Errorf("%w: missing host", ErrBadTarget)
	}
	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	app, name, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if app == "" {
		return Target{}, fmt.Errorf("%w: missing app", ErrBadTarget)
	}
	if name != "" && u.RawQuery != "" {
		name += "?" + u.RawQuery
	}
	return Target{
		Kind:  kind,
		Addr:  net.JoinHostPort(host, port),
		App:   app,
		Name:  name,
		TcURL: u.Scheme + "://" + u.Host + "/" + app,
	}, nil
}
