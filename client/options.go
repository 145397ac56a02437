package client

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/zijiren233/livesession/av"
	"github.com/zijiren233/livesession/cache"
	"github.com/zijiren233/livesession/protocol/rtmp/core"
	"github.com/zijiren233/livesession/reconnect"
	"github.com/zijiren233/livesession/transport"
)

type Config struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// ChunkSize is announced to the server after connect.
	ChunkSize     uint32 `yaml:"chunk_size"`
	WindowAckSize uint32 `yaml:"window_ack_size"`
	// ConnBufferSize sizes the buffered reader and writer of a
	// connection.
	ConnBufferSize   int    `yaml:"conn_buffer_size"`
	MaxMessageLength uint32 `yaml:"max_message_length"`
	// CloseGrace bounds how long Close waits for the loops to stop.
	CloseGrace time.Duration `yaml:"close_grace"`
	// PublishType is sent with publish: live, record or append.
	PublishType core.PublishType `yaml:"publish_type"`
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout:   core.DefaultRequestTimeout,
		ChunkSize:        8192,
		WindowAckSize:    core.DefaultWindowAckSize,
		ConnBufferSize:   4 * 1024,
		MaxMessageLength: core.DefaultMaxMessageLength,
		CloseGrace:       2 * time.Second,
		PublishType:      core.PublishLive,
	}
}

type Option func(*Session)

func WithConfig(cfg Config) Option {
	return func(s *Session) {
		s.cfg = cfg
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Session) {
		s.log = log
	}
}

// WithTransport overrides the carrier picked from the URL scheme.
func WithTransport(t transport.Transport) Option {
	return func(s *Session) {
		s.tr = t
	}
}

func WithTransportOptions(opts transport.Options) Option {
	return func(s *Session) {
		s.trOpts = opts
	}
}

func WithReconnect(cfg reconnect.Config) Option {
	return func(s *Session) {
		s.reconnectCfg = cfg
	}
}

func WithBufferLimits(kind av.Kind, limits cache.Limits) Option {
	return func(s *Session) {
		s.bufConf = append(s.bufConf, cache.WithLimits(kind, limits))
	}
}

// WithClassifier replaces the keyframe and config detection applied to
// played frames.
func WithClassifier(f func(*av.Frame)) Option {
	return func(s *Session) {
		s.classify = f
	}
}

// WithSentHook observes each published frame once written, with the
// chunk header type it went out with.
func WithSentHook(f func(f *av.Frame, format uint32)) Option {
	return func(s *Session) {
		s.onSent = f
	}
}

func WithEventBuffer(n int) Option {
	return func(s *Session) {
		s.eventBuffer = n
	}
}
