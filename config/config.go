package config

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/zijiren233/livesession/av"
	"github.com/zijiren233/livesession/cache"
	"github.com/zijiren233/livesession/client"
	"github.com/zijiren233/livesession/protocol/rtmp/core"
	"github.com/zijiren233/livesession/reconnect"
	"github.com/zijiren233/livesession/transport"
	"gopkg.in/yaml.v3"
)

// Config is the file configuration shared by all commands. Fields left
// out of the file keep their defaults.
type Config struct {
	Session   client.Config    `yaml:"session"`
	Buffer    BufferConfig     `yaml:"buffer"`
	Reconnect reconnect.Config `yaml:"reconnect"`
	Transport TransportConfig  `yaml:"transport"`
	Server    ServerConfig     `yaml:"server"`
	Relays    []RelayConfig    `yaml:"relays,omitempty"`
	Log       LogConfig        `yaml:"log"`
}

// BufferConfig bounds each media kind of the sync buffer on its own.
type BufferConfig struct {
	Video cache.Limits `yaml:"video"`
	Audio cache.Limits `yaml:"audio"`
	Data  cache.Limits `yaml:"data"`
}

type TransportConfig struct {
	// Kind forces a carrier; empty means pick it from the URL scheme.
	Kind          transport.Kind `yaml:"kind,omitempty"`
	TLSSkipVerify bool           `yaml:"tls_skip_verify"`
	SRTStreamID   string         `yaml:"srt_stream_id,omitempty"`
}

type ServerConfig struct {
	Listen     string `yaml:"listen"`
	Port       uint16 `yaml:"port"`
	HTTP       bool   `yaml:"http"`
	AutoCreate bool   `yaml:"auto_create"`
	// Extra carriers, disabled when zero.
	SRTPort  uint16 `yaml:"srt_port,omitempty"`
	QUICPort uint16 `yaml:"quic_port,omitempty"`
}

// RelayConfig is a relay started with the server.
type RelayConfig struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

func Default() *Config {
	return &Config{
		Session: client.DefaultConfig(),
		Buffer: BufferConfig{
			Video: cache.DefaultVideoLimits,
			Audio: cache.DefaultAudioLimits,
			Data:  cache.DefaultDataLimits,
		},
		Reconnect: reconnect.DefaultConfig(),
		Server: ServerConfig{
			Listen:     "127.0.0.1",
			Port:       1935,
			HTTP:       true,
			AutoCreate: true,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}

// Load reads path over the defaults. Unknown keys are an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Session.RequestTimeout <= 0 {
		return errors.New("session: request_timeout must be positive")
	}
	if c.Session.ChunkSize < 128 || c.Session.ChunkSize > 0x7fffffff {
		return fmt.Errorf("session: chunk_size %d out of range", c.Session.ChunkSize)
	}
	if t := c.Session.PublishType; t != "" && !t.Valid() {
		return fmt.Errorf("session: publish_type %q is not live, record or append", t)
	}
	if c.Session.WindowAckSize == 0 {
		return errors.New("session: window_ack_size must be positive")
	}
	for name, l := range map[string]cache.Limits{"video": c.Buffer.Video, "audio": c.Buffer.Audio, "data": c.Buffer.Data} {
		if l.Frames < 0 || l.Bytes < 0 {
			return fmt.Errorf("buffer: %s limits must not be negative", name)
		}
	}
	if err := c.Reconnect.Validate(); err != nil {
		return err
	}
	switch c.Transport.Kind {
	case "", transport.KindTCP, transport.KindTLS, transport.KindSRT, transport.KindQUIC:
	default:
		return fmt.Errorf("transport: unknown kind %q", c.Transport.Kind)
	}
	if c.Server.Port == 0 {
		return errors.New("server: port must be set")
	}
	for i, r := range c.Relays {
		if r.From == "" || r.To == "" {
			return fmt.Errorf("relays[%d]: from and to are required", i)
		}
	}
	return nil
}

// SessionOptions turns the client related sections into session
// options.
func (c *Config) SessionOptions() []client.Option {
	opts := []client.Option{
		client.WithConfig(c.Session),
		client.WithReconnect(c.Reconnect),
		client.WithBufferLimits(av.KindVideo, c.Buffer.Video),
		client.WithBufferLimits(av.KindAudio, c.Buffer.Audio),
		client.WithBufferLimits(av.KindData, c.Buffer.Data),
		client.WithTransportOptions(c.TransportOptions()),
	}
	if c.Transport.Kind != "" {
		if t, err := transport.New(c.Transport.Kind, c.TransportOptions()); err == nil {
			opts = append(opts, client.WithTransport(t))
		}
	}
	return opts
}

func (c *Config) TransportOptions() transport.Options {
	opts := transport.Options{
		StreamID: c.Transport.SRTStreamID,
	}
	if c.Transport.TLSSkipVerify {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return opts
}

// BufferConf is the player buffer configuration for the server.
func (c *Config) BufferConf() []cache.BufferConf {
	return []cache.BufferConf{
		cache.WithLimits(av.KindVideo, c.Buffer.Video),
		cache.WithLimits(av.KindAudio, c.Buffer.Audio),
		cache.WithLimits(av.KindData, c.Buffer.Data),
	}
}
