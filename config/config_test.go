package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zijiren233/livesession/cache"
	"github.com/zijiren233/livesession/protocol/rtmp/core"
	"github.com/zijiren233/livesession/transport"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatal(err)
	}
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 1935 || cfg.Buffer.Video != cache.DefaultVideoLimits {
		t.Fatalf("empty file did not keep defaults: %+v", cfg)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
session:
  request_timeout: 5s
  chunk_size: 4096
  publish_type: record
buffer:
  video:
    frames: 60
reconnect:
  base_delay: 1s
  max_retries: 10
transport:
  kind: srt
  srt_stream_id: publish:live/cam
server:
  port: 1936
relays:
  - from: rtmp://a/live/x
    to: rtmp://b/live/x
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Session.RequestTimeout != 5*time.Second || cfg.Session.ChunkSize != 4096 {
		t.Errorf("session = %+v", cfg.Session)
	}
	// unset fields inside a section keep their defaults
	if cfg.Session.PublishType != core.PublishRecord {
		t.Errorf("publish type = %q", cfg.Session.PublishType)
	}
	if cfg.Session.CloseGrace != 2*time.Second {
		t.Errorf("close grace = %s", cfg.Session.CloseGrace)
	}
	if cfg.Buffer.Video.Frames != 60 || cfg.Buffer.Video.Bytes != cache.DefaultVideoLimits.Bytes {
		t.Errorf("video limits = %+v", cfg.Buffer.Video)
	}
	if cfg.Reconnect.BaseDelay != time.Second || cfg.Reconnect.MaxRetries != 10 {
		t.Errorf("reconnect = %+v", cfg.Reconnect)
	}
	if cfg.Transport.Kind != transport.KindSRT || cfg.TransportOptions().StreamID != "publish:live/cam" {
		t.Errorf("transport = %+v", cfg.Transport)
	}
	if cfg.Server.Port != 1936 || !cfg.Server.AutoCreate {
		t.Errorf("server = %+v", cfg.Server)
	}
	if len(cfg.Relays) != 1 || cfg.Relays[0].To != "rtmp://b/live/x" {
		t.Errorf("relays = %+v", cfg.Relays)
	}
	if cfg.Log.Level != "debug" || !cfg.Log.Pretty {
		t.Errorf("log = %+v", cfg.Log)
	}
	if n := len(cfg.SessionOptions()); n != 7 {
		t.Errorf("session options = %d", n)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"unknown key", "sesion:\n  chunk_size: 1\n", "field sesion not found"},
		{"chunk size", "session:\n  chunk_size: 1\n", "chunk_size"},
		{"publish type", "session:\n  publish_type: stored\n", "publish_type"},
		{"reconnect", "reconnect:\n  multiplier: 0.5\n", "multiplier"},
		{"transport", "transport:\n  kind: udp\n", "unknown kind"},
		{"relay", "relays:\n  - from: rtmp://a/b/c\n", "relays[0]"},
		{"buffer", "buffer:\n  audio:\n    frames: -1\n", "audio"},
	}
	for _, tt := range tests {
		_, err := Parse([]byte(tt.data))
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("%s: err = %v, want %q", tt.name, err, tt.want)
		}
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file loaded")
	}
}
