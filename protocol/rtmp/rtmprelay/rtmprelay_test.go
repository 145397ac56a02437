package rtmprelay

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/zijiren233/livesession/av"
	"github.com/zijiren233/livesession/client"
	"github.com/zijiren233/livesession/server"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func frame(dts time.Duration, key bool, marker byte) *av.Frame {
	tag := byte(0x27)
	if key {
		tag = 0x17
	}
	return &av.Frame{Kind: av.KindVideo, DTS: dts, PTS: dts, Keyframe: key, Tag: tag, Payload: []byte{1, 0, 0, 0, marker}}
}

func TestRelay(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := server.NewRtmpServer(server.WithAutoCreateAppOrChannel(true))
	go srv.Serve(l)
	defer func() {
		l.Close()
		srv.Close()
	}()
	base := "rtmp://" + l.Addr().String() + "/live/"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pub := client.NewSession()
	defer pub.Close()
	if err := pub.Open(ctx, base+"src"); err != nil {
		t.Fatal(err)
	}
	if err := pub.Publish(ctx, ""); err != nil {
		t.Fatal(err)
	}
	src, err := srv.GetChannelWithApp("live", "src")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "source publication", src.InPublication)
	pub.Submit(frame(0, true, 1))
	waitFor(t, "source keyframe", func() bool { return src.Info().Stats.Frames >= 1 })

	relay := NewRtmpRelay(base+"src", base+"dst")
	if err := relay.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer relay.Stop()
	if err := relay.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second start: %v", err)
	}
	dst, err := srv.GetChannelWithApp("live", "dst")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "relay source player", func() bool { return src.Info().Players == 1 })

	// the relay is handed the cached keyframe along with this one
	pub.Submit(frame(40*time.Millisecond, false, 2))
	waitFor(t, "relayed frames", func() bool { return dst.Info().Stats.Frames >= 2 })
	if relay.Relayed() < 2 {
		t.Fatalf("relayed = %d", relay.Relayed())
	}

	pub.Close()
	select {
	case <-relay.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop after the source ended")
	}
	if err := relay.Err(); err != nil {
		t.Fatalf("relay err = %v", err)
	}
	waitFor(t, "destination unpublished", func() bool { return !dst.InPublication() })
}
